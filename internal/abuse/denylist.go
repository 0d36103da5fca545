package abuse

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/busybox42/relayctl/internal/datasource"
)

// DefaultRejectMessage prefixes the reason in every deny-list entry
const DefaultRejectMessage = "IP blocked"

const denyListHeader = "# Generated by relayctl; manual edits are overwritten"

// DenyList writes active bans as a Postfix CIDR access map
type DenyList struct {
	Path    string
	Message string
}

// Render returns the access map contents for the given bans
func (d DenyList) Render(bans []datasource.BanRecord) string {
	msg := d.Message
	if msg == "" {
		msg = DefaultRejectMessage
	}
	var sb strings.Builder
	sb.WriteString(denyListHeader)
	sb.WriteByte('\n')
	for _, b := range bans {
		if !b.IsActive {
			continue
		}
		fmt.Fprintf(&sb, "%s    REJECT %s: %s\n", b.IPAddress, msg, singleLine(b.Reason))
	}
	return sb.String()
}

// Write atomically replaces the access map file
func (d DenyList) Write(bans []datasource.BanRecord) error {
	dir := filepath.Dir(d.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create deny list directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(d.Path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(d.Render(bans)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write deny list: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write deny list: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set deny list permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close deny list: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.Path); err != nil {
		return fmt.Errorf("failed to replace deny list: %w", err)
	}
	return nil
}

func singleLine(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == '\t' {
			return ' '
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
