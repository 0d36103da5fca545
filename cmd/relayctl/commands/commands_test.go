package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/config"
)

// writeTestConfig stores a config backed by a sqlite file in a temp dir so
// state persists across command invocations.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	c := config.DefaultConfig()
	c.Datasource.Type = "sqlite"
	c.Datasource.Database = filepath.Join(dir, "relayctl.db")
	c.Cache.Type = "none"
	c.MTA.Type = "spool"
	c.MTA.SpoolDir = filepath.Join(dir, "spool")
	c.MTA.Breaker.Enabled = false
	c.Abuse.DenyListPath = filepath.Join(dir, "blocked_clients")
	c.Abuse.WhitelistFile = ""
	c.API.Enabled = false
	c.Logging.Level = "error"

	path := filepath.Join(dir, "relayctl.toml")
	require.NoError(t, c.SaveConfig(path))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath = ""
		cfg = nil
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "relayctl dev")
}

func TestConfigGenerateAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.toml")

	out, err := run(t, "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err = run(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is VALID")
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[policy]\nlisten_addr = \"nonsense\"\n"), 0o600))

	out, err := run(t, "config", "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "Configuration has ERRORS")
	assert.Contains(t, out, "policy.listen_addr")
}

func TestWarmupCommands(t *testing.T) {
	path := writeTestConfig(t)

	out, err := run(t, "-c", path, "warmup", "phases")
	require.NoError(t, err)
	assert.Contains(t, out, "Weeks 1-2")

	_, err = run(t, "-c", path, "warmup", "set-phase", "3")
	require.NoError(t, err)

	out, err = run(t, "-c", path, "throttle", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Phase override: 3")

	_, err = run(t, "-c", path, "warmup", "set-phase", "99")
	assert.Error(t, err)
}

func TestThrottleCommands(t *testing.T) {
	path := writeTestConfig(t)

	_, err := run(t, "-c", path, "throttle", "enable")
	require.NoError(t, err)
	_, err = run(t, "-c", path, "throttle", "interval", "10")
	require.NoError(t, err)

	out, err := run(t, "-c", path, "throttle", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Enabled:        true")
	assert.Contains(t, out, "Batch interval: 10m0s")

	_, err = run(t, "-c", path, "throttle", "interval", "abc")
	assert.Error(t, err)

	out, err = run(t, "-c", path, "throttle", "release-now")
	require.NoError(t, err)
	assert.Contains(t, out, "held: 0, released: 0")
}

func TestBanCommands(t *testing.T) {
	path := writeTestConfig(t)

	out, err := run(t, "-c", path, "bans", "ban", "198.51.100.7", "--notes", "spam run")
	require.NoError(t, err)
	assert.Contains(t, out, "Banned 198.51.100.7 (id 1, ban count 1)")

	out, err = run(t, "-c", path, "bans", "list", "--active")
	require.NoError(t, err)
	assert.Contains(t, out, "198.51.100.7")
	assert.Contains(t, out, "never")

	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "blocked_clients"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "198.51.100.7    REJECT")

	_, err = run(t, "-c", path, "bans", "unban", "1")
	require.NoError(t, err)

	out, err = run(t, "-c", path, "bans", "list", "--active")
	require.NoError(t, err)
	assert.Contains(t, out, "No bans")

	_, err = run(t, "-c", path, "bans", "unban", "zero")
	assert.Error(t, err)
}

func TestBanSettingsCommand(t *testing.T) {
	path := writeTestConfig(t)

	out, err := run(t, "-c", path, "bans", "settings", "--max-attempts", "3", "--durations", "[10,20]")
	require.NoError(t, err)
	assert.Contains(t, out, "Max attempts:  3")
	assert.Contains(t, out, "Ban durations: [10,20] minutes")

	_, err = run(t, "-c", path, "bans", "settings", "--durations", "not json")
	assert.Error(t, err)
}
