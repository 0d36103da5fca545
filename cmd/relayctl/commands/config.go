package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayctl/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for generating and validating the relayctl configuration",
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	})
}

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "relayctl.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}

	c, err := config.ReadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	result := c.Validate()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, err.Error())
		}
		fmt.Fprintln(out)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
		fmt.Fprintln(out)
	}

	if !result.Valid {
		return fmt.Errorf("configuration has %d errors", len(result.Errors))
	}
	return nil
}
