package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opta-dev/opta-browser/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Inspect the opta-browser configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after merging defaults, the config
file, and OPTA_BROWSER_ environment variables.

Examples:
  # Show the merged configuration as YAML
  opta-browser config show`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if file := config.ConfigFileUsed(); file != "" {
		fmt.Printf("# config file: %s\n", file)
	} else {
		fmt.Println("# config file: none (defaults + environment)")
	}
	fmt.Print(out)
	return nil
}
