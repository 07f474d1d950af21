package app

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mturcotte/browserchannel/cmd/browserchannel-server/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration, after file/env/default merging",
	Long: `Display the configuration browserchannel-server would run with, after
merging the config file, BCS_* environment overrides, and built-in
defaults.

Examples:
  # Show the effective config at the default location
  browserchannel-server config show

  # Show the effective config for a specific file
  browserchannel-server config show --config /etc/browserchannel-server.yaml`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(cfg)
}
