// Package commands holds the ruleevents command line.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"ruleevents/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the ruleevents command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "ruleevents",
		Short:         "Real-time whitelist change notifications",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("RULEEVENTS_CONFIG_FILE"), "Path to a JSON or YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(serveCmd(opts))
	root.AddCommand(migrateCmd(opts))
	root.AddCommand(emitCmd(opts))
	return root
}

// load resolves configuration for a subcommand.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}
