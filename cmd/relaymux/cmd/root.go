package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/internal/config"
	"github.com/miladsoleymani/relaymux/internal/logging"

	// Drivers register themselves from init().
	_ "github.com/miladsoleymani/relaymux/plugins/kafka"
	_ "github.com/miladsoleymani/relaymux/plugins/memory"
	_ "github.com/miladsoleymani/relaymux/plugins/nats"
	_ "github.com/miladsoleymani/relaymux/plugins/rabbitmq"
)

var (
	configPath  string
	destination string
)

var rootCmd = &cobra.Command{
	Use:   "relaymux",
	Short: "Publish and receive broker messages",
	Long: `relaymux sends envelopes to a message broker and runs receivers that
dispatch incoming messages.

Broker settings come from a YAML file (--config), then from RELAYMUX_*
environment variables, then from flags.

Available commands:
  send      Publish one envelope and print the confirmation
  listen    Run a receiver until interrupted
  drivers   List the registered broker drivers

Use "relaymux [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAYMUX_CONFIG"), "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&destination, "destination", "d", "", "destination queue or topic, overrides the configuration")
}

// load reads the configuration, applies the destination flag and builds the
// logger.
func load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath, func(c *config.Config) {
		if destination != "" {
			c.Broker.Destination = destination
		}
	})
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("configuration loaded", zap.Stringer("config", cfg))
	return cfg, logger, nil
}
