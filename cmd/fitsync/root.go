package main

import (
	"encoding/json"
	"fmt"
	"io"

	"fitsync/internal/config"
	"fitsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

// newRootCommand creates the fitsync command tree
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fitsync",
		Short: "Offline action queue and background sync agent",
		Long: `fitsync queues user mutations while the backend is unreachable, replays
them when connectivity returns, and relays push notifications to local UI
clients.

Without --config the configuration is read from FITSYNC_* environment
variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a JSON or YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging (includes request bodies)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newFlushCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newVAPIDKeysCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// setup loads the configuration and builds the logger every command shares.
// Logs go to stderr so stdout carries only command output.
func (o *rootOptions) setup(cmd *cobra.Command) (*models.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.JSONFormatter{})
	if o.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(config.Level(cfg))
	}
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
