package main

import (
	"encoding/json"
	"fmt"
	"os"

	"fitsync/internal/actions"
	"fitsync/internal/push"
	"fitsync/internal/queue"
	"fitsync/internal/remote"
	"fitsync/internal/security"
	"fitsync/internal/syncer"
	"fitsync/internal/versioning"

	"github.com/spf13/cobra"
)

type enqueueOptions struct {
	*rootOptions
	Payload     string
	PayloadFile string
	Flush       bool
}

func newEnqueueCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &enqueueOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Queue an action for delivery",
		Long: fmt.Sprintf(`Validate and queue one action. A running agent picks it up on its next
connectivity check while the backend is reachable, or use --flush to deliver
it now.

Known types: %v

Examples:
  fitsync enqueue booking.cancel --payload '{"bookingId":"b-1"}'
  fitsync enqueue workout.log --payload-file workout.json --flush`, actions.Types()),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "action payload as JSON")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read the action payload from a file")
	cmd.Flags().BoolVar(&opts.Flush, "flush", false, "drain the queue right after enqueueing")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	cmd.MarkFlagsOneRequired("payload", "payload-file")

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *enqueueOptions, actionType string) error {
	payload := []byte(opts.Payload)
	if opts.PayloadFile != "" {
		if err := security.ValidateFilePath(opts.PayloadFile); err != nil {
			return fmt.Errorf("invalid payload file: %w", err)
		}
		data, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
		payload = data
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	cfg, logger, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := queue.Open(ctx, cfg.Database, cfg.Retry, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// No host runs in this process; the serving agent or --flush delivers it
	enqueuer := syncer.NewEnqueuer(store, nil, cfg.Sync.Tag, logger)
	action, err := enqueuer.QueueAndSync(ctx, actionType, payload)
	enqueuer.Wait()
	if err != nil {
		return err
	}

	result := map[string]any{"action": action}
	if opts.Flush {
		replayer := syncer.NewReplayer(store, remote.NewClient(cfg.Backend, nil, logger), cfg.Sync, logger)
		result["report"] = replayer.Drain(ctx)
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store queue.Store) error {
				pending, err := store.GetAll(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"actions": pending,
					"count":   len(pending),
				})
			})
		},
	}
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Run one replay pass against the backend now",
		Long: `Deliver every queued action once, in queue order. Failed actions stay
queued. The command exits non-zero when work is left behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			store, err := queue.Open(cmd.Context(), cfg.Database, cfg.Retry, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			replayer := syncer.NewReplayer(store, remote.NewClient(cfg.Backend, nil, logger), cfg.Sync, logger)
			report := replayer.Drain(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.ReadError != nil {
				return report.ReadError
			}
			if !report.Complete() {
				return fmt.Errorf("%d action(s) remain queued", report.Remaining)
			}
			return nil
		},
	}
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every queued action",
		Long:  "Remove every queued action without delivering it. Dead letters are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			return withStore(cmd, opts, func(store queue.Store) error {
				if err := store.Clear(cmd.Context()); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"cleared": true})
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm dropping all queued actions")
	return cmd
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List actions that exceeded the delivery attempt limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store queue.Store) error {
				letters, err := store.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"dead_letters": letters,
					"count":        len(letters),
				})
			})
		},
	}
}

func newVAPIDKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for push subscriptions",
		Long: `Generate a VAPID key pair. Put the public key in FITSYNC_VAPID_PUBLIC_KEY
and keep the private key with the push sender.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), keys)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), versioning.NewBuildInfo(Version, GitCommit, BuildTime))
		},
	}
}

// withStore opens the configured queue for the duration of fn
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(queue.Store) error) error {
	cfg, logger, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	store, err := queue.Open(cmd.Context(), cfg.Database, cfg.Retry, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
