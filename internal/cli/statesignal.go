package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sutaakar/topsail/internal/apperrors"
	"github.com/sutaakar/topsail/internal/statesignal"
)

func newStateSignalCommand(app *App) *cobra.Command {
	var server, runID string

	cmd := &cobra.Command{
		Use:   "state-signal",
		Short: "Synchronize the replicas of a multi-run",
		Long: `state-signal is meant to run inside the replicas of run_multi. Defaults
come from the environment every replica receives.`,
		// Runs inside units, where no runner configuration is needed.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if server == "" {
				return apperrors.Validation("server", "--server or $STATE_SIGNAL_REDIS_SERVER is required")
			}
			if runID == "" {
				return apperrors.Validation("run-id", "--run-id or $LOCAL_CI_RUN_ID is required")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&server, "server", os.Getenv("STATE_SIGNAL_REDIS_SERVER"), "host:port of the Redis server")
	cmd.PersistentFlags().StringVar(&runID, "run-id", os.Getenv("LOCAL_CI_RUN_ID"), "run the replicas belong to")

	cmd.AddCommand(newBarrierCommand(app, &server, &runID), newPublishCommand(app, &server, &runID))
	return cmd
}

func newBarrierCommand(app *App, server, runID *string) *cobra.Command {
	var (
		name    string
		parties int64
		timeout time.Duration
	)
	parties, _ = strconv.ParseInt(os.Getenv("LOCAL_CI_REPLICA_COUNT"), 10, 64)

	cmd := &cobra.Command{
		Use:   "barrier",
		Short: "Block until every replica reached the named barrier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return apperrors.Validation("name", "--name is required")
			}
			if parties < 1 {
				return apperrors.Validation("parties", "--parties or $LOCAL_CI_REPLICA_COUNT must be at least 1")
			}

			client, err := statesignal.New(*server)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := client.Wait(ctx, *runID, name, parties); err != nil {
				return fmt.Errorf("barrier %s: %w", name, err)
			}
			fmt.Fprintf(app.Stdout, "barrier %s reached by %d replicas\n", name, parties)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "barrier name")
	cmd.Flags().Int64Var(&parties, "parties", parties, "replicas to wait for")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func newPublishCommand(app *App, server, runID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "publish STATE",
		Short: "Set the state shared by the replicas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errors.New("state must not be empty")
			}
			client, err := statesignal.New(*server)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Publish(cmd.Context(), *runID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Stdout, "state %s published\n", args[0])
			return nil
		},
	}
}
