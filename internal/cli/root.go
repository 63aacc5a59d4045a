// Package cli implements the local-ci command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sutaakar/topsail/internal/apperrors"
	"github.com/sutaakar/topsail/internal/config"
	"github.com/sutaakar/topsail/internal/job"
	"github.com/sutaakar/topsail/internal/observability"
)

// App holds what commands share for one invocation.
type App struct {
	Config *config.RunnerConfig
	Stdout io.Writer
	Stderr io.Writer

	// NewRuntime builds the compute unit backend; nil selects one from Config.
	NewRuntime func(cfg *config.RunnerConfig) (job.Runtime, error)

	// ServiceOptions are applied after the defaults built from Config.
	ServiceOptions []job.Option

	metrics *observability.Metrics
}

// validateConfig checks the runner settings. Commands call it after their own
// flag preconditions so a combination error wins over a bad setting.
func (a *App) validateConfig() error {
	if err := a.Config.Validate(); err != nil {
		return apperrors.Validation("config", err.Error())
	}
	return nil
}

func (a *App) runtime() (job.Runtime, error) {
	if a.NewRuntime != nil {
		return a.NewRuntime(a.Config)
	}
	return NewRuntime(a.Config)
}

// NewRootCommand builds the command tree.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "local-ci",
		Short: "Run CI commands in isolated compute units",
		Long: `local-ci runs a CI command inside a compute unit (a Kubernetes pod or a
Docker container), collects its artifacts and tears the unit down.

run executes one command; run_multi executes N identical replicas in
parallel and aggregates their artifacts into object storage.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	// Both --pr-number and --pr_number are accepted.
	root.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperrors.Validation("flags", err.Error())
	})

	root.AddCommand(
		newRunCommand(app),
		newRunMultiCommand(app),
		newDoctorCommand(app),
		newStateSignalCommand(app),
	)
	return root
}

// Execute runs the command line in args and returns the process exit status.
func Execute(ctx context.Context, app *App, args []string) int {
	metrics, err := observability.NewMetrics(ctx)
	if err != nil {
		slog.Warn("Metrics disabled", "error", err)
	}
	app.metrics = metrics
	defer func() {
		if err := metrics.Push(context.WithoutCancel(ctx), app.Config.PushgatewayURL); err != nil {
			slog.Warn("Failed to push metrics", "url", app.Config.PushgatewayURL, "error", err)
		}
		_ = metrics.Shutdown(context.WithoutCancel(ctx))
	}()

	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(app.Stdout)
	root.SetErr(app.Stderr)

	err = root.ExecuteContext(ctx)
	if err == nil {
		return apperrors.ExitOK
	}
	if ctx.Err() != nil {
		fmt.Fprintln(app.Stderr, "Interrupted:", err)
		return apperrors.ExitInterrupted
	}
	// A CI command's own failure was already streamed; its status is enough.
	if !errors.Is(err, apperrors.ErrCommandExecution) {
		fmt.Fprintln(app.Stderr, err)
	}
	return apperrors.ExitCode(err)
}
