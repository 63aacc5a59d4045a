// local-ci runs CI commands in isolated compute units.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sutaakar/topsail/internal/cli"
	"github.com/sutaakar/topsail/internal/config"
)

func main() {
	cfg := config.LoadRunnerConfig()
	slog.SetDefault(cli.NewLogger(cfg.LogFormat, cfg.LogLevel, os.Stderr))

	// Interrupting a run still releases every unit it acquired.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, &cli.App{Config: cfg, Stdout: os.Stdout, Stderr: os.Stderr}, os.Args[1:])
	stop()
	os.Exit(code)
}
