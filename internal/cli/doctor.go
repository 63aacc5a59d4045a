package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sutaakar/topsail/internal/health"
	"github.com/sutaakar/topsail/internal/job"
	"github.com/sutaakar/topsail/internal/objectstore"
	"github.com/sutaakar/topsail/internal/statesignal"
)

func newDoctorCommand(app *App) *cobra.Command {
	var (
		namespace    string
		secretName   string
		sink         job.SinkSpec
		signalServer string
		checkProm    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the services a run depends on",
		Long: `doctor probes the compute unit backend and, when asked, the MinIO bucket,
the state signal server and Prometheus, and prints a YAML report.

The backend is required; the others only degrade the report. The exit
status is 1 when a required check fails.`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			return app.validateConfig()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			checker := health.NewChecker(0)
			rt, rtErr := app.runtime()
			if rtErr != nil {
				checker.Require("runtime", health.CheckFunc(func(context.Context) error { return rtErr }))
			} else {
				defer rt.Close()
				checker.Require("runtime", rt)
			}

			if sink.Complete() {
				checker.Optional("sink", health.CheckFunc(func(ctx context.Context) error {
					if rt == nil {
						return errors.New("no runtime to read the sink secret from")
					}
					mc, err := minioConfig(ctx, app.Config, rt, namespace, secretName, sink)
					if err != nil {
						return err
					}
					store, err := objectstore.NewMinioStore(mc)
					if err != nil {
						return err
					}
					return objectstore.NewSink(store, sink.Bucket).Check(ctx)
				}))
			}
			if signalServer != "" {
				checker.Optional("state_signal", health.CheckFunc(func(ctx context.Context) error {
					client, err := statesignal.New(signalServer)
					if err != nil {
						return err
					}
					defer client.Close()
					return client.Ping(ctx)
				}))
			}
			if checkProm {
				checker.Optional("prometheus", health.CheckFunc(func(ctx context.Context) error {
					capturer, err := newCapturer(app.Config)
					if err != nil {
						return err
					}
					return capturer.Ready(ctx)
				}))
			}

			report := checker.Readiness(ctx)
			out, err := yaml.Marshal(report)
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("required checks failed: %v", report.Failed())
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&namespace, "namespace", job.DefaultNamespace, "namespace holding the sink secret")
	f.StringVar(&secretName, "secret-name", "", "secret holding the sink password")
	f.StringVar(&sink.Namespace, "minio-namespace", "", "namespace of the MinIO server to check")
	f.StringVar(&sink.Bucket, "minio-bucket-name", "", "MinIO bucket to check")
	f.StringVar(&sink.SecretKeyKey, "minio-secret-key-key", "", "'user_password=SECRET_KEY'")
	f.StringVar(&signalServer, "state-signal-redis-server", "", "state signal server to check")
	f.BoolVar(&checkProm, "prometheus", false, "check the Prometheus admin API at $LOCAL_CI_PROMETHEUS_URL")

	return cmd
}
