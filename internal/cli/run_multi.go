package cli

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sutaakar/topsail/internal/apperrors"
	"github.com/sutaakar/topsail/internal/job"
)

func newRunMultiCommand(app *App) *cobra.Command {
	spec := job.DefaultMultiSpec()

	cmd := &cobra.Command{
		Use:     "run_multi",
		Aliases: []string{"run-multi"},
		Short:   "Run a CI command in N parallel compute units",
		Long: `run_multi launches --user-count identical compute units, runs the CI
command in each of them concurrently and waits for all of them. A failing
replica never stops the others.

With --retrieve-artifacts each replica's artifacts are copied locally and
uploaded to <run id>/<job name>-<index>/artifacts.tar.gz in the MinIO bucket.

The exit status is 0 when every replica succeeded, 1 otherwise.`,
		Example: `  local-ci run_multi --ci-command "run load" --user-count 10 \
    --retrieve_artifacts --minio_namespace minio --minio_bucket_name ci-artifacts`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if err := job.ValidateMultiSpec(&spec); err != nil {
				return err
			}
			return app.validateConfig()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.runtime()
			if err != nil {
				return apperrors.Lifecycle("connect", err)
			}
			defer rt.Close()

			svc := job.NewService(rt, app.Config, app.serviceOptions(rt)...)
			results, err := svc.RunMulti(cmd.Context(), &spec)
			if err != nil {
				return err
			}

			printResults(cmd, results)

			failed := 0
			for i := range results {
				if !results[i].Succeeded() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d replicas failed", failed, len(results))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&spec.CICommand, "ci-command", spec.CICommand, "CI command every replica runs")
	f.IntVar(&spec.UserCount, "user-count", spec.UserCount, "number of replicas")
	f.StringVar(&spec.Namespace, "namespace", spec.Namespace, "namespace of the compute units and image stream")
	f.StringVar(&spec.ImageTag, "istag", spec.ImageTag, "image stream tag to run")
	f.StringVar(&spec.JobName, "job-name", spec.JobName, "base name of the replicas")
	f.StringVar(&spec.ServiceAccount, "service-account", spec.ServiceAccount, "identity the units run as")
	f.StringVar(&spec.SecretName, "secret-name", spec.SecretName, "secret mounted into every unit")
	f.StringVar(&spec.SecretEnvKey, "secret-env-key", spec.SecretEnvKey, "environment variable receiving the secret's mount path")
	f.BoolVar(&spec.RetrieveArtifacts, "retrieve-artifacts", spec.RetrieveArtifacts, "collect artifacts into the MinIO bucket")
	f.StringVar(&spec.Sink.Namespace, "minio-namespace", spec.Sink.Namespace, "namespace of the MinIO server")
	f.StringVar(&spec.Sink.Bucket, "minio-bucket-name", spec.Sink.Bucket, "MinIO bucket receiving the artifacts")
	f.StringVar(&spec.Sink.SecretKeyKey, "minio-secret-key-key", spec.Sink.SecretKeyKey, "'user_password=SECRET_KEY': access key and the secret key holding its password")
	f.StringVar(&spec.PRConfig, "pr-config", spec.PRConfig, "pull request description passed to every replica")
	f.BoolVar(&spec.CapturePromDB, "capture-prom-db", spec.CapturePromDB, "snapshot the Prometheus database before and after the run")
	f.BoolVar(&spec.GitPull, "git-pull", spec.GitPull, "fast-forward each unit's checkout before running")
	f.StringVar(&spec.GitRef, "git-ref", spec.GitRef, "branch followed by --git-pull")
	f.StringVar(&spec.StateSignalServer, "state-signal-redis-server", spec.StateSignalServer, "host:port of the Redis server replicas synchronize through")

	return cmd
}

func printResults(cmd *cobra.Command, results []job.Result) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPLICA\tUNIT\tEXIT\tDURATION\tSINK KEY\tERROR")
	for _, r := range results {
		errText := ""
		switch {
		case r.Err != nil:
			errText = r.Err.Error()
		case r.RetrievalErr != nil:
			errText = r.RetrievalErr.Error()
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", r.Replica, r.UnitName, r.ExitCode, r.Duration.Round(time.Millisecond), r.SinkKey, errText)
	}
	if err := w.Flush(); err != nil {
		slog.Warn("Failed to print results", "error", err)
	}
}
