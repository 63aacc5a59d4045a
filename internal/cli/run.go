package cli

import (
	"github.com/spf13/cobra"

	"github.com/sutaakar/topsail/internal/apperrors"
	"github.com/sutaakar/topsail/internal/job"
)

func newRunCommand(app *App) *cobra.Command {
	spec := job.DefaultSpec()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a CI command in one compute unit",
		Long: `Run acquires one compute unit from the image stream tag, brings its
repository checkout to the requested git ref or pull request, runs the
optional init command and then the CI command, exports and retrieves the
artifacts, and releases the unit.

The exit status is the CI command's own exit status.`,
		Example: `  local-ci run --ci-command "run e2e" --pr-number 42
  local-ci run --ci_command "run unit" --update_git=false`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			// Preconditions are checked before any backend is contacted.
			if err := job.ValidateSpec(&spec); err != nil {
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
			res, err := svc.Run(cmd.Context(), &spec)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return apperrors.CommandExit(res.ExitCode)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&spec.CICommand, "ci-command", spec.CICommand, "CI command to run")
	f.IntVar(&spec.PRNumber, "pr-number", spec.PRNumber, "pull request to test; requires --update-git")
	f.StringVar(&spec.GitRepo, "git-repo", spec.GitRepo, "repository to update the checkout from")
	f.StringVar(&spec.GitRef, "git-ref", spec.GitRef, "ref to check out; with --pr-number the pull request's base branch wins")
	f.StringVar(&spec.Namespace, "namespace", spec.Namespace, "namespace of the compute unit and image stream")
	f.StringVar(&spec.ImageTag, "istag", spec.ImageTag, "image stream tag to run")
	f.StringVar(&spec.PodName, "pod-name", spec.PodName, "name of the compute unit")
	f.StringVar(&spec.ServiceAccount, "service-account", spec.ServiceAccount, "identity the unit runs as")
	f.StringVar(&spec.SecretName, "secret-name", spec.SecretName, "secret mounted into the unit")
	f.StringVar(&spec.SecretEnvKey, "secret-env-key", spec.SecretEnvKey, "environment variable receiving the secret's mount path")
	f.StringVar(&spec.InitCommand, "init-command", spec.InitCommand, "command run before the CI command; its failure aborts the run")
	f.StringVar(&spec.ExportCommand, "export-command", spec.ExportCommand, "command exporting artifacts (default $LOCAL_CI_EXPORT_COMMAND)")
	f.StringVar(&spec.ExportIdentifier, "export-identifier", spec.ExportIdentifier, "identifier of the exported artifacts")
	f.StringVar(&spec.ExportTimestampID, "export-ts-id", spec.ExportTimestampID, "run identifier; generated from the current time when empty")
	f.BoolVar(&spec.Export, "export", spec.Export, "export artifacts after the CI command")
	f.BoolVar(&spec.RetrieveArtifacts, "retrieve-artifacts", spec.RetrieveArtifacts, "copy artifacts to the local artifact directory")
	f.StringVar(&spec.PRConfig, "pr-config", spec.PRConfig, "YAML or JSON file describing the pull request instead of looking it up")
	f.BoolVar(&spec.UpdateGit, "update-git", spec.UpdateGit, "update the unit's repository checkout before running")

	return cmd
}
