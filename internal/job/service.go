package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sutaakar/topsail/internal/apperrors"
	"github.com/sutaakar/topsail/internal/artifact"
	"github.com/sutaakar/topsail/internal/config"
	"github.com/sutaakar/topsail/internal/observability"
	"github.com/sutaakar/topsail/internal/runid"
	"github.com/sutaakar/topsail/internal/source"
)

// Step names used in logs and metrics.
const (
	stepSource = "source"
	stepPull   = "git_pull"
	stepInit   = "init"
	stepCI     = "ci_command"
	stepExport = "export"
	stepFetch  = "retrieve"
	stepUpload = "upload"
)

// Run kinds used in metrics.
const (
	kindRun   = "run"
	kindMulti = "run_multi"
)

// Service dispatches CI commands to compute units.
//
// Every unit it acquires is released exactly once, whichever step fails,
// including when ctx is cancelled mid-run.
type Service struct {
	runtime    Runtime
	cfg        *config.RunnerConfig
	metrics    *observability.Metrics
	clock      runid.Clock
	resolver   source.Resolver
	openSink   SinkOpener
	openSignal SignalOpener
	prom       PromCapturer
	invocation string
	stdout     io.Writer
	stderr     io.Writer
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for run identifiers.
func WithClock(clock runid.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics records run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithResolver looks up PR metadata when no pr_config is given.
func WithResolver(r source.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithSinkOpener enables artifact aggregation for multi-runs.
func WithSinkOpener(open SinkOpener) Option {
	return func(s *Service) { s.openSink = open }
}

// WithSignalOpener enables resetting the synchronization endpoint before a multi-run.
func WithSignalOpener(open SignalOpener) Option {
	return func(s *Service) { s.openSignal = open }
}

// WithPromCapturer enables monitoring database snapshots for multi-runs.
func WithPromCapturer(p PromCapturer) Option {
	return func(s *Service) { s.prom = p }
}

// WithOutput streams the single-run CI command output to stdout and stderr
// in addition to capturing it.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Service) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// NewService creates a new dispatcher service.
func NewService(rt Runtime, cfg *config.RunnerConfig, opts ...Option) *Service {
	s := &Service{
		runtime:    rt,
		cfg:        cfg,
		clock:      time.Now,
		invocation: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes spec in one compute unit.
//
// The returned error is nil when the CI command ran, whatever its exit
// status; the status is in Result.ExitCode. Export and retrieval failures
// are reported on the Result only. The Result is non-nil whenever a unit
// was acquired.
func (s *Service) Run(ctx context.Context, spec *Spec) (res *Result, err error) {
	applyDefaults(spec, s.cfg.ExportCommand)
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	image, err := ResolveImage(s.cfg.ImageRegistry, spec.Namespace, spec.ImageTag)
	if err != nil {
		return nil, apperrors.Validation("istag", err.Error())
	}

	resolver := s.resolver
	var prConfig []byte
	if spec.PRConfig != "" {
		info, raw, err := source.LoadPRConfig(spec.PRConfig)
		if err != nil {
			return nil, apperrors.Validation("pr_config", err.Error())
		}
		resolver = source.StaticResolver{Info: info}
		prConfig = raw
	}

	runID := runid.Resolve(spec.ExportTimestampID, s.clock)
	logger := slog.With("runId", runID, "unit", spec.PodName, "namespace", spec.Namespace)
	res = &Result{UnitName: spec.PodName, RunID: runID, ExitCode: -1}
	localDir := filepath.Join(s.cfg.ArtifactDir, runID, spec.PodName)

	writeHandoff(logger, RoleRun, runID, spec, localDir)

	start := time.Now()
	s.metrics.RecordRunStarted(ctx, kindRun)
	defer func() {
		s.metrics.RecordRunCompleted(ctx, kindRun, err == nil && res.ExitCode == 0, time.Since(start).Seconds())
	}()

	env := s.baseEnv(runID)
	env["ARTIFACT_EXPORT_IDENTIFIER"] = spec.ExportIdentifier
	env["ARTIFACT_EXPORT_TS_ID"] = runID
	if spec.PRNumber != 0 {
		env["PR_NUMBER"] = strconv.Itoa(spec.PRNumber)
	}
	if prConfig != nil {
		env["PR_CONFIG"] = string(prConfig)
	}
	unitSpec := s.unitSpec(spec.PodName, spec.Namespace, image, spec.ServiceAccount, spec.SecretName, spec.SecretEnvKey, env)
	unitSpec.Labels[LabelRunID] = runID

	logger.Info("Acquiring compute unit", "image", image)
	unit, err := s.runtime.Acquire(ctx, unitSpec)
	if unit != nil {
		s.metrics.RecordUnitAcquired(ctx)
		defer func() {
			if rerr := s.release(ctx, logger, unit); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}()
	}
	if err != nil {
		return res, apperrors.Lifecycle("acquire "+spec.PodName, err)
	}

	if spec.UpdateGit {
		if err := s.updateSource(ctx, logger, unit, spec, resolver); err != nil {
			return res, err
		}
	}

	if spec.InitCommand != "" {
		logger.Info("Running init command")
		code, err := s.step(ctx, unit, stepInit, ExecRequest{Command: spec.InitCommand, WorkDir: s.cfg.UnitWorkDir})
		if err != nil {
			return res, apperrors.InitCommand(-1, err)
		}
		if code != 0 {
			return res, apperrors.InitCommand(code, fmt.Errorf("init command exited with status %d", code))
		}
	}

	var stdout, stderr bytes.Buffer
	req := ExecRequest{
		Command: spec.CICommand,
		WorkDir: s.cfg.UnitWorkDir,
		Stdout:  teeWriter(&stdout, s.stdout),
		Stderr:  teeWriter(&stderr, s.stderr),
	}
	logger.Info("Running CI command", "command", spec.CICommand)
	code, err := s.step(ctx, unit, stepCI, req)
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	if err != nil {
		return res, apperrors.Lifecycle("exec "+spec.PodName, err)
	}
	res.ExitCode = code
	logger.Info("CI command finished", "exitCode", code)

	if spec.Export {
		s.export(ctx, logger, unit, spec, res)
	}

	if spec.RetrieveArtifacts {
		s.retrieve(ctx, logger, unit, localDir, res)
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (s *Service) updateSource(ctx context.Context, logger *slog.Logger, unit Unit, spec *Spec, resolver source.Resolver) error {
	var pr *source.PRInfo
	if spec.PRNumber != 0 {
		pr = &source.PRInfo{Number: spec.PRNumber}
		if resolver != nil {
			info, err := resolver.Resolve(ctx, spec.GitRepo, spec.PRNumber)
			if err != nil {
				return apperrors.SourceFetch("source.resolvePR", err)
			}
			pr = info
		}
		logger.Info("Fetching pull request", "pr", pr.Number, "base", pr.BaseRef, "head", pr.HeadSHA)
	} else {
		logger.Info("Fetching source", "repo", spec.GitRepo, "ref", spec.GitRef)
	}

	var out bytes.Buffer
	code, err := s.step(ctx, unit, stepSource, ExecRequest{
		Command: source.UpdateScript(spec.GitRepo, spec.GitRef, pr),
		WorkDir: s.cfg.UnitWorkDir,
		Stdout:  &out,
		Stderr:  &out,
	})
	if err != nil {
		return apperrors.SourceFetch("source.update", err)
	}
	if code != 0 {
		return apperrors.SourceFetch("source.update", fmt.Errorf("exited with status %d: %s", code, tail(out.String(), 10)))
	}
	logger.Debug("Source updated", "head", strings.TrimSpace(out.String()))
	return nil
}

// export never changes res.ExitCode.
func (s *Service) export(ctx context.Context, logger *slog.Logger, unit Unit, spec *Spec, res *Result) {
	if spec.ExportCommand == "" {
		res.ExportErr = apperrors.Export("export", errors.New("no export command configured"))
	} else {
		var out bytes.Buffer
		code, err := s.step(ctx, unit, stepExport, ExecRequest{
			Command: spec.ExportCommand,
			WorkDir: s.cfg.UnitWorkDir,
			Env: map[string]string{
				"ARTIFACT_EXPORT_IDENTIFIER": spec.ExportIdentifier,
				"ARTIFACT_EXPORT_TS_ID":      res.RunID,
				"CI_COMMAND_EXIT_CODE":       strconv.Itoa(res.ExitCode),
			},
			Stdout: &out,
			Stderr: &out,
		})
		switch {
		case err != nil:
			res.ExportErr = apperrors.Export("export", err)
		case code != 0:
			res.ExportErr = apperrors.Export("export", fmt.Errorf("exited with status %d: %s", code, tail(out.String(), 10)))
		}
	}

	if res.ExportErr != nil {
		s.metrics.RecordExportFailed(ctx)
		logger.Warn("Artifact export failed", "error", res.ExportErr)
		return
	}
	res.ExportedAs = spec.ExportIdentifier + "/" + res.RunID
	logger.Info("Artifacts exported", "exportedAs", res.ExportedAs)
}

// retrieve copies the unit's artifact directory to localDir. Failures are
// recorded on res only.
func (s *Service) retrieve(ctx context.Context, logger *slog.Logger, unit Unit, localDir string, res *Result) {
	start := time.Now()
	err := unit.CopyFrom(ctx, s.cfg.UnitArtifactDir, localDir)
	s.metrics.RecordStep(ctx, stepFetch, err == nil, time.Since(start).Seconds())
	if err != nil {
		res.RetrievalErr = apperrors.ArtifactRetrieval("retrieve "+unit.Name(), err)
		s.metrics.RecordRetrievalFailed(ctx)
		logger.Warn("Artifact retrieval failed", "error", res.RetrievalErr)
		return
	}

	res.LocalArtifactDir = localDir
	files, err := artifact.List(localDir, []string{HandoffFile})
	if err != nil {
		logger.Warn("Failed to list retrieved artifacts", "error", err)
	}
	res.Artifacts = files
	logger.Info("Artifacts retrieved", "dir", localDir, "files", len(files))
}

func (s *Service) step(ctx context.Context, unit Unit, name string, req ExecRequest) (int, error) {
	start := time.Now()
	code, err := unit.Exec(ctx, req)
	s.metrics.RecordStep(ctx, name, err == nil && code == 0, time.Since(start).Seconds())
	return code, err
}

// release runs on a context detached from ctx so an interrupted run still
// tears its unit down.
func (s *Service) release(ctx context.Context, logger *slog.Logger, unit Unit) error {
	timeout := s.cfg.ReleaseTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.metrics.RecordUnitReleased(ctx)
	if err := unit.Release(releaseCtx); err != nil {
		logger.Error("Failed to release compute unit", "error", err)
		return apperrors.Lifecycle("release "+unit.Name(), err)
	}
	logger.Info("Compute unit released")
	return nil
}

// Invocation identifies this process on every unit it labels, so leftovers
// of an interrupted invocation can be found.
func (s *Service) Invocation() string { return s.invocation }

func (s *Service) baseEnv(runID string) map[string]string {
	return map[string]string{
		"ARTIFACT_DIR":    s.cfg.UnitArtifactDir,
		"LOCAL_CI_RUN_ID": runID,
	}
}

func (s *Service) unitSpec(name, namespace, image, serviceAccount, secretName, secretEnvKey string, env map[string]string) UnitSpec {
	spec := UnitSpec{
		Name:           name,
		Namespace:      namespace,
		Image:          image,
		ServiceAccount: serviceAccount,
		Env:            env,
		WorkDir:        s.cfg.UnitWorkDir,
		ArtifactDir:    s.cfg.UnitArtifactDir,
		Labels: map[string]string{
			LabelManagedBy:  ManagedByValue,
			LabelInvocation: s.invocation,
		},
	}
	if secretName != "" {
		spec.Secret = &SecretMount{Name: secretName, EnvKey: secretEnvKey}
		if secretEnvKey != "" {
			env[secretEnvKey] = spec.Secret.MountPath()
		}
	}
	return spec
}

func teeWriter(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
