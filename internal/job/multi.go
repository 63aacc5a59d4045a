package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sutaakar/topsail/internal/apperrors"
	"github.com/sutaakar/topsail/internal/runid"
	"github.com/sutaakar/topsail/internal/source"
)

// Files written to a multi-run's local directory.
const (
	SummaryFile   = "summary.yaml"
	SnapshotsFile = "prometheus_snapshots.yaml"
	ReplicaLog    = "ci_command.log"
)

// ArtifactSink stores aggregated replica artifacts.
type ArtifactSink interface {
	Upload(ctx context.Context, key, dir string) error
}

// SinkOpener connects to the sink described by a multi-run spec.
type SinkOpener func(ctx context.Context, spec *MultiSpec) (ArtifactSink, error)

// SignalServer is the synchronization endpoint replicas rendezvous through.
type SignalServer interface {
	Reset(ctx context.Context, runID string) error
	Close() error
}

// SignalOpener connects to a synchronization endpoint address.
type SignalOpener func(addr string) (SignalServer, error)

// PromCapturer snapshots the shared monitoring database.
type PromCapturer interface {
	Snapshot(ctx context.Context) (string, error)
}

// PromWindow records the snapshots bracketing a multi-run.
type PromWindow struct {
	Start     time.Time `yaml:"start"`
	End       time.Time `yaml:"end"`
	Before    string    `yaml:"before,omitempty"`
	After     string    `yaml:"after,omitempty"`
	BeforeErr string    `yaml:"before_error,omitempty"`
	AfterErr  string    `yaml:"after_error,omitempty"`
}

// SinkKey is where replica i's artifacts are stored in the sink.
func SinkKey(runID, jobName string, replica int) string {
	return fmt.Sprintf("%s/%s/artifacts.tar.gz", runID, ReplicaName(jobName, replica))
}

// RunMulti executes spec.UserCount replicas of the same command in parallel.
//
// It returns one Result per replica, in replica order. A replica's failure
// is recorded on its Result and never stops the others. The only error
// returned is a failed precondition, before any unit is launched.
func (s *Service) RunMulti(ctx context.Context, spec *MultiSpec) ([]Result, error) {
	applyMultiDefaults(spec)
	if err := ValidateMultiSpec(spec); err != nil {
		return nil, err
	}

	image, err := ResolveImage(s.cfg.ImageRegistry, spec.Namespace, spec.ImageTag)
	if err != nil {
		return nil, apperrors.Validation("istag", err.Error())
	}

	var prConfig []byte
	if spec.PRConfig != "" {
		if _, prConfig, err = source.LoadPRConfig(spec.PRConfig); err != nil {
			return nil, apperrors.Validation("pr_config", err.Error())
		}
	}

	runID := runid.Generate(s.clock)
	logger := slog.With("runId", runID, "job", spec.JobName, "replicas", spec.UserCount)
	runDir := filepath.Join(s.cfg.ArtifactDir, runID)

	writeHandoff(logger, RoleRunMulti, runID, spec, runDir)

	start := time.Now()
	s.metrics.RecordRunStarted(ctx, kindMulti)

	var sink ArtifactSink
	if spec.RetrieveArtifacts && s.openSink != nil {
		if sink, err = s.openSink(ctx, spec); err != nil {
			logger.Warn("Artifact sink unavailable, artifacts stay local", "error", err)
			sink = nil
		}
	}

	if spec.StateSignalServer != "" && s.openSignal != nil {
		s.resetSignal(ctx, logger, spec.StateSignalServer, runID)
	}

	var window *PromWindow
	if spec.CapturePromDB && s.prom != nil {
		window = &PromWindow{Start: s.clock()}
		window.Before, window.BeforeErr = s.snapshot(ctx, logger, "before")
	}

	env := s.baseEnv(runID)
	env["LOCAL_CI_REPLICA_COUNT"] = strconv.Itoa(spec.UserCount)
	if spec.StateSignalServer != "" {
		env["STATE_SIGNAL_REDIS_SERVER"] = spec.StateSignalServer
	}
	if prConfig != nil {
		env["PR_CONFIG"] = string(prConfig)
	}

	logger.Info("Launching replicas", "image", image)
	results := make([]Result, spec.UserCount)
	var wg sync.WaitGroup
	for i := range spec.UserCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.runReplica(ctx, spec, i, image, runID, runDir, env, sink)
		}()
	}
	wg.Wait()

	if window != nil {
		window.End = s.clock()
		window.After, window.AfterErr = s.snapshot(context.WithoutCancel(ctx), logger, "after")
		if err := writeYAML(filepath.Join(runDir, SnapshotsFile), window); err != nil {
			logger.Warn("Failed to record prometheus snapshots", "error", err)
		}
	}

	failed := 0
	for i := range results {
		if !results[i].Succeeded() {
			failed++
		}
	}
	if err := writeYAML(filepath.Join(runDir, SummaryFile), summarize(results)); err != nil {
		logger.Warn("Failed to write run summary", "error", err)
	}

	s.metrics.RecordRunCompleted(ctx, kindMulti, failed == 0, time.Since(start).Seconds())
	logger.Info("Replicas finished", "failed", failed, "duration", time.Since(start))
	return results, nil
}

// runReplica runs one replica. Its unit is released on every path.
func (s *Service) runReplica(ctx context.Context, spec *MultiSpec, i int, image, runID, runDir string, baseEnv map[string]string, sink ArtifactSink) (res Result) {
	name := ReplicaName(spec.JobName, i)
	logger := slog.With("runId", runID, "unit", name, "replica", i)
	res = Result{Replica: i, UnitName: name, RunID: runID, ExitCode: -1}
	start := time.Now()

	defer func() {
		res.Duration = time.Since(start)
		if !res.Succeeded() {
			s.metrics.RecordReplicaFailed(ctx)
		}
	}()

	env := make(map[string]string, len(baseEnv)+2)
	for k, v := range baseEnv {
		env[k] = v
	}
	env["LOCAL_CI_REPLICA_INDEX"] = strconv.Itoa(i)

	unitSpec := s.unitSpec(name, spec.Namespace, image, spec.ServiceAccount, spec.SecretName, spec.SecretEnvKey, env)
	unitSpec.Labels[LabelRunID] = runID
	unitSpec.Labels[LabelReplica] = strconv.Itoa(i)

	unit, err := s.runtime.Acquire(ctx, unitSpec)
	if unit != nil {
		s.metrics.RecordUnitAcquired(ctx)
		defer func() {
			if rerr := s.release(ctx, logger, unit); rerr != nil {
				res.Err = errors.Join(res.Err, rerr)
			}
		}()
	}
	if err != nil {
		res.Err = apperrors.Lifecycle("acquire "+name, err)
		logger.Error("Replica failed to start", "error", err)
		return res
	}

	if spec.GitPull {
		var out bytes.Buffer
		code, err := s.step(ctx, unit, stepPull, ExecRequest{
			Command: source.PullScript(spec.GitRef),
			WorkDir: s.cfg.UnitWorkDir,
			Stdout:  &out,
			Stderr:  &out,
		})
		if err == nil && code != 0 {
			err = fmt.Errorf("exited with status %d: %s", code, tail(out.String(), 10))
		}
		if err != nil {
			res.Err = apperrors.SourceFetch("git_pull", err)
			logger.Error("Replica failed to update source", "error", err)
			return res
		}
	}

	var stdout, stderr bytes.Buffer
	code, err := s.step(ctx, unit, stepCI, ExecRequest{
		Command: spec.CICommand,
		WorkDir: s.cfg.UnitWorkDir,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	if err != nil {
		res.Err = apperrors.Lifecycle("exec "+name, err)
		logger.Error("Replica command could not run", "error", err)
		return res
	}
	res.ExitCode = code
	logger.Info("Replica finished", "exitCode", code)

	if spec.RetrieveArtifacts {
		s.collectReplica(ctx, logger, unit, filepath.Join(runDir, name), spec.JobName, sink, &res)
	}
	return res
}

// collectReplica copies a replica's artifacts locally and uploads them to
// the sink under the replica's own key.
func (s *Service) collectReplica(ctx context.Context, logger *slog.Logger, unit Unit, localDir, jobName string, sink ArtifactSink, res *Result) {
	s.retrieve(ctx, logger, unit, localDir, res)
	if res.RetrievalErr != nil {
		return
	}

	logPath := filepath.Join(localDir, ReplicaLog)
	if err := os.WriteFile(logPath, []byte(res.Stdout+res.Stderr), 0o644); err != nil {
		logger.Warn("Failed to save replica output", "error", err)
	}

	if sink == nil {
		return
	}
	key := SinkKey(res.RunID, jobName, res.Replica)
	start := time.Now()
	err := sink.Upload(ctx, key, localDir)
	s.metrics.RecordStep(ctx, stepUpload, err == nil, time.Since(start).Seconds())
	if err != nil {
		res.RetrievalErr = apperrors.ArtifactRetrieval("upload "+key, err)
		s.metrics.RecordRetrievalFailed(ctx)
		logger.Warn("Artifact upload failed", "error", res.RetrievalErr)
		return
	}
	res.SinkKey = key
	logger.Info("Artifacts uploaded", "key", key)
}

func (s *Service) resetSignal(ctx context.Context, logger *slog.Logger, addr, runID string) {
	server, err := s.openSignal(addr)
	if err != nil {
		logger.Warn("State signal server unavailable, replicas start independently", "server", addr, "error", err)
		return
	}
	defer server.Close()
	if err := server.Reset(ctx, runID); err != nil {
		logger.Warn("Failed to reset state signal server", "server", addr, "error", err)
	}
}

func (s *Service) snapshot(ctx context.Context, logger *slog.Logger, when string) (string, string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	name, err := s.prom.Snapshot(ctx)
	s.metrics.RecordSnapshot(ctx, err == nil)
	if err != nil {
		logger.Warn("Prometheus snapshot failed", "when", when, "error", err)
		return "", err.Error()
	}
	logger.Info("Prometheus snapshot taken", "when", when, "snapshot", name)
	return name, ""
}

type replicaSummary struct {
	Replica    int      `yaml:"replica"`
	Unit       string   `yaml:"unit"`
	ExitCode   int      `yaml:"exit_code"`
	Duration   string   `yaml:"duration"`
	SinkKey    string   `yaml:"sink_key,omitempty"`
	Artifacts  int      `yaml:"artifacts"`
	Errors     []string `yaml:"errors,omitempty"`
	Successful bool     `yaml:"successful"`
}

func summarize(results []Result) []replicaSummary {
	out := make([]replicaSummary, 0, len(results))
	for _, r := range results {
		sum := replicaSummary{
			Replica:    r.Replica,
			Unit:       r.UnitName,
			ExitCode:   r.ExitCode,
			Duration:   r.Duration.Round(time.Millisecond).String(),
			SinkKey:    r.SinkKey,
			Artifacts:  len(r.Artifacts),
			Successful: r.Succeeded(),
		}
		for _, e := range []error{r.Err, r.RetrievalErr} {
			if e != nil {
				sum.Errors = append(sum.Errors, e.Error())
			}
		}
		out = append(out, sum)
	}
	return out
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
