package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/sutaakar/topsail/internal/config"
	"github.com/sutaakar/topsail/internal/job"
	"github.com/sutaakar/topsail/internal/objectstore"
	"github.com/sutaakar/topsail/internal/promcapture"
	"github.com/sutaakar/topsail/internal/runtime/docker"
	"github.com/sutaakar/topsail/internal/runtime/kube"
	"github.com/sutaakar/topsail/internal/source"
	"github.com/sutaakar/topsail/internal/statesignal"
)

// NewRuntime creates the backend named by cfg.Backend.
func NewRuntime(cfg *config.RunnerConfig) (job.Runtime, error) {
	var (
		rt  job.Runtime
		err error
	)
	switch cfg.Backend {
	case config.BackendDocker:
		rt, err = docker.New(docker.Config{SecretDir: cfg.SecretDir, ReadyTimeout: cfg.UnitReadyTimeout})
	case config.BackendKubernetes:
		rt, err = kube.New(kube.Config{Kubeconfig: cfg.Kubeconfig, ReadyTimeout: cfg.UnitReadyTimeout})
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// serviceOptions wires the collaborators built from configuration.
func (a *App) serviceOptions(rt job.Runtime) []job.Option {
	opts := []job.Option{
		job.WithMetrics(a.metrics),
		job.WithResolver(source.NewGitHubResolver(a.Config.GitHubToken, nil)),
		job.WithSinkOpener(sinkOpener(a.Config, rt)),
		job.WithSignalOpener(openSignal),
		job.WithOutput(a.Stdout, a.Stderr),
	}
	if capturer, err := newCapturer(a.Config); err == nil {
		opts = append(opts, job.WithPromCapturer(capturer))
	}
	return append(opts, a.ServiceOptions...)
}

func newCapturer(cfg *config.RunnerConfig) (*promcapture.Capturer, error) {
	return promcapture.New(promcapture.Config{
		URL:                cfg.PrometheusURL,
		Token:              cfg.PrometheusToken,
		InsecureSkipVerify: cfg.PrometheusInsecure,
	})
}

func openSignal(addr string) (job.SignalServer, error) {
	return statesignal.New(addr)
}

// minioConfig locates the sink and, with a secret key key, reads its
// password from the run's secret.
func minioConfig(ctx context.Context, cfg *config.RunnerConfig, rt job.Runtime, namespace, secretName string, sink job.SinkSpec) (objectstore.Config, error) {
	mc := objectstore.Config{
		Endpoint: cfg.MinioEndpointFor(sink.Namespace),
		UseSSL:   cfg.MinioUseSSL,
	}
	if sink.SecretKeyKey == "" {
		return mc, nil
	}

	user, key, err := job.ParseSecretKeyKey(sink.SecretKeyKey)
	if err != nil {
		return mc, err
	}
	if secretName == "" {
		return mc, fmt.Errorf("minio_secret_key_key requires secret_name")
	}
	password, err := rt.ReadSecret(ctx, namespace, secretName, key)
	if err != nil {
		return mc, err
	}
	mc.AccessKey = user
	mc.SecretKey = strings.TrimSpace(string(password))
	return mc, nil
}

func sinkOpener(cfg *config.RunnerConfig, rt job.Runtime) job.SinkOpener {
	return func(ctx context.Context, spec *job.MultiSpec) (job.ArtifactSink, error) {
		mc, err := minioConfig(ctx, cfg, rt, spec.Namespace, spec.SecretName, spec.Sink)
		if err != nil {
			return nil, err
		}
		store, err := objectstore.NewMinioStore(mc)
		if err != nil {
			return nil, err
		}
		sink := objectstore.NewSink(store, spec.Sink.Bucket)
		if err := sink.Check(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	}
}
