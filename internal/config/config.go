// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"time"
)

// Backends understood by the runner.
const (
	BackendKubernetes = "kubernetes"
	BackendDocker     = "docker"
)

// DefaultOpenShiftRegistry is the in-cluster image registry used to resolve
// image stream tags on the Kubernetes backend.
const DefaultOpenShiftRegistry = "image-registry.openshift-image-registry.svc:5000"

// RunnerConfig holds environment-level settings shared by every invocation.
// Per-job parameters come from the command line instead.
type RunnerConfig struct {
	Backend       string
	Kubeconfig    string
	ImageRegistry string // Prefix for <namespace>/<istag>; empty uses the tag as-is

	ArtifactDir     string // Local directory receiving retrieved artifacts
	UnitArtifactDir string // Artifact directory inside the compute unit
	UnitWorkDir     string // Repository checkout inside the image
	ExportCommand   string // Used when --export-command is not given
	SecretDir       string // Docker backend: host directory holding <secret_name>/ dirs

	UnitReadyTimeout time.Duration
	ReleaseTimeout   time.Duration

	MinioEndpoint string // Empty derives minio.<namespace>.svc.cluster.local:9000
	MinioUseSSL   bool

	PrometheusURL      string
	PrometheusToken    string
	PrometheusInsecure bool // Skip TLS verification
	PushgatewayURL     string

	GitHubToken string

	LogFormat string
	LogLevel  string
}

// LoadRunnerConfig loads runner configuration from environment variables.
func LoadRunnerConfig() *RunnerConfig {
	backend := GetEnv("LOCAL_CI_BACKEND", BackendKubernetes)

	registry := DefaultOpenShiftRegistry
	if backend == BackendDocker {
		registry = ""
	}

	return &RunnerConfig{
		Backend:            backend,
		Kubeconfig:         GetEnv("LOCAL_CI_KUBECONFIG", GetEnv("KUBECONFIG", "")),
		ImageRegistry:      GetEnv("LOCAL_CI_IMAGE_REGISTRY", registry),
		ArtifactDir:        GetEnv("LOCAL_CI_ARTIFACT_DIR", GetEnv("ARTIFACT_DIR", "./artifacts")),
		UnitArtifactDir:    GetEnv("LOCAL_CI_UNIT_ARTIFACT_DIR", "/tmp/artifacts"),
		UnitWorkDir:        GetEnv("LOCAL_CI_UNIT_WORKDIR", "/opt/ci-artifacts/src"),
		ExportCommand:      GetEnv("LOCAL_CI_EXPORT_COMMAND", "run utils export-artifacts"),
		SecretDir:          GetEnv("LOCAL_CI_SECRET_DIR", "/run/secrets"),
		UnitReadyTimeout:   GetDurationEnv("LOCAL_CI_UNIT_READY_TIMEOUT", 10*time.Minute),
		ReleaseTimeout:     GetDurationEnv("LOCAL_CI_RELEASE_TIMEOUT", 1*time.Minute),
		MinioEndpoint:      GetEnv("LOCAL_CI_MINIO_ENDPOINT", ""),
		MinioUseSSL:        GetBoolEnv("LOCAL_CI_MINIO_USE_SSL", false),
		PrometheusURL:      GetEnv("LOCAL_CI_PROMETHEUS_URL", "https://prometheus-k8s.openshift-monitoring.svc:9091"),
		PrometheusToken:    GetSecretEnv("LOCAL_CI_PROMETHEUS_TOKEN"),
		PrometheusInsecure: GetBoolEnv("LOCAL_CI_PROMETHEUS_INSECURE", true),
		PushgatewayURL:     GetEnv("LOCAL_CI_PUSHGATEWAY_URL", ""),
		GitHubToken:        GetSecretEnv("GITHUB_TOKEN"),
		LogFormat:          GetEnv("LOCAL_CI_LOG_FORMAT", "json"),
		LogLevel:           GetEnv("LOCAL_CI_LOG_LEVEL", "info"),
	}
}

// Validate reports settings the runner cannot work with.
func (c *RunnerConfig) Validate() error {
	switch c.Backend {
	case BackendKubernetes, BackendDocker:
	default:
		return fmt.Errorf("LOCAL_CI_BACKEND must be %q or %q, got %q", BackendKubernetes, BackendDocker, c.Backend)
	}
	if c.UnitArtifactDir == "" {
		return fmt.Errorf("LOCAL_CI_UNIT_ARTIFACT_DIR must not be empty")
	}
	if c.UnitReadyTimeout <= 0 {
		return fmt.Errorf("LOCAL_CI_UNIT_READY_TIMEOUT must be positive")
	}
	return nil
}

// MinioEndpointFor returns the sink endpoint for a MinIO namespace.
func (c *RunnerConfig) MinioEndpointFor(namespace string) string {
	if c.MinioEndpoint != "" {
		return c.MinioEndpoint
	}
	return fmt.Sprintf("minio.%s.svc.cluster.local:9000", namespace)
}
