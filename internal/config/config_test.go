package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRunnerConfig_Defaults(t *testing.T) {
	t.Setenv("LOCAL_CI_BACKEND", "")
	t.Setenv("LOCAL_CI_IMAGE_REGISTRY", "")
	t.Setenv("LOCAL_CI_ARTIFACT_DIR", "")
	t.Setenv("ARTIFACT_DIR", "")

	cfg := LoadRunnerConfig()

	if cfg.Backend != BackendKubernetes {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendKubernetes)
	}
	if cfg.ImageRegistry != DefaultOpenShiftRegistry {
		t.Errorf("ImageRegistry = %q, want %q", cfg.ImageRegistry, DefaultOpenShiftRegistry)
	}
	if cfg.ArtifactDir != "./artifacts" {
		t.Errorf("ArtifactDir = %q, want ./artifacts", cfg.ArtifactDir)
	}
	if cfg.UnitReadyTimeout != 10*time.Minute {
		t.Errorf("UnitReadyTimeout = %v, want 10m", cfg.UnitReadyTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadRunnerConfig_DockerHasNoRegistry(t *testing.T) {
	t.Setenv("LOCAL_CI_BACKEND", BackendDocker)
	t.Setenv("LOCAL_CI_IMAGE_REGISTRY", "")

	cfg := LoadRunnerConfig()
	if cfg.ImageRegistry != "" {
		t.Errorf("ImageRegistry = %q, want empty for docker backend", cfg.ImageRegistry)
	}
}

func TestLoadRunnerConfig_ArtifactDirFallback(t *testing.T) {
	t.Setenv("LOCAL_CI_ARTIFACT_DIR", "")
	t.Setenv("ARTIFACT_DIR", "/tmp/ci")

	if got := LoadRunnerConfig().ArtifactDir; got != "/tmp/ci" {
		t.Errorf("ArtifactDir = %q, want /tmp/ci", got)
	}
}

func TestLoadRunnerConfig_TokensFromFiles(t *testing.T) {
	dir := t.TempDir()
	ghPath := filepath.Join(dir, "github")
	promPath := filepath.Join(dir, "prometheus")
	if err := os.WriteFile(ghPath, []byte("ghp_abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(promPath, []byte("sha256~xyz"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN_FILE", ghPath)
	t.Setenv("LOCAL_CI_PROMETHEUS_TOKEN", "")
	t.Setenv("LOCAL_CI_PROMETHEUS_TOKEN_FILE", promPath)

	cfg := LoadRunnerConfig()
	if cfg.GitHubToken != "ghp_abc" {
		t.Errorf("GitHubToken = %q, want ghp_abc", cfg.GitHubToken)
	}
	if cfg.PrometheusToken != "sha256~xyz" {
		t.Errorf("PrometheusToken = %q, want sha256~xyz", cfg.PrometheusToken)
	}
}

func TestRunnerConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     RunnerConfig
		wantErr bool
	}{
		{"valid", RunnerConfig{Backend: BackendDocker, UnitArtifactDir: "/tmp/a", UnitReadyTimeout: time.Second}, false},
		{"unknown backend", RunnerConfig{Backend: "nomad", UnitArtifactDir: "/tmp/a", UnitReadyTimeout: time.Second}, true},
		{"no unit artifact dir", RunnerConfig{Backend: BackendDocker, UnitReadyTimeout: time.Second}, true},
		{"zero ready timeout", RunnerConfig{Backend: BackendDocker, UnitArtifactDir: "/tmp/a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMinioEndpointFor(t *testing.T) {
	t.Parallel()
	cfg := &RunnerConfig{}
	if got := cfg.MinioEndpointFor("minio"); got != "minio.minio.svc.cluster.local:9000" {
		t.Errorf("MinioEndpointFor() = %q", got)
	}

	cfg.MinioEndpoint = "localhost:9000"
	if got := cfg.MinioEndpointFor("minio"); got != "localhost:9000" {
		t.Errorf("MinioEndpointFor() with override = %q", got)
	}
}
