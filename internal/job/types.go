package job

import (
	"time"
)

// Role names under which a run's parameters are handed off.
const (
	RoleRun      = "local_ci_run"
	RoleRunMulti = "local_ci_run_multi"
)

// Defaults shared by both commands.
const (
	DefaultGitRepo          = "https://github.com/openshift-psap/ci-artifacts"
	DefaultGitRef           = "main"
	DefaultNamespace        = "ci-artifacts"
	DefaultImageTag         = "ci-artifacts:main"
	DefaultPodName          = "ci-artifacts"
	DefaultJobName          = "ci-artifacts"
	DefaultServiceAccount   = "default"
	DefaultExportIdentifier = "default"
)

// Spec describes one execution of a CI command in one compute unit.
type Spec struct {
	CICommand      string `yaml:"ci_command"`
	PRNumber       int    `yaml:"pr_number,omitempty"` // 0 means no PR
	GitRepo        string `yaml:"git_repo"`
	GitRef         string `yaml:"git_ref"`
	Namespace      string `yaml:"namespace"`
	ImageTag       string `yaml:"istag"`
	PodName        string `yaml:"pod_name"`
	ServiceAccount string `yaml:"service_account"`
	SecretName     string `yaml:"secret_name,omitempty"`
	SecretEnvKey   string `yaml:"secret_env_key,omitempty"`
	InitCommand    string `yaml:"init_command,omitempty"`
	ExportCommand  string `yaml:"export_command,omitempty"`

	ExportIdentifier  string `yaml:"export_identifier"`
	ExportTimestampID string `yaml:"export_ts_id,omitempty"` // Empty generates one

	Export            bool   `yaml:"export"`
	RetrieveArtifacts bool   `yaml:"retrieve_artifacts"`
	PRConfig          string `yaml:"pr_config,omitempty"`
	UpdateGit         bool   `yaml:"update_git"`
}

// DefaultSpec returns a Spec populated with the run command defaults.
func DefaultSpec() Spec {
	return Spec{
		GitRepo:           DefaultGitRepo,
		GitRef:            DefaultGitRef,
		Namespace:         DefaultNamespace,
		ImageTag:          DefaultImageTag,
		PodName:           DefaultPodName,
		ServiceAccount:    DefaultServiceAccount,
		ExportIdentifier:  DefaultExportIdentifier,
		Export:            true,
		RetrieveArtifacts: true,
		UpdateGit:         true,
	}
}

// SinkSpec locates the object storage bucket receiving aggregated artifacts.
type SinkSpec struct {
	Namespace    string `yaml:"minio_namespace,omitempty"`
	Bucket       string `yaml:"minio_bucket_name,omitempty"`
	SecretKeyKey string `yaml:"minio_secret_key_key,omitempty"` // "user_password=SECRET_KEY"
}

// Complete reports whether both namespace and bucket are set.
func (s SinkSpec) Complete() bool {
	return s.Namespace != "" && s.Bucket != ""
}

// MultiSpec describes N identical executions running in parallel.
type MultiSpec struct {
	CICommand         string   `yaml:"ci_command"`
	UserCount         int      `yaml:"user_count"`
	Namespace         string   `yaml:"namespace"`
	ImageTag          string   `yaml:"istag"`
	JobName           string   `yaml:"job_name"`
	ServiceAccount    string   `yaml:"service_account"`
	SecretName        string   `yaml:"secret_name,omitempty"`
	SecretEnvKey      string   `yaml:"secret_env_key,omitempty"`
	RetrieveArtifacts bool     `yaml:"retrieve_artifacts"`
	Sink              SinkSpec `yaml:",inline"`
	PRConfig          string   `yaml:"pr_config,omitempty"`
	CapturePromDB     bool     `yaml:"capture_prom_db"`
	GitPull           bool     `yaml:"git_pull"`
	StateSignalServer string   `yaml:"state_signal_redis_server,omitempty"`

	// GitRef is the branch followed by GitPull.
	GitRef string `yaml:"git_ref,omitempty"`
}

// DefaultMultiSpec returns a MultiSpec populated with the run_multi defaults.
func DefaultMultiSpec() MultiSpec {
	return MultiSpec{
		UserCount:      1,
		Namespace:      DefaultNamespace,
		ImageTag:       DefaultImageTag,
		JobName:        DefaultJobName,
		ServiceAccount: DefaultServiceAccount,
		CapturePromDB:  true,
		GitRef:         DefaultGitRef,
	}
}

// Result is the outcome of one execution.
type Result struct {
	Replica  int           `yaml:"replica"`
	UnitName string        `yaml:"unit"`
	RunID    string        `yaml:"run_id"`
	ExitCode int           `yaml:"exit_code"`
	Stdout   string        `yaml:"-"`
	Stderr   string        `yaml:"-"`
	Duration time.Duration `yaml:"duration"`

	LocalArtifactDir string   `yaml:"local_artifact_dir,omitempty"`
	Artifacts        []string `yaml:"artifacts,omitempty"`
	ExportedAs       string   `yaml:"exported_as,omitempty"`
	SinkKey          string   `yaml:"sink_key,omitempty"`

	// Non-fatal step failures. They never change ExitCode.
	ExportErr    error `yaml:"-"`
	RetrievalErr error `yaml:"-"`

	// Err is set when the execution could not complete.
	Err error `yaml:"-"`
}

// Succeeded reports whether the command ran and exited zero.
func (r *Result) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}
