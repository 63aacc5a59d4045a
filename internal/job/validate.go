package job

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sutaakar/topsail/internal/apperrors"
	"github.com/sutaakar/topsail/internal/artifact"
)

// Validation limits
const (
	maxUnitNameLength = 63
	maxUserCount      = 1000
)

// unitNamePattern is the DNS-1123 label form required for pod names.
var unitNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateSpec checks a single-run spec before any unit is acquired.
// Does not modify the spec.
func ValidateSpec(spec *Spec) error {
	if spec.PRNumber != 0 && !spec.UpdateGit {
		return apperrors.InvalidCombination("pr_number",
			fmt.Sprintf("Cannot have --pr-number=%d without --update-git", spec.PRNumber))
	}

	if strings.TrimSpace(spec.CICommand) == "" {
		return apperrors.Validation("ci_command", "ci_command is required")
	}
	if spec.PRNumber < 0 {
		return apperrors.Validation("pr_number", "pr_number must be positive")
	}
	if err := validateUnitName("pod_name", spec.PodName); err != nil {
		return err
	}
	if spec.Namespace == "" {
		return apperrors.Validation("namespace", "namespace is required")
	}
	if spec.ImageTag == "" {
		return apperrors.Validation("istag", "istag is required")
	}
	if spec.UpdateGit && spec.GitRepo == "" {
		return apperrors.Validation("git_repo", "git_repo is required when --update-git is enabled")
	}
	if spec.Export && spec.ExportIdentifier == "" {
		return apperrors.Validation("export_identifier", "export_identifier is required when --export is enabled")
	}
	if err := validateRunID(spec.ExportTimestampID); err != nil {
		return err
	}
	return nil
}

// validateRunID accepts an empty id or a single path element. The id names
// a directory under the artifact root.
func validateRunID(id string) error {
	if id == "" {
		return nil
	}
	if id == "." || strings.ContainsAny(id, `/\`) || artifact.ValidatePath(id) != nil {
		return apperrors.Validation("export_ts_id", fmt.Sprintf("export_ts_id %q must be a single path element", id))
	}
	return nil
}

// ValidateMultiSpec checks a multi-run spec before any unit is launched.
// Does not modify the spec.
func ValidateMultiSpec(spec *MultiSpec) error {
	if spec.RetrieveArtifacts && !spec.Sink.Complete() {
		return apperrors.InvalidCombination("minio_bucket_name",
			"--minio_namespace and --minio_bucket_name must be provided when --retrieve_artifacts is enabled")
	}

	if strings.TrimSpace(spec.CICommand) == "" {
		return apperrors.Validation("ci_command", "ci_command is required")
	}
	if spec.UserCount < 1 {
		return apperrors.Validation("user_count", "user_count must be at least 1")
	}
	if spec.UserCount > maxUserCount {
		return apperrors.Validation("user_count", fmt.Sprintf("user_count exceeds maximum of %d", maxUserCount))
	}
	if err := validateUnitName("job_name", ReplicaName(spec.JobName, spec.UserCount-1)); err != nil {
		return err
	}
	if spec.Namespace == "" {
		return apperrors.Validation("namespace", "namespace is required")
	}
	if spec.ImageTag == "" {
		return apperrors.Validation("istag", "istag is required")
	}
	if spec.Sink.SecretKeyKey != "" {
		if _, _, err := ParseSecretKeyKey(spec.Sink.SecretKeyKey); err != nil {
			return apperrors.Validation("minio_secret_key_key", err.Error())
		}
	}
	return nil
}

func validateUnitName(field, name string) error {
	if name == "" {
		return apperrors.Validation(field, field+" is required")
	}
	if len(name) > maxUnitNameLength {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum length of %d", field, maxUnitNameLength))
	}
	if !unitNamePattern.MatchString(name) {
		return apperrors.Validation(field, field+" must be lowercase alphanumeric (hyphens allowed, cannot start or end with a hyphen)")
	}
	return nil
}

// applyDefaults fills fields a caller left empty. Booleans are left alone
// since false is a meaningful choice.
func applyDefaults(spec *Spec, exportCommand string) {
	if spec.GitRepo == "" {
		spec.GitRepo = DefaultGitRepo
	}
	if spec.GitRef == "" {
		spec.GitRef = DefaultGitRef
	}
	if spec.Namespace == "" {
		spec.Namespace = DefaultNamespace
	}
	if spec.ImageTag == "" {
		spec.ImageTag = DefaultImageTag
	}
	if spec.PodName == "" {
		spec.PodName = DefaultPodName
	}
	if spec.ServiceAccount == "" {
		spec.ServiceAccount = DefaultServiceAccount
	}
	if spec.ExportIdentifier == "" {
		spec.ExportIdentifier = DefaultExportIdentifier
	}
	if spec.ExportCommand == "" {
		spec.ExportCommand = exportCommand
	}
}

func applyMultiDefaults(spec *MultiSpec) {
	if spec.UserCount == 0 {
		spec.UserCount = 1
	}
	if spec.Namespace == "" {
		spec.Namespace = DefaultNamespace
	}
	if spec.ImageTag == "" {
		spec.ImageTag = DefaultImageTag
	}
	if spec.JobName == "" {
		spec.JobName = DefaultJobName
	}
	if spec.ServiceAccount == "" {
		spec.ServiceAccount = DefaultServiceAccount
	}
	if spec.GitRef == "" {
		spec.GitRef = DefaultGitRef
	}
}

// ParseSecretKeyKey splits a minio_secret_key_key value of the form
// "user_password=SECRET_KEY" into the access key and the name of the secret
// key holding the password.
func ParseSecretKeyKey(value string) (user, key string, err error) {
	user, key, ok := strings.Cut(value, "=")
	if !ok || user == "" || key == "" {
		return "", "", fmt.Errorf("minio_secret_key_key must be in the form 'user_password=SECRET_KEY', got %q", value)
	}
	return user, key, nil
}

// ReplicaName is the unit name of replica i of a multi-run.
func ReplicaName(jobName string, i int) string {
	return fmt.Sprintf("%s-%d", jobName, i)
}
