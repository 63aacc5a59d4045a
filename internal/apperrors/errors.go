// Package apperrors provides structured errors for the local CI dispatcher and
// their mapping to process exit codes.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrInvalidCombination   = errors.New("invalid combination")
	ErrValidation           = errors.New("validation error")
	ErrSourceFetch          = errors.New("source fetch failed")
	ErrInitCommand          = errors.New("init command failed")
	ErrCommandExecution     = errors.New("command execution failed")
	ErrExport               = errors.New("export failed")
	ErrArtifactRetrieval    = errors.New("artifact retrieval failed")
	ErrComputeUnitLifecycle = errors.New("compute unit lifecycle error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // Offending parameter for precondition errors (e.g., "pr_number")
	Op       string // Operation that failed (e.g., "kube.createPod")
	Code     int    // Exit status reported by a command, when there is one
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// InvalidCombination reports two parameters that cannot be used together.
func InvalidCombination(field, message string) error {
	return &Error{
		Sentinel: ErrInvalidCombination,
		Message:  message,
		Field:    field,
	}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// SourceFetch wraps a failure to bring the repository to the requested revision.
func SourceFetch(op string, cause error) error {
	return step(ErrSourceFetch, op, cause)
}

// InitCommand reports an init command that exited non-zero or could not run.
func InitCommand(code int, cause error) error {
	e := step(ErrInitCommand, "init", cause).(*Error)
	e.Code = code
	return e
}

// CommandExit reports the CI command's own non-zero exit status.
func CommandExit(code int) error {
	return &Error{
		Sentinel: ErrCommandExecution,
		Message:  fmt.Sprintf("ci command exited with status %d", code),
		Code:     code,
	}
}

// Export wraps a failed export step.
func Export(op string, cause error) error {
	return step(ErrExport, op, cause)
}

// ArtifactRetrieval wraps a failed copy of artifacts out of a compute unit.
func ArtifactRetrieval(op string, cause error) error {
	return step(ErrArtifactRetrieval, op, cause)
}

// Lifecycle wraps a failure to acquire or release a compute unit.
func Lifecycle(op string, cause error) error {
	return step(ErrComputeUnitLifecycle, op, cause)
}

func step(sentinel error, op string, cause error) error {
	return &Error{
		Sentinel: sentinel,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Cause returns the underlying error of a structured error, or nil.
func Cause(err error) error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Cause
	}
	return nil
}
