package apperrors

import (
	"errors"
)

// Process exit codes for orchestration failures. A CI command's own exit
// status is passed through unchanged.
const (
	ExitOK                 = 0
	ExitFailure            = 1
	ExitUsage              = 2
	ExitSourceFetch        = 3
	ExitInitCommand        = 4
	ExitComputeUnitFailure = 5
	ExitInterrupted        = 130
)

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var appErr *Error
	switch {
	case errors.Is(err, ErrInvalidCombination):
		return ExitFailure
	case errors.Is(err, ErrValidation):
		return ExitUsage
	case errors.Is(err, ErrCommandExecution):
		if errors.As(err, &appErr) && appErr.Code != 0 {
			return appErr.Code
		}
		return ExitFailure
	case errors.Is(err, ErrSourceFetch):
		return ExitSourceFetch
	case errors.Is(err, ErrInitCommand):
		return ExitInitCommand
	case errors.Is(err, ErrComputeUnitLifecycle):
		return ExitComputeUnitFailure
	default:
		return ExitFailure
	}
}
