package apperrors

import "errors"

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitFatal       = 2
	ExitInterrupted = 130
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrFatal):
		return ExitFatal
	case errors.Is(err, ErrCancelled):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}
