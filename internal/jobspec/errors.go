package jobspec

import (
	"fmt"
	"oprlmbatch/internal/apperrors"
	"strings"
)

// Validation issue kinds.
const (
	MissingRequiredField apperrors.Kind = "MissingRequiredField"
	InvalidEnumValue     apperrors.Kind = "InvalidEnumValue"
	OutOfRange           apperrors.Kind = "OutOfRange"
	FileNotFound         apperrors.Kind = "FileNotFound"
	DuplicateID          apperrors.Kind = "DuplicateId"
	MalformedDocument    apperrors.Kind = "MalformedDocument"
	InvalidOutputPath    apperrors.Kind = "InvalidOutputPath"
	OutputPathConflict   apperrors.Kind = "OutputPathConflict"
)

// Issue is a single problem found in a job document.
type Issue struct {
	Kind    apperrors.Kind `json:"kind"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
}

// ValidationError collects every issue found in one file.
type ValidationError struct {
	File   string
	JobID  string
	Issues []Issue
}

func (e *ValidationError) add(kind apperrors.Kind, field, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)})
}

// orNil returns nil when no issue was recorded.
func (e *ValidationError) orNil() *ValidationError {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Has reports whether any issue has the given kind.
func (e *ValidationError) Has(kind apperrors.Kind) bool {
	for _, is := range e.Issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.Message
	}
	return fmt.Sprintf("%s: %s", e.File, strings.Join(msgs, "; "))
}

// Unwrap exposes each issue as an apperrors validation error.
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Issues))
	for i, is := range e.Issues {
		errs[i] = apperrors.Validation(is.Kind, is.Field, is.Message)
	}
	return errs
}
