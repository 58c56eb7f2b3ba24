package types

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable, transport-independent error or outcome code.
type Code string

const (
	CodeNoCandidates          Code = "NO_CANDIDATES"
	CodeFeatureSchemaMismatch Code = "FEATURE_SCHEMA_MISMATCH"
	CodeInvalidWeightConfig   Code = "INVALID_WEIGHT_CONFIG"
	CodePartialResult         Code = "PARTIAL_RESULT"
	CodeDegradedScoring       Code = "DEGRADED_SCORING"
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeNotFound              Code = "NOT_FOUND"
	CodeStorageUnavailable    Code = "STORAGE_UNAVAILABLE"
	CodeDeadlineExceeded      Code = "DEADLINE_EXCEEDED"
	CodeInternal              Code = "INTERNAL"
)

// Domain errors
var (
	ErrInvalidWeightConfig   = errors.New("invalid weight config")
	ErrFeatureSchemaMismatch = errors.New("feature schema mismatch")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrNotFound              = errors.New("not found")
	ErrStorageUnavailable    = errors.New("storage unavailable")

	ErrEmptyText       = errors.New("text cannot be empty")
	ErrInvalidRole     = errors.New("invalid chunk role")
	ErrInvalidOrdinal  = errors.New("ordinal must be >= 0")
	ErrMissingChecksum = errors.New("checksum must be computed")
	ErrMissingTenant   = errors.New("tenant ID is required")
	ErrInvalidKind     = errors.New("invalid interaction kind")
)

// Error is a failure with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError creates an Error wrapping err.
func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the stable code for err. Errors without an explicit code map
// through the package sentinels; anything else is CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrInvalidWeightConfig):
		return CodeInvalidWeightConfig
	case errors.Is(err, ErrFeatureSchemaMismatch):
		return CodeFeatureSchemaMismatch
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrEmptyText), errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvalidOrdinal), errors.Is(err, ErrMissingChecksum), errors.Is(err, ErrMissingTenant),
		errors.Is(err, ErrInvalidKind):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	}
	return CodeInternal
}
