package jobs

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline failures. Codes surface in job records and in
// HTTP error bodies.
type ErrorCode string

const (
	// ErrCodeProductNotFound means the SKU is absent in the storefront. Non-retryable.
	ErrCodeProductNotFound ErrorCode = "ProductNotFound"
	// ErrCodeSegmentFailed means the segmentation provider errored. Retryable.
	ErrCodeSegmentFailed ErrorCode = "SegmentFailed"
	// ErrCodeBackgroundFailed means the background provider errored. Retryable.
	ErrCodeBackgroundFailed ErrorCode = "BackgroundFailed"
	// ErrCodeCompositeFailed means a deterministic or AI composite failed. Retryable.
	ErrCodeCompositeFailed ErrorCode = "CompositeFailed"
	// ErrCodeStorefrontUploadFailed means the storefront API errored. Retryable.
	ErrCodeStorefrontUploadFailed ErrorCode = "StorefrontUploadFailed"
	// ErrCodeStorageFailed means an object-store operation errored. Retryable.
	ErrCodeStorageFailed ErrorCode = "StorageFailed"
	// ErrCodeTimeout means an operation exceeded its deadline. Retryable.
	ErrCodeTimeout ErrorCode = "Timeout"
	// ErrCodeInvalidImage means the source bytes are unusable
	// (wrong hash, corrupt, too small). Non-retryable.
	ErrCodeInvalidImage ErrorCode = "InvalidImage"
	// ErrCodeQualityCheckFailed means an output fell below threshold.
	// Retryable once, then terminal.
	ErrCodeQualityCheckFailed ErrorCode = "QualityCheckFailed"
	// ErrCodeMaxRetriesExceeded is attached after the final retry fails.
	ErrCodeMaxRetriesExceeded ErrorCode = "MaxRetriesExceeded"
	// ErrCodeInvalidTransition surfaces only as HTTP 400 on admin routes.
	ErrCodeInvalidTransition ErrorCode = "InvalidTransition"
	// ErrCodeMissingRequiredFields surfaces only as HTTP 400 on admin routes.
	ErrCodeMissingRequiredFields ErrorCode = "MissingRequiredFields"
	// ErrCodeUnknown is the unclassified fallback. Retryable subject to MAX_RETRIES.
	ErrCodeUnknown ErrorCode = "Unknown"
)

// nonRetryable lists codes for which a retry can never succeed.
var nonRetryable = map[ErrorCode]bool{
	ErrCodeInvalidImage:       true,
	ErrCodeProductNotFound:    true,
	ErrCodeMaxRetriesExceeded: true,
}

// Retryable reports whether a failure with this code may be retried at all.
// The per-attempt budget is evaluated separately by CanRetry.
func (c ErrorCode) Retryable() bool {
	return !nonRetryable[c]
}

// Valid reports whether the code belongs to the taxonomy.
func (c ErrorCode) Valid() bool {
	switch c {
	case ErrCodeProductNotFound, ErrCodeSegmentFailed, ErrCodeBackgroundFailed,
		ErrCodeCompositeFailed, ErrCodeStorefrontUploadFailed, ErrCodeStorageFailed,
		ErrCodeTimeout, ErrCodeInvalidImage, ErrCodeQualityCheckFailed,
		ErrCodeMaxRetriesExceeded, ErrCodeInvalidTransition,
		ErrCodeMissingRequiredFields, ErrCodeUnknown:
		return true
	}
	return false
}

// PipelineError carries a taxonomy code alongside the underlying cause.
// Step executors wrap provider and storage failures in PipelineError so the
// processor can apply the retry policy without string matching.
type PipelineError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError builds a PipelineError with the given code.
func NewError(code ErrorCode, message string, cause error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Err: cause}
}

// Classify extracts the taxonomy code from an error chain.
// Unwrapped errors classify as Unknown.
func Classify(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}

// TransitionError is returned by Transition when a requested edge is illegal
// or the target state's required-field gate fails. It is never persisted on a
// job; admin routes translate it to HTTP 400.
type TransitionError struct {
	Code    ErrorCode
	From    Status
	To      Status
	Missing []string
}

func (e *TransitionError) Error() string {
	if e.Code == ErrCodeMissingRequiredFields {
		return fmt.Sprintf("missing required fields for %s: %v", e.To, e.Missing)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// IsTransitionError reports whether err is a state-machine rejection and
// returns the typed error when it is.
func IsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
