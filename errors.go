package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by transports asked to publish while offline.
var ErrNotConnected = errors.New("not connected")

// NetworkError is a transient failure: the request may not have reached the
// server, or the server failed to answer. It is safe to retry.
type NetworkError struct {
	// Op is the API operation, e.g. "post message".
	Op string
	// Status is the HTTP status when the server answered, 0 otherwise.
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: network error (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a permanent rejection of a request. Retrying the same
// payload fails the same way.
type ValidationError struct {
	Op      string
	Field   string
	Message string
	Status  int
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid %s: %s", e.Op, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// ConflictError reports a duplicate idempotency key. The original request
// already succeeded; Existing carries the canonical record when the server
// returned it.
type ConflictError struct {
	Key      string
	Existing *Message
	// Data is the raw payload of the conflict response.
	Data     json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: idempotency key %q already used", e.Key)
}

// AttachmentPhaseError scopes a failure to one phase of an attachment upload.
// Retrying resumes at Phase.
type AttachmentPhaseError struct {
	Phase AttachmentPhase
	Err   error
}

func (e *AttachmentPhaseError) Error() string {
	return fmt.Sprintf("attachment %s: %v", e.Phase, e.Err)
}

func (e *AttachmentPhaseError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient network failure, including
// one wrapped in an AttachmentPhaseError.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FailedPhase returns the attachment phase err is scoped to, if any.
func FailedPhase(err error) (AttachmentPhase, bool) {
	var pe *AttachmentPhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}
