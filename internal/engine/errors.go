package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aixgo-dev/coachflow/pkg/session"
)

// Provider failure codes set by the engine itself. Other codes are copied
// from *provider.ProviderError.
const (
	CodeRateLimited         = "rate_limited"
	CodeProviderUnavailable = "provider_unavailable"
	CodeCancelled           = "cancelled"
)

// TopicNotFoundError is returned when a topic id is unknown.
type TopicNotFoundError struct {
	TopicID string
}

func (e *TopicNotFoundError) Error() string {
	return fmt.Sprintf("topic %s not found", e.TopicID)
}

// TopicNotActiveError is returned for topics switched off in configuration.
type TopicNotActiveError struct {
	TopicID string
}

func (e *TopicNotActiveError) Error() string {
	return fmt.Sprintf("topic %s is not active", e.TopicID)
}

// ParameterValidationError lists required parameters that were neither
// supplied nor enriched.
type ParameterValidationError struct {
	TopicID string
	Missing []string
	Err     error
}

func (e *ParameterValidationError) Error() string {
	return fmt.Sprintf("topic %s: missing required parameters: %s", e.TopicID, strings.Join(e.Missing, ", "))
}

func (e *ParameterValidationError) Unwrap() error { return e.Err }

// SessionNotFoundError is returned when a session does not exist for the
// tenant. It matches session.ErrSessionNotFound with errors.Is.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

func (e *SessionNotFoundError) Unwrap() error { return session.ErrSessionNotFound }

// ConcurrentModificationError is returned when a session save still lost a
// race after one reload-and-replay.
type ConcurrentModificationError struct {
	SessionID string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("session %s was modified concurrently; retry the request", e.SessionID)
}

func (e *ConcurrentModificationError) Unwrap() error { return session.ErrVersionConflict }

// ProviderTimeoutError is returned when a model call exceeds its deadline.
// The session is left unchanged, so the request can be retried.
type ProviderTimeoutError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("model %s/%s timed out", e.Provider, e.Model)
}

func (e *ProviderTimeoutError) Unwrap() error { return e.Err }

// Retryable is always true.
func (e *ProviderTimeoutError) Retryable() bool { return true }

// ProviderFailureError is returned for any other failed model call.
type ProviderFailureError struct {
	Provider string
	Model    string
	Code     string
	Err      error
}

func (e *ProviderFailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model %s/%s failed: %s", e.Provider, e.Model, e.Code)
	}
	return fmt.Sprintf("model %s/%s failed (%s): %v", e.Provider, e.Model, e.Code, e.Err)
}

func (e *ProviderFailureError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying unchanged: provider
// timeouts, rate limits and lost write races.
func IsRetryable(err error) bool {
	var timeout *ProviderTimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var failure *ProviderFailureError
	if errors.As(err, &failure) && failure.Code == CodeRateLimited {
		return true
	}
	var conflict *ConcurrentModificationError
	return errors.As(err, &conflict)
}
