package session

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist or belongs to another tenant.
	ErrSessionNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a conditional save lost a race with another writer.
	ErrVersionConflict = errors.New("session was modified concurrently")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// NotActiveError is returned when a message is sent to a session that is not active.
type NotActiveError struct {
	SessionID string
	Status    Status
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("session %s is not active (status %s)", e.SessionID, e.Status)
}

// ExpiredError is returned when a session is past its absolute deadline.
type ExpiredError struct {
	SessionID string
	ExpiresAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("session %s expired at %s", e.SessionID, e.ExpiresAt.Format(time.RFC3339))
}

// IdleTimeoutError is returned for sessions that were abandoned after idling.
type IdleTimeoutError struct {
	SessionID      string
	LastActivityAt time.Time
}

func (e *IdleTimeoutError) Error() string {
	return fmt.Sprintf("session %s timed out after inactivity since %s",
		e.SessionID, e.LastActivityAt.Format(time.RFC3339))
}

// AccessDeniedError is returned when a user touches a session they do not own.
type AccessDeniedError struct {
	SessionID   string
	OwnerID     string
	RequesterID string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("user %s may not access session %s", e.RequesterID, e.SessionID)
}

// MaxTurnsReachedError is returned when a user message would exceed the turn limit.
type MaxTurnsReachedError struct {
	Current int
	Max     int
}

func (e *MaxTurnsReachedError) Error() string {
	return fmt.Sprintf("maximum turns reached (%d/%d)", e.Current, e.Max)
}

// ConflictError is returned when another user already holds the open
// session for a tenant and topic.
type ConflictError struct {
	TopicID          string
	OwningUserID     string
	RequestingUserID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("topic %s already has an open session owned by user %s",
		e.TopicID, e.OwningUserID)
}

// TransitionError is returned by a guarded transition from a disallowed status.
type TransitionError struct {
	Op     string
	Status Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s session with status %s", e.Op, e.Status)
}

// CreateConflictError is returned by Store.Create when an open session
// already exists for the tenant and topic.
type CreateConflictError struct {
	Existing *Session
}

func (e *CreateConflictError) Error() string {
	if e.Existing == nil {
		return "open session already exists"
	}
	return fmt.Sprintf("open session %s already exists for tenant %s topic %s",
		e.Existing.ID(), e.Existing.TenantID(), e.Existing.TopicID())
}
