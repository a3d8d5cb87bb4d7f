package session

import (
	"context"
	"time"
)

// Store abstracts session persistence.
// Implementations must be safe for concurrent use and must never hold a lock
// on behalf of a caller between calls.
type Store interface {
	// Create persists a new session. If an open session already exists for
	// the same tenant and topic it returns *CreateConflictError carrying it.
	// On success the session's version is set.
	Create(ctx context.Context, s *Session) error

	// Save writes s if its version still matches the stored one, then bumps
	// the version. A stale write returns ErrVersionConflict.
	Save(ctx context.Context, s *Session) error

	// GetByID loads a session owned by tenantID.
	// Returns ErrSessionNotFound if it doesn't exist or belongs to another tenant.
	GetByID(ctx context.Context, id, tenantID string) (*Session, error)

	// GetActiveForUserTopic returns the open session the user owns for a topic.
	GetActiveForUserTopic(ctx context.Context, userID, topicID, tenantID string) (*Session, error)

	// GetActiveForTenantTopic returns the open session for a topic regardless of owner.
	GetActiveForTenantTopic(ctx context.Context, tenantID, topicID string) (*Session, error)

	// ListSweepCandidates returns up to limit open sessions that are past
	// their deadline, or paused and idle, at now.
	ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	// Close releases any resources held by the backend.
	Close() error
}

// isSweepCandidate is the filter shared by all backends.
func isSweepCandidate(s *Session, now time.Time) bool {
	if !s.Status().IsOpen() {
		return false
	}
	return s.IsExpired(now) || (s.Status() == StatusPaused && s.IsIdle(now))
}
