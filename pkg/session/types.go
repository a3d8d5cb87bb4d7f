package session

import "time"

// Status is the lifecycle state of a coaching session.
type Status string

// Session statuses. Completed, cancelled and abandoned are terminal.
const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusAbandoned Status = "abandoned"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusAbandoned:
		return true
	}
	return false
}

// IsOpen reports whether the status counts toward the one-open-session
// per (tenant, topic) rule.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusPaused
}

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EndReason records why the system, rather than the user, closed a session.
type EndReason string

const (
	EndReasonNone    EndReason = ""
	EndReasonIdle    EndReason = "idle"
	EndReasonExpired EndReason = "expired"
)

// Message is one entry in a session transcript.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// record is the persisted form of a Session.
type record struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenantId"`
	TopicID            string         `json:"topicId"`
	UserID             string         `json:"userId"`
	Status             Status         `json:"status"`
	EndReason          EndReason      `json:"endReason,omitempty"`
	Messages           []Message      `json:"messages"`
	Context            map[string]any `json:"context,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	LastActivityAt     time.Time      `json:"lastActivityAt"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	MaxTurns           int            `json:"maxTurns"`
	IdleTimeoutMinutes int            `json:"idleTimeoutMinutes"`
	ExpiresAt          *time.Time     `json:"expiresAt,omitempty"`
	ExtractedResult    map[string]any `json:"extractedResult,omitempty"`
	ExtractionModel    string         `json:"extractionModel,omitempty"`
	Version            int64          `json:"version"`
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns f().
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
