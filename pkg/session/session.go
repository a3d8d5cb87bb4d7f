package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is a coaching conversation between one user and one topic,
// scoped to a tenant. A Session is a plain aggregate: callers load it from a
// Store, mutate it through the methods below and save it back. It is not
// safe for concurrent use.
type Session struct {
	r     record
	clock Clock
}

// CreateParams holds the values copied into a new session.
type CreateParams struct {
	TenantID           string
	TopicID            string
	UserID             string
	Context            map[string]any
	MaxTurns           int
	IdleTimeoutMinutes int
	ExpiresAt          *time.Time
}

// New creates an active session with no messages.
func New(p CreateParams, clock Clock) (*Session, error) {
	if p.TenantID == "" || p.TopicID == "" || p.UserID == "" {
		return nil, errors.New("tenant, topic and user are required")
	}
	if p.MaxTurns < 0 {
		return nil, fmt.Errorf("max turns must not be negative: %d", p.MaxTurns)
	}
	if clock == nil {
		clock = SystemClock
	}

	now := clock.Now()
	s := &Session{
		clock: clock,
		r: record{
			ID:                 uuid.New().String(),
			TenantID:           p.TenantID,
			TopicID:            p.TopicID,
			UserID:             p.UserID,
			Status:             StatusActive,
			Messages:           []Message{},
			Context:            cloneMap(p.Context),
			CreatedAt:          now,
			UpdatedAt:          now,
			LastActivityAt:     now,
			MaxTurns:           p.MaxTurns,
			IdleTimeoutMinutes: p.IdleTimeoutMinutes,
		},
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		s.r.ExpiresAt = &t
	}
	return s, nil
}

// SetClock replaces the clock used by transitions. Stores return sessions
// bound to SystemClock.
func (s *Session) SetClock(c Clock) {
	if c != nil {
		s.clock = c
	}
}

func (s *Session) now() time.Time {
	if s.clock == nil {
		return SystemClock.Now()
	}
	return s.clock.Now()
}

func (s *Session) ID() string { return s.r.ID }
func (s *Session) TenantID() string { return s.r.TenantID }
func (s *Session) TopicID() string { return s.r.TopicID }
func (s *Session) UserID() string { return s.r.UserID }
func (s *Session) Status() Status { return s.r.Status }
func (s *Session) EndReason() EndReason { return s.r.EndReason }
func (s *Session) CreatedAt() time.Time { return s.r.CreatedAt }
func (s *Session) UpdatedAt() time.Time { return s.r.UpdatedAt }
func (s *Session) LastActivityAt() time.Time { return s.r.LastActivityAt }
func (s *Session) MaxTurns() int { return s.r.MaxTurns }
func (s *Session) IdleTimeoutMinutes() int { return s.r.IdleTimeoutMinutes }
func (s *Session) ExtractionModel() string { return s.r.ExtractionModel }
func (s *Session) Version() int64 { return s.r.Version }
func (s *Session) Context() map[string]any { return cloneMap(s.r.Context) }
func (s *Session) ExtractedResult() map[string]any { return cloneMap(s.r.ExtractedResult) }

// ExpiresAt returns the absolute deadline, if one was set.
func (s *Session) ExpiresAt() (time.Time, bool) {
	if s.r.ExpiresAt == nil {
		return time.Time{}, false
	}
	return *s.r.ExpiresAt, true
}

// CompletedAt returns when the session completed, if it has.
func (s *Session) CompletedAt() (time.Time, bool) {
	if s.r.CompletedAt == nil {
		return time.Time{}, false
	}
	return *s.r.CompletedAt, true
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.r.Messages))
	for i, m := range s.r.Messages {
		out[i] = copyMessage(m)
	}
	return out
}

// TurnCount is the number of user messages.
func (s *Session) TurnCount() int {
	n := 0
	for _, m := range s.r.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// RemainingTurns returns the user turns left, or -1 when unlimited.
func (s *Session) RemainingTurns() int {
	if s.r.MaxTurns <= 0 {
		return -1
	}
	return max(0, s.r.MaxTurns-s.TurnCount())
}

// IsFinalTurn reports whether the turn limit has just been reached.
func (s *Session) IsFinalTurn() bool {
	return s.r.MaxTurns > 0 && s.TurnCount() == s.r.MaxTurns
}

// IsIdle reports whether the idle window has elapsed since the last user activity.
func (s *Session) IsIdle(now time.Time) bool {
	if s.r.IdleTimeoutMinutes <= 0 {
		return false
	}
	deadline := s.r.LastActivityAt.Add(time.Duration(s.r.IdleTimeoutMinutes) * time.Minute)
	return !now.Before(deadline)
}

// IsExpired reports whether the absolute deadline has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return s.r.ExpiresAt != nil && !now.Before(*s.r.ExpiresAt)
}

// CanAcceptMessage reports whether AddMessage would accept a message now,
// ignoring the turn limit. Idleness does not block messages.
func (s *Session) CanAcceptMessage() bool {
	return s.r.Status == StatusActive && !s.IsExpired(s.now())
}

// CheckAcceptable returns the typed error explaining why the session cannot
// take a message, or nil.
func (s *Session) CheckAcceptable() error {
	switch s.r.Status {
	case StatusActive:
	case StatusAbandoned:
		switch s.r.EndReason {
		case EndReasonIdle:
			return &IdleTimeoutError{SessionID: s.r.ID, LastActivityAt: s.r.LastActivityAt}
		case EndReasonExpired:
			return s.expiredError()
		}
		return &NotActiveError{SessionID: s.r.ID, Status: s.r.Status}
	default:
		return &NotActiveError{SessionID: s.r.ID, Status: s.r.Status}
	}
	if s.IsExpired(s.now()) {
		return s.expiredError()
	}
	return nil
}

// CheckTurnAvailable returns MaxTurnsReachedError when another user message
// would exceed the limit.
func (s *Session) CheckTurnAvailable() error {
	if s.r.MaxTurns > 0 {
		if n := s.TurnCount(); n >= s.r.MaxTurns {
			return &MaxTurnsReachedError{Current: n, Max: s.r.MaxTurns}
		}
	}
	return nil
}

func (s *Session) expiredError() error {
	e := &ExpiredError{SessionID: s.r.ID}
	if s.r.ExpiresAt != nil {
		e.ExpiresAt = *s.r.ExpiresAt
	}
	return e
}

// AddMessage appends a message to the transcript.
func (s *Session) AddMessage(role Role, content string, metadata map[string]any) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("invalid message role %q", role)
	}
	if s.r.Status != StatusActive {
		return Message{}, &NotActiveError{SessionID: s.r.ID, Status: s.r.Status}
	}
	now := s.now()
	if s.IsExpired(now) {
		return Message{}, s.expiredError()
	}
	if role == RoleUser {
		if err := s.CheckTurnAvailable(); err != nil {
			return Message{}, err
		}
	}

	// Timestamps never go backwards even if the clock does.
	if n := len(s.r.Messages); n > 0 && now.Before(s.r.Messages[n-1].Timestamp) {
		now = s.r.Messages[n-1].Timestamp
	}

	msg := Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  cloneMap(metadata),
	}
	s.r.Messages = append(s.r.Messages, msg)
	s.r.UpdatedAt = now
	if role == RoleUser {
		s.r.LastActivityAt = now
	}
	return copyMessage(msg), nil
}

// WindowedHistory returns the last n messages, oldest first. n <= 0 returns all.
func (s *Session) WindowedHistory(n int) []Message {
	msgs := s.r.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = copyMessage(m)
	}
	return out
}

func (s *Session) transition(op string, to Status, from ...Status) error {
	for _, f := range from {
		if s.r.Status == f {
			s.r.Status = to
			s.r.UpdatedAt = s.now()
			return nil
		}
	}
	return &TransitionError{Op: op, Status: s.r.Status}
}

// Pause moves an active session to paused.
func (s *Session) Pause() error {
	return s.transition("pause", StatusPaused, StatusActive)
}

// Resume moves a paused session back to active and counts as activity.
func (s *Session) Resume() error {
	if s.r.Status == StatusPaused && s.IsExpired(s.now()) {
		return s.expiredError()
	}
	if err := s.transition("resume", StatusActive, StatusPaused); err != nil {
		return err
	}
	s.r.LastActivityAt = s.r.UpdatedAt
	return nil
}

// Cancel ends an open session at the user's request.
func (s *Session) Cancel() error {
	return s.transition("cancel", StatusCancelled, StatusActive, StatusPaused)
}

// Complete ends an open session and records the extracted result.
func (s *Session) Complete(result map[string]any, model string) error {
	if err := s.transition("complete", StatusCompleted, StatusActive, StatusPaused); err != nil {
		return err
	}
	t := s.r.UpdatedAt
	s.r.CompletedAt = &t
	s.r.ExtractedResult = cloneMap(result)
	s.r.ExtractionModel = model
	return nil
}

// MarkAbandoned closes a paused session that stayed idle.
func (s *Session) MarkAbandoned() error {
	if err := s.transition("abandon", StatusAbandoned, StatusPaused); err != nil {
		return err
	}
	s.r.EndReason = EndReasonIdle
	return nil
}

// MarkExpired closes an open session whose deadline passed.
func (s *Session) MarkExpired() error {
	if err := s.transition("expire", StatusAbandoned, StatusActive, StatusPaused); err != nil {
		return err
	}
	s.r.EndReason = EndReasonExpired
	return nil
}

// Clone returns a deep copy sharing the clock.
func (s *Session) Clone() *Session {
	c := &Session{r: s.r, clock: s.clock}
	c.r.Messages = s.Messages()
	c.r.Context = cloneMap(s.r.Context)
	c.r.ExtractedResult = cloneMap(s.r.ExtractedResult)
	if s.r.ExpiresAt != nil {
		t := *s.r.ExpiresAt
		c.r.ExpiresAt = &t
	}
	if s.r.CompletedAt != nil {
		t := *s.r.CompletedAt
		c.r.CompletedAt = &t
	}
	return c
}

// MarshalJSON encodes the session for storage.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.r)
}

// UnmarshalJSON decodes a stored session. The result uses SystemClock.
func (s *Session) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.ID == "" {
		return errors.New("session record has no id")
	}
	if r.Messages == nil {
		r.Messages = []Message{}
	}
	s.r = r
	if s.clock == nil {
		s.clock = SystemClock
	}
	return nil
}

func copyMessage(m Message) Message {
	m.Metadata = cloneMap(m.Metadata)
	return m
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
