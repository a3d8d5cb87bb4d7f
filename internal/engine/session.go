package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aixgo-dev/coachflow/internal/llm/parser"
	"github.com/aixgo-dev/coachflow/internal/llm/provider"
	"github.com/aixgo-dev/coachflow/internal/observability"
	"github.com/aixgo-dev/coachflow/internal/topic"
	metrics "github.com/aixgo-dev/coachflow/pkg/observability"
	"github.com/aixgo-dev/coachflow/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

// RawResponseKey holds the unparsed extraction reply when it could not be
// parsed into the topic's extraction schema.
const RawResponseKey = "raw_response"

// defaultExtractionPrompt is used for topics without an extraction prompt.
const defaultExtractionPrompt = "Summarise the coaching conversation you are given. " +
	"Capture the goals, decisions and next steps the user agreed to."

// ErrEmptyMessage is returned by SendMessage for blank user input.
var ErrEmptyMessage = errors.New("message must not be empty")

// InitiateRequest starts, or picks back up, a coaching session.
type InitiateRequest struct {
	TopicID    string
	TenantID   string
	UserID     string
	Parameters map[string]any
}

// InitiateResult is the session a user should continue with.
type InitiateResult struct {
	Session *session.Session
	// Resumed is true when the user's existing open session was returned.
	Resumed bool
	// Greeting is the first assistant message, if the topic has an
	// initiation prompt.
	Greeting string
}

// SendRequest is one user turn.
type SendRequest struct {
	SessionID string
	TenantID  string
	UserID    string
	Message   string
}

// Reply is the assistant's answer to a user turn.
type Reply struct {
	Content string
	// Phase and CompletionSuggested are hints read from the reply. They never
	// change the session.
	Phase               string
	CompletionSuggested bool

	TurnCount      int
	RemainingTurns int
	FinalTurn      bool
	Usage          provider.Usage
	Session        *session.Session
}

// CompletionResult is a completed session and its extracted summary.
type CompletionResult struct {
	Session  *session.Session
	Result   map[string]any
	Strategy parser.Strategy
	// Fallback is set when Result only holds RawResponseKey.
	Fallback bool
	Usage    provider.Usage
}

// Initiate creates a session for the user and topic. If the user already has
// an open session for the topic it is returned unchanged with Resumed set;
// if another user holds it, *session.ConflictError is returned. The greeting
// is dispatched before anything is stored, so a failed greeting leaves no
// session behind.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (res *InitiateResult, err error) {
	ctx, span := startSpan(ctx, "initiate",
		attribute.String("topic.id", req.TopicID),
		attribute.String("tenant.id", req.TenantID))
	defer func() { observability.EndSpan(span, err) }()

	t, err := e.activeTopic(ctx, req.TopicID)
	if err != nil {
		return nil, err
	}
	params, err := e.resolveParameters(ctx, t, req.TenantID, req.UserID, req.Parameters)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetActiveForTenantTopic(ctx, req.TenantID, t.ID)
	switch {
	case err == nil:
		return e.resumeExisting(t, req.UserID, existing)
	case !errors.Is(err, session.ErrSessionNotFound):
		return nil, fmt.Errorf("look up open session: %w", err)
	}

	cp := session.CreateParams{
		TenantID:           req.TenantID,
		TopicID:            t.ID,
		UserID:             req.UserID,
		Context:            params,
		MaxTurns:           t.MaxTurns,
		IdleTimeoutMinutes: t.IdleTimeoutMinutes,
	}
	if t.SessionTTLHours > 0 {
		expires := e.now().Add(time.Duration(t.SessionTTLHours) * time.Hour)
		cp.ExpiresAt = &expires
	}
	s, err := session.New(cp, e.clock)
	if err != nil {
		return nil, err
	}

	greeting, err := e.greet(ctx, t, s)
	if err != nil {
		return nil, err
	}

	if err := e.store.Create(ctx, s); err != nil {
		var conflict *session.CreateConflictError
		if !errors.As(err, &conflict) || conflict.Existing == nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		// Lost a race with another Initiate; the greeting is discarded.
		return e.resumeExisting(t, req.UserID, conflict.Existing)
	}

	metrics.RecordSessionInitiated(t.ID, "created")
	metrics.RecordTransition(t.ID, string(session.StatusActive))
	span.SetAttributes(attribute.String("session.id", s.ID()))
	log.Printf("[Engine] session=%s topic=%s tenant=%s created", s.ID(), t.ID, req.TenantID)
	return &InitiateResult{Session: s, Greeting: greeting}, nil
}

func (e *Engine) resumeExisting(t *topic.Topic, userID string, existing *session.Session) (*InitiateResult, error) {
	resolution, err := session.ResolveCreateConflict(existing.UserID(), userID, existing)
	if err != nil {
		metrics.RecordSessionInitiated(t.ID, "conflict")
		return nil, err
	}
	resolution.Session.SetClock(e.clock)
	metrics.RecordSessionInitiated(t.ID, "resumed")
	log.Printf("[Engine] session=%s topic=%s user=%s resumed existing session",
		resolution.Session.ID(), t.ID, userID)
	return &InitiateResult{Session: resolution.Session, Resumed: true}, nil
}

// greet dispatches the topic's initiation prompt and adds the reply to the
// unsaved session as its first assistant message. Topics without one are
// not greeted.
func (e *Engine) greet(ctx context.Context, t *topic.Topic, s *session.Session) (string, error) {
	params := e.turnParameters(s)
	initiation, err := e.renderPrompt(ctx, t, topic.PromptInitiation, params)
	if err != nil || initiation == "" {
		return "", err
	}
	system, err := e.renderPrompt(ctx, t, topic.PromptSystem, params)
	if err != nil {
		return "", err
	}

	var messages []provider.Message
	if system != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: initiation})

	res, err := e.dispatch(ctx, s.TenantID(), t, t.Model, messages, nil)
	if err != nil {
		log.Printf("[Engine] topic=%s tenant=%s greeting failed: %v", t.ID, s.TenantID(), err)
		return "", err
	}
	greeting := strings.TrimSpace(res.Content)
	if _, err := s.AddMessage(session.RoleAssistant, greeting, res.metadata()); err != nil {
		return "", err
	}
	return greeting, nil
}

// turnParameters are the session context plus the turn counters, available
// to every conversational prompt.
func (e *Engine) turnParameters(s *session.Session) map[string]any {
	params := s.Context()
	if params == nil {
		params = make(map[string]any)
	}
	params["turn_number"] = s.TurnCount() + 1
	params["max_turns"] = s.MaxTurns()
	params["remaining_turns"] = s.RemainingTurns()
	return params
}

// SendMessage records one user turn and the model's reply. Nothing is saved
// unless the model call succeeds.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (reply *Reply, err error) {
	ctx, span := startSpan(ctx, "send_message",
		attribute.String("session.id", req.SessionID),
		attribute.String("tenant.id", req.TenantID))
	defer func() { observability.EndSpan(span, err) }()

	content := strings.TrimSpace(req.Message)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	s, err := e.loadOwned(ctx, req.SessionID, req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.CheckAcceptable(); err != nil {
		return nil, err
	}
	if err := s.CheckTurnAvailable(); err != nil {
		return nil, err
	}
	t, err := e.lookupTopic(ctx, s.TopicID())
	if err != nil {
		return nil, err
	}

	system, err := e.conversationPrompt(ctx, t, s)
	if err != nil {
		return nil, err
	}
	history := s.WindowedHistory(t.Window())
	messages := make([]provider.Message, 0, len(history)+3)
	if system != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	if len(history) > 0 && history[0].Role == session.RoleAssistant {
		// Models expect the conversation to open with a user turn; replay
		// the prompt the greeting answered.
		opening, err := e.renderPrompt(ctx, t, topic.PromptInitiation, e.turnParameters(s))
		if err != nil {
			return nil, err
		}
		if opening != "" {
			messages = append(messages, provider.Message{Role: provider.RoleUser, Content: opening})
		}
	}
	for _, m := range history {
		messages = append(messages, provider.Message{Role: providerRole(m.Role), Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: content})

	res, err := e.dispatch(ctx, req.TenantID, t, t.Model, messages, nil)
	if err != nil {
		return nil, err
	}

	signals := parser.ParseConversation(res.Content)
	meta := res.metadata()
	if signals.Phase != "" {
		meta["phase"] = signals.Phase
	}

	saved, err := e.mutate(ctx, s, "send_message", func(s *session.Session) error {
		if err := s.CheckAcceptable(); err != nil {
			return err
		}
		if _, err := s.AddMessage(session.RoleUser, content, nil); err != nil {
			return err
		}
		_, err := s.AddMessage(session.RoleAssistant, signals.Content, meta)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTurn(t.ID)
	return &Reply{
		Content:             signals.Content,
		Phase:               signals.Phase,
		CompletionSuggested: signals.Complete,
		TurnCount:           saved.TurnCount(),
		RemainingTurns:      saved.RemainingTurns(),
		FinalTurn:           saved.IsFinalTurn(),
		Usage:               res.Usage,
		Session:             saved,
	}, nil
}

// conversationPrompt renders the system prompt for a turn. A user coming
// back after the idle window gets the resume prompt in front of it.
func (e *Engine) conversationPrompt(ctx context.Context, t *topic.Topic, s *session.Session) (string, error) {
	params := e.turnParameters(s)
	system, err := e.renderPrompt(ctx, t, topic.PromptSystem, params)
	if err != nil {
		return "", err
	}
	if !e.returning(s) {
		return system, nil
	}
	resume, err := e.renderPrompt(ctx, t, topic.PromptResume, params)
	if err != nil {
		return "", err
	}
	if resume == "" {
		return system, nil
	}
	log.Printf("[Engine] session=%s returning after idle window", s.ID())
	if system == "" {
		return resume, nil
	}
	return resume + "\n\n" + system, nil
}

// returning reports whether the last message is older than the session's
// idle window. Resuming a paused session does not reset this.
func (e *Engine) returning(s *session.Session) bool {
	if s.IdleTimeoutMinutes() <= 0 {
		return false
	}
	msgs := s.WindowedHistory(1)
	if len(msgs) == 0 {
		return false
	}
	window := time.Duration(s.IdleTimeoutMinutes()) * time.Minute
	return e.now().Sub(msgs[0].Timestamp) >= window
}

func providerRole(r session.Role) string {
	if r == session.RoleAssistant {
		return provider.RoleAssistant
	}
	return provider.RoleUser
}

// Complete runs the topic's extraction over the transcript and closes the
// session. A reply that cannot be parsed is kept under RawResponseKey.
func (e *Engine) Complete(ctx context.Context, sessionID, tenantID, userID string) (res *CompletionResult, err error) {
	ctx, span := startSpan(ctx, "complete",
		attribute.String("session.id", sessionID),
		attribute.String("tenant.id", tenantID))
	defer func() { observability.EndSpan(span, err) }()

	s, err := e.loadOwned(ctx, sessionID, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !s.Status().IsOpen() {
		return nil, &session.TransitionError{Op: "complete", Status: s.Status()}
	}
	t, err := e.lookupTopic(ctx, s.TopicID())
	if err != nil {
		return nil, err
	}

	target := t.ExtractionSchema()
	if target == nil {
		target = anyObject
	}
	tmpl, err := e.prompts.GetPrompt(ctx, t.ID, topic.PromptExtraction)
	if errors.Is(err, topic.ErrPromptNotFound) {
		tmpl, err = defaultExtractionPrompt, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load extraction prompt for topic %s: %w", t.ID, err)
	}
	system, closed, err := e.renderer.RenderWithContract(t.ID, string(topic.PromptExtraction), tmpl, s.Context(), target)
	if err != nil {
		return nil, err
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: transcript(s.Messages())},
	}
	modelCode := t.ExtractionModelCode()
	out, err := e.dispatch(ctx, tenantID, t, modelCode, messages, closed)
	if err != nil {
		return nil, err
	}

	res = &CompletionResult{Usage: out.Usage}
	parsed, perr := e.parser.Parse(t.ID, out.Content, target)
	if perr != nil {
		log.Printf("[Engine] session=%s extraction kept as raw response: %v", s.ID(), perr)
		metrics.RecordParse(t.ID, string(parser.StrategyFallback))
		res.Result = map[string]any{RawResponseKey: out.Content}
		res.Strategy = parser.StrategyFallback
		res.Fallback = true
	} else {
		metrics.RecordParse(t.ID, string(parsed.Strategy))
		res.Result = parsed.Object()
		if res.Result == nil {
			res.Result = map[string]any{"result": parsed.Data}
		}
		res.Strategy = parsed.Strategy
	}

	saved, err := e.mutate(ctx, s, "complete", func(s *session.Session) error {
		return s.Complete(res.Result, out.Model)
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(t.ID, string(session.StatusCompleted))
	log.Printf("[Engine] session=%s completed (strategy=%s)", saved.ID(), res.Strategy)
	res.Session = saved
	return res, nil
}

// transcript renders messages for the extraction prompt.
func transcript(msgs []session.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if m.Role == session.RoleAssistant {
			b.WriteString("Coach: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Pause parks an active session.
func (e *Engine) Pause(ctx context.Context, sessionID, tenantID, userID string) (*session.Session, error) {
	return e.transition(ctx, "pause", sessionID, tenantID, userID, (*session.Session).Pause)
}

// Resume reactivates a paused session. It counts as activity but sends
// nothing to the model.
func (e *Engine) Resume(ctx context.Context, sessionID, tenantID, userID string) (*session.Session, error) {
	return e.transition(ctx, "resume", sessionID, tenantID, userID, (*session.Session).Resume)
}

// Cancel ends an open session without extraction.
func (e *Engine) Cancel(ctx context.Context, sessionID, tenantID, userID string) (*session.Session, error) {
	return e.transition(ctx, "cancel", sessionID, tenantID, userID, (*session.Session).Cancel)
}

func (e *Engine) transition(ctx context.Context, op, sessionID, tenantID, userID string, fn func(*session.Session) error) (s *session.Session, err error) {
	ctx, span := startSpan(ctx, op,
		attribute.String("session.id", sessionID),
		attribute.String("tenant.id", tenantID))
	defer func() { observability.EndSpan(span, err) }()

	s, err = e.loadOwned(ctx, sessionID, tenantID, userID)
	if err != nil {
		return nil, err
	}
	s, err = e.mutate(ctx, s, op, fn)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(s.TopicID(), string(s.Status()))
	log.Printf("[Engine] session=%s %s -> %s", s.ID(), op, s.Status())
	return s, nil
}

// GetSession returns a session the user owns.
func (e *Engine) GetSession(ctx context.Context, sessionID, tenantID, userID string) (*session.Session, error) {
	return e.loadOwned(ctx, sessionID, tenantID, userID)
}

// ActiveSession returns the user's open session for a topic, or an error
// matching session.ErrSessionNotFound.
func (e *Engine) ActiveSession(ctx context.Context, tenantID, topicID, userID string) (*session.Session, error) {
	s, err := e.store.GetActiveForUserTopic(ctx, userID, topicID, tenantID)
	if err != nil {
		return nil, err
	}
	s.SetClock(e.clock)
	return s, nil
}
