package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/coachflow/internal/llm/parser"
	"github.com/aixgo-dev/coachflow/internal/llm/prompt"
	"github.com/aixgo-dev/coachflow/internal/llm/provider"
	"github.com/aixgo-dev/coachflow/internal/llm/schema"
	"github.com/aixgo-dev/coachflow/internal/sweeper"
	"github.com/aixgo-dev/coachflow/internal/topic"
	"github.com/aixgo-dev/coachflow/pkg/security"
	"github.com/aixgo-dev/coachflow/pkg/session"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// racingStore makes the next races saves lose to a competing writer.
type racingStore struct {
	session.Store
	mu    sync.Mutex
	races int
}

func (r *racingStore) Save(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()

	if race {
		other, err := r.Store.GetByID(ctx, s.ID(), s.TenantID())
		if err != nil {
			return err
		}
		if err := r.Store.Save(ctx, other); err != nil {
			return err
		}
	}
	return r.Store.Save(ctx, s)
}

func (r *racingStore) setRaces(n int) {
	r.mu.Lock()
	r.races = n
	r.mu.Unlock()
}

type fixture struct {
	engine *Engine
	mock   *provider.MockProvider
	store  *racingStore
	clock  *manualClock
}

func testTopics() []*topic.Topic {
	return []*topic.Topic{
		{
			ID:                 "core_values",
			Name:               "Core values",
			Active:             true,
			Model:              "openai:gpt-4o-mini",
			MaxTurns:           2,
			IdleTimeoutMinutes: 30,
			SessionTTLHours:    24,
			RequiredParameters: []string{"user_name"},
			Prompts: map[topic.PromptType]string{
				topic.PromptSystem:     "You coach {{user_name}} on core values. Turn {{turn_number}} of {{max_turns}}.",
				topic.PromptInitiation: "Greet {{user_name}}.",
				topic.PromptResume:     "Welcome {{user_name}} back.",
				topic.PromptExtraction: "List the core values {{user_name}} named.",
			},
			RawExtractionSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"values": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"values"},
			},
		},
		{
			ID:                 "goal_check",
			Active:             true,
			Model:              "openai:gpt-4o-mini",
			RequiredParameters: []string{"goal"},
			Prompts: map[topic.PromptType]string{
				topic.PromptSystem: "Assess whether the goal is specific.",
				topic.PromptUser:   "Goal: {{goal}}",
			},
			RawResponseSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"result": map[string]any{"type": "string"}},
				"required":   []any{"result"},
			},
		},
		{
			ID:     "retired",
			Active: false,
			Model:  "openai:gpt-4o-mini",
		},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	backend, err := session.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := &racingStore{Store: backend}

	catalog, err := topic.NewCatalog(testTopics()...)
	require.NoError(t, err)

	clock := &manualClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	enricher := &topic.DefaultsEnricher{Now: clock.Now}
	mock := provider.NewMockProvider("openai")

	opts = append([]Option{WithClock(clock), WithEnricher(enricher)}, opts...)
	e, err := New(store, catalog, catalog, provider.NewDispatcher(mock), opts...)
	require.NoError(t, err)

	return &fixture{engine: e, mock: mock, store: store, clock: clock}
}

func (f *fixture) initiate(t *testing.T, userID string) *InitiateResult {
	t.Helper()
	res, err := f.engine.Initiate(context.Background(), InitiateRequest{
		TopicID:    "core_values",
		TenantID:   "t1",
		UserID:     userID,
		Parameters: map[string]any{"user_name": "Ada"},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) send(userID, sessionID, msg string) (*Reply, error) {
	return f.engine.SendMessage(context.Background(), SendRequest{
		SessionID: sessionID,
		TenantID:  "t1",
		UserID:    userID,
		Message:   msg,
	})
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestInitiate_CreatesSessionWithGreeting(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("  Hello Ada, what matters most to you?  ")

	res := f.initiate(t, "u1")

	assert.False(t, res.Resumed)
	assert.Equal(t, "Hello Ada, what matters most to you?", res.Greeting)

	s := res.Session
	assert.Equal(t, session.StatusActive, s.Status())
	assert.Equal(t, 2, s.MaxTurns())
	assert.Equal(t, 0, s.TurnCount())
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, session.RoleAssistant, s.Messages()[0].Role)
	assert.Equal(t, "gpt-4o-mini", s.Messages()[0].Metadata["model"])

	ctx := s.Context()
	assert.Equal(t, "Ada", ctx["user_name"])
	assert.Equal(t, "t1", ctx["tenant_id"])
	assert.Equal(t, "2026-03-02", ctx["current_date"])

	expires, ok := s.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), expires)

	msgs := f.mock.LastMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You coach Ada on core values. Turn 1 of 2.", msgs[0].Content)
	assert.Equal(t, "Greet Ada.", msgs[1].Content)
}

func TestInitiate_SameUserResumes(t *testing.T) {
	f := newFixture(t)

	first := f.initiate(t, "u1")
	second := f.initiate(t, "u1")

	assert.True(t, second.Resumed)
	assert.Equal(t, first.Session.ID(), second.Session.ID())
	assert.Empty(t, second.Greeting)
	assert.Equal(t, 1, f.mock.Calls(), "a resumed session is not greeted again")
}

func TestInitiate_ConcurrentSameUser(t *testing.T) {
	f := newFixture(t)

	const n = 2
	results := make([]*InitiateResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Initiate(context.Background(), InitiateRequest{
				TopicID:    "core_values",
				TenantID:   "t1",
				UserID:     "u1",
				Parameters: map[string]any{"user_name": "Ada"},
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, results[0].Session.ID(), results[1].Session.ID())
	assert.True(t, results[0].Resumed != results[1].Resumed, "exactly one call should resume")
}

func TestInitiate_OtherUserConflicts(t *testing.T) {
	f := newFixture(t)
	f.initiate(t, "u1")

	_, err := f.engine.Initiate(context.Background(), InitiateRequest{
		TopicID:    "core_values",
		TenantID:   "t1",
		UserID:     "u2",
		Parameters: map[string]any{"user_name": "Bo"},
	})

	var conflict *session.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "u1", conflict.OwningUserID)
	assert.Equal(t, "u2", conflict.RequestingUserID)
	assert.Equal(t, "core_values", conflict.TopicID)
}

func TestInitiate_TopicAndParameterErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Initiate(ctx, InitiateRequest{TopicID: "missing", TenantID: "t1", UserID: "u1"})
	var notFound *TopicNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.TopicID)

	_, err = f.engine.Initiate(ctx, InitiateRequest{TopicID: "retired", TenantID: "t1", UserID: "u1"})
	var inactive *TopicNotActiveError
	require.ErrorAs(t, err, &inactive)

	_, err = f.engine.Initiate(ctx, InitiateRequest{TopicID: "core_values", TenantID: "t1", UserID: "u1"})
	var invalid *ParameterValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"user_name"}, invalid.Missing)
	var missing *topic.MissingParametersError
	assert.ErrorAs(t, err, &missing)

	assert.Equal(t, 0, f.mock.Calls())
}

func TestInitiate_GreetingFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.mock.AddError(provider.NewProviderError("openai", provider.ErrorCodeServerError, "down", nil))

	_, err := f.engine.Initiate(context.Background(), InitiateRequest{
		TopicID:    "core_values",
		TenantID:   "t1",
		UserID:     "u1",
		Parameters: map[string]any{"user_name": "Ada"},
	})
	var failure *ProviderFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, provider.ErrorCodeServerError, failure.Code)

	_, err = f.engine.ActiveSession(context.Background(), "t1", "core_values", "u1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	f.mock.AddResponse("Hello again, Ada.")
	retry := f.initiate(t, "u1")
	assert.False(t, retry.Resumed)
	assert.Equal(t, "Hello again, Ada.", retry.Greeting)
	require.Len(t, retry.Session.Messages(), 1)

	stored, err := f.engine.ActiveSession(context.Background(), "t1", "core_values", "u1")
	require.NoError(t, err)
	assert.Equal(t, retry.Session.ID(), stored.ID())
	assert.Len(t, stored.Messages(), 1)
}

func TestSendMessage_TurnLimit(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("Hi Ada.").AddResponse("Tell me more.").AddResponse("Phase: wrap_up. That concludes our session.")
	id := f.initiate(t, "u1").Session.ID()

	first, err := f.send("u1", id, "Honesty matters to me.")
	require.NoError(t, err)
	assert.Equal(t, "Tell me more.", first.Content)
	assert.Equal(t, 1, first.TurnCount)
	assert.Equal(t, 1, first.RemainingTurns)
	assert.False(t, first.FinalTurn)
	assert.Equal(t, 15, first.Usage.TotalTokens)

	msgs := f.mock.LastMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "Greet Ada."}, msgs[1], "the greeting's prompt opens the history")
	assert.Equal(t, provider.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hi Ada.", msgs[2].Content)
	assert.Equal(t, "Honesty matters to me.", msgs[3].Content)

	second, err := f.send("u1", id, "And growth.")
	require.NoError(t, err)
	assert.Equal(t, 2, second.TurnCount)
	assert.Equal(t, 0, second.RemainingTurns)
	assert.True(t, second.FinalTurn)
	assert.Equal(t, "wrap_up", second.Phase)
	assert.True(t, second.CompletionSuggested)
	assert.Equal(t, session.StatusActive, second.Session.Status(), "completion hints never change status")

	_, err = f.send("u1", id, "One more thing")
	var maxTurns *session.MaxTurnsReachedError
	require.ErrorAs(t, err, &maxTurns)
	assert.Equal(t, 2, maxTurns.Current)
	assert.Equal(t, 2, maxTurns.Max)
	assert.Equal(t, 3, f.mock.Calls(), "a rejected turn is not dispatched")

	s, err := f.engine.GetSession(context.Background(), id, "t1", "u1")
	require.NoError(t, err)
	assert.Len(t, s.Messages(), 5)
	assert.Equal(t, "wrap_up", s.Messages()[4].Metadata["phase"])
}

func TestSendMessage_IdleSessionStillAccepts(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("Hi Ada.").AddResponse("Good to see you again.")
	id := f.initiate(t, "u1").Session.ID()

	f.clock.Advance(60 * time.Minute)

	s, err := f.engine.GetSession(context.Background(), id, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, s.IsIdle(f.clock.Now()))

	reply, err := f.send("u1", id, "I'm back")
	require.NoError(t, err)
	assert.Equal(t, "Good to see you again.", reply.Content)

	system := f.mock.LastMessages()[0].Content
	assert.True(t, strings.HasPrefix(system, "Welcome Ada back.\n\nYou coach Ada"), system)
	assert.False(t, reply.Session.IsIdle(f.clock.Now()))
}

func TestSendMessage_IdleSessionSurvivesSweep(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("Hi Ada.").AddResponse("Welcome back.")
	id := f.initiate(t, "u1").Session.ID()

	f.clock.Advance(60 * time.Minute)

	sw, err := sweeper.New(f.store, sweeper.Config{}, sweeper.WithClock(f.clock))
	require.NoError(t, err)
	report, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Abandoned+report.Expired)

	reply, err := f.send("u1", id, "I'm back")
	require.NoError(t, err)
	assert.Equal(t, "Welcome back.", reply.Content)
	assert.Equal(t, session.StatusActive, reply.Session.Status())
}

func TestSendMessage_NoResumePromptWithinWindow(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t, "u1").Session.ID()

	f.clock.Advance(5 * time.Minute)
	_, err := f.send("u1", id, "hello")
	require.NoError(t, err)
	assert.NotContains(t, f.mock.LastMessages()[0].Content, "Welcome")
}

func TestSendMessage_AccessErrors(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t, "u1").Session.ID()

	_, err := f.send("u2", id, "hi")
	var denied *session.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "u1", denied.OwnerID)
	assert.Equal(t, "u2", denied.RequesterID)

	_, err = f.send("u1", "no-such-session", "hi")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	var notFound *SessionNotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = f.engine.SendMessage(context.Background(), SendRequest{SessionID: id, TenantID: "t2", UserID: "u1", Message: "hi"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.send("u1", id, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendMessage_TimeoutLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t, WithDispatchTimeout(20*time.Millisecond))
	f.mock.Hook = func(ctx context.Context, call int) error {
		if call == 0 {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
	id := f.initiate(t, "u1").Session.ID()

	_, err := f.send("u1", id, "hello?")
	var timeout *ProviderTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, timeout.Retryable())
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "openai", timeout.Provider)

	s, err := f.engine.GetSession(context.Background(), id, "t1", "u1")
	require.NoError(t, err)
	assert.Len(t, s.Messages(), 1)
	assert.Equal(t, 0, s.TurnCount())
}

func TestSendMessage_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("Hi").AddError(provider.NewProviderError("openai", provider.ErrorCodeAuthentication, "bad key", nil))
	id := f.initiate(t, "u1").Session.ID()

	_, err := f.send("u1", id, "hello")
	var failure *ProviderFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, provider.ErrorCodeAuthentication, failure.Code)
	assert.False(t, IsRetryable(err))
}

func TestSendMessage_RateLimited(t *testing.T) {
	f := newFixture(t, WithRateLimiter(security.NewRateLimiter(0.001, 1)))
	id := f.initiate(t, "u1").Session.ID()

	_, err := f.send("u1", id, "hello")
	var failure *ProviderFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, CodeRateLimited, failure.Code)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, f.mock.Calls())
}

func TestSendMessage_ReplaysAfterLostRace(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("Hi").AddResponse("Noted.")
	id := f.initiate(t, "u1").Session.ID()

	f.store.setRaces(1)
	reply, err := f.send("u1", id, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, reply.TurnCount)
	assert.Len(t, reply.Session.Messages(), 3)
	assert.Equal(t, 2, f.mock.Calls(), "replay does not dispatch again")
}

func TestSendMessage_SecondLostRace(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t, "u1").Session.ID()

	f.store.setRaces(2)
	_, err := f.send("u1", id, "hello")
	var conflict *ConcurrentModificationError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, id, conflict.SessionID)
	assert.ErrorIs(t, err, session.ErrVersionConflict)
	assert.True(t, IsRetryable(err))
}

func TestComplete_ExtractsResult(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("Hi Ada.").AddResponse("Why honesty?").AddResponse(`{"values": ["honesty", "growth"]}`)
	id := f.initiate(t, "u1").Session.ID()
	_, err := f.send("u1", id, "Honesty")
	require.NoError(t, err)

	res, err := f.engine.Complete(context.Background(), id, "t1", "u1")
	require.NoError(t, err)

	assert.False(t, res.Fallback)
	assert.Equal(t, parser.StrategyDirect, res.Strategy)
	assert.Equal(t, []any{"honesty", "growth"}, res.Result["values"])
	assert.Equal(t, session.StatusCompleted, res.Session.Status())
	assert.Equal(t, "gpt-4o-mini", res.Session.ExtractionModel())
	assert.Equal(t, []any{"honesty", "growth"}, res.Session.ExtractedResult()["values"])
	_, ok := res.Session.CompletedAt()
	assert.True(t, ok)

	require.Len(t, f.mock.StructuredCalls, 1)
	call := f.mock.StructuredCalls[0]
	assert.Equal(t, "core_valuesExtraction", call.SchemaName)
	assert.Contains(t, call.Messages[0].Content, "List the core values Ada named.")
	assert.Contains(t, call.Messages[0].Content, "## Response format")
	assert.Equal(t, "Coach: Hi Ada.\n\nUser: Honesty\n\nCoach: Why honesty?", call.Messages[1].Content)

	_, err = f.engine.ActiveSession(context.Background(), "t1", "core_values", "u1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestComplete_KeepsRawResponse(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("Hi").AddResponse("I could not produce a summary.")
	id := f.initiate(t, "u1").Session.ID()

	res, err := f.engine.Complete(context.Background(), id, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, parser.StrategyFallback, res.Strategy)
	assert.Equal(t, map[string]any{RawResponseKey: "I could not produce a summary."}, res.Result)
	assert.Equal(t, session.StatusCompleted, res.Session.Status())
}

func TestLifecycle_PauseResumeCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.initiate(t, "u1").Session.ID()

	s, err := f.engine.Pause(ctx, id, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, s.Status())

	_, err = f.send("u1", id, "hello")
	var notActive *session.NotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, session.StatusPaused, notActive.Status)

	_, err = f.engine.Pause(ctx, id, "t1", "u1")
	var transition *session.TransitionError
	require.ErrorAs(t, err, &transition)

	s, err = f.engine.Resume(ctx, id, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status())

	s, err = f.engine.Cancel(ctx, id, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, s.Status())

	_, err = f.engine.Complete(ctx, id, "t1", "u1")
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "complete", transition.Op)

	_, err = f.engine.Cancel(ctx, id, "t1", "u2")
	var denied *session.AccessDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestExecuteSingleShot_FencedJSON(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse("```json\n{\"result\":\"ok\"}\n```")

	res, err := f.engine.ExecuteSingleShot(context.Background(), "goal_check",
		map[string]any{"goal": "run 5k", "tenant_id": "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, parser.StrategyFenced, res.Strategy)
	assert.Equal(t, map[string]any{"result": "ok"}, res.Data)

	require.Len(t, f.mock.StructuredCalls, 1)
	msgs := f.mock.StructuredCalls[0].Messages
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "Assess whether the goal is specific.")
	assert.Contains(t, msgs[0].Content, `"result"`)
	assert.Equal(t, "Goal: run 5k", msgs[1].Content)
}

type goalAssessment struct {
	Result string `json:"result"`
}

func TestExecute_Typed(t *testing.T) {
	f := newFixture(t)
	f.mock.AddResponse(`{"result": "specific"}`)

	out, err := Execute[goalAssessment](context.Background(), f.engine, "goal_check", map[string]any{"goal": "run 5k"})
	require.NoError(t, err)
	assert.Equal(t, "specific", out.Result)
	assert.Equal(t, "goalAssessment", f.mock.StructuredCalls[0].SchemaName)
}

func TestExecuteSingleShot_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ExecuteSingleShot(ctx, "goal_check", nil, nil)
	var invalid *ParameterValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"goal"}, invalid.Missing)

	_, err = f.engine.ExecuteSingleShot(ctx, "nope", nil, nil)
	var notFound *TopicNotFoundError
	require.ErrorAs(t, err, &notFound)

	scored := &schema.Schema{
		Type:       "object",
		Properties: map[string]*schema.Schema{"score": {Type: "integer"}},
		Required:   []string{"score"},
	}
	f.mock.AddResponse("no json here")
	_, err = f.engine.ExecuteSingleShot(ctx, "goal_check", map[string]any{"goal": "x"}, scored)
	var serr *parser.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "goal_check", serr.TopicID)
}

func TestExecuteSingleShot_MissingSystemPrompt(t *testing.T) {
	catalog, err := topic.NewCatalog(&topic.Topic{ID: "bare", Active: true, Model: "openai:gpt-4o-mini"})
	require.NoError(t, err)
	backend, err := session.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	e, err := New(backend, catalog, catalog, provider.NewDispatcher(provider.NewMockProvider("openai")))
	require.NoError(t, err)

	_, err = e.ExecuteSingleShot(context.Background(), "bare", nil, nil)
	var renderErr *prompt.RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, "system", renderErr.PromptType)
}

func TestDispatch_UnknownProvider(t *testing.T) {
	catalog, err := topic.NewCatalog(&topic.Topic{
		ID:      "claude_topic",
		Active:  true,
		Model:   "anthropic:claude-3-5-haiku-latest",
		Prompts: map[topic.PromptType]string{topic.PromptSystem: "Coach."},
	})
	require.NoError(t, err)
	backend, err := session.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	e, err := New(backend, catalog, catalog, provider.NewDispatcher(provider.NewMockProvider("openai")))
	require.NoError(t, err)

	_, err = e.ExecuteSingleShot(context.Background(), "claude_topic", nil, nil)
	var failure *ProviderFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, CodeProviderUnavailable, failure.Code)
}

func TestClassifyDispatchError_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classifyDispatchError(ctx, "openai", "gpt-4o", context.Canceled)
	var failure *ProviderFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, CodeCancelled, failure.Code)
	assert.False(t, IsRetryable(err))

	err = classifyDispatchError(context.Background(), "openai", "gpt-4o", errors.New("boom"))
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, provider.ErrorCodeUnknown, failure.Code)
}
