package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/coachflow/internal/llm/schema"
)

type feedback struct {
	Summary string   `json:"summary"`
	Score   int      `json:"score"`
	Tags    []string `json:"tags,omitempty"`
}

type freeText struct {
	Response string `json:"response"`
}

func quietParser() *ResponseParser {
	return &ResponseParser{}
}

func TestParse_StrategyOrder(t *testing.T) {
	target := schema.For[feedback]()

	tests := []struct {
		name     string
		raw      string
		strategy Strategy
		summary  string
	}{
		{
			name:     "direct",
			raw:      `  {"summary":"clear goals","score":4}  `,
			strategy: StrategyDirect,
			summary:  "clear goals",
		},
		{
			name:     "fenced with language tag",
			raw:      "Here is the result:\n```json\n{\"summary\":\"fenced\",\"score\":3}\n```\nThanks!",
			strategy: StrategyFenced,
			summary:  "fenced",
		},
		{
			name:     "fenced without language tag",
			raw:      "```\n{\"summary\":\"bare fence\",\"score\":2}\n```",
			strategy: StrategyFenced,
			summary:  "bare fence",
		},
		{
			name:     "embedded object",
			raw:      `Sure! {"summary":"inline {braces} in string","score":5} Hope that helps.`,
			strategy: StrategyFenced,
			summary:  "inline {braces} in string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := quietParser().Parse("topic-1", tt.raw, target)
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, tt.summary, res.Object()["summary"])
			assert.Equal(t, tt.raw, res.Raw)
		})
	}
}

func TestParse_FenceShadowsProseObject(t *testing.T) {
	// With a fence present only its content is a candidate.
	raw := "```\nnot json\n```\n{\"summary\":\"after\",\"score\":1}"
	_, err := quietParser().Parse("topic-1", raw, schema.For[feedback]())
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, string(StrategyFenced))
}

func TestParse_Coercion(t *testing.T) {
	res, err := quietParser().Parse("topic-1", "You did great today. Keep going!", schema.For[freeText]())
	require.NoError(t, err)
	assert.Equal(t, StrategyCoercion, res.Strategy)
	assert.Equal(t, "You did great today. Keep going!", res.Object()["response"])
}

func TestParse_SerializationError(t *testing.T) {
	raw := strings.Repeat("no json here ", 100)
	_, err := quietParser().Parse("topic-9", raw, schema.For[feedback]())

	var serr *SerializationError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "topic-9", serr.TopicID)
	assert.Equal(t, "feedback", serr.TargetType)
	assert.NotEmpty(t, serr.Reason)
	assert.LessOrEqual(t, len(serr.Excerpt), maxExcerpt)
	assert.True(t, strings.HasPrefix(raw, serr.Excerpt))
}

func TestParse_SchemaMismatchFails(t *testing.T) {
	// Valid JSON with the wrong shape does not win.
	_, err := quietParser().Parse("t", `{"summary": 7}`, schema.For[feedback]())
	var serr *SerializationError
	assert.True(t, errors.As(err, &serr))
}

func TestParse_Empty(t *testing.T) {
	_, err := quietParser().Parse("t", "   ", schema.For[feedback]())
	var serr *SerializationError
	assert.True(t, errors.As(err, &serr))
}

func TestParse_NilTarget(t *testing.T) {
	res, err := quietParser().Parse("t", `{"anything": true}`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Object()["anything"])

	_, err = quietParser().Parse("t", `[1,2]`, nil)
	assert.Error(t, err)
}

func TestParse_LogsFailures(t *testing.T) {
	var lines []string
	p := &ResponseParser{logf: func(format string, args ...any) {
		lines = append(lines, format)
	}}
	_, err := p.Parse("t", "```json\n{\"summary\":\"x\",\"score\":1}\n```", schema.For[feedback]())
	require.NoError(t, err)
	assert.Len(t, lines, 1, "only the direct strategy should have failed")
}

func TestDecode(t *testing.T) {
	out, strategy, err := Decode[feedback](quietParser(), "t", "```json\n{\"summary\":\"typed\",\"score\":2,\"tags\":[\"a\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, StrategyFenced, strategy)
	assert.Equal(t, feedback{Summary: "typed", Score: 2, Tags: []string{"a"}}, *out)
}

func TestExcerpt_RuneBoundary(t *testing.T) {
	raw := strings.Repeat("a", maxExcerpt-1) + "é" + "tail"
	got := excerpt(raw)
	assert.LessOrEqual(t, len(got), maxExcerpt)
	assert.True(t, strings.HasPrefix(raw, got))
	assert.Equal(t, maxExcerpt-1, len(got))
}

func TestParseConversation(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		phase    string
		complete bool
	}{
		{"plain", "What would you like to focus on?", "", false},
		{"phase marker", "Phase: Exploration\nTell me more.", "exploration", false},
		{"lower-case marker", "phase:   wrapup", "wrapup", false},
		{"completion phrase", "Great work. That concludes today's session.", "", true},
		{"both", "PHASE: closing. Conversation complete!", "closing", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := ParseConversation(tt.raw)
			assert.Equal(t, tt.phase, sig.Phase)
			assert.Equal(t, tt.complete, sig.Complete)
			assert.Equal(t, strings.TrimSpace(tt.raw), sig.Content)
		})
	}
}
