package parser

import (
	"regexp"
	"strings"
)

// ConversationSignals are hints read from a conversational reply. They are
// informational only and never change session state.
type ConversationSignals struct {
	Content string `json:"content"`
	// Phase is the lower-cased word after "Phase:", if present.
	Phase string `json:"phase,omitempty"`
	// Complete is set when the reply reads like a closing message.
	Complete bool `json:"complete"`
}

var phaseRe = regexp.MustCompile(`(?i)\bphase:\s*(\w+)`)

// completionPhrases are matched case-insensitively anywhere in the reply.
var completionPhrases = []string{
	"conversation complete",
	"that concludes",
	"this concludes our",
	"session complete",
	"we have completed",
}

// ParseConversation extracts phase and completion hints from a reply.
func ParseConversation(raw string) ConversationSignals {
	sig := ConversationSignals{Content: strings.TrimSpace(raw)}

	if m := phaseRe.FindStringSubmatch(raw); m != nil {
		sig.Phase = strings.ToLower(m[1])
	}

	lower := strings.ToLower(raw)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			sig.Complete = true
			break
		}
	}
	return sig
}
