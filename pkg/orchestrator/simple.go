package orchestrator

import (
	"context"
	"strings"

	"github.com/aide-run/aide/pkg/models"
)

// Lexical signals that a message needs orchestration rather than a plain
// conversational answer.
var (
	multiStepConnectors = []string{" and then ", " then ", " after that", " and also ", "; "}
	commandVerbs        = []string{
		"turn ", "switch ", "set ", "create ", "delete ", "remove ", "send ",
		"buy ", "order ", "schedule ", "remind ", "book ", "play ", "start ",
		"stop ", "open ", "close ", "dim ", "lock ", "unlock ",
	}
	researchVerbs = []string{
		"research", "analyze", "analyse", "compare", "investigate",
		"summarize", "summarise", "evaluate", "plan my", "figure out",
	}
)

// isSimpleQuery reports whether a message can be answered conversationally:
// no multi-step connectors, no mention of several tools, no command verbs,
// no research verbs.
func (o *Orchestrator) isSimpleQuery(message string) bool {
	lower := " " + strings.ToLower(message) + " "

	for _, c := range multiStepConnectors {
		if strings.Contains(lower, c) {
			return false
		}
	}
	for _, v := range commandVerbs {
		if strings.Contains(lower, " "+v) {
			return false
		}
	}
	for _, v := range researchVerbs {
		if strings.Contains(lower, v) {
			return false
		}
	}

	mentioned := 0
	for _, name := range o.registry.Names() {
		token := strings.ReplaceAll(name, "_", " ")
		if strings.Contains(lower, token) {
			mentioned++
		}
	}
	return mentioned < 2
}

// streamSimpleAnswer relays the oracle's reply as sentence-sized chunk
// events and returns the assembled text. The final chunk carries
// is_complete; intermediate chunks do not. No ResponseGenerated event
// follows in this mode.
func (o *Orchestrator) streamSimpleAnswer(ctx context.Context, clientID, message string) (string, error) {
	stream, err := o.oracle.Stream(ctx, message, o.history.Snapshot(clientID))
	if err != nil {
		return "", err
	}

	var full strings.Builder
	var buffer string
	for delta := range stream {
		full.WriteString(delta)
		buffer += delta
		sentences, rest := splitSentences(buffer)
		buffer = rest
		for _, s := range sentences {
			o.publishChunk(clientID, s, false)
		}
	}
	o.publishChunk(clientID, strings.TrimSpace(buffer), true)
	return full.String(), nil
}

// splitSentences cuts text at sentence terminators followed by whitespace,
// returning the complete sentences and the unterminated remainder.
func splitSentences(text string) ([]string, string) {
	var sentences []string
	start := 0
	for i := 0; i+1 < len(text); i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && isSpace(text[i+1]) {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	return sentences, text[start:]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func (o *Orchestrator) publishChunk(clientID, text string, complete bool) {
	if err := o.bus.Publish(models.Event{
		Type:     models.EventResponseChunk,
		Priority: models.PriorityUrgent,
		Source:   "orchestrator",
		Payload: map[string]any{
			"client_id":   clientID,
			"text":        text,
			"is_complete": complete,
		},
	}); err != nil {
		o.logger.Error("failed to publish response chunk", "client_id", clientID, "error", err)
	}
}
