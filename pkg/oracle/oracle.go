// Package oracle abstracts the language model behind the narrow set of
// operations the runtime needs: intent classification, plan generation,
// answer synthesis, and streamed conversational replies.
package oracle

import (
	"context"

	"github.com/aide-run/aide/pkg/models"
)

// ToolOption describes one tool the classifier may pick.
type ToolOption struct {
	Name        string
	Description string
}

// Classification is the oracle's intent verdict for a message.
type Classification struct {
	Tool       string  `json:"tool"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// SynthesisRequest carries step outcomes to turn into a final answer.
type SynthesisRequest struct {
	Query     string
	Successes []string
	Failures  []string
}

// Oracle is the language model port. All operations honor context
// cancellation and return *models.OracleError on provider failure.
type Oracle interface {
	// Classify picks the single best tool for a message, or none.
	Classify(ctx context.Context, message string, tools []ToolOption) (*Classification, error)

	// Plan sends a fully rendered planning prompt and returns the raw
	// completion text. Prompt construction and parsing live with the caller.
	Plan(ctx context.Context, prompt string) (string, error)

	// Synthesize turns step outcomes into one coherent answer.
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)

	// Stream produces a conversational reply incrementally. The channel is
	// closed when the reply ends or the context is cancelled.
	Stream(ctx context.Context, message string, history []models.ConversationMessage) (<-chan string, error)

	// Probe performs a minimal round trip for health checking.
	Probe(ctx context.Context) error
}
