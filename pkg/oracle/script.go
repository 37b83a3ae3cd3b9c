package oracle

import (
	"context"

	"github.com/aide-run/aide/pkg/models"
)

// ScriptOracle is a deterministic Oracle for tests and offline runs. Each
// operation delegates to an optional func field; unset fields return a
// neutral canned response.
type ScriptOracle struct {
	ClassifyFunc   func(ctx context.Context, message string, tools []ToolOption) (*Classification, error)
	PlanFunc       func(ctx context.Context, prompt string) (string, error)
	SynthesizeFunc func(ctx context.Context, req SynthesisRequest) (string, error)
	StreamFunc     func(ctx context.Context, message string, history []models.ConversationMessage) (<-chan string, error)
	ProbeFunc      func(ctx context.Context) error
}

func (s *ScriptOracle) Classify(ctx context.Context, message string, tools []ToolOption) (*Classification, error) {
	if s.ClassifyFunc != nil {
		return s.ClassifyFunc(ctx, message, tools)
	}
	return &Classification{Tool: "none", Confidence: 0}, nil
}

func (s *ScriptOracle) Plan(ctx context.Context, prompt string) (string, error) {
	if s.PlanFunc != nil {
		return s.PlanFunc(ctx, prompt)
	}
	return "[]", nil
}

func (s *ScriptOracle) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	if s.SynthesizeFunc != nil {
		return s.SynthesizeFunc(ctx, req)
	}
	return "done", nil
}

func (s *ScriptOracle) Stream(ctx context.Context, message string, history []models.ConversationMessage) (<-chan string, error) {
	if s.StreamFunc != nil {
		return s.StreamFunc(ctx, message, history)
	}
	out := make(chan string, 1)
	out <- "ok."
	close(out)
	return out, nil
}

func (s *ScriptOracle) Probe(ctx context.Context) error {
	if s.ProbeFunc != nil {
		return s.ProbeFunc(ctx)
	}
	return nil
}
