package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
)

// OpenAIOracle implements Oracle against an OpenAI-compatible chat
// completion endpoint. Calls run through a circuit breaker so a flapping
// provider trips fast instead of stalling every caller.
type OpenAIOracle struct {
	client  *openai.Client
	model   string
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewOpenAIOracle builds an oracle from the runtime config.
func NewOpenAIOracle(cfg *config.OracleConfig, m *metrics.Metrics, logger *slog.Logger) *OpenAIOracle {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("oracle breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})

	return &OpenAIOracle{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

func (o *OpenAIOracle) countCall(op, result string) {
	if o.metrics != nil {
		o.metrics.OracleCalls.WithLabelValues(op, result).Inc()
	}
}

const classifySystemPrompt = `You classify user messages against a catalog of tools.
Respond with a single JSON object: {"tool": "<name or none>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}.
Pick "none" when no tool fits. Do not add any other text.`

// Classify picks the best tool for a message.
func (o *OpenAIOracle) Classify(ctx context.Context, message string, tools []ToolOption) (*Classification, error) {
	var catalog strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&catalog, "- %s: %s\n", t.Name, t.Description)
	}

	content, err := o.complete(ctx, "classify", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
			"Tools:\n%s\nMessage: %s", catalog.String(), message)},
	})
	if err != nil {
		return nil, err
	}

	var result Classification
	if err := json.Unmarshal([]byte(ExtractJSON(content)), &result); err != nil {
		return nil, &models.OracleError{Op: "classify",
			Err: fmt.Errorf("unparseable classification %q: %w", content, err)}
	}
	return &result, nil
}

// Plan sends a pre-rendered planning prompt and returns the completion.
func (o *OpenAIOracle) Plan(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, "plan", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
}

// Synthesize turns step outcomes into one answer.
func (o *OpenAIOracle) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "The user asked: %s\n\n", req.Query)
	if len(req.Successes) > 0 {
		b.WriteString("Gathered results:\n")
		for _, s := range req.Successes {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(req.Failures) > 0 {
		b.WriteString("\nSome lookups failed:\n")
		for _, f := range req.Failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nWrite one coherent answer for the user. Acknowledge failures briefly without technical detail.")

	return o.complete(ctx, "synthesize", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: b.String()},
	})
}

// Stream produces the reply incrementally over a channel.
func (o *OpenAIOracle) Stream(ctx context.Context, message string, history []models.ConversationMessage) (<-chan string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: message,
	})

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	})
	if err != nil {
		o.countCall("stream", "error")
		return nil, &models.OracleError{Op: "stream", Err: err}
	}
	o.countCall("stream", "ok")

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				o.logger.Error("oracle stream interrupted", "error", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Probe performs a one-token round trip.
func (o *OpenAIOracle) Probe(ctx context.Context) error {
	_, err := o.complete(ctx, "probe", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "ping"},
	})
	return err
}

// complete runs one non-streaming chat completion through the breaker.
// Temperature is pinned to zero: classification and planning need stable
// output, not creativity.
func (o *OpenAIOracle) complete(ctx context.Context, op string, msgs []openai.ChatCompletionMessage) (string, error) {
	result, err := o.breaker.Execute(func() (any, error) {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       o.model,
			Messages:    msgs,
			Temperature: 0,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("empty completion")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		o.countCall(op, "error")
		return "", &models.OracleError{Op: op, Err: err}
	}
	o.countCall(op, "ok")
	return result.(string), nil
}

// ExtractJSON strips markdown fences and surrounding prose so a completion
// like "```json\n{...}\n```" parses cleanly.
func ExtractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return s
	}
	return s[start : end+1]
}
