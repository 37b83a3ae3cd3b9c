package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
)

// suggestionQueueSize bounds the pending suggestion work. The queue drops
// the oldest entry under pressure; suggestions are advisory.
const suggestionQueueSize = 16

type suggestionJob struct {
	clientID string
	query    string
	answer   string
}

// enqueueSuggestion hands a completed exchange to the suggestion worker
// without ever blocking the caller.
func (o *Orchestrator) enqueueSuggestion(job suggestionJob) {
	for {
		select {
		case o.suggestionQueue <- job:
			return
		default:
		}
		select {
		case <-o.suggestionQueue:
			o.logger.Debug("suggestion queue full, dropping oldest")
		default:
		}
	}
}

// suggestionWorker turns completed exchanges into follow-up suggestions.
func (o *Orchestrator) suggestionWorker(ctx context.Context) {
	defer close(o.suggestionsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-o.suggestionQueue:
			if !ok {
				return
			}
			o.generateSuggestions(ctx, job)
		}
	}
}

func (o *Orchestrator) generateSuggestions(ctx context.Context, job suggestionJob) {
	prompt := fmt.Sprintf(
		"The user asked: %s\nThey received: %s\n\n"+
			"Suggest up to three short follow-up questions the user might ask next. "+
			"Respond with a JSON array of strings only.",
		job.query, job.answer)

	raw, err := o.oracle.Plan(ctx, prompt)
	if err != nil {
		o.logger.Debug("suggestion generation failed", "client_id", job.clientID, "error", err)
		return
	}
	var suggestions []string
	if err := json.Unmarshal([]byte(oracle.ExtractJSON(raw)), &suggestions); err != nil || len(suggestions) == 0 {
		return
	}

	if err := o.bus.Publish(models.Event{
		Type:     models.EventSuggestionsGenerated,
		Priority: models.PriorityLow,
		Source:   "orchestrator",
		Payload: map[string]any{
			"client_id":   job.clientID,
			"suggestions": suggestions,
		},
	}); err != nil {
		o.logger.Debug("failed to publish suggestions", "client_id", job.clientID, "error", err)
	}
}
