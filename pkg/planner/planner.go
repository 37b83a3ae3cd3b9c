// Package planner decomposes a query into an executable step DAG, either by
// recognizing a handful of trivial query shapes directly or by asking the
// language oracle for a plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/registry"
)

// stepBudget is the nominal per-level duration used for the plan estimate.
const stepBudget = time.Second

// PlanContext carries the conversational surroundings of a query into the
// planning prompt.
type PlanContext struct {
	History  []models.ConversationMessage
	Memories []string
}

// Planner builds and revises execution plans.
type Planner struct {
	registry *registry.Registry
	oracle   oracle.Oracle
	clock    models.Clock
	logger   *slog.Logger
}

// New creates a planner. A nil clock selects the system clock.
func New(reg *registry.Registry, o oracle.Oracle, clock models.Clock, logger *slog.Logger) *Planner {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Planner{registry: reg, oracle: o, clock: clock, logger: logger}
}

// CreatePlan decomposes the query. Trivial queries short-circuit to a
// single-step plan; everything else goes through the oracle.
func (p *Planner) CreatePlan(ctx context.Context, query string, pc PlanContext) (*models.ExecutionPlan, error) {
	if steps := p.fastTrack(query); steps != nil {
		return p.assemble(query, steps)
	}

	raw, err := p.oracle.Plan(ctx, p.buildPrompt(query, pc))
	if err != nil {
		return nil, err
	}
	steps, err := p.parseSteps(raw)
	if err != nil {
		return nil, err
	}
	return p.assemble(query, steps)
}

// Revise re-plans mid-execution after a context update. The oracle answers
// with a cancel verdict (nil return), a continue verdict (original plan), or
// replacement steps for the residual graph (fresh plan). Oracle or parse
// failures keep the original plan; a failure never cancels work.
func (p *Planner) Revise(ctx context.Context, plan *models.ExecutionPlan,
	contextMessage string, completedIDs []string) *models.ExecutionPlan {

	raw, err := p.oracle.Plan(ctx, p.buildRevisionPrompt(plan, contextMessage, completedIDs))
	if err != nil {
		p.logger.Warn("revision consult failed, keeping plan",
			"plan_id", plan.ID, "error", err)
		return plan
	}

	var verdict struct {
		Action string    `json:"action"`
		Steps  []rawStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(oracle.ExtractJSON(raw)), &verdict); err != nil {
		p.logger.Warn("unparseable revision verdict, keeping plan",
			"plan_id", plan.ID, "error", err)
		return plan
	}

	switch {
	case verdict.Action == "cancel":
		return nil
	case len(verdict.Steps) == 0:
		return plan
	}

	revised, err := p.assemble(
		fmt.Sprintf("%s (revised: %s)", plan.Query, contextMessage),
		p.materialize(verdict.Steps))
	if err != nil {
		p.logger.Warn("revised plan invalid, keeping original",
			"plan_id", plan.ID, "error", err)
		return plan
	}
	return revised
}

// assemble finishes a plan: id, validation, duration estimate, permission
// disjunction.
func (p *Planner) assemble(query string, steps []models.ExecutionStep) (*models.ExecutionPlan, error) {
	plan := &models.ExecutionPlan{
		ID:        uuid.NewString(),
		Query:     query,
		Steps:     steps,
		CreatedAt: p.clock.Now(),
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	plan.EstimatedTotalDuration = time.Duration(plan.CriticalPathDepth()+1) * stepBudget
	for _, s := range steps {
		if s.RequiresPermission {
			plan.RequiresUserPermission = true
			break
		}
	}
	return plan, nil
}

// rawStep is the oracle's step shape before defaults are applied.
type rawStep struct {
	ID                 string         `json:"id"`
	ToolName           string         `json:"toolName"`
	Description        string         `json:"description"`
	Parameters         map[string]any `json:"parameters"`
	Dependencies       []string       `json:"dependencies"`
	RequiresPermission *bool          `json:"requiresPermission"`
	Parallelizable     *bool          `json:"parallelizable"`
}

// parseSteps extracts the steps array from a completion, tolerating fenced
// code blocks, a bare array, or an object with a steps field.
func (p *Planner) parseSteps(raw string) ([]models.ExecutionStep, error) {
	payload := oracle.ExtractJSON(raw)

	var steps []rawStep
	if err := json.Unmarshal([]byte(payload), &steps); err != nil {
		var wrapper struct {
			Steps []rawStep `json:"steps"`
		}
		if err := json.Unmarshal([]byte(payload), &wrapper); err != nil {
			return nil, &models.PlanParseError{Err: fmt.Errorf("no steps array in %q: %w", raw, err)}
		}
		steps = wrapper.Steps
	}
	if len(steps) == 0 {
		return nil, &models.PlanParseError{Err: fmt.Errorf("empty plan")}
	}
	return p.materialize(steps), nil
}

// materialize applies step defaults and the memory auto-approval rule.
func (p *Planner) materialize(raw []rawStep) []models.ExecutionStep {
	steps := make([]models.ExecutionStep, 0, len(raw))
	for i, r := range raw {
		step := models.ExecutionStep{
			ID:             r.ID,
			ToolName:       r.ToolName,
			Description:    r.Description,
			Parameters:     r.Parameters,
			DependsOn:      r.Dependencies,
			Parallelizable: true,
		}
		if step.ID == "" {
			step.ID = "step_" + strconv.Itoa(i+1)
		}
		if step.Parameters == nil {
			step.Parameters = map[string]any{}
		}
		if step.DependsOn == nil {
			step.DependsOn = []string{}
		}
		if r.RequiresPermission != nil {
			step.RequiresPermission = *r.RequiresPermission
		} else if tool, ok := p.registry.Get(step.ToolName); ok {
			// Oracle was silent: fall back on the tool's capability tags.
			step.RequiresPermission = stateChanging(tool)
		}
		if r.Parallelizable != nil {
			step.Parallelizable = *r.Parallelizable
		}
		// Memory writes stay frictionless whatever the oracle says.
		if tool, ok := p.registry.Get(step.ToolName); ok && tool.Category() == models.CategoryMemory {
			step.RequiresPermission = false
		}
		steps = append(steps, step)
	}
	return steps
}

func stateChanging(t models.Tool) bool {
	for _, c := range t.Capabilities() {
		if c == models.CapabilityStateChanging {
			return true
		}
	}
	return false
}

func (p *Planner) buildPrompt(query string, pc PlanContext) string {
	var b strings.Builder
	b.WriteString("Decompose the user's request into tool invocation steps.\n\n")

	if len(pc.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range pc.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	if len(pc.Memories) > 0 {
		b.WriteString("Relevant remembered context:\n")
		for _, m := range pc.Memories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
		b.WriteString("\n")
	}

	b.WriteString("Available tools:\n")
	for _, info := range p.registry.List() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", info.Name, info.Category, info.Description)
		for _, param := range info.Parameters {
			required := "optional"
			if param.Required {
				required = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s): %s\n", param.Name, param.Type, required, param.Description)
		}
		if len(info.Capabilities) > 0 {
			fmt.Fprintf(&b, "    capabilities: %s\n", strings.Join(info.Capabilities, ", "))
		}
	}

	fmt.Fprintf(&b, "\nRequest: %s\n\n", query)
	b.WriteString(`Respond with a JSON object {"steps": [...]}. Each step has:
"id", "toolName", "description", "parameters" (object), "dependencies" (array of step ids),
"requiresPermission" (bool), "parallelizable" (bool). Steps with no ordering constraint
should be parallelizable with empty dependencies. Do not invent tools.`)
	return b.String()
}

func (p *Planner) buildRevisionPrompt(plan *models.ExecutionPlan, contextMessage string, completedIDs []string) string {
	completed := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "An in-flight plan for the request %q received new input from the user:\n%s\n\n",
		plan.Query, contextMessage)

	b.WriteString("Steps already completed:\n")
	for _, s := range plan.Steps {
		if completed[s.ID] {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", s.ID, s.Description, s.ToolName)
		}
	}
	b.WriteString("\nSteps not yet run:\n")
	for _, s := range plan.Steps {
		if !completed[s.ID] {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", s.ID, s.Description, s.ToolName)
		}
	}

	b.WriteString(`
Decide how to proceed. Respond with one JSON object:
{"action": "cancel"} to abandon the remaining work,
{"action": "continue"} to keep the current plan, or
{"action": "revise", "steps": [...]} with a replacement for the steps not yet run
(same step schema as planning).`)
	return b.String()
}
