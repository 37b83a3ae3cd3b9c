package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aide-run/aide/pkg/models"
)

// Fast-track families: query shapes so common that a round trip to the
// oracle is wasted on them. Each produces a single sequential step with
// parameters pulled out by regex.
var (
	weatherPattern  = regexp.MustCompile(`(?i)\bweather\b`)
	weatherLocation = regexp.MustCompile(`(?i)\b(?:in|for|at)\s+([a-zA-Z][a-zA-Z .'-]*?)\s*[?.!]*$`)

	newsPattern = regexp.MustCompile(`(?i)\b(?:news|headlines)\b`)
	newsCount   = regexp.MustCompile(`(?i)\b(?:latest|top|first)\s+(\d{1,2})\b`)

	arithmeticPattern = regexp.MustCompile(`(?i)^\s*(?:what\s+is\s+|what's\s+|calculate\s+|compute\s+)?` +
		`(-?\d+(?:\.\d+)?)\s*([-+*/x×])\s*(-?\d+(?:\.\d+)?)\s*[?.!=]*\s*$`)
)

const (
	weatherTool    = "weather"
	newsTool       = "news"
	calculatorTool = "calculator"
)

// fastTrack returns a single-step plan body when the query matches a
// built-in family and the matching tool is registered, else nil.
func (p *Planner) fastTrack(query string) []models.ExecutionStep {
	if m := arithmeticPattern.FindStringSubmatch(query); m != nil {
		if _, ok := p.registry.Get(calculatorTool); ok {
			op := m[2]
			if op == "x" || op == "×" {
				op = "*"
			}
			return []models.ExecutionStep{fastStep(calculatorTool, "Evaluate the arithmetic expression",
				map[string]any{"expression": m[1] + " " + op + " " + m[3]})}
		}
	}

	weatherHit := weatherPattern.MatchString(query)
	newsHit := newsPattern.MatchString(query)
	if weatherHit && newsHit {
		// Compound request, needs a real plan.
		return nil
	}

	if weatherHit {
		if _, ok := p.registry.Get(weatherTool); ok {
			params := map[string]any{}
			if m := weatherLocation.FindStringSubmatch(query); m != nil {
				params["location"] = strings.TrimSpace(m[1])
			}
			return []models.ExecutionStep{fastStep(weatherTool, "Fetch the current weather", params)}
		}
	}

	if newsHit {
		if _, ok := p.registry.Get(newsTool); ok {
			params := map[string]any{}
			if m := newsCount.FindStringSubmatch(query); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil {
					params["count"] = n
				}
			}
			return []models.ExecutionStep{fastStep(newsTool, "Fetch the latest news headlines", params)}
		}
	}

	return nil
}

func fastStep(tool, description string, params map[string]any) models.ExecutionStep {
	return models.ExecutionStep{
		ID:             "step_1",
		ToolName:       tool,
		Description:    description,
		Parameters:     params,
		DependsOn:      []string{},
		Parallelizable: false,
	}
}
