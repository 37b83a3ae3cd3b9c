package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// Meta-queries introspect the runtime itself and are answered locally,
// without consulting the oracle.
var metaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhat\s+can\s+you\s+do\b`),
	regexp.MustCompile(`(?i)\b(?:list|show)\s+(?:your\s+)?(?:tools|capabilities|plugins)\b`),
	regexp.MustCompile(`(?i)\bwhat\s+(?:tools|capabilities)\s+do\s+you\s+have\b`),
	regexp.MustCompile(`(?i)\b(?:system|service)?\s*(?:status|health)\s*(?:check|report)?\s*[?.!]*$`),
	regexp.MustCompile(`(?i)\bhow\s+are\s+you\s+(?:doing|running|holding\s+up)\b`),
}

func isMetaQuery(message string) bool {
	for _, p := range metaPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}

// answerMetaQuery renders capabilities and health from live state.
func (o *Orchestrator) answerMetaQuery(clientID string) string {
	var b strings.Builder

	infos := o.registry.List()
	fmt.Fprintf(&b, "I have %d tools available:\n", len(infos))
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s: %s\n", info.Name, info.Description)
	}

	fmt.Fprintf(&b, "\nOverall health: %s.", string(o.recovery.OverallHealth()))
	if active := o.tasks.ActiveTasks(clientID); len(active) > 0 {
		fmt.Fprintf(&b, " You have %d task(s) in flight.", len(active))
	}
	return b.String()
}
