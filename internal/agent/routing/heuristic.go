package routing

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

var (
	criticalRegex = regexp.MustCompile(`(?i)\b(sev1|sev0|p0|p1|outage|down|breach|data loss|critical)\b`)
	codeRegex     = regexp.MustCompile(`(?i)\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE)\b`)
	reasonRegex   = regexp.MustCompile(`(?i)\b(analyze|root cause|reason|think through|derive|prove|why|tradeoff|postmortem)\b`)
	quickRegex    = regexp.MustCompile(`(?i)\b(what is|define|quick|brief|status|summary)\b`)
	markdownCode  = regexp.MustCompile("```")
)

// HeuristicClassifier tags a request using lexical pattern matching over
// the last user turn. It is the seam SPEC_FULL's routing section calls
// out as swappable for a model-driven classifier later: any type
// implementing Classifier can replace it without touching Router.
type HeuristicClassifier struct{}

// Classify returns the tags that apply to req's most recent user turn.
// "critical" takes priority in rule matching (a caller wiring Rules
// should route it to the most capable configured model); "code" and
// "reasoning" favor a model with strong tool-use and long-context
// performance; "quick" favors the cheapest/fastest model.
func (c *HeuristicClassifier) Classify(req *agent.CompletionRequest) []string {
	content := strings.TrimSpace(lastUserContent(req))
	if content == "" {
		return nil
	}
	lower := strings.ToLower(content)

	var tags []string
	if criticalRegex.MatchString(lower) {
		tags = append(tags, "critical")
	}
	if markdownCode.MatchString(lower) || codeRegex.MatchString(lower) {
		tags = append(tags, "code")
	}
	if reasonRegex.MatchString(lower) {
		tags = append(tags, "reasoning")
	}
	if quickRegex.MatchString(lower) || len(lower) < 80 {
		tags = append(tags, "quick")
	}

	return tags
}
