package policy

import (
	"fmt"

	"github.com/agentlane/agentlane/pkg/domain"
)

const (
	// Score starts at maxScore and decays per violation.
	maxScore    = 100
	hardPenalty = 25
	softPenalty = 15

	violationRoleDenied      = "role_denied"
	violationRoleNotAllowed  = "role_not_allowed"
	violationToolAccess      = "tool_access_denied"
	violationDocumentAccess  = "document_access_denied"
	violationActionDenied    = "action_denied"
	violationActionNotListed = "action_not_allowed"
	violationBudget          = "budget_exceeds_limit"
	violationMaxTokens       = "max_tokens_exceeds_limit"
)

// Result is the outcome of evaluating one agent spec against one rule set.
type Result struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations"`
	Score      int      `json:"score"`
}

// Evaluate maps (spec, rule) to a compliance result. Pure: no I/O, no
// clock, so it is reusable in tests and in revalidation batches, and a
// retry against the same snapshot is always safe.
//
// Role, tool-access, document-access, and action mismatches are hard
// violations and flip Compliant. Budget and max-token overruns are soft
// penalties that only lower the score. Denied-role membership overrides
// allowed-role membership. Score clamps to [0,100].
func Evaluate(spec domain.AgentSpec, rule domain.PolicyRule) Result {
	res := Result{Compliant: true, Violations: []string{}, Score: maxScore}

	hard := func(code, detail string) {
		res.Compliant = false
		res.Score -= hardPenalty
		res.Violations = append(res.Violations, fmt.Sprintf("%s: %s", code, detail))
	}
	soft := func(code, detail string) {
		res.Score -= softPenalty
		res.Violations = append(res.Violations, fmt.Sprintf("%s: %s", code, detail))
	}

	// Deny wins: a role present in both lists is still denied.
	switch {
	case contains(rule.DeniedRoles, spec.RoleClass):
		hard(violationRoleDenied, spec.RoleClass)
	case len(rule.AllowedRoles) > 0 && !contains(rule.AllowedRoles, spec.RoleClass):
		hard(violationRoleNotAllowed, spec.RoleClass)
	}

	if rule.AllowToolAccess != nil && !*rule.AllowToolAccess && spec.HasToolAccess {
		hard(violationToolAccess, "agent has tool access but policy forbids it")
	}
	if rule.AllowDocumentAccess != nil && !*rule.AllowDocumentAccess && spec.HasDocumentAccess {
		hard(violationDocumentAccess, "agent has document access but policy forbids it")
	}

	for _, tool := range spec.AllowedTools {
		if contains(rule.DeniedActions, tool) {
			hard(violationActionDenied, tool)
			continue
		}
		if len(rule.AllowedActions) > 0 && !contains(rule.AllowedActions, tool) {
			hard(violationActionNotListed, tool)
		}
	}

	if rule.MaxBudget != nil && spec.Budget > *rule.MaxBudget {
		soft(violationBudget, fmt.Sprintf("%.2f > %.2f", spec.Budget, *rule.MaxBudget))
	}
	if rule.MaxTokensPerRequest != nil && spec.MaxTokensPerRequest > *rule.MaxTokensPerRequest {
		soft(violationMaxTokens, fmt.Sprintf("%d > %d", spec.MaxTokensPerRequest, *rule.MaxTokensPerRequest))
	}

	if res.Score < 0 {
		res.Score = 0
	}
	if res.Score > maxScore {
		res.Score = maxScore
	}
	return res
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
