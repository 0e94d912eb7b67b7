package policy

import (
	"strings"
	"testing"

	"github.com/agentlane/agentlane/pkg/domain"
)

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

func baseSpec() domain.AgentSpec {
	return domain.AgentSpec{
		AgentID:     "agt_1",
		WorkspaceID: "ws_1",
		Mode:        domain.ModeGoverned,
		RoleClass:   "assistant",
		PolicySet:   "default",
	}
}

func TestEvaluateCompliantAgent(t *testing.T) {
	res := Evaluate(baseSpec(), domain.PolicyRule{AllowedRoles: []string{"assistant"}})
	if !res.Compliant || res.Score != 100 || len(res.Violations) != 0 {
		t.Fatalf("expected clean pass, got %+v", res)
	}
}

func TestEvaluateDenyOverridesAllow(t *testing.T) {
	res := Evaluate(baseSpec(), domain.PolicyRule{
		AllowedRoles: []string{"assistant"},
		DeniedRoles:  []string{"assistant"},
	})
	if res.Compliant {
		t.Fatal("role present in both allowed and denied must be non-compliant")
	}
	if len(res.Violations) == 0 || !strings.HasPrefix(res.Violations[0], "role_denied") {
		t.Fatalf("expected role_denied violation, got %v", res.Violations)
	}
}

func TestEvaluateToolAccessHardViolation(t *testing.T) {
	spec := baseSpec()
	spec.HasToolAccess = true
	res := Evaluate(spec, domain.PolicyRule{AllowToolAccess: boolPtr(false)})
	if res.Compliant {
		t.Fatal("tool access against a forbidding policy must be non-compliant")
	}
	found := false
	for _, v := range res.Violations {
		if strings.HasPrefix(v, "tool_access_denied") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a tool-access violation, got %v", res.Violations)
	}
}

func TestEvaluateSoftPenaltiesDoNotFlipCompliance(t *testing.T) {
	spec := baseSpec()
	spec.Budget = 500
	spec.MaxTokensPerRequest = 9000
	res := Evaluate(spec, domain.PolicyRule{
		MaxBudget:           floatPtr(100),
		MaxTokensPerRequest: intPtr(4000),
	})
	if !res.Compliant {
		t.Fatal("soft penalties alone must not flip compliance")
	}
	if res.Score != 70 {
		t.Fatalf("expected score 70 after two soft penalties, got %d", res.Score)
	}
}

func TestEvaluateScoreClampsToZero(t *testing.T) {
	spec := baseSpec()
	spec.RoleClass = "rogue"
	spec.HasToolAccess = true
	spec.HasDocumentAccess = true
	spec.AllowedTools = []string{"exec", "net", "fs"}
	spec.Budget = 1e9
	spec.MaxTokensPerRequest = 1 << 30
	res := Evaluate(spec, domain.PolicyRule{
		AllowedRoles:        []string{"assistant"},
		DeniedRoles:         []string{"rogue"},
		AllowToolAccess:     boolPtr(false),
		AllowDocumentAccess: boolPtr(false),
		DeniedActions:       []string{"exec", "net", "fs"},
		MaxBudget:           floatPtr(1),
		MaxTokensPerRequest: intPtr(1),
	})
	if res.Compliant {
		t.Fatal("expected non-compliant")
	}
	if res.Score != 0 {
		t.Fatalf("score must clamp to 0, got %d", res.Score)
	}
}

func TestEvaluateViolationsNeverIncreaseScore(t *testing.T) {
	spec := baseSpec()
	prev := Evaluate(spec, domain.PolicyRule{}).Score
	rules := []domain.PolicyRule{
		{AllowedRoles: []string{"analyst"}},
		{AllowedRoles: []string{"analyst"}, MaxBudget: floatPtr(0)},
		{AllowedRoles: []string{"analyst"}, MaxBudget: floatPtr(0), MaxTokensPerRequest: intPtr(0)},
	}
	spec.Budget = 10
	spec.MaxTokensPerRequest = 10
	for i, rule := range rules {
		got := Evaluate(spec, rule).Score
		if got > prev {
			t.Fatalf("case %d: score increased from %d to %d after adding a violation", i, prev, got)
		}
		prev = got
	}
}

func TestEvaluateActionRules(t *testing.T) {
	spec := baseSpec()
	spec.AllowedTools = []string{"search", "calculator"}
	res := Evaluate(spec, domain.PolicyRule{AllowedActions: []string{"search"}})
	if res.Compliant {
		t.Fatal("tool outside the allowed action list must be a hard violation")
	}
	res = Evaluate(spec, domain.PolicyRule{DeniedActions: []string{"calculator"}})
	if res.Compliant {
		t.Fatal("denied action must be a hard violation")
	}
	res = Evaluate(spec, domain.PolicyRule{AllowedActions: []string{"search", "calculator"}})
	if !res.Compliant {
		t.Fatalf("expected compliant, got %+v", res)
	}
}

func TestExtractPolicyRulesFlatAndNested(t *testing.T) {
	flat := map[string]any{"allowed_roles": []any{"assistant"}}
	rule, ok, err := ExtractPolicyRules(flat)
	if err != nil || !ok {
		t.Fatalf("flat extraction failed: ok=%v err=%v", ok, err)
	}
	if len(rule.AllowedRoles) != 1 || rule.AllowedRoles[0] != "assistant" {
		t.Fatalf("unexpected rule: %+v", rule)
	}

	nested := map[string]any{"name": "default", "rules": map[string]any{"denied_roles": []any{"rogue"}}}
	rule, ok, err = ExtractPolicyRules(nested)
	if err != nil || !ok {
		t.Fatalf("nested extraction failed: ok=%v err=%v", ok, err)
	}
	if len(rule.DeniedRoles) != 1 || rule.DeniedRoles[0] != "rogue" {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestExtractPolicyRulesEmptyContentIsNotCompliance(t *testing.T) {
	for _, content := range []map[string]any{nil, {}} {
		rule, ok, err := ExtractPolicyRules(content)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("empty content must not yield an active rule set")
		}
		if !rule.Empty() {
			t.Fatalf("expected zero rule set, got %+v", rule)
		}
	}
}

func TestValidatePolicyBundle(t *testing.T) {
	errs, err := ValidatePolicyBundle(map[string]any{
		"name":  "default",
		"rules": map[string]any{"allowed_roles": []any{"assistant"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 0 {
		t.Fatalf("expected valid bundle, got %v", errs)
	}

	errs, err = ValidatePolicyBundle(map[string]any{
		"rules": map[string]any{"allowed_roles": "assistant"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) == 0 {
		t.Fatal("expected shape violations for non-array allowed_roles")
	}
}
