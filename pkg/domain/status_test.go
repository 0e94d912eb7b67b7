package domain

import "testing"

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to GovernanceStatus
		want     bool
	}{
		{StatusSandbox, StatusPending, true},
		{StatusSandbox, StatusValid, false},
		{StatusPending, StatusValid, true},
		{StatusPending, StatusRestricted, true},
		{StatusPending, StatusInvalidated, true},
		{StatusValid, StatusRestricted, true},
		{StatusRestricted, StatusValid, true},
		{StatusInvalidated, StatusValid, true},
		{StatusInvalidated, StatusPending, true},
		{StatusValid, StatusPending, false},
		{StatusValid, StatusSandbox, false},
		{StatusExpired, StatusPending, false},
		{StatusExpired, StatusValid, false},
		{StatusValid, StatusExpired, true},
		{StatusSandbox, StatusExpired, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSpecHashIgnoresGovernanceFields(t *testing.T) {
	spec := AgentSpec{
		AgentID:     "agt_1",
		WorkspaceID: "ws_1",
		Mode:        ModeGoverned,
		RoleClass:   "assistant",
		PolicySet:   "default",
	}
	h1, err := ComputeSpecHash(spec)
	if err != nil {
		t.Fatal(err)
	}
	spec.GovernanceStatus = StatusValid
	spec.GovernanceReason = ReasonSoftViolations
	spec.PolicyHash = "sha256:aa"
	spec.SpecHash = h1
	h2, err := ComputeSpecHash(spec)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("governance bookkeeping changed the spec hash: %s vs %s", h1, h2)
	}
	spec.RoleClass = "analyst"
	h3, err := ComputeSpecHash(spec)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Fatal("behavioral change did not change the spec hash")
	}
}

func TestPolicyRuleEmpty(t *testing.T) {
	if !(PolicyRule{}).Empty() {
		t.Fatal("zero rule set should be empty")
	}
	b := true
	if (PolicyRule{AllowToolAccess: &b}).Empty() {
		t.Fatal("rule with a constraint should not be empty")
	}
}
