package domain

// GovernanceStatus is the agent's position in the governance lifecycle.
// The state machine service is the sole writer; everything else treats
// the value as read-only.
type GovernanceStatus string

const (
	StatusSandbox     GovernanceStatus = "SANDBOX"
	StatusPending     GovernanceStatus = "GOVERNED_PENDING"
	StatusValid       GovernanceStatus = "GOVERNED_VALID"
	StatusRestricted  GovernanceStatus = "GOVERNED_RESTRICTED"
	StatusInvalidated GovernanceStatus = "GOVERNED_INVALIDATED"
	StatusExpired     GovernanceStatus = "EXPIRED"
)

// Reason codes recorded alongside status writes.
const (
	ReasonSpecTamper       = "spec_tamper"
	ReasonPolicyMissing    = "policy_missing"
	ReasonSignerRevoked    = "signer_revoked"
	ReasonPolicyViolation  = "policy_violation"
	ReasonSoftViolations   = "soft_violations"
	ReasonExpired          = "expired"
	ReasonOperatorOverride = "operator_override"
)

// IsGoverned reports whether the status is inside the governed pipeline.
func (s GovernanceStatus) IsGoverned() bool {
	switch s {
	case StatusPending, StatusValid, StatusRestricted, StatusInvalidated:
		return true
	}
	return false
}

// IsTerminal reports whether no evaluation may move the agent again.
// EXPIRED is unconditionally terminal. GOVERNED_INVALIDATED with reason
// spec_tamper is terminal for evaluation but reopened by an explicit
// operator override; that exception lives in the state machine.
func (s GovernanceStatus) IsTerminal() bool {
	return s == StatusExpired
}

// Valid reports whether s is a known status value.
func (s GovernanceStatus) Valid() bool {
	switch s {
	case StatusSandbox, StatusPending, StatusValid, StatusRestricted, StatusInvalidated, StatusExpired:
		return true
	}
	return false
}

var evaluationOutcomes = map[GovernanceStatus]struct{}{
	StatusValid:       {},
	StatusRestricted:  {},
	StatusInvalidated: {},
}

// CanTransition is the single source of truth for legal status moves.
// Expiry is excluded: any status may move to EXPIRED, checked separately.
func CanTransition(from, to GovernanceStatus) bool {
	if from == StatusExpired {
		return false
	}
	if to == StatusExpired {
		return true
	}
	switch from {
	case StatusSandbox:
		return to == StatusPending
	case StatusPending, StatusValid, StatusRestricted, StatusInvalidated:
		// Any governed status re-evaluates to any governed outcome.
		_, ok := evaluationOutcomes[to]
		if ok {
			return true
		}
		// Operator override path back into the pipeline.
		return from == StatusInvalidated && to == StatusPending
	}
	return false
}
