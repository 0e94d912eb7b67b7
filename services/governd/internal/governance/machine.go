// Package governance owns every governance-status transition. Nothing
// else writes the status field; everything else reads it.
package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentlane/agentlane/pkg/domain"
	"github.com/agentlane/agentlane/pkg/policy"
	"github.com/agentlane/agentlane/pkg/signature"
	"github.com/agentlane/agentlane/services/governd/internal/store"
)

// DefaultRestrictedThreshold is the score floor below which a compliant
// agent runs RESTRICTED instead of VALID. The reference value has no
// stated derivation, so it is configuration, not a constant.
const DefaultRestrictedThreshold = 70

// Partition is the outcome of a revalidation batch. Failed agents keep
// their pre-batch status and are retried by the caller; evaluation is
// pure given the same snapshot, so retries are safe.
type Partition struct {
	Invalidated []string `json:"invalidated"`
	Restricted  []string `json:"restricted"`
	Valid       []string `json:"valid"`
	Failed      []string `json:"failed"`
}

// Machine is the sole writer of governanceStatus and producer of
// ProofBundles.
type Machine struct {
	agents      store.AgentStore
	signer      *signature.Signer
	revocations *signature.Revocations
	threshold   int
	log         *logrus.Entry
	now         func() time.Time

	// Per-agent serialization: each evaluate is atomic per agent row.
	agentMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Machine)

// WithRestrictedThreshold overrides the VALID/RESTRICTED score floor.
func WithRestrictedThreshold(threshold int) Option {
	return func(m *Machine) { m.threshold = threshold }
}

// WithClock injects a deterministic clock for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func New(agents store.AgentStore, signer *signature.Signer, revocations *signature.Revocations, log *logrus.Logger, opts ...Option) *Machine {
	m := &Machine{
		agents:      agents,
		signer:      signer,
		revocations: revocations,
		threshold:   DefaultRestrictedThreshold,
		log:         log.WithField("component", "governance"),
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) lockAgent(agentID string) func() {
	m.agentMu.Lock()
	mu, ok := m.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[agentID] = mu
	}
	m.agentMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Promote moves a SANDBOX agent into the governed pipeline and runs the
// first evaluation immediately.
func (m *Machine) Promote(ctx context.Context, agentID string, snap *domain.PolicySnapshot) (domain.AgentSpec, error) {
	unlock := m.lockAgent(agentID)
	spec, err := m.agents.Get(ctx, agentID)
	if err != nil {
		unlock()
		return domain.AgentSpec{}, err
	}
	if spec.GovernanceStatus != domain.StatusSandbox {
		unlock()
		return domain.AgentSpec{}, fmt.Errorf("%w: promote requires SANDBOX, agent %s is %s",
			domain.ErrInvalidTransition, agentID, spec.GovernanceStatus)
	}
	if err := domain.ValidateBaseline(spec); err != nil {
		unlock()
		return domain.AgentSpec{}, fmt.Errorf("%w: %v", domain.ErrInvalidTransition, err)
	}
	spec.Mode = domain.ModeGoverned
	specHash, err := domain.ComputeSpecHash(spec)
	if err != nil {
		unlock()
		return domain.AgentSpec{}, err
	}
	spec.GovernanceStatus = domain.StatusPending
	spec.GovernanceReason = ""
	spec.SpecHash = specHash
	if err := m.agents.Update(ctx, spec); err != nil {
		unlock()
		return domain.AgentSpec{}, err
	}
	m.log.WithFields(logrus.Fields{"agent_id": agentID, "status": spec.GovernanceStatus}).Info("agent promoted")
	unlock()
	return m.Evaluate(ctx, agentID, snap)
}

// Evaluate recomputes the agent's binding to its policy and writes the
// outcome. Order of precedence: expiry, spec tamper, missing policy,
// revoked/invalid prior proof, then the rule evaluation itself.
func (m *Machine) Evaluate(ctx context.Context, agentID string, snap *domain.PolicySnapshot) (domain.AgentSpec, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	spec, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	if spec.GovernanceStatus == domain.StatusExpired {
		return spec, nil
	}
	if spec.Expired(m.now()) {
		return m.writeOutcome(ctx, spec, domain.StatusExpired, domain.ReasonExpired, spec.PolicyHash, spec.SpecHash)
	}
	if !spec.GovernanceStatus.IsGoverned() {
		return domain.AgentSpec{}, fmt.Errorf("%w: evaluate requires a governed agent, %s is %s",
			domain.ErrInvalidTransition, agentID, spec.GovernanceStatus)
	}

	currentHash, err := domain.ComputeSpecHash(spec)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	if spec.SpecHash != "" && spec.SpecHash != currentHash {
		// Tamper marker: the stored hash is left untouched so the
		// mismatch survives until an operator override.
		m.log.WithFields(logrus.Fields{"agent_id": agentID, "stored": spec.SpecHash, "computed": currentHash}).
			Warn("spec hash mismatch")
		return m.writeTamper(ctx, spec, currentHash)
	}
	if spec.GovernanceStatus == domain.StatusInvalidated && spec.GovernanceReason == domain.ReasonSpecTamper {
		// Terminal until an explicit operator override.
		return spec, nil
	}

	if snap == nil {
		return m.writeProofOutcome(ctx, spec, domain.StatusInvalidated, domain.ReasonPolicyMissing, "", currentHash)
	}
	if snap.Rules.Empty() {
		// An empty rule set is never automatic compliance.
		return m.writeProofOutcome(ctx, spec, domain.StatusInvalidated, domain.ReasonPolicyMissing, snap.Hash, currentHash)
	}

	if spec.ProofBundle != nil {
		if err := domain.VerifyProofBundle(*spec.ProofBundle, m.revocations); err != nil {
			m.log.WithFields(logrus.Fields{"agent_id": agentID, "authority": spec.ProofBundle.Authority}).
				WithError(err).Warn("prior proof bundle failed re-verification")
			return m.writeProofOutcome(ctx, spec, domain.StatusInvalidated, domain.ReasonSignerRevoked, snap.Hash, currentHash)
		}
	}

	result := policy.Evaluate(spec, snap.Rules)
	status := domain.StatusValid
	reason := ""
	switch {
	case !result.Compliant:
		status = domain.StatusInvalidated
		reason = domain.ReasonPolicyViolation
	case result.Score < m.threshold:
		status = domain.StatusRestricted
		reason = domain.ReasonSoftViolations
	}
	m.log.WithFields(logrus.Fields{
		"agent_id": agentID,
		"policy":   snap.Hash,
		"version":  snap.Version,
		"status":   status,
		"score":    result.Score,
	}).Info("agent evaluated")
	return m.writeProofOutcome(ctx, spec, status, reason, snap.Hash, currentHash)
}

// RevalidateAll evaluates governed agents bound to the snapshot's policy
// set (optionally narrowed to agentIDs) and partitions the outcomes.
// A per-agent failure never aborts the batch; the returned error is
// non-nil only when the batch could not even be listed.
func (m *Machine) RevalidateAll(ctx context.Context, workspaceID string, snap *domain.PolicySnapshot, agentIDs ...string) (Partition, error) {
	part := Partition{
		Invalidated: []string{},
		Restricted:  []string{},
		Valid:       []string{},
		Failed:      []string{},
	}
	var specs []domain.AgentSpec
	if len(agentIDs) > 0 {
		for _, id := range agentIDs {
			spec, err := m.agents.Get(ctx, id)
			if err != nil {
				part.Failed = append(part.Failed, id)
				continue
			}
			if spec.GovernanceStatus.IsGoverned() {
				specs = append(specs, spec)
			}
		}
	} else if snap != nil {
		all, err := m.agents.ListGoverned(ctx, workspaceID, snap.PolicySet)
		if err != nil {
			m.log.WithError(err).Error("revalidation listing failed")
			return part, err
		}
		specs = all
	}

	for _, spec := range specs {
		out, err := m.Evaluate(ctx, spec.AgentID, snap)
		if err != nil {
			part.Failed = append(part.Failed, spec.AgentID)
			continue
		}
		switch out.GovernanceStatus {
		case domain.StatusValid:
			part.Valid = append(part.Valid, spec.AgentID)
		case domain.StatusRestricted:
			part.Restricted = append(part.Restricted, spec.AgentID)
		default:
			// INVALIDATED and EXPIRED both mean "not allowed to run".
			part.Invalidated = append(part.Invalidated, spec.AgentID)
		}
	}
	m.log.WithFields(logrus.Fields{
		"workspace":   workspaceID,
		"valid":       len(part.Valid),
		"restricted":  len(part.Restricted),
		"invalidated": len(part.Invalidated),
		"failed":      len(part.Failed),
	}).Info("revalidation batch complete")
	return part, nil
}

// CheckExpiry forces EXPIRED when the validity window has closed,
// overriding any other outcome. Returns whether the agent is expired.
func (m *Machine) CheckExpiry(ctx context.Context, agentID string) (bool, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	spec, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	if spec.GovernanceStatus == domain.StatusExpired {
		return true, nil
	}
	if !spec.Expired(m.now()) {
		return false, nil
	}
	if _, err := m.writeOutcome(ctx, spec, domain.StatusExpired, domain.ReasonExpired, spec.PolicyHash, spec.SpecHash); err != nil {
		return false, err
	}
	m.log.WithField("agent_id", agentID).Info("agent expired")
	return true, nil
}

// OverrideInvalidation is the explicit operator path out of a tamper
// invalidation: back to GOVERNED_PENDING with the spec hash recomputed,
// so the current persisted spec becomes the new baseline.
func (m *Machine) OverrideInvalidation(ctx context.Context, agentID, actor string) (domain.AgentSpec, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	spec, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	if spec.GovernanceStatus != domain.StatusInvalidated {
		return domain.AgentSpec{}, fmt.Errorf("%w: override requires GOVERNED_INVALIDATED, agent %s is %s",
			domain.ErrInvalidTransition, agentID, spec.GovernanceStatus)
	}
	currentHash, err := domain.ComputeSpecHash(spec)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	m.log.WithFields(logrus.Fields{"agent_id": agentID, "actor": actor}).Warn("invalidation override")
	return m.writeOutcome(ctx, spec, domain.StatusPending, domain.ReasonOperatorOverride, spec.PolicyHash, currentHash)
}

func (m *Machine) writeTamper(ctx context.Context, spec domain.AgentSpec, currentHash string) (domain.AgentSpec, error) {
	proof, err := domain.BuildProofBundle(m.signer, spec.AgentID, spec.PolicyHash, currentHash)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	// Stored spec hash stays at its pre-tamper value.
	if err := m.agents.UpdateGovernance(ctx, spec.AgentID, domain.StatusInvalidated, domain.ReasonSpecTamper,
		spec.PolicyHash, spec.SpecHash, &proof); err != nil {
		return domain.AgentSpec{}, err
	}
	spec.GovernanceStatus = domain.StatusInvalidated
	spec.GovernanceReason = domain.ReasonSpecTamper
	spec.ProofBundle = &proof
	return spec, nil
}

func (m *Machine) writeProofOutcome(ctx context.Context, spec domain.AgentSpec, status domain.GovernanceStatus, reason, policyHash, specHash string) (domain.AgentSpec, error) {
	if !domain.CanTransition(spec.GovernanceStatus, status) {
		return domain.AgentSpec{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, spec.GovernanceStatus, status)
	}
	proof, err := domain.BuildProofBundle(m.signer, spec.AgentID, policyHash, specHash)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	if err := m.agents.UpdateGovernance(ctx, spec.AgentID, status, reason, policyHash, specHash, &proof); err != nil {
		return domain.AgentSpec{}, err
	}
	spec.GovernanceStatus = status
	spec.GovernanceReason = reason
	spec.PolicyHash = policyHash
	spec.SpecHash = specHash
	spec.ProofBundle = &proof
	return spec, nil
}

func (m *Machine) writeOutcome(ctx context.Context, spec domain.AgentSpec, status domain.GovernanceStatus, reason, policyHash, specHash string) (domain.AgentSpec, error) {
	if !domain.CanTransition(spec.GovernanceStatus, status) {
		return domain.AgentSpec{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, spec.GovernanceStatus, status)
	}
	if err := m.agents.UpdateGovernance(ctx, spec.AgentID, status, reason, policyHash, specHash, spec.ProofBundle); err != nil {
		return domain.AgentSpec{}, err
	}
	spec.GovernanceStatus = status
	spec.GovernanceReason = reason
	spec.PolicyHash = policyHash
	spec.SpecHash = specHash
	return spec, nil
}
