// Package runtime implements the orchestrator facade in-process: agent
// start/stop gating, policy hot-reload, and revalidation over the
// stores, the snapshot cache, and the governance state machine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentlane/agentlane/pkg/canonhash"
	"github.com/agentlane/agentlane/pkg/domain"
	"github.com/agentlane/agentlane/pkg/policy"
	rt "github.com/agentlane/agentlane/pkg/runtime"
	"github.com/agentlane/agentlane/pkg/signature"
	"github.com/agentlane/agentlane/services/governd/internal/governance"
	"github.com/agentlane/agentlane/services/governd/internal/snapshot"
	"github.com/agentlane/agentlane/services/governd/internal/store"
)

// ErrAgentNotRunnable refuses start for agents whose governance status
// forbids execution.
var ErrAgentNotRunnable = errors.New("agent is not runnable under its governance status")

// BundleValidationError rejects a hot-reload whose bundle fails schema
// validation. No version is appended and no snapshot is published.
type BundleValidationError struct {
	Problems []string
}

func (e *BundleValidationError) Error() string {
	return fmt.Sprintf("policy bundle rejected: %v", e.Problems)
}

// Local is the in-process OrchestratorRuntime.
type Local struct {
	agents      store.AgentStore
	policies    store.PolicyStore
	snapshots   snapshot.Cache
	machine     *governance.Machine
	revocations *signature.Revocations
	log         *logrus.Entry

	// Hot-reloads on the same (workspace, policy set) are strictly
	// serialized, including their revalidation phase.
	reloadMu sync.Mutex
	reloads  map[string]*sync.Mutex

	runningMu sync.RWMutex
	running   map[string]bool
}

var _ rt.Runtime = (*Local)(nil)

func NewLocal(agents store.AgentStore, policies store.PolicyStore, snapshots snapshot.Cache, machine *governance.Machine, revocations *signature.Revocations, log *logrus.Logger) *Local {
	return &Local{
		agents:      agents,
		policies:    policies,
		snapshots:   snapshots,
		machine:     machine,
		revocations: revocations,
		log:         log.WithField("component", "runtime"),
		reloads:     make(map[string]*sync.Mutex),
		running:     make(map[string]bool),
	}
}

func (l *Local) reloadLock(workspaceID, policySet string) *sync.Mutex {
	key := workspaceID + "/" + policySet
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()
	mu, ok := l.reloads[key]
	if !ok {
		mu = &sync.Mutex{}
		l.reloads[key] = mu
	}
	return mu
}

// HotReloadPolicy appends the bundle as a new policy version, publishes
// a fresh snapshot, and revalidates every governed agent bound to the
// policy set. A storage failure before publication aborts the whole
// operation; a revalidation failure afterwards leaves the snapshot
// published and reports the failed agents separately.
func (l *Local) HotReloadPolicy(ctx context.Context, workspaceID, policySet string, bundle map[string]any, actor string) (rt.HotReloadResult, error) {
	mu := l.reloadLock(workspaceID, policySet)
	mu.Lock()
	defer mu.Unlock()

	if shapeErrs, err := policy.ValidatePolicyBundle(bundle); err != nil {
		return rt.HotReloadResult{}, err
	} else if len(shapeErrs) > 0 {
		return rt.HotReloadResult{}, &BundleValidationError{Problems: shapeErrs}
	}
	rules, _, err := policy.ExtractPolicyRules(bundle)
	if err != nil {
		return rt.HotReloadResult{}, err
	}

	var oldHash string
	if prev, err := l.snapshots.Get(ctx, workspaceID, policySet); err == nil && prev != nil {
		oldHash = prev.Hash
	}

	hash, _, err := canonhash.SumObject(bundle)
	if err != nil {
		return rt.HotReloadResult{}, err
	}
	version, err := l.policies.AppendVersion(ctx, workspaceID, policySet, hash, bundle, actor)
	if err != nil {
		// Abort fully: nothing published, nothing revalidated.
		return rt.HotReloadResult{}, err
	}

	snap := &domain.PolicySnapshot{
		WorkspaceID:    workspaceID,
		PolicySet:      policySet,
		Version:        version.Version,
		Hash:           hash,
		LoadedAt:       time.Now().UTC(),
		RevokedSigners: l.revocations.List(),
		Rules:          rules,
	}
	if err := l.snapshots.Publish(ctx, snap); err != nil {
		return rt.HotReloadResult{}, err
	}
	l.log.WithFields(logrus.Fields{
		"workspace":  workspaceID,
		"policy_set": policySet,
		"version":    snap.Version,
		"hash":       hash,
	}).Info("policy snapshot published")

	part, listErr := l.machine.RevalidateAll(ctx, workspaceID, snap)

	// Published truth now includes the revalidation outcome; same
	// version and hash, so readers never observe a partial snapshot.
	enriched := *snap
	enriched.InvalidatedAgents = part.Invalidated
	if err := l.snapshots.Publish(ctx, &enriched); err != nil {
		l.log.WithError(err).Warn("snapshot enrichment publish failed")
	}

	result := rt.HotReloadResult{
		OK:          listErr == nil && len(part.Failed) == 0,
		OldHash:     oldHash,
		NewHash:     hash,
		Version:     version.Version,
		Invalidated: part.Invalidated,
		Restricted:  part.Restricted,
		Valid:       part.Valid,
		Failed:      part.Failed,
	}
	if listErr != nil {
		return result, fmt.Errorf("revalidation after reload: %w", listErr)
	}
	return result, nil
}

// StartAgent is a gating read: the spec hash is recomputed before the
// agent may run, so an out-of-band edit blocks execution regardless of
// the cached status.
func (l *Local) StartAgent(ctx context.Context, workspaceID string, spec domain.AgentSpec) error {
	stored, err := l.agents.Get(ctx, spec.AgentID)
	if err != nil {
		return err
	}
	if stored.WorkspaceID != workspaceID {
		return domain.ErrAgentNotFound
	}
	if expired, err := l.machine.CheckExpiry(ctx, spec.AgentID); err != nil {
		return err
	} else if expired {
		return fmt.Errorf("%w: expired", ErrAgentNotRunnable)
	}
	if stored.Mode == domain.ModeGoverned || stored.GovernanceStatus.IsGoverned() {
		current, err := l.gatedStatus(ctx, stored)
		if err != nil {
			return err
		}
		switch current.GovernanceStatus {
		case domain.StatusValid, domain.StatusRestricted:
			// RESTRICTED keeps running; capability gating is the
			// execution layer's job, consulting the status.
		default:
			return fmt.Errorf("%w: %s (%s)", ErrAgentNotRunnable, current.GovernanceStatus, current.GovernanceReason)
		}
	}
	l.runningMu.Lock()
	l.running[spec.AgentID] = true
	l.runningMu.Unlock()
	l.log.WithFields(logrus.Fields{"agent_id": spec.AgentID, "workspace": workspaceID}).Info("agent started")
	return nil
}

func (l *Local) StopAgent(ctx context.Context, workspaceID, agentID string) error {
	if _, err := l.agents.Get(ctx, agentID); err != nil {
		return err
	}
	l.runningMu.Lock()
	delete(l.running, agentID)
	l.runningMu.Unlock()
	l.log.WithFields(logrus.Fields{"agent_id": agentID, "workspace": workspaceID}).Info("agent stopped")
	return nil
}

// gatedStatus recomputes the spec hash and forces a re-evaluation when
// it no longer matches the stored value.
func (l *Local) gatedStatus(ctx context.Context, spec domain.AgentSpec) (domain.AgentSpec, error) {
	if !spec.GovernanceStatus.IsGoverned() {
		return spec, nil
	}
	currentHash, err := domain.ComputeSpecHash(spec)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	if spec.SpecHash != "" && currentHash != spec.SpecHash {
		snap, _ := l.snapshots.Get(ctx, spec.WorkspaceID, spec.PolicySet)
		return l.machine.Evaluate(ctx, spec.AgentID, snap)
	}
	return spec, nil
}

func (l *Local) isRunning(agentID string) bool {
	l.runningMu.RLock()
	defer l.runningMu.RUnlock()
	return l.running[agentID]
}

func (l *Local) GetAgentStatus(ctx context.Context, workspaceID, agentID string) (rt.AgentStatus, error) {
	spec, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return rt.AgentStatus{}, err
	}
	if spec.WorkspaceID != workspaceID {
		return rt.AgentStatus{}, domain.ErrAgentNotFound
	}
	spec, err = l.gatedStatus(ctx, spec)
	if err != nil {
		return rt.AgentStatus{}, err
	}
	return rt.AgentStatus{
		AgentID:          spec.AgentID,
		WorkspaceID:      spec.WorkspaceID,
		GovernanceStatus: spec.GovernanceStatus,
		Reason:           spec.GovernanceReason,
		PolicyHash:       spec.PolicyHash,
		Running:          l.isRunning(spec.AgentID),
	}, nil
}

func (l *Local) ListAgentStatuses(ctx context.Context, workspaceID string, page, limit int) ([]rt.AgentStatus, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	specs, total, err := l.agents.List(ctx, workspaceID, (page-1)*limit, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]rt.AgentStatus, 0, len(specs))
	for _, spec := range specs {
		out = append(out, rt.AgentStatus{
			AgentID:          spec.AgentID,
			WorkspaceID:      spec.WorkspaceID,
			GovernanceStatus: spec.GovernanceStatus,
			Reason:           spec.GovernanceReason,
			PolicyHash:       spec.PolicyHash,
			Running:          l.isRunning(spec.AgentID),
		})
	}
	return out, total, nil
}

func (l *Local) GetPolicySnapshot(ctx context.Context, workspaceID, policySet string) (*domain.PolicySnapshot, error) {
	snap, err := l.snapshots.Get(ctx, workspaceID, policySet)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, domain.ErrPolicyMissing
	}
	return snap, nil
}

func (l *Local) Revalidate(ctx context.Context, workspaceID string, agentIDs []string) ([]rt.RevalidationEntry, error) {
	out := make([]rt.RevalidationEntry, 0, len(agentIDs))
	for _, id := range agentIDs {
		spec, err := l.agents.Get(ctx, id)
		if err != nil {
			out = append(out, rt.RevalidationEntry{AgentID: id, Error: err.Error()})
			continue
		}
		snap, err := l.snapshots.Get(ctx, workspaceID, spec.PolicySet)
		if err != nil {
			out = append(out, rt.RevalidationEntry{AgentID: id, Error: err.Error()})
			continue
		}
		evaluated, err := l.machine.Evaluate(ctx, id, snap)
		if err != nil {
			out = append(out, rt.RevalidationEntry{AgentID: id, Error: err.Error()})
			continue
		}
		out = append(out, rt.RevalidationEntry{
			AgentID: id,
			Status:  evaluated.GovernanceStatus,
			Reason:  evaluated.GovernanceReason,
		})
	}
	return out, nil
}

func (l *Local) GetGovernanceExplanation(ctx context.Context, workspaceID, agentID string) (rt.GovernanceExplanation, error) {
	spec, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return rt.GovernanceExplanation{}, err
	}
	if spec.WorkspaceID != workspaceID {
		return rt.GovernanceExplanation{}, domain.ErrAgentNotFound
	}
	spec, err = l.gatedStatus(ctx, spec)
	if err != nil {
		return rt.GovernanceExplanation{}, err
	}
	verified := false
	if spec.ProofBundle != nil {
		verified = domain.VerifyProofBundle(*spec.ProofBundle, l.revocations) == nil
	}
	return rt.GovernanceExplanation{
		AgentID:       spec.AgentID,
		Status:        spec.GovernanceStatus,
		Reason:        spec.GovernanceReason,
		PolicyHash:    spec.PolicyHash,
		SpecHash:      spec.SpecHash,
		ProofBundle:   spec.ProofBundle,
		ProofVerified: verified,
	}, nil
}

// Promote enters the governed pipeline for a sandbox agent and runs the
// first evaluation against the current snapshot.
func (l *Local) Promote(ctx context.Context, workspaceID, agentID string) (domain.AgentSpec, error) {
	spec, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	if spec.WorkspaceID != workspaceID {
		return domain.AgentSpec{}, domain.ErrAgentNotFound
	}
	snap, err := l.snapshots.Get(ctx, workspaceID, spec.PolicySet)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	return l.machine.Promote(ctx, agentID, snap)
}

// OverrideInvalidation re-opens the pipeline for a tampered agent by
// explicit operator action.
func (l *Local) OverrideInvalidation(ctx context.Context, workspaceID, agentID, actor string) (domain.AgentSpec, error) {
	spec, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return domain.AgentSpec{}, err
	}
	if spec.WorkspaceID != workspaceID {
		return domain.AgentSpec{}, domain.ErrAgentNotFound
	}
	return l.machine.OverrideInvalidation(ctx, agentID, actor)
}
