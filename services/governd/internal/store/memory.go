package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentlane/agentlane/pkg/domain"
)

// MemoryAgentStore is the in-process AgentStore used by tests and by
// single-node deployments without Postgres. FailAgents injects adapter
// unavailability per agent id, exercising partial-batch semantics.
type MemoryAgentStore struct {
	mu         sync.RWMutex
	agents     map[string]domain.AgentSpec
	FailAgents map[string]bool
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents:     make(map[string]domain.AgentSpec),
		FailAgents: make(map[string]bool),
	}
}

func (s *MemoryAgentStore) failing(agentID string) error {
	if s.FailAgents[agentID] {
		return fmt.Errorf("%w: injected failure for %s", domain.ErrStorageUnavailable, agentID)
	}
	return nil
}

func (s *MemoryAgentStore) Create(_ context.Context, spec domain.AgentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[spec.AgentID]; exists {
		return fmt.Errorf("agent %s already exists", spec.AgentID)
	}
	s.agents[spec.AgentID] = spec
	return nil
}

func (s *MemoryAgentStore) Get(_ context.Context, agentID string) (domain.AgentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failing(agentID); err != nil {
		return domain.AgentSpec{}, err
	}
	spec, ok := s.agents[agentID]
	if !ok {
		return domain.AgentSpec{}, domain.ErrAgentNotFound
	}
	return cloneSpec(spec), nil
}

func (s *MemoryAgentStore) List(_ context.Context, workspaceID string, offset, limit int) ([]domain.AgentSpec, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.AgentSpec
	for _, a := range s.agents {
		if a.WorkspaceID == workspaceID {
			all = append(all, cloneSpec(a))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryAgentStore) ListGoverned(_ context.Context, workspaceID, policySet string) ([]domain.AgentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AgentSpec
	for _, a := range s.agents {
		if a.WorkspaceID == workspaceID && a.PolicySet == policySet && a.GovernanceStatus.IsGoverned() {
			out = append(out, cloneSpec(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentStore) Update(_ context.Context, spec domain.AgentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing(spec.AgentID); err != nil {
		return err
	}
	if _, ok := s.agents[spec.AgentID]; !ok {
		return domain.ErrAgentNotFound
	}
	s.agents[spec.AgentID] = cloneSpec(spec)
	return nil
}

func (s *MemoryAgentStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return domain.ErrAgentNotFound
	}
	delete(s.agents, agentID)
	return nil
}

func (s *MemoryAgentStore) UpdateGovernance(_ context.Context, agentID string, status domain.GovernanceStatus, reason, policyHash, specHash string, proof *domain.ProofBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing(agentID); err != nil {
		return err
	}
	spec, ok := s.agents[agentID]
	if !ok {
		return domain.ErrAgentNotFound
	}
	spec.GovernanceStatus = status
	spec.GovernanceReason = reason
	spec.PolicyHash = policyHash
	spec.SpecHash = specHash
	if proof != nil {
		p := *proof
		spec.ProofBundle = &p
	}
	s.agents[agentID] = spec
	return nil
}

// TamperSpec mutates behavioral fields directly, bypassing the spec-hash
// bookkeeping. Test hook for out-of-band edits.
func (s *MemoryAgentStore) TamperSpec(agentID string, mutate func(*domain.AgentSpec)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec := s.agents[agentID]
	mutate(&spec)
	s.agents[agentID] = spec
}

// MemoryPolicyStore is the in-process append-only PolicyStore.
type MemoryPolicyStore struct {
	mu       sync.Mutex
	versions map[string][]domain.PolicyVersion
	Fail     bool
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{versions: make(map[string][]domain.PolicyVersion)}
}

func policyKey(workspaceID, policySet string) string { return workspaceID + "/" + policySet }

func (s *MemoryPolicyStore) AppendVersion(_ context.Context, workspaceID, policySet, hash string, content map[string]any, actorID string) (domain.PolicyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return domain.PolicyVersion{}, fmt.Errorf("%w: injected policy store failure", domain.ErrStorageUnavailable)
	}
	key := policyKey(workspaceID, policySet)
	v := domain.PolicyVersion{
		WorkspaceID: workspaceID,
		PolicySet:   policySet,
		Version:     len(s.versions[key]) + 1,
		Hash:        hash,
		Content:     content,
		ActorID:     actorID,
		CreatedAt:   time.Now().UTC(),
	}
	s.versions[key] = append(s.versions[key], v)
	return v, nil
}

func (s *MemoryPolicyStore) GetVersion(_ context.Context, workspaceID, policySet string, version int) (domain.PolicyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[policyKey(workspaceID, policySet)]
	if version < 1 || version > len(vs) {
		return domain.PolicyVersion{}, domain.ErrPolicyMissing
	}
	return vs[version-1], nil
}

func (s *MemoryPolicyStore) GetCurrent(_ context.Context, workspaceID, policySet string) (domain.PolicyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[policyKey(workspaceID, policySet)]
	if len(vs) == 0 {
		return domain.PolicyVersion{}, domain.ErrPolicyMissing
	}
	return vs[len(vs)-1], nil
}

func (s *MemoryPolicyStore) ListVersions(_ context.Context, workspaceID, policySet string) ([]domain.PolicyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[policyKey(workspaceID, policySet)]
	out := make([]domain.PolicyVersion, len(vs))
	copy(out, vs)
	return out, nil
}

func cloneSpec(a domain.AgentSpec) domain.AgentSpec {
	out := a
	if a.AllowedTools != nil {
		out.AllowedTools = append([]string(nil), a.AllowedTools...)
	}
	if a.ProofBundle != nil {
		p := *a.ProofBundle
		out.ProofBundle = &p
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
