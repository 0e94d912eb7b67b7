package store

import (
	"context"

	"github.com/agentlane/agentlane/pkg/domain"
)

// AgentStore is the persistence adapter for agent specs plus their
// governance bookkeeping. The governance state machine is the only
// caller of UpdateGovernance.
type AgentStore interface {
	Create(ctx context.Context, spec domain.AgentSpec) error
	Get(ctx context.Context, agentID string) (domain.AgentSpec, error)
	List(ctx context.Context, workspaceID string, offset, limit int) ([]domain.AgentSpec, int, error)
	ListGoverned(ctx context.Context, workspaceID, policySet string) ([]domain.AgentSpec, error)
	Update(ctx context.Context, spec domain.AgentSpec) error
	Delete(ctx context.Context, agentID string) error

	// UpdateGovernance writes the governance outcome for one agent in a
	// single row-scoped statement: status, reason, hashes, and the
	// replacing proof bundle. Must be atomic per agent row.
	UpdateGovernance(ctx context.Context, agentID string, status domain.GovernanceStatus, reason, policyHash, specHash string, proof *domain.ProofBundle) error
}

// PolicyStore is append-only versioned storage of policy bundles keyed
// by (workspace, policy set, version). Versions are never overwritten.
type PolicyStore interface {
	// AppendVersion allocates the next version number and inserts the
	// bundle. Concurrent appends for the same key never produce two
	// rows with the same version.
	AppendVersion(ctx context.Context, workspaceID, policySet, hash string, content map[string]any, actorID string) (domain.PolicyVersion, error)
	GetVersion(ctx context.Context, workspaceID, policySet string, version int) (domain.PolicyVersion, error)
	GetCurrent(ctx context.Context, workspaceID, policySet string) (domain.PolicyVersion, error)
	ListVersions(ctx context.Context, workspaceID, policySet string) ([]domain.PolicyVersion, error)
}
