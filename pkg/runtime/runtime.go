// Package runtime defines the orchestrator facade shared by the local
// in-process implementation and the remote REST client. Callers hold the
// interface; which side of the wire serves it is a deployment decision.
package runtime

import (
	"context"

	"github.com/agentlane/agentlane/pkg/domain"
)

// AgentStatus is the externally visible governance position of one agent.
type AgentStatus struct {
	AgentID          string                  `json:"agent_id"`
	WorkspaceID      string                  `json:"workspace_id"`
	GovernanceStatus domain.GovernanceStatus `json:"governance_status"`
	Reason           string                  `json:"reason,omitempty"`
	PolicyHash       string                  `json:"policy_hash,omitempty"`
	Running          bool                    `json:"running"`
}

// HotReloadResult partitions the revalidation batch that followed a
// policy publish. Failed holds agents whose re-evaluation could not
// complete; they keep their pre-reload status and are never folded into
// Valid.
type HotReloadResult struct {
	OK          bool     `json:"ok"`
	OldHash     string   `json:"old_hash,omitempty"`
	NewHash     string   `json:"new_hash"`
	Version     int      `json:"version"`
	Invalidated []string `json:"invalidated"`
	Restricted  []string `json:"restricted"`
	Valid       []string `json:"valid"`
	Failed      []string `json:"failed"`
}

// RevalidationEntry is one agent's outcome in a manual revalidation.
type RevalidationEntry struct {
	AgentID string                  `json:"agent_id"`
	Status  domain.GovernanceStatus `json:"status,omitempty"`
	Reason  string                  `json:"reason,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// GovernanceExplanation surfaces the evidence behind an agent's current
// governance status.
type GovernanceExplanation struct {
	AgentID       string                  `json:"agent_id"`
	Status        domain.GovernanceStatus `json:"status"`
	Reason        string                  `json:"reason,omitempty"`
	PolicyHash    string                  `json:"policy_hash,omitempty"`
	SpecHash      string                  `json:"spec_hash,omitempty"`
	ProofBundle   *domain.ProofBundle     `json:"proof_bundle,omitempty"`
	ProofVerified bool                    `json:"proof_verified"`
}

// Runtime is the orchestrator facade: agent start/stop/query, policy
// snapshot retrieval, hot-reload, and revalidation.
type Runtime interface {
	StartAgent(ctx context.Context, workspaceID string, spec domain.AgentSpec) error
	StopAgent(ctx context.Context, workspaceID, agentID string) error
	GetAgentStatus(ctx context.Context, workspaceID, agentID string) (AgentStatus, error)
	ListAgentStatuses(ctx context.Context, workspaceID string, page, limit int) ([]AgentStatus, int, error)
	GetPolicySnapshot(ctx context.Context, workspaceID, policySet string) (*domain.PolicySnapshot, error)
	HotReloadPolicy(ctx context.Context, workspaceID, policySet string, bundle map[string]any, actor string) (HotReloadResult, error)
	Revalidate(ctx context.Context, workspaceID string, agentIDs []string) ([]RevalidationEntry, error)
	GetGovernanceExplanation(ctx context.Context, workspaceID, agentID string) (GovernanceExplanation, error)
}
