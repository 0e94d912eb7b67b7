package domain

import "time"

// PolicySnapshot is the immutable "current policy truth" for one
// (workspace, policy set) at a point in time. Instances are shared by
// reference and never mutated after publication.
type PolicySnapshot struct {
	WorkspaceID       string    `json:"workspace_id"`
	PolicySet         string    `json:"policy_set"`
	Version           int       `json:"version"`
	Hash              string    `json:"hash"`
	LoadedAt          time.Time `json:"loaded_at"`
	RevokedSigners    []string  `json:"revoked_signers,omitempty"`
	InvalidatedAgents []string  `json:"invalidated_agents,omitempty"`

	// Rules is the extracted rule set the snapshot was published with.
	// Empty rules are legal at this layer; evaluation fails closed.
	Rules PolicyRule `json:"rules"`
}

// PolicyRule is the flat rule set extracted from a policy bundle.
type PolicyRule struct {
	AllowedRoles        []string `json:"allowed_roles,omitempty"`
	DeniedRoles         []string `json:"denied_roles,omitempty"`
	AllowDocumentAccess *bool    `json:"allow_document_access,omitempty"`
	AllowToolAccess     *bool    `json:"allow_tool_access,omitempty"`
	MaxBudget           *float64 `json:"max_budget,omitempty"`
	MaxTokensPerRequest *int     `json:"max_tokens_per_request,omitempty"`
	AllowedActions      []string `json:"allowed_actions,omitempty"`
	DeniedActions       []string `json:"denied_actions,omitempty"`
}

// Empty reports whether no rule field carries a constraint. Callers must
// not read an empty rule set as automatic compliance; evaluation against
// a snapshot with empty rules fails closed.
func (r PolicyRule) Empty() bool {
	return len(r.AllowedRoles) == 0 &&
		len(r.DeniedRoles) == 0 &&
		r.AllowDocumentAccess == nil &&
		r.AllowToolAccess == nil &&
		r.MaxBudget == nil &&
		r.MaxTokensPerRequest == nil &&
		len(r.AllowedActions) == 0 &&
		len(r.DeniedActions) == 0
}

// PolicyVersion is one append-only stored revision of a policy bundle.
type PolicyVersion struct {
	WorkspaceID string         `json:"workspace_id"`
	PolicySet   string         `json:"policy_set"`
	Version     int            `json:"version"`
	Hash        string         `json:"hash"`
	Content     map[string]any `json:"content"`
	ActorID     string         `json:"actor_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
