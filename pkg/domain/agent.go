package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/agentlane/agentlane/pkg/canonhash"
)

type AgentMode string

const (
	ModeSandbox  AgentMode = "sandbox"
	ModeGoverned AgentMode = "governed"
)

// AgentSpec is the persisted description of an agent. Behavioral fields
// are covered by the spec hash; governance bookkeeping fields are not,
// so status writes never look like tampering.
type AgentSpec struct {
	AgentID             string    `json:"agent_id"`
	WorkspaceID         string    `json:"workspace_id"`
	Mode                AgentMode `json:"mode"`
	RoleClass           string    `json:"role_class"`
	SystemPrompt        string    `json:"system_prompt"`
	AllowedTools        []string  `json:"allowed_tools"`
	HasToolAccess       bool      `json:"has_tool_access"`
	HasDocumentAccess   bool      `json:"has_document_access"`
	Budget              float64   `json:"budget"`
	MaxTokensPerRequest int       `json:"max_tokens_per_request"`
	PolicySet           string    `json:"policy_set"`

	GovernanceStatus GovernanceStatus `json:"governance_status"`
	GovernanceReason string           `json:"governance_reason,omitempty"`
	PolicyHash       string           `json:"policy_hash,omitempty"`
	SpecHash         string           `json:"spec_hash,omitempty"`
	ProofBundle      *ProofBundle     `json:"proof_bundle,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ComputeSpecHash hashes the behavioral fields of the spec. Two specs
// that differ only in governance bookkeeping hash identically.
func ComputeSpecHash(spec AgentSpec) (string, error) {
	h, _, err := canonhash.SumObject(map[string]any{
		"agent_id":               spec.AgentID,
		"workspace_id":           spec.WorkspaceID,
		"mode":                   string(spec.Mode),
		"role_class":             spec.RoleClass,
		"system_prompt":          spec.SystemPrompt,
		"allowed_tools":          spec.AllowedTools,
		"has_tool_access":        spec.HasToolAccess,
		"has_document_access":    spec.HasDocumentAccess,
		"budget":                 spec.Budget,
		"max_tokens_per_request": spec.MaxTokensPerRequest,
		"policy_set":             spec.PolicySet,
	})
	return h, err
}

// ValidateBaseline rejects specs that are not shaped well enough to
// enter the governed pipeline.
func ValidateBaseline(spec AgentSpec) error {
	if strings.TrimSpace(spec.AgentID) == "" {
		return errors.New("agent_id is required")
	}
	if strings.TrimSpace(spec.WorkspaceID) == "" {
		return errors.New("workspace_id is required")
	}
	if strings.TrimSpace(spec.RoleClass) == "" {
		return errors.New("role_class is required")
	}
	if strings.TrimSpace(spec.PolicySet) == "" {
		return errors.New("policy_set is required")
	}
	if spec.Mode != ModeSandbox && spec.Mode != ModeGoverned {
		return errors.New("mode must be sandbox or governed")
	}
	return nil
}

// Expired reports whether the spec's validity window has closed at now.
func (s AgentSpec) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}
