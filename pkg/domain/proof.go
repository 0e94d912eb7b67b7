package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/agentlane/agentlane/pkg/signature"
)

// ProofBundle is the signed evidence that a governance decision was made
// against a named, signed policy version. Only the latest bundle per
// agent is retained.
type ProofBundle struct {
	AgentID    string             `json:"agent_id"`
	PolicyHash string             `json:"policy_hash"`
	SpecHash   string             `json:"spec_hash"`
	SignedAt   time.Time          `json:"signed_at"`
	Authority  string             `json:"authority"`
	Sig        signature.Envelope `json:"sig"`
}

func proofPayload(agentID, policyHash, specHash string) map[string]any {
	return map[string]any{
		"agent_id":    agentID,
		"policy_hash": policyHash,
		"spec_hash":   specHash,
	}
}

// BuildProofBundle signs the (agent, policyHash, specHash) binding.
func BuildProofBundle(signer *signature.Signer, agentID, policyHash, specHash string) (ProofBundle, error) {
	if strings.TrimSpace(agentID) == "" {
		return ProofBundle{}, errors.New("agent_id is required")
	}
	env, err := signer.Sign(proofPayload(agentID, policyHash, specHash))
	if err != nil {
		return ProofBundle{}, err
	}
	signedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return ProofBundle{}, err
	}
	return ProofBundle{
		AgentID:    agentID,
		PolicyHash: policyHash,
		SpecHash:   specHash,
		SignedAt:   signedAt,
		Authority:  env.KeyID,
		Sig:        env,
	}, nil
}

// VerifyProofBundle re-verifies the bundle's signature against its own
// recorded binding. A revoked authority fails verification.
func VerifyProofBundle(b ProofBundle, revocations *signature.Revocations) error {
	if strings.TrimSpace(b.AgentID) == "" {
		return errors.New("proof bundle missing agent_id")
	}
	_, err := signature.VerifyEnvelope(proofPayload(b.AgentID, b.PolicyHash, b.SpecHash), b.Sig, revocations)
	return err
}
