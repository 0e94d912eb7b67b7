package signature

import (
	"errors"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewSignerFromSeedString("authority-1", "test-seed")
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]any{"agent_id": "agt_1", "policy_hash": "sha256:aa", "spec_hash": "sha256:bb"}
	env, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	res, err := VerifyEnvelope(payload, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.KeyID != "authority-1" {
		t.Fatalf("unexpected key id: %s", res.KeyID)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s, err := NewSignerFromSeedString("authority-1", "test-seed")
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]any{"agent_id": "agt_1"}
	env, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	_, err = VerifyEnvelope(map[string]any{"agent_id": "agt_2"}, env, nil)
	if !errors.Is(err, ErrPayloadHashMismatch) {
		t.Fatalf("expected payload hash mismatch, got %v", err)
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	s1, _ := NewSignerFromSeedString("authority-1", "seed-1")
	s2, _ := NewSignerFromSeedString("authority-2", "seed-2")
	payload := map[string]any{"agent_id": "agt_1"}
	env, err := s1.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	env.PublicKey = s2.PublicKeyB64()
	_, err = VerifyEnvelope(payload, env, nil)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVerifyRejectsRevokedAuthority(t *testing.T) {
	s, _ := NewSignerFromSeedString("authority-1", "seed-1")
	payload := map[string]any{"agent_id": "agt_1"}
	env, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	rev := NewRevocations()
	rev.Revoke("authority-1")
	if !rev.IsRevoked("authority-1") {
		t.Fatal("revocation not recorded")
	}
	_, err = VerifyEnvelope(payload, env, rev)
	if !errors.Is(err, ErrSignerRevoked) {
		t.Fatalf("expected signer revoked, got %v", err)
	}
}

func TestVerifyRejectsBadIssuedAt(t *testing.T) {
	s, _ := NewSignerFromSeedString("authority-1", "seed-1")
	payload := map[string]any{"agent_id": "agt_1"}
	env, err := s.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	env.IssuedAt = "2026-01-01T00:00:00+02:00"
	if _, err := VerifyEnvelope(payload, env, nil); !errors.Is(err, ErrInvalidIssuedAt) {
		t.Fatalf("expected invalid issued_at, got %v", err)
	}
}
