package domain

import (
	"errors"
	"testing"

	"github.com/agentlane/agentlane/pkg/signature"
)

func TestBuildAndVerifyProofBundle(t *testing.T) {
	signer, err := signature.NewSignerFromSeedString("gov-key-1", "seed")
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildProofBundle(signer, "agt_1", "sha256:policy", "sha256:spec")
	if err != nil {
		t.Fatal(err)
	}
	if b.Authority != "gov-key-1" {
		t.Fatalf("unexpected authority: %s", b.Authority)
	}
	if err := VerifyProofBundle(b, nil); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyProofBundleDetectsRebinding(t *testing.T) {
	signer, _ := signature.NewSignerFromSeedString("gov-key-1", "seed")
	b, err := BuildProofBundle(signer, "agt_1", "sha256:policy", "sha256:spec")
	if err != nil {
		t.Fatal(err)
	}
	b.SpecHash = "sha256:other"
	if err := VerifyProofBundle(b, nil); err == nil {
		t.Fatal("expected verification failure after rebinding spec hash")
	}
}

func TestVerifyProofBundleRevokedAuthority(t *testing.T) {
	signer, _ := signature.NewSignerFromSeedString("gov-key-1", "seed")
	b, err := BuildProofBundle(signer, "agt_1", "sha256:policy", "sha256:spec")
	if err != nil {
		t.Fatal(err)
	}
	rev := signature.NewRevocations()
	rev.Revoke("gov-key-1")
	if err := VerifyProofBundle(b, rev); !errors.Is(err, signature.ErrSignerRevoked) {
		t.Fatalf("expected signer revoked, got %v", err)
	}
}
