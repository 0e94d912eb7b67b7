package canonhash

import (
	"strings"
	"testing"
)

func TestSumObjectStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": []any{map[string]any{"y": true, "x": "s"}}}
	b := map[string]any{"a": []any{map[string]any{"x": "s", "y": true}}, "b": 1}
	ha, _, err := SumObject(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _, err := SumObject(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("hash differs across key order: %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, "sha256:") {
		t.Fatalf("missing algorithm prefix: %s", ha)
	}
}

func TestSumObjectStructAndMapAgree(t *testing.T) {
	type payload struct {
		AgentID    string `json:"agent_id"`
		PolicyHash string `json:"policy_hash"`
	}
	hs, _, err := SumObject(payload{AgentID: "agt_1", PolicyHash: "sha256:abc"})
	if err != nil {
		t.Fatal(err)
	}
	hm, _, err := SumObject(map[string]any{"policy_hash": "sha256:abc", "agent_id": "agt_1"})
	if err != nil {
		t.Fatal(err)
	}
	if hs != hm {
		t.Fatalf("struct vs map hash mismatch: %s vs %s", hs, hm)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	b, err := CanonicalJSON(map[string]any{"z": 1, "a": 2, "m": nil})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":2,"m":null,"z":1}` {
		t.Fatalf("unexpected canonical encoding: %s", b)
	}
}
