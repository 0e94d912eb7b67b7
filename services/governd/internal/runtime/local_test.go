package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlane/agentlane/pkg/domain"
	rt "github.com/agentlane/agentlane/pkg/runtime"
	"github.com/agentlane/agentlane/pkg/signature"
	"github.com/agentlane/agentlane/services/governd/internal/governance"
	"github.com/agentlane/agentlane/services/governd/internal/logging"
	"github.com/agentlane/agentlane/services/governd/internal/snapshot"
	"github.com/agentlane/agentlane/services/governd/internal/store"
)

type fixture struct {
	local     *Local
	agents    *store.MemoryAgentStore
	policies  *store.MemoryPolicyStore
	snapshots *snapshot.MemoryCache
	machine   *governance.Machine
}

func newFixture(t *testing.T, opts ...governance.Option) *fixture {
	t.Helper()
	agents := store.NewMemoryAgentStore()
	policies := store.NewMemoryPolicyStore()
	snapshots := snapshot.NewMemoryCache()
	signer, err := signature.NewSignerFromSeedString("test-authority", "runtime-test-seed")
	require.NoError(t, err)
	revocations := signature.NewRevocations()
	machine := governance.New(agents, signer, revocations, logging.NewNop(), opts...)
	return &fixture{
		local:     NewLocal(agents, policies, snapshots, machine, revocations, logging.NewNop()),
		agents:    agents,
		policies:  policies,
		snapshots: snapshots,
		machine:   machine,
	}
}

func (f *fixture) seedGoverned(t *testing.T, id string) domain.AgentSpec {
	t.Helper()
	spec := domain.AgentSpec{
		AgentID:             id,
		WorkspaceID:         "ws-1",
		Mode:                domain.ModeSandbox,
		RoleClass:           "analyst",
		SystemPrompt:        "summarize filings",
		AllowedTools:        []string{"search"},
		HasToolAccess:       true,
		HasDocumentAccess:   true,
		Budget:              50,
		MaxTokensPerRequest: 4000,
		PolicySet:           "default",
		GovernanceStatus:    domain.StatusSandbox,
		CreatedAt:           time.Now().UTC(),
	}
	require.NoError(t, f.agents.Create(context.Background(), spec))
	out, err := f.local.Promote(context.Background(), "ws-1", id)
	require.NoError(t, err)
	return out
}

func testBundle() map[string]any {
	return map[string]any{
		"name": "default-policy",
		"rules": map[string]any{
			"allowed_roles":         []any{"analyst", "researcher"},
			"allow_tool_access":     true,
			"allow_document_access": true,
		},
	}
}

func TestHotReloadPublishesAndRevalidates(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")

	result, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops@example.com")
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, 1, result.Version)
	assert.NotEmpty(t, result.NewHash)
	assert.Equal(t, []string{"agent-1"}, result.Valid)
	assert.Empty(t, result.Failed)

	snap, err := f.local.GetPolicySnapshot(context.Background(), "ws-1", "default")
	require.NoError(t, err)
	assert.Equal(t, result.NewHash, snap.Hash)
	assert.Equal(t, 1, snap.Version)

	// The stored version carries the same content and hash.
	stored, err := f.policies.GetCurrent(context.Background(), "ws-1", "default")
	require.NoError(t, err)
	assert.Equal(t, result.NewHash, stored.Hash)
	assert.Equal(t, "ops@example.com", stored.ActorID)
}

func TestHotReloadReportsOldAndNewHash(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")

	first, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops")
	require.NoError(t, err)
	assert.Empty(t, first.OldHash)

	bundle := testBundle()
	bundle["rules"].(map[string]any)["max_budget"] = 100.0
	second, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", bundle, "ops")
	require.NoError(t, err)

	assert.Equal(t, first.NewHash, second.OldHash)
	assert.NotEqual(t, second.OldHash, second.NewHash)
	assert.Equal(t, 2, second.Version)
}

func TestHotReloadStorageFailureAbortsFully(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")
	f.policies.Fail = true

	_, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	// Nothing published, nobody revalidated.
	snap, err := f.snapshots.Get(context.Background(), "ws-1", "default")
	require.NoError(t, err)
	assert.Nil(t, snap)
	spec, err := f.agents.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvalidated, spec.GovernanceStatus)
	assert.Equal(t, domain.ReasonPolicyMissing, spec.GovernanceReason)
}

func TestHotReloadRejectsMalformedBundle(t *testing.T) {
	f := newFixture(t)

	_, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", map[string]any{
		"rules": map[string]any{"allowed_roles": "analyst"},
	}, "ops")
	var verr *BundleValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Problems)

	versions, err := f.policies.ListVersions(context.Background(), "ws-1", "default")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestHotReloadReportsPartialRevalidationFailures(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-ok")
	f.seedGoverned(t, "agent-broken")
	f.agents.FailAgents["agent-broken"] = true

	result, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops")
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, []string{"agent-ok"}, result.Valid)
	assert.Equal(t, []string{"agent-broken"}, result.Failed)
	assert.NotContains(t, result.Valid, "agent-broken")

	// The snapshot is still published for the agents that did succeed.
	snap, err := f.local.GetPolicySnapshot(context.Background(), "ws-1", "default")
	require.NoError(t, err)
	assert.Equal(t, result.NewHash, snap.Hash)
}

func TestHotReloadInvalidationEnrichesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")

	bundle := testBundle()
	bundle["rules"].(map[string]any)["allowed_roles"] = []any{"researcher"}
	result, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", bundle, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, result.Invalidated)

	snap, err := f.local.GetPolicySnapshot(context.Background(), "ws-1", "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, snap.InvalidatedAgents)
	assert.Equal(t, result.Version, snap.Version)
}

func TestConcurrentReloadsSerializePerPolicySet(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")

	const reloads = 8
	var wg sync.WaitGroup
	versions := make(chan int, reloads)
	for i := 0; i < reloads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bundle := testBundle()
			bundle["name"] = fmt.Sprintf("policy-%d", i)
			result, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", bundle, "ops")
			if err == nil {
				versions <- result.Version
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d allocated twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, reloads)
}

func TestStartAgentRefusesInvalidated(t *testing.T) {
	f := newFixture(t)
	spec := f.seedGoverned(t, "agent-1")

	// No snapshot published: the agent is invalidated for missing policy.
	require.Equal(t, domain.StatusInvalidated, spec.GovernanceStatus)

	err := f.local.StartAgent(context.Background(), "ws-1", spec)
	assert.ErrorIs(t, err, ErrAgentNotRunnable)
}

func TestStartAgentGatesOnSpecTamper(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")
	_, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops")
	require.NoError(t, err)

	spec, err := f.agents.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusValid, spec.GovernanceStatus)
	require.NoError(t, f.local.StartAgent(context.Background(), "ws-1", spec))
	require.NoError(t, f.local.StopAgent(context.Background(), "ws-1", "agent-1"))

	f.agents.TamperSpec("agent-1", func(s *domain.AgentSpec) {
		s.SystemPrompt = "do something else entirely"
	})

	tampered, err := f.agents.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	err = f.local.StartAgent(context.Background(), "ws-1", tampered)
	assert.ErrorIs(t, err, ErrAgentNotRunnable)

	status, err := f.local.GetAgentStatus(context.Background(), "ws-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvalidated, status.GovernanceStatus)
	assert.Equal(t, domain.ReasonSpecTamper, status.Reason)
}

func TestStartAgentAllowsRestricted(t *testing.T) {
	f := newFixture(t, governance.WithRestrictedThreshold(90))
	f.seedGoverned(t, "agent-1")

	bundle := testBundle()
	bundle["rules"].(map[string]any)["max_budget"] = 10.0
	_, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", bundle, "ops")
	require.NoError(t, err)

	spec, err := f.agents.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRestricted, spec.GovernanceStatus)
	assert.NoError(t, f.local.StartAgent(context.Background(), "ws-1", spec))
}

func TestStartAgentRefusesExpired(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")
	_, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops")
	require.NoError(t, err)

	expiry := time.Now().UTC().Add(-time.Minute)
	f.agents.TamperSpec("agent-1", func(s *domain.AgentSpec) { s.ExpiresAt = &expiry })

	spec, err := f.agents.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	err = f.local.StartAgent(context.Background(), "ws-1", spec)
	assert.ErrorIs(t, err, ErrAgentNotRunnable)

	status, err := f.local.GetAgentStatus(context.Background(), "ws-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, status.GovernanceStatus)
}

func TestRevalidateByIDReportsPerAgent(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")
	f.seedGoverned(t, "agent-2")
	_, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops")
	require.NoError(t, err)
	f.agents.FailAgents["agent-2"] = true

	entries, err := f.local.Revalidate(context.Background(), "ws-1", []string{"agent-1", "agent-2", "agent-missing"})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byID := make(map[string]rt.RevalidationEntry, len(entries))
	for _, e := range entries {
		byID[e.AgentID] = e
	}
	assert.Equal(t, domain.StatusValid, byID["agent-1"].Status)
	assert.Empty(t, byID["agent-1"].Error)
	assert.NotEmpty(t, byID["agent-2"].Error)
	assert.NotEmpty(t, byID["agent-missing"].Error)
}

func TestGovernanceExplanationVerifiesProof(t *testing.T) {
	f := newFixture(t)
	f.seedGoverned(t, "agent-1")
	_, err := f.local.HotReloadPolicy(context.Background(), "ws-1", "default", testBundle(), "ops")
	require.NoError(t, err)

	expl, err := f.local.GetGovernanceExplanation(context.Background(), "ws-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValid, expl.Status)
	require.NotNil(t, expl.ProofBundle)
	assert.True(t, expl.ProofVerified)
	assert.Equal(t, expl.PolicyHash, expl.ProofBundle.PolicyHash)
	assert.Equal(t, expl.SpecHash, expl.ProofBundle.SpecHash)
}

func TestListAgentStatusesPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.seedGoverned(t, fmt.Sprintf("agent-%d", i))
	}

	page1, total, err := f.local.ListAgentStatuses(context.Background(), "ws-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page1, 2)

	page3, total, err := f.local.ListAgentStatuses(context.Background(), "ws-1", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page3, 1)
}
