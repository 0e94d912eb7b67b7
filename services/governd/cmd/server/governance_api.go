package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/agentlane/agentlane/pkg/domain"
	"github.com/agentlane/agentlane/pkg/httpx"
	localruntime "github.com/agentlane/agentlane/services/governd/internal/runtime"
	"github.com/agentlane/agentlane/services/governd/internal/store"
)

type governanceAPI struct {
	runtime  *localruntime.Local
	agents   store.AgentStore
	policies store.PolicyStore
	log      *logrus.Logger
}

func (a *governanceAPI) mount(r chi.Router) {
	r.Route("/workspaces/{workspaceID}", func(ws chi.Router) {
		ws.Post("/agents", a.createAgent)
		ws.Get("/agents/statuses", a.listStatuses)
		ws.Route("/agents/{agentID}", func(ag chi.Router) {
			ag.Post("/start", a.startAgent)
			ag.Post("/stop", a.stopAgent)
			ag.Get("/status", a.getStatus)
			ag.Get("/governance", a.getGovernance)
			ag.Post("/promote", a.promoteAgent)
			ag.Post("/override", a.overrideAgent)
		})
		ws.Route("/policy", func(p chi.Router) {
			p.Get("/snapshot", a.getSnapshot)
			p.Get("/versions", a.listVersions)
			p.Post("/hotreload", a.hotReload)
			p.Post("/revalidate", a.revalidate)
		})
	})
}

// writeDomainError maps sentinel errors onto the HTTP surface.
func (a *governanceAPI) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		httpx.WriteError(w, http.StatusNotFound, "agent_not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrPolicyMissing):
		httpx.WriteError(w, http.StatusNotFound, "policy_missing", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrPolicyVersionConflict):
		httpx.WriteError(w, http.StatusConflict, "version_conflict", err.Error(), nil)
	case errors.Is(err, localruntime.ErrAgentNotRunnable):
		httpx.WriteError(w, http.StatusConflict, "agent_not_runnable", err.Error(), nil)
	case errors.Is(err, domain.ErrStorageUnavailable):
		httpx.WriteError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage backend unavailable", nil)
	default:
		a.log.WithError(err).Error("request failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

type createAgentRequest struct {
	AgentID             string     `json:"agent_id"`
	RoleClass           string     `json:"role_class"`
	SystemPrompt        string     `json:"system_prompt"`
	AllowedTools        []string   `json:"allowed_tools"`
	HasToolAccess       bool       `json:"has_tool_access"`
	HasDocumentAccess   bool       `json:"has_document_access"`
	Budget              float64    `json:"budget"`
	MaxTokensPerRequest int        `json:"max_tokens_per_request"`
	PolicySet           string     `json:"policy_set"`
	ExpiresAt           *time.Time `json:"expires_at"`
}

func (a *governanceAPI) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	spec := domain.AgentSpec{
		AgentID:             req.AgentID,
		WorkspaceID:         chi.URLParam(r, "workspaceID"),
		Mode:                domain.ModeSandbox,
		RoleClass:           req.RoleClass,
		SystemPrompt:        req.SystemPrompt,
		AllowedTools:        req.AllowedTools,
		HasToolAccess:       req.HasToolAccess,
		HasDocumentAccess:   req.HasDocumentAccess,
		Budget:              req.Budget,
		MaxTokensPerRequest: req.MaxTokensPerRequest,
		PolicySet:           req.PolicySet,
		GovernanceStatus:    domain.StatusSandbox,
		CreatedAt:           time.Now().UTC(),
		ExpiresAt:           req.ExpiresAt,
	}
	if err := domain.ValidateBaseline(spec); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_spec", err.Error(), nil)
		return
	}
	if err := a.agents.Create(r.Context(), spec); err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, spec)
}

func (a *governanceAPI) startAgent(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	spec, err := a.agents.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if err := a.runtime.StartAgent(r.Context(), workspaceID, spec); err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *governanceAPI) stopAgent(w http.ResponseWriter, r *http.Request) {
	err := a.runtime.StopAgent(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *governanceAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.runtime.GetAgentStatus(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (a *governanceAPI) listStatuses(w http.ResponseWriter, r *http.Request) {
	page := httpx.QueryInt(r, "page", 1)
	limit := httpx.QueryInt(r, "limit", 50)
	statuses, total, err := a.runtime.ListAgentStatuses(r.Context(), chi.URLParam(r, "workspaceID"), page, limit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"statuses": statuses,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

func (a *governanceAPI) getGovernance(w http.ResponseWriter, r *http.Request) {
	expl, err := a.runtime.GetGovernanceExplanation(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, expl)
}

func (a *governanceAPI) promoteAgent(w http.ResponseWriter, r *http.Request) {
	spec, err := a.runtime.Promote(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, spec)
}

type overrideRequest struct {
	Actor string `json:"actor"`
}

func (a *governanceAPI) overrideAgent(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.Actor == "" {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", "actor is required", nil)
		return
	}
	spec, err := a.runtime.OverrideInvalidation(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "agentID"), req.Actor)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, spec)
}

// policySetParam reads the policy set from the query, defaulting to the
// workspace's "default" set.
func policySetParam(r *http.Request) string {
	if set := r.URL.Query().Get("policy_set"); set != "" {
		return set
	}
	return "default"
}

func (a *governanceAPI) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.runtime.GetPolicySnapshot(r.Context(), chi.URLParam(r, "workspaceID"), policySetParam(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (a *governanceAPI) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.policies.ListVersions(r.Context(), chi.URLParam(r, "workspaceID"), policySetParam(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type hotReloadRequest struct {
	PolicySet string         `json:"policy_set"`
	Bundle    map[string]any `json:"bundle"`
	Actor     string         `json:"actor"`
}

func (a *governanceAPI) hotReload(w http.ResponseWriter, r *http.Request) {
	var req hotReloadRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if len(req.Bundle) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", "bundle is required", nil)
		return
	}
	if req.PolicySet == "" {
		req.PolicySet = "default"
	}
	result, err := a.runtime.HotReloadPolicy(r.Context(), chi.URLParam(r, "workspaceID"), req.PolicySet, req.Bundle, req.Actor)
	if err != nil {
		var verr *localruntime.BundleValidationError
		if errors.As(err, &verr) {
			httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_bundle", "policy bundle rejected", verr.Problems)
			return
		}
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

type revalidateRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

func (a *governanceAPI) revalidate(w http.ResponseWriter, r *http.Request) {
	var req revalidateRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	entries, err := a.runtime.Revalidate(r.Context(), chi.URLParam(r, "workspaceID"), req.AgentIDs)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": entries})
}
