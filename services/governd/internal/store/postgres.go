package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentlane/agentlane/pkg/domain"
)

// Connect builds a pgx pool with the service's pool sizing.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return pool, nil
}

type PostgresAgentStore struct{ DB *pgxpool.Pool }

func NewPostgresAgentStore(db *pgxpool.Pool) *PostgresAgentStore {
	return &PostgresAgentStore{DB: db}
}

const agentColumns = `agent_id,workspace_id,mode,role_class,system_prompt,allowed_tools,has_tool_access,has_document_access,budget,max_tokens_per_request,policy_set,governance_status,governance_reason,policy_hash,spec_hash,proof_bundle,created_at,expires_at`

func (s *PostgresAgentStore) Create(ctx context.Context, a domain.AgentSpec) error {
	proof, err := marshalProof(a.ProofBundle)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO agents(`+agentColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16::jsonb,$17,$18)`,
		a.AgentID, a.WorkspaceID, string(a.Mode), a.RoleClass, a.SystemPrompt, a.AllowedTools,
		a.HasToolAccess, a.HasDocumentAccess, a.Budget, a.MaxTokensPerRequest, a.PolicySet,
		string(a.GovernanceStatus), a.GovernanceReason, a.PolicyHash, a.SpecHash, proof,
		a.CreatedAt, a.ExpiresAt)
	return wrapStorageErr(err)
}

func (s *PostgresAgentStore) Get(ctx context.Context, agentID string) (domain.AgentSpec, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id=$1`, agentID)
	return scanAgent(row)
}

func (s *PostgresAgentStore) List(ctx context.Context, workspaceID string, offset, limit int) ([]domain.AgentSpec, int, error) {
	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM agents WHERE workspace_id=$1`, workspaceID).Scan(&total); err != nil {
		return nil, 0, wrapStorageErr(err)
	}
	rows, err := s.DB.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE workspace_id=$1 ORDER BY created_at ASC OFFSET $2 LIMIT $3`,
		workspaceID, offset, limit)
	if err != nil {
		return nil, 0, wrapStorageErr(err)
	}
	defer rows.Close()
	var out []domain.AgentSpec
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, wrapStorageErr(rows.Err())
}

func (s *PostgresAgentStore) ListGoverned(ctx context.Context, workspaceID, policySet string) ([]domain.AgentSpec, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+agentColumns+` FROM agents
WHERE workspace_id=$1 AND policy_set=$2 AND governance_status LIKE 'GOVERNED_%' ORDER BY created_at ASC`,
		workspaceID, policySet)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()
	var out []domain.AgentSpec
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, wrapStorageErr(rows.Err())
}

func (s *PostgresAgentStore) Update(ctx context.Context, a domain.AgentSpec) error {
	proof, err := marshalProof(a.ProofBundle)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE agents SET
workspace_id=$2, mode=$3, role_class=$4, system_prompt=$5, allowed_tools=$6,
has_tool_access=$7, has_document_access=$8, budget=$9, max_tokens_per_request=$10,
policy_set=$11, governance_status=$12, governance_reason=$13, policy_hash=$14,
spec_hash=$15, proof_bundle=$16::jsonb, expires_at=$17
WHERE agent_id=$1`,
		a.AgentID, a.WorkspaceID, string(a.Mode), a.RoleClass, a.SystemPrompt, a.AllowedTools,
		a.HasToolAccess, a.HasDocumentAccess, a.Budget, a.MaxTokensPerRequest, a.PolicySet,
		string(a.GovernanceStatus), a.GovernanceReason, a.PolicyHash, a.SpecHash, proof, a.ExpiresAt)
	if err != nil {
		return wrapStorageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

func (s *PostgresAgentStore) Delete(ctx context.Context, agentID string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM agents WHERE agent_id=$1`, agentID)
	if err != nil {
		return wrapStorageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

func (s *PostgresAgentStore) UpdateGovernance(ctx context.Context, agentID string, status domain.GovernanceStatus, reason, policyHash, specHash string, proof *domain.ProofBundle) error {
	proofJSON, err := marshalProof(proof)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE agents SET
governance_status=$2, governance_reason=$3, policy_hash=$4, spec_hash=$5, proof_bundle=$6::jsonb
WHERE agent_id=$1`,
		agentID, string(status), reason, policyHash, specHash, proofJSON)
	if err != nil {
		return wrapStorageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

type PostgresPolicyStore struct{ DB *pgxpool.Pool }

func NewPostgresPolicyStore(db *pgxpool.Pool) *PostgresPolicyStore {
	return &PostgresPolicyStore{DB: db}
}

func (s *PostgresPolicyStore) AppendVersion(ctx context.Context, workspaceID, policySet, hash string, content map[string]any, actorID string) (domain.PolicyVersion, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return domain.PolicyVersion{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.PolicyVersion{}, wrapStorageErr(err)
	}
	defer tx.Rollback(ctx)

	var version int
	// coalesce(max)+1 under the tx; the unique index on
	// (workspace_id, policy_set, version) turns a lost race into a
	// conflict error instead of a silent overwrite.
	if err := tx.QueryRow(ctx, `SELECT coalesce(max(version),0)+1 FROM policies WHERE workspace_id=$1 AND policy_set=$2`,
		workspaceID, policySet).Scan(&version); err != nil {
		return domain.PolicyVersion{}, wrapStorageErr(err)
	}
	createdAt := time.Now().UTC()
	if _, err := tx.Exec(ctx, `INSERT INTO policies(workspace_id,policy_set,version,hash,content,actor_id,created_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7)`,
		workspaceID, policySet, version, hash, string(b), actorID, createdAt); err != nil {
		return domain.PolicyVersion{}, wrapStorageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.PolicyVersion{}, wrapStorageErr(err)
	}
	return domain.PolicyVersion{
		WorkspaceID: workspaceID,
		PolicySet:   policySet,
		Version:     version,
		Hash:        hash,
		Content:     content,
		ActorID:     actorID,
		CreatedAt:   createdAt,
	}, nil
}

func (s *PostgresPolicyStore) GetVersion(ctx context.Context, workspaceID, policySet string, version int) (domain.PolicyVersion, error) {
	row := s.DB.QueryRow(ctx, `SELECT workspace_id,policy_set,version,hash,content,actor_id,created_at
FROM policies WHERE workspace_id=$1 AND policy_set=$2 AND version=$3`, workspaceID, policySet, version)
	return scanPolicy(row)
}

func (s *PostgresPolicyStore) GetCurrent(ctx context.Context, workspaceID, policySet string) (domain.PolicyVersion, error) {
	row := s.DB.QueryRow(ctx, `SELECT workspace_id,policy_set,version,hash,content,actor_id,created_at
FROM policies WHERE workspace_id=$1 AND policy_set=$2 ORDER BY version DESC LIMIT 1`, workspaceID, policySet)
	return scanPolicy(row)
}

func (s *PostgresPolicyStore) ListVersions(ctx context.Context, workspaceID, policySet string) ([]domain.PolicyVersion, error) {
	rows, err := s.DB.Query(ctx, `SELECT workspace_id,policy_set,version,hash,content,actor_id,created_at
FROM policies WHERE workspace_id=$1 AND policy_set=$2 ORDER BY version ASC`, workspaceID, policySet)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()
	var out []domain.PolicyVersion
	for rows.Next() {
		v, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, wrapStorageErr(rows.Err())
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAgent(row rowScanner) (domain.AgentSpec, error) {
	var a domain.AgentSpec
	var mode, status string
	var proofJSON []byte
	err := row.Scan(&a.AgentID, &a.WorkspaceID, &mode, &a.RoleClass, &a.SystemPrompt, &a.AllowedTools,
		&a.HasToolAccess, &a.HasDocumentAccess, &a.Budget, &a.MaxTokensPerRequest, &a.PolicySet,
		&status, &a.GovernanceReason, &a.PolicyHash, &a.SpecHash, &proofJSON, &a.CreatedAt, &a.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AgentSpec{}, domain.ErrAgentNotFound
		}
		return domain.AgentSpec{}, wrapStorageErr(err)
	}
	a.Mode = domain.AgentMode(mode)
	a.GovernanceStatus = domain.GovernanceStatus(status)
	if len(proofJSON) > 0 {
		var proof domain.ProofBundle
		if err := json.Unmarshal(proofJSON, &proof); err == nil && proof.AgentID != "" {
			a.ProofBundle = &proof
		}
	}
	return a, nil
}

func scanPolicy(row rowScanner) (domain.PolicyVersion, error) {
	var v domain.PolicyVersion
	var content []byte
	err := row.Scan(&v.WorkspaceID, &v.PolicySet, &v.Version, &v.Hash, &content, &v.ActorID, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PolicyVersion{}, domain.ErrPolicyMissing
		}
		return domain.PolicyVersion{}, wrapStorageErr(err)
	}
	_ = json.Unmarshal(content, &v.Content)
	return v, nil
}

func marshalProof(p *domain.ProofBundle) (*string, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}
