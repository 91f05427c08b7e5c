package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	TenantID string
	// ProjectID is empty for organization-wide keys.
	ProjectID string
}

// Allows reports whether the identity may act on the given project.
func (id Identity) Allows(projectID string) bool {
	return id.ProjectID == "" || id.ProjectID == projectID
}

// HashToken returns the hex SHA-256 of an API token. Only hashes are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey registers a token for a tenant. projectID scopes the key to a
// single project when non-empty.
func (s *Store) CreateAPIKey(ctx context.Context, token, tenantID, projectID, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (token_hash, tenant_id, project_id, name)
		 VALUES ($1, $2, $3, $4)`,
		HashToken(token), tenantID, projectID, name,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "create api key", err)
	}
	return nil
}

// ResolveAPIKey maps a presented token to its identity. Unknown and revoked
// tokens both read as authorization failures.
func (s *Store) ResolveAPIKey(ctx context.Context, token string) (*Identity, error) {
	var id Identity
	var revokedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, project_id, revoked_at FROM api_keys WHERE token_hash = $1`,
		HashToken(token),
	).Scan(&id.TenantID, &id.ProjectID, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindAuthorization, "invalid api key")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "resolve api key", err)
	}
	if revokedAt != nil {
		return nil, apperr.New(apperr.KindAuthorization, "api key revoked")
	}
	return &id, nil
}

// RevokeAPIKey invalidates a token without deleting its audit trail.
func (s *Store) RevokeAPIKey(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`,
		HashToken(token),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "revoke api key", err)
	}
	return nil
}
