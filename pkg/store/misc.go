package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/types"
)

// ---- api keys ----

func (s *SQLStore) CreateAPIKey(ctx context.Context, key *types.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = types.NowUTC()
	}
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, user_id, key_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Name, key.UserID, key.KeyHash, key.ExpiresAt, key.CreatedAt)
	return translate(err)
}

func (s *SQLStore) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	var key types.APIKey
	err := s.ext.QueryRowxContext(ctx, `
		SELECT id, name, user_id, key_hash, expires_at, created_at
		FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&key.ID, &key.Name, &key.UserID, &key.KeyHash, &key.ExpiresAt, &key.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

// ---- audit trail ----

func (s *SQLStore) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = types.NowUTC()
	}
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO audit_logs (id, username, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Username, entry.Action, entry.Detail, entry.CreatedAt)
	return translate(err)
}

func (s *SQLStore) ListAuditForUser(ctx context.Context, username string, limit int) ([]*types.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ext.QueryxContext(ctx, `
		SELECT id, username, action, detail, created_at
		FROM audit_logs WHERE username = $1
		ORDER BY created_at DESC LIMIT $2`, username, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var entries []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ---- secrets ----

func (s *SQLStore) UpsertSecret(ctx context.Context, secret *types.Secret) error {
	now := types.NowUTC()
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = now
	}
	secret.UpdatedAt = now
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO secrets (name, ciphertext, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at`,
		secret.Name, secret.Ciphertext, secret.CreatedAt, secret.UpdatedAt)
	return translate(err)
}

func (s *SQLStore) GetSecret(ctx context.Context, name string) (*types.Secret, error) {
	var secret types.Secret
	err := s.ext.QueryRowxContext(ctx, `
		SELECT name, ciphertext, created_at, updated_at FROM secrets WHERE name = $1`, name).
		Scan(&secret.Name, &secret.Ciphertext, &secret.CreatedAt, &secret.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &secret, nil
}

// ---- metrics ----

type countRow struct {
	A     string `db:"a"`
	B     string `db:"b"`
	Count int    `db:"count"`
}

// CountSnapshot pulls entity counts for the metrics collector in three
// grouped queries.
func (s *SQLStore) CountSnapshot(ctx context.Context) (metrics.Snapshot, error) {
	snap := metrics.Snapshot{
		Models:      map[string]map[string]int{},
		Deployments: map[string]int{},
		Reports:     map[string]int{},
	}

	var modelCounts []countRow
	if err := sqlx.SelectContext(ctx, s.ext, &modelCounts,
		`SELECT type AS a, train_status AS b, COUNT(*) AS count FROM models GROUP BY type, train_status`); err != nil {
		return snap, translate(err)
	}
	for _, row := range modelCounts {
		if snap.Models[row.A] == nil {
			snap.Models[row.A] = map[string]int{}
		}
		snap.Models[row.A][row.B] = row.Count
	}

	var deployCounts []countRow
	if err := sqlx.SelectContext(ctx, s.ext, &deployCounts,
		`SELECT status AS a, '' AS b, COUNT(*) AS count FROM deployments GROUP BY status`); err != nil {
		return snap, translate(err)
	}
	for _, row := range deployCounts {
		snap.Deployments[row.A] = row.Count
	}

	var reportCounts []countRow
	if err := sqlx.SelectContext(ctx, s.ext, &reportCounts,
		`SELECT status AS a, '' AS b, COUNT(*) AS count FROM reports GROUP BY status`); err != nil {
		return snap, translate(err)
	}
	for _, row := range reportCounts {
		snap.Reports[row.A] = row.Count
	}

	return snap, nil
}
