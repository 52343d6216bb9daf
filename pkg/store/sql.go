package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/loomworks/bazaar/pkg/types"
)

// SQLStore is the Postgres-backed Store. One instance serves the whole
// control plane; transaction-bound copies are handed out by WithTx.
type SQLStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*SQLStore, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &SQLStore{db: db, ext: db}, nil
}

// NewFromDB wraps an existing database handle. Used by tests with sqlmock.
func NewFromDB(db *sql.DB, driverName string) *SQLStore {
	wrapped := sqlx.NewDb(db, driverName)
	return &SQLStore{db: wrapped, ext: wrapped}
}

// DB exposes the raw handle for migrations.
func (s *SQLStore) DB() *sql.DB {
	return s.db.DB
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside one transaction. Nested calls reuse the outer
// transaction rather than opening a second one.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.db == nil {
		// Already transaction-bound.
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	bound := &SQLStore{ext: tx}
	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// translate maps driver errors onto the store's sentinel errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// ---- users ----

type userRow struct {
	ID                string         `db:"id"`
	Username          string         `db:"username"`
	Email             string         `db:"email"`
	PasswordHash      string         `db:"password_hash"`
	GlobalAdmin       bool           `db:"global_admin"`
	Verified          bool           `db:"verified"`
	VerificationNonce sql.NullString `db:"verification_nonce"`
	CreatedAt         sql.NullTime   `db:"created_at"`
}

func (r *userRow) toType() *types.User {
	return &types.User{
		ID:                r.ID,
		Username:          r.Username,
		Email:             r.Email,
		PasswordHash:      r.PasswordHash,
		GlobalAdmin:       r.GlobalAdmin,
		Verified:          r.Verified,
		VerificationNonce: r.VerificationNonce.String,
		CreatedAt:         r.CreatedAt.Time,
	}
}

const userColumns = `id, username, email, password_hash, global_admin, verified, verification_nonce, created_at`

func (s *SQLStore) CreateUser(ctx context.Context, user *types.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = types.NowUTC()
	}
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, global_admin, verified, verification_nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.GlobalAdmin, user.Verified, user.VerificationNonce, user.CreatedAt)
	return translate(err)
}

func (s *SQLStore) getUserWhere(ctx context.Context, where string, arg any) (*types.User, error) {
	var row userRow
	err := sqlx.GetContext(ctx, s.ext, &row,
		`SELECT `+userColumns+` FROM users WHERE `+where, arg)
	if err != nil {
		return nil, translate(err)
	}
	return row.toType(), nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	return s.getUserWhere(ctx, "id = $1", id)
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	return s.getUserWhere(ctx, "username = $1", username)
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return s.getUserWhere(ctx, "email = $1", email)
}

func (s *SQLStore) UpdateUser(ctx context.Context, user *types.User) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE users SET email = $2, password_hash = $3, global_admin = $4,
			verified = $5, verification_nonce = NULLIF($6, '')
		WHERE id = $1`,
		user.ID, user.Email, user.PasswordHash, user.GlobalAdmin,
		user.Verified, user.VerificationNonce)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *SQLStore) DeleteUser(ctx context.Context, id string) error {
	// Memberships cascade via FK; models and deployments are removed by
	// the manager before the user row goes.
	res, err := s.ext.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// ---- teams ----

func (s *SQLStore) CreateTeam(ctx context.Context, team *types.Team) error {
	if team.CreatedAt.IsZero() {
		team.CreatedAt = types.NowUTC()
	}
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO teams (id, name, created_at) VALUES ($1, $2, $3)`,
		team.ID, team.Name, team.CreatedAt)
	return translate(err)
}

func (s *SQLStore) GetTeam(ctx context.Context, id string) (*types.Team, error) {
	var team types.Team
	err := s.ext.QueryRowxContext(ctx,
		`SELECT id, name, created_at FROM teams WHERE id = $1`, id).
		Scan(&team.ID, &team.Name, &team.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &team, nil
}

func (s *SQLStore) DeleteTeam(ctx context.Context, id string) error {
	// Memberships cascade; users survive.
	res, err := s.ext.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *SQLStore) UpsertTeamMembership(ctx context.Context, m *types.TeamMembership) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO team_memberships (user_id, team_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, team_id) DO UPDATE SET role = EXCLUDED.role`,
		m.UserID, m.TeamID, m.Role)
	return translate(err)
}

func (s *SQLStore) RemoveTeamMembership(ctx context.Context, userID, teamID string) error {
	res, err := s.ext.ExecContext(ctx,
		`DELETE FROM team_memberships WHERE user_id = $1 AND team_id = $2`, userID, teamID)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *SQLStore) ListTeamsForUser(ctx context.Context, userID string) ([]*types.TeamMembership, error) {
	rows, err := s.ext.QueryxContext(ctx,
		`SELECT user_id, team_id, role FROM team_memberships WHERE user_id = $1`, userID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var memberships []*types.TeamMembership
	for rows.Next() {
		var m types.TeamMembership
		if err := rows.Scan(&m.UserID, &m.TeamID, &m.Role); err != nil {
			return nil, err
		}
		memberships = append(memberships, &m)
	}
	return memberships, rows.Err()
}

// SharesTeam reports whether two users belong to at least one common team.
// This is the access rule behind the "protected" level.
func (s *SQLStore) SharesTeam(ctx context.Context, userA, userB string) (bool, error) {
	var shared bool
	err := s.ext.QueryRowxContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM team_memberships a
			JOIN team_memberships b ON a.team_id = b.team_id
			WHERE a.user_id = $1 AND b.user_id = $2
		)`, userA, userB).Scan(&shared)
	if err != nil {
		return false, translate(err)
	}
	return shared, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
