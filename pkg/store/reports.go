package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/loomworks/bazaar/pkg/types"
)

type reportRow struct {
	ID          string         `db:"id"`
	ModelID     string         `db:"model_id"`
	Status      string         `db:"status"`
	Attempt     int            `db:"attempt"`
	WorkerID    sql.NullString `db:"worker_id"`
	Msg         sql.NullString `db:"msg"`
	Documents   []byte         `db:"documents"`
	Result      []byte         `db:"result"`
	SubmittedAt sql.NullTime   `db:"submitted_at"`
	UpdatedAt   sql.NullTime   `db:"updated_at"`
}

func (r *reportRow) toType() *types.Report {
	return &types.Report{
		ID:          r.ID,
		ModelID:     r.ModelID,
		Status:      types.ReportStatus(r.Status),
		Attempt:     r.Attempt,
		WorkerID:    r.WorkerID.String,
		Msg:         r.Msg.String,
		Documents:   r.Documents,
		Result:      r.Result,
		SubmittedAt: r.SubmittedAt.Time,
		UpdatedAt:   r.UpdatedAt.Time,
	}
}

const reportColumns = `id, model_id, status, attempt, worker_id, msg, documents, result, submitted_at, updated_at`

func (s *SQLStore) CreateReport(ctx context.Context, report *types.Report) error {
	now := types.NowUTC()
	if report.SubmittedAt.IsZero() {
		report.SubmittedAt = now
	}
	report.UpdatedAt = now
	if report.Status == "" {
		report.Status = types.ReportQueued
	}
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO reports (id, model_id, status, attempt, documents, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.ID, report.ModelID, report.Status, report.Attempt,
		report.Documents, report.SubmittedAt, report.UpdatedAt)
	return translate(err)
}

func (s *SQLStore) GetReport(ctx context.Context, id string) (*types.Report, error) {
	var row reportRow
	err := sqlx.GetContext(ctx, s.ext, &row,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return row.toType(), nil
}

func (s *SQLStore) ListReports(ctx context.Context, modelID string) ([]*types.Report, error) {
	var rows []reportRow
	err := sqlx.SelectContext(ctx, s.ext, &rows,
		`SELECT `+reportColumns+` FROM reports WHERE model_id = $1 ORDER BY submitted_at ASC`, modelID)
	if err != nil {
		return nil, translate(err)
	}

	reports := make([]*types.Report, 0, len(rows))
	for i := range rows {
		reports = append(reports, rows[i].toType())
	}
	return reports, nil
}

func (s *SQLStore) DeleteReport(ctx context.Context, id string) error {
	res, err := s.ext.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// ClaimNextReport leases the oldest claimable report. Claimable means
// queued, or in_progress with an expired lease and attempts left. SKIP
// LOCKED lets concurrent workers claim disjoint rows without blocking.
func (s *SQLStore) ClaimNextReport(ctx context.Context, workerID string) (*types.Report, error) {
	now := types.NowUTC()
	var row reportRow
	err := sqlx.GetContext(ctx, s.ext, &row, fmt.Sprintf(`
		UPDATE reports SET status = 'in_progress', attempt = attempt + 1,
			worker_id = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM reports
			WHERE status = 'queued'
			   OR (status = 'in_progress' AND attempt < %d AND updated_at < $3)
			ORDER BY submitted_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+reportColumns, MaxReportAttempts),
		workerID, now, now.Add(-ReportTimeout))
	if err != nil {
		return nil, translate(err)
	}
	return row.toType(), nil
}

// CompleteReport finishes a lease. The submitted attempt must still match
// the row: a mismatch means the lease expired and another worker owns the
// report now.
func (s *SQLStore) CompleteReport(ctx context.Context, id string, attempt int, status types.ReportStatus, msg string, result []byte) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE reports SET status = $3, msg = NULLIF($4, ''), result = $5, updated_at = $6
		WHERE id = $1 AND attempt = $2`,
		id, attempt, status, msg, result, types.NowUTC())
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale lease from a missing report.
		if _, getErr := s.GetReport(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStaleLease
	}
	return nil
}

// ResetReport re-queues a report with a fresh attempt budget. Operator
// escape hatch for reports stranded at the attempt bound.
func (s *SQLStore) ResetReport(ctx context.Context, id string) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE reports SET status = 'queued', attempt = 0, worker_id = NULL,
			msg = NULL, updated_at = $2
		WHERE id = $1`,
		id, types.NowUTC())
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// ---- questions ----

func (s *SQLStore) CreateQuestion(ctx context.Context, q *types.Question) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = types.NowUTC()
	}
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO questions (id, model_id, text, default_usage, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		q.ID, q.ModelID, q.Text, q.DefaultUsage, q.CreatedAt)
	if err != nil {
		return translate(err)
	}
	if len(q.Keywords) > 0 {
		return s.AddKeywords(ctx, q.ID, q.Keywords)
	}
	return nil
}

func (s *SQLStore) ListQuestions(ctx context.Context, modelID string) ([]*types.Question, error) {
	rows, err := s.ext.QueryxContext(ctx, `
		SELECT q.id, q.model_id, q.text, COALESCE(q.default_usage, ''), q.created_at,
			COALESCE(json_agg(k.keyword) FILTER (WHERE k.keyword IS NOT NULL), '[]')
		FROM questions q
		LEFT JOIN keywords k ON k.question_id = q.id
		WHERE q.model_id = $1
		GROUP BY q.id
		ORDER BY q.created_at ASC`, modelID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var questions []*types.Question
	for rows.Next() {
		var q types.Question
		var keywordsJSON []byte
		if err := rows.Scan(&q.ID, &q.ModelID, &q.Text, &q.DefaultUsage, &q.CreatedAt, &keywordsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(keywordsJSON, &q.Keywords); err != nil {
			return nil, fmt.Errorf("corrupt keywords for question %s: %w", q.ID, err)
		}
		questions = append(questions, &q)
	}
	return questions, rows.Err()
}

func (s *SQLStore) DeleteQuestion(ctx context.Context, id string) error {
	res, err := s.ext.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *SQLStore) AddKeywords(ctx context.Context, questionID string, keywords []string) error {
	for _, kw := range keywords {
		if _, err := s.ext.ExecContext(ctx, `
			INSERT INTO keywords (question_id, keyword) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, questionID, kw); err != nil {
			return translate(err)
		}
	}
	return nil
}
