package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/loomworks/bazaar/pkg/types"
)

type modelRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Type        string         `db:"type"`
	Subtype     sql.NullString `db:"subtype"`
	OwnerID     string         `db:"owner_id"`
	TrainStatus string         `db:"train_status"`
	AccessLevel string         `db:"access_level"`
	ParentID    sql.NullString `db:"parent_id"`
	Hidden      bool           `db:"hidden"`
	Attributes  []byte         `db:"attributes"`
	CreatedAt   sql.NullTime   `db:"created_at"`
	UpdatedAt   sql.NullTime   `db:"updated_at"`
}

func (r *modelRow) toType() (*types.Model, error) {
	model := &types.Model{
		ID:          r.ID,
		Name:        r.Name,
		Type:        types.ModelType(r.Type),
		Subtype:     r.Subtype.String,
		OwnerID:     r.OwnerID,
		TrainStatus: types.TrainStatus(r.TrainStatus),
		AccessLevel: types.AccessLevel(r.AccessLevel),
		ParentID:    r.ParentID.String,
		Hidden:      r.Hidden,
		CreatedAt:   r.CreatedAt.Time,
		UpdatedAt:   r.UpdatedAt.Time,
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &model.Attributes); err != nil {
			return nil, fmt.Errorf("corrupt attributes for model %s: %w", r.ID, err)
		}
	}
	return model, nil
}

const modelColumns = `id, name, type, subtype, owner_id, train_status, access_level, parent_id, hidden, attributes, created_at, updated_at`

func marshalAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return json.Marshal(attrs)
}

func (s *SQLStore) CreateModel(ctx context.Context, model *types.Model) error {
	now := types.NowUTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now

	attrs, err := marshalAttributes(model.Attributes)
	if err != nil {
		return err
	}
	_, err = s.ext.ExecContext(ctx, `
		INSERT INTO models (id, name, type, subtype, owner_id, train_status, access_level, parent_id, hidden, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)`,
		model.ID, model.Name, model.Type, model.Subtype, model.OwnerID,
		model.TrainStatus, model.AccessLevel, model.ParentID, model.Hidden,
		attrs, model.CreatedAt, model.UpdatedAt)
	return translate(err)
}

func (s *SQLStore) getModelWhere(ctx context.Context, where string, args ...any) (*types.Model, error) {
	var row modelRow
	err := sqlx.GetContext(ctx, s.ext, &row,
		`SELECT `+modelColumns+` FROM models WHERE `+where, args...)
	if err != nil {
		return nil, translate(err)
	}
	return row.toType()
}

func (s *SQLStore) GetModel(ctx context.Context, id string) (*types.Model, error) {
	return s.getModelWhere(ctx, "id = $1", id)
}

func (s *SQLStore) GetModelByOwnerName(ctx context.Context, ownerID, name string) (*types.Model, error) {
	return s.getModelWhere(ctx, "owner_id = $1 AND name = $2", ownerID, name)
}

func (s *SQLStore) ListModelsForOwner(ctx context.Context, ownerID string) ([]*types.Model, error) {
	var rows []modelRow
	err := sqlx.SelectContext(ctx, s.ext, &rows,
		`SELECT `+modelColumns+` FROM models WHERE owner_id = $1 ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, translate(err)
	}

	models := make([]*types.Model, 0, len(rows))
	for i := range rows {
		model, err := rows[i].toType()
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	return models, nil
}

// ListModels returns every model row. Consumed by backups and the metrics
// collector; user-facing listings go through ListModelsForOwner.
func (s *SQLStore) ListModels(ctx context.Context) ([]*types.Model, error) {
	var rows []modelRow
	err := sqlx.SelectContext(ctx, s.ext, &rows,
		`SELECT `+modelColumns+` FROM models ORDER BY created_at ASC`)
	if err != nil {
		return nil, translate(err)
	}

	models := make([]*types.Model, 0, len(rows))
	for i := range rows {
		model, err := rows[i].toType()
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	return models, nil
}

func (s *SQLStore) UpdateModel(ctx context.Context, model *types.Model) error {
	model.UpdatedAt = types.NowUTC()
	attrs, err := marshalAttributes(model.Attributes)
	if err != nil {
		return err
	}
	res, err := s.ext.ExecContext(ctx, `
		UPDATE models SET train_status = $2, access_level = $3, subtype = NULLIF($4, ''),
			hidden = $5, attributes = $6, updated_at = $7
		WHERE id = $1`,
		model.ID, model.TrainStatus, model.AccessLevel, model.Subtype,
		model.Hidden, attrs, model.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *SQLStore) DeleteModel(ctx context.Context, id string) error {
	// Dependency edges cascade in both directions.
	res, err := s.ext.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// ---- dependency edges ----

func (s *SQLStore) AddModelDependency(ctx context.Context, modelID, dependsOn string) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO model_dependencies (model_id, depends_on) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		modelID, dependsOn)
	return translate(err)
}

func (s *SQLStore) RemoveModelDependency(ctx context.Context, modelID, dependsOn string) error {
	_, err := s.ext.ExecContext(ctx,
		`DELETE FROM model_dependencies WHERE model_id = $1 AND depends_on = $2`,
		modelID, dependsOn)
	return translate(err)
}

// ListDependencies returns the ids of models that modelID composes.
func (s *SQLStore) ListDependencies(ctx context.Context, modelID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.ext, &ids,
		`SELECT depends_on FROM model_dependencies WHERE model_id = $1 ORDER BY depends_on`, modelID)
	return ids, translate(err)
}

// ListDependents returns the ids of models that use modelID ("used_by").
func (s *SQLStore) ListDependents(ctx context.Context, modelID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.ext, &ids,
		`SELECT model_id FROM model_dependencies WHERE depends_on = $1 ORDER BY model_id`, modelID)
	return ids, translate(err)
}

// ---- deployments ----

type deploymentRow struct {
	ID                 string         `db:"id"`
	ModelID            string         `db:"model_id"`
	Name               sql.NullString `db:"name"`
	UserID             string         `db:"user_id"`
	Status             string         `db:"status"`
	Msg                sql.NullString `db:"msg"`
	AutoscalingEnabled bool           `db:"autoscaling_enabled"`
	AutoscalingMin     int            `db:"autoscaling_min"`
	AutoscalingMax     int            `db:"autoscaling_max"`
	MemoryMB           int            `db:"memory_mb"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
}

func (r *deploymentRow) toType() *types.Deployment {
	return &types.Deployment{
		ID:                 r.ID,
		ModelID:            r.ModelID,
		Name:               r.Name.String,
		UserID:             r.UserID,
		Status:             types.DeployStatus(r.Status),
		Msg:                r.Msg.String,
		AutoscalingEnabled: r.AutoscalingEnabled,
		AutoscalingMin:     r.AutoscalingMin,
		AutoscalingMax:     r.AutoscalingMax,
		MemoryMB:           r.MemoryMB,
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
	}
}

const deploymentColumns = `id, model_id, name, user_id, status, msg, autoscaling_enabled, autoscaling_min, autoscaling_max, memory_mb, created_at, updated_at`

func (s *SQLStore) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	now := types.NowUTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO deployments (id, model_id, name, user_id, status, autoscaling_enabled, autoscaling_min, autoscaling_max, memory_mb, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.ModelID, d.Name, d.UserID, d.Status, d.AutoscalingEnabled,
		d.AutoscalingMin, d.AutoscalingMax, d.MemoryMB, d.CreatedAt, d.UpdatedAt)
	return translate(err)
}

func (s *SQLStore) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	var row deploymentRow
	err := sqlx.GetContext(ctx, s.ext, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return row.toType(), nil
}

// GetActiveDeployment returns the single active deployment for a model. A
// partial unique index guarantees at most one exists.
func (s *SQLStore) GetActiveDeployment(ctx context.Context, modelID string) (*types.Deployment, error) {
	var row deploymentRow
	err := sqlx.GetContext(ctx, s.ext, &row,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE model_id = $1 AND status IN ('starting', 'in_progress', 'complete')`, modelID)
	if err != nil {
		return nil, translate(err)
	}
	return row.toType(), nil
}

// ListActiveDeployments returns every deployment expected to have a live
// scheduler job. Consumed by the reconciler's sweep.
func (s *SQLStore) ListActiveDeployments(ctx context.Context) ([]*types.Deployment, error) {
	var rows []deploymentRow
	err := sqlx.SelectContext(ctx, s.ext, &rows,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE status IN ('starting', 'in_progress', 'complete') ORDER BY created_at ASC`)
	if err != nil {
		return nil, translate(err)
	}

	deployments := make([]*types.Deployment, 0, len(rows))
	for i := range rows {
		deployments = append(deployments, rows[i].toType())
	}
	return deployments, nil
}

// ListDeploymentsForModel returns every deployment ever created for a
// model, newest last. Retraining walks these to gather feedback logs.
func (s *SQLStore) ListDeploymentsForModel(ctx context.Context, modelID string) ([]*types.Deployment, error) {
	var rows []deploymentRow
	err := sqlx.SelectContext(ctx, s.ext, &rows,
		`SELECT `+deploymentColumns+` FROM deployments WHERE model_id = $1 ORDER BY created_at ASC`, modelID)
	if err != nil {
		return nil, translate(err)
	}

	deployments := make([]*types.Deployment, 0, len(rows))
	for i := range rows {
		deployments = append(deployments, rows[i].toType())
	}
	return deployments, nil
}

// CountActiveDeployments counts live deployments of a model. excludeID
// skips one deployment, letting an idle runtime ask whether anything
// besides itself is still serving; empty means count them all.
func (s *SQLStore) CountActiveDeployments(ctx context.Context, modelID, excludeID string) (int, error) {
	var count int
	err := s.ext.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM deployments
		 WHERE model_id = $1 AND id <> $2
		   AND status IN ('starting', 'in_progress', 'complete')`, modelID, excludeID).
		Scan(&count)
	return count, translate(err)
}

// UpdateDeploymentStatus transitions a deployment. Setting the same status
// twice is a no-op by construction, which keeps callbacks idempotent.
func (s *SQLStore) UpdateDeploymentStatus(ctx context.Context, id string, status types.DeployStatus, msg string) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE deployments SET status = $2, msg = NULLIF($3, ''), updated_at = $4
		WHERE id = $1`,
		id, status, msg, types.NowUTC())
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}
