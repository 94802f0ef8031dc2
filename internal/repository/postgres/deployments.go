package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
	"github.com/orlandolorenzomk/springops-sub000/internal/repository"
)

const deploymentColumns = `id, application_id, version, status, type, pid, branch, logs_path, notes, time_taken, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (domain.Deployment, error) {
	var (
		d   domain.Deployment
		pid sql.NullInt32
	)
	if err := row.Scan(&d.ID, &d.ApplicationID, &d.ArtifactVersion, &d.Status, &d.Lineage, &pid, &d.Branch, &d.LogsPath, &d.Notes, &d.TimeTakenSeconds, &d.CreatedAt); err != nil {
		return domain.Deployment{}, err
	}
	if pid.Valid {
		value := int(pid.Int32)
		d.PID = &value
	}
	return d, nil
}

// RecordDeployment writes a finished pipeline run and its step rows in one
// transaction serialized per application.
func (r *Repository) RecordDeployment(ctx context.Context, record *domain.DeploymentRecord) error {
	if record == nil {
		return fmt.Errorf("deployment record required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	d := &record.Deployment
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, d.ApplicationID); err != nil {
		return fmt.Errorf("lock application %d: %w", d.ApplicationID, err)
	}

	if d.Status != domain.DeploymentFailed {
		const stopRunning = `UPDATE deployments SET status = 'STOPPED'
			WHERE application_id = $1 AND status = 'RUNNING'`
		if _, err := tx.Exec(ctx, stopRunning, d.ApplicationID); err != nil {
			return fmt.Errorf("stop running deployments: %w", err)
		}
		if d.Lineage != domain.LineageRollback {
			const demoteLatest = `UPDATE deployments SET type = 'PREVIOUS'
				WHERE application_id = $1 AND type = 'LATEST'`
			if _, err := tx.Exec(ctx, demoteLatest, d.ApplicationID); err != nil {
				return fmt.Errorf("demote latest deployment: %w", err)
			}
		}
	}

	var pid any
	if d.HasPID() {
		pid = *d.PID
	}
	const insertDeployment = `INSERT INTO deployments (application_id, version, status, type, pid, branch, logs_path, notes, time_taken, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
		RETURNING id, created_at`
	var createdAt any
	if !d.CreatedAt.IsZero() {
		createdAt = d.CreatedAt
	}
	if err := tx.QueryRow(ctx, insertDeployment,
		d.ApplicationID,
		d.ArtifactVersion,
		d.Status,
		d.Lineage,
		pid,
		d.Branch,
		d.LogsPath,
		d.Notes,
		d.TimeTakenSeconds,
		createdAt,
	).Scan(&d.ID, &d.CreatedAt); err != nil {
		return translateError(err)
	}

	if len(record.Steps) > 0 {
		const insertStep = `INSERT INTO deployment_statuses (id, deployment_id, status, type, message, logs_path, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		batch := &pgx.Batch{}
		for i := range record.Steps {
			step := &record.Steps[i]
			step.DeploymentID = d.ID
			if step.CreatedAt.IsZero() {
				step.CreatedAt = d.CreatedAt
			}
			batch.Queue(insertStep, step.ID, step.DeploymentID, step.Status, step.Type, step.Message, emptyToNil(step.LogsPath), step.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for range record.Steps {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return translateError(err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// LatestDeployment returns the most recent deployment that was not a failed attempt.
func (r *Repository) LatestDeployment(ctx context.Context, applicationID int64) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM deployments WHERE application_id = $1 AND status <> 'FAILED'
		ORDER BY created_at DESC, id DESC LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, applicationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDeployment fetches a deployment with its step rows.
func (r *Repository) GetDeployment(ctx context.Context, deploymentID int64) (*domain.Deployment, []domain.DeploymentStep, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, repository.ErrNotFound
		}
		return nil, nil, err
	}

	const stepsQuery = `SELECT id, deployment_id, status, type, message, COALESCE(logs_path, ''), created_at
		FROM deployment_statuses WHERE deployment_id = $1
		ORDER BY CASE type WHEN 'UPDATE' THEN 0 WHEN 'BUILD' THEN 1 ELSE 2 END`
	rows, err := r.pool.Query(ctx, stepsQuery, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	steps := make([]domain.DeploymentStep, 0, len(domain.PipelineSteps))
	for rows.Next() {
		var step domain.DeploymentStep
		if err := rows.Scan(&step.ID, &step.DeploymentID, &step.Status, &step.Type, &step.Message, &step.LogsPath, &step.CreatedAt); err != nil {
			return nil, nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &d, steps, nil
}

// ListDeployments returns recent deployments for an application, newest first.
func (r *Repository) ListDeployments(ctx context.Context, applicationID int64, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + `
		FROM deployments WHERE application_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`
	return r.queryDeployments(ctx, query, applicationID, limit)
}

// ListRunningDeployments returns every RUNNING deployment that recorded a pid.
func (r *Repository) ListRunningDeployments(ctx context.Context) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM deployments WHERE status = 'RUNNING' AND pid IS NOT NULL
		ORDER BY application_id, created_at DESC`
	return r.queryDeployments(ctx, query)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// StopDeploymentByPID marks the running deployment owning pid as STOPPED.
func (r *Repository) StopDeploymentByPID(ctx context.Context, pid int) (int64, error) {
	const query = `UPDATE deployments SET status = 'STOPPED' WHERE pid = $1 AND status = 'RUNNING'`
	tag, err := r.pool.Exec(ctx, query, pid)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpdateDeploymentNotes replaces the free-text notes of a deployment.
func (r *Repository) UpdateDeploymentNotes(ctx context.Context, deploymentID int64, notes string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE deployments SET notes = $2 WHERE id = $1`, deploymentID, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
