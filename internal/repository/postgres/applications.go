package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
	"github.com/orlandolorenzomk/springops-sub000/internal/repository"
)

// GetApplication loads an application with its build tool and runtime bindings.
func (r *Repository) GetApplication(ctx context.Context, applicationID int64) (*domain.Application, error) {
	const query = `SELECT a.id, a.name, a.description, a.git_url, a.port, a.min_memory, a.max_memory, a.folder_root, a.created_at,
			bt.id, bt.type, bt.version, bt.path,
			rt.id, rt.type, rt.version, rt.path
		FROM applications a
		LEFT JOIN system_versions bt ON bt.id = a.build_tool_version_id
		LEFT JOIN system_versions rt ON rt.id = a.runtime_version_id
		WHERE a.id = $1`
	var (
		app                       domain.Application
		btID, rtID                sql.NullInt64
		btType, btVersion, btPath sql.NullString
		rtType, rtVersion, rtPath sql.NullString
	)
	err := r.pool.QueryRow(ctx, query, applicationID).Scan(
		&app.ID, &app.Name, &app.Description, &app.GitURL, &app.Port, &app.MinMemory, &app.MaxMemory, &app.FolderRoot, &app.CreatedAt,
		&btID, &btType, &btVersion, &btPath,
		&rtID, &rtType, &rtVersion, &rtPath,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	app.BuildTool = systemVersion(btID, btType, btVersion, btPath)
	app.Runtime = systemVersion(rtID, rtType, rtVersion, rtPath)
	return &app, nil
}

func systemVersion(id sql.NullInt64, kind, version, path sql.NullString) *domain.SystemVersion {
	if !id.Valid {
		return nil
	}
	return &domain.SystemVersion{ID: id.Int64, Type: kind.String, Version: version.String, Path: path.String}
}

// PortUsedByOtherApplication reports whether another application declares port.
func (r *Repository) PortUsedByOtherApplication(ctx context.Context, port int, excludingApplicationID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM applications WHERE port = $1 AND id <> $2)`
	var used bool
	if err := r.pool.QueryRow(ctx, query, port, excludingApplicationID).Scan(&used); err != nil {
		return false, err
	}
	return used, nil
}

// ListApplicationEnvs returns the encrypted environment variables of an application.
func (r *Repository) ListApplicationEnvs(ctx context.Context, applicationID int64) ([]domain.ApplicationEnv, error) {
	const query = `SELECT id, application_id, name, value, created_at
		FROM application_envs WHERE application_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	envs := make([]domain.ApplicationEnv, 0)
	for rows.Next() {
		var env domain.ApplicationEnv
		if err := rows.Scan(&env.ID, &env.ApplicationID, &env.Name, &env.Value, &env.CreatedAt); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}
