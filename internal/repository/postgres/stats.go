package postgres

import (
	"context"
	"time"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
)

// InsertStats appends a resource usage sample.
func (r *Repository) InsertStats(ctx context.Context, stats *domain.ApplicationStats) error {
	const query = `INSERT INTO application_stats (application_id, pid, timestamp, memory_mb, cpu_load_percent, available_system_memory_mb)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		stats.ApplicationID,
		stats.PID,
		stats.Timestamp,
		stats.MemoryMB,
		stats.CPULoadPercent,
		stats.AvailableSystemMemoryMB,
	).Scan(&stats.ID)
	return translateError(err)
}

// ListStats returns samples for an application inside [from, to], oldest first.
func (r *Repository) ListStats(ctx context.Context, applicationID int64, from, to time.Time) ([]domain.ApplicationStats, error) {
	const query = `SELECT id, application_id, pid, timestamp, memory_mb, cpu_load_percent, available_system_memory_mb
		FROM application_stats
		WHERE application_id = $1 AND timestamp BETWEEN $2 AND $3
		ORDER BY timestamp`
	rows, err := r.pool.Query(ctx, query, applicationID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]domain.ApplicationStats, 0)
	for rows.Next() {
		var s domain.ApplicationStats
		if err := rows.Scan(&s.ID, &s.ApplicationID, &s.PID, &s.Timestamp, &s.MemoryMB, &s.CPULoadPercent, &s.AvailableSystemMemoryMB); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// DeleteStatsBefore removes samples older than cutoff and returns how many were deleted.
func (r *Repository) DeleteStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM application_stats WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
