package repository

import (
	"context"
	"time"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
)

// ApplicationRepository resolves registered applications. Applications are
// managed elsewhere; the orchestrator only reads them.
type ApplicationRepository interface {
	GetApplication(ctx context.Context, applicationID int64) (*domain.Application, error)
	PortUsedByOtherApplication(ctx context.Context, port int, excludingApplicationID int64) (bool, error)
}

// EnvironmentRepository reads encrypted application environment variables.
type EnvironmentRepository interface {
	ListApplicationEnvs(ctx context.Context, applicationID int64) ([]domain.ApplicationEnv, error)
}

// DeploymentRepository stores deployment history and owns the lineage rules:
// recording a RUNNING deployment stops every other running deployment of the
// application and, unless the new one is a rollback, demotes the LATEST one
// to PREVIOUS.
type DeploymentRepository interface {
	RecordDeployment(ctx context.Context, record *domain.DeploymentRecord) error
	LatestDeployment(ctx context.Context, applicationID int64) (*domain.Deployment, error)
	GetDeployment(ctx context.Context, deploymentID int64) (*domain.Deployment, []domain.DeploymentStep, error)
	ListDeployments(ctx context.Context, applicationID int64, limit int) ([]domain.Deployment, error)
	ListRunningDeployments(ctx context.Context) ([]domain.Deployment, error)
	StopDeploymentByPID(ctx context.Context, pid int) (int64, error)
	UpdateDeploymentNotes(ctx context.Context, deploymentID int64, notes string) error
}

// StatsRepository persists resource usage samples.
type StatsRepository interface {
	InsertStats(ctx context.Context, stats *domain.ApplicationStats) error
	ListStats(ctx context.Context, applicationID int64, from, to time.Time) ([]domain.ApplicationStats, error)
	DeleteStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
