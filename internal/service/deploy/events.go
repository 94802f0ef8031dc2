package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
)

// Event reports deploy progress to live subscribers.
type Event struct {
	ApplicationID int64           `json:"applicationId"`
	DeploymentID  int64           `json:"deploymentId,omitempty"`
	Step          domain.StepType `json:"step,omitempty"`
	Status        string          `json:"status"`
	Message       string          `json:"message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Event statuses besides the step statuses.
const (
	EventStarted   = "STARTED"
	EventSucceeded = "SUCCEEDED"
	EventFailed    = "FAILED"
	EventKilled    = "KILLED"
)

// Publisher fans events out. Publish must not block the pipeline.
type Publisher interface {
	Publish(event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Auditor records operator actions.
type Auditor interface {
	Record(ctx context.Context, action string, attrs ...any)
}

type actorKey struct{}

// WithActor attaches the authenticated subject to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the subject attached by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// LogAuditor writes audit records to a structured logger.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor returns an Auditor writing to logger.
func NewLogAuditor(logger *slog.Logger) LogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return LogAuditor{logger: logger.With("component", "audit")}
}

// Record implements Auditor.
func (a LogAuditor) Record(ctx context.Context, action string, attrs ...any) {
	args := append([]any{"action", action, "actor", ActorFrom(ctx)}, attrs...)
	a.logger.InfoContext(ctx, "audit", args...)
}
