package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
	"github.com/orlandolorenzomk/springops-sub000/internal/process"
	"github.com/orlandolorenzomk/springops-sub000/internal/repository"
)

const (
	defaultSampleSchedule = "@every 2m"
	defaultPruneSchedule  = "0 * * * *"
	defaultRetention      = 24 * time.Hour
	defaultWindow         = time.Hour
)

// ErrInvalidWindow is returned when a stats window ends before it starts.
var ErrInvalidWindow = errors.New("monitor: window end precedes start")

// Sampler reads the resource usage of a process.
type Sampler interface {
	IsRunning(pid int) bool
	Usage(ctx context.Context, pid int) (process.Usage, error)
}

// Options configures the monitor schedules.
type Options struct {
	SampleSchedule string
	PruneSchedule  string
	Retention      time.Duration
}

// Service samples running deployments and prunes old samples.
type Service struct {
	deployments repository.DeploymentRepository
	stats       repository.StatsRepository
	sampler     Sampler
	opts        Options
	gauges      *Gauges
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a monitor Service.
func New(deployments repository.DeploymentRepository, stats repository.StatsRepository, sampler Sampler, gauges *Gauges, opts Options, logger *slog.Logger) *Service {
	if opts.SampleSchedule == "" {
		opts.SampleSchedule = defaultSampleSchedule
	}
	if opts.PruneSchedule == "" {
		opts.PruneSchedule = defaultPruneSchedule
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deployments: deployments,
		stats:       stats,
		sampler:     sampler,
		opts:        opts,
		gauges:      gauges,
		logger:      logger.With("component", "monitor"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run schedules the sample and prune jobs and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.opts.SampleSchedule, func() {
		if _, err := s.Collect(ctx); err != nil {
			s.logger.Error("collect stats failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sampler %q: %w", s.opts.SampleSchedule, err)
	}
	if _, err := c.AddFunc(s.opts.PruneSchedule, func() {
		if _, err := s.Prune(ctx); err != nil {
			s.logger.Error("prune stats failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule pruner %q: %w", s.opts.PruneSchedule, err)
	}

	c.Start()
	s.logger.Info("monitor started", "sample", s.opts.SampleSchedule, "prune", s.opts.PruneSchedule, "retention", s.opts.Retention)
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("monitor stopped")
	return nil
}

// Collect samples every RUNNING deployment whose process is alive and returns
// the number of rows inserted. A failure on one pid never stops the others.
func (s *Service) Collect(ctx context.Context) (int, error) {
	running, err := s.deployments.ListRunningDeployments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running deployments: %w", err)
	}
	inserted := 0
	for _, deployment := range running {
		if !deployment.HasPID() {
			continue
		}
		pid := *deployment.PID
		if !s.sampler.IsRunning(pid) {
			s.logger.Debug("skipping dead process", "application_id", deployment.ApplicationID, "pid", pid)
			s.gauges.forget(deployment.ApplicationID)
			continue
		}
		usage, err := s.sampler.Usage(ctx, pid)
		if err != nil {
			s.logger.Warn("sample process failed", "application_id", deployment.ApplicationID, "pid", pid, "error", err)
			continue
		}
		sample := &domain.ApplicationStats{
			ApplicationID:           deployment.ApplicationID,
			PID:                     pid,
			Timestamp:               s.now(),
			MemoryMB:                usage.MemoryMB,
			CPULoadPercent:          usage.CPUPercent,
			AvailableSystemMemoryMB: usage.AvailableSystemMemoryMB,
		}
		if err := s.stats.InsertStats(ctx, sample); err != nil {
			s.logger.Warn("store sample failed", "application_id", deployment.ApplicationID, "pid", pid, "error", err)
			continue
		}
		s.gauges.set(*sample)
		inserted++
	}
	s.logger.Debug("stats collected", "running", len(running), "inserted", inserted)
	return inserted, nil
}

// Prune deletes samples older than the retention period.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.opts.Retention)
	deleted, err := s.stats.DeleteStatsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stats before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if deleted > 0 {
		s.logger.Info("stats pruned", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// Window returns the samples of an application between from and to. Zero
// bounds default to the last hour.
func (s *Service) Window(ctx context.Context, applicationID int64, from, to time.Time) ([]domain.ApplicationStats, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-defaultWindow)
	}
	if to.Before(from) {
		return nil, ErrInvalidWindow
	}
	return s.stats.ListStats(ctx, applicationID, from, to)
}

func applicationLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}
