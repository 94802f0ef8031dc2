package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
	"github.com/orlandolorenzomk/springops-sub000/internal/git"
	"github.com/orlandolorenzomk/springops-sub000/internal/port"
	"github.com/orlandolorenzomk/springops-sub000/internal/process"
	"github.com/orlandolorenzomk/springops-sub000/internal/repository"
	"github.com/orlandolorenzomk/springops-sub000/internal/script"
	"github.com/orlandolorenzomk/springops-sub000/internal/workspace"
)

// Overall outcomes of a deploy attempt.
const (
	OutcomeSucceeded = "SUCCEEDED"
	OutcomeFailed    = "FAILED"
)

// PortGuard checks port availability.
type PortGuard interface {
	IsOccupied(port int) (bool, error)
	UsedByOtherApplication(ctx context.Context, port int, excludingApplicationID int64) (bool, error)
}

// BranchResolver queries remote branches.
type BranchResolver interface {
	BranchExists(ctx context.Context, repoURL, branch, token string) (bool, error)
	ListDeployableBranches(ctx context.Context, repoURL, token string) ([]string, error)
}

// ScriptRunner executes pipeline scripts.
type ScriptRunner interface {
	Run(ctx context.Context, inv script.Invocation) script.Execution
}

// ProcessInspector probes and signals deployed processes.
type ProcessInspector interface {
	IsRunning(pid int) bool
	Kill(pid int) error
	ListeningPorts(ctx context.Context, pid int, family process.Family) []string
}

// Workspace resolves application directories and deploy logs.
type Workspace interface {
	SourcePath(app domain.Application) string
	Prepare(app domain.Application) error
	WriteDeployLog(app domain.Application, content string) (string, error)
	Open(name string) (*os.File, error)
}

// Config carries the deploy settings that are not collaborators.
type Config struct {
	GitToken     string
	UpdateScript string
	BuildScript  string
	RunScript    string
	Family       process.Family
}

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Applications repository.ApplicationRepository
	Deployments  repository.DeploymentRepository
	Environment  EnvironmentSource
	Ports        PortGuard
	Branches     BranchResolver
	Scripts      ScriptRunner
	Processes    ProcessInspector
	Workspace    Workspace
	Locker       Locker
	Events       Publisher
	Audit        Auditor
	Metrics      *Metrics
}

// Service orchestrates the update, build and run pipeline of applications.
type Service struct {
	apps        repository.ApplicationRepository
	deployments repository.DeploymentRepository
	env         EnvironmentSource
	ports       PortGuard
	branches    BranchResolver
	scripts     ScriptRunner
	processes   ProcessInspector
	workspace   Workspace
	locker      Locker
	events      Publisher
	audit       Auditor
	metrics     *Metrics
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// New returns a deploy service.
func New(deps Dependencies, cfg Config, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if deps.Audit == nil {
		deps.Audit = NewLogAuditor(logger)
	}
	if cfg.UpdateScript == "" {
		cfg.UpdateScript = "update_project.sh"
	}
	if cfg.BuildScript == "" {
		cfg.BuildScript = "build_project.sh"
	}
	if cfg.RunScript == "" {
		cfg.RunScript = "run_project.sh"
	}
	return Service{
		apps:        deps.Applications,
		deployments: deps.Deployments,
		env:         deps.Environment,
		ports:       deps.Ports,
		branches:    deps.Branches,
		scripts:     deps.Scripts,
		processes:   deps.Processes,
		workspace:   deps.Workspace,
		locker:      deps.Locker,
		events:      deps.Events,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		cfg:         cfg,
		logger:      logger.With("component", "deploy"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Request asks for a deploy of one application.
type Request struct {
	ApplicationID int64
	Branch        string
	// Port overrides the application's configured port when set.
	Port     *int
	Rollback bool
}

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Step            domain.StepType   `json:"step"`
	Status          domain.StepStatus `json:"status"`
	ProcessExitCode int               `json:"processExitCode"`
	Result          *script.Result    `json:"result,omitempty"`
	DurationMillis  int64             `json:"durationMs"`
}

// Result is the response to a deploy request that passed its preconditions.
type Result struct {
	Outcome    string             `json:"outcome"`
	Deployment *domain.Deployment `json:"-"`
	Steps      []StepResult       `json:"steps"`
	LogsPath   string             `json:"logsPath,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// executionContext is the fully resolved parameter set of one pipeline run.
type executionContext struct {
	app        domain.Application
	authURL    string
	token      string
	sourcePath string
	branch     string
	lineage    domain.LineageType
	envString  string
	port       int
}

// Deploy validates preconditions, runs the pipeline and records the outcome.
// Precondition failures return an error and leave no state behind. Once the
// pipeline starts, step failures come back as a FAILED Result.
func (s Service) Deploy(ctx context.Context, req Request) (*Result, error) {
	// Scripts run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	started := s.now()

	unlock, err := s.locker.Lock(ctx, req.ApplicationID)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: a deploy of application %d is already in progress", ErrConflict, req.ApplicationID)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer unlock()

	ec, err := s.prepare(ctx, req)
	if err != nil {
		s.logger.Warn("deploy rejected", "application_id", req.ApplicationID, "error", err)
		return nil, err
	}
	s.audit.Record(ctx, "deploy.start",
		"application_id", ec.app.ID,
		"branch", ec.branch,
		"port", ec.port,
		"lineage", string(ec.lineage),
	)
	s.publish(Event{ApplicationID: ec.app.ID, Status: EventStarted, Message: "deploy started on branch " + ec.branch})

	return s.execute(ctx, ec, started)
}

// prepare runs the VALIDATING and GATING checks.
func (s Service) prepare(ctx context.Context, req Request) (*executionContext, error) {
	app, err := s.apps.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: application %d", ErrNotFound, req.ApplicationID)
		}
		return nil, fmt.Errorf("%w: load application: %v", ErrInternal, err)
	}

	latest, err := s.deployments.LatestDeployment(ctx, app.ID)
	switch {
	case err == nil:
		if latest.Status == domain.DeploymentRunning && latest.HasPID() && s.processes.IsRunning(*latest.PID) {
			return nil, fmt.Errorf("%w: application %s is already running with pid %d", ErrConflict, app.Name, *latest.PID)
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%w: load latest deployment: %v", ErrInternal, err)
	}

	if app.BuildTool == nil {
		return nil, fmt.Errorf("%w: application %s has no build tool version", ErrBadRequest, app.Name)
	}
	if app.Runtime == nil {
		return nil, fmt.Errorf("%w: application %s has no runtime version", ErrBadRequest, app.Name)
	}

	target := app.Port
	if req.Port != nil {
		target = *req.Port
	}
	if err := port.Validate(target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	claimed, err := s.ports.UsedByOtherApplication(ctx, target, app.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if claimed {
		return nil, fmt.Errorf("%w: port %d is assigned to another application", ErrConflict, target)
	}
	occupied, err := s.ports.IsOccupied(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if occupied {
		return nil, fmt.Errorf("%w: port %d is already in use", ErrBadRequest, target)
	}

	token := strings.TrimSpace(s.cfg.GitToken)
	if token == "" {
		return nil, fmt.Errorf("%w: git token is not configured", ErrBadRequest)
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrBadRequest)
	}
	exists, err := s.branches.BranchExists(ctx, app.GitURL, branch, token)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: branch %s does not exist on the remote", ErrBadRequest, branch)
	}

	authURL, err := git.AuthenticatedURL(app.GitURL, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	envString, err := s.env.EnvString(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve environment: %v", ErrInternal, err)
	}
	if err := s.workspace.Prepare(*app); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	lineage := domain.LineageLatest
	if req.Rollback {
		lineage = domain.LineageRollback
	}
	return &executionContext{
		app:        *app,
		authURL:    authURL,
		token:      token,
		sourcePath: s.workspace.SourcePath(*app),
		branch:     branch,
		lineage:    lineage,
		envString:  envString,
		port:       target,
	}, nil
}

// execute runs UPDATING, BUILDING and RUNNING_STEP, then RECORDING.
func (s Service) execute(ctx context.Context, ec *executionContext, started time.Time) (*Result, error) {
	var (
		steps    = make([]StepResult, 0, len(domain.PipelineSteps))
		logs     strings.Builder
		failure  error
		artifact string
		pid      int
	)

	runStep := func(step domain.StepType, inv script.Invocation) (script.Execution, bool) {
		s.publish(Event{ApplicationID: ec.app.ID, Step: step, Status: EventStarted})
		exec := s.scripts.Run(ctx, inv)
		status := domain.StepSuccess
		if !exec.Succeeded() {
			status = domain.StepFailure
		}
		result := exec.Result
		steps = append(steps, StepResult{
			Step:            step,
			Status:          status,
			ProcessExitCode: exec.ProcessExitCode,
			Result:          &result,
			DurationMillis:  exec.Duration.Milliseconds(),
		})
		fmt.Fprintf(&logs, "==== %s exit=%d status=%s ====\n%s\n", step, exec.ProcessExitCode, result.Status, exec.Output)
		s.metrics.observeStep(string(step), string(status), exec.Duration.Seconds())
		s.publish(Event{ApplicationID: ec.app.ID, Step: step, Status: string(status), Message: stepMessage(exec)})
		if status != domain.StepSuccess {
			failure = fmt.Errorf("%w: %s: %s", ErrPipelineStepFailed, step, stepMessage(exec))
			return exec, false
		}
		return exec, true
	}

	if exec, ok := runStep(domain.StepUpdate, script.Invocation{
		Script: s.cfg.UpdateScript,
		Args:   []string{ec.authURL, ec.branch, ec.sourcePath, string(ec.lineage)},
	}); ok {
		if checkedOut := exec.Result.First(); checkedOut != "" {
			ec.branch = checkedOut
		}
		if exec, ok := runStep(domain.StepBuild, script.Invocation{
			Script: s.cfg.BuildScript,
			Args:   []string{ec.app.Runtime.Path, ec.app.BuildTool.Path, ec.sourcePath, ec.app.Runtime.Version},
		}); ok {
			artifact = exec.Result.First()
			if artifact == "" {
				steps[len(steps)-1].Status = domain.StepFailure
				failure = fmt.Errorf("%w: %s: build did not report an artifact", ErrPipelineStepFailed, domain.StepBuild)
			} else if exec, ok := runStep(domain.StepRun, script.Invocation{
				Script: s.cfg.RunScript,
				Args: []string{
					ec.app.Runtime.Path,
					ec.sourcePath,
					artifact,
					strconv.Itoa(ec.port),
					ec.app.MinMemory,
					ec.app.MaxMemory,
					ec.envString,
				},
				Detach: true,
			}); ok {
				parsed, err := strconv.Atoi(exec.Result.First())
				if err != nil || parsed <= 0 {
					s.logger.Warn("run step did not report a pid", "application_id", ec.app.ID, "data", exec.Result.First())
					steps[len(steps)-1].Status = domain.StepFailure
					failure = fmt.Errorf("%w: %s: run did not report a pid", ErrPipelineStepFailed, domain.StepRun)
				} else {
					pid = parsed
				}
			}
		}
	}

	for _, step := range domain.PipelineSteps[len(steps):] {
		steps = append(steps, StepResult{Step: step, Status: domain.StepNotRun, ProcessExitCode: -1})
	}

	logsPath, err := s.workspace.WriteDeployLog(ec.app, redact(logs.String(), ec.token))
	if err != nil {
		s.logger.Warn("write deploy log failed", "application_id", ec.app.ID, "error", err)
	}

	deployment := domain.Deployment{
		ApplicationID:    ec.app.ID,
		ArtifactVersion:  artifact,
		Lineage:          ec.lineage,
		Branch:           ec.branch,
		LogsPath:         logsPath,
		TimeTakenSeconds: int64(s.now().Sub(started).Seconds()),
		CreatedAt:        s.now(),
	}
	if failure != nil {
		// A failed attempt never becomes the current deployment.
		deployment.Status = domain.DeploymentFailed
		if deployment.Lineage == domain.LineageLatest {
			deployment.Lineage = domain.LineagePrevious
		}
	} else {
		deployment.Status = domain.DeploymentRunning
		deployment.PID = &pid
	}

	record := &domain.DeploymentRecord{Deployment: deployment, Steps: make([]domain.DeploymentStep, 0, len(steps))}
	for _, step := range steps {
		message := "not run"
		if step.Result != nil {
			message = step.Result.Message
		}
		record.Steps = append(record.Steps, domain.DeploymentStep{
			ID:        s.newID(),
			Status:    step.Status,
			Type:      step.Step,
			Message:   message,
			LogsPath:  logsPath,
			CreatedAt: deployment.CreatedAt,
		})
	}
	if err := s.deployments.RecordDeployment(ctx, record); err != nil {
		s.logger.Error("record deployment failed", "application_id", ec.app.ID, "pid", pid, "error", err)
		s.metrics.observeResult("record_error")
		return nil, fmt.Errorf("%w: record deployment: %v", ErrInternal, err)
	}

	result := &Result{
		Outcome:    OutcomeSucceeded,
		Deployment: &record.Deployment,
		Steps:      steps,
		LogsPath:   logsPath,
	}
	event := Event{ApplicationID: ec.app.ID, DeploymentID: record.Deployment.ID, Status: EventSucceeded}
	if failure != nil {
		result.Outcome = OutcomeFailed
		result.Error = failure.Error()
		event.Status = EventFailed
		event.Message = failure.Error()
	}
	s.metrics.observeResult(strings.ToLower(result.Outcome))
	s.publish(event)
	s.audit.Record(ctx, "deploy.finish",
		"application_id", ec.app.ID,
		"deployment_id", record.Deployment.ID,
		"outcome", result.Outcome,
		"pid", pid,
	)
	s.logger.Info("deploy finished",
		"application_id", ec.app.ID,
		"deployment_id", record.Deployment.ID,
		"outcome", result.Outcome,
		"lineage", string(ec.lineage),
		"duration_s", record.Deployment.TimeTakenSeconds,
	)
	return result, nil
}

func stepMessage(exec script.Execution) string {
	if exec.Err != nil {
		return exec.Err.Error()
	}
	if msg := strings.TrimSpace(exec.Result.Message); msg != "" {
		return msg
	}
	if exec.ProcessExitCode != 0 {
		return fmt.Sprintf("script exited with code %d", exec.ProcessExitCode)
	}
	return strings.ToLower(exec.Result.Status)
}

func redact(text, token string) string {
	if token == "" {
		return text
	}
	return strings.ReplaceAll(text, token, "***")
}

func (s Service) publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.events.Publish(event)
}

// Kill sends SIGKILL to pid and stops the deployment owning it. It reports
// false, without error, when there is nothing to kill or the signal fails.
func (s Service) Kill(ctx context.Context, pid int) bool {
	if pid <= 0 || !s.processes.IsRunning(pid) {
		s.metrics.observeKill("not_running")
		return false
	}
	if err := s.processes.Kill(pid); err != nil {
		s.logger.Error("kill process failed", "pid", pid, "error", err)
		s.metrics.observeKill("error")
		return false
	}
	stopped, err := s.deployments.StopDeploymentByPID(ctx, pid)
	if err != nil {
		s.logger.Error("mark deployment stopped failed", "pid", pid, "error", err)
	}
	s.metrics.observeKill("killed")
	s.audit.Record(ctx, "deploy.kill", "pid", pid, "deployments_stopped", stopped)
	s.logger.Info("process killed", "pid", pid, "deployments_stopped", stopped)
	return true
}

// Status describes the live state of an application's current deployment.
type Status struct {
	IsRunning bool   `json:"isRunning"`
	PID       string `json:"pid"`
	Port      string `json:"port"`
}

// Status reads the latest deployment and re-verifies liveness against the OS.
func (s Service) Status(ctx context.Context, applicationID int64) (Status, error) {
	if _, err := s.apps.GetApplication(ctx, applicationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Status{}, fmt.Errorf("%w: application %d", ErrNotFound, applicationID)
		}
		return Status{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	latest, err := s.deployments.LatestDeployment(ctx, applicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !latest.HasPID() {
		return Status{}, nil
	}
	pid := *latest.PID
	status := Status{PID: strconv.Itoa(pid)}
	if !s.processes.IsRunning(pid) {
		return status, nil
	}
	status.IsRunning = true
	status.Port = strings.Join(s.processes.ListeningPorts(ctx, pid, s.cfg.Family), ",")
	return status, nil
}

// AvailableBranches lists deployable branches of gitURL.
func (s Service) AvailableBranches(ctx context.Context, gitURL string) ([]string, error) {
	if strings.TrimSpace(gitURL) == "" {
		return nil, fmt.Errorf("%w: gitUrl is required", ErrBadRequest)
	}
	token := strings.TrimSpace(s.cfg.GitToken)
	if token == "" {
		return nil, fmt.Errorf("%w: git token is not configured", ErrBadRequest)
	}
	return s.branches.ListDeployableBranches(ctx, gitURL, token)
}

// History lists recent deployments of an application.
func (s Service) History(ctx context.Context, applicationID int64, limit int) ([]domain.Deployment, error) {
	deployments, err := s.deployments.ListDeployments(ctx, applicationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return deployments, nil
}

// Deployment returns one deployment with its step rows.
func (s Service) Deployment(ctx context.Context, deploymentID int64) (*domain.Deployment, []domain.DeploymentStep, error) {
	deployment, steps, err := s.deployments.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: deployment %d", ErrNotFound, deploymentID)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return deployment, steps, nil
}

// UpdateNotes replaces the notes of a deployment.
func (s Service) UpdateNotes(ctx context.Context, deploymentID int64, notes string) error {
	if err := s.deployments.UpdateDeploymentNotes(ctx, deploymentID, notes); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: deployment %d", ErrNotFound, deploymentID)
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	s.audit.Record(ctx, "deploy.notes", "deployment_id", deploymentID)
	return nil
}

// OpenLog opens a deploy log file located under the files root.
func (s Service) OpenLog(name string) (*os.File, error) {
	f, err := s.workspace.Open(name)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrOutsideRoot):
			return nil, fmt.Errorf("%w: %s", ErrBadRequest, err)
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: log file %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return f, nil
}
