package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
	"github.com/orlandolorenzomk/springops-sub000/internal/git"
	"github.com/orlandolorenzomk/springops-sub000/internal/process"
	"github.com/orlandolorenzomk/springops-sub000/internal/repository"
	"github.com/orlandolorenzomk/springops-sub000/internal/script"
	"github.com/orlandolorenzomk/springops-sub000/internal/workspace"
)

type fakeApps struct {
	apps map[int64]*domain.Application
}

func (f *fakeApps) GetApplication(_ context.Context, id int64) (*domain.Application, error) {
	app, ok := f.apps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *app
	return &clone, nil
}

func (f *fakeApps) PortUsedByOtherApplication(_ context.Context, port int, excluding int64) (bool, error) {
	for id, app := range f.apps {
		if id != excluding && app.Port == port {
			return true, nil
		}
	}
	return false, nil
}

// fakeDeployments mirrors the lineage rules of the PostgreSQL store.
type fakeDeployments struct {
	mu          sync.Mutex
	nextID      int64
	rows        []domain.Deployment
	steps       map[int64][]domain.DeploymentStep
	stopByPID   []int
	recordCalls int
}

func newFakeDeployments(rows ...domain.Deployment) *fakeDeployments {
	f := &fakeDeployments{steps: make(map[int64][]domain.DeploymentStep)}
	for _, row := range rows {
		f.nextID++
		row.ID = f.nextID
		f.rows = append(f.rows, row)
	}
	return f
}

func (f *fakeDeployments) RecordDeployment(_ context.Context, record *domain.DeploymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCalls++
	d := &record.Deployment
	if d.Status != domain.DeploymentFailed {
		for i := range f.rows {
			row := &f.rows[i]
			if row.ApplicationID != d.ApplicationID {
				continue
			}
			if row.Status == domain.DeploymentRunning {
				row.Status = domain.DeploymentStopped
			}
			if d.Lineage != domain.LineageRollback && row.Lineage == domain.LineageLatest {
				row.Lineage = domain.LineagePrevious
			}
		}
	}
	f.nextID++
	d.ID = f.nextID
	f.rows = append(f.rows, *d)
	for i := range record.Steps {
		record.Steps[i].DeploymentID = d.ID
	}
	f.steps[d.ID] = append([]domain.DeploymentStep(nil), record.Steps...)
	return nil
}

func (f *fakeDeployments) LatestDeployment(_ context.Context, applicationID int64) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rows) - 1; i >= 0; i-- {
		row := f.rows[i]
		if row.ApplicationID == applicationID && row.Status != domain.DeploymentFailed {
			return &row, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeployments) GetDeployment(_ context.Context, id int64) (*domain.Deployment, []domain.DeploymentStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return &row, f.steps[id], nil
		}
	}
	return nil, nil, repository.ErrNotFound
}

func (f *fakeDeployments) ListDeployments(_ context.Context, applicationID int64, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for i := len(f.rows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if f.rows[i].ApplicationID == applicationID {
			out = append(out, f.rows[i])
		}
	}
	return out, nil
}

func (f *fakeDeployments) ListRunningDeployments(context.Context) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, row := range f.rows {
		if row.Status == domain.DeploymentRunning && row.HasPID() {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeDeployments) StopDeploymentByPID(_ context.Context, pid int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopByPID = append(f.stopByPID, pid)
	var n int64
	for i := range f.rows {
		if f.rows[i].HasPID() && *f.rows[i].PID == pid && f.rows[i].Status == domain.DeploymentRunning {
			f.rows[i].Status = domain.DeploymentStopped
			n++
		}
	}
	return n, nil
}

func (f *fakeDeployments) UpdateDeploymentNotes(_ context.Context, id int64, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].Notes = notes
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeDeployments) snapshot() []domain.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Deployment(nil), f.rows...)
}

type fakeEnv struct {
	value string
}

func (f fakeEnv) EnvString(context.Context, int64) (string, error) {
	return f.value, nil
}

type fakePorts struct {
	apps     *fakeApps
	occupied map[int]bool
}

func (f fakePorts) IsOccupied(port int) (bool, error) {
	return f.occupied[port], nil
}

func (f fakePorts) UsedByOtherApplication(ctx context.Context, port int, excluding int64) (bool, error) {
	return f.apps.PortUsedByOtherApplication(ctx, port, excluding)
}

type fakeBranches struct {
	branches []string
	err      error
}

func (f fakeBranches) BranchExists(_ context.Context, _, branch, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, b := range f.branches {
		if b == branch {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeBranches) ListDeployableBranches(context.Context, string, string) ([]string, error) {
	return f.branches, f.err
}

type fakeScripts struct {
	mu        sync.Mutex
	calls     []script.Invocation
	responses map[string]script.Execution
}

func (f *fakeScripts) Run(_ context.Context, inv script.Invocation) script.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	if exec, ok := f.responses[inv.Script]; ok {
		exec.Script = inv.Script
		return exec
	}
	return script.Execution{Script: inv.Script, ProcessExitCode: 127, Result: script.Failed("missing", "")}
}

func (f *fakeScripts) invoked() []script.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]script.Invocation(nil), f.calls...)
}

func succeeded(data ...string) script.Execution {
	return script.Execution{
		ProcessExitCode: 0,
		Output:          "ok",
		Result:          script.Result{Status: script.StatusSuccess, Message: "done", Data: data},
		Duration:        time.Second,
	}
}

type fakeProcesses struct {
	mu      sync.Mutex
	alive   map[int]bool
	ports   map[int][]string
	killErr error
	killed  []int
}

func (f *fakeProcesses) IsRunning(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pid > 0 && f.alive[pid]
}

func (f *fakeProcesses) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, pid)
	delete(f.alive, pid)
	return nil
}

func (f *fakeProcesses) ListeningPorts(_ context.Context, pid int, _ process.Family) []string {
	return f.ports[pid]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

type harness struct {
	svc         Service
	apps        *fakeApps
	deployments *fakeDeployments
	scripts     *fakeScripts
	processes   *fakeProcesses
	events      *recordingPublisher
	ports       fakePorts
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newHarness(t *testing.T, existing ...domain.Deployment) *harness {
	t.Helper()
	apps := &fakeApps{apps: map[int64]*domain.Application{
		1: {
			ID:        1,
			Name:      "orders",
			GitURL:    "https://github.com/acme/orders.git",
			Port:      8080,
			BuildTool: &domain.SystemVersion{ID: 10, Type: "MAVEN", Version: "3.9.6", Path: "/opt/maven"},
			Runtime:   &domain.SystemVersion{ID: 11, Type: "JAVA", Version: "21", Path: "/opt/jdk-21"},
			MinMemory: "256m",
			MaxMemory: "512m",
		},
		2: {ID: 2, Name: "billing", GitURL: "https://github.com/acme/billing.git", Port: 9090},
	}}
	ws, err := workspace.New(workspace.Layout{FilesRoot: t.TempDir(), RootDirectoryName: "springops", ApplicationsDir: "applications"})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	h := &harness{
		apps:        apps,
		deployments: newFakeDeployments(existing...),
		scripts: &fakeScripts{responses: map[string]script.Execution{
			"update_project.sh": succeeded("main"),
			"build_project.sh":  succeeded("orders-1.0.0.jar"),
			"run_project.sh":    succeeded("4242"),
		}},
		processes: &fakeProcesses{alive: map[int]bool{}, ports: map[int][]string{}},
		events:    &recordingPublisher{},
		ports:     fakePorts{apps: apps, occupied: map[int]bool{}},
	}
	h.svc = New(Dependencies{
		Applications: apps,
		Deployments:  h.deployments,
		Environment:  fakeEnv{value: "SPRING_PROFILES_ACTIVE=prod DB_URL=jdbc:x"},
		Ports:        h.ports,
		Branches:     fakeBranches{branches: []string{"main", "develop"}},
		Scripts:      h.scripts,
		Processes:    h.processes,
		Workspace:    ws,
		Events:       h.events,
	}, Config{GitToken: "tok"}, testLogger())
	return h
}

func intPtr(v int) *int { return &v }

func TestDeployConflictWhenAlreadyRunning(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)})
	h.processes.alive[100] = true

	_, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if calls := h.scripts.invoked(); len(calls) != 0 {
		t.Fatalf("expected no scripts to run, got %d", len(calls))
	}
}

func TestDeployConflictWhileAnotherDeployHoldsTheLock(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.svc.locker.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	_, err = h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(h.scripts.invoked()) != 0 {
		t.Fatal("scripts must not run while locked")
	}
}

func TestDeployDemotesPreviousLatest(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)})

	result, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Fatalf("expected success, got %+v", result)
	}

	var previous, latest []domain.Deployment
	for _, row := range h.deployments.snapshot() {
		switch row.Lineage {
		case domain.LineagePrevious:
			previous = append(previous, row)
		case domain.LineageLatest:
			latest = append(latest, row)
		}
	}
	if len(previous) != 1 || previous[0].Status != domain.DeploymentStopped {
		t.Fatalf("expected one PREVIOUS/STOPPED row, got %+v", previous)
	}
	if len(latest) != 1 || latest[0].Status != domain.DeploymentRunning || *latest[0].PID != 4242 {
		t.Fatalf("expected one LATEST/RUNNING row with pid 4242, got %+v", latest)
	}
	if latest[0].ArtifactVersion != "orders-1.0.0.jar" || latest[0].Branch != "main" {
		t.Fatalf("unexpected new deployment %+v", latest[0])
	}
}

func TestRollbackDoesNotDemoteHistory(t *testing.T) {
	h := newHarness(t,
		domain.Deployment{ApplicationID: 1, Status: domain.DeploymentStopped, Lineage: domain.LineagePrevious, PID: intPtr(90)},
		domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)},
	)

	result, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main", Rollback: true})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Deployment.Lineage != domain.LineageRollback {
		t.Fatalf("expected ROLLBACK lineage, got %s", result.Deployment.Lineage)
	}

	counts := map[domain.LineageType]int{}
	for _, row := range h.deployments.snapshot() {
		counts[row.Lineage]++
		if row.ID != result.Deployment.ID && row.Status == domain.DeploymentRunning {
			t.Fatalf("expected older rows stopped, got %+v", row)
		}
	}
	if counts[domain.LineagePrevious] != 1 || counts[domain.LineageLatest] != 1 || counts[domain.LineageRollback] != 1 {
		t.Fatalf("rollback changed lineage of history: %v", counts)
	}
	if calls := h.scripts.invoked(); calls[0].Args[3] != string(domain.LineageRollback) {
		t.Fatalf("expected lineage passed to update script, got %v", calls[0].Args)
	}
}

func TestDeployMissingBranchIsBadRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "release", Port: intPtr(8080)})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if len(h.deployments.snapshot()) != 0 || h.deployments.recordCalls != 0 {
		t.Fatal("no deployment row may be created")
	}
	if len(h.scripts.invoked()) != 0 {
		t.Fatal("no script may run")
	}
}

func TestDeployPortClaimedByOtherApplicationIsConflict(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main", Port: intPtr(9090)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDeployPortPreconditions(t *testing.T) {
	h := newHarness(t)
	h.ports.occupied[8080] = true

	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for occupied port, got %v", err)
	}
	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main", Port: intPtr(70000)}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for invalid port, got %v", err)
	}
}

func TestDeployRequiresVersionsAndToken(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 2, Branch: "main"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for missing versions, got %v", err)
	}

	h.svc.cfg.GitToken = ""
	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for missing token, got %v", err)
	}
}

func TestDeployUnknownApplication(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 99, Branch: "main"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeployGitFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.svc.branches = fakeBranches{err: git.ErrQueryFailed}
	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"}); !errors.Is(err, git.ErrQueryFailed) {
		t.Fatalf("expected git.ErrQueryFailed, got %v", err)
	}
}

func TestDeployBuildFailureRecordsSteps(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentStopped, Lineage: domain.LineageLatest, PID: intPtr(100)})
	h.scripts.responses["build_project.sh"] = script.Execution{
		ProcessExitCode: 1,
		Output:          "[ERROR] compilation failure",
		Result:          script.Result{Status: script.StatusFailed, Message: "mvn package failed"},
	}

	result, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Outcome != OutcomeFailed || !strings.Contains(result.Error, "mvn package failed") {
		t.Fatalf("expected failed outcome, got %+v", result)
	}
	wantSteps := []domain.StepStatus{domain.StepSuccess, domain.StepFailure, domain.StepNotRun}
	for i, step := range result.Steps {
		if step.Status != wantSteps[i] {
			t.Fatalf("step %s: expected %s, got %s", step.Step, wantSteps[i], step.Status)
		}
	}
	if len(h.scripts.invoked()) != 2 {
		t.Fatalf("run script must not execute after a build failure")
	}

	rows := h.deployments.snapshot()
	if rows[0].Lineage != domain.LineageLatest {
		t.Fatalf("failed deploy must not demote history, got %+v", rows[0])
	}
	failed := rows[len(rows)-1]
	if failed.Status != domain.DeploymentFailed || failed.PID != nil || failed.Lineage != domain.LineagePrevious {
		t.Fatalf("expected FAILED/PREVIOUS row without pid, got %+v", failed)
	}
	_, steps, err := h.deployments.GetDeployment(context.Background(), failed.ID)
	if err != nil || len(steps) != 3 {
		t.Fatalf("expected three step rows, got %d (%v)", len(steps), err)
	}
	if steps[0].LogsPath == "" || steps[0].LogsPath != failed.LogsPath {
		t.Fatalf("expected step rows to share the deploy log path, got %q vs %q", steps[0].LogsPath, failed.LogsPath)
	}
	body, err := os.ReadFile(failed.LogsPath)
	if err != nil || !strings.Contains(string(body), "compilation failure") {
		t.Fatalf("expected build output in deploy log, got %q (%v)", body, err)
	}
}

func TestDeployExitZeroWithFailedPayloadFails(t *testing.T) {
	h := newHarness(t)
	h.scripts.responses["update_project.sh"] = script.Execution{
		ProcessExitCode: 0,
		Result:          script.Result{Status: script.StatusFailed, Message: "checkout failed"},
	}

	result, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Outcome != OutcomeFailed || !strings.Contains(result.Error, "checkout failed") {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Steps[1].Status != domain.StepNotRun || result.Steps[2].Status != domain.StepNotRun {
		t.Fatalf("expected later steps NOT_RUN, got %+v", result.Steps)
	}
}

func latestRows(rows []domain.Deployment) []domain.Deployment {
	var out []domain.Deployment
	for _, row := range rows {
		if row.Lineage == domain.LineageLatest {
			out = append(out, row)
		}
	}
	return out
}

func TestDeployRunWithoutPIDFails(t *testing.T) {
	for name, data := range map[string][]string{
		"no data":     nil,
		"non numeric": {"started"},
		"zero":        {"0"},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)})
			h.scripts.responses["run_project.sh"] = succeeded(data...)

			result, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
			if err != nil {
				t.Fatalf("deploy: %v", err)
			}
			if result.Outcome != OutcomeFailed || !strings.Contains(result.Error, "did not report a pid") {
				t.Fatalf("expected failed outcome, got %+v", result)
			}
			if result.Steps[2].Status != domain.StepFailure {
				t.Fatalf("expected run step FAILURE, got %s", result.Steps[2].Status)
			}

			rows := h.deployments.snapshot()
			latest := latestRows(rows)
			if len(latest) != 1 || latest[0].ID != rows[0].ID || latest[0].Status != domain.DeploymentRunning {
				t.Fatalf("expected the existing deployment to stay LATEST/RUNNING, got %+v", latest)
			}
			if rows[len(rows)-1].Status != domain.DeploymentFailed {
				t.Fatalf("expected a FAILED row, got %+v", rows[len(rows)-1])
			}
		})
	}
}

func TestFailedThenSuccessfulDeployLeavesOneLatest(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentStopped, Lineage: domain.LineageLatest, PID: intPtr(100)})
	h.scripts.responses["build_project.sh"] = succeeded()

	first, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if err != nil || first.Outcome != OutcomeFailed {
		t.Fatalf("expected first deploy to fail, got %+v (%v)", first, err)
	}
	if latest := latestRows(h.deployments.snapshot()); len(latest) != 1 {
		t.Fatalf("expected one LATEST row after a failed deploy, got %+v", latest)
	}

	h.scripts.responses["build_project.sh"] = succeeded("orders-1.0.1.jar")
	second, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if err != nil || second.Outcome != OutcomeSucceeded {
		t.Fatalf("expected second deploy to succeed, got %+v (%v)", second, err)
	}
	latest := latestRows(h.deployments.snapshot())
	if len(latest) != 1 || latest[0].ID != second.Deployment.ID || latest[0].Status != domain.DeploymentRunning {
		t.Fatalf("expected only the new deployment LATEST, got %+v", latest)
	}
}

func TestDeployPassesResolvedArguments(t *testing.T) {
	h := newHarness(t)

	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main", Port: intPtr(8081)}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	calls := h.scripts.invoked()
	if len(calls) != 3 {
		t.Fatalf("expected three scripts, got %d", len(calls))
	}
	update, build, run := calls[0], calls[1], calls[2]
	if update.Args[0] != "https://tok@github.com/acme/orders.git" || update.Args[1] != "main" {
		t.Fatalf("unexpected update args %v", update.Args)
	}
	if build.Args[0] != "/opt/jdk-21" || build.Args[1] != "/opt/maven" || build.Args[3] != "21" {
		t.Fatalf("unexpected build args %v", build.Args)
	}
	want := []string{"/opt/jdk-21", update.Args[2], "orders-1.0.0.jar", "8081", "256m", "512m", "SPRING_PROFILES_ACTIVE=prod DB_URL=jdbc:x"}
	for i := range want {
		if run.Args[i] != want[i] {
			t.Fatalf("run arg %d: expected %q, got %q", i, want[i], run.Args[i])
		}
	}
	if !run.Detach || update.Detach || build.Detach {
		t.Fatal("only the run step may be detached")
	}
}

func TestDeployPublishesProgress(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.events) < 2 {
		t.Fatalf("expected progress events, got %d", len(h.events.events))
	}
	last := h.events.events[len(h.events.events)-1]
	if last.Status != EventSucceeded || last.DeploymentID == 0 {
		t.Fatalf("expected final success event, got %+v", last)
	}
}

func TestDeployLogRedactsToken(t *testing.T) {
	h := newHarness(t)
	exec := succeeded("main")
	exec.Output = "cloning https://tok@github.com/acme/orders.git"
	h.scripts.responses["update_project.sh"] = exec

	result, err := h.svc.Deploy(context.Background(), Request{ApplicationID: 1, Branch: "main"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	body, err := os.ReadFile(result.LogsPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(body), "tok@") {
		t.Fatalf("token leaked into deploy log: %s", body)
	}
}

func TestKillNotRunningReturnsFalse(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)})

	if h.svc.Kill(context.Background(), 100) {
		t.Fatal("expected false for dead pid")
	}
	if h.svc.Kill(context.Background(), 0) {
		t.Fatal("expected false for pid 0")
	}
	if len(h.deployments.stopByPID) != 0 {
		t.Fatal("no deployment may be mutated")
	}
	if rows := h.deployments.snapshot(); rows[0].Status != domain.DeploymentRunning {
		t.Fatalf("status changed to %s", rows[0].Status)
	}
}

func TestKillStopsOwningDeployment(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)})
	h.processes.alive[100] = true

	if !h.svc.Kill(context.Background(), 100) {
		t.Fatal("expected kill to succeed")
	}
	if rows := h.deployments.snapshot(); rows[0].Status != domain.DeploymentStopped {
		t.Fatalf("expected STOPPED, got %s", rows[0].Status)
	}
}

func TestKillSignalFailureReturnsFalse(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)})
	h.processes.alive[100] = true
	h.processes.killErr = errors.New("operation not permitted")

	if h.svc.Kill(context.Background(), 100) {
		t.Fatal("expected false when the signal fails")
	}
	if rows := h.deployments.snapshot(); rows[0].Status != domain.DeploymentRunning {
		t.Fatalf("status must be unchanged, got %s", rows[0].Status)
	}
}

func TestStatusReverifiesLiveness(t *testing.T) {
	h := newHarness(t, domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(100)})

	status, err := h.svc.Status(context.Background(), 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.IsRunning || status.PID != "100" || status.Port != "" {
		t.Fatalf("expected dead process reported as not running, got %+v", status)
	}

	h.processes.alive[100] = true
	h.processes.ports[100] = []string{"8080", "8081"}
	status, err = h.svc.Status(context.Background(), 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsRunning || status.Port != "8080,8081" {
		t.Fatalf("unexpected status %+v", status)
	}

	if _, err := h.svc.Status(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryNotesAndLookup(t *testing.T) {
	h := newHarness(t,
		domain.Deployment{ApplicationID: 1, Status: domain.DeploymentStopped, Lineage: domain.LineagePrevious},
		domain.Deployment{ApplicationID: 1, Status: domain.DeploymentRunning, Lineage: domain.LineageLatest, PID: intPtr(5)},
	)

	history, err := h.svc.History(context.Background(), 1, 10)
	if err != nil || len(history) != 2 || history[0].Lineage != domain.LineageLatest {
		t.Fatalf("unexpected history %+v (%v)", history, err)
	}
	if err := h.svc.UpdateNotes(context.Background(), history[0].ID, "hotfix for #12"); err != nil {
		t.Fatalf("notes: %v", err)
	}
	d, _, err := h.svc.Deployment(context.Background(), history[0].ID)
	if err != nil || d.Notes != "hotfix for #12" {
		t.Fatalf("expected notes persisted, got %+v (%v)", d, err)
	}
	if err := h.svc.UpdateNotes(context.Background(), 999, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAvailableBranches(t *testing.T) {
	h := newHarness(t)
	branches, err := h.svc.AvailableBranches(context.Background(), "https://github.com/acme/orders.git")
	if err != nil {
		t.Fatalf("branches: %v", err)
	}
	sort.Strings(branches)
	if len(branches) != 2 || branches[0] != "develop" {
		t.Fatalf("unexpected branches %v", branches)
	}
	if _, err := h.svc.AvailableBranches(context.Background(), " "); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestOpenLogOutsideRoot(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.OpenLog("../../etc/passwd"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := h.svc.OpenLog("springops/applications/orders/logs/missing.log"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
