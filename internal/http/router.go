package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
	"github.com/orlandolorenzomk/springops-sub000/internal/service/deploy"
	"github.com/orlandolorenzomk/springops-sub000/internal/ws"
)

// Deployer is the deploy surface the router exposes.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (*deploy.Result, error)
	Kill(ctx context.Context, pid int) bool
	Status(ctx context.Context, applicationID int64) (deploy.Status, error)
	AvailableBranches(ctx context.Context, gitURL string) ([]string, error)
	History(ctx context.Context, applicationID int64, limit int) ([]domain.Deployment, error)
	Deployment(ctx context.Context, deploymentID int64) (*domain.Deployment, []domain.DeploymentStep, error)
	UpdateNotes(ctx context.Context, deploymentID int64, notes string) error
	OpenLog(name string) (*os.File, error)
}

// StatsReader serves recorded resource usage.
type StatsReader interface {
	Window(ctx context.Context, applicationID int64, from, to time.Time) ([]domain.ApplicationStats, error)
}

// Options carries optional router collaborators.
type Options struct {
	JWTSecret string
	Limiter   RateLimiter
	DBHealth  func(context.Context) error
	// Registerer and Gatherer default to the prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    Deployer
	stats     StatsReader
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error
	gatherer  prometheus.Gatherer
	metrics   *routeMetrics
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitDeploy    = 10
	rateLimitKill      = 30
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultHistorySize = 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc Deployer, stats StatsReader, hub *ws.Hub, opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		deploy: deploySvc,
		stats:  stats,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   opts.Limiter,
		jwtSecret: strings.TrimSpace(opts.JWTSecret),
		dbHealth:  opts.DBHealth,
		gatherer:  opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r.metrics = newRouteMetrics(registerer)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/deployment-manager/status", r.audit("/deployment-manager/status", r.handlerAuthRate("status", rateLimitRead, rateWindowDefault, r.handleStatus)))
	r.mux.HandleFunc("/deployment-manager/kill", r.audit("/deployment-manager/kill", r.handlerAuthRate("kill", rateLimitKill, rateWindowDefault, r.handleKill)))
	r.mux.HandleFunc("/deployment-manager/deploy", r.audit("/deployment-manager/deploy", r.handlerAuthRate("deploy", rateLimitDeploy, rateWindowDefault, r.handleDeploy)))
	r.mux.HandleFunc("/git/available-branches", r.audit("/git/available-branches", r.handlerAuthRate("branches", rateLimitRead, rateWindowDefault, r.handleBranches)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerAuthRate("deployments", rateLimitRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/logs", r.audit("/deployments/logs", r.handlerAuthRate("logs", rateLimitRead, rateWindowDefault, r.handleDeployLog)))
	r.mux.HandleFunc("/deployments/events", r.audit("/deployments/events", r.handlerAuthRate("events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsSSE)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.handlerAuthRate("deployment", rateLimitWrite, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/application-stats", r.audit("/application-stats", r.handlerAuthRate("stats", rateLimitRead, rateWindowDefault, r.handleStats)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.handlerAuthRate("ws", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	applicationID, ok := r.queryID(w, req, "applicationId")
	if !ok {
		return
	}
	status, err := r.deploy.Status(req.Context(), applicationID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleKill(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(req.URL.Query().Get("pid")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "pid query parameter must be an integer")
		return
	}
	if !r.deploy.Kill(req.Context(), pid) {
		writeError(w, http.StatusInternalServerError, "process "+strconv.Itoa(pid)+" could not be killed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "process " + strconv.Itoa(pid) + " killed"})
}

type deployResponse struct {
	*deploy.Result
	DeploymentID int64                   `json:"deploymentId"`
	Status       domain.DeploymentStatus `json:"status"`
	Lineage      domain.LineageType      `json:"type"`
	PID          *int                    `json:"pid,omitempty"`
	Branch       string                  `json:"branch"`
	Artifact     string                  `json:"artifactVersion,omitempty"`
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	applicationID, ok := r.queryID(w, req, "applicationId")
	if !ok {
		return
	}
	query := req.URL.Query()
	request := deploy.Request{
		ApplicationID: applicationID,
		Branch:        query.Get("branchName"),
	}
	if raw := strings.TrimSpace(query.Get("port")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "port query parameter must be an integer")
			return
		}
		request.Port = &port
	}
	if raw := strings.TrimSpace(query.Get("rollback")); raw != "" {
		rollback, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "rollback query parameter must be a boolean")
			return
		}
		request.Rollback = rollback
	}

	result, err := r.deploy.Deploy(req.Context(), request)
	if err != nil {
		r.metrics.observeDeploy(applicationID, deployRejection(err))
		r.writeServiceError(w, req, err)
		return
	}
	r.metrics.observeDeploy(applicationID, strings.ToLower(result.Outcome))
	resp := deployResponse{Result: result}
	if d := result.Deployment; d != nil {
		resp.DeploymentID = d.ID
		resp.Status = d.Status
		resp.Lineage = d.Lineage
		resp.PID = d.PID
		resp.Branch = d.Branch
		resp.Artifact = d.ArtifactVersion
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleBranches(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	branches, err := r.deploy.AvailableBranches(req.Context(), req.URL.Query().Get("gitUrl"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, branches)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	applicationID, ok := r.queryID(w, req, "applicationId")
	if !ok {
		return
	}
	limit := defaultHistorySize
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	deployments, err := r.deploy.History(req.Context(), applicationID, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := make([]map[string]any, 0, len(deployments))
	for _, d := range deployments {
		payload = append(payload, marshalDeployment(d))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(trimmed, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleDeployment(w, req, id)
	case len(parts) == 2 && parts[1] == "notes":
		r.handleDeploymentNotes(w, req, id)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request, id int64) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, steps, err := r.deploy.Deployment(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := marshalDeployment(*deployment)
	stepPayload := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		stepPayload = append(stepPayload, map[string]any{
			"id":        step.ID,
			"type":      step.Type,
			"status":    step.Status,
			"message":   step.Message,
			"logsPath":  step.LogsPath,
			"createdAt": step.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	payload["steps"] = stepPayload
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleDeploymentNotes(w http.ResponseWriter, req *http.Request, id int64) {
	if req.Method != http.MethodPatch {
		r.methodNotAllowed(w)
		return
	}
	if err := r.deploy.UpdateNotes(req.Context(), id, req.URL.Query().Get("value")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "notes updated"})
}

func (r *Router) handleDeployLog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	f, err := r.deploy.OpenLog(req.URL.Query().Get("filename"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(f.Name())+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		r.logger.Warn("stream deploy log failed", "file", f.Name(), "error", err)
	}
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	applicationID, ok := r.queryID(w, req, "applicationId")
	if !ok {
		return
	}
	from, ok := r.queryTime(w, req, "startTimestamp")
	if !ok {
		return
	}
	to, ok := r.queryTime(w, req, "endTimestamp")
	if !ok {
		return
	}
	samples, err := r.stats.Window(req.Context(), applicationID, from, to)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := make([]map[string]any, 0, len(samples))
	for _, s := range samples {
		payload = append(payload, map[string]any{
			"id":                      s.ID,
			"applicationId":           s.ApplicationID,
			"pid":                     s.PID,
			"timestamp":               s.Timestamp.UTC().Format(time.RFC3339),
			"memoryMb":                s.MemoryMB,
			"cpuLoadPercent":          s.CPULoadPercent,
			"availableSystemMemoryMb": s.AvailableSystemMemoryMB,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	applicationID, ok := r.queryID(w, req, "applicationId")
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(applicationID, client)
	go func() {
		defer func() {
			r.hub.Unregister(applicationID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	applicationID, ok := r.queryID(w, req, "applicationId")
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(applicationID, client)
	defer r.hub.Unregister(applicationID, client)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.hub != nil {
		components["events"] = map[string]any{"dropped": r.hub.Dropped()}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func marshalDeployment(d domain.Deployment) map[string]any {
	payload := map[string]any{
		"id":               d.ID,
		"applicationId":    d.ApplicationID,
		"version":          d.ArtifactVersion,
		"status":           d.Status,
		"type":             d.Lineage,
		"branch":           d.Branch,
		"logsPath":         d.LogsPath,
		"notes":            d.Notes,
		"timeTakenSeconds": d.TimeTakenSeconds,
		"createdAt":        d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.HasPID() {
		payload["pid"] = *d.PID
	}
	return payload
}

func (r *Router) queryID(w http.ResponseWriter, req *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		writeError(w, http.StatusBadRequest, name+" query parameter required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (r *Router) queryTime(w http.ResponseWriter, req *http.Request, name string) (time.Time, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an RFC3339 timestamp")
		return time.Time{}, false
	}
	return parsed, true
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.observeRequest(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", deploy.ActorFrom(ctx),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
