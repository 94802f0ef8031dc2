package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client provides typed access to the SpringOps API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL. Requests are
// bounded by their context only, since deploys run for minutes.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Status mirrors the deployment-manager status payload.
type Status struct {
	IsRunning bool   `json:"isRunning"`
	PID       string `json:"pid"`
	Port      string `json:"port"`
}

// StepPayload is the structured result a pipeline script reported.
type StepPayload struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Data    []string `json:"data"`
}

// Step is the outcome of one pipeline step.
type Step struct {
	Step            string       `json:"step"`
	Status          string       `json:"status"`
	ProcessExitCode int          `json:"processExitCode"`
	Result          *StepPayload `json:"result,omitempty"`
	DurationMillis  int64        `json:"durationMs"`
}

// DeployResult is the response of a deploy request.
type DeployResult struct {
	Outcome         string `json:"outcome"`
	DeploymentID    int64  `json:"deploymentId"`
	Status          string `json:"status"`
	Type            string `json:"type"`
	PID             *int   `json:"pid,omitempty"`
	Branch          string `json:"branch"`
	ArtifactVersion string `json:"artifactVersion"`
	Steps           []Step `json:"steps"`
	LogsPath        string `json:"logsPath"`
	Error           string `json:"error"`
}

// Deployment is one row of deployment history.
type Deployment struct {
	ID               int64  `json:"id"`
	ApplicationID    int64  `json:"applicationId"`
	Version          string `json:"version"`
	Status           string `json:"status"`
	Type             string `json:"type"`
	PID              *int   `json:"pid,omitempty"`
	Branch           string `json:"branch"`
	LogsPath         string `json:"logsPath"`
	Notes            string `json:"notes"`
	TimeTakenSeconds int64  `json:"timeTakenSeconds"`
	CreatedAt        string `json:"createdAt"`
}

// DeployRequest selects what to deploy.
type DeployRequest struct {
	ApplicationID int64
	Branch        string
	Port          int
	Rollback      bool
}

// Status reports whether the application's latest deployment is alive.
func (c *Client) Status(ctx context.Context, applicationID int64) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/deployment-manager/status", url.Values{"applicationId": {strconv.FormatInt(applicationID, 10)}}, &out)
	return out, err
}

// Deploy runs the pipeline and waits for its result.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	query := url.Values{
		"applicationId": {strconv.FormatInt(req.ApplicationID, 10)},
		"branchName":    {req.Branch},
	}
	if req.Port > 0 {
		query.Set("port", strconv.Itoa(req.Port))
	}
	if req.Rollback {
		query.Set("rollback", "true")
	}
	var out DeployResult
	err := c.do(ctx, http.MethodPost, "/deployment-manager/deploy", query, &out)
	return out, err
}

// Kill terminates the process with pid.
func (c *Client) Kill(ctx context.Context, pid int) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/deployment-manager/kill", url.Values{"pid": {strconv.Itoa(pid)}}, &out)
	return out.Message, err
}

// Branches lists deployable branches of gitURL.
func (c *Client) Branches(ctx context.Context, gitURL string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/git/available-branches", url.Values{"gitUrl": {gitURL}}, &out)
	return out, err
}

// History lists recent deployments of an application.
func (c *Client) History(ctx context.Context, applicationID int64, limit int) ([]Deployment, error) {
	query := url.Values{"applicationId": {strconv.FormatInt(applicationID, 10)}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []Deployment
	err := c.do(ctx, http.MethodGet, "/deployments", query, &out)
	return out, err
}

// UpdateNotes replaces the notes of a deployment.
func (c *Client) UpdateNotes(ctx context.Context, deploymentID int64, notes string) error {
	path := "/deployments/" + strconv.FormatInt(deploymentID, 10) + "/notes"
	return c.do(ctx, http.MethodPatch, path, url.Values{"value": {notes}}, nil)
}
