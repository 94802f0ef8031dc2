// Package git queries remote repositories for deployable branches.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrQueryFailed indicates the remote could not be listed (network or auth).
var ErrQueryFailed = errors.New("git: remote query failed")

const (
	headsPrefix    = "refs/heads/"
	reservedPrefix = "deploy"
)

// CommandFunc runs git with args and returns its standard output.
type CommandFunc func(ctx context.Context, args ...string) ([]byte, error)

// Resolver lists branches of remote repositories with `git ls-remote`.
type Resolver struct {
	run     CommandFunc
	timeout time.Duration
}

// NewResolver returns a Resolver bounded by timeout per query. A nil run uses
// the git binary on PATH.
func NewResolver(run CommandFunc, timeout time.Duration) Resolver {
	if run == nil {
		run = execGit
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return Resolver{run: run, timeout: timeout}
}

func execGit(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// AuthenticatedURL injects token as the user info of an HTTPS repository URL.
// Other URLs are returned unchanged.
func AuthenticatedURL(repoURL, token string) (string, error) {
	repoURL = strings.TrimSpace(repoURL)
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL, nil
	}
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repository url: %w", err)
	}
	parsed.User = url.User(token)
	return parsed.String(), nil
}

// BranchExists reports whether branch is a head on the remote.
func (r Resolver) BranchExists(ctx context.Context, repoURL, branch, token string) (bool, error) {
	branch = strings.TrimPrefix(strings.TrimSpace(branch), headsPrefix)
	if branch == "" {
		return false, nil
	}
	heads, err := r.heads(ctx, repoURL, token)
	if err != nil {
		return false, err
	}
	for _, head := range heads {
		if head == branch {
			return true, nil
		}
	}
	return false, nil
}

// ListDeployableBranches returns remote heads, excluding the reserved deploy* names.
func (r Resolver) ListDeployableBranches(ctx context.Context, repoURL, token string) ([]string, error) {
	heads, err := r.heads(ctx, repoURL, token)
	if err != nil {
		return nil, err
	}
	branches := make([]string, 0, len(heads))
	for _, head := range heads {
		if strings.HasPrefix(head, reservedPrefix) {
			continue
		}
		branches = append(branches, head)
	}
	return branches, nil
}

func (r Resolver) heads(ctx context.Context, repoURL, token string) ([]string, error) {
	if strings.TrimSpace(repoURL) == "" {
		return nil, fmt.Errorf("%w: repository url is empty", ErrQueryFailed)
	}
	authURL, err := AuthenticatedURL(repoURL, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(ctx, "ls-remote", "--heads", authURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQueryFailed, redact(err.Error(), token))
	}
	return ParseHeads(string(out)), nil
}

// ParseHeads extracts branch names from `git ls-remote --heads` output.
func ParseHeads(output string) []string {
	heads := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], headsPrefix) {
			continue
		}
		heads = append(heads, strings.TrimPrefix(fields[1], headsPrefix))
	}
	return heads
}

func redact(message, token string) string {
	if token == "" {
		return message
	}
	return strings.ReplaceAll(message, token, "***")
}
