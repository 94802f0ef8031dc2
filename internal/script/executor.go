package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"
)

// Invocation describes one script run.
type Invocation struct {
	Script string
	Args   []string
	// Detach places the script in its own process group so whatever it
	// backgrounds outlives both the script and this process.
	Detach bool
}

// Execution is the observed outcome of an Invocation.
type Execution struct {
	Script          string
	ProcessExitCode int
	Output          string
	Result          Result
	Duration        time.Duration
	Err             error
}

// Succeeded requires both a zero OS exit code and a SUCCESS payload.
func (e Execution) Succeeded() bool {
	return e.Err == nil && e.ProcessExitCode == 0 && e.Result.Succeeded()
}

// Options configures an Executor.
type Options struct {
	Shell     string
	Dir       string
	Timeout   time.Duration
	WaitDelay time.Duration
	Decoder   Decoder
}

// Executor runs scripts through a shell and decodes their results.
type Executor struct {
	shell     string
	dir       string
	timeout   time.Duration
	waitDelay time.Duration
	decoder   Decoder
	log       *slog.Logger
}

// NewExecutor returns an Executor with defaults for unset options.
func NewExecutor(opts Options, log *slog.Logger) Executor {
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 5 * time.Second
	}
	if opts.Decoder == nil {
		opts.Decoder = SentinelDecoder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return Executor{
		shell:     opts.Shell,
		dir:       opts.Dir,
		timeout:   opts.Timeout,
		waitDelay: opts.WaitDelay,
		decoder:   opts.Decoder,
		log:       log.With("component", "script"),
	}
}

// Run executes inv and always returns an Execution; failures to start, time
// out or decode show up as a FAILED result.
func (e Executor) Run(ctx context.Context, inv Invocation) Execution {
	path := inv.Script
	if e.dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(e.dir, path)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append([]string{path}, inv.Args...)
	cmd := exec.CommandContext(runCtx, e.shell, args...)
	cmd.WaitDelay = e.waitDelay
	if inv.Detach {
		detach(cmd)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	e.log.Info("executing script", "script", inv.Script, "args", len(inv.Args), "detached", inv.Detach)
	started := time.Now()
	err := cmd.Run()
	out := Execution{
		Script:          inv.Script,
		ProcessExitCode: -1,
		Output:          output.String(),
		Duration:        time.Since(started),
	}
	if cmd.ProcessState != nil {
		out.ProcessExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Err = fmt.Errorf("script %s timed out after %s", inv.Script, e.timeout)
	case err != nil && cmd.ProcessState == nil:
		out.Err = fmt.Errorf("start script %s: %w", inv.Script, err)
	case errors.Is(err, exec.ErrWaitDelay):
		// The script exited but something it spawned still holds the pipes.
		e.log.Debug("script left output pipes open", "script", inv.Script)
	}

	if out.Err != nil {
		out.Result = Failed(out.Err.Error(), out.Output)
	} else {
		out.Result = e.decoder.Decode(out.Output)
	}

	e.log.Info("script finished",
		"script", inv.Script,
		"exit_code", out.ProcessExitCode,
		"status", out.Result.Status,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out
}
