package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
)

// ErrProcessNotFound is returned when the accounting tool has no row for a pid.
var ErrProcessNotFound = errors.New("process: not found")

const mebibyte = 1024 * 1024

// Usage is a point-in-time resource reading of one process.
type Usage struct {
	CPUPercent              float64
	MemoryMB                float64
	AvailableSystemMemoryMB float64
}

// MemoryStat supplies host memory totals.
type MemoryStat func(ctx context.Context) (*mem.VirtualMemoryStat, error)

// Inspector answers liveness, port and usage questions about pids.
type Inspector struct {
	runner Runner
	memory MemoryStat
	alive  func(pid int) bool
	kill   func(pid int) error
	log    *slog.Logger
}

// Option customises an Inspector.
type Option func(*Inspector)

// WithMemoryStat replaces the host memory source.
func WithMemoryStat(fn MemoryStat) Option {
	return func(i *Inspector) { i.memory = fn }
}

// WithSignals replaces the liveness probe and the kill primitive.
func WithSignals(alive func(pid int) bool, kill func(pid int) error) Option {
	return func(i *Inspector) {
		if alive != nil {
			i.alive = alive
		}
		if kill != nil {
			i.kill = kill
		}
	}
}

// NewInspector wires an Inspector around runner.
func NewInspector(runner Runner, log *slog.Logger, opts ...Option) Inspector {
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	i := Inspector{
		runner: runner,
		memory: mem.VirtualMemoryWithContext,
		alive:  signalZero,
		kill:   sigkill,
		log:    log,
	}
	for _, opt := range opts {
		opt(&i)
	}
	return i
}

// IsRunning probes pid with signal 0. Non-positive pids are never running.
func (i Inspector) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return i.alive(pid)
}

// Kill sends SIGKILL to pid.
func (i Inspector) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("kill pid %d: invalid pid", pid)
	}
	return i.kill(pid)
}

// ListeningPorts returns the TCP ports pid listens on. Tool failures are
// logged and produce an empty list.
func (i Inspector) ListeningPorts(ctx context.Context, pid int, family Family) []string {
	if pid <= 0 {
		return []string{}
	}
	out, err := i.runner.Run(ctx, "lsof", "-Pan", "-p", strconv.Itoa(pid), "-iTCP", "-sTCP:LISTEN")
	if err != nil && len(out) == 0 {
		i.log.Warn("list listening ports failed", "pid", pid, "family", family.String(), "error", err)
		return []string{}
	}
	return ParseListeningPorts(string(out), family)
}

// Usage samples CPU and memory of pid via ps and converts the memory share
// to megabytes using the host total.
func (i Inspector) Usage(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	out, err := i.runner.Run(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "pcpu=", "-o", "pmem=")
	line := firstLine(string(out))
	if line == "" {
		if err != nil {
			return Usage{}, fmt.Errorf("%w: pid %d: %v", ErrProcessNotFound, pid, err)
		}
		return Usage{}, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Usage{}, fmt.Errorf("parse ps output %q: expected cpu and mem columns", line)
	}
	cpu, err := parsePercent(fields[0])
	if err != nil {
		return Usage{}, fmt.Errorf("parse cpu %q: %w", fields[0], err)
	}
	memPercent, err := parsePercent(fields[1])
	if err != nil {
		return Usage{}, fmt.Errorf("parse mem %q: %w", fields[1], err)
	}

	vm, err := i.memory(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("read host memory: %w", err)
	}
	return Usage{
		CPUPercent:              cpu,
		MemoryMB:                memPercent / 100 * float64(vm.Total) / mebibyte,
		AvailableSystemMemoryMB: float64(vm.Available) / mebibyte,
	}, nil
}

func firstLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// ps prints a comma decimal separator under some locales.
func parsePercent(raw string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
}
