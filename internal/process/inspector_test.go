package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"reflect"
	"testing"

	"github.com/shirou/gopsutil/v3/mem"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func fixedMemory(total, available uint64) Option {
	return WithMemoryStat(func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: total, Available: available}, nil
	})
}

func TestInspectorUsage(t *testing.T) {
	runner := &FakeRunner{RunFunc: func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "ps" {
			t.Fatalf("unexpected command %s", name)
		}
		return []byte("  12.5  25.0\n"), nil
	}}
	inspector := NewInspector(runner, testLogger(), fixedMemory(8*1024*mebibyte, 2*1024*mebibyte))

	usage, err := inspector.Usage(context.Background(), 4242)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.CPUPercent != 12.5 {
		t.Fatalf("expected cpu 12.5, got %v", usage.CPUPercent)
	}
	if math.Abs(usage.MemoryMB-2048) > 0.001 {
		t.Fatalf("expected 2048 MB, got %v", usage.MemoryMB)
	}
	if usage.AvailableSystemMemoryMB != 2048 {
		t.Fatalf("expected 2048 MB available, got %v", usage.AvailableSystemMemoryMB)
	}
	calls := runner.Calls()
	want := []string{"-p", "4242", "-o", "pcpu=", "-o", "pmem="}
	if len(calls) != 1 || !reflect.DeepEqual(calls[0].Args, want) {
		t.Fatalf("unexpected ps invocation %+v", calls)
	}
}

func TestInspectorUsageProcessNotFound(t *testing.T) {
	runner := &FakeRunner{RunFunc: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}}
	inspector := NewInspector(runner, testLogger(), fixedMemory(1, 1))

	if _, err := inspector.Usage(context.Background(), 4242); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
	if _, err := inspector.Usage(context.Background(), 0); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound for pid 0, got %v", err)
	}
}

func TestInspectorListeningPortsToolFailure(t *testing.T) {
	runner := &FakeRunner{RunFunc: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("lsof: not found")
	}}
	inspector := NewInspector(runner, testLogger())

	ports := inspector.ListeningPorts(context.Background(), 4242, FamilyDefault)
	if ports == nil || len(ports) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", ports)
	}
}

func TestInspectorListeningPortsUsesFamily(t *testing.T) {
	runner := &FakeRunner{RunFunc: func(_ context.Context, name string, args ...string) ([]byte, error) {
		return []byte("java 4242 app 45u IPv4 1 0t0 TCP *:9090"), nil
	}}
	inspector := NewInspector(runner, testLogger())

	ports := inspector.ListeningPorts(context.Background(), 4242, FamilySUSE)
	if !reflect.DeepEqual(ports, []string{"9090"}) {
		t.Fatalf("expected [9090], got %v", ports)
	}
	calls := runner.Calls()
	want := []string{"-Pan", "-p", "4242", "-iTCP", "-sTCP:LISTEN"}
	if calls[0].Name != "lsof" || !reflect.DeepEqual(calls[0].Args, want) {
		t.Fatalf("unexpected lsof invocation %+v", calls[0])
	}
}

func TestInspectorIsRunning(t *testing.T) {
	inspector := NewInspector(&FakeRunner{}, testLogger())
	if inspector.IsRunning(0) || inspector.IsRunning(-5) {
		t.Fatal("non-positive pids must never be running")
	}
	if !inspector.IsRunning(os.Getpid()) {
		t.Fatal("expected current process to be running")
	}
}

func TestInspectorKillUsesSignalHook(t *testing.T) {
	var killed int
	inspector := NewInspector(&FakeRunner{}, testLogger(), WithSignals(nil, func(pid int) error {
		killed = pid
		return nil
	}))
	if err := inspector.Kill(77); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if killed != 77 {
		t.Fatalf("expected pid 77 to be killed, got %d", killed)
	}
	if err := inspector.Kill(0); err == nil {
		t.Fatal("expected error for pid 0")
	}
}
