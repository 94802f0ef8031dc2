package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "springops.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "API_ADDR: \":9000\"\nGIT_TIMEOUT_SECONDS: 5\nfiles_root: /srv\nREDIS_DB: 3\n")
	if err := LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(resetFile)
	t.Setenv("API_ADDR", ":7000")

	cfg := LoadAPIConfig()
	if cfg.Addr != ":7000" {
		t.Fatalf("expected env to win, got %q", cfg.Addr)
	}
	if cfg.FilesRoot != "/srv" {
		t.Fatalf("expected lower-case file key honoured, got %q", cfg.FilesRoot)
	}
	if cfg.GitTimeout != 5*time.Second || cfg.RedisDB != 3 {
		t.Fatalf("unexpected numeric values %v %d", cfg.GitTimeout, cfg.RedisDB)
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("SCRIPT_TIMEOUT_SECONDS", "soon")
	t.Setenv("STATS_RETENTION_HOURS", "many")
	cfg := LoadAPIConfig()
	if cfg.ScriptTimeout != 15*time.Minute {
		t.Fatalf("expected default script timeout, got %v", cfg.ScriptTimeout)
	}
	if cfg.StatsRetention != 24*time.Hour {
		t.Fatalf("expected default retention, got %v", cfg.StatsRetention)
	}
}

func TestLockTTLCoversWholePipeline(t *testing.T) {
	cfg := LoadAPIConfig()
	if cfg.LockTTL < 3*cfg.ScriptTimeout {
		t.Fatalf("lock ttl %v shorter than three script timeouts of %v", cfg.LockTTL, cfg.ScriptTimeout)
	}

	t.Setenv("SCRIPT_TIMEOUT_SECONDS", "3600")
	if cfg := LoadAPIConfig(); cfg.LockTTL != 3*time.Hour+5*time.Minute {
		t.Fatalf("expected lock ttl derived from script timeout, got %v", cfg.LockTTL)
	}

	t.Setenv("LOCK_TTL_SECONDS", "90")
	if cfg := LoadAPIConfig(); cfg.LockTTL != 90*time.Second {
		t.Fatalf("expected explicit lock ttl, got %v", cfg.LockTTL)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if err := LoadFile(""); err != nil {
		t.Fatalf("empty path must be a no-op, got %v", err)
	}
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := LoadFile(writeConfig(t, "API_ADDR: [unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}

func resetFile() {
	fileMu.Lock()
	fileValues = map[string]string{}
	fileMu.Unlock()
}
