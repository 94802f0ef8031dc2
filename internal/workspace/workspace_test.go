package workspace

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := New(Layout{FilesRoot: root, RootDirectoryName: "springops", ApplicationsDir: "applications", SourceDir: "source", LogsDir: "logs"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, root
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Orders Service":  "orders-service",
		"  billing_api  ": "billing-api",
		"UPPER--case!!":   "upper-case",
		"":                "",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Fatalf("slug(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestSourceAndLogsPaths(t *testing.T) {
	m, root := newManager(t)
	app := domain.Application{ID: 3, Name: "Orders Service"}

	want := filepath.Join(root, "springops", "applications", "orders-service", "source")
	if got := m.SourcePath(app); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if err := m.Prepare(app); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(m.LogsPath(app)); err != nil {
		t.Fatalf("expected logs dir: %v", err)
	}
}

func TestWriteDeployLogAndOpen(t *testing.T) {
	m, root := newManager(t)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) }
	app := domain.Application{ID: 1, Name: "shop"}

	path, err := m.WriteDeployLog(app, "== UPDATE ==\nok\n")
	if err != nil {
		t.Fatalf("write log: %v", err)
	}
	if !strings.HasSuffix(path, "deploy-20240501-103000.000.log") {
		t.Fatalf("unexpected log name %s", path)
	}

	rel, _ := filepath.Rel(root, path)
	f, err := m.Open(rel)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	body, _ := io.ReadAll(f)
	if string(body) != "== UPDATE ==\nok\n" {
		t.Fatalf("unexpected content %q", body)
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	m, _ := newManager(t)
	for _, name := range []string{"../etc/passwd", "/etc/passwd", "", "springops/../../x"} {
		if _, err := m.Resolve(name); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("%q: expected ErrOutsideRoot, got %v", name, err)
		}
	}
}
