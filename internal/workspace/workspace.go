// Package workspace lays out application directories under the files root.
//
//	<filesRoot>/<rootDirectory>/<applications>/<app>/<source>
//	<filesRoot>/<rootDirectory>/<applications>/<app>/<logs>/deploy-<timestamp>.log
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
)

// ErrOutsideRoot is returned for paths that escape the files root.
var ErrOutsideRoot = errors.New("workspace: path outside files root")

// Layout names the directories beneath the files root.
type Layout struct {
	FilesRoot         string
	RootDirectoryName string
	ApplicationsDir   string
	SourceDir         string
	LogsDir           string
}

// Manager resolves and creates application directories.
type Manager struct {
	filesRoot string
	appsRoot  string
	sourceDir string
	logsDir   string
	now       func() time.Time
}

// New validates layout and ensures the applications directory exists.
func New(layout Layout) (*Manager, error) {
	if layout.FilesRoot == "" {
		return nil, fmt.Errorf("files root cannot be empty")
	}
	filesRoot, err := filepath.Abs(layout.FilesRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve files root: %w", err)
	}
	appsRoot := filepath.Join(filesRoot, layout.RootDirectoryName, layout.ApplicationsDir)
	if err := os.MkdirAll(appsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create applications root: %w", err)
	}
	m := &Manager{
		filesRoot: filesRoot,
		appsRoot:  appsRoot,
		sourceDir: defaultString(layout.SourceDir, "source"),
		logsDir:   defaultString(layout.LogsDir, "logs"),
		now:       time.Now,
	}
	return m, nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// Slug turns an application name into a directory name.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ApplicationDir returns the directory owned by app. A configured folder root
// wins over the slug of the name.
func (m *Manager) ApplicationDir(app domain.Application) string {
	folder := Slug(app.FolderRoot)
	if folder == "" {
		folder = Slug(app.Name)
	}
	if folder == "" {
		folder = fmt.Sprintf("app-%d", app.ID)
	}
	return filepath.Join(m.appsRoot, folder)
}

// SourcePath is where the update script checks out the repository.
func (m *Manager) SourcePath(app domain.Application) string {
	return filepath.Join(m.ApplicationDir(app), m.sourceDir)
}

// LogsPath is where deploy logs of app are written.
func (m *Manager) LogsPath(app domain.Application) string {
	return filepath.Join(m.ApplicationDir(app), m.logsDir)
}

// Prepare creates the source and logs directories of app if missing.
func (m *Manager) Prepare(app domain.Application) error {
	for _, dir := range []string{m.SourcePath(app), m.LogsPath(app)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// WriteDeployLog stores the combined output of one deploy attempt and returns
// the file path.
func (m *Manager) WriteDeployLog(app domain.Application, content string) (string, error) {
	dir := m.LogsPath(app)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	name := fmt.Sprintf("deploy-%s.log", m.now().UTC().Format("20060102-150405.000"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		return "", fmt.Errorf("write deploy log: %w", err)
	}
	return path, nil
}

// Resolve maps name (absolute, or relative to the files root) to a path,
// refusing anything that escapes the files root.
func (m *Manager) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrOutsideRoot
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.filesRoot, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(m.filesRoot, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

// Open resolves name with Resolve and opens the regular file behind it.
func (m *Manager) Open(name string) (*os.File, error) {
	path, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file: %w", name, os.ErrNotExist)
	}
	return os.Open(path)
}
