package domain

import "time"

// SystemVersion is an installed toolchain (build tool or runtime) that scripts
// receive by path.
type SystemVersion struct {
	ID        int64
	Type      string
	Version   string
	Path      string
	CreatedAt time.Time
}

// Application is a registered deployable unit. Name and port are unique.
type Application struct {
	ID          int64
	Name        string
	Description string
	GitURL      string
	Port        int
	BuildTool   *SystemVersion
	Runtime     *SystemVersion
	MinMemory   string
	MaxMemory   string
	FolderRoot  string
	CreatedAt   time.Time
}

// ApplicationEnv stores an encrypted environment variable for an application.
type ApplicationEnv struct {
	ID            int64
	ApplicationID int64
	Name          string
	Value         string
	CreatedAt     time.Time
}
