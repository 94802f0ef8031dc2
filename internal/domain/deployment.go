package domain

import "time"

// DeploymentStatus is the lifecycle state of a managed deployment.
type DeploymentStatus string

const (
	DeploymentRunning   DeploymentStatus = "RUNNING"
	DeploymentStopped   DeploymentStatus = "STOPPED"
	DeploymentSucceeded DeploymentStatus = "SUCCEEDED"
	DeploymentFailed    DeploymentStatus = "FAILED"
)

// LineageType places a deployment in the application's history.
type LineageType string

const (
	LineageLatest   LineageType = "LATEST"
	LineagePrevious LineageType = "PREVIOUS"
	LineageRollback LineageType = "ROLLBACK"
)

// StepType names a pipeline step.
type StepType string

const (
	StepUpdate StepType = "UPDATE"
	StepBuild  StepType = "BUILD"
	StepRun    StepType = "RUN"
)

// PipelineSteps lists the steps in execution order.
var PipelineSteps = []StepType{StepUpdate, StepBuild, StepRun}

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailure StepStatus = "FAILURE"
	StepNotRun  StepStatus = "NOT_RUN"
)

// Deployment captures a single deployment attempt of an application.
type Deployment struct {
	ID               int64
	ApplicationID    int64
	ArtifactVersion  string
	Status           DeploymentStatus
	Lineage          LineageType
	PID              *int
	Branch           string
	LogsPath         string
	Notes            string
	TimeTakenSeconds int64
	CreatedAt        time.Time
}

// HasPID reports whether the deployment recorded a process id.
func (d Deployment) HasPID() bool {
	return d.PID != nil && *d.PID > 0
}

// DeploymentStep is the immutable record of one pipeline step of an attempt.
type DeploymentStep struct {
	ID           string
	DeploymentID int64
	Status       StepStatus
	Type         StepType
	Message      string
	LogsPath     string
	CreatedAt    time.Time
}

// DeploymentRecord is the bookkeeping written at the end of a pipeline run.
// Deployment.ID is assigned by the store.
type DeploymentRecord struct {
	Deployment Deployment
	Steps      []DeploymentStep
}
