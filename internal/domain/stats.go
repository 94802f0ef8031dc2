package domain

import "time"

// ApplicationStats is one resource usage sample of a running deployment.
type ApplicationStats struct {
	ID                      int64
	ApplicationID           int64
	PID                     int
	Timestamp               time.Time
	MemoryMB                float64
	CPULoadPercent          float64
	AvailableSystemMemoryMB float64
}
