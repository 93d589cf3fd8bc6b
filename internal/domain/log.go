package domain

import "time"

// Log line sources.
const (
	LogSourceBuild   = "build"
	LogSourceRuntime = "runtime"
)

// LogLine is one persisted line of build or runtime output. Append-only.
type LogLine struct {
	ID           int64
	DeploymentID string
	Source       string
	Level        string
	Line         string
	Timestamp    time.Time
}
