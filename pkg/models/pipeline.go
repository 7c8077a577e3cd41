package models

import (
	"encoding/json"
	"time"
)

// PipelineStatus is the lifecycle state of a pipeline.
type PipelineStatus string

const (
	StatusStarting PipelineStatus = "Starting"
	StatusRunning  PipelineStatus = "Running"
	StatusStopping PipelineStatus = "Stopping"
	StatusStopped  PipelineStatus = "Stopped"
	StatusFailed   PipelineStatus = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s PipelineStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// MetricsSummary is the per-pipeline counter snapshot returned by status
// queries.
type MetricsSummary struct {
	Received     int64          `json:"received"`
	Processed    int64          `json:"processed"`
	Persisted    int64          `json:"persisted"`
	Failed       int64          `json:"failed"`
	Retried      int64          `json:"retried"`
	DeadLettered int64          `json:"dead_lettered"`
	Batches      int64          `json:"batches"`
	Lag          []PartitionLag `json:"lag,omitempty"`
}

// PipelineSnapshot is a consistent copy of a pipeline's state.
type PipelineSnapshot struct {
	JobID      string            `json:"job_id"`
	PipelineID string            `json:"pipeline_id"`
	Status     PipelineStatus    `json:"status"`
	Config     map[string]string `json:"config,omitempty"`
	Metrics    MetricsSummary    `json:"metrics"`
	StartTime  time.Time         `json:"start_time"`
	LastUpdate time.Time         `json:"last_update"`
	Error      string            `json:"error,omitempty"`
}

// StreamData is one element pushed by a client into a running pipeline.
type StreamData struct {
	JobID     string `json:"job_id"`
	Key       string `json:"key,omitempty"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StreamDataResponse acknowledges one StreamData element.
type StreamDataResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

// ProcessingResult reports the outcome of one record of a pipeline.
type ProcessingResult struct {
	JobID       string          `json:"job_id"`
	MessageID   string          `json:"message_id,omitempty"`
	Topic       string          `json:"topic"`
	Partition   int             `json:"partition"`
	Offset      int64           `json:"offset"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`
	Output      json.RawMessage `json:"output,omitempty"`
}
