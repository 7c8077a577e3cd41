package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record represents a message read from the broker. Records are never mutated
// after they are read.
type Record struct {
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       []byte            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Identity returns the (topic, partition, offset) triple used for dedup.
func (r Record) Identity() string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

// PollResult is one element of a broker poll: either a record or a receive
// failure.
type PollResult struct {
	Record *Record
	Err    error
}

// ProcessingMetadata traces a processed message back to its source record.
type ProcessingMetadata struct {
	ProcessedAt      time.Time `json:"processed_at"`
	ProcessorVersion string    `json:"processor_version"`
	SourceTopic      string    `json:"source_topic"`
	Partition        int       `json:"partition"`
	Offset           int64     `json:"offset"`
}

// ProcessedMessage is the output of a processor. ID is the storage
// idempotency key.
type ProcessedMessage struct {
	ID               string             `json:"id"`
	OriginalMessage  json.RawMessage    `json:"original_message"`
	ProcessedMessage json.RawMessage    `json:"processed_message"`
	Metadata         ProcessingMetadata `json:"processing_metadata"`
}

// PartitionLag is the backlog of one assigned partition.
type PartitionLag struct {
	Topic           string `json:"topic"`
	Partition       int    `json:"partition"`
	HighWatermark   int64  `json:"high_watermark"`
	CommittedOffset int64  `json:"committed_offset"`
	Lag             int64  `json:"lag"`
}

// MessageHeader constants
const (
	HeaderMessageID         = "message-id"
	HeaderRetryCount        = "retry-count"
	HeaderOriginalTopic     = "original-topic"
	HeaderOriginalPartition = "original-partition"
	HeaderOriginalOffset    = "original-offset"
	HeaderFailureReason     = "failure-reason"
	HeaderProcessedAt       = "processed-at"
	HeaderProcessorVersion  = "processor-version"
)
