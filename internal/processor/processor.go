package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/pkg/models"

	"github.com/google/uuid"
)

// Processor turns one record into a processed message. Implementations must
// not keep mutable state between calls.
type Processor interface {
	Process(ctx context.Context, rec *models.Record) (*models.ProcessedMessage, error)
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, rec *models.Record) (*models.ProcessedMessage, error)

func (f Func) Process(ctx context.Context, rec *models.Record) (*models.ProcessedMessage, error) {
	return f(ctx, rec)
}

var recordNamespace = uuid.MustParse("6f1c1f5e-8f4e-4d43-9a57-3c2f0b7d2a10")

// MessageID derives the storage key from the record identity, so a replayed
// record always maps to the same row.
func MessageID(rec *models.Record) string {
	return uuid.NewSHA1(recordNamespace, []byte(rec.Identity())).String()
}

// Options is the read-only configuration handed to built-in processors.
type Options struct {
	Version string
	Now     func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func newMessage(rec *models.Record, opts Options, original, processed json.RawMessage) *models.ProcessedMessage {
	return &models.ProcessedMessage{
		ID:               MessageID(rec),
		OriginalMessage:  original,
		ProcessedMessage: processed,
		Metadata: models.ProcessingMetadata{
			ProcessedAt:      opts.now(),
			ProcessorVersion: opts.Version,
			SourceTopic:      rec.Topic,
			Partition:        rec.Partition,
			Offset:           rec.Offset,
		},
	}
}

// Passthrough stores the payload unchanged. Payloads that are not JSON are
// kept as a JSON string.
func Passthrough(opts Options) Processor {
	return Func(func(ctx context.Context, rec *models.Record) (*models.ProcessedMessage, error) {
		original := asJSON(rec.Payload)
		return newMessage(rec, opts, original, original), nil
	})
}

// JSONEnrich requires a JSON object payload and adds a _processing section
// describing where the record came from.
func JSONEnrich(opts Options) Processor {
	return Func(func(ctx context.Context, rec *models.Record) (*models.ProcessedMessage, error) {
		var body map[string]interface{}
		if err := json.Unmarshal(rec.Payload, &body); err != nil {
			// malformed input will not parse on a retry either
			return nil, apperr.Permanent(fmt.Errorf("failed to parse message: %w", err))
		}
		if body == nil {
			return nil, apperr.Permanent(errors.New("payload is not a JSON object"))
		}

		msg := newMessage(rec, opts, json.RawMessage(rec.Payload), nil)
		body["_processing"] = map[string]interface{}{
			"processed_at":      msg.Metadata.ProcessedAt.Format(time.RFC3339Nano),
			"processor_version": opts.Version,
			"source_topic":      rec.Topic,
			"partition":         rec.Partition,
			"offset":            rec.Offset,
		}
		if len(rec.Key) > 0 {
			body["_key"] = string(rec.Key)
		}

		out, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode processed message: %w", err)
		}
		msg.ProcessedMessage = out
		return msg, nil
	})
}

func asJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

var registry = map[string]func(Options) Processor{
	"passthrough": Passthrough,
	"json-enrich": JSONEnrich,
}

// Lookup returns the built-in processor registered under name.
func Lookup(name string, opts Options) (Processor, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown processor %q (available: %v)", name, Names())
	}
	return ctor(opts), nil
}

// Names lists the built-in processors.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
