package storage

import (
	"context"
	"encoding/json"
	"time"
)

// MetricPoint is one row of the metrics table.
type MetricPoint struct {
	Name      string
	Value     float64
	Type      string // counter, gauge, histogram
	Tags      map[string]string
	Timestamp time.Time
}

// LogEntry is one row of the logs table.
type LogEntry struct {
	Level       string
	Message     string
	ServiceName string
	HostName    string
	TraceID     string
	SpanID      string
	Attributes  map[string]interface{}
	Timestamp   time.Time
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string                 `json:"name"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Span is one row of the traces table.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	ServiceName  string
	StartTime    time.Time
	EndTime      time.Time
	Status       string
	Attributes   map[string]interface{}
	Events       []SpanEvent
}

func (w *Writer) StoreMetric(ctx context.Context, m MetricPoint) error {
	tags, err := marshalNullable(m.Tags, len(m.Tags) == 0)
	if err != nil {
		return w.fail("store_metric", err)
	}
	return w.exec(ctx, "store_metric", w.builder.Insert("metrics").
		Columns("name", "value", "type", "tags", "timestamp").
		Values(m.Name, m.Value, m.Type, tags, orNow(m.Timestamp)))
}

func (w *Writer) StoreLog(ctx context.Context, e LogEntry) error {
	attrs, err := marshalNullable(e.Attributes, len(e.Attributes) == 0)
	if err != nil {
		return w.fail("store_log", err)
	}
	return w.exec(ctx, "store_log", w.builder.Insert("logs").
		Columns("level", "message", "service_name", "host_name", "trace_id", "span_id", "attributes", "timestamp").
		Values(e.Level, e.Message, e.ServiceName, nullString(e.HostName), nullString(e.TraceID),
			nullString(e.SpanID), attrs, orNow(e.Timestamp)))
}

func (w *Writer) StoreTrace(ctx context.Context, s Span) error {
	attrs, err := marshalNullable(s.Attributes, len(s.Attributes) == 0)
	if err != nil {
		return w.fail("store_trace", err)
	}
	events, err := marshalNullable(s.Events, len(s.Events) == 0)
	if err != nil {
		return w.fail("store_trace", err)
	}
	return w.exec(ctx, "store_trace", w.builder.Insert("traces").
		Columns("trace_id", "span_id", "parent_span_id", "name", "service_name",
			"start_time", "end_time", "duration_ms", "status", "attributes", "events").
		Values(s.TraceID, s.SpanID, nullString(s.ParentSpanID), s.Name, s.ServiceName,
			s.StartTime.UTC(), s.EndTime.UTC(), s.EndTime.Sub(s.StartTime).Milliseconds(),
			s.Status, attrs, events))
}

type sqlizer interface {
	ToSql() (string, []interface{}, error)
}

func (w *Writer) exec(ctx context.Context, op string, b sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return w.fail(op, err)
	}
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return w.fail(op, err)
	}
	w.metrics.IncDBOperation(op, false)
	return nil
}

func marshalNullable(v interface{}, empty bool) (interface{}, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
