package storage

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// LogHook copies warn and error log entries into the logs table. Entries are
// written from a background goroutine; when its buffer is full new entries
// are dropped rather than blocking the caller.
type LogHook struct {
	writer  *Writer
	service string
	host    string
	entries chan LogEntry
}

func NewLogHook(w *Writer, service string, buffer int) *LogHook {
	host, _ := os.Hostname()
	if buffer <= 0 {
		buffer = 256
	}
	return &LogHook{
		writer:  w,
		service: service,
		host:    host,
		entries: make(chan LogEntry, buffer),
	}
}

func (h *LogHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *LogHook) Fire(e *logrus.Entry) error {
	// failures of the store itself would otherwise feed back into it
	if e.Data["component"] == "storage" {
		return nil
	}

	attrs := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs[k] = v
	}
	entry := LogEntry{
		Level:       e.Level.String(),
		Message:     e.Message,
		ServiceName: h.service,
		HostName:    h.host,
		Attributes:  attrs,
		Timestamp:   e.Time,
	}
	if v, ok := e.Data["trace_id"].(string); ok {
		entry.TraceID = v
	}
	if v, ok := e.Data["span_id"].(string); ok {
		entry.SpanID = v
	}

	select {
	case h.entries <- entry:
	default:
	}
	return nil
}

// Run drains buffered entries into storage until ctx is done.
func (h *LogHook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.entries:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = h.writer.StoreLog(wctx, e)
			cancel()
		}
	}
}
