package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/config"
	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, *observability.InMemoryMetrics) {
	t.Helper()

	db, err := sql.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive and shared
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewInMemoryMetrics()
	w := New(db, DriverSQLite, metrics)
	require.NoError(t, w.Migrate(context.Background()))
	return w, metrics
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func message(id, topic string, offset int64, at time.Time, body string) *models.ProcessedMessage {
	return &models.ProcessedMessage{
		ID:               id,
		OriginalMessage:  json.RawMessage(`{"raw":true}`),
		ProcessedMessage: json.RawMessage(body),
		Metadata: models.ProcessingMetadata{
			ProcessedAt:      at,
			ProcessorVersion: "1.0.0",
			SourceTopic:      topic,
			Partition:        1,
			Offset:           offset,
		},
	}
}

func countRows(t *testing.T, w *Writer, table string) int {
	t.Helper()
	var n int
	require.NoError(t, w.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestWriter_UpsertIsIdempotent(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, message("m1", "metrics", 5, baseTime, `{"v":1}`)))
	require.NoError(t, w.Write(ctx, message("m1", "metrics", 5, baseTime.Add(time.Second), `{"v":2}`)))

	assert.Equal(t, 1, countRows(t, w, "processed_messages"))

	got, err := w.Read(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"v":2}`, string(got.ProcessedMessage))
	assert.JSONEq(t, `{"raw":true}`, string(got.OriginalMessage))
	assert.True(t, got.Metadata.ProcessedAt.Equal(baseTime.Add(time.Second)))
	assert.Equal(t, int64(5), got.Metadata.Offset)
	assert.Equal(t, 1, got.Metadata.Partition)
}

func TestWriter_WriteBatchUpsertsAndCounts(t *testing.T) {
	w, metrics := newTestWriter(t)
	ctx := context.Background()

	batch := []*models.ProcessedMessage{
		message("a", "logs", 1, baseTime, `{}`),
		message("b", "logs", 2, baseTime, `{}`),
		message("a", "logs", 1, baseTime, `{"again":true}`),
	}
	require.NoError(t, w.WriteBatch(ctx, batch))

	assert.Equal(t, 2, countRows(t, w, "processed_messages"))
	assert.Equal(t, int64(2), metrics.DBOperations.Load()) // migrate + write_batch

	got, err := w.Read(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"again":true}`, string(got.ProcessedMessage))

	require.NoError(t, w.WriteBatch(ctx, nil))
}

func TestWriter_WriteBatchIsAllOrNothing(t *testing.T) {
	w, metrics := newTestWriter(t)
	ctx := context.Background()

	_, err := w.db.Exec(`CREATE TRIGGER reject_bad BEFORE INSERT ON processed_messages
		WHEN NEW.id = 'bad' BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)

	batch := []*models.ProcessedMessage{
		message("ok-1", "logs", 1, baseTime, `{}`),
		message("ok-2", "logs", 2, baseTime, `{}`),
		message("bad", "logs", 3, baseTime, `{}`),
		message("ok-3", "logs", 4, baseTime, `{}`),
	}
	err = w.WriteBatch(ctx, batch)
	require.Error(t, err)
	assert.True(t, apperr.IsStorage(err))
	assert.Contains(t, err.Error(), "bad")

	assert.Equal(t, 0, countRows(t, w, "processed_messages"))
	assert.Equal(t, int64(1), metrics.DBErrors.Load())
}

func TestWriter_RejectsEmptyID(t *testing.T) {
	w, _ := newTestWriter(t)
	err := w.Write(context.Background(), message("", "logs", 1, baseTime, `{}`))
	assert.True(t, apperr.IsStorage(err))
}

func TestWriter_ReadMissing(t *testing.T) {
	w, _ := newTestWriter(t)
	got, err := w.Read(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriter_ReadByTopic(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(ctx, message(fmt.Sprintf("m%d", i), "metrics", int64(i), baseTime.Add(time.Duration(i)*time.Minute), `{}`)))
	}
	require.NoError(t, w.Write(ctx, message("other", "logs", 0, baseTime, `{}`)))

	page, err := w.ReadByTopic(ctx, "metrics", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].ID)
	assert.Equal(t, "m3", page[1].ID)

	page, err = w.ReadByTopic(ctx, "metrics", 10, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].ID)
	assert.Equal(t, "m0", page[1].ID)
}

func TestWriter_ReadByTimeRange(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(ctx, message(fmt.Sprintf("m%d", i), "metrics", int64(i), baseTime.Add(time.Duration(i)*time.Hour), `{}`)))
	}

	got, err := w.ReadByTimeRange(ctx, baseTime.Add(time.Hour), baseTime.Add(3*time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
}

func TestWriter_Health(t *testing.T) {
	w, _ := newTestWriter(t)
	assert.True(t, w.Health(context.Background()))

	require.NoError(t, w.Close())
	assert.False(t, w.Health(context.Background()))
}

func TestWriter_Telemetry(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.StoreMetric(ctx, MetricPoint{
		Name: "consumer_lag", Value: 60, Type: "gauge",
		Tags: map[string]string{"topic": "metrics", "partition": "0"},
	}))
	require.NoError(t, w.StoreLog(ctx, LogEntry{Level: "error", Message: "boom", ServiceName: "stream-processor"}))
	require.NoError(t, w.StoreTrace(ctx, Span{
		TraceID: "t1", SpanID: "s1", Name: "batch", ServiceName: "stream-processor",
		StartTime: baseTime, EndTime: baseTime.Add(1500 * time.Millisecond), Status: "ok",
		Events: []SpanEvent{{Name: "persisted", Timestamp: baseTime}},
	}))

	assert.Equal(t, 1, countRows(t, w, "metrics"))
	assert.Equal(t, 1, countRows(t, w, "logs"))

	var duration int64
	var tags string
	require.NoError(t, w.db.QueryRow(`SELECT duration_ms FROM traces WHERE trace_id = 't1'`).Scan(&duration))
	require.NoError(t, w.db.QueryRow(`SELECT tags FROM metrics`).Scan(&tags))
	assert.Equal(t, int64(1500), duration)
	assert.JSONEq(t, `{"topic":"metrics","partition":"0"}`, tags)
}

func TestWriter_MigrateIsRepeatable(t *testing.T) {
	w, _ := newTestWriter(t)
	assert.NoError(t, w.Migrate(context.Background()))
}

func TestWriter_PoolStats(t *testing.T) {
	w, _ := newTestWriter(t)
	metrics := observability.NewInMemoryMetrics()
	w.RefreshPool(metrics)
	assert.Equal(t, 1, w.PoolStats().MaxOpenConnections)
}

func TestOpen_UnreachableIsConnectivityError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Open(ctx, config.DatabaseConfig{
		Driver:         DriverPostgres,
		URL:            "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1",
		MaxConnections: 1,
	}, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsConnectivity(err))
}

func TestLogHook(t *testing.T) {
	w, _ := newTestWriter(t)
	hook := NewLogHook(w, "stream-processor", 4)

	logger := logrus.New()
	logger.AddHook(hook)
	logger.SetOutput(&discard{})

	logger.Info("not persisted")
	logger.WithField("component", "storage").Warn("skipped")
	logger.WithFields(logrus.Fields{"trace_id": "t9", "job_id": "j1"}).Error("pipeline failed")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hook.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		var n int
		_ = w.db.QueryRow(`SELECT COUNT(*) FROM logs`).Scan(&n)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	var level, traceID string
	require.NoError(t, w.db.QueryRow(`SELECT level, trace_id FROM logs`).Scan(&level, &traceID))
	assert.Equal(t, "error", level)
	assert.Equal(t, "t9", traceID)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
