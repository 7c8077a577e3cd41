package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/config"
	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const healthTimeout = 2 * time.Second

var messageColumns = []string{
	"id", "original_message", "processed_message", "processed_at",
	"processor_version", "source_topic", `"partition"`, `"offset"`,
}

const upsertSuffix = `ON CONFLICT (id) DO UPDATE SET
	original_message = excluded.original_message,
	processed_message = excluded.processed_message,
	processed_at = excluded.processed_at,
	processor_version = excluded.processor_version,
	source_topic = excluded.source_topic,
	"partition" = excluded."partition",
	"offset" = excluded."offset",
	updated_at = excluded.updated_at`

// Writer persists processed messages and the supporting metrics, logs and
// traces tables. It is safe for concurrent use; all workers share its pool.
type Writer struct {
	db      *sql.DB
	driver  string
	builder sq.StatementBuilderType
	metrics observability.Sink
	logger  *logrus.Entry
}

// Open connects using cfg, sizes the pool and pings the database.
func Open(ctx context.Context, cfg config.DatabaseConfig, metrics observability.Sink) (*Writer, error) {
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, &apperr.ConnectivityError{Target: cfg.Driver, Err: err}
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MinConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &apperr.ConnectivityError{Target: cfg.Driver, Err: err}
	}
	return New(db, cfg.Driver, metrics), nil
}

// New wraps an existing pool.
func New(db *sql.DB, driver string, metrics observability.Sink) *Writer {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	builder := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if driver == DriverPostgres {
		builder = builder.PlaceholderFormat(sq.Dollar)
	}
	return &Writer{
		db:      db,
		driver:  driver,
		builder: builder,
		metrics: metrics,
		logger:  observability.Component("storage").WithField("driver", driver),
	}
}

func (w *Writer) fail(op string, err error) error {
	w.metrics.IncDBOperation(op, true)
	return &apperr.StorageError{Op: op, Err: err}
}

func (w *Writer) upsert(msg *models.ProcessedMessage, now time.Time) (string, []interface{}, error) {
	if msg.ID == "" {
		return "", nil, errors.New("message id is empty")
	}
	return w.builder.Insert("processed_messages").
		Columns(append(messageColumns, "created_at", "updated_at")...).
		Values(
			msg.ID,
			jsonText(msg.OriginalMessage),
			jsonText(msg.ProcessedMessage),
			msg.Metadata.ProcessedAt.UTC(),
			msg.Metadata.ProcessorVersion,
			msg.Metadata.SourceTopic,
			msg.Metadata.Partition,
			msg.Metadata.Offset,
			now,
			now,
		).
		Suffix(upsertSuffix).
		ToSql()
}

// Write upserts one message keyed on its id.
func (w *Writer) Write(ctx context.Context, msg *models.ProcessedMessage) error {
	query, args, err := w.upsert(msg, time.Now().UTC())
	if err != nil {
		return w.fail("write", err)
	}
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return w.fail("write", err)
	}
	w.metrics.IncDBOperation("write", false)
	return nil
}

// WriteBatch upserts all messages in one transaction. Either every message
// is stored or none is.
func (w *Writer) WriteBatch(ctx context.Context, msgs []*models.ProcessedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.fail("write_batch", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i, msg := range msgs {
		query, args, err := w.upsert(msg, now)
		if err != nil {
			return w.fail("write_batch", fmt.Errorf("message %d: %w", i, err))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return w.fail("write_batch", fmt.Errorf("message %d (%s): %w", i, msg.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return w.fail("write_batch", err)
	}
	w.metrics.IncDBOperation("write_batch", false)
	return nil
}

func (w *Writer) selectMessages() sq.SelectBuilder {
	return w.builder.Select(messageColumns...).From("processed_messages")
}

// Read returns the message with id, or nil if there is none.
func (w *Writer) Read(ctx context.Context, id string) (*models.ProcessedMessage, error) {
	query, args, err := w.selectMessages().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, w.fail("read", err)
	}
	msgs, err := w.query(ctx, "read", query, args)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ReadByTopic pages through a topic's messages, newest first.
func (w *Writer) ReadByTopic(ctx context.Context, topic string, limit, offset uint64) ([]*models.ProcessedMessage, error) {
	query, args, err := w.selectMessages().
		Where(sq.Eq{"source_topic": topic}).
		OrderBy("processed_at DESC", `"offset" DESC`).
		Limit(limit).
		Offset(offset).
		ToSql()
	if err != nil {
		return nil, w.fail("read_by_topic", err)
	}
	return w.query(ctx, "read_by_topic", query, args)
}

// ReadByTimeRange pages through messages processed in [start, end), oldest
// first.
func (w *Writer) ReadByTimeRange(ctx context.Context, start, end time.Time, limit, offset uint64) ([]*models.ProcessedMessage, error) {
	query, args, err := w.selectMessages().
		Where(sq.GtOrEq{"processed_at": start.UTC()}).
		Where(sq.Lt{"processed_at": end.UTC()}).
		OrderBy("processed_at ASC", "id ASC").
		Limit(limit).
		Offset(offset).
		ToSql()
	if err != nil {
		return nil, w.fail("read_by_time_range", err)
	}
	return w.query(ctx, "read_by_time_range", query, args)
}

func (w *Writer) query(ctx context.Context, op, query string, args []interface{}) ([]*models.ProcessedMessage, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, w.fail(op, err)
	}
	defer rows.Close()

	var out []*models.ProcessedMessage
	for rows.Next() {
		var (
			msg                 models.ProcessedMessage
			original, processed []byte
		)
		if err := rows.Scan(
			&msg.ID,
			&original,
			&processed,
			&msg.Metadata.ProcessedAt,
			&msg.Metadata.ProcessorVersion,
			&msg.Metadata.SourceTopic,
			&msg.Metadata.Partition,
			&msg.Metadata.Offset,
		); err != nil {
			return nil, w.fail(op, err)
		}
		msg.OriginalMessage = json.RawMessage(original)
		msg.ProcessedMessage = json.RawMessage(processed)
		msg.Metadata.ProcessedAt = msg.Metadata.ProcessedAt.UTC()
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, w.fail(op, err)
	}
	w.metrics.IncDBOperation(op, false)
	return out, nil
}

// Health pings the database. It never returns an error; a failed ping is
// reported as false.
func (w *Writer) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var one int
	if err := w.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		w.logger.WithError(err).Warn("database health check failed")
		return false
	}
	return one == 1
}

// PoolStats exposes the connection pool counters.
func (w *Writer) PoolStats() sql.DBStats {
	return w.db.Stats()
}

// RefreshPool pushes the pool gauges to sink.
func (w *Writer) RefreshPool(sink observability.Sink) {
	stats := w.db.Stats()
	sink.SetDBPool(stats.OpenConnections, stats.Idle)
}

func (w *Writer) Close() error {
	return w.db.Close()
}

// jsonText binds JSON as text; both JSONB and TEXT columns accept it.
func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
