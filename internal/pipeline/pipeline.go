package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/batch"
	"go-stream-processor/internal/config"
	"go-stream-processor/internal/kafka"
	"go-stream-processor/internal/observability"
	"go-stream-processor/internal/processor"
	"go-stream-processor/internal/storage"
	"go-stream-processor/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the part of the persistence writer a pipeline needs.
type Store interface {
	WriteBatch(ctx context.Context, msgs []*models.ProcessedMessage) error
	StoreMetric(ctx context.Context, m storage.MetricPoint) error
	StoreTrace(ctx context.Context, s storage.Span) error
}

// SourceFactory subscribes a new broker source for one pipeline.
type SourceFactory func(groupID string, topics []string) (kafka.Source, error)

// Deps are the shared collaborators handed to every pipeline.
type Deps struct {
	Sources  SourceFactory
	Producer kafka.Sender
	Store    Store
	Metrics  observability.Sink
	Clock    clock.Clock
}

var errStopped = errors.New("pipeline is not running")

const streamTopicPrefix = "stream."

// Pipeline is one running instance of the ingest, batch, process and
// persist chain.
type Pipeline struct {
	jobID      string
	pipelineID string
	cfg        *config.Config
	deps       Deps
	logger     *logrus.Entry

	local  *observability.InMemoryMetrics
	sink   observability.Sink
	runner *processor.Runner
	pool   *batch.Pool

	source  kafka.Source
	queue   chan batch.Item
	results *broadcaster

	ingestMu sync.RWMutex
	closed   bool
	stopping chan struct{}

	pollCancel context.CancelFunc
	workCancel context.CancelFunc
	pollDone   chan struct{}
	poolDone   chan struct{}
	lagDone    chan struct{}
	started    chan struct{}
	stopOnce   sync.Once

	streamSeq atomic.Int64

	lagMu   sync.Mutex
	lastLag []models.PartitionLag

	onFail func(err error)
}

func newPipeline(jobID, pipelineID string, cfg *config.Config, deps Deps, onFail func(error)) (*Pipeline, error) {
	proc, err := processor.Lookup(cfg.Processing.Processor, processor.Options{
		Version: cfg.Processing.ProcessorVersion,
		Now:     deps.Clock.Now,
	})
	if err != nil {
		return nil, err
	}

	logger := observability.Component("pipeline").WithFields(logrus.Fields{
		"job_id":      jobID,
		"pipeline_id": pipelineID,
	})
	local := observability.NewInMemoryMetrics()
	sink := observability.Multi(local, deps.Metrics)

	p := &Pipeline{
		jobID:      jobID,
		pipelineID: pipelineID,
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		local:      local,
		sink:       sink,
		queue:      make(chan batch.Item, cfg.Processing.QueueCapacity),
		results:    newBroadcaster(),
		stopping:   make(chan struct{}),
		started:    make(chan struct{}),
		pollDone:   make(chan struct{}),
		poolDone:   make(chan struct{}),
		lagDone:    make(chan struct{}),
		onFail:     onFail,
	}
	p.runner = processor.NewRunner(proc, deps.Producer, processor.RunnerConfig{
		RetryAttempts:     cfg.Processing.RetryAttempts,
		RetryDelay:        cfg.Processing.RetryDelay,
		FailFastPermanent: cfg.Processing.FailFastPermanent,
		DeadLetterTopic:   cfg.Processing.DeadLetterTopic,
		Version:           cfg.Processing.ProcessorVersion,
		Metrics:           sink,
		Logger:            logger,
	})
	p.pool = batch.NewPool(batch.Config{
		Workers:      cfg.Processing.MaxConcurrentTasks,
		BatchSize:    cfg.Processing.BatchSize,
		BatchTimeout: cfg.Processing.BatchTimeout,
		Clock:        deps.Clock,
		Metrics:      sink,
		Logger:       logger,
	}, p.handleBatch)
	return p, nil
}

// start subscribes and launches the poll loop, the worker pool and the lag
// reporter. It returns once all three are running. stop waits for start to
// return before touching what start sets up.
func (p *Pipeline) start() error {
	defer close(p.started)

	src, err := p.deps.Sources(p.cfg.Kafka.GroupID, p.cfg.Kafka.InputTopics)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	p.source = src

	pollCtx, pollCancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())
	p.pollCancel = pollCancel
	p.workCancel = workCancel

	go func() {
		defer close(p.poolDone)
		p.pool.Run(workCtx, p.queue)
	}()
	go p.pollLoop(pollCtx)
	go p.lagLoop(pollCtx)

	p.logger.WithFields(logrus.Fields{
		"topics":     p.cfg.Kafka.InputTopics,
		"workers":    p.cfg.Processing.MaxConcurrentTasks,
		"batch_size": p.cfg.Processing.BatchSize,
	}).Info("pipeline started")
	return nil
}

func (p *Pipeline) pollLoop(ctx context.Context) {
	defer close(p.pollDone)

	for res := range p.source.Poll(ctx) {
		if res.Err != nil {
			p.logger.WithError(res.Err).Warn("receive failed")
			continue
		}
		p.sink.IncReceived()

		rec := res.Record
		err := p.enqueue(ctx, batch.Item{Record: rec, Ack: p.commitAck(rec)})
		if err != nil {
			// stopping; the record stays uncommitted and is read again later
			return
		}
	}

	select {
	case <-ctx.Done():
	default:
		if p.onFail != nil {
			p.onFail(errors.New("broker source closed unexpectedly"))
		}
	}
}

// commitAck commits a broker record once it has been persisted or
// dead-lettered. Any other outcome leaves a hole in the partition's
// committed prefix that nothing in this process fills, so the pipeline is
// failed; stopping and starting it again resumes from the committed offset.
func (p *Pipeline) commitAck(rec *models.Record) func(error) {
	return func(err error) {
		if err != nil && !apperr.IsProcessing(err) {
			if p.onFail != nil {
				p.onFail(fmt.Errorf("record %s unresolved: %w", rec.Identity(), err))
			}
			return
		}
		if cerr := p.source.Commit(context.Background(), rec); cerr != nil {
			p.logger.WithError(cerr).WithFields(logrus.Fields{
				"topic":     rec.Topic,
				"partition": rec.Partition,
				"offset":    rec.Offset,
			}).Warn("offset commit failed")
		}
	}
}

// enqueue hands it to the workers, blocking while the queue is full.
func (p *Pipeline) enqueue(ctx context.Context, it batch.Item) error {
	p.ingestMu.RLock()
	defer p.ingestMu.RUnlock()

	if p.closed {
		return errStopped
	}
	select {
	case p.queue <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return errStopped
	}
}

// streamRecord wraps pushed data as a record with a pipeline-local identity.
func (p *Pipeline) streamRecord(d models.StreamData) *models.Record {
	ts := d.Timestamp
	if ts == 0 {
		ts = p.deps.Clock.Now().UnixMilli()
	}
	var key []byte
	if d.Key != "" {
		key = []byte(d.Key)
	}
	return &models.Record{
		Topic:     streamTopicPrefix + p.jobID,
		Partition: 0,
		Offset:    p.streamSeq.Add(1) - 1,
		Key:       key,
		Payload:   d.Payload,
		Timestamp: ts,
	}
}

func (p *Pipeline) handleBatch(ctx context.Context, workerID int, items []batch.Item) {
	start := p.deps.Clock.Now()
	logger := p.logger.WithField("worker_id", workerID)

	var (
		msgs         []*models.ProcessedMessage
		persistItems []batch.Item
		deadLettered int
	)
	for _, it := range items {
		res := p.runner.Run(ctx, it.Record)
		switch {
		case res.Err == nil:
			msgs = append(msgs, res.Message)
			persistItems = append(persistItems, it)
		case res.DeadLettered:
			deadLettered++
			p.publishResult(it.Record, nil, res.Err)
			it.Done(res.Err)
		default:
			p.publishResult(it.Record, nil, res.Err)
			it.Done(res.Err)
		}
	}

	var writeErr error
	if len(msgs) > 0 {
		writeErr = p.persist(ctx, msgs)
		if writeErr != nil {
			logger.WithError(writeErr).WithField("batch_size", len(msgs)).Error("batch write failed, offsets left uncommitted")
		}
		for i, it := range persistItems {
			if writeErr != nil {
				p.publishResult(it.Record, nil, writeErr)
			} else {
				p.publishResult(it.Record, msgs[i], nil)
			}
			it.Done(writeErr)
		}
		if writeErr == nil {
			p.sink.AddPersisted(len(msgs))
			p.publishOutputs(ctx, msgs, logger)
		}
	}

	p.storeTrace(ctx, workerID, start, len(items), len(msgs), deadLettered, writeErr)
}

// persist writes msgs as one unit, retrying the whole unit with the record
// retry policy.
func (p *Pipeline) persist(ctx context.Context, msgs []*models.ProcessedMessage) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(p.cfg.Processing.RetryDelay),
			uint64(p.cfg.Processing.RetryAttempts),
		),
		ctx,
	)
	return backoff.Retry(func() error {
		return p.deps.Store.WriteBatch(ctx, msgs)
	}, policy)
}

func (p *Pipeline) publishOutputs(ctx context.Context, msgs []*models.ProcessedMessage, logger *logrus.Entry) {
	if !p.cfg.Processing.PublishResults || p.cfg.Kafka.OutputTopic == "" || p.deps.Producer == nil {
		return
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			continue
		}
		out = append(out, kafka.Message{
			Topic: p.cfg.Kafka.OutputTopic,
			Key:   []byte(m.ID),
			Value: body,
			Headers: map[string]string{
				models.HeaderMessageID:        m.ID,
				models.HeaderProcessorVersion: m.Metadata.ProcessorVersion,
			},
		})
	}
	res := p.deps.Producer.SendBatch(ctx, out)
	if res.Failed > 0 {
		logger.WithFields(logrus.Fields{
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"topic":     p.cfg.Kafka.OutputTopic,
		}).Warn("some processed messages were not published")
	}
}

func (p *Pipeline) publishResult(rec *models.Record, msg *models.ProcessedMessage, err error) {
	r := models.ProcessingResult{
		JobID:       p.jobID,
		MessageID:   processor.MessageID(rec),
		Topic:       rec.Topic,
		Partition:   rec.Partition,
		Offset:      rec.Offset,
		Success:     err == nil,
		ProcessedAt: p.deps.Clock.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	if msg != nil {
		r.Output = msg.ProcessedMessage
	}
	p.results.publish(r)
}

func (p *Pipeline) storeTrace(ctx context.Context, workerID int, start time.Time, size, persisted, deadLettered int, writeErr error) {
	if !p.cfg.Database.PersistTraces || p.deps.Store == nil {
		return
	}
	status := "ok"
	attrs := map[string]interface{}{
		"job_id":        p.jobID,
		"pipeline_id":   p.pipelineID,
		"worker_id":     workerID,
		"batch_size":    size,
		"persisted":     persisted,
		"dead_lettered": deadLettered,
	}
	if writeErr != nil {
		status = "error"
		attrs["error"] = writeErr.Error()
	}
	span := storage.Span{
		TraceID:     uuid.NewString(),
		SpanID:      uuid.NewString()[:16],
		Name:        "process_batch",
		ServiceName: "stream-processor",
		StartTime:   start,
		EndTime:     p.deps.Clock.Now(),
		Status:      status,
		Attributes:  attrs,
	}
	if err := p.deps.Store.StoreTrace(ctx, span); err != nil {
		p.logger.WithError(err).Debug("failed to store batch trace")
	}
}

// lagLoop reports consumer lag every report interval. The previous report
// is replaced, never merged.
func (p *Pipeline) lagLoop(ctx context.Context) {
	defer close(p.lagDone)

	ticker := p.deps.Clock.Ticker(p.cfg.Metrics.LagReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reportLag(ctx)
		}
	}
}

func (p *Pipeline) reportLag(ctx context.Context) {
	lags, err := p.source.Lag(ctx, p.cfg.Kafka.InputTopics)
	if err != nil {
		p.logger.WithError(err).Warn("lag query failed")
		return
	}

	p.lagMu.Lock()
	prev := p.lastLag
	p.lastLag = lags
	p.lagMu.Unlock()
	p.dropLagGauges(prev, lags)

	now := p.deps.Clock.Now()
	for _, l := range lags {
		p.sink.SetConsumerLag(l.Topic, l.Partition, l.Lag)
		if p.deps.Store == nil {
			continue
		}
		err := p.deps.Store.StoreMetric(ctx, storage.MetricPoint{
			Name:  "consumer_lag",
			Value: float64(l.Lag),
			Type:  "gauge",
			Tags: map[string]string{
				"job_id":    p.jobID,
				"topic":     l.Topic,
				"partition": strconv.Itoa(l.Partition),
			},
			Timestamp: now,
		})
		if err != nil {
			p.logger.WithError(err).Debug("failed to store lag metric")
		}
	}
}

// dropLagGauges removes gauges for partitions in prev that are missing from
// cur, so a revoked partition does not keep exporting its last value.
func (p *Pipeline) dropLagGauges(prev, cur []models.PartitionLag) {
	keep := make(map[string]bool, len(cur))
	for _, l := range cur {
		keep[l.Topic+"/"+strconv.Itoa(l.Partition)] = true
	}
	for _, l := range prev {
		if !keep[l.Topic+"/"+strconv.Itoa(l.Partition)] {
			p.sink.DeleteConsumerLag(l.Topic, l.Partition)
		}
	}
}

// Summary returns the pipeline's counters and last lag report.
func (p *Pipeline) Summary() models.MetricsSummary {
	p.lagMu.Lock()
	lag := append([]models.PartitionLag(nil), p.lastLag...)
	p.lagMu.Unlock()

	return models.MetricsSummary{
		Received:     p.local.GetReceived(),
		Processed:    p.local.GetProcessed(),
		Persisted:    p.local.GetPersisted(),
		Failed:       p.local.GetFailed(),
		Retried:      p.local.GetRetried(),
		DeadLettered: p.local.GetSentToDLQ(),
		Batches:      p.local.GetBatches(),
		Lag:          lag,
	}
}

// stop halts polling, closes the queue so workers drain and flush, then
// leaves the consumer group. In-flight batches complete before it returns
// unless ctx ends first. A stop that arrives while start is still running
// waits for it; if ctx ends first the teardown finishes in the background.
func (p *Pipeline) stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopping)
		select {
		case <-p.started:
			err = p.teardown(ctx)
		case <-ctx.Done():
			go func() {
				<-p.started
				p.teardown(context.Background()) //nolint:errcheck
			}()
			err = fmt.Errorf("stop before start finished: %w", ctx.Err())
		}
	})
	return err
}

func (p *Pipeline) teardown(ctx context.Context) error {
	var err error
	if p.pollCancel != nil {
		p.pollCancel()
		<-p.pollDone
		<-p.lagDone
	}

	p.ingestMu.Lock()
	p.closed = true
	close(p.queue)
	p.ingestMu.Unlock()

	if p.source != nil {
		select {
		case <-p.poolDone:
		case <-ctx.Done():
			err = fmt.Errorf("drain: %w", ctx.Err())
		}
		p.workCancel()
		if cerr := p.source.Close(); cerr != nil {
			p.logger.WithError(cerr).Warn("failed to close source")
		}
	}

	p.lagMu.Lock()
	last := p.lastLag
	p.lagMu.Unlock()
	p.dropLagGauges(last, nil)

	p.results.close()
	p.logger.Info("pipeline stopped")
	return err
}
