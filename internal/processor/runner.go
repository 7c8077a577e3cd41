package processor

import (
	"context"
	"strconv"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/batch"
	"go-stream-processor/internal/kafka"
	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of running one record.
type Result struct {
	Message      *models.ProcessedMessage
	Err          error
	Attempts     int
	DeadLettered bool
}

// Resolved reports whether the record needs no further work: it either
// produced a message or was dead-lettered.
func (r Result) Resolved() bool {
	return r.Err == nil || r.DeadLettered
}

type RunnerConfig struct {
	RetryAttempts int
	RetryDelay    time.Duration
	// FailFastPermanent dead-letters a record on its first permanent error
	// instead of spending the retry budget on it.
	FailFastPermanent bool
	DeadLetterTopic   string
	Version           string
	Metrics           observability.Sink
	Logger            *logrus.Entry
}

// Runner applies the retry policy around a Processor and routes records
// that exhaust it to the dead-letter topic.
type Runner struct {
	proc   Processor
	dlq    kafka.Sender
	cfg    RunnerConfig
	logger *logrus.Entry
}

func NewRunner(proc Processor, dlq kafka.Sender, cfg RunnerConfig) *Runner {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("processor")
	}
	return &Runner{proc: proc, dlq: dlq, cfg: cfg, logger: cfg.Logger}
}

// Run processes rec, retrying locally up to RetryAttempts times with a fixed
// delay. A panic in the processor counts as a failed attempt.
// Permanent errors are retried like any other unless FailFastPermanent is set.
func (r *Runner) Run(ctx context.Context, rec *models.Record) Result {
	logger := r.logger.WithFields(logrus.Fields{
		"topic":     rec.Topic,
		"partition": rec.Partition,
		"offset":    rec.Offset,
	})

	var (
		msg      *models.ProcessedMessage
		attempts int
	)
	op := func() error {
		attempts++
		err := batch.Recover(func() error {
			var err error
			msg, err = r.proc.Process(ctx, rec)
			return err
		})
		if err != nil {
			r.cfg.Metrics.IncFailed()
			if r.cfg.FailFastPermanent && apperr.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryDelay), uint64(r.cfg.RetryAttempts)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		r.cfg.Metrics.IncRetried()
		logger.WithError(err).WithField("attempt", attempts).Warn("processing failed, retrying")
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		r.cfg.Metrics.IncProcessed()
		return Result{Message: msg, Attempts: attempts}
	}

	procErr := &apperr.ProcessingError{RecordID: rec.Identity(), Attempts: attempts, Err: err}
	logger.WithError(procErr).Error("retries exhausted, routing to dead-letter topic")

	if sendErr := r.deadLetter(ctx, rec, procErr, attempts); sendErr != nil {
		logger.WithError(sendErr).Error("failed to send message to DLQ")
		return Result{Err: sendErr, Attempts: attempts}
	}
	r.cfg.Metrics.IncSentToDLQ()
	return Result{Err: procErr, Attempts: attempts, DeadLettered: true}
}

// deadLetter publishes the untouched payload with failure annotations.
func (r *Runner) deadLetter(ctx context.Context, rec *models.Record, cause error, attempts int) error {
	headers := make(map[string]string, len(rec.Headers)+8)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers[models.HeaderMessageID] = MessageID(rec)
	headers[models.HeaderOriginalTopic] = rec.Topic
	headers[models.HeaderOriginalPartition] = strconv.Itoa(rec.Partition)
	headers[models.HeaderOriginalOffset] = strconv.FormatInt(rec.Offset, 10)
	headers[models.HeaderFailureReason] = cause.Error()
	headers[models.HeaderRetryCount] = strconv.Itoa(attempts - 1)
	headers[models.HeaderProcessedAt] = time.Now().UTC().Format(time.RFC3339)
	headers[models.HeaderProcessorVersion] = r.cfg.Version

	return r.dlq.Send(ctx, kafka.Message{
		Topic:   r.cfg.DeadLetterTopic,
		Key:     rec.Key,
		Value:   rec.Payload,
		Headers: headers,
	})
}
