package kafka

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/observability"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SendTimeout bounds one Send call, retries included.
const SendTimeout = 5 * time.Second

// Message is one outbound record.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// BatchResult counts the outcome of SendBatch. Callers must inspect it;
// partial failure is not an error.
type BatchResult struct {
	Succeeded int
	Failed    int
}

// Sender publishes records to the broker.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	SendBatch(ctx context.Context, msgs []Message) BatchResult
	Close() error
}

// Producer implements Sender with a synchronous writer and short retries.
type Producer struct {
	writer      *kafka.Writer
	logger      *logrus.Entry
	metrics     observability.Sink
	maxRetries  int
	baseBackoff time.Duration
	concurrency int
}

type ProducerConfig struct {
	Brokers     []string
	Acks        int // -1 for all, 0 for none, 1 for leader
	MaxRetries  int
	BaseBackoff time.Duration
	Concurrency int
	Metrics     observability.Sink
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            1,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           SendTimeout,
		AllowAutoTopicCreation: false,
	}

	return &Producer{
		writer:      writer,
		logger:      observability.Component("kafka-producer"),
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		concurrency: cfg.Concurrency,
	}
}

// Send publishes msg and waits for the broker acknowledgement. The whole
// call, retries included, is bounded by SendTimeout.
func (p *Producer) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	km := toKafkaMessage(msg)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.baseBackoff
	policy.MaxInterval = time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.writer.WriteMessages(ctx, km)
		if err != nil && attempt <= p.maxRetries {
			p.logger.WithFields(logrus.Fields{
				"topic":   msg.Topic,
				"attempt": attempt,
			}).WithError(err).Debug("publish failed, retrying")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.maxRetries)), ctx))

	if err != nil {
		p.metrics.IncPublishFailed()
		return &apperr.SendError{Topic: msg.Topic, Err: fmt.Errorf("after %d attempts: %w", attempt, err)}
	}
	p.metrics.IncPublished()
	return nil
}

// SendBatch publishes msgs concurrently and reports how many succeeded.
func (p *Producer) SendBatch(ctx context.Context, msgs []Message) BatchResult {
	return sendConcurrently(ctx, p, msgs, p.concurrency, p.logger)
}

// sendConcurrently fans msgs out over s.Send. Failures are counted and
// logged, never propagated, so one bad send does not cancel the rest.
func sendConcurrently(ctx context.Context, s Sender, msgs []Message, limit int, logger *logrus.Entry) BatchResult {
	var ok, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			if err := s.Send(gctx, m); err != nil {
				failed.Add(1)
				logger.WithError(err).WithField("topic", m.Topic).Warn("batch send failed")
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{Succeeded: int(ok.Load()), Failed: int(failed.Load())}
}

// Close flushes pending writes and shuts down the producer.
func (p *Producer) Close() error {
	p.logger.Info("closing producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func toKafkaMessage(msg Message) kafka.Message {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
	}
	if len(msg.Headers) > 0 {
		km.Headers = make([]kafka.Header, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return km
}
