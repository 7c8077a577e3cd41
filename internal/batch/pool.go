package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-stream-processor/internal/observability"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Handler processes one flushed batch. It owns the batch and must call
// Done on every item.
type Handler func(ctx context.Context, workerID int, batch []Item)

type Config struct {
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	Clock        clock.Clock
	Metrics      observability.Sink
	Logger       *logrus.Entry
}

// Pool runs a fixed number of workers that drain a shared queue into
// size- or time-bounded batches.
type Pool struct {
	cfg     Config
	handler Handler
	wg      sync.WaitGroup
}

func NewPool(cfg Config, handler Handler) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("batch")
	}
	return &Pool{cfg: cfg, handler: handler}
}

// Run starts the workers and blocks until in is closed and every worker has
// flushed its last partial batch. ctx is handed to the handler; cancelling
// it does not stop the workers.
func (p *Pool) Run(ctx context.Context, in <-chan Item) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, in)
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int, in <-chan Item) {
	defer p.wg.Done()

	logger := p.cfg.Logger.WithField("worker_id", id)
	logger.Debug("worker started")

	acc := NewAccumulator(p.cfg.BatchSize, p.cfg.BatchTimeout)
	var timer *clock.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}

	for {
		var expired <-chan time.Time
		if timer != nil {
			expired = timer.C
		}

		select {
		case it, ok := <-in:
			if !ok {
				stopTimer()
				if acc.Len() > 0 {
					p.flush(ctx, id, acc.Take(), logger)
				}
				logger.Debug("worker stopping - queue closed")
				return
			}
			if acc.Len() == 0 {
				// arm before reading the clock so the deadline never
				// precedes the recorded open time
				timer = p.cfg.Clock.Timer(p.cfg.BatchTimeout)
			}
			if acc.Add(it, p.cfg.Clock.Now()) {
				stopTimer()
				p.flush(ctx, id, acc.Take(), logger)
			}

		case <-expired:
			timer = nil
			p.flush(ctx, id, acc.Take(), logger)
		}
	}
}

func (p *Pool) flush(ctx context.Context, id int, items []Item, logger *logrus.Entry) {
	if len(items) == 0 {
		return
	}

	for i := range items {
		items[i].Ack = ackOnce(items[i].Ack)
	}

	start := p.cfg.Clock.Now()
	p.cfg.Metrics.AddActiveTasks(1)
	defer p.cfg.Metrics.AddActiveTasks(-1)

	// the handler isolates failures per record; this only catches a panic
	// that escapes it so the worker survives
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("batch handler panic: %v", r)
			logger.WithError(err).Error("batch aborted")
			for _, it := range items {
				it.Done(err)
			}
		}
	}()

	p.handler(ctx, id, items)
	p.cfg.Metrics.ObserveBatch(len(items), p.cfg.Clock.Since(start))
	logger.WithField("batch_size", len(items)).Debug("batch flushed")
}

func ackOnce(ack func(error)) func(error) {
	if ack == nil {
		return nil
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() { ack(err) })
	}
}

// Recover runs fn and turns a panic into an error.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
