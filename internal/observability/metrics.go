package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives the counters and gauges updated by the data plane.
// Implementations must be safe for concurrent use.
type Sink interface {
	IncReceived()
	IncProcessed()
	IncFailed()
	IncRetried()
	IncSentToDLQ()
	IncPublished()
	IncPublishFailed()
	AddPersisted(n int)
	ObserveBatch(size int, took time.Duration)
	SetConsumerLag(topic string, partition int, lag int64)
	DeleteConsumerLag(topic string, partition int)
	IncDBOperation(op string, failed bool)
	SetDBPool(open, idle int)
	SetMemoryUsage(bytes uint64)
	SetGoroutines(n int)
	AddActiveTasks(delta int)
}

// InMemoryMetrics keeps counters in process. Pipelines use one each to
// build their status summary.
type InMemoryMetrics struct {
	Published     atomic.Int64
	PublishFailed atomic.Int64
	Received      atomic.Int64
	Processed     atomic.Int64
	Persisted     atomic.Int64
	Failed        atomic.Int64
	Retried       atomic.Int64
	SentToDLQ     atomic.Int64
	Batches       atomic.Int64
	DBOperations  atomic.Int64
	DBErrors      atomic.Int64
	ActiveTasks   atomic.Int64
	MemoryBytes   atomic.Uint64
	Goroutines    atomic.Int64

	mu  sync.Mutex
	lag map[lagKey]int64
}

type lagKey struct {
	topic     string
	partition int
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{lag: make(map[lagKey]int64)}
}

func (m *InMemoryMetrics) IncPublished()      { m.Published.Add(1) }
func (m *InMemoryMetrics) IncPublishFailed()  { m.PublishFailed.Add(1) }
func (m *InMemoryMetrics) IncReceived()       { m.Received.Add(1) }
func (m *InMemoryMetrics) IncProcessed()      { m.Processed.Add(1) }
func (m *InMemoryMetrics) IncFailed()         { m.Failed.Add(1) }
func (m *InMemoryMetrics) IncRetried()        { m.Retried.Add(1) }
func (m *InMemoryMetrics) IncSentToDLQ()      { m.SentToDLQ.Add(1) }
func (m *InMemoryMetrics) AddPersisted(n int) { m.Persisted.Add(int64(n)) }

func (m *InMemoryMetrics) ObserveBatch(size int, _ time.Duration) {
	m.Batches.Add(1)
}

func (m *InMemoryMetrics) SetConsumerLag(topic string, partition int, lag int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lag == nil {
		m.lag = make(map[lagKey]int64)
	}
	m.lag[lagKey{topic, partition}] = lag
}

func (m *InMemoryMetrics) DeleteConsumerLag(topic string, partition int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lag, lagKey{topic, partition})
}

// Lag returns the last reported lag for a partition.
func (m *InMemoryMetrics) Lag(topic string, partition int) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lag[lagKey{topic, partition}]
	return v, ok
}

func (m *InMemoryMetrics) IncDBOperation(_ string, failed bool) {
	m.DBOperations.Add(1)
	if failed {
		m.DBErrors.Add(1)
	}
}

func (m *InMemoryMetrics) SetDBPool(open, idle int) {}

func (m *InMemoryMetrics) SetMemoryUsage(bytes uint64) { m.MemoryBytes.Store(bytes) }
func (m *InMemoryMetrics) SetGoroutines(n int)         { m.Goroutines.Store(int64(n)) }
func (m *InMemoryMetrics) AddActiveTasks(delta int)    { m.ActiveTasks.Add(int64(delta)) }

func (m *InMemoryMetrics) GetPublished() int64     { return m.Published.Load() }
func (m *InMemoryMetrics) GetPublishFailed() int64 { return m.PublishFailed.Load() }
func (m *InMemoryMetrics) GetReceived() int64      { return m.Received.Load() }
func (m *InMemoryMetrics) GetProcessed() int64     { return m.Processed.Load() }
func (m *InMemoryMetrics) GetPersisted() int64     { return m.Persisted.Load() }
func (m *InMemoryMetrics) GetFailed() int64        { return m.Failed.Load() }
func (m *InMemoryMetrics) GetRetried() int64       { return m.Retried.Load() }
func (m *InMemoryMetrics) GetSentToDLQ() int64     { return m.SentToDLQ.Load() }
func (m *InMemoryMetrics) GetBatches() int64       { return m.Batches.Load() }

// multiSink fans every update out to several sinks.
type multiSink []Sink

// Multi returns a Sink that forwards to all non-nil sinks.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (ms multiSink) IncReceived() {
	for _, s := range ms {
		s.IncReceived()
	}
}

func (ms multiSink) IncProcessed() {
	for _, s := range ms {
		s.IncProcessed()
	}
}

func (ms multiSink) IncFailed() {
	for _, s := range ms {
		s.IncFailed()
	}
}

func (ms multiSink) IncRetried() {
	for _, s := range ms {
		s.IncRetried()
	}
}

func (ms multiSink) IncSentToDLQ() {
	for _, s := range ms {
		s.IncSentToDLQ()
	}
}

func (ms multiSink) IncPublished() {
	for _, s := range ms {
		s.IncPublished()
	}
}

func (ms multiSink) IncPublishFailed() {
	for _, s := range ms {
		s.IncPublishFailed()
	}
}

func (ms multiSink) AddPersisted(n int) {
	for _, s := range ms {
		s.AddPersisted(n)
	}
}

func (ms multiSink) ObserveBatch(size int, took time.Duration) {
	for _, s := range ms {
		s.ObserveBatch(size, took)
	}
}

func (ms multiSink) SetConsumerLag(topic string, partition int, lag int64) {
	for _, s := range ms {
		s.SetConsumerLag(topic, partition, lag)
	}
}

func (ms multiSink) DeleteConsumerLag(topic string, partition int) {
	for _, s := range ms {
		s.DeleteConsumerLag(topic, partition)
	}
}

func (ms multiSink) IncDBOperation(op string, failed bool) {
	for _, s := range ms {
		s.IncDBOperation(op, failed)
	}
}

func (ms multiSink) SetDBPool(open, idle int) {
	for _, s := range ms {
		s.SetDBPool(open, idle)
	}
}

func (ms multiSink) SetMemoryUsage(bytes uint64) {
	for _, s := range ms {
		s.SetMemoryUsage(bytes)
	}
}

func (ms multiSink) SetGoroutines(n int) {
	for _, s := range ms {
		s.SetGoroutines(n)
	}
}

func (ms multiSink) AddActiveTasks(delta int) {
	for _, s := range ms {
		s.AddActiveTasks(delta)
	}
}
