package kafka

import (
	"context"
	"fmt"
	"sync"

	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"
)

// MockProducer is a Sender that records what it was asked to publish.
type MockProducer struct {
	mu                sync.RWMutex
	PublishedMessages []Message
	SendFunc          func(ctx context.Context, msg Message) error
	CloseFunc         func() error
	FailCount         int
	failureCounter    int
}

func NewMockProducer() *MockProducer {
	return &MockProducer{
		PublishedMessages: make([]Message, 0),
	}
}

func (m *MockProducer) Send(ctx context.Context, msg Message) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Simulate failures for testing retry logic
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, msg)
	return nil
}

func (m *MockProducer) SendBatch(ctx context.Context, msgs []Message) BatchResult {
	return sendConcurrently(ctx, m, msgs, 4, observability.Component("mock-producer"))
}

func (m *MockProducer) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockProducer) GetPublishedMessages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]Message, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

// MessagesFor returns the published messages for one topic.
func (m *MockProducer) MessagesFor(topic string) []Message {
	var out []Message
	for _, msg := range m.GetPublishedMessages() {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockProducer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]Message, 0)
	m.failureCounter = 0
}

// MockSource replays a fixed set of records and tracks commits with a real
// OffsetTracker, so tests can assert on committed offsets.
type MockSource struct {
	mu        sync.Mutex
	records   []*models.Record
	errs      []error
	tracker   *OffsetTracker
	committed map[topicPartition]int64
	LagFunc   func(ctx context.Context, topics []string) ([]models.PartitionLag, error)
	CommitErr error
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMockSource(records ...*models.Record) *MockSource {
	return &MockSource{
		records:   records,
		tracker:   NewOffsetTracker(),
		committed: make(map[topicPartition]int64),
		closed:    make(chan struct{}),
	}
}

// AddError queues a receive error that is emitted before the records.
func (m *MockSource) AddError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Poll emits queued errors, then every record, then blocks until ctx ends
// or Close is called.
func (m *MockSource) Poll(ctx context.Context) <-chan models.PollResult {
	m.mu.Lock()
	records := append([]*models.Record(nil), m.records...)
	errs := append([]error(nil), m.errs...)
	m.mu.Unlock()

	out := make(chan models.PollResult)
	go func() {
		defer close(out)
		send := func(r models.PollResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			case <-m.closed:
				return false
			}
		}
		for _, err := range errs {
			if !send(models.PollResult{Err: err}) {
				return
			}
		}
		for _, rec := range records {
			m.tracker.Track(rec.Topic, rec.Partition, rec.Offset)
			if !send(models.PollResult{Record: rec}) {
				return
			}
		}
		select {
		case <-ctx.Done():
		case <-m.closed:
		}
	}()
	return out
}

func (m *MockSource) Commit(ctx context.Context, rec *models.Record) error {
	if m.CommitErr != nil {
		return m.CommitErr
	}
	next, advanced := m.tracker.Resolve(rec.Topic, rec.Partition, rec.Offset)
	if !advanced {
		return nil
	}
	m.mu.Lock()
	m.committed[topicPartition{rec.Topic, rec.Partition}] = next
	m.mu.Unlock()
	return nil
}

// Committed returns the last committed offset for a partition, or -1.
func (m *MockSource) Committed(topic string, partition int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off, ok := m.committed[topicPartition{topic, partition}]; ok {
		return off
	}
	return -1
}

func (m *MockSource) Lag(ctx context.Context, topics []string) ([]models.PartitionLag, error) {
	if m.LagFunc != nil {
		return m.LagFunc(ctx, topics)
	}
	return nil, nil
}

func (m *MockSource) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Pending returns the number of emitted records not yet part of the
// committed prefix.
func (m *MockSource) Pending() int {
	return m.tracker.Pending()
}

// IsClosed reports whether Close has been called.
func (m *MockSource) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
