package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Source is a restartable pull source of broker records whose offsets are
// committed only when the caller resolves them.
type Source interface {
	Poll(ctx context.Context) <-chan models.PollResult
	Commit(ctx context.Context, rec *models.Record) error
	Lag(ctx context.Context, topics []string) ([]models.PartitionLag, error)
	Close() error
}

const receiveErrorPause = time.Second

// offsetAdmin is the part of the admin client used for lag reports.
type offsetAdmin interface {
	OffsetFetch(ctx context.Context, req *kafka.OffsetFetchRequest) (*kafka.OffsetFetchResponse, error)
	ListOffsets(ctx context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error)
}

// offsetCommitter commits on behalf of the current group generation.
type offsetCommitter interface {
	CommitOffsets(offsets map[string]map[int]int64) error
}

// GroupSource consumes a set of topics as a member of a consumer group.
// Partition assignment follows the group's generations; each assigned
// partition gets its own reader that starts at the committed offset.
// Nothing is committed automatically.
type GroupSource struct {
	client  *Client
	admin   offsetAdmin
	groupID string
	topics  []string
	tracker *OffsetTracker
	logger  *logrus.Entry

	mu       sync.Mutex
	group    *kafka.ConsumerGroup
	gen      offsetCommitter
	assigned map[string][]int
	out      chan models.PollResult
	closed   bool
	// commitMu serializes resolve+commit per partition so commits never
	// go backwards.
	commitMu map[topicPartition]*sync.Mutex
}

func newGroupSource(c *Client, groupID string, topics []string) (*GroupSource, error) {
	if groupID == "" {
		return nil, errors.New("group id cannot be empty")
	}
	if len(topics) == 0 {
		return nil, errors.New("no topics to subscribe to")
	}
	s := &GroupSource{
		client:  c,
		admin:   c.admin,
		groupID: groupID,
		topics:  append([]string(nil), topics...),
		tracker: NewOffsetTracker(),
		logger: observability.Component("kafka-consumer").WithFields(logrus.Fields{
			"group_id": groupID,
			"topics":   topics,
		}),
	}
	if _, err := s.joinGroup(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GroupSource) joinGroup() (*kafka.ConsumerGroup, error) {
	start := kafka.LastOffset
	if s.client.cfg.StartFromEarliest {
		start = kafka.FirstOffset
	}
	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:                s.groupID,
		Brokers:           s.client.cfg.Brokers,
		Topics:            s.topics,
		SessionTimeout:    s.client.cfg.SessionTimeout,
		HeartbeatInterval: s.client.cfg.HeartbeatInterval,
		StartOffset:       start,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %v: %w", s.topics, err)
	}
	s.group = group
	return group, nil
}

// Poll starts the receive loop and returns its output. The channel is
// closed when ctx is cancelled or Close is called. Calling Poll while a loop
// is running returns the running loop's channel; calling it after the loop
// ended rejoins the group.
func (s *GroupSource) Poll(ctx context.Context) <-chan models.PollResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out != nil {
		return s.out
	}

	out := make(chan models.PollResult, s.client.cfg.MaxPollRecords)
	s.out = out

	if s.closed {
		close(out)
		return out
	}

	group := s.group
	if group == nil {
		var err error
		if group, err = s.joinGroup(); err != nil {
			go func() {
				defer s.finish(out)
				out <- models.PollResult{Err: &apperr.ReceiveError{Err: err}}
			}()
			return out
		}
	}

	go s.run(ctx, group, out)
	return out
}

func (s *GroupSource) run(ctx context.Context, group *kafka.ConsumerGroup, out chan models.PollResult) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		s.finish(out)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			group.Close()
		case <-stop:
		}
	}()

	for {
		gen, err := group.Next(ctx)
		if err != nil {
			if errors.Is(err, kafka.ErrGroupClosed) || ctx.Err() != nil {
				return
			}
			s.emit(ctx, out, models.PollResult{Err: &apperr.ReceiveError{Err: err}})
			if !sleepCtx(ctx, receiveErrorPause) {
				return
			}
			continue
		}

		s.onGeneration(gen)

		for topic, assignments := range gen.Assignments {
			for _, a := range assignments {
				topic, partition, offset := topic, a.ID, a.Offset
				wg.Add(1)
				gen.Start(func(genCtx context.Context) {
					defer wg.Done()
					s.readPartition(genCtx, topic, partition, offset, out)
				})
			}
		}
	}
}

func (s *GroupSource) onGeneration(gen *kafka.Generation) {
	assigned := make(map[string][]int, len(gen.Assignments))
	for topic, assignments := range gen.Assignments {
		for _, a := range assignments {
			assigned[topic] = append(assigned[topic], a.ID)
		}
	}

	s.mu.Lock()
	s.gen = gen
	s.assigned = assigned
	s.mu.Unlock()

	// offsets from the previous generation can no longer be committed by us
	s.tracker.Reset()
	s.logger.WithFields(logrus.Fields{
		"generation": gen.ID,
		"assigned":   assigned,
	}).Info("partition assignment changed")
}

func (s *GroupSource) readPartition(ctx context.Context, topic string, partition int, offset int64, out chan<- models.PollResult) {
	cfg := s.client.cfg
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       cfg.Brokers,
		Topic:         topic,
		Partition:     partition,
		MinBytes:      cfg.FetchMinBytes,
		MaxBytes:      cfg.FetchMaxBytes,
		MaxWait:       cfg.FetchMaxWait,
		QueueCapacity: cfg.MaxPollRecords,
	})
	defer reader.Close()

	logger := s.logger.WithFields(logrus.Fields{"topic": topic, "partition": partition})
	if err := reader.SetOffset(offset); err != nil {
		logger.WithError(err).Error("failed to seek partition")
		return
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !s.emit(ctx, out, models.PollResult{Err: &apperr.ReceiveError{Err: err}}) {
				return
			}
			if !sleepCtx(ctx, receiveErrorPause) {
				return
			}
			continue
		}

		rec := toRecord(msg)
		s.tracker.Track(rec.Topic, rec.Partition, rec.Offset)
		if !s.emit(ctx, out, models.PollResult{Record: rec}) {
			return
		}
	}
}

// emit blocks until the result is accepted or ctx ends. A full output
// channel stalls the reader, which throttles consumption.
func (s *GroupSource) emit(ctx context.Context, out chan<- models.PollResult, res models.PollResult) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *GroupSource) finish(out chan models.PollResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(out)
	s.out = nil
	s.gen = nil
	s.assigned = nil
	s.group = nil
}

func (s *GroupSource) partitionLock(topic string, partition int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitMu == nil {
		s.commitMu = make(map[topicPartition]*sync.Mutex)
	}
	key := topicPartition{topic, partition}
	mu, ok := s.commitMu[key]
	if !ok {
		mu = &sync.Mutex{}
		s.commitMu[key] = mu
	}
	return mu
}

// Commit resolves rec and commits the partition's contiguous resolved prefix.
func (s *GroupSource) Commit(ctx context.Context, rec *models.Record) error {
	mu := s.partitionLock(rec.Topic, rec.Partition)
	mu.Lock()
	defer mu.Unlock()

	next, advanced := s.tracker.Resolve(rec.Topic, rec.Partition, rec.Offset)
	if !advanced {
		return nil
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	if gen == nil {
		return nil
	}

	err := gen.CommitOffsets(map[string]map[int]int64{
		rec.Topic: {rec.Partition: next},
	})
	if err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", rec.Topic, rec.Partition, next, err)
	}
	return nil
}

// Lag reports backlog for every currently assigned partition of topics.
func (s *GroupSource) Lag(ctx context.Context, topics []string) ([]models.PartitionLag, error) {
	s.mu.Lock()
	assigned := make(map[string][]int, len(s.assigned))
	for t, ps := range s.assigned {
		assigned[t] = append([]int(nil), ps...)
	}
	s.mu.Unlock()

	if len(assigned) == 0 {
		return nil, nil
	}

	fetch, err := s.admin.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: s.groupID,
		Topics:  assigned,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch committed offsets: %w", err)
	}
	if fetch.Error != nil {
		return nil, fmt.Errorf("fetch committed offsets: %w", fetch.Error)
	}
	committed := make(map[string]map[int]int64, len(fetch.Topics))
	for topic, parts := range fetch.Topics {
		committed[topic] = make(map[int]int64, len(parts))
		for _, p := range parts {
			if p.Error != nil {
				continue
			}
			committed[topic][p.Partition] = p.CommittedOffset
		}
	}

	req := &kafka.ListOffsetsRequest{Topics: make(map[string][]kafka.OffsetRequest, len(assigned))}
	for topic, parts := range assigned {
		for _, p := range parts {
			req.Topics[topic] = append(req.Topics[topic], kafka.LastOffsetOf(p))
		}
	}
	list, err := s.admin.ListOffsets(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	high := make(map[string]map[int]int64, len(list.Topics))
	for topic, parts := range list.Topics {
		high[topic] = make(map[int]int64, len(parts))
		for _, p := range parts {
			if p.Error != nil {
				continue
			}
			high[topic][p.Partition] = p.LastOffset
		}
	}

	return buildLag(assigned, committed, high, topics), nil
}

// Close leaves the group. The poll channel closes once all readers exit.
func (s *GroupSource) Close() error {
	s.mu.Lock()
	s.closed = true
	group := s.group
	s.mu.Unlock()

	if group == nil {
		return nil
	}
	s.logger.Info("closing consumer")
	if err := group.Close(); err != nil && !errors.Is(err, kafka.ErrGroupClosed) {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}

func toRecord(msg kafka.Message) *models.Record {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return &models.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Payload:   msg.Value,
		Headers:   headers,
		Timestamp: msg.Time.UnixMilli(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
