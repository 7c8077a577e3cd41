package kafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/config"
	"go-stream-processor/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBatch_CountsPartialFailure(t *testing.T) {
	mockProducer := NewMockProducer()
	mockProducer.SendFunc = func(ctx context.Context, msg Message) error {
		if string(msg.Key) == "bad" {
			return errors.New("rejected")
		}
		return nil
	}

	msgs := []Message{
		{Topic: "processed", Key: []byte("a"), Value: []byte(`{}`)},
		{Topic: "processed", Key: []byte("bad"), Value: []byte(`{}`)},
		{Topic: "processed", Key: []byte("b"), Value: []byte(`{}`)},
		{Topic: "processed", Key: []byte("bad"), Value: []byte(`{}`)},
	}

	res := mockProducer.SendBatch(context.Background(), msgs)
	assert.Equal(t, BatchResult{Succeeded: 2, Failed: 2}, res)
	assert.Len(t, mockProducer.GetPublishedMessages(), 2)
}

func TestSendConcurrently_RespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	s := NewMockProducer()
	s.SendFunc = func(ctx context.Context, msg Message) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nil
	}

	msgs := make([]Message, 20)
	for i := range msgs {
		msgs[i] = Message{Topic: "t"}
	}
	res := sendConcurrently(context.Background(), s, msgs, 3, observability.Component("test"))

	assert.Equal(t, 20, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMockProducer_FailCount(t *testing.T) {
	mockProducer := NewMockProducer()
	mockProducer.FailCount = 2

	ctx := context.Background()
	msg := Message{Topic: "dlq", Value: []byte("x")}

	assert.Error(t, mockProducer.Send(ctx, msg))
	assert.Error(t, mockProducer.Send(ctx, msg))
	require.NoError(t, mockProducer.Send(ctx, msg))
	assert.Len(t, mockProducer.MessagesFor("dlq"), 1)

	mockProducer.Reset()
	assert.Empty(t, mockProducer.GetPublishedMessages())
}

func TestToKafkaMessage_Headers(t *testing.T) {
	km := toKafkaMessage(Message{
		Topic:   "dlq",
		Key:     []byte("k"),
		Value:   []byte("v"),
		Headers: map[string]string{"failure-reason": "boom"},
	})

	assert.Equal(t, "dlq", km.Topic)
	require.Len(t, km.Headers, 1)
	assert.Equal(t, "failure-reason", km.Headers[0].Key)
	assert.Equal(t, []byte("boom"), km.Headers[0].Value)
}

func TestToRecord(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	rec := toRecord(kafka.Message{
		Topic:     "metrics",
		Partition: 3,
		Offset:    42,
		Key:       []byte("k"),
		Value:     []byte(`{"a":1}`),
		Headers:   []kafka.Header{{Key: "message-id", Value: []byte("m1")}},
		Time:      ts,
	})

	assert.Equal(t, "metrics/3/42", rec.Identity())
	assert.Equal(t, int64(1700000000123), rec.Timestamp)
	assert.Equal(t, "m1", rec.Headers["message-id"])
}

func TestConnect_FailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Connect(ctx, config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}})
	require.Error(t, err)
	assert.True(t, apperr.IsConnectivity(err))

	_, err = Connect(ctx, config.KafkaConfig{})
	assert.True(t, apperr.IsConnectivity(err))
}

func TestMockSource_CommitsContiguousPrefix(t *testing.T) {
	src := NewMockSource(rec("logs", 0, 0), rec("logs", 0, 1), rec("logs", 0, 2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []int64
	ch := src.Poll(ctx)
	for i := 0; i < 3; i++ {
		res := <-ch
		require.NoError(t, res.Err)
		got = append(got, res.Record.Offset)
	}
	assert.Equal(t, []int64{0, 1, 2}, got)

	require.NoError(t, src.Commit(ctx, rec("logs", 0, 1)))
	assert.Equal(t, int64(-1), src.Committed("logs", 0))

	require.NoError(t, src.Commit(ctx, rec("logs", 0, 0)))
	assert.Equal(t, int64(2), src.Committed("logs", 0))

	require.NoError(t, src.Close())
	_, open := <-ch
	assert.False(t, open)
}
