package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()
	m.IncReceived()
	m.IncReceived()
	m.IncProcessed()
	m.AddPersisted(3)
	m.ObserveBatch(3, time.Millisecond)
	m.IncDBOperation("write_batch", true)
	m.SetConsumerLag("metrics", 2, 60)
	m.AddActiveTasks(2)
	m.AddActiveTasks(-1)

	assert.Equal(t, int64(2), m.GetReceived())
	assert.Equal(t, int64(1), m.GetProcessed())
	assert.Equal(t, int64(3), m.GetPersisted())
	assert.Equal(t, int64(1), m.GetBatches())
	assert.Equal(t, int64(1), m.DBErrors.Load())
	assert.Equal(t, int64(1), m.ActiveTasks.Load())

	lag, ok := m.Lag("metrics", 2)
	assert.True(t, ok)
	assert.Equal(t, int64(60), lag)

	_, ok = m.Lag("metrics", 3)
	assert.False(t, ok)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewInMemoryMetrics(), NewInMemoryMetrics()
	sink := Multi(a, nil, b)

	sink.IncSentToDLQ()
	sink.IncRetried()

	assert.Equal(t, int64(1), a.GetSentToDLQ())
	assert.Equal(t, int64(1), b.GetSentToDLQ())
	assert.Equal(t, int64(1), b.GetRetried())
}

func TestMetricsHandler(t *testing.T) {
	sink := NewPrometheusSink("stream_processor")
	sink.IncReceived()
	sink.SetConsumerLag("logs", 0, 7)
	sink.SetConsumerLag("logs", 1, 3)
	sink.DeleteConsumerLag("logs", 1)

	srv := httptest.NewServer(NewMetricsHandler("/metrics", sink.Gatherer()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "stream_processor_messages_received_total 1")
	assert.Contains(t, string(body), `stream_processor_consumer_lag{partition="0",topic="logs"} 7`)
	assert.NotContains(t, string(body), `stream_processor_consumer_lag{partition="1",topic="logs"}`)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/other"},
		{http.MethodPost, "/metrics"},
		{http.MethodDelete, "/metrics"},
		{http.MethodGet, "/"},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(""))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tt.method, tt.path)
	}
}

func TestRunRefresher(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		RunRefresher(ctx, mock, time.Second, func() { calls.Add(1) })
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return calls.Load() >= 3
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestRefreshSystem(t *testing.T) {
	m := NewInMemoryMetrics()
	RefreshSystem(m)

	assert.Greater(t, m.MemoryBytes.Load(), uint64(0))
	assert.Greater(t, m.Goroutines.Load(), int64(0))
}
