package batch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int64
}

func (r *recorder) handle(ctx context.Context, workerID int, batch []Item) {
	offsets := make([]int64, len(batch))
	for i, it := range batch {
		offsets[i] = it.Record.Offset
		it.Done(nil)
	}
	r.mu.Lock()
	r.batches = append(r.batches, offsets)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) flat() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func runPool(p *Pool, in chan Item) chan struct{} {
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), in)
		close(done)
	}()
	return done
}

func TestPool_SingleWorkerPreservesOrderExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		size := 1 + rng.Intn(8)
		timeout := time.Duration(1+rng.Intn(3)) * time.Millisecond
		n := rng.Intn(60)

		rec := &recorder{}
		p := NewPool(Config{Workers: 1, BatchSize: size, BatchTimeout: timeout}, rec.handle)
		in := make(chan Item)
		done := runPool(p, in)

		want := make([]int64, n)
		for i := 0; i < n; i++ {
			want[i] = int64(i)
			in <- item(int64(i))
			if rng.Intn(10) == 0 {
				time.Sleep(timeout)
			}
		}
		close(in)
		<-done

		got := rec.flat()
		if n == 0 {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, want, got, "size=%d timeout=%s", size, timeout)
		for _, b := range rec.batches {
			assert.LessOrEqual(t, len(b), size)
		}
	}
}

func TestPool_ManyWorkersNoLossNoDuplicates(t *testing.T) {
	rec := &recorder{}
	p := NewPool(Config{Workers: 4, BatchSize: 7, BatchTimeout: 5 * time.Millisecond}, rec.handle)
	in := make(chan Item, 16)
	done := runPool(p, in)

	const n = 1000
	for i := 0; i < n; i++ {
		in <- item(int64(i))
	}
	close(in)
	<-done

	got := rec.flat()
	require.Len(t, got, n)
	seen := make(map[int64]bool, n)
	for _, off := range got {
		assert.False(t, seen[off], "duplicate offset %d", off)
		seen[off] = true
	}
}

func TestPool_FlushWithinTimeoutOfOpening(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	p := NewPool(Config{Workers: 1, BatchSize: 100, BatchTimeout: time.Second, Clock: mock}, rec.handle)
	in := make(chan Item)
	done := runPool(p, in)
	defer func() {
		close(in)
		<-done
	}()

	in <- item(0)
	time.Sleep(20 * time.Millisecond) // let the worker arm its timer

	mock.Add(999 * time.Millisecond)
	assert.Never(t, func() bool { return rec.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	mock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{0}, rec.flat())
}

func TestPool_LateArrivalDoesNotExtendDeadline(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	p := NewPool(Config{Workers: 1, BatchSize: 100, BatchTimeout: time.Second, Clock: mock}, rec.handle)
	in := make(chan Item)
	done := runPool(p, in)
	defer func() {
		close(in)
		<-done
	}()

	in <- item(0)
	time.Sleep(20 * time.Millisecond)
	mock.Add(600 * time.Millisecond)

	in <- item(1)
	time.Sleep(20 * time.Millisecond)
	mock.Add(400 * time.Millisecond)

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{0, 1}, rec.flat())
}

func TestPool_DrainsPartialBatchOnClose(t *testing.T) {
	rec := &recorder{}
	p := NewPool(Config{Workers: 2, BatchSize: 100, BatchTimeout: time.Hour}, rec.handle)
	in := make(chan Item, 10)
	for i := 0; i < 5; i++ {
		in <- item(int64(i))
	}
	close(in)

	p.Run(context.Background(), in)

	assert.ElementsMatch(t, []int64{0, 1, 2, 3, 4}, rec.flat())
}

func TestPool_PanickingHandlerAcksAndSurvives(t *testing.T) {
	var calls atomic.Int32
	var acked, failed atomic.Int32
	handler := func(ctx context.Context, workerID int, batch []Item) {
		if calls.Add(1) == 1 {
			batch[0].Done(nil)
			panic("boom")
		}
		for _, it := range batch {
			it.Done(nil)
		}
	}

	metrics := observability.NewInMemoryMetrics()
	p := NewPool(Config{Workers: 1, BatchSize: 2, BatchTimeout: time.Hour, Metrics: metrics}, handler)
	in := make(chan Item, 4)
	for i := 0; i < 4; i++ {
		in <- Item{
			Record: &models.Record{Offset: int64(i)},
			Ack: func(err error) {
				if err != nil {
					failed.Add(1)
					return
				}
				acked.Add(1)
			},
		}
	}
	close(in)
	p.Run(context.Background(), in)

	assert.Equal(t, int32(2), calls.Load())
	// first item acked once only, second failed by the recovery path
	assert.Equal(t, int32(3), acked.Load())
	assert.Equal(t, int32(1), failed.Load())
	assert.Equal(t, int64(0), metrics.ActiveTasks.Load())
}

func TestRecover(t *testing.T) {
	err := Recover(func() error { panic("poisoned record") })
	assert.ErrorContains(t, err, "poisoned record")

	want := errors.New("plain")
	assert.Equal(t, want, Recover(func() error { return want }))
	assert.NoError(t, Recover(func() error { return nil }))
}
