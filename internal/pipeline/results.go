package pipeline

import (
	"sync"
	"sync/atomic"

	"go-stream-processor/pkg/models"
)

// broadcaster fans processing results out to result-stream subscribers.
// A subscriber that falls behind loses results instead of slowing the
// workers down.
type broadcaster struct {
	mu      sync.Mutex
	next    int
	subs    map[int]chan models.ProcessingResult
	closed  bool
	dropped atomic.Int64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan models.ProcessingResult)}
}

// subscribe returns a channel with the given buffer and a func that
// detaches it. The channel is closed on detach or when the broadcaster
// closes.
func (b *broadcaster) subscribe(buffer int) (<-chan models.ProcessingResult, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.ProcessingResult, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(r models.ProcessingResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *broadcaster) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
