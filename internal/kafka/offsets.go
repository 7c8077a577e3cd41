package kafka

import "sync"

type topicPartition struct {
	topic     string
	partition int
}

type partitionOffsets struct {
	inflight []int64
	tracked  map[int64]struct{}
	done     map[int64]struct{}
	commit   int64
}

// OffsetTracker records which read offsets have been resolved and yields
// the highest offset that is safe to commit for each partition. Workers
// resolve records out of order, so only the contiguous resolved prefix of
// the read sequence is ever committed.
type OffsetTracker struct {
	mu    sync.Mutex
	parts map[topicPartition]*partitionOffsets
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{parts: make(map[topicPartition]*partitionOffsets)}
}

// Track registers an offset as read. Offsets must be tracked in read order.
func (t *OffsetTracker) Track(topic string, partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := topicPartition{topic, partition}
	p, ok := t.parts[key]
	if !ok {
		p = &partitionOffsets{
			tracked: make(map[int64]struct{}),
			done:    make(map[int64]struct{}),
			commit:  -1,
		}
		t.parts[key] = p
	}
	if _, dup := p.tracked[offset]; dup {
		return
	}
	p.inflight = append(p.inflight, offset)
	p.tracked[offset] = struct{}{}
}

// Resolve marks an offset as finished. It returns the next offset to commit
// (last resolved prefix offset + 1) and whether that value advanced.
// Offsets that were never tracked are ignored.
func (t *OffsetTracker) Resolve(topic string, partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.parts[topicPartition{topic, partition}]
	if !ok {
		return 0, false
	}
	if _, ok := p.tracked[offset]; !ok {
		return p.commit, false
	}
	p.done[offset] = struct{}{}

	advanced := false
	for len(p.inflight) > 0 {
		head := p.inflight[0]
		if _, ok := p.done[head]; !ok {
			break
		}
		p.inflight = p.inflight[1:]
		delete(p.done, head)
		delete(p.tracked, head)
		p.commit = head + 1
		advanced = true
	}
	return p.commit, advanced
}

// Pending returns the number of tracked but unresolved offsets.
func (t *OffsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.parts {
		n += len(p.inflight)
	}
	return n
}

// Reset forgets all state, used when partition assignment changes.
func (t *OffsetTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parts = make(map[topicPartition]*partitionOffsets)
}
