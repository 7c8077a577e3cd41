package batch

import (
	"time"

	"go-stream-processor/pkg/models"
)

// Item is one queued record plus the callback that reports its outcome.
// Ack is called exactly once with nil when the record is resolved (persisted
// or dead-lettered) and with the failure otherwise.
type Item struct {
	Record *models.Record
	Ack    func(err error)
}

// Done calls Ack if set.
func (i Item) Done(err error) {
	if i.Ack != nil {
		i.Ack(err)
	}
}

// Accumulator collects items into one open batch. It holds no clock and no
// goroutine; callers pass the current time in.
type Accumulator struct {
	size    int
	timeout time.Duration
	items   []Item
	opened  time.Time
}

func NewAccumulator(size int, timeout time.Duration) *Accumulator {
	if size <= 0 {
		size = 1
	}
	return &Accumulator{
		size:    size,
		timeout: timeout,
		items:   make([]Item, 0, size),
	}
}

// Add appends it to the open batch, opening one at now if none is open.
// It reports whether the batch reached its size limit.
func (a *Accumulator) Add(it Item, now time.Time) bool {
	if len(a.items) == 0 {
		a.opened = now
	}
	a.items = append(a.items, it)
	return len(a.items) >= a.size
}

// Due reports whether the open batch has been open for at least the
// timeout. The timeout runs from the first item, not the latest.
func (a *Accumulator) Due(now time.Time) bool {
	if len(a.items) == 0 {
		return false
	}
	return !now.Before(a.opened.Add(a.timeout))
}

// Deadline is when the open batch becomes due.
func (a *Accumulator) Deadline() (time.Time, bool) {
	if len(a.items) == 0 {
		return time.Time{}, false
	}
	return a.opened.Add(a.timeout), true
}

func (a *Accumulator) Len() int {
	return len(a.items)
}

// Take returns the open batch and starts a new empty one.
func (a *Accumulator) Take() []Item {
	out := a.items
	a.items = make([]Item, 0, a.size)
	a.opened = time.Time{}
	return out
}
