package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/batch"
	"go-stream-processor/internal/processor"
	"go-stream-processor/pkg/models"
)

// SendStreamData feeds pushed records into their jobs and returns one
// response per input element. At most the configured stream buffer of
// elements is in flight per call; once that many are unanswered the call
// stops reading in, so a slow pipeline slows the sender down. Responses
// arrive in completion order, which may differ from input order; use
// MessageID to correlate. The response channel closes after in is closed
// and every element has been answered.
func (c *Controller) SendStreamData(ctx context.Context, in <-chan models.StreamData) <-chan models.StreamDataResponse {
	buffer := c.base.RPC.StreamBuffer
	out := make(chan models.StreamDataResponse)
	acks := make(chan models.StreamDataResponse, buffer)
	slots := make(chan struct{}, buffer)

	var inflight sync.WaitGroup

	// forward answers to the caller, freeing one slot per answer
	go func() {
		defer close(out)
		for r := range acks {
			select {
			case out <- r:
			case <-ctx.Done():
			}
			<-slots
		}
	}()

	go func() {
		defer func() {
			inflight.Wait()
			close(acks)
		}()

		for {
			var (
				d  models.StreamData
				ok bool
			)
			select {
			case <-ctx.Done():
				return
			case d, ok = <-in:
				if !ok {
					return
				}
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			inflight.Add(1)
			c.ingest(ctx, d, func(r models.StreamDataResponse) {
				acks <- r
				inflight.Done()
			})
		}
	}()

	return out
}

// ingest enqueues one element; reply is called exactly once.
func (c *Controller) ingest(ctx context.Context, d models.StreamData, reply func(models.StreamDataResponse)) {
	p, err := c.running(d.JobID)
	if err != nil {
		reply(models.StreamDataResponse{Success: false, Message: err.Error()})
		return
	}
	if len(d.Payload) == 0 {
		reply(models.StreamDataResponse{Success: false, Message: "payload cannot be empty"})
		return
	}

	rec := p.streamRecord(d)
	id := processor.MessageID(rec)

	var once sync.Once
	ack := func(err error) {
		once.Do(func() {
			switch {
			case err == nil:
				reply(models.StreamDataResponse{Success: true, Message: "processed", MessageID: id})
			case apperr.IsProcessing(err):
				reply(models.StreamDataResponse{Success: false, Message: fmt.Sprintf("dead-lettered: %v", err), MessageID: id})
			default:
				reply(models.StreamDataResponse{Success: false, Message: err.Error(), MessageID: id})
			}
		})
	}

	p.sink.IncReceived()
	if err := p.enqueue(ctx, batch.Item{Record: rec, Ack: ack}); err != nil {
		ack(err)
	}
}
