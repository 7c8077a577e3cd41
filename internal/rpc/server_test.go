package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeController struct {
	mu      sync.Mutex
	jobs    map[string]models.PipelineSnapshot
	results chan models.ProcessingResult
}

func newFakeController() *fakeController {
	return &fakeController{
		jobs:    make(map[string]models.PipelineSnapshot),
		results: make(chan models.ProcessingResult, 8),
	}
}

func (f *fakeController) Start(_ context.Context, pipelineID string, overrides map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if pipelineID == "" {
		return "", &apperr.LifecycleError{Reason: "pipeline id cannot be empty"}
	}
	jobID := "job-" + pipelineID
	if _, ok := f.jobs[jobID]; ok {
		return "", &apperr.LifecycleError{JobID: jobID, Reason: "already running"}
	}
	f.jobs[jobID] = models.PipelineSnapshot{
		JobID:      jobID,
		PipelineID: pipelineID,
		Status:     models.StatusRunning,
		Config:     overrides,
		StartTime:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	return jobID, nil
}

func (f *fakeController) Stop(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeController) Status(jobID string) (models.PipelineSnapshot, error) {
	if jobID == "panic" {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.jobs[jobID]
	if !ok {
		return models.PipelineSnapshot{}, &apperr.LifecycleError{JobID: jobID, Reason: "pipeline not found"}
	}
	return snap, nil
}

func (f *fakeController) List() []models.PipelineSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PipelineSnapshot, 0, len(f.jobs))
	for _, s := range f.jobs {
		out = append(out, s)
	}
	return out
}

func (f *fakeController) SendStreamData(ctx context.Context, in <-chan models.StreamData) <-chan models.StreamDataResponse {
	out := make(chan models.StreamDataResponse)
	go func() {
		defer close(out)
		for d := range in {
			r := models.StreamDataResponse{Success: len(d.Payload) > 0, Message: "processed", MessageID: d.Key}
			if !r.Success {
				r.Message = "payload cannot be empty"
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeController) StreamResults(_ context.Context, jobID string) (<-chan models.ProcessingResult, error) {
	if _, err := f.Status(jobID); err != nil {
		return nil, err
	}
	return f.results, nil
}

func newTestClient(t *testing.T, ctrl Controller) *Client {
	t.Helper()

	l := bufconn.Listen(1 << 20)
	srv := NewServer(ctrl, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, l) //nolint:errcheck
	}()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return l.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client
}

func TestServer_Lifecycle(t *testing.T) {
	ctrl := newFakeController()
	client := newTestClient(t, ctrl)
	ctx := context.Background()

	start, err := client.StartProcessing(ctx, &StartProcessingRequest{
		PipelineID: "p1",
		Config:     map[string]string{"batch_size": "10"},
	})
	require.NoError(t, err)
	assert.True(t, start.Success)
	assert.Equal(t, "job-p1", start.JobID)

	again, err := client.StartProcessing(ctx, &StartProcessingRequest{PipelineID: "p1"})
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Contains(t, again.Message, "already running")

	st, err := client.GetProcessingStatus(ctx, &GetProcessingStatusRequest{JobID: start.JobID})
	require.NoError(t, err)
	require.True(t, st.Success)
	assert.Equal(t, models.StatusRunning, st.Pipeline.Status)
	assert.Equal(t, "10", st.Pipeline.Config["batch_size"])
	assert.False(t, st.Pipeline.StartTime.IsZero())

	list, err := client.ListPipelines(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Pipelines, 1)

	stop, err := client.StopProcessing(ctx, &StopProcessingRequest{JobID: start.JobID})
	require.NoError(t, err)
	assert.True(t, stop.Success)

	stop, err = client.StopProcessing(ctx, &StopProcessingRequest{JobID: "unknown"})
	require.NoError(t, err)
	assert.True(t, stop.Success)

	missing, err := client.GetProcessingStatus(ctx, &GetProcessingStatusRequest{JobID: start.JobID})
	require.NoError(t, err)
	assert.False(t, missing.Success)
	assert.Nil(t, missing.Pipeline)
}

func TestServer_PanicBecomesInternal(t *testing.T) {
	client := newTestClient(t, newFakeController())

	_, err := client.GetProcessingStatus(context.Background(), &GetProcessingStatusRequest{JobID: "panic"})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestServer_SendStreamData(t *testing.T) {
	client := newTestClient(t, newFakeController())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.SendStreamData(ctx)
	require.NoError(t, err)

	inputs := []models.StreamData{
		{JobID: "j", Key: "a", Payload: []byte(`{"v":1}`)},
		{JobID: "j", Key: "b"},
		{JobID: "j", Key: "c", Payload: []byte(`{"v":3}`)},
	}
	for i := range inputs {
		require.NoError(t, stream.Send(&inputs[i]))
	}
	require.NoError(t, stream.CloseSend())

	got := map[string]bool{}
	for {
		r, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got[r.MessageID] = r.Success
	}
	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": true}, got)
}

func TestServer_StreamResults(t *testing.T) {
	ctrl := newFakeController()
	client := newTestClient(t, ctrl)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobID, err := ctrl.Start(ctx, "p1", nil)
	require.NoError(t, err)

	ctrl.results <- models.ProcessingResult{JobID: jobID, Offset: 7, Success: true, Output: []byte(`{"v":1}`)}
	close(ctrl.results)

	stream, err := client.StreamResults(ctx, jobID)
	require.NoError(t, err)

	r, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, int64(7), r.Offset)
	assert.JSONEq(t, `{"v":1}`, string(r.Output))

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_StreamResultsUnknownJob(t *testing.T) {
	client := newTestClient(t, newFakeController())

	stream, err := client.StreamResults(context.Background(), "missing")
	require.NoError(t, err)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCodec(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	b, err := c.Marshal(&StopProcessingRequest{JobID: "j1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(b))

	var out StopProcessingRequest
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, "j1", out.JobID)
}
