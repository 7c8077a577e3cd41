package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/internal/config"
	"go-stream-processor/internal/observability"
	"go-stream-processor/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrPipelineExists is returned when starting a pipeline id that is already
// running.
var ErrPipelineExists = errors.New("pipeline already running")

type entry struct {
	pipeline   *Pipeline
	pipelineID string
	status     models.PipelineStatus
	config     map[string]string
	startTime  time.Time
	lastUpdate time.Time
	err        string
}

// Controller owns the registry of pipelines. Lifecycle changes are
// serialised by one lock; data-plane work never runs under it.
type Controller struct {
	base   *config.Config
	deps   Deps
	logger *logrus.Entry

	mu     sync.Mutex
	jobs   map[string]*entry
	byName map[string]string
}

func NewController(base *config.Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInMemoryMetrics()
	}
	return &Controller{
		base:   base,
		deps:   deps,
		logger: observability.Component("controller"),
		jobs:   make(map[string]*entry),
		byName: make(map[string]string),
	}
}

func (c *Controller) touch(e *entry) {
	if now := c.deps.Clock.Now(); now.After(e.lastUpdate) {
		e.lastUpdate = now
	}
}

// Start creates and runs a pipeline named pipelineID with overrides applied
// to the process configuration. It is rejected if pipelineID is already
// starting or running.
func (c *Controller) Start(ctx context.Context, pipelineID string, overrides map[string]string) (string, error) {
	if pipelineID == "" {
		return "", &apperr.LifecycleError{Reason: "pipeline id cannot be empty"}
	}

	cfg, err := c.base.WithOverrides(overrides)
	if err != nil {
		return "", &apperr.LifecycleError{Reason: fmt.Sprintf("invalid config: %v", err)}
	}

	c.mu.Lock()
	if jobID, ok := c.byName[pipelineID]; ok {
		if e := c.jobs[jobID]; e != nil && !e.status.Terminal() {
			c.mu.Unlock()
			return "", &apperr.LifecycleError{JobID: jobID, Reason: fmt.Sprintf("%s: %v", pipelineID, ErrPipelineExists)}
		}
	}

	jobID := uuid.NewString()
	p, err := newPipeline(jobID, pipelineID, cfg, c.deps, func(err error) { c.fail(jobID, err) })
	if err != nil {
		c.mu.Unlock()
		return "", &apperr.LifecycleError{Reason: err.Error()}
	}

	now := c.deps.Clock.Now()
	e := &entry{
		pipeline:   p,
		pipelineID: pipelineID,
		status:     models.StatusStarting,
		config:     cfg.Snapshot(),
		startTime:  now,
		lastUpdate: now,
	}
	if old, ok := c.byName[pipelineID]; ok {
		delete(c.jobs, old)
	}
	c.jobs[jobID] = e
	c.byName[pipelineID] = jobID
	c.mu.Unlock()

	startErr := p.start()

	c.mu.Lock()
	defer c.mu.Unlock()
	if startErr != nil {
		e.status = models.StatusFailed
		e.err = startErr.Error()
		c.touch(e)
		delete(c.jobs, jobID)
		delete(c.byName, pipelineID)
		go p.stop(context.Background()) //nolint:errcheck
		c.logger.WithError(startErr).WithField("pipeline_id", pipelineID).Error("pipeline failed to start")
		return "", fmt.Errorf("start %s: %w", pipelineID, startErr)
	}
	if e.status != models.StatusStarting {
		// stopped or failed while starting
		return "", &apperr.LifecycleError{JobID: jobID, Reason: fmt.Sprintf("pipeline is %s", e.status)}
	}
	e.status = models.StatusRunning
	c.touch(e)
	c.logger.WithFields(logrus.Fields{"job_id": jobID, "pipeline_id": pipelineID}).Info("pipeline running")
	return jobID, nil
}

// fail marks a job Failed and releases its resources in the background.
func (c *Controller) fail(jobID string, err error) {
	c.mu.Lock()
	e, ok := c.jobs[jobID]
	if !ok || e.status.Terminal() || e.status == models.StatusStopping {
		c.mu.Unlock()
		return
	}
	e.status = models.StatusFailed
	e.err = err.Error()
	c.touch(e)
	p := e.pipeline
	c.mu.Unlock()

	c.logger.WithError(err).WithField("job_id", jobID).Error("pipeline failed")
	go p.stop(context.Background()) //nolint:errcheck
}

// Stop drains and removes a job. Stopping an unknown or already stopped job
// succeeds without doing anything.
func (c *Controller) Stop(ctx context.Context, jobID string) error {
	c.mu.Lock()
	e, ok := c.jobs[jobID]
	if !ok || e.status == models.StatusStopping || e.status == models.StatusStopped {
		c.mu.Unlock()
		return nil
	}
	failed := e.status == models.StatusFailed
	if !failed {
		e.status = models.StatusStopping
		c.touch(e)
	}
	p := e.pipeline
	c.mu.Unlock()

	stopErr := p.stop(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !failed {
		e.status = models.StatusStopped
		c.touch(e)
	}
	delete(c.jobs, jobID)
	if c.byName[e.pipelineID] == jobID {
		delete(c.byName, e.pipelineID)
	}
	if stopErr != nil {
		c.logger.WithError(stopErr).WithField("job_id", jobID).Warn("pipeline stopped before draining")
	}
	return nil
}

func (c *Controller) snapshot(jobID string, e *entry) models.PipelineSnapshot {
	cfg := make(map[string]string, len(e.config))
	for k, v := range e.config {
		cfg[k] = v
	}
	return models.PipelineSnapshot{
		JobID:      jobID,
		PipelineID: e.pipelineID,
		Status:     e.status,
		Config:     cfg,
		Metrics:    e.pipeline.Summary(),
		StartTime:  e.startTime,
		LastUpdate: e.lastUpdate,
		Error:      e.err,
	}
}

// Status returns a consistent snapshot of one job.
func (c *Controller) Status(jobID string) (models.PipelineSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.jobs[jobID]
	if !ok {
		return models.PipelineSnapshot{}, &apperr.LifecycleError{JobID: jobID, Reason: "pipeline not found"}
	}
	// metrics in the snapshot are live, so the snapshot time moves too
	c.touch(e)
	return c.snapshot(jobID, e), nil
}

// List returns snapshots of every registered job, oldest first.
func (c *Controller) List() []models.PipelineSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.PipelineSnapshot, 0, len(c.jobs))
	for id, e := range c.jobs {
		out = append(out, c.snapshot(id, e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

func (c *Controller) running(jobID string) (*Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.jobs[jobID]
	if !ok {
		return nil, &apperr.LifecycleError{JobID: jobID, Reason: "pipeline not found"}
	}
	if e.status != models.StatusRunning {
		return nil, &apperr.LifecycleError{JobID: jobID, Reason: fmt.Sprintf("pipeline is %s", e.status)}
	}
	return e.pipeline, nil
}

// StreamResults subscribes to a running job's processing results. The
// channel closes when ctx ends or the job stops.
func (c *Controller) StreamResults(ctx context.Context, jobID string) (<-chan models.ProcessingResult, error) {
	p, err := c.running(jobID)
	if err != nil {
		return nil, err
	}

	ch, cancel := p.results.subscribe(c.base.RPC.StreamBuffer)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, nil
}

// Shutdown stops every job concurrently, so each gets the whole of ctx to
// drain.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.Stop(ctx, id); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return errs
}
