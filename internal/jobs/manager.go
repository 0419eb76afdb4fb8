// Package jobs runs enhancement requests in the background: fetch, validate, enhance, and reports
// their status and progress to subscribers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"mediaenhancer/internal/fetch"
	"mediaenhancer/internal/frames"
	"mediaenhancer/internal/log"
	"mediaenhancer/internal/metrics"
	"mediaenhancer/internal/pipeline"
	"mediaenhancer/internal/progress"
	"mediaenhancer/internal/validation"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrFinished is returned when cancelling a job that already reached a terminal status.
	ErrFinished = errors.New("job already finished")
	// ErrShuttingDown is returned by Submit once Shutdown has started.
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// Runner executes one media job; *pipeline.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, job pipeline.MediaJob) (pipeline.Result, error)
}

// Config bounds the manager.
type Config struct {
	ProcessedDir      string
	MaxConcurrentJobs int
	EventHistory      int
	MaxFileSize       int64
}

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	ID         string           `json:"id"`
	Locator    string           `json:"locator"`
	Status     Status           `json:"status"`
	SourcePath string           `json:"sourcePath,omitempty"`
	Result     *pipeline.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"errorKind,omitempty"`
	ErrorStage string           `json:"errorStage,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Job is a submitted request. Its methods are safe for concurrent use.
type Job struct {
	id      string
	locator string
	events  *EventBus
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.RWMutex
	status     Status
	sourcePath string
	result     pipeline.Result
	err        error
	createdAt  time.Time
	updatedAt  time.Time
}

func (j *Job) ID() string { return j.id }

// Events returns the job's event bus.
func (j *Job) Events() *EventBus { return j.events }

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx ends and returns the job's outcome.
func (j *Job) Wait(ctx context.Context) (pipeline.Result, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return pipeline.Result{}, ctx.Err()
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result, j.err
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Snapshot{
		ID:         j.id,
		Locator:    j.locator,
		Status:     j.status,
		SourcePath: j.sourcePath,
		CreatedAt:  j.createdAt,
		UpdatedAt:  j.updatedAt,
	}
	if j.status == StatusDone {
		res := j.result
		s.Result = &res
	}
	if j.err != nil {
		s.Error = j.err.Error()
		s.ErrorKind = pipeline.Kind(j.err)
		s.ErrorStage = string(pipeline.StageOf(j.err))
	}
	return s
}

// transition validates and applies a status change and publishes it.
func (j *Job) transition(to Status) error {
	j.mu.Lock()
	from := j.status
	if !isValidTransition(from, to) {
		j.mu.Unlock()
		return fmt.Errorf("invalid transition: %s -> %s", from, to)
	}
	j.status = to
	j.updatedAt = time.Now().UTC()
	j.mu.Unlock()

	j.events.Publish(Event{JobID: j.id, Type: EventTypeStatus, Status: to})
	return nil
}

func (j *Job) setSource(path string) {
	j.mu.Lock()
	j.sourcePath = path
	j.mu.Unlock()
}

// Manager owns every submitted job.
type Manager struct {
	cfg     Config
	fetcher fetch.Fetcher
	runner  Runner
	logger  zerolog.Logger
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	closed bool
}

// NewManager creates a manager. Jobs run until they finish, are cancelled or Shutdown is called.
func NewManager(cfg Config, fetcher fetch.Fetcher, runner Runner) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		runner:  runner,
		logger:  log.WithComponent("jobs"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
	}
}

// Submit queues a job for locator and starts it in the background.
func (m *Manager) Submit(locator string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now().UTC()
	job := &Job{
		id:        uuid.NewString(),
		locator:   locator,
		events:    NewEventBus(m.cfg.EventHistory),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusQueued,
		createdAt: now,
		updatedAt: now,
	}
	m.jobs[job.id] = job
	m.order = append(m.order, job.id)
	job.events.Publish(Event{JobID: job.id, Type: EventTypeStatus, Status: StatusQueued})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, job)
	}()
	return job, nil
}

// Get returns the job with id.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// List returns snapshots of every job in submission order.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.jobs[id])
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

// Cancel requests cancellation of a running or queued job. The job reaches StatusCancelled once
// its stages have stopped and cleaned up.
func (m *Manager) Cancel(id string) error {
	job, err := m.Get(id)
	if err != nil {
		return err
	}
	if job.Snapshot().Status.Terminal() {
		return ErrFinished
	}
	job.cancel()
	return nil
}

// Shutdown stops accepting jobs, cancels the running ones and waits for them to finish or ctx to
// end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, job *Job) {
	ctx = log.ContextWithJobID(ctx, job.id)
	logger := log.WithContext(ctx, m.logger)
	defer close(job.done)
	defer job.events.Close()

	res, err := m.execute(ctx, job)
	if err != nil {
		m.finishWithError(ctx, logger, job, err)
		return
	}

	job.mu.Lock()
	job.result = res
	job.mu.Unlock()
	if terr := job.transition(StatusDone); terr != nil {
		logger.Error().Err(terr).Msg("finish job")
	}
	job.events.Publish(Event{JobID: job.id, Type: EventTypeResult, Result: &res})
	logger.Info().
		Str(log.FieldEvent, "job.done").
		Str("video_output", res.VideoOutputPath).
		Str("audio_output", res.AudioOutputPath).
		Msg("job finished")
}

func (m *Manager) execute(ctx context.Context, job *Job) (pipeline.Result, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return pipeline.Result{}, &pipeline.PipelineError{Stage: pipeline.StagePipeline, Err: err}
	}
	defer m.sem.Release(1)
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	obs := progress.ObserverFunc(func(e progress.Event) {
		e.JobID = job.id
		job.events.Publish(Event{JobID: job.id, Type: EventTypeProgress, Progress: &e})
	})

	if err := job.transition(StatusDownloading); err != nil {
		return pipeline.Result{}, err
	}
	source, err := m.fetcher.Fetch(ctx, job.locator, obs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.Result{}, &pipeline.PipelineError{Stage: pipeline.StagePipeline, Err: ctxErr}
		}
		return pipeline.Result{}, &pipeline.PipelineError{Stage: pipeline.StageFetch, Err: err}
	}
	job.setSource(source)

	source, err = validation.ValidateSourcePath(source, m.cfg.MaxFileSize)
	if err != nil {
		return pipeline.Result{}, &pipeline.PipelineError{
			Stage: pipeline.StageFetch,
			Err:   &frames.UnreadableMediaError{Path: source, Err: err},
		}
	}

	if err := job.transition(StatusEnhancing); err != nil {
		return pipeline.Result{}, err
	}
	videoOut, audioOut := validation.OutputPaths(m.cfg.ProcessedDir, source, job.id)
	return m.runner.Run(progress.WithObserver(ctx, obs), pipeline.MediaJob{
		ID:              job.id,
		SourcePath:      source,
		VideoOutputPath: videoOut,
		AudioOutputPath: audioOut,
	})
}

func (m *Manager) finishWithError(ctx context.Context, logger zerolog.Logger, job *Job, err error) {
	status := StatusFailed
	if ctx.Err() != nil && pipeline.Kind(err) == pipeline.KindCancelled {
		status = StatusCancelled
	}

	job.mu.Lock()
	job.err = err
	job.mu.Unlock()
	if terr := job.transition(status); terr != nil {
		logger.Error().Err(terr).Msg("finish job")
	}

	kind := pipeline.Kind(err)
	stage := string(pipeline.StageOf(err))
	job.events.Publish(Event{JobID: job.id, Type: EventTypeError, Message: err.Error(), Kind: kind, Stage: stage})

	ev := logger.Warn()
	if status == StatusFailed {
		ev = logger.Error()
	}
	ev.Err(err).
		Str(log.FieldEvent, "job."+string(status)).
		Str(log.FieldStage, stage).
		Str("kind", kind).
		Msg("job did not complete")
}
