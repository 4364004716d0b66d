// Package pipeline schedules extraction jobs and runs each one through
// normalization, quality scoring, deduplication and storage.
//
// A Manager owns every Job it creates and is the only component that
// changes job state. Jobs wait in a FIFO queue and run on a fixed-size
// worker pool; the work inside one job is sequential.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/dedup"
	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/normalize"
	"github.com/sells-group/service-ingest/internal/quality"
	"github.com/sells-group/service-ingest/internal/resilience"
)

var (
	// ErrClosed is returned for work submitted after Cleanup.
	ErrClosed = eris.New("pipeline: manager is shut down")
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = eris.New("pipeline: job not found")
	// ErrNotRetryable is returned when retrying a job that has not failed.
	ErrNotRetryable = eris.New("pipeline: only failed jobs can be retried")
	// ErrNoSink is returned when a job asks to store results and no sink
	// is configured.
	ErrNoSink = eris.New("pipeline: store_results requires a result sink")
)

const (
	shutdownReason  = "pipeline shut down before job started"
	abandonedReason = "pipeline shut down while job ignored cancellation"
)

// cancelGrace bounds how long shutdown waits for running jobs after
// cancelling them.
var cancelGrace = 5 * time.Second

// DefaultConfig returns the scheduling defaults used when no configuration
// is supplied.
func DefaultConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxConcurrentJobs:   3,
		TestLimit:           5,
		TestConcurrency:     4,
		EventBuffer:         64,
		ShutdownTimeoutSecs: 30,
		ExtractTimeoutSecs:  300,
		StoreTimeoutSecs:    60,
	}
}

// Manager is the orchestration root.
type Manager struct {
	reg      *adapter.Registry
	norm     *normalize.Normalizer
	quality  *quality.Engine
	dedup    *dedup.Engine
	sink     Sink
	cfg      config.PipelineConfig
	retry    resilience.RetryConfig
	breakers *resilience.SourceBreakers
	validate *validator.Validate
	bus      *Bus
	stats    *aggregator
	now      func() time.Time

	qualityCfg config.QualityConfig
	dedupCfg   config.DedupConfig

	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	jobs        map[string]*model.Job
	order       []string
	queue       []string
	outstanding int
	changed     chan struct{}
	closed      bool

	cleanupOnce sync.Once
	cleanupErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig applies the pipeline, quality, dedup, retry and circuit
// sections of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(m *Manager) {
		m.cfg = cfg.Pipeline
		m.qualityCfg = cfg.Quality
		m.dedupCfg = cfg.Dedup
		m.retry = resilience.FromRetryConfig(cfg.Retry)
		m.breakers = resilience.NewSourceBreakers(resilience.FromCircuitConfig(cfg.Circuit))
	}
}

// WithSink sets the result sink.
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithQuality overrides the quality engine.
func WithQuality(e *quality.Engine) Option {
	return func(m *Manager) { m.quality = e }
}

// WithDedup overrides the deduplication engine.
func WithDedup(e *dedup.Engine) Option {
	return func(m *Manager) { m.dedup = e }
}

// WithClock overrides the time source for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over reg and starts its dispatcher. The registry
// must not be modified afterwards.
func New(reg *adapter.Registry, opts ...Option) (*Manager, error) {
	if reg == nil {
		return nil, eris.New("pipeline: nil registry")
	}
	m := &Manager{
		reg:        reg,
		norm:       normalize.New(),
		cfg:        DefaultConfig(),
		retry:      resilience.DefaultRetryConfig(),
		qualityCfg: quality.DefaultConfig(),
		dedupCfg:   dedup.DefaultConfig(),
		validate:   validator.New(),
		now:        time.Now,
		bus:        NewBus(),
		stats:      &aggregator{},
		jobs:       make(map[string]*model.Job),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	def := DefaultConfig()
	if m.cfg.MaxConcurrentJobs <= 0 {
		m.cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if m.cfg.TestLimit <= 0 {
		m.cfg.TestLimit = def.TestLimit
	}
	if m.cfg.TestConcurrency <= 0 {
		m.cfg.TestConcurrency = def.TestConcurrency
	}
	if m.cfg.EventBuffer <= 0 {
		m.cfg.EventBuffer = def.EventBuffer
	}
	if m.breakers == nil {
		m.breakers = resilience.NewSourceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if m.quality == nil {
		q, err := quality.New(m.qualityCfg)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: quality config")
		}
		m.quality = q
	}
	if m.dedup == nil {
		d, err := dedup.New(m.dedupCfg)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: dedup config")
		}
		m.dedup = d
	}

	pool, err := ants.NewPool(m.cfg.MaxConcurrentJobs, ants.WithPanicHandler(func(p any) {
		zap.L().Error("pipeline: worker panicked outside a job", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create worker pool")
	}
	m.pool = pool
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.dispatch()
	return m, nil
}

// CreateJob validates spec and queues a pending job. It returns without
// waiting for the job to start.
func (m *Manager) CreateJob(spec model.JobSpec) (string, error) {
	if err := m.validate.Struct(spec); err != nil {
		return "", eris.Wrap(err, "pipeline: invalid job spec")
	}
	if _, err := m.reg.Get(spec.Source); err != nil {
		return "", err
	}
	if spec.StoreResults && m.sink == nil {
		return "", ErrNoSink
	}
	return m.enqueue(spec, "")
}

// Retry queues a new job with the spec of the failed job id.
func (m *Manager) Retry(id string) (string, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return "", eris.Wrapf(ErrJobNotFound, "%s", id)
	}
	if job.State != model.JobFailed {
		state := job.State
		m.mu.Unlock()
		return "", eris.Wrapf(ErrNotRetryable, "job %s is %s", id, state)
	}
	spec := job.Snapshot().Spec
	m.mu.Unlock()

	if _, err := m.reg.Get(spec.Source); err != nil {
		return "", err
	}
	return m.enqueue(spec, id)
}

func (m *Manager) enqueue(spec model.JobSpec, retryOf string) (string, error) {
	draft := model.Job{
		ID:        uuid.NewString(),
		Spec:      spec,
		State:     model.JobPending,
		RetryOf:   retryOf,
		CreatedAt: m.now().UTC(),
	}
	job := draft.Snapshot()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.jobs[job.ID] = &job
	m.order = append(m.order, job.ID)
	m.queue = append(m.queue, job.ID)
	m.outstanding++
	m.stats.jobCreated()
	snap := job.Snapshot()
	m.bus.Publish(Event{Type: EventJobCreated, Job: &snap, At: job.CreatedAt})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	zap.L().Info("pipeline: job created",
		zap.String("job_id", job.ID),
		zap.String("source", spec.Source),
		zap.String("retry_of", retryOf),
	)
	return job.ID, nil
}

// dispatch feeds queued jobs to the pool in creation order. Submit blocks
// while every worker is busy, so jobs beyond the pool size wait here.
func (m *Manager) dispatch() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}
		for {
			id, ok := m.dequeue()
			if !ok {
				break
			}
			if err := m.pool.Submit(func() { m.run(id) }); err != nil {
				m.finish(id, nil, eris.Wrap(err, "pipeline: submit job"))
			}
		}
	}
}

func (m *Manager) dequeue() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.queue) == 0 {
		return "", false
	}
	id := m.queue[0]
	m.queue = m.queue[1:]
	return id, true
}

func (m *Manager) run(id string) {
	job, ok := m.start(id)
	if !ok {
		return
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("job_id", id),
		zap.String("source", job.Spec.Source),
	)
	log.Info("pipeline: job started")

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: job panicked", zap.Any("panic", r), zap.Stack("stack"))
			m.finish(id, nil, eris.Errorf("pipeline: job panicked: %v", r))
		}
	}()
	res, err := m.execute(m.ctx, job, log)
	m.finish(id, res, err)
}

// start moves a pending job to running. A job reaching a worker after
// shutdown began is failed instead.
func (m *Manager) start(id string) (model.Job, bool) {
	m.mu.Lock()
	job := m.jobs[id]
	if m.closed {
		m.transitionLocked(job, model.JobFailed, func(j *model.Job) {
			j.Error = shutdownReason
			j.ErrorKind = resilience.KindCancelled
		})
		snap := job.Snapshot()
		m.mu.Unlock()
		m.recordJob(snap)
		return snap, false
	}
	m.transitionLocked(job, model.JobRunning, nil)
	snap := job.Snapshot()
	m.mu.Unlock()
	return snap, true
}

// finish moves a job to its terminal state.
func (m *Manager) finish(id string, res *model.JobResult, err error) {
	m.mu.Lock()
	job := m.jobs[id]
	if job.State.Terminal() {
		// Abandoned by shutdown after the cancel grace period.
		m.mu.Unlock()
		return
	}
	next := model.JobCompleted
	if err != nil {
		next = model.JobFailed
	}
	ok := m.transitionLocked(job, next, func(j *model.Job) {
		j.Result = res
		if err != nil {
			j.Error = err.Error()
			j.ErrorKind = resilience.ClassifyError(err)
		}
	})
	snap := job.Snapshot()
	m.mu.Unlock()
	if !ok {
		return
	}

	log := zap.L().With(zap.String("job_id", id), zap.String("source", snap.Spec.Source))
	if err != nil {
		log.Error("pipeline: job failed", zap.String("error_kind", snap.ErrorKind), zap.Error(err))
	} else {
		log.Info("pipeline: job completed",
			zap.Int("processed", res.ServicesProcessed),
			zap.Int("stored", res.ServicesStored),
			zap.Duration("elapsed", res.ProcessingTime),
		)
	}
	m.recordJob(snap)
}

// transitionLocked applies a state change, publishes its event and, for
// terminal states, updates statistics and the outstanding count. The
// caller holds m.mu, which keeps the event stream in transition order.
func (m *Manager) transitionLocked(job *model.Job, next model.JobState, apply func(*model.Job)) bool {
	if !job.State.CanTransition(next) {
		zap.L().Error("pipeline: illegal job transition",
			zap.String("job_id", job.ID),
			zap.String("from", string(job.State)),
			zap.String("to", string(next)),
		)
		return false
	}
	if apply != nil {
		apply(job)
	}

	now := m.now().UTC()
	job.State = next
	var typ EventType
	switch next {
	case model.JobRunning:
		job.StartedAt = &now
		typ = EventJobStarted
	case model.JobCompleted:
		job.FinishedAt = &now
		typ = EventJobCompleted
	case model.JobFailed:
		job.FinishedAt = &now
		typ = EventJobFailed
	}
	snap := job.Snapshot()
	m.bus.Publish(Event{Type: typ, Job: &snap, At: now})

	if next.Terminal() {
		m.stats.record(snap)
		m.outstanding--
		close(m.changed)
		m.changed = make(chan struct{})
		if m.outstanding == 0 {
			m.bus.Publish(Event{Type: EventQueueCompleted, At: now})
		}
	}
	return true
}

// recordJob saves a terminal job when the sink keeps job history.
func (m *Manager) recordJob(job model.Job) {
	rec, ok := m.sink.(JobRecorder)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout())
	defer cancel()
	if err := rec.SaveJob(ctx, job); err != nil {
		zap.L().Warn("pipeline: save job history", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) storeTimeout() time.Duration {
	if m.cfg.StoreTimeoutSecs > 0 {
		return time.Duration(m.cfg.StoreTimeoutSecs) * time.Second
	}
	return time.Minute
}

// GetJob returns a snapshot of the job with the given id.
func (m *Manager) GetJob(id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.Job{}, eris.Wrapf(ErrJobNotFound, "%s", id)
	}
	return job.Snapshot(), nil
}

// AllJobs returns snapshots of every job in creation order.
func (m *Manager) AllJobs() []model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.jobs[id].Snapshot())
	}
	return out
}

// Subscribe returns a channel of lifecycle events and a function that
// unsubscribes. buffer <= 0 uses the configured event buffer.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = m.cfg.EventBuffer
	}
	return m.bus.Subscribe(buffer)
}

// Stats returns the run-wide counters.
func (m *Manager) Stats() Stats {
	s := m.stats.snapshot()
	s.EventsDropped = m.bus.Dropped()
	return s
}

// Breakers reports the circuit state of every source called so far.
func (m *Manager) Breakers() []resilience.BreakerStatus {
	return m.breakers.Snapshot()
}

// Sources lists the registered adapters.
func (m *Manager) Sources() []adapter.Info {
	return m.reg.Describe()
}

// Wait blocks until no job is pending or running, or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.outstanding == 0 {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cleanup shuts the manager down. Queued jobs fail with a shutdown reason;
// running jobs finish, or are cancelled when ctx expires first. It then
// releases the worker pool, closes adapters that hold resources and closes
// subscriber channels. Only the first call does any work.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.cleanupOnce.Do(func() {
		m.cleanupErr = m.shutdown(ctx)
	})
	return m.cleanupErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "pipeline"))

	m.mu.Lock()
	m.closed = true
	queued := m.queue
	m.queue = nil
	failed := make([]model.Job, 0, len(queued))
	for _, id := range queued {
		job := m.jobs[id]
		m.transitionLocked(job, model.JobFailed, func(j *model.Job) {
			j.Error = shutdownReason
			j.ErrorKind = resilience.KindCancelled
		})
		failed = append(failed, job.Snapshot())
	}
	m.mu.Unlock()
	close(m.stop)

	for _, j := range failed {
		m.recordJob(j)
	}
	log.Info("pipeline: shutting down", zap.Int("queued_failed", len(failed)))

	if err := m.Wait(ctx); err != nil {
		log.Warn("pipeline: shutdown deadline reached, cancelling running jobs", zap.Error(err))
		m.cancel()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), cancelGrace)
		err := m.Wait(graceCtx)
		graceCancel()
		if err != nil {
			abandoned := m.abandonRunning()
			log.Error("pipeline: running jobs ignored cancellation", zap.Int("abandoned", len(abandoned)))
			for _, j := range abandoned {
				m.recordJob(j)
			}
		}
	}
	m.cancel()
	<-m.done
	m.pool.Release()

	err := m.reg.Close()
	m.bus.Close()
	if err != nil {
		return eris.Wrap(err, "pipeline: close adapters")
	}
	return nil
}

// abandonRunning fails every job still running so shutdown can complete.
// The workers, if they ever return, find their job terminal and drop the
// result.
func (m *Manager) abandonRunning() []model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, id := range m.order {
		job := m.jobs[id]
		if job.State != model.JobRunning {
			continue
		}
		m.transitionLocked(job, model.JobFailed, func(j *model.Job) {
			j.Error = abandonedReason
			j.ErrorKind = resilience.KindCancelled
		})
		out = append(out, job.Snapshot())
	}
	return out
}
