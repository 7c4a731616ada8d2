// Package jobs implements the JobManager (C8): a durable async layer that
// submits a request to the Coordinator, tracks its progress, and retains
// the terminal result for a bounded window.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soumantrivedi/ideaforge/types"
	"go.uber.org/zap"
)

// Runner is the thing a Job drives — satisfied by orchestrator.Coordinator.
// Kept as a small interface here (rather than importing orchestrator
// directly) so jobs has no dependency on the rest of the orchestration
// stack beyond the shared types package.
type Runner interface {
	Run(ctx context.Context, reqCtx types.RequestContext, onProgress func(float64)) (string, error)
}

// Config configures retry, retention and GC behaviour.
type Config struct {
	MaxRetries      int
	RetentionWindow time.Duration
	GCInterval      time.Duration
}

// DefaultConfig matches the §4.8/§4.8-retention defaults: retry once,
// retain terminal jobs for 24 hours.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      1,
		RetentionWindow: 24 * time.Hour,
		GCInterval:      10 * time.Minute,
	}
}

// entry pairs a Job with the per-job exclusive lock guarding its mutation.
// JobManager is the sole writer to a job's fields after submission; the
// lock exists to serialise concurrent Status/Result readers against the
// worker goroutine's writes, matching §5's "per-JobId exclusive lock".
type entry struct {
	mu  sync.Mutex
	job types.Job
}

// Manager is the C8 component.
type Manager struct {
	runner Runner
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*entry

	stopGC chan struct{}
}

// NewManager builds a Manager and starts its background retention sweep.
func NewManager(runner Runner, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 24 * time.Hour
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}

	m := &Manager{
		runner: runner,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "job_manager")),
		jobs:   make(map[string]*entry),
		stopGC: make(chan struct{}),
	}

	go m.gcLoop()

	return m
}

// Submit persists a Pending job and schedules it for processing,
// returning the JobId immediately.
func (m *Manager) Submit(ctx context.Context, reqCtx types.RequestContext) string {
	now := time.Now()
	jobID := fmt.Sprintf("job_%d", now.UnixNano())

	e := &entry{job: types.Job{
		JobID:       jobID,
		Status:      types.JobPending,
		SubmittedAt: now,
		UpdatedAt:   now,
		Request:     reqCtx,
	}}

	m.mu.Lock()
	m.jobs[jobID] = e
	m.mu.Unlock()

	go m.process(ctx, e)

	m.logger.Info("job submitted", zap.String("job_id", jobID))
	return jobID
}

// process drives the job through Processing to a terminal state. A failed
// attempt, whether the runner returns an error or panics, is retried up to
// cfg.MaxRetries times (once with DefaultConfig).
func (m *Manager) process(ctx context.Context, e *entry) {
	e.mu.Lock()
	e.job.Status = types.JobProcessing
	e.job.UpdatedAt = time.Now()
	jobID := e.job.JobID
	e.mu.Unlock()

	onProgress := func(p float64) {
		e.mu.Lock()
		e.job.Progress = p
		e.job.UpdatedAt = time.Now()
		e.mu.Unlock()
	}

	var result string
	var runErr error

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		result, runErr = m.runOnce(ctx, e.job.Request, onProgress)
		if runErr == nil {
			break
		}
		m.logger.Warn("job run failed, retrying",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt),
			zap.Error(runErr),
		)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.UpdatedAt = time.Now()
	if runErr != nil {
		e.job.Status = types.JobFailed
		e.job.Error = toTypesError(runErr)
		m.logger.Error("job failed", zap.String("job_id", jobID), zap.Error(runErr))
		return
	}
	e.job.Status = types.JobCompleted
	e.job.Progress = 1.0
	e.job.Result = result
	m.logger.Info("job completed", zap.String("job_id", jobID))
}

// runOnce isolates one attempt behind a recover so a panic inside the
// runner (a coordinator crash mid-run, in spec terms) is treated as a
// transient failure eligible for the single retry rather than taking the
// whole process down.
func (m *Manager) runOnce(ctx context.Context, reqCtx types.RequestContext, onProgress func(float64)) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job runner panicked: %v", r)
		}
	}()
	return m.runner.Run(ctx, reqCtx, onProgress)
}

func toTypesError(err error) *types.Error {
	if te, ok := err.(*types.Error); ok {
		return te
	}
	return types.NewError(types.ErrInternalError, err.Error())
}

// Status returns the current snapshot of a job.
func (m *Manager) Status(jobID string) (types.Job, bool) {
	m.mu.RLock()
	e, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return types.Job{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, true
}

// Result returns the terminal job, or ok=false if it has not reached a
// terminal state yet (or does not exist).
func (m *Manager) Result(jobID string) (types.Job, bool) {
	job, ok := m.Status(jobID)
	if !ok || !job.Status.Terminal() {
		return types.Job{}, false
	}
	return job, true
}

// Close stops the background retention sweep.
func (m *Manager) Close() {
	close(m.stopGC)
}

func (m *Manager) gcLoop() {
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopGC:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.RetentionWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.jobs {
		e.mu.Lock()
		expired := e.job.Status.Terminal() && e.job.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(m.jobs, id)
		}
	}
}
