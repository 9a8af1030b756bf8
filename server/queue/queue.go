// Package queue owns the in-memory collection of jobs, orders pending work by
// priority and age, enforces a global concurrency ceiling and drives
// execution through the retry executor.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/reclaimhq/reclaim/server/config"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/reclaimhq/reclaim/server/retry"
)

// HealthReporter receives per-integration call outcomes. Implemented by the
// health tracker.
type HealthReporter interface {
	ReportFailure(ctx context.Context, intg reclaim.Integration, err error)
	ReportSuccess(ctx context.Context, intg reclaim.Integration)
}

// Queue schedules and executes jobs targeting external integrations. All job
// state lives in process memory and does not survive a restart; execution is
// at-least-once attempted up to each job's retry ceiling.
type Queue struct {
	cfg      config.QueueConfig
	logger   kitlog.Logger
	clock    clock.Clock
	executor *retry.Executor
	reporter HealthReporter
	metrics  *Metrics

	mu       sync.Mutex
	jobs     map[string]*reclaim.QueuedJob
	active   map[string]context.CancelFunc
	registry map[string]reclaim.JobProcessor
	sink     escalationSink
	handlers []EventHandler

	wg sync.WaitGroup
}

func New(cfg config.QueueConfig, executor *retry.Executor, reporter HealthReporter, logger kitlog.Logger, clk clock.Clock) *Queue {
	return &Queue{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		executor: executor,
		reporter: reporter,
		jobs:     make(map[string]*reclaim.QueuedJob),
		active:   make(map[string]context.CancelFunc),
		registry: make(map[string]reclaim.JobProcessor),
		sink:     newEscalationSink(),
		handlers: []EventHandler{LogEventHandler{Logger: logger}},
	}
}

// Register adds processors to the registry, one per job type. Call once at
// startup, before Start.
func (q *Queue) Register(processors ...reclaim.JobProcessor) {
	for _, p := range processors {
		name := p.Name()
		if _, ok := q.registry[name]; ok {
			panic(fmt.Sprintf("processor %s already registered", name))
		}
		q.registry[name] = p
	}
}

// AddEventHandler registers an additional lifecycle event observer. Call
// before Start.
func (q *Queue) AddEventHandler(h EventHandler) {
	q.handlers = append(q.handlers, h)
}

// SetMetrics attaches Prometheus collectors. Call before Start.
func (q *Queue) SetMetrics(m *Metrics) {
	q.metrics = m
}

// AddJob validates the definition and stores a new pending job. The external
// integration is not called until the scheduling tick dispatches the job.
func (q *Queue) AddJob(ctx context.Context, def reclaim.JobDefinition) (*reclaim.QueuedJob, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = q.clock.Now()
	}
	if def.Retry == (reclaim.RetryConfig{}) {
		def.Retry = reclaim.DefaultRetryConfig()
	}
	if err := validateDefinition(&def); err != nil {
		return nil, err
	}

	job := &reclaim.QueuedJob{
		JobDefinition: def,
		Status:        reclaim.JobStatusPending,
	}

	q.mu.Lock()
	if _, ok := q.jobs[def.ID]; ok {
		q.mu.Unlock()
		return nil, &reclaim.ConflictError{Message: fmt.Sprintf("job %s already exists", def.ID)}
	}
	q.jobs[def.ID] = job
	snap := snapshot(job)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.JobsEnqueued.Inc()
	}
	q.emit(ctx, Event{
		Kind:        EventJobAdded,
		JobID:       def.ID,
		Type:        def.Type,
		Integration: def.Integration,
		Priority:    def.Priority,
		At:          q.clock.Now(),
	})
	return snap, nil
}

func validateDefinition(def *reclaim.JobDefinition) error {
	invalid := &reclaim.InvalidArgumentError{}
	if def.Type == "" {
		invalid.Append("type", "must not be empty")
	}
	if !def.Priority.Valid() {
		invalid.Append("priority", "must be one of low, normal, high, critical")
	}
	if !def.Integration.Valid() {
		invalid.Appendf("integration", "unknown integration %q", def.Integration)
	}
	if err := def.Retry.Validate(); err != nil {
		if ve, ok := err.(*reclaim.InvalidArgumentError); ok {
			invalid.Errors = append(invalid.Errors, ve.Errors...)
		} else {
			return err
		}
	}
	if invalid.HasErrors() {
		return invalid
	}
	return nil
}

// GetJob returns a snapshot of the job with the given id.
func (q *Queue) GetJob(ctx context.Context, id string) (*reclaim.QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, &reclaim.NotFoundError{Kind: "job", ID: id}
	}
	return snapshot(job), nil
}

// GetJobsByStatus returns snapshots of every job in the given status, oldest
// first.
func (q *Queue) GetJobsByStatus(ctx context.Context, status reclaim.JobStatus) []*reclaim.QueuedJob {
	return q.filterJobs(func(j *reclaim.QueuedJob) bool { return j.Status == status })
}

// GetJobsByIntegration returns snapshots of every job targeting the given
// integration, oldest first.
func (q *Queue) GetJobsByIntegration(ctx context.Context, intg reclaim.Integration) []*reclaim.QueuedJob {
	return q.filterJobs(func(j *reclaim.QueuedJob) bool { return j.Integration == intg })
}

func (q *Queue) filterJobs(keep func(*reclaim.QueuedJob) bool) []*reclaim.QueuedJob {
	q.mu.Lock()
	var out []*reclaim.QueuedJob
	for _, job := range q.jobs {
		if keep(job) {
			out = append(out, snapshot(job))
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CancelJob cancels the job with the given id. An in-flight run is signalled
// to stop; a pending retry wait never executes. Returns false without
// mutation when the job is missing or already terminal, making repeated calls
// idempotent.
func (q *Queue) CancelJob(ctx context.Context, id, reason string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.IsTerminal() {
		q.mu.Unlock()
		return false
	}

	if cancel, running := q.active[id]; running {
		cancel()
		delete(q.active, id)
	}

	now := q.clock.Now()
	job.Status = reclaim.JobStatusCancelled
	job.CompletedAt = &now
	job.NextRetryAt = nil
	q.sink.close(id, reclaim.ResolutionCancel, now)
	if reason != "" {
		if job.Metadata == nil {
			job.Metadata = make(map[string]string)
		}
		job.Metadata["cancel_reason"] = reason
	}
	ev := Event{
		Kind:        EventJobCancelled,
		JobID:       id,
		Type:        job.Type,
		Integration: job.Integration,
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		At:          now,
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.JobsProcessed.WithLabelValues(reclaim.JobStatusCancelled.String()).Inc()
	}
	q.emit(ctx, ev)
	return true
}

// RetryJob re-admits a failed or escalated job to the pending pool, clearing
// its error state and attempt count. Returns false without mutation from any
// other status.
func (q *Queue) RetryJob(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	if job.Status != reclaim.JobStatusFailed && job.Status != reclaim.JobStatusManualIntervention {
		return false
	}
	q.sink.close(id, reclaim.ResolutionRetry, q.clock.Now())
	q.resetToPendingLocked(job)
	level.Info(q.logger).Log("msg", "job re-queued for retry", "job_id", id)
	return true
}

func (q *Queue) resetToPendingLocked(job *reclaim.QueuedJob) {
	job.Status = reclaim.JobStatusPending
	job.Attempts = 0
	job.LastError = nil
	job.NextRetryAt = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Result = nil
}

// MarkForManualIntervention transitions a non-terminal job to the manual
// intervention state and records the reason. Used internally after retry
// exhaustion for high and critical priorities, and callable by operators.
func (q *Queue) MarkForManualIntervention(ctx context.Context, id, reason string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.IsTerminal() {
		q.mu.Unlock()
		return false
	}

	if cancel, running := q.active[id]; running {
		cancel()
		delete(q.active, id)
	}

	job.Status = reclaim.JobStatusManualIntervention
	job.NextRetryAt = nil
	q.sink.create(id, reason, q.clock.Now())
	ev := Event{
		Kind:        EventJobEscalated,
		JobID:       id,
		Type:        job.Type,
		Integration: job.Integration,
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		Error:       reason,
		At:          q.clock.Now(),
	}
	q.mu.Unlock()

	q.emit(ctx, ev)
	return true
}

// Stats aggregates the in-memory store: counts per status, the number of
// executing jobs, average processing time over completed jobs and the count
// completed in the trailing hour. No side effects.
func (q *Queue) Stats(ctx context.Context) reclaim.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := reclaim.QueueStats{
		Counts: map[string]int{
			reclaim.JobStatusPending.String():            0,
			reclaim.JobStatusProcessing.String():         0,
			reclaim.JobStatusCompleted.String():          0,
			reclaim.JobStatusFailed.String():             0,
			reclaim.JobStatusCancelled.String():          0,
			reclaim.JobStatusManualIntervention.String(): 0,
		},
		Active: len(q.active),
	}

	now := q.clock.Now()
	var totalProcessing time.Duration
	var completed int
	for _, job := range q.jobs {
		stats.Counts[job.Status.String()]++
		if job.Status != reclaim.JobStatusCompleted {
			continue
		}
		completed++
		if job.StartedAt != nil && job.CompletedAt != nil {
			totalProcessing += job.CompletedAt.Sub(*job.StartedAt)
		}
		if job.CompletedAt != nil && now.Sub(*job.CompletedAt) <= time.Hour {
			stats.ThroughputLastHr++
		}
	}
	if completed > 0 {
		stats.AvgProcessingTime = totalProcessing / time.Duration(completed)
	}
	return stats
}

// CleanupOldJobs deletes terminal jobs (and failed jobs with their retries
// exhausted) older than maxAge, along with their intervention records.
// Returns the number of jobs removed.
func (q *Queue) CleanupOldJobs(ctx context.Context, maxAge time.Duration) int {
	cutoff := q.clock.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	var removed int
	for id, job := range q.jobs {
		switch job.Status {
		case reclaim.JobStatusCompleted, reclaim.JobStatusCancelled, reclaim.JobStatusFailed:
		default:
			continue
		}
		ref := job.CreatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		}
		if ref.After(cutoff) {
			continue
		}
		delete(q.jobs, id)
		q.sink.drop(id)
		removed++
	}
	if removed > 0 {
		level.Info(q.logger).Log("msg", "cleaned up old jobs", "removed", removed)
	}
	return removed
}

func (q *Queue) emit(ctx context.Context, ev Event) {
	for _, h := range q.handlers {
		h.HandleJobEvent(ctx, ev)
	}
}

// snapshot copies the queue-owned job record so callers can read it without
// racing the scheduler. The payload and result are shared read-only.
func snapshot(job *reclaim.QueuedJob) *reclaim.QueuedJob {
	cp := *job
	if job.Metadata != nil {
		cp.Metadata = make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			cp.Metadata[k] = v
		}
	}
	if job.LastError != nil {
		le := *job.LastError
		cp.LastError = &le
	}
	return &cp
}
