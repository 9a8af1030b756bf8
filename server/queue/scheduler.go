package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/contexts/ctxerr"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/reclaimhq/reclaim/server/retry"
)

// Start runs the scheduling loop until ctx is cancelled, then waits up to the
// configured drain timeout for in-flight jobs to finish. The tick is
// deliberately pull-based: a tick that is still selecting does not overlap
// the next one, and dispatched jobs run as independent goroutines up to the
// concurrency ceiling.
func (q *Queue) Start(ctx context.Context) {
	level.Info(q.logger).Log("msg", "queue scheduler started",
		"tick", q.cfg.TickInterval, "max_concurrent", q.cfg.MaxConcurrent)

	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain()
			level.Info(q.logger).Log("msg", "queue scheduler stopped")
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// drain waits for in-flight jobs to finish, up to the drain timeout.
func (q *Queue) drain() {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(q.cfg.DrainTimeout):
		level.Warn(q.logger).Log("msg", "drain timeout elapsed with jobs still in flight")
	}
}

// tick selects eligible pending jobs by priority then age and dispatches as
// many as fit under the concurrency ceiling.
func (q *Queue) tick(ctx context.Context) {
	now := q.clock.Now()

	q.mu.Lock()
	capacity := q.cfg.MaxConcurrent - len(q.active)
	if capacity <= 0 {
		q.mu.Unlock()
		return
	}

	var eligible []*reclaim.QueuedJob
	for _, job := range q.jobs {
		if job.Status != reclaim.JobStatusPending {
			continue
		}
		if job.ScheduledFor != nil && job.ScheduledFor.After(now) {
			continue
		}
		eligible = append(eligible, job)
	}

	// higher priority first, FIFO within a priority band
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	if len(eligible) > capacity {
		eligible = eligible[:capacity]
	}

	var events []Event
	for _, job := range eligible {
		job.Status = reclaim.JobStatusProcessing
		started := now
		job.StartedAt = &started
		job.NextRetryAt = nil

		jobCtx, cancel := context.WithCancel(ctx)
		q.active[job.ID] = cancel

		events = append(events, Event{
			Kind:        EventJobStarted,
			JobID:       job.ID,
			Type:        job.Type,
			Integration: job.Integration,
			Priority:    job.Priority,
			At:          now,
		})

		q.wg.Add(1)
		go q.run(jobCtx, job.ID, job.JobDefinition)
	}
	if q.metrics != nil {
		q.metrics.ActiveJobs.Set(float64(len(q.active)))
	}
	q.mu.Unlock()

	for _, ev := range events {
		q.emit(ctx, ev)
	}
}

// run executes one dispatched job through the retry executor and applies the
// outcome. It owns no queue state directly; all mutation goes through the
// queue lock.
func (q *Queue) run(ctx context.Context, id string, def reclaim.JobDefinition) {
	defer q.wg.Done()

	log := kitlog.With(q.logger, "job_id", id, "job_type", def.Type)
	level.Debug(log).Log("msg", "processing job")

	var res retry.Result
	if processor, ok := q.registry[def.Type]; ok {
		work := func(ctx context.Context) (json.RawMessage, error) {
			return processor.Process(ctx, &def)
		}
		notify := func(err error, next time.Duration) {
			// stream attempt failures to the health tracker and surface the
			// pending retry on the job record
			q.reporter.ReportFailure(ctx, def.Integration, err)
			nextAt := q.clock.Now().Add(next)
			q.mu.Lock()
			if job, ok := q.jobs[id]; ok && job.Status == reclaim.JobStatusProcessing {
				job.Attempts++
				job.NextRetryAt = &nextAt
			}
			q.mu.Unlock()
		}
		res = q.executor.ExecuteWithRetry(ctx, id, work, def.Retry, retry.WithNotify(notify))
	} else {
		// processor registration errors are terminal, no retries
		res = retry.Result{
			Attempts: 1,
			Err:      ctxerr.Errorf(ctx, "no processor registered for job type %s", def.Type),
		}
	}

	q.finish(ctx, id, def, res)
}

// finish translates the executor outcome into job status, reports the final
// outcome to the health tracker and escalates exhausted high and critical
// jobs to manual intervention.
func (q *Queue) finish(ctx context.Context, id string, def reclaim.JobDefinition, res retry.Result) {
	now := q.clock.Now()

	q.mu.Lock()
	delete(q.active, id)
	if q.metrics != nil {
		q.metrics.ActiveJobs.Set(float64(len(q.active)))
	}

	job, ok := q.jobs[id]
	if !ok || job.Status != reclaim.JobStatusProcessing {
		// cancelled or escalated externally while in flight; outcome already
		// applied
		q.mu.Unlock()
		return
	}

	var events []Event
	var report func()
	switch {
	case res.Cancelled:
		job.Status = reclaim.JobStatusCancelled
		job.Attempts = max(job.Attempts, res.Attempts)
		job.CompletedAt = &now
		job.NextRetryAt = nil
		events = append(events, q.eventLocked(EventJobCancelled, job, ""))

	case res.Success:
		job.Status = reclaim.JobStatusCompleted
		job.Attempts = res.Attempts
		job.CompletedAt = &now
		job.LastError = nil
		job.NextRetryAt = nil
		job.Result = res.Result
		report = func() { q.reporter.ReportSuccess(ctx, def.Integration) }
		events = append(events, q.eventLocked(EventJobCompleted, job, ""))

	default:
		errMsg := "job failed"
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		job.Attempts = res.Attempts
		job.LastError = &reclaim.JobError{Message: errMsg, Retryable: retry.Retryable(res.Err)}
		job.NextRetryAt = nil
		report = func() { q.reporter.ReportFailure(ctx, def.Integration, res.Err) }

		if def.Priority.EscalatesOnExhaustion() {
			// important work should never silently die
			job.Status = reclaim.JobStatusManualIntervention
			reason := fmt.Sprintf("retries exhausted after %d attempts: %s", res.Attempts, errMsg)
			q.sink.create(id, reason, now)
			events = append(events, q.eventLocked(EventJobEscalated, job, reason))
		} else {
			job.Status = reclaim.JobStatusFailed
			job.CompletedAt = &now
			events = append(events, q.eventLocked(EventJobFailed, job, errMsg))
		}
	}
	status := job.Status
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.JobsProcessed.WithLabelValues(status.String()).Inc()
	}
	if report != nil {
		report()
	}
	for _, ev := range events {
		q.emit(ctx, ev)
	}
}

func (q *Queue) eventLocked(kind EventKind, job *reclaim.QueuedJob, errMsg string) Event {
	return Event{
		Kind:        kind,
		JobID:       job.ID,
		Type:        job.Type,
		Integration: job.Integration,
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		Error:       errMsg,
		At:          q.clock.Now(),
	}
}
