package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

// escalationSink holds the manual intervention records for jobs that
// exhausted retries while carrying high or critical priority. It is guarded
// by the queue lock and never resolves a record on its own.
type escalationSink struct {
	interventions map[string]*reclaim.ManualIntervention
	byJob         map[string]string
}

func newEscalationSink() escalationSink {
	return escalationSink{
		interventions: make(map[string]*reclaim.ManualIntervention),
		byJob:         make(map[string]string),
	}
}

func (s *escalationSink) create(jobID, reason string, now time.Time) *reclaim.ManualIntervention {
	// one unresolved record per job; escalating again refreshes the reason
	if id, ok := s.byJob[jobID]; ok {
		if mi := s.interventions[id]; mi != nil && !mi.Resolved() {
			mi.Reason = reason
			mi.RequestedAt = now
			return mi
		}
	}
	mi := &reclaim.ManualIntervention{
		ID:          uuid.New().String(),
		JobID:       jobID,
		Reason:      reason,
		RequestedAt: now,
	}
	s.interventions[mi.ID] = mi
	s.byJob[jobID] = mi.ID
	return mi
}

// close marks the job's unresolved record with the action that superseded
// it, so cancelling or re-queueing an escalated job directly never leaves a
// phantom record behind.
func (s *escalationSink) close(jobID string, action reclaim.ResolutionAction, now time.Time) {
	id, ok := s.byJob[jobID]
	if !ok {
		return
	}
	if mi := s.interventions[id]; mi != nil && !mi.Resolved() {
		mi.Resolution = action
		mi.ResolvedAt = &now
	}
}

// drop removes the job's intervention record for a job leaving the store.
func (s *escalationSink) drop(jobID string) {
	id, ok := s.byJob[jobID]
	if !ok {
		return
	}
	delete(s.interventions, id)
	delete(s.byJob, jobID)
}

// PendingInterventions returns the unresolved intervention records, oldest
// first.
func (q *Queue) PendingInterventions(ctx context.Context) []*reclaim.ManualIntervention {
	q.mu.Lock()
	var out []*reclaim.ManualIntervention
	for _, mi := range q.sink.interventions {
		if !mi.Resolved() {
			cp := *mi
			out = append(out, &cp)
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetIntervention returns a snapshot of the intervention with the given id.
func (q *Queue) GetIntervention(ctx context.Context, id string) (*reclaim.ManualIntervention, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mi, ok := q.sink.interventions[id]
	if !ok {
		return nil, &reclaim.NotFoundError{Kind: "intervention", ID: id}
	}
	cp := *mi
	return &cp, nil
}

// ResolveIntervention applies an explicit operator decision to an escalated
// job: retry re-enters the pending pool, skip and cancel are terminal, modify
// replaces the payload and then retries.
func (q *Queue) ResolveIntervention(ctx context.Context, id string, action reclaim.ResolutionAction, modifiedPayload json.RawMessage) error {
	if !action.Valid() {
		return reclaim.NewInvalidArgumentError("action", "must be one of retry, skip, cancel, modify")
	}
	if action == reclaim.ResolutionModify && len(modifiedPayload) == 0 {
		return reclaim.NewInvalidArgumentError("modified_payload", "required for the modify action")
	}

	q.mu.Lock()
	mi, ok := q.sink.interventions[id]
	if !ok {
		q.mu.Unlock()
		return &reclaim.NotFoundError{Kind: "intervention", ID: id}
	}
	if mi.Resolved() {
		q.mu.Unlock()
		return &reclaim.ConflictError{Message: fmt.Sprintf("intervention %s is already resolved", id)}
	}
	job, ok := q.jobs[mi.JobID]
	if !ok {
		q.mu.Unlock()
		return &reclaim.NotFoundError{Kind: "job", ID: mi.JobID}
	}
	if job.Status != reclaim.JobStatusManualIntervention {
		q.mu.Unlock()
		return &reclaim.ConflictError{Message: fmt.Sprintf("job %s is %s, not awaiting intervention", job.ID, job.Status)}
	}

	now := q.clock.Now()
	mi.Resolution = action
	mi.ResolvedAt = &now

	switch action {
	case reclaim.ResolutionRetry:
		q.resetToPendingLocked(job)
	case reclaim.ResolutionModify:
		mi.ModifiedPayload = modifiedPayload
		job.Payload = modifiedPayload
		q.resetToPendingLocked(job)
	case reclaim.ResolutionSkip, reclaim.ResolutionCancel:
		job.Status = reclaim.JobStatusCancelled
		job.CompletedAt = &now
		if job.Metadata == nil {
			job.Metadata = make(map[string]string)
		}
		job.Metadata["resolution"] = string(action)
	}
	q.mu.Unlock()

	level.Info(q.logger).Log("msg", "intervention resolved",
		"intervention_id", id, "job_id", mi.JobID, "action", action)
	return nil
}
