package queue

import (
	"context"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

// EventKind identifies a job lifecycle notification.
type EventKind string

const (
	EventJobAdded     EventKind = "job_added"
	EventJobStarted   EventKind = "job_started"
	EventJobCompleted EventKind = "job_completed"
	EventJobFailed    EventKind = "job_failed"
	EventJobCancelled EventKind = "job_cancelled"
	EventJobEscalated EventKind = "job_escalated"
)

// Event is a job lifecycle notification delivered to registered handlers.
type Event struct {
	Kind        EventKind
	JobID       string
	Type        string
	Integration reclaim.Integration
	Priority    reclaim.JobPriority
	Attempts    int
	Error       string
	At          time.Time
}

// EventHandler observes job lifecycle events. Handlers are registered before
// the queue starts and invoked synchronously outside the queue lock; slow
// handlers delay event delivery, not job execution correctness.
type EventHandler interface {
	HandleJobEvent(ctx context.Context, ev Event)
}

// LogEventHandler is the default event handler: it logs every event.
type LogEventHandler struct {
	Logger kitlog.Logger
}

func (h LogEventHandler) HandleJobEvent(ctx context.Context, ev Event) {
	log := kitlog.With(h.Logger,
		"event", ev.Kind,
		"job_id", ev.JobID,
		"job_type", ev.Type,
		"integration", ev.Integration,
		"priority", ev.Priority,
	)
	switch ev.Kind {
	case EventJobFailed, EventJobEscalated:
		level.Error(log).Log("attempts", ev.Attempts, "err", ev.Error)
	case EventJobCancelled:
		level.Info(log).Log("attempts", ev.Attempts)
	default:
		level.Debug(log).Log("attempts", ev.Attempts)
	}
}
