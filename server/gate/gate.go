// Package gate performs integration-aware admission control ahead of any
// call that targets an external integration: proceed, proceed via fallback,
// queue for later or reject with a suggested retry delay.
package gate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/config"
	"github.com/reclaimhq/reclaim/server/contexts/ctxerr"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/reclaimhq/reclaim/server/retry"
)

// HealthTracker is the gate's view of integration health.
type HealthTracker interface {
	Status(intg reclaim.Integration) reclaim.IntegrationStatusRecord
	ReportFailure(ctx context.Context, intg reclaim.Integration, err error)
	ReportSuccess(ctx context.Context, intg reclaim.Integration)
}

// Enqueuer accepts deferred work when an integration cannot serve it inline.
type Enqueuer interface {
	AddJob(ctx context.Context, def reclaim.JobDefinition) (*reclaim.QueuedJob, error)
}

// Decision is the admission outcome for a gated call.
type Decision int

const (
	// DecisionProceed lets the call through normally.
	DecisionProceed Decision = iota + 1
	// DecisionProceedWithFallback lets the call through via its configured
	// fallback path.
	DecisionProceedWithFallback
	// DecisionQueue defers the call: it should be wrapped as a job instead of
	// executing inline.
	DecisionQueue
	// DecisionReject refuses the call with a suggested retry delay.
	DecisionReject
)

// CheckResult is the outcome of consulting the gate for an integration.
type CheckResult struct {
	Decision         Decision
	Status           reclaim.IntegrationStatus
	RetryAfter       time.Duration
	SuggestedActions []string
}

// Policy is the per-call admission policy.
type Policy struct {
	// UseFallback indicates the caller has a fallback path for this call.
	UseFallback bool
	// QueueOnFailure overrides the configured queue-on-failure default when
	// non-nil.
	QueueOnFailure *bool
	// Priority is the priority of the original request; it decides the
	// priority of a deferred job.
	Priority reclaim.JobPriority
}

func (p Policy) queueOnFailure(def bool) bool {
	if p.QueueOnFailure != nil {
		return *p.QueueOnFailure
	}
	return def
}

// Gate decides whether calls targeting an integration may proceed.
type Gate struct {
	cfg     config.GateConfig
	tracker HealthTracker
	queue   Enqueuer
	logger  kitlog.Logger
}

func New(cfg config.GateConfig, tracker HealthTracker, queue Enqueuer, logger kitlog.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		tracker: tracker,
		queue:   queue,
		logger:  logger,
	}
}

// Check consults the integration's current status and returns the admission
// decision for one call.
func (g *Gate) Check(ctx context.Context, intg reclaim.Integration, pol Policy) CheckResult {
	rec := g.tracker.Status(intg)

	switch rec.Status {
	case reclaim.IntegrationDegraded:
		level.Warn(g.logger).Log("msg", "integration degraded, elevated latency and error risk",
			"integration", intg, "consecutive_errors", rec.ConsecutiveErrors)
		return CheckResult{Decision: DecisionProceed, Status: rec.Status}

	case reclaim.IntegrationFailed:
		if pol.UseFallback {
			return CheckResult{Decision: DecisionProceedWithFallback, Status: rec.Status}
		}
		if pol.queueOnFailure(g.cfg.QueueOnFailure) {
			return CheckResult{Decision: DecisionQueue, Status: rec.Status}
		}
		return CheckResult{
			Decision:         DecisionReject,
			Status:           rec.Status,
			RetryAfter:       g.cfg.FailedRetryDelay,
			SuggestedActions: []string{"wait-and-retry", "contact-support"},
		}

	case reclaim.IntegrationRecovering:
		// trial probes are reserved for the tracker's own health checks
		return CheckResult{
			Decision:         DecisionReject,
			Status:           rec.Status,
			RetryAfter:       g.cfg.RecoveringRetryDelay,
			SuggestedActions: []string{"wait-and-retry"},
		}

	case reclaim.IntegrationMaintenance:
		return CheckResult{
			Decision:         DecisionReject,
			Status:           rec.Status,
			RetryAfter:       g.cfg.MaintenanceRetryDelay,
			SuggestedActions: []string{"wait-and-retry"},
		}

	default:
		return CheckResult{Decision: DecisionProceed, Status: rec.Status}
	}
}

// Outcome describes what happened to a gated inline call.
type Outcome struct {
	Executed bool
	Fallback bool
	Queued   bool
	JobID    string
}

// Do runs an inline call through the gate. When the integration is failed and
// queue-on-failure applies, or when an admitted call fails retryably, the
// work is deferred as a job instead of surfacing a hard error: the returned
// Outcome distinguishes "your request will still happen" from "it did not
// happen".
func (g *Gate) Do(ctx context.Context, intg reclaim.Integration, pol Policy, call func(ctx context.Context) error, def func() reclaim.JobDefinition) (Outcome, error) {
	res := g.Check(ctx, intg, pol)

	switch res.Decision {
	case DecisionReject:
		return Outcome{}, &RejectedError{Integration: intg, Status: res.Status, RetryDelay: res.RetryAfter, Actions: res.SuggestedActions}

	case DecisionQueue:
		if def == nil {
			return Outcome{}, &RejectedError{Integration: intg, Status: res.Status, RetryDelay: res.RetryAfter, Actions: []string{"wait-and-retry"}}
		}
		job, err := g.enqueueDeferred(ctx, def(), pol.Priority)
		if err != nil {
			return Outcome{}, ctxerr.Wrap(ctx, err, "queue deferred call")
		}
		return Outcome{Queued: true, JobID: job.ID}, nil
	}

	err := call(ctx)
	if err == nil {
		g.tracker.ReportSuccess(ctx, intg)
		return Outcome{Executed: true, Fallback: res.Decision == DecisionProceedWithFallback}, nil
	}

	g.tracker.ReportFailure(ctx, intg, err)
	if retry.Retryable(err) && pol.queueOnFailure(g.cfg.QueueOnFailure) && def != nil {
		job, qerr := g.enqueueDeferred(ctx, def(), reclaim.PriorityHigh)
		if qerr == nil {
			level.Info(g.logger).Log("msg", "inline call failed, re-submitted as job",
				"integration", intg, "job_id", job.ID, "err", err)
			return Outcome{Queued: true, JobID: job.ID}, nil
		}
		level.Error(g.logger).Log("msg", "inline call failed and re-submission failed",
			"integration", intg, "err", err, "queue_err", qerr)
	}
	return Outcome{Executed: true, Fallback: res.Decision == DecisionProceedWithFallback}, err
}

func (g *Gate) enqueueDeferred(ctx context.Context, def reclaim.JobDefinition, original reclaim.JobPriority) (*reclaim.QueuedJob, error) {
	if def.Priority == 0 {
		def.Priority = original
	}
	def.Priority = elevate(def.Priority)
	return g.queue.AddJob(ctx, def)
}

// elevate raises the priority of deferred work so it drains promptly once the
// integration recovers. Low stays low; critical stays critical.
func elevate(p reclaim.JobPriority) reclaim.JobPriority {
	switch p {
	case reclaim.PriorityLow, reclaim.PriorityCritical:
		return p
	default:
		return reclaim.PriorityHigh
	}
}

// RejectedError is returned when the gate refuses a call. It always carries a
// suggested retry delay.
type RejectedError struct {
	Integration reclaim.Integration
	Status      reclaim.IntegrationStatus
	RetryDelay  time.Duration
	Actions     []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("integration %s is %s, retry in %s", e.Integration, e.Status, e.RetryDelay)
}

func (e *RejectedError) StatusCode() int {
	return http.StatusServiceUnavailable
}

// RetryAfter returns the suggested retry delay in seconds.
func (e *RejectedError) RetryAfter() int {
	secs := int(e.RetryDelay / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

var _ reclaim.ErrWithRetryAfter = (*RejectedError)(nil)
var _ reclaim.ErrWithStatusCode = (*RejectedError)(nil)
