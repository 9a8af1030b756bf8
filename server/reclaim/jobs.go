package reclaim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
//
//	              ┌────────────(retry)──────────────┐
//	              ▼                                 │
//	Pending───►Processing───►Completed           Failed───►ManualIntervention
//	   │           │                                ▲              │
//	   │           ├────────────────────────────────┘              │
//	   │           └──────►Cancelled◄──────────────────────────────┘
//	   └──────────────────────▲
type JobStatus int

const (
	JobStatusPending JobStatus = iota + 1
	JobStatusProcessing
	JobStatusCompleted
	JobStatusFailed
	JobStatusCancelled
	JobStatusManualIntervention
)

var jobStatusNames = map[JobStatus]string{
	JobStatusPending:            "pending",
	JobStatusProcessing:         "processing",
	JobStatusCompleted:          "completed",
	JobStatusFailed:             "failed",
	JobStatusCancelled:          "cancelled",
	JobStatusManualIntervention: "manual_intervention",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%d)", int(s))
}

// IsTerminal returns true for states no transition may leave. Failed is not
// terminal: it can re-enter Pending via a retry request or escalate to
// ManualIntervention.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// MarshalJSON marshals the status as its string name.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON unmarshals a status from its string name.
func (s *JobStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseJobStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseJobStatus returns the JobStatus named by s.
func ParseJobStatus(s string) (JobStatus, error) {
	for status, name := range jobStatusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("invalid job status: %s", s)
}

// JobPriority orders jobs for dispatch and decides escalation eligibility.
// Higher values dispatch first.
type JobPriority int

const (
	PriorityLow JobPriority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var jobPriorityNames = map[JobPriority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p JobPriority) String() string {
	if name, ok := jobPriorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%d)", int(p))
}

// Valid returns true if p is a known priority value.
func (p JobPriority) Valid() bool {
	_, ok := jobPriorityNames[p]
	return ok
}

// EscalatesOnExhaustion returns true if a job with this priority must be
// routed to manual intervention instead of being left failed once its retry
// budget is spent.
func (p JobPriority) EscalatesOnExhaustion() bool {
	return p >= PriorityHigh
}

func (p JobPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *JobPriority) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseJobPriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseJobPriority returns the JobPriority named by s.
func ParseJobPriority(s string) (JobPriority, error) {
	for priority, name := range jobPriorityNames {
		if name == s {
			return priority, nil
		}
	}
	return 0, fmt.Errorf("invalid job priority: %s", s)
}

// BackoffStrategy selects how inter-attempt delays grow.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// Bounds enforced by RetryConfig.Validate.
const (
	MinRetryAttempts     = 1
	MaxRetryAttempts     = 10
	MinBackoffMultiplier = 1.0
	MaxBackoffMultiplier = 5.0
)

// RetryConfig bounds the automatic retry behavior of a single job.
type RetryConfig struct {
	MaxAttempts int             `json:"max_attempts"`
	Strategy    BackoffStrategy `json:"strategy"`
	BaseDelay   time.Duration   `json:"base_delay"`
	MaxDelay    time.Duration   `json:"max_delay"`
	Multiplier  float64         `json:"multiplier"`
	Jitter      bool            `json:"jitter"`
}

// DefaultRetryConfig is the retry policy applied to jobs enqueued without one.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Strategy:    BackoffExponential,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Validate checks the retry policy bounds.
func (c RetryConfig) Validate() error {
	invalid := &InvalidArgumentError{}
	if c.MaxAttempts < MinRetryAttempts || c.MaxAttempts > MaxRetryAttempts {
		invalid.Append("retry.max_attempts", fmt.Sprintf("must be between %d and %d", MinRetryAttempts, MaxRetryAttempts))
	}
	if c.Strategy != BackoffFixed && c.Strategy != BackoffExponential {
		invalid.Append("retry.strategy", "must be fixed or exponential")
	}
	if c.BaseDelay <= 0 {
		invalid.Append("retry.base_delay", "must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		invalid.Append("retry.max_delay", "must be >= base_delay")
	}
	if c.Multiplier < MinBackoffMultiplier || c.Multiplier > MaxBackoffMultiplier {
		invalid.Append("retry.multiplier", fmt.Sprintf("must be between %v and %v", MinBackoffMultiplier, MaxBackoffMultiplier))
	}
	if invalid.HasErrors() {
		return invalid
	}
	return nil
}

// JobDefinition is the immutable description of a unit of work submitted to
// the queue. The queue never mutates it except through an explicit
// modify-and-retry intervention resolution, which replaces the payload.
type JobDefinition struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Priority     JobPriority       `json:"priority"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Integration  Integration       `json:"integration"`
	Retry        RetryConfig       `json:"retry"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// JobError records the last failure observed for a job.
type JobError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// QueuedJob wraps a JobDefinition with the mutable execution state owned by
// the queue.
type QueuedJob struct {
	JobDefinition

	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   *JobError       `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// JobProcessor performs the actual work of one job type. Implementations are
// registered once at startup and invoked by the queue.
type JobProcessor interface {
	// Name is the job type this processor handles.
	Name() string

	// Process performs the work described by the definition and returns an
	// opaque result payload.
	Process(ctx context.Context, def *JobDefinition) (json.RawMessage, error)
}

// QueueStats is a point-in-time aggregation over the job store.
type QueueStats struct {
	Counts            map[string]int `json:"counts"`
	Active            int            `json:"active"`
	AvgProcessingTime time.Duration  `json:"avg_processing_time"`
	ThroughputLastHr  int            `json:"throughput_last_hour"`
}
