package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/reclaimhq/reclaim/server/config"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/reclaimhq/reclaim/server/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReporter struct {
	mu        sync.Mutex
	failures  map[reclaim.Integration]int
	successes map[reclaim.Integration]int
}

func newMockReporter() *mockReporter {
	return &mockReporter{
		failures:  make(map[reclaim.Integration]int),
		successes: make(map[reclaim.Integration]int),
	}
}

func (m *mockReporter) ReportFailure(ctx context.Context, intg reclaim.Integration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[intg]++
}

func (m *mockReporter) ReportSuccess(ctx context.Context, intg reclaim.Integration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes[intg]++
}

func (m *mockReporter) failureCount(intg reclaim.Integration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[intg]
}

func (m *mockReporter) successCount(intg reclaim.Integration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successes[intg]
}

type testProcessor struct {
	name        string
	ProcessFunc func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error)
}

func (p *testProcessor) Name() string { return p.name }

func (p *testProcessor) Process(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
	return p.ProcessFunc(ctx, def)
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxConcurrent:   5,
		TickInterval:    5 * time.Millisecond,
		RetentionWindow: 24 * time.Hour,
		CleanupInterval: time.Hour,
		DrainTimeout:    time.Second,
	}
}

func testQueue(t *testing.T, cfg config.QueueConfig, reporter HealthReporter, clk clock.Clock) *Queue {
	t.Helper()
	logger := kitlog.NewNopLogger()
	return New(cfg, retry.NewExecutor(logger), reporter, logger, clk)
}

func fastRetry(attempts int) reclaim.RetryConfig {
	return reclaim.RetryConfig{
		MaxAttempts: attempts,
		Strategy:    reclaim.BackoffFixed,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  2,
	}
}

func emailJob(priority reclaim.JobPriority) reclaim.JobDefinition {
	return reclaim.JobDefinition{
		Type:        "email_delivery",
		Priority:    priority,
		Integration: reclaim.IntegrationEmail,
		Payload:     json.RawMessage(`{}`),
		Retry:       fastRetry(3),
	}
}

func TestAddJobDefaults(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	job, err := q.AddJob(context.Background(), reclaim.JobDefinition{
		Type:        "email_delivery",
		Priority:    reclaim.PriorityNormal,
		Integration: reclaim.IntegrationEmail,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Equal(t, reclaim.JobStatusPending, job.Status)
	assert.Equal(t, reclaim.DefaultRetryConfig(), job.Retry)
	assert.Equal(t, 0, job.Attempts)
}

func TestAddJobValidation(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	_, err := q.AddJob(context.Background(), reclaim.JobDefinition{
		Type:        "",
		Priority:    reclaim.JobPriority(42),
		Integration: "fax",
	})
	require.Error(t, err)

	var invalid *reclaim.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 422, invalid.StatusCode())
}

func TestAddJobDuplicateID(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	def := emailJob(reclaim.PriorityNormal)
	def.ID = "fixed-id"
	_, err := q.AddJob(context.Background(), def)
	require.NoError(t, err)

	_, err = q.AddJob(context.Background(), def)
	var conflict *reclaim.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestGetJob(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	added, err := q.AddJob(context.Background(), emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	got, err := q.GetJob(context.Background(), added.ID)
	require.NoError(t, err)
	assert.Equal(t, added.ID, got.ID)

	_, err = q.GetJob(context.Background(), "nope")
	var notFound *reclaim.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestQueueProcessesJob(t *testing.T) {
	reporter := newMockReporter()
	q := testQueue(t, testQueueConfig(), reporter, clock.C)
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			return json.RawMessage(`{"message_id":"abc"}`), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	job, err := q.AddJob(ctx, emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.GetJob(ctx, job.ID)
		return err == nil && got.Status == reclaim.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"message_id":"abc"}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, reporter.successCount(reclaim.IntegrationEmail))
}

func TestQueueRetriesThenFails(t *testing.T) {
	reporter := newMockReporter()
	q := testQueue(t, testQueueConfig(), reporter, clock.C)
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			return nil, errors.New("smtp timeout")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	job, err := q.AddJob(ctx, emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.GetJob(ctx, job.ID)
		return err == nil && got.Status == reclaim.JobStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "smtp timeout", got.LastError.Message)
	assert.True(t, got.LastError.Retryable)
	// every attempt is an integration outcome
	assert.Equal(t, 3, reporter.failureCount(reclaim.IntegrationEmail))
}

func TestQueueEscalatesHighPriorityOnExhaustion(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			return nil, errors.New("smtp timeout")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	job, err := q.AddJob(ctx, emailJob(reclaim.PriorityCritical))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.GetJob(ctx, job.ID)
		return err == nil && got.Status == reclaim.JobStatusManualIntervention
	}, 5*time.Second, 5*time.Millisecond)

	pending := q.PendingInterventions(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].JobID)
	assert.Contains(t, pending[0].Reason, "retries exhausted")
}

func TestQueuePriorityOrdering(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxConcurrent = 1

	var mu sync.Mutex
	var order []string

	q := testQueue(t, cfg, newMockReporter(), clock.C)
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, def.ID)
			mu.Unlock()
			return json.RawMessage(`{}`), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Now().Add(-time.Minute)
	add := func(id string, priority reclaim.JobPriority, age time.Duration) {
		def := emailJob(priority)
		def.ID = id
		def.CreatedAt = base.Add(age)
		_, err := q.AddJob(ctx, def)
		require.NoError(t, err)
	}
	add("low", reclaim.PriorityLow, 0)
	add("normal-old", reclaim.PriorityNormal, time.Second)
	add("normal-new", reclaim.PriorityNormal, 2*time.Second)
	add("critical", reclaim.PriorityCritical, 3*time.Second)

	go q.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "normal-old", "normal-new", "low"}, order)
}

func TestQueueConcurrencyCeiling(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxConcurrent = 2

	release := make(chan struct{})
	q := testQueue(t, cfg, newMockReporter(), clock.C)
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			select {
			case <-release:
				return json.RawMessage(`{}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	for i := 0; i < 3; i++ {
		_, err := q.AddJob(ctx, emailJob(reclaim.PriorityNormal))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return q.Stats(ctx).Active == 2
	}, 5*time.Second, 5*time.Millisecond)

	// the third job stays pending while the ceiling is reached
	stats := q.Stats(ctx)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Counts[reclaim.JobStatusPending.String()])

	close(release)
	require.Eventually(t, func() bool {
		return q.Stats(ctx).Counts[reclaim.JobStatusCompleted.String()] == 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestQueueRespectsScheduledFor(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	soon := time.Now().Add(100 * time.Millisecond)
	def := emailJob(reclaim.PriorityNormal)
	def.ScheduledFor = &soon
	job, err := q.AddJob(ctx, def)
	require.NoError(t, err)

	// not dispatched before its scheduled time
	time.Sleep(40 * time.Millisecond)
	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, reclaim.JobStatusPending, got.Status)

	require.Eventually(t, func() bool {
		got, err := q.GetJob(ctx, job.ID)
		return err == nil && got.Status == reclaim.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCancelJobPending(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	job, err := q.AddJob(context.Background(), emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	require.True(t, q.CancelJob(context.Background(), job.ID, "operator request"))

	got, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, reclaim.JobStatusCancelled, got.Status)
	assert.Equal(t, "operator request", got.Metadata["cancel_reason"])

	// already terminal, second cancel is a no-op
	assert.False(t, q.CancelJob(context.Background(), job.ID, ""))
	assert.False(t, q.CancelJob(context.Background(), "missing", ""))
}

func TestCancelJobInFlight(t *testing.T) {
	started := make(chan struct{})
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	job, err := q.AddJob(ctx, emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	<-started
	require.True(t, q.CancelJob(ctx, job.ID, "taking too long"))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, reclaim.JobStatusCancelled, got.Status)

	// the worker goroutine observes the cancel and does not overwrite it
	require.Eventually(t, func() bool {
		return q.Stats(ctx).Active == 0
	}, 5*time.Second, 5*time.Millisecond)
	got, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, reclaim.JobStatusCancelled, got.Status)
}

func TestRetryJob(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	job, err := q.AddJob(context.Background(), emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	// only failed and escalated jobs can be retried
	assert.False(t, q.RetryJob(context.Background(), job.ID))
	assert.False(t, q.RetryJob(context.Background(), "missing"))

	q.mu.Lock()
	stored := q.jobs[job.ID]
	now := time.Now()
	stored.Status = reclaim.JobStatusFailed
	stored.Attempts = 3
	stored.LastError = &reclaim.JobError{Message: "smtp timeout", Retryable: true}
	stored.CompletedAt = &now
	q.mu.Unlock()

	require.True(t, q.RetryJob(context.Background(), job.ID))

	got, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, reclaim.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.CompletedAt)

	// completed and cancelled jobs stay put
	for _, terminal := range []reclaim.JobStatus{reclaim.JobStatusCompleted, reclaim.JobStatusCancelled} {
		q.mu.Lock()
		stored.Status = terminal
		stored.Attempts = 2
		stored.CompletedAt = &now
		q.mu.Unlock()

		assert.False(t, q.RetryJob(context.Background(), job.ID))

		got, err = q.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, terminal, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.NotNil(t, got.CompletedAt)
	}
}

func TestCancelEscalatedJobClosesIntervention(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	job, err := q.AddJob(ctx, emailJob(reclaim.PriorityHigh))
	require.NoError(t, err)
	require.True(t, q.MarkForManualIntervention(ctx, job.ID, "stuck"))
	pending := q.PendingInterventions(ctx)
	require.Len(t, pending, 1)
	miID := pending[0].ID

	require.True(t, q.CancelJob(ctx, job.ID, "operator gave up"))

	// the cancellation supersedes the pending record
	assert.Empty(t, q.PendingInterventions(ctx))
	mi, err := q.GetIntervention(ctx, miID)
	require.NoError(t, err)
	require.True(t, mi.Resolved())
	assert.Equal(t, reclaim.ResolutionCancel, mi.Resolution)

	err = q.ResolveIntervention(ctx, miID, reclaim.ResolutionRetry, nil)
	var conflict *reclaim.ConflictError
	require.ErrorAs(t, err, &conflict)

	// sweeping the cancelled job takes the record with it
	q.mu.Lock()
	done := time.Now().Add(-48 * time.Hour)
	q.jobs[job.ID].CompletedAt = &done
	q.mu.Unlock()

	require.Equal(t, 1, q.CleanupOldJobs(ctx, 24*time.Hour))
	assert.Empty(t, q.PendingInterventions(ctx))
	_, err = q.GetIntervention(ctx, miID)
	var notFound *reclaim.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRetryEscalatedJobClosesIntervention(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	job, err := q.AddJob(ctx, emailJob(reclaim.PriorityHigh))
	require.NoError(t, err)
	require.True(t, q.MarkForManualIntervention(ctx, job.ID, "stuck"))
	pending := q.PendingInterventions(ctx)
	require.Len(t, pending, 1)
	miID := pending[0].ID

	require.True(t, q.RetryJob(ctx, job.ID))

	assert.Empty(t, q.PendingInterventions(ctx))
	mi, err := q.GetIntervention(ctx, miID)
	require.NoError(t, err)
	require.True(t, mi.Resolved())
	assert.Equal(t, reclaim.ResolutionRetry, mi.Resolution)
}

func TestMarkForManualIntervention(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	job, err := q.AddJob(context.Background(), emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	require.True(t, q.MarkForManualIntervention(context.Background(), job.ID, "payload looks wrong"))

	got, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, reclaim.JobStatusManualIntervention, got.Status)

	pending := q.PendingInterventions(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "payload looks wrong", pending[0].Reason)

	assert.False(t, q.MarkForManualIntervention(context.Background(), "missing", "x"))
}

func TestResolveIntervention(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Queue, string, string) {
		q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)
		job, err := q.AddJob(ctx, emailJob(reclaim.PriorityHigh))
		require.NoError(t, err)
		require.True(t, q.MarkForManualIntervention(ctx, job.ID, "stuck"))
		pending := q.PendingInterventions(ctx)
		require.Len(t, pending, 1)
		return q, job.ID, pending[0].ID
	}

	t.Run("retry", func(t *testing.T) {
		q, jobID, miID := setup(t)
		require.NoError(t, q.ResolveIntervention(ctx, miID, reclaim.ResolutionRetry, nil))

		got, err := q.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, reclaim.JobStatusPending, got.Status)

		mi, err := q.GetIntervention(ctx, miID)
		require.NoError(t, err)
		assert.True(t, mi.Resolved())
		assert.Empty(t, q.PendingInterventions(ctx))
	})

	t.Run("modify", func(t *testing.T) {
		q, jobID, miID := setup(t)
		payload := json.RawMessage(`{"fixed":true}`)
		require.NoError(t, q.ResolveIntervention(ctx, miID, reclaim.ResolutionModify, payload))

		got, err := q.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, reclaim.JobStatusPending, got.Status)
		assert.JSONEq(t, `{"fixed":true}`, string(got.Payload))
	})

	t.Run("modify requires payload", func(t *testing.T) {
		q, _, miID := setup(t)
		err := q.ResolveIntervention(ctx, miID, reclaim.ResolutionModify, nil)
		var invalid *reclaim.InvalidArgumentError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("skip cancels the job", func(t *testing.T) {
		q, jobID, miID := setup(t)
		require.NoError(t, q.ResolveIntervention(ctx, miID, reclaim.ResolutionSkip, nil))

		got, err := q.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, reclaim.JobStatusCancelled, got.Status)
		assert.Equal(t, "skip", got.Metadata["resolution"])
	})

	t.Run("double resolve conflicts", func(t *testing.T) {
		q, _, miID := setup(t)
		require.NoError(t, q.ResolveIntervention(ctx, miID, reclaim.ResolutionCancel, nil))

		err := q.ResolveIntervention(ctx, miID, reclaim.ResolutionRetry, nil)
		var conflict *reclaim.ConflictError
		require.ErrorAs(t, err, &conflict)
	})

	t.Run("bad action", func(t *testing.T) {
		q, _, miID := setup(t)
		err := q.ResolveIntervention(ctx, miID, "defer", nil)
		var invalid *reclaim.InvalidArgumentError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("missing intervention", func(t *testing.T) {
		q, _, _ := setup(t)
		err := q.ResolveIntervention(ctx, "missing", reclaim.ResolutionRetry, nil)
		var notFound *reclaim.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestStats(t *testing.T) {
	clk := clock.NewMockClock()
	q := testQueue(t, testQueueConfig(), newMockReporter(), clk)
	ctx := context.Background()

	addWithStatus := func(id string, status reclaim.JobStatus, processing time.Duration, completedAgo time.Duration) {
		def := emailJob(reclaim.PriorityNormal)
		def.ID = id
		_, err := q.AddJob(ctx, def)
		require.NoError(t, err)

		q.mu.Lock()
		job := q.jobs[id]
		job.Status = status
		if status == reclaim.JobStatusCompleted {
			completed := clk.Now().Add(-completedAgo)
			started := completed.Add(-processing)
			job.StartedAt = &started
			job.CompletedAt = &completed
		}
		q.mu.Unlock()
	}

	addWithStatus("p1", reclaim.JobStatusPending, 0, 0)
	addWithStatus("c1", reclaim.JobStatusCompleted, 100*time.Millisecond, 10*time.Minute)
	addWithStatus("c2", reclaim.JobStatusCompleted, 300*time.Millisecond, 2*time.Hour)
	addWithStatus("f1", reclaim.JobStatusFailed, 0, 0)

	stats := q.Stats(ctx)
	assert.Equal(t, 1, stats.Counts[reclaim.JobStatusPending.String()])
	assert.Equal(t, 2, stats.Counts[reclaim.JobStatusCompleted.String()])
	assert.Equal(t, 1, stats.Counts[reclaim.JobStatusFailed.String()])
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 200*time.Millisecond, stats.AvgProcessingTime)
	// only c1 completed within the trailing hour
	assert.Equal(t, 1, stats.ThroughputLastHr)
}

func TestCleanupOldJobs(t *testing.T) {
	clk := clock.NewMockClock()
	q := testQueue(t, testQueueConfig(), newMockReporter(), clk)
	ctx := context.Background()

	addAged := func(id string, status reclaim.JobStatus, age time.Duration) {
		def := emailJob(reclaim.PriorityNormal)
		def.ID = id
		_, err := q.AddJob(ctx, def)
		require.NoError(t, err)

		q.mu.Lock()
		job := q.jobs[id]
		job.Status = status
		if status != reclaim.JobStatusPending {
			done := clk.Now().Add(-age)
			job.CompletedAt = &done
		}
		q.mu.Unlock()
	}

	addAged("old-completed", reclaim.JobStatusCompleted, 48*time.Hour)
	addAged("old-cancelled", reclaim.JobStatusCancelled, 48*time.Hour)
	addAged("old-failed", reclaim.JobStatusFailed, 48*time.Hour)
	addAged("fresh-completed", reclaim.JobStatusCompleted, time.Hour)
	addAged("old-pending", reclaim.JobStatusPending, 0)

	removed := q.CleanupOldJobs(ctx, 24*time.Hour)
	assert.Equal(t, 3, removed)

	_, err := q.GetJob(ctx, "old-completed")
	assert.Error(t, err)
	_, err = q.GetJob(ctx, "fresh-completed")
	assert.NoError(t, err)
	_, err = q.GetJob(ctx, "old-pending")
	assert.NoError(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)
	p := &testProcessor{name: "email_delivery", ProcessFunc: nil}
	q.Register(p)
	assert.Panics(t, func() { q.Register(p) })
}

func TestQueueEmitsEvents(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind

	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)
	q.AddEventHandler(eventHandlerFunc(func(ctx context.Context, ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}))
	q.Register(&testProcessor{
		name: "email_delivery",
		ProcessFunc: func(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	_, err := q.AddJob(ctx, emailJob(reclaim.PriorityNormal))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventJobAdded, EventJobStarted, EventJobCompleted}, kinds)
}

type eventHandlerFunc func(ctx context.Context, ev Event)

func (f eventHandlerFunc) HandleJobEvent(ctx context.Context, ev Event) { f(ctx, ev) }

func TestUnregisteredJobTypeIsTerminal(t *testing.T) {
	q := testQueue(t, testQueueConfig(), newMockReporter(), clock.C)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	def := emailJob(reclaim.PriorityNormal)
	def.Type = "unknown_type"
	job, err := q.AddJob(ctx, def)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.GetJob(ctx, job.ID)
		return err == nil && got.Status == reclaim.JobStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, got.LastError.Message, "no processor registered")
}
