package reclaim

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusRoundTrip(t *testing.T) {
	for _, status := range []JobStatus{
		JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusManualIntervention,
	} {
		b, err := json.Marshal(status)
		require.NoError(t, err)

		var got JobStatus
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, status, got)

		parsed, err := ParseJobStatus(status.String())
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
	}

	_, err := ParseJobStatus("sideways")
	assert.Error(t, err)
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())

	// failed and manual intervention jobs can still be retried
	assert.False(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusManualIntervention.IsTerminal())
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
}

func TestJobPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityLow < PriorityNormal)
	assert.True(t, PriorityNormal < PriorityHigh)
	assert.True(t, PriorityHigh < PriorityCritical)
}

func TestJobPriorityEscalatesOnExhaustion(t *testing.T) {
	assert.False(t, PriorityLow.EscalatesOnExhaustion())
	assert.False(t, PriorityNormal.EscalatesOnExhaustion())
	assert.True(t, PriorityHigh.EscalatesOnExhaustion())
	assert.True(t, PriorityCritical.EscalatesOnExhaustion())
}

func TestParseJobPriority(t *testing.T) {
	p, err := ParseJobPriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParseJobPriority("urgent")
	assert.Error(t, err)
}

func TestRetryConfigValidate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())

	cases := []struct {
		name   string
		mangle func(*RetryConfig)
	}{
		{"zero attempts", func(c *RetryConfig) { c.MaxAttempts = 0 }},
		{"too many attempts", func(c *RetryConfig) { c.MaxAttempts = 11 }},
		{"unknown strategy", func(c *RetryConfig) { c.Strategy = "fibonacci" }},
		{"zero base delay", func(c *RetryConfig) { c.BaseDelay = 0 }},
		{"max below base", func(c *RetryConfig) { c.MaxDelay = c.BaseDelay - time.Millisecond }},
		{"multiplier too small", func(c *RetryConfig) { c.Multiplier = 0.5 }},
		{"multiplier too large", func(c *RetryConfig) { c.Multiplier = 6 }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mangle(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var invalid *InvalidArgumentError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, 422, invalid.StatusCode())
		})
	}
}

func TestIntegrationValid(t *testing.T) {
	for _, intg := range KnownIntegrations() {
		assert.True(t, intg.Valid(), string(intg))
	}
	assert.False(t, Integration("fax").Valid())
}

func TestParseResolutionAction(t *testing.T) {
	for _, s := range []string{"retry", "skip", "cancel", "modify"} {
		a, err := ParseResolutionAction(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(a))
	}

	_, err := ParseResolutionAction("defer")
	assert.Error(t, err)
}
