// Package health tracks the circuit state of every external integration from
// reported call outcomes, and exposes the health of service dependencies over
// HTTP.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/config"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/sony/gobreaker/v2"
)

// Tracker maintains one circuit per integration. Closed maps to healthy (or
// degraded past the early-warning threshold), open to failed, half-open to
// recovering. A maintenance override suppresses automatic transitions until
// explicitly cleared.
type Tracker struct {
	cfg    config.HealthConfig
	logger kitlog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	circuits map[reclaim.Integration]*circuit
}

type circuit struct {
	integration reclaim.Integration
	cb          *gobreaker.CircuitBreaker[struct{}]

	mu                sync.Mutex
	consecutiveErrors int
	lastError         string
	lastStatus        reclaim.IntegrationStatus
	lastTransition    time.Time
	maintenance       bool
}

func NewTracker(cfg config.HealthConfig, logger kitlog.Logger, clk clock.Clock) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		circuits: make(map[reclaim.Integration]*circuit),
	}
	for _, intg := range reclaim.KnownIntegrations() {
		t.circuits[intg] = t.newCircuit(intg)
	}
	return t
}

func (t *Tracker) newCircuit(intg reclaim.Integration) *circuit {
	st := gobreaker.Settings{
		Name:        string(intg),
		MaxRequests: uint32(t.cfg.ProbeMaxRequests), // half-open trials (0 => 1)
		Timeout:     t.cfg.OpenTimeout,              // open -> half-open
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(t.cfg.FailureThreshold)
		},
		// Don't count caller cancellations/timeouts as "failures" for the
		// breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || err == context.Canceled || err == context.DeadlineExceeded
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(t.logger).Log(
				"msg", "integration circuit state change",
				"integration", name, "from", from.String(), "to", to.String(),
			)
		},
	}

	return &circuit{
		integration:    intg,
		cb:             gobreaker.NewCircuitBreaker[struct{}](st),
		lastStatus:     reclaim.IntegrationHealthy,
		lastTransition: t.clock.Now(),
	}
}

func (t *Tracker) circuit(intg reclaim.Integration) *circuit {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.circuits[intg]
	if !ok {
		c = t.newCircuit(intg)
		t.circuits[intg] = c
	}
	return c
}

// ReportFailure records a failed call outcome for the integration. Past the
// degraded threshold the integration is marked degraded, and past the failure
// threshold its circuit opens.
func (t *Tracker) ReportFailure(ctx context.Context, intg reclaim.Integration, err error) {
	c := t.circuit(intg)

	c.mu.Lock()
	if err != nil {
		c.lastError = err.Error()
	}
	if c.maintenance {
		c.mu.Unlock()
		return
	}
	c.consecutiveErrors++
	c.mu.Unlock()

	c.feed(err)
	t.refresh(c)
}

// ReportSuccess records a successful call outcome, resetting the consecutive
// error counter. In the recovering state successes count toward closing the
// circuit.
func (t *Tracker) ReportSuccess(ctx context.Context, intg reclaim.Integration) {
	c := t.circuit(intg)

	c.mu.Lock()
	if c.maintenance {
		c.mu.Unlock()
		return
	}
	c.consecutiveErrors = 0
	c.mu.Unlock()

	c.feed(nil)
	t.refresh(c)
}

// Probe runs a trial call through the integration's circuit. While the
// circuit is open the call is rejected without executing; in the half-open
// state a bounded number of probes are let through and their outcomes decide
// whether the circuit closes again.
func (t *Tracker) Probe(ctx context.Context, intg reclaim.Integration, fn func(ctx context.Context) error) error {
	c := t.circuit(intg)

	c.mu.Lock()
	if c.maintenance {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	c.mu.Lock()
	switch {
	case err == nil:
		c.consecutiveErrors = 0
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		// rejected without executing, not an integration outcome
	default:
		c.consecutiveErrors++
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	t.refresh(c)
	return err
}

// SetMaintenance sets or clears the operator maintenance override.
func (t *Tracker) SetMaintenance(ctx context.Context, intg reclaim.Integration, on bool) {
	c := t.circuit(intg)

	c.mu.Lock()
	c.maintenance = on
	c.mu.Unlock()

	level.Info(t.logger).Log("msg", "integration maintenance override", "integration", intg, "on", on)
	t.refresh(c)
}

// Status returns the current health record for the integration.
func (t *Tracker) Status(intg reclaim.Integration) reclaim.IntegrationStatusRecord {
	c := t.circuit(intg)
	t.refresh(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	return reclaim.IntegrationStatusRecord{
		Integration:       c.integration,
		Status:            c.lastStatus,
		ConsecutiveErrors: c.consecutiveErrors,
		LastError:         c.lastError,
		LastTransition:    c.lastTransition,
	}
}

// All returns the health records of every known integration, ordered by
// integration name.
func (t *Tracker) All() []reclaim.IntegrationStatusRecord {
	t.mu.Lock()
	intgs := make([]reclaim.Integration, 0, len(t.circuits))
	for intg := range t.circuits {
		intgs = append(intgs, intg)
	}
	t.mu.Unlock()

	sort.Slice(intgs, func(i, j int) bool { return intgs[i] < intgs[j] })

	records := make([]reclaim.IntegrationStatusRecord, 0, len(intgs))
	for _, intg := range intgs {
		records = append(records, t.Status(intg))
	}
	return records
}

// Checker returns a health.Checker reporting an error unless the integration
// is healthy or degraded.
func (t *Tracker) Checker(intg reclaim.Integration) Checker {
	return checkerFunc(func() error {
		rec := t.Status(intg)
		switch rec.Status {
		case reclaim.IntegrationHealthy, reclaim.IntegrationDegraded:
			return nil
		default:
			return fmt.Errorf("integration %s is %s", intg, rec.Status)
		}
	})
}

// refresh re-derives the externally visible status from the breaker state and
// the degraded counter, recording the transition timestamp on change. The
// breaker state is read before taking the circuit lock: reading it can itself
// move an expired open circuit to half-open.
func (t *Tracker) refresh(c *circuit) {
	state := c.cb.State()

	c.mu.Lock()
	defer c.mu.Unlock()

	status := reclaim.IntegrationHealthy
	switch {
	case c.maintenance:
		status = reclaim.IntegrationMaintenance
	case state == gobreaker.StateOpen:
		status = reclaim.IntegrationFailed
	case state == gobreaker.StateHalfOpen:
		status = reclaim.IntegrationRecovering
	case c.consecutiveErrors >= t.cfg.DegradedThreshold:
		status = reclaim.IntegrationDegraded
	}

	if status != c.lastStatus {
		c.lastStatus = status
		c.lastTransition = t.clock.Now()
	}
}

// feed records an already observed outcome with the breaker. While the
// circuit is open the breaker rejects the call, which is fine: it is already
// counting down to half-open.
func (c *circuit) feed(err error) {
	c.cb.Execute(func() (struct{}, error) { //nolint:errcheck
		return struct{}{}, err
	})
}
