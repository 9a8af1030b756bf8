package reclaim

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResolutionAction is the operator decision applied to a manual intervention.
type ResolutionAction string

const (
	ResolutionRetry  ResolutionAction = "retry"
	ResolutionSkip   ResolutionAction = "skip"
	ResolutionCancel ResolutionAction = "cancel"
	ResolutionModify ResolutionAction = "modify"
)

// Valid returns true if a names a known resolution action.
func (a ResolutionAction) Valid() bool {
	switch a {
	case ResolutionRetry, ResolutionSkip, ResolutionCancel, ResolutionModify:
		return true
	}
	return false
}

// ParseResolutionAction returns the ResolutionAction named by s.
func ParseResolutionAction(s string) (ResolutionAction, error) {
	a := ResolutionAction(s)
	if !a.Valid() {
		return "", fmt.Errorf("invalid resolution action: %s", s)
	}
	return a, nil
}

// ManualIntervention records a job escalated for a human decision. The sink
// never resolves one on its own; Resolution stays empty until an operator
// acts.
type ManualIntervention struct {
	ID              string           `json:"id"`
	JobID           string           `json:"job_id"`
	Reason          string           `json:"reason"`
	RequestedAt     time.Time        `json:"requested_at"`
	Resolution      ResolutionAction `json:"resolution,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ModifiedPayload json.RawMessage  `json:"modified_payload,omitempty"`
}

// Resolved returns true once an operator has acted on the intervention.
func (m *ManualIntervention) Resolved() bool {
	return m.Resolution != ""
}
