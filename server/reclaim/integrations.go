package reclaim

import (
	"encoding/json"
	"fmt"
	"time"
)

// Integration identifies an external system jobs can target.
type Integration string

const (
	IntegrationEmail           Integration = "email"
	IntegrationDocumentStorage Integration = "document_storage"
	IntegrationCRM             Integration = "crm"
	IntegrationPayments        Integration = "payments"
	IntegrationESign           Integration = "esign"
)

// KnownIntegrations lists every integration the queue accepts work for.
func KnownIntegrations() []Integration {
	return []Integration{
		IntegrationEmail,
		IntegrationDocumentStorage,
		IntegrationCRM,
		IntegrationPayments,
		IntegrationESign,
	}
}

// Valid returns true if i names a known integration.
func (i Integration) Valid() bool {
	switch i {
	case IntegrationEmail, IntegrationDocumentStorage, IntegrationCRM,
		IntegrationPayments, IntegrationESign:
		return true
	}
	return false
}

// IntegrationStatus is the circuit state of a single integration.
//
// Healthy maps to a closed breaker, Failed to open, Recovering to half-open.
// Degraded is an early-warning tier within the closed state, and Maintenance
// is an operator override that suppresses automatic transitions.
type IntegrationStatus int

const (
	IntegrationHealthy IntegrationStatus = iota + 1
	IntegrationDegraded
	IntegrationFailed
	IntegrationRecovering
	IntegrationMaintenance
)

var integrationStatusNames = map[IntegrationStatus]string{
	IntegrationHealthy:     "healthy",
	IntegrationDegraded:    "degraded",
	IntegrationFailed:      "failed",
	IntegrationRecovering:  "recovering",
	IntegrationMaintenance: "maintenance",
}

func (s IntegrationStatus) String() string {
	if name, ok := integrationStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%d)", int(s))
}

func (s IntegrationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IntegrationStatusRecord is the externally visible health of one
// integration, derived only from reported call outcomes (and the maintenance
// override), never from any individual job's status.
type IntegrationStatusRecord struct {
	Integration       Integration       `json:"integration"`
	Status            IntegrationStatus `json:"status"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	LastError         string            `json:"last_error,omitempty"`
	LastTransition    time.Time         `json:"last_transition"`
}
