package worker

import (
	"context"
	"encoding/json"
	"fmt"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

const CRMSyncName = "crm_sync"

// CRMContact is the lead record pushed to the CRM integration.
type CRMContact struct {
	Email           string  `json:"email"`
	BusinessName    string  `json:"business_name"`
	Phone           string  `json:"phone,omitempty"`
	EstimatedCredit float64 `json:"estimated_credit,omitempty"`
	Stage           string  `json:"stage,omitempty"`
}

// CRMClient syncs lead and deal records with the CRM integration.
type CRMClient interface {
	UpsertContact(ctx context.Context, contact CRMContact) (id string, err error)
}

// CRMSync pushes a lead update to the CRM.
type CRMSync struct {
	Client CRMClient
	Log    kitlog.Logger
}

func (c *CRMSync) Name() string {
	return CRMSyncName
}

type CRMSyncArgs struct {
	Contact CRMContact `json:"contact"`
}

func (c *CRMSync) Process(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
	var args CRMSyncArgs
	if err := json.Unmarshal(def.Payload, &args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if args.Contact.Email == "" {
		return nil, fmt.Errorf("missing contact email")
	}

	id, err := c.Client.UpsertContact(ctx, args.Contact)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}

	level.Debug(c.Log).Log("msg", "synced contact to crm", "email", args.Contact.Email, "crm_id", id)

	result, err := json.Marshal(map[string]string{"crm_id": id})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return result, nil
}
