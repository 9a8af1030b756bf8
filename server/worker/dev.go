package worker

import (
	"context"
	"fmt"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// Dev implementations of the integration collaborators, used when no real
// backend is configured. They log the call and succeed, mirroring the shape
// of the production clients without external traffic.

type DevMailService struct {
	Log kitlog.Logger
}

func (s DevMailService) Send(ctx context.Context, e Email) error {
	level.Info(s.Log).Log("msg", "dev mail backend, not sending", "to", e.To, "subject", e.Subject)
	return nil
}

type DevDocumentStore struct {
	Log kitlog.Logger
}

func (s DevDocumentStore) Put(ctx context.Context, name string, contents []byte) (string, error) {
	level.Info(s.Log).Log("msg", "dev document backend, not storing", "name", name, "bytes", len(contents))
	return fmt.Sprintf("dev://documents/%s", name), nil
}

type DevCRMClient struct {
	Log kitlog.Logger
}

func (c DevCRMClient) UpsertContact(ctx context.Context, contact CRMContact) (string, error) {
	level.Info(c.Log).Log("msg", "dev crm backend, not syncing", "email", contact.Email)
	return uuid.New().String(), nil
}

type DevPaymentNotifier struct {
	Log kitlog.Logger
}

func (n DevPaymentNotifier) Deliver(ctx context.Context, endpoint string, payload []byte, signature string) error {
	level.Info(n.Log).Log("msg", "dev payment backend, not delivering", "endpoint", endpoint)
	return nil
}
