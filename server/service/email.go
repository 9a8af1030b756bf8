package service

import (
	"bytes"
	"io"
	"net/http"

	"github.com/reclaimhq/reclaim/server/gate"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/reclaimhq/reclaim/server/worker"
)

// sendEmail delivers a transactional email inline. The route is wrapped by
// the gate middleware pair: when the email integration is failed the request
// is deferred as a job instead, and an inline failure is reported and
// re-submitted at high priority.
func (svc *Service) sendEmail(w http.ResponseWriter, r *http.Request) {
	def, err := emailJobFromRequest(r)
	if err != nil {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("body", err.Error()))
		return
	}

	result, err := svc.email.Process(r.Context(), &def)
	if err != nil {
		encodeError(svc.logger, w, reclaim.NewStatusError(http.StatusBadGateway, err))
		return
	}
	encodeJSON(svc.logger, w, http.StatusOK, map[string]interface{}{
		"status": "sent",
		"result": result,
	})
}

// emailJobFromRequest wraps the request body as an email delivery job
// definition, restoring the body so the handler can still read it.
func emailJobFromRequest(r *http.Request) (reclaim.JobDefinition, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return reclaim.JobDefinition{}, err
	}
	r.Body.Close() //nolint:errcheck
	r.Body = io.NopCloser(bytes.NewReader(body))

	return reclaim.JobDefinition{
		Type:        worker.EmailDeliveryName,
		Priority:    reclaim.PriorityNormal,
		Integration: reclaim.IntegrationEmail,
		Payload:     body,
	}, nil
}

func emailGatePolicy() gate.Policy {
	return gate.Policy{Priority: reclaim.PriorityNormal}
}
