package service

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

func (svc *Service) markIntervention(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("body", err.Error()))
		return
	}
	if body.Reason == "" {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("reason", "must not be empty"))
		return
	}

	escalated := svc.queue.MarkForManualIntervention(r.Context(), id, body.Reason)
	encodeJSON(svc.logger, w, http.StatusOK, map[string]bool{"escalated": escalated})
}

func (svc *Service) listInterventions(w http.ResponseWriter, r *http.Request) {
	interventions := svc.queue.PendingInterventions(r.Context())
	if interventions == nil {
		interventions = []*reclaim.ManualIntervention{}
	}
	encodeJSON(svc.logger, w, http.StatusOK, map[string]interface{}{"interventions": interventions})
}

func (svc *Service) resolveIntervention(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Action          string          `json:"action"`
		ModifiedPayload json.RawMessage `json:"modified_payload,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("body", err.Error()))
		return
	}
	action, err := reclaim.ParseResolutionAction(body.Action)
	if err != nil {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("action", err.Error()))
		return
	}

	if err := svc.queue.ResolveIntervention(r.Context(), id, action, body.ModifiedPayload); err != nil {
		encodeError(svc.logger, w, err)
		return
	}
	encodeJSON(svc.logger, w, http.StatusOK, map[string]bool{"resolved": true})
}

func (svc *Service) listIntegrations(w http.ResponseWriter, r *http.Request) {
	encodeJSON(svc.logger, w, http.StatusOK, map[string]interface{}{"integrations": svc.tracker.All()})
}

func (svc *Service) setMaintenance(w http.ResponseWriter, r *http.Request) {
	intg := reclaim.Integration(mux.Vars(r)["integration"])
	if !intg.Valid() {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("integration", "unknown integration"))
		return
	}

	var body struct {
		On bool `json:"on"`
	}
	if err := decodeJSON(r, &body); err != nil {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("body", err.Error()))
		return
	}

	svc.tracker.SetMaintenance(r.Context(), intg, body.On)
	encodeJSON(svc.logger, w, http.StatusOK, svc.tracker.Status(intg))
}
