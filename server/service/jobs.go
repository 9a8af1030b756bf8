package service

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

func (svc *Service) addJob(w http.ResponseWriter, r *http.Request) {
	var def reclaim.JobDefinition
	if err := decodeJSON(r, &def); err != nil {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("body", err.Error()))
		return
	}

	job, err := svc.queue.AddJob(r.Context(), def)
	if err != nil {
		encodeError(svc.logger, w, err)
		return
	}
	encodeJSON(svc.logger, w, http.StatusCreated, job)
}

func (svc *Service) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := svc.queue.GetJob(r.Context(), id)
	if err != nil {
		encodeError(svc.logger, w, err)
		return
	}
	encodeJSON(svc.logger, w, http.StatusOK, job)
}

func (svc *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*reclaim.QueuedJob

	statusParam := r.URL.Query().Get("status")
	intgParam := r.URL.Query().Get("integration")

	intg := reclaim.Integration(intgParam)
	if intgParam != "" && !intg.Valid() {
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("integration", "unknown integration"))
		return
	}

	switch {
	case statusParam != "":
		status, err := reclaim.ParseJobStatus(statusParam)
		if err != nil {
			encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("status", err.Error()))
			return
		}
		jobs = svc.queue.GetJobsByStatus(r.Context(), status)
		if intgParam != "" {
			filtered := jobs[:0]
			for _, job := range jobs {
				if job.Integration == intg {
					filtered = append(filtered, job)
				}
			}
			jobs = filtered
		}

	case intgParam != "":
		jobs = svc.queue.GetJobsByIntegration(r.Context(), intg)

	default:
		encodeError(svc.logger, w, reclaim.NewInvalidArgumentError("query", "status or integration filter required"))
		return
	}

	if jobs == nil {
		jobs = []*reclaim.QueuedJob{}
	}
	encodeJSON(svc.logger, w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (svc *Service) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Reason string `json:"reason"`
	}
	// body is optional
	decodeJSON(r, &body) //nolint:errcheck

	cancelled := svc.queue.CancelJob(r.Context(), id, body.Reason)
	encodeJSON(svc.logger, w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (svc *Service) retryJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	retried := svc.queue.RetryJob(r.Context(), id)
	encodeJSON(svc.logger, w, http.StatusOK, map[string]bool{"retried": retried})
}

func (svc *Service) queueStats(w http.ResponseWriter, r *http.Request) {
	encodeJSON(svc.logger, w, http.StatusOK, svc.queue.Stats(r.Context()))
}
