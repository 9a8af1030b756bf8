package gate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

// JobFromRequest builds the deferred job definition for a request that the
// gate decides not to execute inline.
type JobFromRequest func(r *http.Request) (reclaim.JobDefinition, error)

// CheckIntegrationHealth is the admission middleware: it consults the gate
// before the handler runs. Rejections respond 503 with a Retry-After header
// and suggested actions; deferred requests respond 202 with the queued job
// id, so callers can tell "your request will still happen" from "your request
// did not happen".
func (g *Gate) CheckIntegrationHealth(intg reclaim.Integration, pol Policy, jobFromRequest JobFromRequest) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := g.Check(r.Context(), intg, pol)

			switch res.Decision {
			case DecisionReject:
				writeRejection(w, intg, res)
				return

			case DecisionQueue:
				if jobFromRequest == nil {
					writeRejection(w, intg, res)
					return
				}
				def, err := jobFromRequest(r)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				job, err := g.enqueueDeferred(r.Context(), def, pol.Priority)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusAccepted)
				json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
					"status":      "queued",
					"job_id":      job.ID,
					"integration": intg,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandleIntegrationFailure is the outcome middleware: it buffers the
// handler's response, reports the call outcome to the health tracker, and
// turns a retryable inline failure into a deferred high-priority job when
// queue-on-failure applies.
func (g *Gate) HandleIntegrationFailure(intg reclaim.Integration, pol Policy, jobFromRequest JobFromRequest) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// the request body may need to be replayed into a deferred job
			var def *reclaim.JobDefinition
			if jobFromRequest != nil {
				if d, err := jobFromRequest(r); err == nil {
					def = &d
				}
			}

			bw := &bufferedResponseWriter{header: make(http.Header)}
			next.ServeHTTP(bw, r)

			if bw.status() < http.StatusInternalServerError {
				// the integration served the call; 4xx is a business
				// rejection, not an integration failure
				g.tracker.ReportSuccess(r.Context(), intg)
				bw.copyTo(w)
				return
			}

			callErr := reclaim.NewStatusError(bw.status(), fmt.Errorf("integration call failed"))
			g.tracker.ReportFailure(r.Context(), intg, callErr)

			if pol.queueOnFailure(g.cfg.QueueOnFailure) && def != nil {
				job, err := g.enqueueDeferred(r.Context(), *def, reclaim.PriorityHigh)
				if err == nil {
					level.Info(g.logger).Log("msg", "gated call failed, re-submitted as job",
						"integration", intg, "job_id", job.ID, "status", bw.status())
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusAccepted)
					json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
						"status":      "queued",
						"job_id":      job.ID,
						"integration": intg,
					})
					return
				}
				level.Error(g.logger).Log("msg", "re-submission of failed gated call failed",
					"integration", intg, "err", err)
			}
			bw.copyTo(w)
		})
	}
}

func writeRejection(w http.ResponseWriter, intg reclaim.Integration, res CheckResult) {
	rerr := &RejectedError{Integration: intg, Status: res.Status, RetryDelay: res.RetryAfter, Actions: res.SuggestedActions}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(rerr.RetryAfter()))
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"message":             rerr.Error(),
		"integration":         intg,
		"integration_status":  res.Status,
		"retry_after_seconds": rerr.RetryAfter(),
		"suggested_actions":   res.SuggestedActions,
	})
}

// bufferedResponseWriter holds the handler's full response so the gate can
// replace a failed one with an "accepted, queued" response.
type bufferedResponseWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }

func (w *bufferedResponseWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
}

func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *bufferedResponseWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

func (w *bufferedResponseWriter) copyTo(dst http.ResponseWriter) {
	for k, vs := range w.header {
		for _, v := range vs {
			dst.Header().Add(k, v)
		}
	}
	dst.WriteHeader(w.status())
	dst.Write(w.body.Bytes()) //nolint:errcheck
}
