// Package service exposes the job queue, integration health and manual
// intervention operations over HTTP.
package service

import (
	"net/http"

	kitlog "github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/reclaimhq/reclaim/server/config"
	"github.com/reclaimhq/reclaim/server/gate"
	"github.com/reclaimhq/reclaim/server/health"
	"github.com/reclaimhq/reclaim/server/queue"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/reclaimhq/reclaim/server/worker"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// Service holds the core subsystems the HTTP layer delegates to.
type Service struct {
	queue   *queue.Queue
	tracker *health.Tracker
	gate    *gate.Gate
	email   *worker.EmailDelivery
	logger  kitlog.Logger
}

func NewService(q *queue.Queue, tracker *health.Tracker, g *gate.Gate, email *worker.EmailDelivery, logger kitlog.Logger) *Service {
	return &Service{
		queue:   q,
		tracker: tracker,
		gate:    g,
		email:   email,
		logger:  logger,
	}
}

// MakeHandler returns the API router. The enqueue endpoint is rate limited
// per client address.
func MakeHandler(svc *Service, cfg config.ReclaimConfig) (http.Handler, error) {
	limiter, err := enqueueRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1/reclaim").Subrouter()

	api.Handle("/jobs", limiter.RateLimit(http.HandlerFunc(svc.addJob))).Methods("POST")
	api.HandleFunc("/jobs", svc.listJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", svc.getJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", svc.cancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", svc.retryJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/intervention", svc.markIntervention).Methods("POST")
	api.HandleFunc("/interventions", svc.listInterventions).Methods("GET")
	api.HandleFunc("/interventions/{id}/resolve", svc.resolveIntervention).Methods("POST")
	api.HandleFunc("/queue/stats", svc.queueStats).Methods("GET")
	api.HandleFunc("/integrations", svc.listIntegrations).Methods("GET")
	api.HandleFunc("/integrations/{integration}/maintenance", svc.setMaintenance).Methods("POST")

	// Inline delivery, gated on email integration health. An unhealthy
	// integration defers the request as a queued job instead of failing it.
	emailRoute := api.PathPrefix("/email/send").Subrouter()
	emailRoute.Use(
		svc.gate.CheckIntegrationHealth(reclaim.IntegrationEmail, emailGatePolicy(), emailJobFromRequest),
		svc.gate.HandleIntegrationFailure(reclaim.IntegrationEmail, emailGatePolicy(), emailJobFromRequest),
	)
	emailRoute.HandleFunc("", svc.sendEmail).Methods("POST")

	return r, nil
}

func enqueueRateLimiter(cfg config.RateLimitConfig) (*throttled.HTTPRateLimiter, error) {
	store, err := memstore.New(65536)
	if err != nil {
		return nil, err
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerMin(cfg.EnqueuePerMinute),
		MaxBurst: cfg.EnqueueBurst,
	}
	limiter, err := throttled.NewGCRARateLimiter(store, quota)
	if err != nil {
		return nil, err
	}
	return &throttled.HTTPRateLimiter{
		RateLimiter: limiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}, nil
}
