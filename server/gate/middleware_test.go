package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/reclaimhq/reclaim/server/reclaim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatedRouter(g *Gate, handler http.HandlerFunc, jobFromRequest JobFromRequest) *mux.Router {
	r := mux.NewRouter()
	sub := r.Path("/send").Subrouter()
	sub.Use(
		g.CheckIntegrationHealth(reclaim.IntegrationEmail, Policy{}, jobFromRequest),
		g.HandleIntegrationFailure(reclaim.IntegrationEmail, Policy{}, jobFromRequest),
	)
	sub.HandleFunc("", handler).Methods("POST")
	return r
}

func emailDef(r *http.Request) (reclaim.JobDefinition, error) {
	return reclaim.JobDefinition{Type: "email_delivery", Integration: reclaim.IntegrationEmail}, nil
}

func TestMiddlewarePassesThroughWhenHealthy(t *testing.T) {
	q := &mockEnqueuer{}
	g, tracker := testGate(reclaim.IntegrationHealthy, q)

	router := gatedRouter(g, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"sent":true}`)) //nolint:errcheck
	}, emailDef)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/send", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sent":true}`, rr.Body.String())
	assert.True(t, tracker.ReportSuccessFuncInvoked)
	assert.False(t, q.AddJobFuncInvoked)
}

func TestMiddlewareQueuesWhenFailed(t *testing.T) {
	q := &mockEnqueuer{}
	g, _ := testGate(reclaim.IntegrationFailed, q)

	handlerCalled := false
	router := gatedRouter(g, func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}, emailDef)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/send", nil))

	assert.False(t, handlerCalled)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.True(t, q.AddJobFuncInvoked)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "queued", body["status"])
}

func TestMiddlewareRejectsWhileRecovering(t *testing.T) {
	g, _ := testGate(reclaim.IntegrationRecovering, &mockEnqueuer{})

	router := gatedRouter(g, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}, emailDef)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/send", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "recovering", body["integration_status"])
	assert.NotEmpty(t, body["suggested_actions"])
}

func TestMiddlewareReplacesServerErrorWithQueuedResponse(t *testing.T) {
	q := &mockEnqueuer{}
	g, tracker := testGate(reclaim.IntegrationHealthy, q)

	router := gatedRouter(g, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}, emailDef)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/send", nil))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.True(t, tracker.ReportFailureFuncInvoked)
	assert.True(t, q.AddJobFuncInvoked)
	assert.Equal(t, reclaim.PriorityHigh, q.lastDef.Priority)
}

func TestMiddlewareKeepsClientErrors(t *testing.T) {
	q := &mockEnqueuer{}
	g, tracker := testGate(reclaim.IntegrationHealthy, q)

	router := gatedRouter(g, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad recipient", http.StatusUnprocessableEntity)
	}, emailDef)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/send", nil))

	// a 4xx is a business rejection, not an integration failure
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.True(t, tracker.ReportSuccessFuncInvoked)
	assert.False(t, q.AddJobFuncInvoked)
}
