package service

import (
	"encoding/json"
	"net/http"
	"strconv"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

type jsonError struct {
	Message string                    `json:"message"`
	Errors  []reclaim.InvalidArgument `json:"errors,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// encodeError writes err as a JSON response with the appropriate status
// code.
func encodeError(logger kitlog.Logger, w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)

	if ra, ok := err.(reclaim.ErrWithRetryAfter); ok {
		w.Header().Set("Retry-After", strconv.Itoa(ra.RetryAfter()))
	}

	type validationError interface {
		Invalid() []reclaim.InvalidArgument
	}
	if ve, ok := err.(validationError); ok {
		w.WriteHeader(http.StatusUnprocessableEntity)
		enc.Encode(jsonError{ //nolint:errcheck
			Message: "Validation Failed",
			Errors:  ve.Invalid(),
		})
		return
	}

	type notFoundError interface {
		IsNotFound() bool
	}
	if _, ok := err.(notFoundError); ok {
		w.WriteHeader(http.StatusNotFound)
		enc.Encode(jsonError{Message: "Resource Not Found", Error: err.Error()}) //nolint:errcheck
		return
	}

	if sc, ok := err.(reclaim.ErrWithStatusCode); ok {
		w.WriteHeader(sc.StatusCode())
		enc.Encode(jsonError{Message: http.StatusText(sc.StatusCode()), Error: err.Error()}) //nolint:errcheck
		return
	}

	level.Error(logger).Log("msg", "unhandled service error", "err", err)
	w.WriteHeader(http.StatusInternalServerError)
	enc.Encode(jsonError{Message: "Internal Server Error"}) //nolint:errcheck
}

// encodeJSON writes v as a JSON response with the given status code.
func encodeJSON(logger kitlog.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(logger).Log("msg", "encode response", "err", err)
	}
}

// decodeJSON reads the request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close() //nolint:errcheck
	return json.NewDecoder(r.Body).Decode(v)
}
