package health

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-kit/log"
)

// Checker reports whether a dependency is in a usable state. Implemented by
// anything that can fail out from under the server, like an external
// integration's circuit.
type Checker interface {
	HealthCheck() error
}

type checkerFunc func() error

func (f checkerFunc) HealthCheck() error { return f() }

// Handler returns an http.Handler reporting the status of the registered
// checkers. It responds 200 with {"status":"ok"} when every checker passes,
// or 500 with the names of the failing integrations. A ?check= query
// restricts the run to the named checkers.
func Handler(logger log.Logger, allCheckers map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := make(map[string]Checker)
		checks, ok := r.URL.Query()["check"]
		if ok {
			if len(checks) == 0 {
				http.Error(w, "checks must not be empty", http.StatusBadRequest)
				return
			}
			for _, checkName := range checks {
				check, ok := allCheckers[checkName]
				if !ok {
					http.Error(w, "the provided check is not valid", http.StatusBadRequest)
					return
				}
				checkers[checkName] = check
			}
		} else {
			checkers = allCheckers
		}

		healthy, failing := CheckHealth(logger, checkers)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
				"status":  "unavailable",
				"failing": failing,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
	}
}

// CheckHealth runs the checkers and collects the names of those failing,
// sorted for stable responses. Each failure is logged with its cause.
func CheckHealth(logger log.Logger, checkers map[string]Checker) (bool, []string) {
	var failing []string
	for name, hc := range checkers {
		if err := hc.HealthCheck(); err != nil {
			log.With(logger, "component", "healthz").Log("err", err, "health-checker", name)
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return len(failing) == 0, failing
}

// Nop creates a noop checker. Useful in tests.
func Nop() Checker {
	return nop{}
}

type nop struct{}

func (c nop) HealthCheck() error {
	return nil
}
