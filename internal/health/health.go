package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Check is a named dependency probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. Each check gets one second; any failure answers 503.
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		for _, c := range checks {
			if st.Checks == nil {
				st.Checks = make(map[string]bool, len(checks))
			}
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			err := c.Ping(ctx)
			cancel()

			st.Checks[c.Name] = err == nil
			if err != nil && st.OK {
				st.OK = false
				st.Message = c.Name + " ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
