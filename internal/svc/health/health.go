// This file implements the health check endpoint used by monitoring and tests.

package health

import (
	"net/http"
)

// Service provides health check functionality.
type Service struct {
	ready func() bool
}

// New creates a health service. ready reports whether the listeners are up;
// nil means always ready.
func New(ready func() bool) *Service {
	return &Service{ready: ready}
}

// RegisterRoutes adds /healthz to the provided mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
}

// handleHealth returns 200 when ready and 503 otherwise.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
