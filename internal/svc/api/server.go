// This file provides the HTTP API service. The API exposes live streams,
// open connections and recorded media without touching the media paths.

package api

import (
	"net/http"
	"time"

	"rtmpd/internal/core/bus"
	"rtmpd/internal/svc/diskstream"
	"rtmpd/internal/svc/rtmp"
)

// Version is reported by /api/server.
var Version = "dev"

// ConnLister lists open RTMP connections.
type ConnLister interface {
	Connections() []rtmp.ConnInfo
}

// MediaLister lists recorded files available for playback.
type MediaLister interface {
	List() ([]diskstream.Entry, error)
}

// Service provides HTTP API functionality.
type Service struct {
	registry *bus.Registry
	conns    ConnLister
	media    MediaLister // nil when recorded playback is disabled
	services []string
	started  time.Time
}

// NewService creates a new API service. services names the enabled
// listeners for /api/server.
func NewService(registry *bus.Registry, conns ConnLister, media MediaLister, services []string) *Service {
	return &Service{
		registry: registry,
		conns:    conns,
		media:    media,
		services: services,
		started:  time.Now(),
	}
}

// RegisterRoutes registers API routes on the provided mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/server", s.handleServer)
	mux.HandleFunc("/api/streams", s.handleStreams)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/media", s.handleMedia)
}
