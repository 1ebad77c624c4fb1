// This file implements HTTP API handlers.
// Handlers only read snapshots; none of them block a connection.

package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"rtmpd/internal/svc/diskstream"
	"rtmpd/internal/svc/rtmp"
)

// ServerResponse represents the /api/server response.
type ServerResponse struct {
	Version         string   `json:"version"`
	Uptime          int64    `json:"uptime"` // seconds
	GoVersion       string   `json:"go_version"`
	EnabledServices []string `json:"enabled_services"`
}

// StreamInfo represents information about a live stream.
type StreamInfo struct {
	App             string    `json:"app"`
	Name            string    `json:"name"`
	HasPublisher    bool      `json:"has_publisher"`
	PublisherID     uint64    `json:"publisher_id,omitempty"`
	Since           time.Time `json:"since"`
	SubscriberCount int       `json:"subscriber_count"`
	Published       uint64    `json:"published"` // messages
}

// StreamsResponse represents the /api/streams response.
type StreamsResponse struct {
	Streams []StreamInfo `json:"streams"`
}

// ConnectionsResponse represents the /api/connections response.
type ConnectionsResponse struct {
	Connections []rtmp.ConnInfo `json:"connections"`
}

// MediaResponse represents the /api/media response.
type MediaResponse struct {
	Files []diskstream.Entry `json:"files"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleServer handles GET /api/server.
func (s *Service) handleServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, ServerResponse{
		Version:         Version,
		Uptime:          int64(time.Since(s.started).Seconds()),
		GoVersion:       runtime.Version(),
		EnabledServices: s.services,
	})
}

// handleStreams handles GET /api/streams.
func (s *Service) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	infos := s.registry.Infos()
	streams := make([]StreamInfo, 0, len(infos))
	for _, info := range infos {
		streams = append(streams, StreamInfo{
			App:             info.Key.App,
			Name:            info.Key.Name,
			HasPublisher:    info.PublisherID != 0,
			PublisherID:     info.PublisherID,
			Since:           info.Since,
			SubscriberCount: info.Subscribers,
			Published:       info.Published,
		})
	}
	s.writeJSON(w, http.StatusOK, StreamsResponse{Streams: streams})
}

// handleConnections handles GET /api/connections.
func (s *Service) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	conns := []rtmp.ConnInfo{}
	if s.conns != nil {
		conns = s.conns.Connections()
	}
	s.writeJSON(w, http.StatusOK, ConnectionsResponse{Connections: conns})
}

// handleMedia handles GET /api/media.
func (s *Service) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.media == nil {
		s.writeError(w, http.StatusNotFound, "recorded playback is disabled")
		return
	}
	files, err := s.media.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []diskstream.Entry{}
	}
	s.writeJSON(w, http.StatusOK, MediaResponse{Files: files})
}

// writeJSON writes a JSON response.
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
