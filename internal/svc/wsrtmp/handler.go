// This file implements the HTTP handler that upgrades requests to WebSocket
// and hands the connection to the RTMP engine.

package wsrtmp

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Path is the route RTMP over WebSocket is served on.
const Path = "/rtmp"

// ConnServer runs an RTMP session on a connection until it ends.
type ConnServer interface {
	ServeConn(conn net.Conn, proto string)
}

// Handler upgrades GET requests and serves RTMP on the WebSocket.
type Handler struct {
	srv      ConnServer
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a handler serving sessions on srv.
func NewHandler(srv ConnServer, log zerolog.Logger) *Handler {
	return &Handler{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			Subprotocols:    []string{"rtmp"},
			// Browser players are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "wsrtmp").Logger(),
	}
}

// ServeHTTP blocks for the lifetime of the RTMP session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	h.srv.ServeConn(NewConn(ws), "ws")
}

// RegisterRoutes registers the WebSocket route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(Path, h)
}
