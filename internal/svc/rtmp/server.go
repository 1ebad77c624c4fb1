// This file implements the RTMP server: the accept loop, the connection
// registry and ServeConn, which runs one session on any net.Conn so TCP,
// WebSocket and SRT transports share the same protocol engine.

package rtmp

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rtmpd/internal/core/handler"
	"rtmpd/internal/core/protocol/amf0"
	rtmpprotocol "rtmpd/internal/core/protocol/rtmp"
	"rtmpd/internal/svc/streams"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config bounds the protocol engine for every connection.
type Config struct {
	ChunkSize       int  // outbound chunk size announced after connect
	StrictHandshake bool // an echo mismatch fails the handshake
	WindowAckSize   uint32
	PeerBandwidth   uint32
	MaxBodySize     uint32
	Handler         handler.Config
	AMF             amf0.Decoder
}

// DefaultConfig returns the engine bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       4096,
		StrictHandshake: true,
		WindowAckSize:   2500000,
		PeerBandwidth:   2500000,
		MaxBodySize:     8 * 1024 * 1024,
		Handler:         handler.DefaultConfig(),
		AMF:             amf0.DefaultDecoder,
	}
}

// StreamOps receives the stream commands of one connection.
// Responses are written asynchronously through the connection's streams.Sink.
type StreamOps interface {
	CreateStream(id uint32) error
	PlayStream(id uint32, name string, start float64) error
	SeekStream(id uint32, ms float64) error
	PauseStream(id uint32) error
	ResumeStream(id uint32) error
	TogglePause(id uint32) error
	PublishStream(id uint32, name, kind string) error
	CloseStream(id uint32) error
	OnMessage(id uint32, typ rtmpprotocol.MessageType, timestamp uint32, body []byte)
	Close()
}

// OpenFunc creates the stream operations for a connection after connect.
type OpenFunc func(connID uint64, app string, sink streams.Sink) StreamOps

// Server accepts RTMP connections and tracks them until they close.
type Server struct {
	cfg  Config
	open OpenFunc
	log  zerolog.Logger

	listener     net.Listener
	nextID       atomic.Uint64
	nextClientID atomic.Uint32
	closed       atomic.Bool

	mu    sync.Mutex
	conns map[uint64]*Session
	wg    sync.WaitGroup
}

// NewServer creates a server. open is called once per connection on connect.
func NewServer(cfg Config, open OpenFunc, log zerolog.Logger) *Server {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.AMF.MaxDepth == 0 {
		cfg.AMF = amf0.DefaultDecoder
	}
	return &Server{
		cfg:   cfg,
		open:  open,
		log:   log.With().Str("component", "rtmp").Logger(),
		conns: make(map[uint64]*Session),
	}
}

// Listen starts listening on the specified TCP address.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.listener = ln
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rtmp server is not listening")
	}
	s.log.Info().Str("addr", s.listener.Addr().String()).Msg("listening")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		go s.ServeConn(conn, "tcp")
	}
}

// ServeConn runs one RTMP session on conn and blocks until it ends.
// proto names the transport in logs and connection listings.
func (s *Server) ServeConn(conn net.Conn, proto string) {
	id := s.nextID.Add(1)
	sess := newSession(id, proto, conn, s)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		sess.h.Die()
		return
	}
	s.conns[id] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	sess.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("connection opened")
	err := sess.serve()
	ev := sess.log.Info()
	if err != nil && !errors.Is(err, handler.ErrIoClosed) {
		ev = sess.log.Warn().Err(err)
	}
	ev.Uint64("in", sess.h.BytesIn()).Uint64("out", sess.h.BytesOut()).Msg("connection closed")
}

// ConnInfo describes one open connection.
type ConnInfo struct {
	ID        uint64    `json:"id"`
	Proto     string    `json:"proto"`
	Remote    string    `json:"remote"`
	App       string    `json:"app"`
	State     string    `json:"state"`
	ClientIDs []uint32  `json:"client_ids,omitempty"`
	Started   time.Time `json:"started"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
}

// Connections returns a snapshot of open connections ordered by id.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.conns))
	for _, sess := range s.conns {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]ConnInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection and waits for them to end.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for _, sess := range s.conns {
		sess.h.Die()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
