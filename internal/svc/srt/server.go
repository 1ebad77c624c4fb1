// This file implements the SRT listener. Each accepted SRT connection
// carries a plain RTMP byte stream, handshake included, and is handed to the
// RTMP engine like a TCP connection.

package srt

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	gosrt "github.com/datarhei/gosrt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ConnServer runs an RTMP session on a connection until it ends.
type ConnServer interface {
	ServeConn(conn net.Conn, proto string)
}

// Config configures the listener.
type Config struct {
	Latency    time.Duration
	Passphrase string // when set, callers must encrypt with the same passphrase
}

// Server accepts SRT connections.
type Server struct {
	srv ConnServer
	cfg Config
	log zerolog.Logger

	ln     gosrt.Listener
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewServer creates a server handing connections to srv.
func NewServer(srv ConnServer, cfg Config, log zerolog.Logger) *Server {
	return &Server{
		srv: srv,
		cfg: cfg,
		log: log.With().Str("component", "srt").Logger(),
	}
}

// Listen binds the UDP address.
func (s *Server) Listen(addr string) error {
	cfg := gosrt.DefaultConfig()
	if s.cfg.Latency > 0 {
		cfg.Latency = s.cfg.Latency
	}
	ln, err := gosrt.Listen("srt", addr, cfg)
	if err != nil {
		return errors.Wrapf(err, "listen srt %s", addr)
	}
	s.ln = ln
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("srt server is not listening")
	}
	s.log.Info().Str("addr", s.ln.Addr().String()).Bool("encrypted", s.cfg.Passphrase != "").Msg("listening")
	for {
		conn, _, err := s.ln.Accept(s.accept)
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		if conn == nil {
			// rejected by accept
			continue
		}
		s.log.Debug().Str("stream_id", conn.StreamId()).Str("remote", conn.RemoteAddr().String()).Msg("srt connection")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.srv.ServeConn(conn, "srt")
		}()
	}
}

// accept decides on a connection request. The RTMP session on top is full
// duplex, so every accepted caller is treated as a publisher.
func (s *Server) accept(req gosrt.ConnRequest) gosrt.ConnType {
	log := s.log.With().Str("remote", req.RemoteAddr().String()).Str("stream_id", req.StreamId()).Logger()
	if s.cfg.Passphrase == "" {
		if req.IsEncrypted() {
			log.Warn().Msg("encrypted caller rejected, no passphrase configured")
			return gosrt.REJECT
		}
		return gosrt.PUBLISH
	}
	if !req.IsEncrypted() {
		log.Warn().Msg("unencrypted caller rejected")
		return gosrt.REJECT
	}
	if err := req.SetPassphrase(s.cfg.Passphrase); err != nil {
		log.Warn().Err(err).Msg("passphrase mismatch")
		return gosrt.REJECT
	}
	return gosrt.PUBLISH
}

// Close stops accepting and waits for the accept loop's sessions to end.
// Sessions end when the RTMP server closes them.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}
