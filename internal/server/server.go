// This file wires the process together: the stream registry, the media store,
// the RTMP engine and its TCP, WebSocket and SRT transports, and the HTTP
// server carrying health, API, WebSocket and HTTP-FLV routes.

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"rtmpd/internal/config"
	"rtmpd/internal/core/bus"
	"rtmpd/internal/core/handler"
	"rtmpd/internal/core/protocol/amf0"
	"rtmpd/internal/svc/api"
	"rtmpd/internal/svc/diskstream"
	"rtmpd/internal/svc/health"
	"rtmpd/internal/svc/httpflv"
	"rtmpd/internal/svc/rtmp"
	"rtmpd/internal/svc/srt"
	"rtmpd/internal/svc/streams"
	"rtmpd/internal/svc/wsrtmp"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Server owns every listener and shared component.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	registry *bus.Registry
	store    *diskstream.Store
	manager  *streams.Manager

	rtmp *rtmp.Server
	srt  *srt.Server // nil when srt_port is 0
	http *http.Server

	ready atomic.Bool
	errs  chan error
}

// New creates a server instance from a validated configuration.
// Nothing listens until Start is called.
func New(cfg *config.Config, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: bus.NewRegistry(),
		store:    diskstream.NewStore(cfg.Storage.MediaDir, cfg.Storage.ReadSize, log),
		errs:     make(chan error, 3),
	}
	s.manager = streams.NewManager(s.registry, s.store, streams.Config{BufferMessages: cfg.RTMP.BufferMessages}, log)
	s.rtmp = rtmp.NewServer(rtmpConfig(cfg), func(connID uint64, app string, sink streams.Sink) rtmp.StreamOps {
		return s.manager.Open(connID, app, sink)
	}, log)

	services := []string{"rtmp", "rtmp_ws", "http_flv"}
	if cfg.Server.SRTPort != 0 {
		s.srt = srt.NewServer(s.rtmp, srt.Config{Latency: cfg.SRT.Latency, Passphrase: cfg.SRT.Passphrase}, log)
		services = append(services, "rtmp_srt")
	}

	mux := http.NewServeMux()
	health.New(s.ready.Load).RegisterRoutes(mux)
	api.NewService(s.registry, s.rtmp, s.store, services).RegisterRoutes(mux)
	wsrtmp.NewHandler(s.rtmp, log).RegisterRoutes(mux)
	httpflv.NewHandler(s.registry, s.store, cfg.RTMP.BufferMessages, log).RegisterRoutes(mux)
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func rtmpConfig(cfg *config.Config) rtmp.Config {
	return rtmp.Config{
		ChunkSize:       cfg.RTMP.ChunkSize,
		StrictHandshake: cfg.RTMP.Strict(),
		WindowAckSize:   cfg.RTMP.WindowAckSize,
		PeerBandwidth:   cfg.RTMP.PeerBandwidth,
		MaxBodySize:     cfg.RTMP.MaxBodySize,
		Handler: handler.Config{
			ReadTimeout:  cfg.RTMP.ReadTimeout,
			WriteTimeout: cfg.RTMP.WriteTimeout,
			MaxTimeouts:  cfg.RTMP.MaxTimeouts,
		},
		AMF: amf0.Decoder{
			MaxDepth:      cfg.AMF.MaxDepth,
			MaxProperties: cfg.AMF.MaxProperties,
			MaxBytes:      cfg.AMF.MaxBytes,
		},
	}
}

// Start binds every listener, then serves in the background.
// A listener that fails later is reported on Errors.
func (s *Server) Start() error {
	if err := s.rtmp.Listen(fmt.Sprintf(":%d", s.cfg.Server.RTMPPort)); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		s.rtmp.Close()
		return errors.Wrapf(err, "listen http %s", s.http.Addr)
	}
	if s.srt != nil {
		if err := s.srt.Listen(fmt.Sprintf(":%d", s.cfg.Server.SRTPort)); err != nil {
			ln.Close()
			s.rtmp.Close()
			return err
		}
		go s.serve("srt", s.srt.Serve)
	}
	go s.serve("rtmp", s.rtmp.Serve)
	go s.serve("http", func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("http listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.ready.Store(true)
	s.log.Info().Str("media_dir", s.store.Root()).Msg("server started")
	return nil
}

func (s *Server) serve(name string, fn func() error) {
	if err := fn(); err != nil {
		s.errs <- errors.Wrap(err, name)
	}
}

// Errors delivers listener failures after Start.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Registry returns the live stream registry.
func (s *Server) Registry() *bus.Registry {
	return s.registry
}

// RTMPAddr returns the bound RTMP address, or nil before Start.
func (s *Server) RTMPAddr() net.Addr {
	return s.rtmp.Addr()
}

// Shutdown stops accepting, closes every connection and releases the media store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	err := s.http.Shutdown(ctx)
	if cerr := s.rtmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if s.srt != nil {
		s.srt.Close()
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.log.Info().Msg("server stopped")
	return err
}
