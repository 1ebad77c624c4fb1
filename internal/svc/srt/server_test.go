// This file tests RTMP over SRT against a loopback listener.

package srt

import (
	"net"
	"sync"
	"testing"
	"time"

	rtmpprotocol "rtmpd/internal/core/protocol/rtmp"

	gosrt "github.com/datarhei/gosrt"
	"github.com/rs/zerolog"
)

// handshakeServer completes the RTMP handshake on each connection.
type handshakeServer struct {
	mu     sync.Mutex
	protos []string
	errs   chan error
}

func (h *handshakeServer) ServeConn(conn net.Conn, proto string) {
	defer conn.Close()
	h.mu.Lock()
	h.protos = append(h.protos, proto)
	h.mu.Unlock()
	h.errs <- rtmpprotocol.NewHandshake(true, zerolog.Nop()).Run(conn)
}

func startSRT(t *testing.T, cfg Config) (*Server, *handshakeServer) {
	t.Helper()
	hs := &handshakeServer{errs: make(chan error, 1)}
	s := NewServer(hs, cfg, zerolog.Nop())
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go s.Serve()
	t.Cleanup(s.Close)
	return s, hs
}

func TestRTMPHandshakeOverSRT(t *testing.T) {
	s, hs := startSRT(t, Config{Latency: 50 * time.Millisecond})

	cfg := gosrt.DefaultConfig()
	cfg.StreamId = "live/cam"
	conn, err := gosrt.Dial("srt", s.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := rtmpprotocol.NewHandshake(true, zerolog.Nop()).Run(conn); err != nil {
		t.Fatalf("Client handshake failed: %v", err)
	}
	select {
	case err := <-hs.errs:
		if err != nil {
			t.Fatalf("Server handshake failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for server handshake")
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.protos) != 1 || hs.protos[0] != "srt" {
		t.Errorf("Expected one srt session, got %v", hs.protos)
	}
}

func TestSRTRejectsUnencryptedCaller(t *testing.T) {
	s, _ := startSRT(t, Config{Passphrase: "correct horse battery"})

	cfg := gosrt.DefaultConfig()
	cfg.StreamId = "live/cam"
	conn, err := gosrt.Dial("srt", s.Addr().String(), cfg)
	if err == nil {
		conn.Close()
		t.Fatal("Expected dial without passphrase to be rejected")
	}
}
