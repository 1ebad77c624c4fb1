// This file implements the RTMP version/echo handshake.
// Both roles run the same four steps: send version and packet, read the peer's,
// echo the peer's random block, and check the peer's echo of ours.

package rtmp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidVersion    = errors.New("invalid RTMP version")
	ErrHandshakeMismatch = errors.New("handshake echo mismatch")
	ErrHandshakeDone     = errors.New("handshake already complete")
)

// HandshakeState is the position of a Handshake in its step sequence.
type HandshakeState int

const (
	SendVersion HandshakeState = iota
	AwaitPeerVersion
	SendEcho
	AwaitPeerEcho
	HandshakeComplete
)

func (s HandshakeState) String() string {
	switch s {
	case SendVersion:
		return "send-version"
	case AwaitPeerVersion:
		return "await-peer-version"
	case SendEcho:
		return "send-echo"
	case AwaitPeerEcho:
		return "await-peer-echo"
	case HandshakeComplete:
		return "done"
	default:
		return "unknown"
	}
}

// Handshake drives one side of the handshake over an io.ReadWriter.
type Handshake struct {
	// StrictEcho fails the handshake when the peer's echo does not match our
	// random block. When false the mismatch is logged and ignored.
	StrictEcho bool
	// Clock returns the millisecond timestamp written into outbound packets.
	Clock func() uint32
	// Rand fills the random block. Defaults to crypto/rand.
	Rand io.Reader
	Log  zerolog.Logger

	state    HandshakeState
	packet   []byte // our version packet, without the version byte
	peer     []byte // peer's version packet
	mismatch bool
}

// NewHandshake creates a handshake whose clock counts milliseconds from now.
func NewHandshake(strict bool, log zerolog.Logger) *Handshake {
	start := time.Now()
	return &Handshake{
		StrictEcho: strict,
		Clock: func() uint32 {
			return uint32(time.Since(start).Milliseconds())
		},
		Rand: rand.Reader,
		Log:  log,
	}
}

// State returns the current step.
func (h *Handshake) State() HandshakeState {
	return h.state
}

// Done reports whether the handshake finished.
func (h *Handshake) Done() bool {
	return h.state == HandshakeComplete
}

// Mismatch reports whether the peer's echo differed from our packet.
func (h *Handshake) Mismatch() bool {
	return h.mismatch
}

// Packet returns our version packet once it has been sent.
func (h *Handshake) Packet() []byte {
	return h.packet
}

// PeerPacket returns the peer's version packet once it has been read.
func (h *Handshake) PeerPacket() []byte {
	return h.peer
}

// Run performs the remaining steps until the handshake completes or fails.
func (h *Handshake) Run(rw io.ReadWriter) error {
	for !h.Done() {
		if err := h.Step(rw); err != nil {
			return err
		}
	}
	return nil
}

// Step performs exactly one transition.
func (h *Handshake) Step(rw io.ReadWriter) error {
	switch h.state {
	case SendVersion:
		pkt := make([]byte, HandshakePacketSize)
		binary.BigEndian.PutUint32(pkt[0:4], h.now())
		if _, err := io.ReadFull(h.random(), pkt[8:]); err != nil {
			return errors.Wrap(err, "handshake random")
		}
		out := make([]byte, 0, HandshakeC0C1Size)
		out = append(out, RTMPVersion)
		out = append(out, pkt...)
		if _, err := rw.Write(out); err != nil {
			return errors.Wrap(err, "write version packet")
		}
		h.packet = pkt
		h.state = AwaitPeerVersion

	case AwaitPeerVersion:
		var version [1]byte
		if _, err := io.ReadFull(rw, version[:]); err != nil {
			return errors.Wrap(err, "read peer version")
		}
		if version[0] != RTMPVersion {
			return errors.Wrapf(ErrInvalidVersion, "peer sent %d", version[0])
		}
		peer := make([]byte, HandshakePacketSize)
		if _, err := io.ReadFull(rw, peer); err != nil {
			return errors.Wrap(err, "read peer packet")
		}
		h.peer = peer
		h.state = SendEcho

	case SendEcho:
		echo := make([]byte, HandshakePacketSize)
		binary.BigEndian.PutUint32(echo[0:4], h.now())
		copy(echo[4:8], h.peer[0:4])
		copy(echo[8:], h.peer[8:])
		if _, err := rw.Write(echo); err != nil {
			return errors.Wrap(err, "write echo")
		}
		h.state = AwaitPeerEcho

	case AwaitPeerEcho:
		reply := make([]byte, HandshakePacketSize)
		if _, err := io.ReadFull(rw, reply); err != nil {
			return errors.Wrap(err, "read peer echo")
		}
		if !bytes.Equal(reply[8:], h.packet[8:]) {
			h.mismatch = true
			if h.StrictEcho {
				return ErrHandshakeMismatch
			}
			h.Log.Warn().Msg("handshake echo does not match, continuing")
		}
		h.state = HandshakeComplete

	default:
		return ErrHandshakeDone
	}
	return nil
}

func (h *Handshake) now() uint32 {
	if h.Clock == nil {
		return 0
	}
	return h.Clock()
}

func (h *Handshake) random() io.Reader {
	if h.Rand == nil {
		return rand.Reader
	}
	return h.Rand
}

// TimestampDelta returns the difference between the time fields of two
// handshake packets, second minus first. A leading version byte is skipped.
func TimestampDelta(first, second []byte) uint32 {
	return packetTime(second) - packetTime(first)
}

func packetTime(p []byte) uint32 {
	if len(p) == HandshakeC0C1Size {
		p = p[1:]
	}
	if len(p) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(p[0:4])
}
