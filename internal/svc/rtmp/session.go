// This file implements Session, the protocol unit of one connection. It runs
// the handshake over the handler's queues, reassembles messages with a
// ChunkReader and frames responses into the outgoing queue. Session is also
// the streams.Sink its stream operations write to.

package rtmp

import (
	"io"
	"net"
	"sync"

	"rtmpd/internal/core/buffer"
	"rtmpd/internal/core/handler"
	"rtmpd/internal/core/protocol/amf0"
	rtmpprotocol "rtmpd/internal/core/protocol/rtmp"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Session states reported by Info.
const (
	StateHandshake  = "handshake"
	StateConnecting = "connecting"
	StateConnected  = "connected"
)

// Session is one RTMP connection.
type Session struct {
	id    uint64
	proto string
	srv   *Server
	cfg   Config
	h     *handler.Handler
	log   zerolog.Logger

	// Owned by the serve goroutine.
	reader       *rtmpprotocol.ChunkReader
	ack          rtmpprotocol.AckWindow
	lastBytes    uint64
	ops          StreamOps
	nextStreamID uint32

	// Header compression state must follow queue order, so framing and
	// pushing happen under one lock.
	wmu    sync.Mutex
	writer *rtmpprotocol.ChunkWriter

	infoMu    sync.Mutex
	app       string
	state     string
	clientIDs []uint32
}

func newSession(id uint64, proto string, conn net.Conn, srv *Server) *Session {
	log := srv.log.With().Str("proto", proto).Logger()
	s := &Session{
		id:           id,
		proto:        proto,
		srv:          srv,
		cfg:          srv.cfg,
		h:            handler.New(id, conn, srv.cfg.Handler, log),
		log:          log.With().Uint64("conn", id).Logger(),
		nextStreamID: 1,
		writer:       rtmpprotocol.NewChunkWriter(rtmpprotocol.FromServer),
		state:        StateHandshake,
	}
	s.ack.SetSize(srv.cfg.WindowAckSize)
	return s
}

// ID returns the connection id.
func (s *Session) ID() uint64 {
	return s.id
}

// Info returns a snapshot for connection listings.
func (s *Session) Info() ConnInfo {
	s.infoMu.Lock()
	app, state := s.app, s.state
	clientIDs := append([]uint32(nil), s.clientIDs...)
	s.infoMu.Unlock()
	return ConnInfo{
		ID:        s.id,
		Proto:     s.proto,
		Remote:    s.h.RemoteAddr().String(),
		App:       app,
		State:     state,
		ClientIDs: clientIDs,
		Started:   s.h.Started(),
		BytesIn:   s.h.BytesIn(),
		BytesOut:  s.h.BytesOut(),
	}
}

func (s *Session) setState(state string) {
	s.infoMu.Lock()
	s.state = state
	s.infoMu.Unlock()
}

func (s *Session) setApp(app string) {
	s.infoMu.Lock()
	s.app = app
	s.infoMu.Unlock()
}

// issueClientID hands out a server-unique client id and records it on the session.
func (s *Session) issueClientID() uint32 {
	id := uint32(s.srv.nextClientID.Add(1))
	s.infoMu.Lock()
	s.clientIDs = append(s.clientIDs, id)
	s.infoMu.Unlock()
	return id
}

// serve runs the connection to completion. It returns nil when the peer
// closed cleanly.
func (s *Session) serve() error {
	s.h.Start()
	defer func() {
		if s.ops != nil {
			s.ops.Close()
		}
		s.h.Die()
		s.h.Join()
	}()

	hs := rtmpprotocol.NewHandshake(s.cfg.StrictHandshake, s.log)
	if err := hs.Run(s.h); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return s.closeErr(err)
		}
		return errors.Wrap(err, "handshake")
	}
	s.log.Debug().Uint32("peer_time", rtmpprotocol.TimestampDelta(hs.Packet(), hs.PeerPacket())).Msg("handshake complete")

	s.setState(StateConnecting)
	s.reader = rtmpprotocol.NewChunkReader(s.h, rtmpprotocol.FromClient, s.cfg.MaxBodySize)
	s.reader.OnChannelError(func(e *rtmpprotocol.ChannelError) {
		s.log.Warn().Err(e.Err).Uint8("channel", e.Channel).Msg("malformed message dropped")
	})

	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			return s.closeErr(err)
		}
		if err := s.acknowledge(); err != nil {
			return s.closeErr(err)
		}
		if err := s.dispatch(msg); err != nil {
			return s.closeErr(err)
		}
	}
}

// closeErr maps the end of the incoming stream to the error that stopped the handler.
func (s *Session) closeErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, handler.ErrIoClosed) {
		return s.h.Err()
	}
	return err
}

// acknowledge sends BytesRead once a window of input has been consumed.
func (s *Session) acknowledge() error {
	n := s.reader.BytesRead()
	delta := n - s.lastBytes
	s.lastBytes = n
	if seq, ok := s.ack.Record(uint32(delta)); ok {
		return s.sendControl(rtmpprotocol.TypeBytesRead, rtmpprotocol.CreateBytesRead(seq))
	}
	return nil
}

// send frames one message and queues it for the writer goroutine.
func (s *Session) send(channel uint8, typ rtmpprotocol.MessageType, streamID, timestamp uint32, body []byte) error {
	if s.h.TimeToDie() {
		return handler.ErrIoClosed
	}
	b := buffer.Acquire()
	s.wmu.Lock()
	err := s.writer.Frame(b, channel, typ, streamID, timestamp&0xFFFFFF, body)
	if err == nil {
		s.h.Push(handler.Outgoing, b)
	}
	s.wmu.Unlock()
	if err != nil {
		buffer.Release(b)
		return err
	}
	s.h.Notify(handler.Outgoing)
	return nil
}

func (s *Session) sendControl(typ rtmpprotocol.MessageType, body []byte) error {
	return s.send(rtmpprotocol.ChannelControl, typ, 0, 0, body)
}

// setChunkSize announces size and switches the writer to it. Both happen
// under the write lock so no message is framed with the wrong size.
func (s *Session) setChunkSize(size int) error {
	b := buffer.Acquire()
	s.wmu.Lock()
	err := s.writer.Frame(b, rtmpprotocol.ChannelControl, rtmpprotocol.TypeChunkSize, 0, 0,
		rtmpprotocol.CreateSetChunkSize(uint32(size)))
	if err == nil {
		s.h.Push(handler.Outgoing, b)
		err = s.writer.SetChunkSize(size)
	}
	s.wmu.Unlock()
	if err != nil {
		return err
	}
	s.h.Notify(handler.Outgoing)
	return nil
}

func (s *Session) invoke(streamID uint32, method string, txn float64, args ...amf0.Value) error {
	body, err := rtmpprotocol.EncodeInvoke(method, txn, args...)
	if err != nil {
		return err
	}
	channel := rtmpprotocol.ChannelCommand
	if streamID != 0 {
		channel = rtmpprotocol.ChannelStream
	}
	return s.send(channel, rtmpprotocol.TypeInvoke, streamID, 0, body)
}

// SendStatus sends onStatus for a stream.
func (s *Session) SendStatus(streamID uint32, status rtmpprotocol.Status, extra ...amf0.Property) error {
	s.log.Debug().Uint32("stream", streamID).Str("code", status.Code()).Msg("onStatus")
	return s.invoke(streamID, rtmpprotocol.MethodOnStatus, 0, amf0.Null{}, rtmpprotocol.StatusObject(status, extra...))
}

// SendMedia sends an audio, video or data message on a stream.
func (s *Session) SendMedia(streamID uint32, typ rtmpprotocol.MessageType, timestamp uint32, payload []byte) error {
	channel := rtmpprotocol.ChannelStream
	switch typ {
	case rtmpprotocol.TypeAudio:
		channel = rtmpprotocol.ChannelAudio
	case rtmpprotocol.TypeVideo:
		channel = rtmpprotocol.ChannelVideo
	}
	return s.send(channel, typ, streamID, timestamp, payload)
}

// SendUserControl sends a ping (user control) message.
func (s *Session) SendUserControl(p rtmpprotocol.Ping) error {
	return s.sendControl(rtmpprotocol.TypePing, p.Encode())
}

// dumpMalformed logs an undecodable body; the dump is only built at debug level.
func (s *Session) dumpMalformed(hdr rtmpprotocol.Header, body []byte, err error) {
	s.log.Warn().Err(err).Uint8("channel", hdr.Channel).Stringer("type", hdr.Type).Int("size", len(body)).Msg("undecodable message dropped")
	if ev := s.log.Debug(); ev.Enabled() {
		ev.Msg("malformed body\n" + spew.Sdump(body))
	}
}
