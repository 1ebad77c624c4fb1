// This file handles Invoke commands. NetConnection commands (connect,
// createStream, close) are answered here; NetStream commands are passed to the
// connection's StreamOps, which report progress with onStatus.

package rtmp

import (
	"strings"

	"rtmpd/internal/core/protocol/amf0"
	rtmpprotocol "rtmpd/internal/core/protocol/rtmp"
	"rtmpd/internal/svc/streams"

	"github.com/pkg/errors"
)

// Values reported to clients in the connect result.
const (
	serverVersion = "FMS/3,0,1,123"
	capabilities  = 31
	defaultApp    = "live"
)

// Command names sent by publishing clients that are not in the core method set.
const (
	methodCloseStream   = "closeStream"
	methodReleaseStream = "releaseStream"
	methodFCPublish     = "FCPublish"
	methodFCUnpublish   = "FCUnpublish"
)

func (s *Session) handleInvoke(m *rtmpprotocol.Message, msg *rtmpprotocol.RawMessage) error {
	s.log.Debug().Str("method", m.Method).Float64("txn", m.TransactionID).Uint32("stream", m.StreamID).Msg("invoke")

	switch m.Method {
	case rtmpprotocol.MethodConnect:
		return s.onConnect(m)
	case rtmpprotocol.MethodResult, rtmpprotocol.MethodError, rtmpprotocol.MethodOnStatus:
		return nil
	}
	if s.ops == nil {
		return s.sendError(m.TransactionID, rtmpprotocol.NCCallFailed, m.Method+" before connect")
	}

	switch m.Method {
	case rtmpprotocol.MethodCreateStream:
		id := s.nextStreamID
		s.nextStreamID++
		if err := s.ops.CreateStream(id); err != nil {
			return s.opError(m, err)
		}
		return s.sendResult(m.TransactionID, amf0.Null{}, amf0.Number(id))

	case rtmpprotocol.MethodPlay:
		name, _ := m.StringArg(1)
		start := -2.0
		if n, ok := m.NumberArg(2); ok {
			start = n
		}
		return s.opError(m, s.ops.PlayStream(m.StreamID, name, start))

	case rtmpprotocol.MethodSeek:
		ms, ok := m.NumberArg(1)
		if !ok {
			return s.SendStatus(m.StreamID, rtmpprotocol.NSSeekFailed)
		}
		return s.opError(m, s.ops.SeekStream(m.StreamID, ms))

	case rtmpprotocol.MethodPause:
		flag, ok := m.BoolArg(1)
		switch {
		case !ok:
			return s.opError(m, s.ops.TogglePause(m.StreamID))
		case flag:
			return s.opError(m, s.ops.PauseStream(m.StreamID))
		default:
			return s.opError(m, s.ops.ResumeStream(m.StreamID))
		}

	case rtmpprotocol.MethodPublish:
		name, _ := m.StringArg(1)
		kind, ok := m.StringArg(2)
		if !ok {
			kind = "live"
		}
		return s.opError(m, s.ops.PublishStream(m.StreamID, name, kind))

	case rtmpprotocol.MethodClose, methodCloseStream:
		if m.StreamID == 0 {
			s.log.Info().Msg("client closed connection")
			s.h.Drain()
			return nil
		}
		return s.opError(m, s.ops.CloseStream(m.StreamID))

	case rtmpprotocol.MethodDeleteStream:
		id, ok := m.NumberArg(1)
		if !ok {
			id = float64(m.StreamID)
		}
		err := s.ops.CloseStream(uint32(id))
		if errors.Is(err, streams.ErrUnknownStream) {
			// Already closed by closeStream.
			return nil
		}
		return err

	case methodReleaseStream:
		return s.sendResult(m.TransactionID, amf0.Null{})

	case methodFCPublish, methodFCUnpublish:
		return nil
	}

	forwarded := s.forward(msg)
	// Unknown calls that expect an answer get an empty result.
	if m.TransactionID != 0 {
		return s.sendResult(m.TransactionID, amf0.Null{})
	}
	if !forwarded {
		s.log.Debug().Str("method", m.Method).Msg("unhandled command")
	}
	return nil
}

func (s *Session) onConnect(m *rtmpprotocol.Message) error {
	if s.ops != nil {
		return s.sendError(m.TransactionID, rtmpprotocol.NCConnectRejected, "already connected")
	}

	app := defaultApp
	encoding := 0.0
	if obj, ok := m.ObjectArg(0); ok {
		if v, ok := obj.GetString("app"); ok {
			if v = strings.Trim(v, "/"); v != "" {
				app = v
			}
		}
		encoding, _ = obj.GetNumber("objectEncoding")
	}
	s.setApp(app)

	if err := s.sendControl(rtmpprotocol.TypeServer, rtmpprotocol.CreateWindowAckSize(s.cfg.WindowAckSize)); err != nil {
		return err
	}
	if err := s.sendControl(rtmpprotocol.TypeClient,
		rtmpprotocol.CreateSetPeerBandwidth(s.cfg.PeerBandwidth, rtmpprotocol.BandwidthLimitDynamic)); err != nil {
		return err
	}
	if err := s.setChunkSize(s.cfg.ChunkSize); err != nil {
		return err
	}

	s.ops = s.srv.open(s.id, app, s)
	s.setState(StateConnected)
	clientID := s.issueClientID()
	s.log.Info().Str("app", app).Uint32("client", clientID).Msg("connected")

	props := amf0.NewObject(
		amf0.Prop("fmsVer", amf0.String(serverVersion)),
		amf0.Prop("capabilities", amf0.Number(capabilities)),
		amf0.Prop("mode", amf0.Number(1)),
	)
	info := rtmpprotocol.StatusObject(rtmpprotocol.NCConnectSuccess,
		amf0.Prop("objectEncoding", amf0.Number(encoding)),
		amf0.Prop("clientid", amf0.Number(clientID)))
	return s.sendResult(m.TransactionID, props, info)
}

// opError turns a stream operation failure caused by the client into an
// onStatus and keeps the connection. Other errors are returned.
func (s *Session) opError(m *rtmpprotocol.Message, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, streams.ErrUnknownStream) || errors.Is(err, streams.ErrStreamExists) {
		s.log.Warn().Err(err).Str("method", m.Method).Msg("command rejected")
		if m.StreamID == 0 {
			return s.sendError(m.TransactionID, rtmpprotocol.NCCallFailed, err.Error())
		}
		return s.SendStatus(m.StreamID, rtmpprotocol.NSFailed, amf0.Prop("description", amf0.String(err.Error())))
	}
	return err
}

func (s *Session) sendResult(txn float64, values ...amf0.Value) error {
	return s.invoke(0, rtmpprotocol.MethodResult, txn, values...)
}

func (s *Session) sendError(txn float64, status rtmpprotocol.Status, description string) error {
	return s.invoke(0, rtmpprotocol.MethodError, txn, amf0.Null{},
		rtmpprotocol.StatusObject(status, amf0.Prop("description", amf0.String(description))))
}
