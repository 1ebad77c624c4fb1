// This file dispatches reassembled messages by type: protocol control
// messages are handled in place, media goes to the stream operations and
// AMF0 bodies are decoded and passed to the command handlers.

package rtmp

import (
	"rtmpd/internal/core/protocol/flv"
	rtmpprotocol "rtmpd/internal/core/protocol/rtmp"
)

// dispatch handles one message. A returned error ends the connection; bad
// input from the peer is logged and dropped instead.
func (s *Session) dispatch(msg *rtmpprotocol.RawMessage) error {
	hdr, body := msg.Header, msg.Body
	switch hdr.Type {
	case rtmpprotocol.TypeChunkSize:
		size, err := rtmpprotocol.ParseSetChunkSize(body)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad set chunk size")
			return nil
		}
		if err := s.reader.SetChunkSize(int(size)); err != nil {
			s.log.Warn().Err(err).Msg("bad set chunk size")
			return nil
		}
		s.log.Debug().Uint32("size", size).Msg("peer chunk size")

	case rtmpprotocol.TypeAbort:
		ch, err := rtmpprotocol.ParseUint32Control(body)
		if err != nil || ch > rtmpprotocol.MaxChannel {
			s.log.Warn().Uint32("channel", ch).Msg("bad abort")
			return nil
		}
		s.reader.Abort(uint8(ch))

	case rtmpprotocol.TypeBytesRead:
		seq, err := rtmpprotocol.ParseUint32Control(body)
		if err == nil {
			s.log.Debug().Uint32("sequence", seq).Msg("peer acknowledged")
		}

	case rtmpprotocol.TypePing:
		return s.handlePing(body)

	case rtmpprotocol.TypeServer:
		size, err := rtmpprotocol.ParseUint32Control(body)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad window acknowledgement size")
			return nil
		}
		s.ack.SetSize(size)

	case rtmpprotocol.TypeClient:
		s.log.Debug().Int("size", len(body)).Msg("peer bandwidth ignored")

	case rtmpprotocol.TypeAudio, rtmpprotocol.TypeVideo:
		if s.ops != nil {
			s.ops.OnMessage(hdr.StreamID, hdr.Type, hdr.Timestamp, body)
		}

	case rtmpprotocol.TypeAggregate:
		s.handleAggregate(hdr, body)

	case rtmpprotocol.TypeInvoke, rtmpprotocol.TypeNotify, rtmpprotocol.TypeSharedObject:
		m, err := rtmpprotocol.DecodeMessage(hdr, body, s.cfg.AMF)
		if err != nil {
			s.dumpMalformed(hdr, body, err)
			return nil
		}
		switch hdr.Type {
		case rtmpprotocol.TypeInvoke:
			return s.handleInvoke(m, msg)
		case rtmpprotocol.TypeNotify:
			s.handleNotify(m, msg)
		default:
			if !s.forward(msg) {
				s.log.Debug().Str("name", m.Method).Msg("shared object message ignored")
			}
		}

	default:
		s.log.Debug().Stringer("type", hdr.Type).Uint8("channel", hdr.Channel).Msg("unhandled message type")
	}
	return nil
}

func (s *Session) handlePing(body []byte) error {
	p, err := rtmpprotocol.DecodePing(body)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad ping")
		return nil
	}
	switch p.Type {
	case rtmpprotocol.PingClientPing:
		return s.SendUserControl(p.Pong())
	case rtmpprotocol.PingTime:
		s.log.Debug().Uint32("stream", p.StreamID()).Uint16("buffer_ms", p.Param2).Msg("client buffer length")
	default:
		s.log.Debug().Stringer("ping", p.Type).Msg("user control")
	}
	return nil
}

// handleNotify forwards stream metadata to a publishing stream. Other data
// messages on a stream go to the stream's message hook unchanged.
func (s *Session) handleNotify(m *rtmpprotocol.Message, msg *rtmpprotocol.RawMessage) {
	switch m.Method {
	case "@setDataFrame", "onMetaData":
		if s.ops != nil {
			s.ops.OnMessage(m.StreamID, rtmpprotocol.TypeNotify, 0, msg.Body)
		}
	default:
		if !s.forward(msg) {
			s.log.Debug().Str("name", m.Method).Msg("data message ignored")
		}
	}
}

// forward passes a message addressed to a stream to StreamOps.OnMessage as
// received. It reports false for stream 0 or before connect.
func (s *Session) forward(msg *rtmpprotocol.RawMessage) bool {
	if s.ops == nil || msg.Header.StreamID == 0 {
		return false
	}
	s.ops.OnMessage(msg.Header.StreamID, msg.Header.Type, msg.Header.Timestamp, msg.Body)
	return true
}

// handleAggregate splits an aggregate body into its FLV tags. Sub-message
// timestamps are rebased so the first tag carries the aggregate's timestamp.
func (s *Session) handleAggregate(hdr rtmpprotocol.Header, body []byte) {
	if s.ops == nil {
		return
	}
	var base uint32
	for off, first := 0, true; off+flv.TagHeaderSize <= len(body); first = false {
		th, err := flv.ParseTagHeader(body[off:])
		if err != nil {
			s.log.Warn().Err(err).Int("offset", off).Msg("bad aggregate tag")
			return
		}
		end := off + flv.TagHeaderSize + int(th.DataSize)
		if end > len(body) {
			s.log.Warn().Int("offset", off).Msg("truncated aggregate tag")
			return
		}
		if first {
			base = th.Timestamp
		}
		s.ops.OnMessage(hdr.StreamID, rtmpprotocol.MessageType(th.Type), hdr.Timestamp+th.Timestamp-base,
			body[off+flv.TagHeaderSize:end])
		off = end + flv.PrevTagSizeLen
	}
}
