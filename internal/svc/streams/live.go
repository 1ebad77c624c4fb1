// This file implements live playback: a bus subscriber drained onto the connection.

package streams

import (
	"rtmpd/internal/core/bus"
	"rtmpd/internal/core/protocol/rtmp"
)

func (s *Session) playLiveLocked(ns *netStream, key bus.StreamKey, name string) error {
	live, _ := s.m.registry.GetOrCreate(key)
	sub, subID := live.AttachSubscriber(s.m.cfg.BufferMessages, bus.BackpressureDropOldest)
	if err := s.sendPlayStart(ns.id, name); err != nil {
		live.DetachSubscriber(subID)
		s.m.registry.Remove(key)
		return err
	}

	p := newPlayer(ns.id, s.sink, s.log, func() { live.DetachSubscriber(subID) })
	ns.mode, ns.key, ns.live, ns.player = modeLive, key, live, p
	s.log.Info().Str("stream", key.String()).Uint32("id", ns.id).Bool("published", live.HasPublisher()).Msg("live play started")
	p.start(&s.wg, func() { p.runLive(sub) })
	return nil
}

// runLive forwards subscriber messages until stopped or the connection fails.
func (p *player) runLive(sub *bus.Subscriber) {
	var gate bus.Gate
	for {
		if err := sub.Wait(p.ctx); err != nil {
			return
		}
		for p.ctx.Err() == nil {
			msg, ok := sub.Buffer().Read()
			if !ok {
				break
			}
			if p.isPaused() {
				continue
			}
			ts, ok := gate.Admit(msg)
			if !ok {
				continue
			}
			if err := p.sink.SendMedia(p.id, mediaType(msg.Type), ts, msg.Payload); err != nil {
				p.log.Debug().Err(err).Msg("live play ended")
				return
			}
		}
	}
}

func mediaType(t bus.MessageType) rtmp.MessageType {
	switch t {
	case bus.MessageTypeAudio:
		return rtmp.TypeAudio
	case bus.MessageTypeVideo:
		return rtmp.TypeVideo
	default:
		return rtmp.TypeNotify
	}
}
