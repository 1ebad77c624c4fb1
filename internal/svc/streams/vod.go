// This file implements recorded playback: FLV tags read from the disk store and
// paced against the wall clock.

package streams

import (
	"io"
	"strconv"
	"time"

	"rtmpd/internal/core/protocol/amf0"
	"rtmpd/internal/core/protocol/flv"
	"rtmpd/internal/core/protocol/rtmp"

	"github.com/pkg/errors"
)

// playLead is how far ahead of real time tags are sent, so the client buffer fills.
const playLead = time.Second

func (s *Session) playFileLocked(ns *netStream, name string, from uint32) error {
	f, err := s.m.store.Open(name)
	if err != nil {
		s.log.Info().Err(err).Str("name", name).Msg("play: open failed")
		return s.sink.SendStatus(ns.id, rtmp.NSPlayStreamNotFound,
			amf0.Prop("description", amf0.String(name+" not found")),
			amf0.Prop("details", amf0.String(name)))
	}
	r, err := flv.NewReader(f)
	if err == nil && from > 0 {
		_, err = r.Seek(from)
	}
	if err != nil {
		f.Close()
		s.log.Warn().Err(err).Str("name", name).Msg("play: bad file")
		return s.sink.SendStatus(ns.id, rtmp.NSPlayFileStructureInvalid,
			amf0.Prop("details", amf0.String(name)))
	}
	if err := s.sendPlayStart(ns.id, name); err != nil {
		f.Close()
		return err
	}

	p := newPlayer(ns.id, s.sink, s.log, func() { f.Close() })
	ns.mode, ns.player = modeVOD, p
	s.log.Info().Str("name", name).Uint32("id", ns.id).Uint32("from", from).Msg("file play started")
	p.start(&s.wg, func() { p.runFile(r, name) })
	return nil
}

// runFile sends tags until stopped. At end of file it reports the stop and
// keeps waiting, since a seek may restart playback.
func (p *player) runFile(r *flv.Reader, name string) {
	var (
		clock   time.Time
		baseTS  int64
		baseSet bool
		pending *flv.Tag
		atEOF   bool
	)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for p.ctx.Err() == nil {
		if ms, ok := p.takeSeek(); ok {
			pending, baseSet, atEOF = nil, false, false
			at, err := r.Seek(ms)
			if err != nil {
				p.log.Warn().Err(err).Msg("seek failed")
				if p.sink.SendStatus(p.id, rtmp.NSSeekFailed) != nil {
					return
				}
				continue
			}
			if err := p.sendSeek(name, at); err != nil {
				return
			}
		}
		if p.isPaused() || atEOF {
			if !p.waitWake() {
				return
			}
			baseSet = false
			continue
		}

		tag := pending
		pending = nil
		if tag == nil {
			var err error
			tag, err = r.Next()
			if errors.Is(err, io.EOF) {
				atEOF = true
				if p.sendEOF(name) != nil {
					return
				}
				continue
			}
			if err != nil {
				p.log.Warn().Err(err).Msg("read tag")
				_ = p.sink.SendStatus(p.id, rtmp.NSPlayFailed, amf0.Prop("details", amf0.String(name)))
				return
			}
		}

		if !baseSet {
			clock, baseTS, baseSet = time.Now(), int64(tag.Timestamp), true
		}
		due := clock.Add(time.Duration(int64(tag.Timestamp)-baseTS)*time.Millisecond - playLead)
		if wait := time.Until(due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
				// A pause or seek arrived; keep the tag for when playback continues.
				timer.Stop()
				pending = tag
				if !p.isPaused() {
					baseSet = false
				}
				continue
			case <-timer.C:
			}
		}

		if err := p.sink.SendMedia(p.id, rtmp.MessageType(tag.Type), tag.Timestamp&0xFFFFFF, tag.Data); err != nil {
			p.log.Debug().Err(err).Msg("file play ended")
			return
		}
	}
}

func (p *player) sendSeek(name string, at uint32) error {
	if err := p.sink.SendUserControl(rtmp.NewStreamPing(rtmp.PingClear, p.id)); err != nil {
		return err
	}
	if err := p.sink.SendStatus(p.id, rtmp.NSSeekNotify,
		amf0.Prop("description", amf0.String("Seeking "+strconv.FormatUint(uint64(at), 10)+" (stream ID: "+strconv.FormatUint(uint64(p.id), 10)+").")),
		amf0.Prop("details", amf0.String(name))); err != nil {
		return err
	}
	return p.sink.SendStatus(p.id, rtmp.NSPlayStart,
		amf0.Prop("description", amf0.String("Started playing "+name)),
		amf0.Prop("details", amf0.String(name)))
}

func (p *player) sendEOF(name string) error {
	p.log.Debug().Str("name", name).Msg("end of file")
	if err := p.sink.SendUserControl(rtmp.NewStreamPing(rtmp.PingPlay, p.id)); err != nil {
		return err
	}
	return p.sink.SendStatus(p.id, rtmp.NSPlayStop,
		amf0.Prop("description", amf0.String("Stopped playing "+name)),
		amf0.Prop("details", amf0.String(name)))
}
