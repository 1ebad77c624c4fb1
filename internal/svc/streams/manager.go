// This file implements Manager and Session, the stream operations behind an
// RTMP connection. Each NetStream a client creates is either idle, publishing
// into the bus, playing a live stream from the bus, or playing a recorded file.

package streams

import (
	"sync"

	"rtmpd/internal/core/bus"
	"rtmpd/internal/core/protocol/amf0"
	"rtmpd/internal/core/protocol/rtmp"
	"rtmpd/internal/svc/diskstream"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownStream = errors.New("unknown stream id")
	ErrStreamExists  = errors.New("stream id already allocated")
)

// Sink is the connection a session writes to. Implementations must be safe
// for concurrent use; playback runs on its own goroutine per stream.
type Sink interface {
	SendStatus(streamID uint32, status rtmp.Status, extra ...amf0.Property) error
	SendMedia(streamID uint32, typ rtmp.MessageType, timestamp uint32, payload []byte) error
	SendUserControl(p rtmp.Ping) error
}

// Config bounds per-stream buffering.
type Config struct {
	BufferMessages uint32 // subscriber ring capacity
}

// Manager creates sessions over the shared stream registry and disk store.
type Manager struct {
	registry *bus.Registry
	store    *diskstream.Store
	cfg      Config
	log      zerolog.Logger
}

// NewManager creates a manager. store may be nil to disable recorded playback.
func NewManager(registry *bus.Registry, store *diskstream.Store, cfg Config, log zerolog.Logger) *Manager {
	if cfg.BufferMessages == 0 {
		cfg.BufferMessages = 1024
	}
	return &Manager{
		registry: registry,
		store:    store,
		cfg:      cfg,
		log:      log,
	}
}

// Registry returns the live stream registry.
func (m *Manager) Registry() *bus.Registry {
	return m.registry
}

// Open creates the stream operations for one connection.
func (m *Manager) Open(connID uint64, app string, sink Sink) *Session {
	return &Session{
		m:       m,
		connID:  connID,
		app:     app,
		sink:    sink,
		log:     m.log.With().Uint64("conn", connID).Str("app", app).Logger(),
		streams: make(map[uint32]*netStream),
	}
}

// Session holds one connection's NetStreams.
type Session struct {
	m      *Manager
	connID uint64
	app    string
	sink   Sink
	log    zerolog.Logger

	mu      sync.Mutex
	streams map[uint32]*netStream
	wg      sync.WaitGroup
}

type mode int

const (
	modeIdle mode = iota
	modePublish
	modeLive
	modeVOD
)

func (m mode) String() string {
	switch m {
	case modePublish:
		return "publish"
	case modeLive:
		return "live"
	case modeVOD:
		return "vod"
	default:
		return "idle"
	}
}

// netStream is one client-created stream id.
type netStream struct {
	id   uint32
	mode mode
	key  bus.StreamKey
	live *bus.Stream

	player *player // live or vod playback, nil otherwise
}

func (s *Session) stream(id uint32) (*netStream, error) {
	ns := s.streams[id]
	if ns == nil {
		return nil, errors.Wrapf(ErrUnknownStream, "%d", id)
	}
	return ns, nil
}

// CreateStream registers a new idle stream id.
func (s *Session) CreateStream(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[id]; ok {
		return errors.Wrapf(ErrStreamExists, "%d", id)
	}
	s.streams[id] = &netStream{id: id}
	s.log.Debug().Uint32("stream", id).Msg("stream created")
	return nil
}

// PublishStream attaches the connection as publisher of app/name.
// kind is the publish type sent by the client (live, record, append); only
// live publishing is supported and other kinds are treated as live.
func (s *Session) PublishStream(id uint32, name, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, err := s.stream(id)
	if err != nil {
		return err
	}
	if name == "" {
		return s.sink.SendStatus(id, rtmp.NSPublishBadName, amf0.Prop("description", amf0.String("missing stream name")))
	}
	s.stopLocked(ns)

	key := bus.NewStreamKey(s.app, name)
	live, _ := s.m.registry.GetOrCreate(key)
	if !live.AttachPublisher(s.connID) {
		s.m.registry.Remove(key)
		s.log.Info().Str("stream", key.String()).Msg("publish rejected, stream busy")
		return s.sink.SendStatus(id, rtmp.NSPublishBadName,
			amf0.Prop("description", amf0.String(key.String()+" is already publishing")))
	}
	ns.mode, ns.key, ns.live = modePublish, key, live
	s.log.Info().Str("stream", key.String()).Str("type", kind).Msg("publish started")

	if err := s.sink.SendUserControl(rtmp.NewStreamPing(rtmp.PingClear, id)); err != nil {
		return err
	}
	return s.sink.SendStatus(id, rtmp.NSPublishStart,
		amf0.Prop("description", amf0.String(key.String()+" is now published")),
		amf0.Prop("details", amf0.String(name)))
}

// OnMessage accepts audio, video and data messages sent on a publishing stream.
// Messages on streams that are not publishing are ignored.
func (s *Session) OnMessage(id uint32, typ rtmp.MessageType, timestamp uint32, body []byte) {
	s.mu.Lock()
	ns := s.streams[id]
	var live *bus.Stream
	if ns != nil && ns.mode == modePublish {
		live = ns.live
	}
	s.mu.Unlock()
	if live == nil {
		return
	}

	switch typ {
	case rtmp.TypeAudio:
		live.Publish(bus.NewMessage(bus.MessageTypeAudio, timestamp, body))
	case rtmp.TypeVideo:
		live.Publish(bus.NewMessage(bus.MessageTypeVideo, timestamp, body))
	case rtmp.TypeNotify:
		if meta, ok := metadataBody(body); ok {
			live.Publish(bus.NewMessage(bus.MessageTypeMetadata, timestamp, meta))
		}
	}
}

// metadataBody returns the onMetaData body carried by a data message.
// "@setDataFrame" wrappers are removed so players receive plain onMetaData.
func metadataBody(body []byte) ([]byte, bool) {
	values, err := amf0.Unmarshal(body)
	if err != nil || len(values) == 0 {
		return nil, false
	}
	name, _ := values[0].(amf0.String)
	switch name {
	case "@setDataFrame":
		if len(values) < 2 {
			return nil, false
		}
		if next, _ := values[1].(amf0.String); next != "onMetaData" {
			return nil, false
		}
		out, err := amf0.Marshal(values[1:]...)
		return out, err == nil
	case "onMetaData":
		return body, true
	}
	return nil, false
}

// PlayStream starts playback of name. start follows the play command:
// -2 plays live if published and otherwise the recorded file, -1 plays live
// only, and a value >= 0 plays the recorded file from that many milliseconds.
// With neither a publisher nor a file, -2 and -1 wait for a publisher.
func (s *Session) PlayStream(id uint32, name string, start float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, err := s.stream(id)
	if err != nil {
		return err
	}
	if name == "" {
		return s.sink.SendStatus(id, rtmp.NSPlayFailed, amf0.Prop("description", amf0.String("missing stream name")))
	}
	s.stopLocked(ns)

	key := bus.NewStreamKey(s.app, name)
	live := s.m.registry.Get(key)
	published := live != nil && live.HasPublisher()

	recorded := s.m.store != nil && start != -1 && s.m.store.Exists(name)
	switch {
	case published && start < 0:
		return s.playLiveLocked(ns, key, name)
	case recorded:
		from := uint32(0)
		if start > 0 {
			from = uint32(start)
		}
		return s.playFileLocked(ns, name, from)
	case start < 0:
		return s.playLiveLocked(ns, key, name)
	}
	s.log.Info().Str("name", name).Msg("play: stream not found")
	return s.sink.SendStatus(id, rtmp.NSPlayStreamNotFound,
		amf0.Prop("description", amf0.String(name+" not found")),
		amf0.Prop("details", amf0.String(name)))
}

func (s *Session) sendPlayStart(id uint32, name string) error {
	if err := s.sink.SendUserControl(rtmp.NewStreamPing(rtmp.PingClear, id)); err != nil {
		return err
	}
	if err := s.sink.SendStatus(id, rtmp.NSPlayReset,
		amf0.Prop("description", amf0.String("Playing and resetting "+name)),
		amf0.Prop("details", amf0.String(name))); err != nil {
		return err
	}
	return s.sink.SendStatus(id, rtmp.NSPlayStart,
		amf0.Prop("description", amf0.String("Started playing "+name)),
		amf0.Prop("details", amf0.String(name)))
}

// SeekStream moves recorded playback to ms. Live streams cannot seek.
func (s *Session) SeekStream(id uint32, ms float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, err := s.stream(id)
	if err != nil {
		return err
	}
	if ns.mode != modeVOD || ms < 0 {
		return s.sink.SendStatus(id, rtmp.NSSeekFailed)
	}
	ns.player.seek(uint32(ms))
	return nil
}

// PauseStream pauses playback.
func (s *Session) PauseStream(id uint32) error {
	return s.setPaused(id, func(bool) bool { return true })
}

// ResumeStream resumes paused playback.
func (s *Session) ResumeStream(id uint32) error {
	return s.setPaused(id, func(bool) bool { return false })
}

// TogglePause flips the paused state.
func (s *Session) TogglePause(id uint32) error {
	return s.setPaused(id, func(paused bool) bool { return !paused })
}

func (s *Session) setPaused(id uint32, next func(bool) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, err := s.stream(id)
	if err != nil {
		return err
	}
	if ns.player == nil {
		return s.sink.SendStatus(id, rtmp.NSFailed, amf0.Prop("description", amf0.String("not playing")))
	}
	paused := next(ns.player.isPaused())
	ns.player.setPaused(paused)
	if paused {
		return s.sink.SendStatus(id, rtmp.NSPauseNotify)
	}
	return s.sink.SendStatus(id, rtmp.NSUnpauseNotify)
}

// CloseStream stops whatever the stream is doing and releases its id.
func (s *Session) CloseStream(id uint32) error {
	s.mu.Lock()
	ns, err := s.stream(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	wasPublishing := ns.mode == modePublish
	s.stopLocked(ns)
	delete(s.streams, id)
	s.mu.Unlock()

	if wasPublishing {
		return s.sink.SendStatus(id, rtmp.NSUnpublishSuccess)
	}
	return nil
}

// Close stops every stream of the connection and waits for playback to end.
func (s *Session) Close() {
	s.mu.Lock()
	for id, ns := range s.streams {
		s.stopLocked(ns)
		delete(s.streams, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Mode reports what stream id is doing: idle, publish, live or vod.
func (s *Session) Mode(id uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns := s.streams[id]; ns != nil {
		return ns.mode.String()
	}
	return ""
}

// stopLocked returns ns to idle, detaching from the bus and stopping playback.
func (s *Session) stopLocked(ns *netStream) {
	if ns.player != nil {
		ns.player.stop()
		ns.player = nil
	}
	if ns.mode == modePublish && ns.live != nil {
		ns.live.DetachPublisher()
		s.log.Info().Str("stream", ns.key.String()).Msg("publish stopped")
	}
	if ns.live != nil {
		s.m.registry.Remove(ns.key)
	}
	ns.mode, ns.live, ns.key = modeIdle, nil, bus.StreamKey{}
}
