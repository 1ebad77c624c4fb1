// This file contains tests for stream operations: publish, live play,
// recorded play with seek and pause, and teardown.

package streams

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rtmpd/internal/core/bus"
	"rtmpd/internal/core/protocol/amf0"
	"rtmpd/internal/core/protocol/flv"
	"rtmpd/internal/core/protocol/rtmp"
	"rtmpd/internal/svc/diskstream"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type event struct {
	streamID  uint32
	status    rtmp.Status
	media     rtmp.MessageType
	timestamp uint32
	payload   []byte
	ping      *rtmp.Ping
}

type recordSink struct {
	mu     sync.Mutex
	events []event
}

func (r *recordSink) SendStatus(streamID uint32, status rtmp.Status, extra ...amf0.Property) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{streamID: streamID, status: status})
	return nil
}

func (r *recordSink) SendMedia(streamID uint32, typ rtmp.MessageType, timestamp uint32, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{streamID: streamID, media: typ, timestamp: timestamp, payload: payload})
	return nil
}

func (r *recordSink) SendUserControl(p rtmp.Ping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{ping: &p})
	return nil
}

func (r *recordSink) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordSink) statuses() []rtmp.Status {
	var out []rtmp.Status
	for _, e := range r.snapshot() {
		if e.status != rtmp.StatusNone {
			out = append(out, e.status)
		}
	}
	return out
}

func (r *recordSink) media() []event {
	var out []event
	for _, e := range r.snapshot() {
		if e.media != 0 {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasStatus(r *recordSink, st rtmp.Status) bool {
	for _, s := range r.statuses() {
		if s == st {
			return true
		}
	}
	return false
}

func newManager(t *testing.T, dir string) *Manager {
	t.Helper()
	var store *diskstream.Store
	if dir != "" {
		store = diskstream.NewStore(dir, 0, zerolog.Nop())
	}
	return NewManager(bus.NewRegistry(), store, Config{BufferMessages: 64}, zerolog.Nop())
}

func writeFLV(t *testing.T, dir, name string, tags ...*flv.Tag) {
	t.Helper()
	var out bytes.Buffer
	out.Write(flv.NewHeader(true, true).Bytes())
	out.Write([]byte{0, 0, 0, 0})
	for _, tag := range tags {
		out.Write(tag.Bytes())
	}
	if err := os.WriteFile(filepath.Join(dir, name+".flv"), out.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownStream(t *testing.T) {
	s := newManager(t, "").Open(1, "live", &recordSink{})
	if err := s.PlayStream(9, "x", -2); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Expected ErrUnknownStream, got %v", err)
	}
	if err := s.CreateStream(1); err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if err := s.CreateStream(1); !errors.Is(err, ErrStreamExists) {
		t.Errorf("Expected ErrStreamExists, got %v", err)
	}
}

func TestPublishExclusive(t *testing.T) {
	m := newManager(t, "")
	sink1, sink2 := &recordSink{}, &recordSink{}
	s1 := m.Open(1, "live", sink1)
	s2 := m.Open(2, "live", sink2)
	s1.CreateStream(1)
	s2.CreateStream(1)

	if err := s1.PublishStream(1, "cam", "live"); err != nil {
		t.Fatalf("PublishStream failed: %v", err)
	}
	if !hasStatus(sink1, rtmp.NSPublishStart) {
		t.Errorf("Expected Publish.Start, got %v", sink1.statuses())
	}
	if s1.Mode(1) != "publish" {
		t.Errorf("Expected publish mode, got %s", s1.Mode(1))
	}

	s2.PublishStream(1, "cam", "live")
	if !hasStatus(sink2, rtmp.NSPublishBadName) {
		t.Errorf("Expected Publish.BadName, got %v", sink2.statuses())
	}

	if err := s1.CloseStream(1); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}
	if !hasStatus(sink1, rtmp.NSUnpublishSuccess) {
		t.Errorf("Expected Unpublish.Success, got %v", sink1.statuses())
	}
	if m.Registry().Count() != 0 {
		t.Errorf("Expected empty registry, got %d streams", m.Registry().Count())
	}
}

func TestLivePlay(t *testing.T) {
	m := newManager(t, "")
	pubSink, playSink := &recordSink{}, &recordSink{}
	pub := m.Open(1, "live", pubSink)
	play := m.Open(2, "live", playSink)
	defer play.Close()
	pub.CreateStream(1)
	play.CreateStream(1)

	pub.PublishStream(1, "cam", "live")
	meta, _ := amf0.Marshal(amf0.String("@setDataFrame"), amf0.String("onMetaData"),
		amf0.ECMAArray{Properties: []amf0.Property{amf0.Prop("width", amf0.Number(640))}})
	pub.OnMessage(1, rtmp.TypeNotify, 0, meta)
	pub.OnMessage(1, rtmp.TypeVideo, 0, []byte{0x17, 0x00, 0x00, 0x00, 0x00})
	pub.OnMessage(1, rtmp.TypeVideo, 1000, []byte{0x27, 0x01}) // before the player joins

	if err := play.PlayStream(1, "cam", -2); err != nil {
		t.Fatalf("PlayStream failed: %v", err)
	}
	if play.Mode(1) != "live" {
		t.Errorf("Expected live mode, got %s", play.Mode(1))
	}
	pub.OnMessage(1, rtmp.TypeVideo, 1040, []byte{0x27, 0x01}) // dropped, no keyframe yet
	pub.OnMessage(1, rtmp.TypeVideo, 1080, []byte{0x17, 0x01})
	pub.OnMessage(1, rtmp.TypeAudio, 1100, []byte{0xAF, 0x01})

	waitFor(t, "live media", func() bool { return len(playSink.media()) == 4 })
	got := playSink.media()
	if got[0].media != rtmp.TypeNotify {
		t.Errorf("Expected metadata first, got %s", got[0].media)
	}
	values, err := amf0.Unmarshal(got[0].payload)
	if err != nil || values[0] != amf0.String("onMetaData") {
		t.Errorf("Expected onMetaData without @setDataFrame, got %v (%v)", values, err)
	}
	if got[1].media != rtmp.TypeVideo || got[1].timestamp != 0 {
		t.Errorf("Expected sequence header at 0, got %s at %d", got[1].media, got[1].timestamp)
	}
	if got[2].timestamp != 0 || got[2].payload[0] != 0x17 {
		t.Errorf("Expected keyframe rebased to 0, got %x at %d", got[2].payload[0], got[2].timestamp)
	}
	if got[3].media != rtmp.TypeAudio || got[3].timestamp != 20 {
		t.Errorf("Expected audio at 20, got %s at %d", got[3].media, got[3].timestamp)
	}

	statuses := playSink.statuses()
	if len(statuses) < 2 || statuses[0] != rtmp.NSPlayReset || statuses[1] != rtmp.NSPlayStart {
		t.Errorf("Expected Play.Reset then Play.Start, got %v", statuses)
	}

	if err := play.SeekStream(1, 500); err != nil {
		t.Fatalf("SeekStream failed: %v", err)
	}
	if !hasStatus(playSink, rtmp.NSSeekFailed) {
		t.Error("Expected Seek.Failed for a live stream")
	}

	play.CloseStream(1)
	pub.CloseStream(1)
	if m.Registry().Count() != 0 {
		t.Errorf("Expected empty registry, got %d streams", m.Registry().Count())
	}
}

func TestPlayNotFound(t *testing.T) {
	s := newManager(t, t.TempDir()).Open(1, "vod", &recordSink{})
	sink := s.sink.(*recordSink)
	s.CreateStream(1)

	if err := s.PlayStream(1, "missing", 0); err != nil {
		t.Fatalf("PlayStream failed: %v", err)
	}
	if !hasStatus(sink, rtmp.NSPlayStreamNotFound) {
		t.Errorf("Expected Play.StreamNotFound, got %v", sink.statuses())
	}
}

func TestFilePlayback(t *testing.T) {
	dir := t.TempDir()
	writeFLV(t, dir, "clip",
		flv.NewTag(flv.TagTypeVideo, 0, []byte{0x17, 0x00, 0x00}),
		flv.NewTag(flv.TagTypeAudio, 20, []byte{0xAF, 0x01}),
		flv.NewTag(flv.TagTypeVideo, 40, []byte{0x27, 0x01}),
	)
	m := newManager(t, dir)
	sink := &recordSink{}
	s := m.Open(1, "vod", sink)
	defer s.Close()
	s.CreateStream(1)

	if err := s.PlayStream(1, "clip", -2); err != nil {
		t.Fatalf("PlayStream failed: %v", err)
	}
	if s.Mode(1) != "vod" {
		t.Errorf("Expected vod mode, got %s", s.Mode(1))
	}
	waitFor(t, "end of file", func() bool { return hasStatus(sink, rtmp.NSPlayStop) })

	got := sink.media()
	if len(got) != 3 {
		t.Fatalf("Expected 3 tags, got %d", len(got))
	}
	want := []rtmp.MessageType{rtmp.TypeVideo, rtmp.TypeAudio, rtmp.TypeVideo}
	for i, e := range got {
		if e.media != want[i] || e.streamID != 1 {
			t.Errorf("Tag %d: expected %s on stream 1, got %s on %d", i, want[i], e.media, e.streamID)
		}
	}
	if got[2].timestamp != 40 {
		t.Errorf("Expected last timestamp 40, got %d", got[2].timestamp)
	}

	var eof bool
	for _, e := range sink.snapshot() {
		if e.ping != nil && e.ping.Type == rtmp.PingPlay && e.ping.StreamID() == 1 {
			eof = true
		}
	}
	if !eof {
		t.Error("Expected a stream EOF user control message")
	}

	// Seeking after the end restarts playback from the keyframe at 0.
	if err := s.SeekStream(1, 30); err != nil {
		t.Fatalf("SeekStream failed: %v", err)
	}
	waitFor(t, "replay after seek", func() bool { return len(sink.media()) == 6 })
	if !hasStatus(sink, rtmp.NSSeekNotify) {
		t.Errorf("Expected Seek.Notify, got %v", sink.statuses())
	}
}

func TestPauseResumeToggle(t *testing.T) {
	dir := t.TempDir()
	writeFLV(t, dir, "clip", flv.NewTag(flv.TagTypeVideo, 0, []byte{0x17, 0x01}))
	sink := &recordSink{}
	s := newManager(t, dir).Open(1, "vod", sink)
	defer s.Close()
	s.CreateStream(1)
	s.CreateStream(2)

	if err := s.PauseStream(2); err != nil {
		t.Fatalf("PauseStream failed: %v", err)
	}
	if !hasStatus(sink, rtmp.NSFailed) {
		t.Error("Expected NetStream.Failed when pausing an idle stream")
	}

	s.PlayStream(1, "clip", 0)
	s.PauseStream(1)
	s.ResumeStream(1)
	s.TogglePause(1)

	var got []rtmp.Status
	for _, st := range sink.statuses() {
		if st == rtmp.NSPauseNotify || st == rtmp.NSUnpauseNotify {
			got = append(got, st)
		}
	}
	want := []rtmp.Status{rtmp.NSPauseNotify, rtmp.NSUnpauseNotify, rtmp.NSPauseNotify}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Status %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMetadataBody(t *testing.T) {
	plain, _ := amf0.Marshal(amf0.String("onMetaData"), amf0.NewObject())
	if got, ok := metadataBody(plain); !ok || !bytes.Equal(got, plain) {
		t.Error("onMetaData should pass through unchanged")
	}
	wrapped, _ := amf0.Marshal(amf0.String("@setDataFrame"), amf0.String("onMetaData"), amf0.NewObject())
	if got, ok := metadataBody(wrapped); !ok || !bytes.Equal(got, plain) {
		t.Errorf("Expected %x, got %x", plain, got)
	}
	other, _ := amf0.Marshal(amf0.String("onCuePoint"))
	if _, ok := metadataBody(other); ok {
		t.Error("onCuePoint should not be treated as metadata")
	}
}
