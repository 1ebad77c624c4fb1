// This file contains unit tests for stream lifecycle, fanout and header caching.

package bus

import (
	"context"
	"testing"
	"time"
)

var (
	avcHeader = []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01}
	avcKey    = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xAA}
	avcInter  = []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0xBB}
	aacHeader = []byte{0xAF, 0x00, 0x12, 0x10}
	aacRaw    = []byte{0xAF, 0x01, 0x21}
)

func TestStreamKey(t *testing.T) {
	key := NewStreamKey("live", "mystream")
	if key.String() != "live/mystream" {
		t.Errorf("Expected string 'live/mystream', got '%s'", key.String())
	}

	key = NewStreamKey("/live/", "cam1?token=abc")
	if key.App != "live" || key.Name != "cam1" {
		t.Errorf("Expected live/cam1, got %s", key)
	}
}

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name     string
		msg      *MediaMessage
		keyframe bool
		header   bool
	}{
		{"avc header", NewMessage(MessageTypeVideo, 0, avcHeader), true, true},
		{"avc keyframe", NewMessage(MessageTypeVideo, 0, avcKey), true, false},
		{"avc inter", NewMessage(MessageTypeVideo, 0, avcInter), false, false},
		{"aac header", NewMessage(MessageTypeAudio, 0, aacHeader), false, true},
		{"aac raw", NewMessage(MessageTypeAudio, 0, aacRaw), false, false},
		{"empty", NewMessage(MessageTypeVideo, 0, nil), false, false},
	}
	for _, tt := range tests {
		if got := tt.msg.IsKeyframe(); got != tt.keyframe {
			t.Errorf("%s: expected keyframe %v, got %v", tt.name, tt.keyframe, got)
		}
		if got := tt.msg.IsSequenceHeader(); got != tt.header {
			t.Errorf("%s: expected sequence header %v, got %v", tt.name, tt.header, got)
		}
	}
}

func TestNewMessageCopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	msg := NewMessage(MessageTypeAudio, 10, payload)
	payload[0] = 9
	if msg.Payload[0] != 1 {
		t.Error("Message payload should not alias the caller's slice")
	}
}

func TestPublisherExclusivity(t *testing.T) {
	stream := NewStream(NewStreamKey("live", "test"))

	if !stream.AttachPublisher(1) {
		t.Error("First publisher should attach successfully")
	}
	if stream.AttachPublisher(2) {
		t.Error("Second publisher should not attach")
	}
	if stream.PublisherID() != 1 {
		t.Errorf("Expected publisher 1, got %d", stream.PublisherID())
	}

	stream.DetachPublisher()
	if stream.HasPublisher() {
		t.Error("Stream should not have publisher after detach")
	}
	if !stream.AttachPublisher(3) {
		t.Error("Publisher should attach after previous detach")
	}
}

func TestSubscriberAttachDetach(t *testing.T) {
	stream := NewStream(NewStreamKey("live", "test"))

	_, id1 := stream.AttachSubscriber(100, BackpressureDropOldest)
	_, id2 := stream.AttachSubscriber(100, BackpressureDropOldest)
	if id1 == 0 || id1 == id2 {
		t.Errorf("Expected unique non-zero ids, got %d and %d", id1, id2)
	}
	if stream.SubscriberCount() != 2 {
		t.Errorf("Expected 2 subscribers, got %d", stream.SubscriberCount())
	}

	stream.DetachSubscriber(id1)
	stream.DetachSubscriber(id2)
	if !stream.IsEmpty() {
		t.Error("Stream should be empty after removing all subscribers")
	}
}

func TestPublishFanout(t *testing.T) {
	stream := NewStream(NewStreamKey("live", "test"))
	sub1, _ := stream.AttachSubscriber(10, BackpressureDropOldest)
	sub2, _ := stream.AttachSubscriber(10, BackpressureDropOldest)

	msg := NewMessage(MessageTypeVideo, 1000, avcInter)
	stream.Publish(msg)

	for i, sub := range []*Subscriber{sub1, sub2} {
		got, ok := sub.Buffer().Read()
		if !ok || got != msg {
			t.Errorf("Subscriber %d should receive the published message", i+1)
		}
	}
	if stream.Info().Published != 1 {
		t.Errorf("Expected 1 published, got %d", stream.Info().Published)
	}
}

func TestLateSubscriberReceivesHeaders(t *testing.T) {
	stream := NewStream(NewStreamKey("live", "test"))
	stream.AttachPublisher(7)

	meta := NewMessage(MessageTypeMetadata, 0, []byte{0x02, 0x00, 0x01, 'x'})
	stream.Publish(meta)
	stream.Publish(NewMessage(MessageTypeVideo, 0, avcHeader))
	stream.Publish(NewMessage(MessageTypeAudio, 0, aacHeader))
	stream.Publish(NewMessage(MessageTypeVideo, 40, avcInter))

	sub, _ := stream.AttachSubscriber(10, BackpressureDropOldest)
	var got []*MediaMessage
	for {
		m, ok := sub.Buffer().Read()
		if !ok {
			break
		}
		got = append(got, m)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 cached messages, got %d", len(got))
	}
	if got[0] != meta || !got[1].IsSequenceHeader() || got[2].Type != MessageTypeAudio {
		t.Errorf("Unexpected replay order: %v", got)
	}

	stream.DetachPublisher()
	late, _ := stream.AttachSubscriber(10, BackpressureDropOldest)
	if late.Buffer().Len() != 0 {
		t.Errorf("Expected no cached messages after unpublish, got %d", late.Buffer().Len())
	}
}

func TestSubscriberWait(t *testing.T) {
	stream := NewStream(NewStreamKey("live", "test"))
	sub, _ := stream.AttachSubscriber(10, BackpressureDropOldest)

	done := make(chan error, 1)
	go func() {
		done <- sub.Wait(context.Background())
	}()
	stream.Publish(NewMessage(MessageTypeAudio, 0, aacRaw))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after publish")
	}

	sub.Buffer().Read()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Drop any wakeup left by the publish above
	select {
	case <-sub.signal:
	default:
	}
	if err := sub.Wait(ctx); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestStreamWithPublisherAndSubscribers(t *testing.T) {
	stream := NewStream(NewStreamKey("live", "test"))
	stream.AttachPublisher(1)
	stream.AttachSubscriber(10, BackpressureDropOldest)

	if stream.IsEmpty() {
		t.Error("Stream with publisher and subscribers should not be empty")
	}
	stream.DetachPublisher()
	if stream.IsEmpty() {
		t.Error("Stream with subscribers should not be empty")
	}
}

func BenchmarkPublishFanout(b *testing.B) {
	stream := NewStream(NewStreamKey("live", "bench"))
	stream.AttachPublisher(1)
	subs := make([]*Subscriber, 10)
	for i := range subs {
		subs[i], _ = stream.AttachSubscriber(1024, BackpressureDropOldest)
	}
	msg := NewMessage(MessageTypeVideo, 0, make([]byte, 1024))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stream.Publish(msg)
		for _, sub := range subs {
			sub.Buffer().Read()
		}
	}
}
