// This file implements Stream, one live stream with a single publisher and
// any number of subscribers.
// The stream remembers the latest metadata and sequence headers so a player
// that joins mid-stream can initialise its decoders.

package bus

import (
	"sync"
	"time"
)

// Stream represents a live media stream instance.
type Stream struct {
	key         StreamKey
	mu          sync.RWMutex
	publisher   *Publisher
	subscribers map[uint64]*Subscriber
	nextSubID   uint64

	metadata    *MediaMessage
	videoHeader *MediaMessage
	audioHeader *MediaMessage

	published uint64
}

// Publisher represents a stream publisher.
type Publisher struct {
	id    uint64 // connection id
	since time.Time
}

// Info is a point-in-time view of a stream.
type Info struct {
	Key         StreamKey
	PublisherID uint64 // 0 when nobody publishes
	Since       time.Time
	Subscribers int
	Published   uint64
}

// NewStream creates a new stream with the given key.
func NewStream(key StreamKey) *Stream {
	return &Stream{
		key:         key,
		subscribers: make(map[uint64]*Subscriber),
		nextSubID:   1,
	}
}

// Key returns the stream's key.
func (s *Stream) Key() StreamKey {
	return s.key
}

// AttachPublisher attaches a publisher to the stream.
// Returns true if attached, false if a publisher is already attached.
func (s *Stream) AttachPublisher(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publisher != nil {
		return false
	}

	s.publisher = &Publisher{id: id, since: time.Now()}
	return true
}

// DetachPublisher detaches the publisher and forgets its cached headers.
func (s *Stream) DetachPublisher() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = nil
	s.metadata = nil
	s.videoHeader = nil
	s.audioHeader = nil
}

// HasPublisher returns true if a publisher is currently attached.
func (s *Stream) HasPublisher() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publisher != nil
}

// PublisherID returns the attached publisher's id, or 0.
func (s *Stream) PublisherID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.publisher == nil {
		return 0
	}
	return s.publisher.id
}

// AttachSubscriber attaches a new subscriber to the stream and primes it with
// the cached metadata and sequence headers.
func (s *Stream) AttachSubscriber(capacity uint32, strategy BackpressureStrategy) (*Subscriber, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++

	sub := NewSubscriber(id, capacity, strategy)
	for _, msg := range []*MediaMessage{s.metadata, s.videoHeader, s.audioHeader} {
		if msg != nil {
			sub.deliver(msg)
		}
	}
	s.subscribers[id] = sub
	return sub, id
}

// DetachSubscriber detaches a subscriber from the stream.
func (s *Stream) DetachSubscriber(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// Publish delivers a message to all subscribers without blocking on any of them.
func (s *Stream) Publish(msg *MediaMessage) {
	if msg == nil {
		return
	}

	s.mu.Lock()
	switch {
	case msg.Type == MessageTypeMetadata:
		s.metadata = msg
	case msg.Type == MessageTypeVideo && msg.IsSequenceHeader():
		s.videoHeader = msg
	case msg.Type == MessageTypeAudio && msg.IsSequenceHeader():
		s.audioHeader = msg
	}
	s.published++
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(msg)
	}
}

// SubscriberCount returns the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// IsEmpty returns true if the stream has no publisher and no subscribers.
func (s *Stream) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publisher == nil && len(s.subscribers) == 0
}

// Info returns a snapshot of the stream state.
func (s *Stream) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		Key:         s.key,
		Subscribers: len(s.subscribers),
		Published:   s.published,
	}
	if s.publisher != nil {
		info.PublisherID = s.publisher.id
		info.Since = s.publisher.since
	}
	return info
}
