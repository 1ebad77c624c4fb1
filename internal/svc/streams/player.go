// This file implements player, the goroutine state shared by live and
// recorded playback: cancellation, pause and pending seeks.

package streams

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type player struct {
	id   uint32
	sink Sink
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	onStop func()

	paused atomic.Bool
	wake   chan struct{} // resume or seek; holds at most one pending wakeup

	seekMu  sync.Mutex
	seekTo  uint32
	seeking bool
}

func newPlayer(id uint32, sink Sink, log zerolog.Logger, onStop func()) *player {
	ctx, cancel := context.WithCancel(context.Background())
	return &player{
		id:     id,
		sink:   sink,
		log:    log.With().Uint32("stream", id).Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		onStop: onStop,
		wake:   make(chan struct{}, 1),
	}
}

// start runs fn on its own goroutine, tracked by wg.
func (p *player) start(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.done)
		defer p.onStop()
		fn()
	}()
}

// stop cancels playback and waits for the goroutine to exit.
func (p *player) stop() {
	p.cancel()
	<-p.done
}

func (p *player) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *player) isPaused() bool {
	return p.paused.Load()
}

func (p *player) setPaused(paused bool) {
	p.paused.Store(paused)
	p.signal()
}

// seek records a seek request for the playback loop. A newer request replaces an older one.
func (p *player) seek(ms uint32) {
	p.seekMu.Lock()
	p.seekTo, p.seeking = ms, true
	p.seekMu.Unlock()
	p.signal()
}

func (p *player) takeSeek() (uint32, bool) {
	p.seekMu.Lock()
	defer p.seekMu.Unlock()
	ms, ok := p.seekTo, p.seeking
	p.seeking = false
	return ms, ok
}

// waitWake blocks until a pause, resume or seek request, or cancellation.
// It returns false when playback was cancelled.
func (p *player) waitWake() bool {
	select {
	case <-p.ctx.Done():
		return false
	case <-p.wake:
		return true
	}
}
