// This file implements Handler, the per-connection pair of buffer queues and
// the reader and writer goroutines that move bytes between them and the socket.
// Shutdown is cooperative: Die sets the flag, cancels waits and closes the socket.

package handler

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rtmpd/internal/core/buffer"
	"rtmpd/internal/core/cque"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrIoTimeout = errors.New("network I/O timed out")
	ErrIoClosed  = errors.New("connection closed")
)

// Direction selects one of the two queues.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Config bounds socket I/O.
type Config struct {
	ReadTimeout  time.Duration // per read; each expiry counts as one timeout
	WriteTimeout time.Duration
	MaxTimeouts  int // consecutive read timeouts before the connection is closed; 0 means never
	ReadSize     int // bytes requested per socket read
}

// DefaultConfig returns the I/O bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxTimeouts:  12,
		ReadSize:     buffer.DefaultReadSize,
	}
}

// Handler owns one connection's queues and network goroutines.
type Handler struct {
	id   uint64
	conn net.Conn
	cfg  Config
	log  zerolog.Logger

	incoming *cque.CQue
	outgoing *cque.CQue

	dying    atomic.Bool
	draining atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	dieOnce  sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	started  time.Time
}

// New wraps conn. Start must be called to spawn the network goroutines.
func New(id uint64, conn net.Conn, cfg Config, log zerolog.Logger) *Handler {
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = buffer.DefaultReadSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		log:      log.With().Uint64("conn", id).Logger(),
		incoming: cque.New("incoming"),
		outgoing: cque.New("outgoing"),
		ctx:      ctx,
		cancel:   cancel,
		started:  time.Now(),
	}
}

// ID returns the connection id.
func (h *Handler) ID() uint64 {
	return h.id
}

// RemoteAddr returns the peer address.
func (h *Handler) RemoteAddr() net.Addr {
	return h.conn.RemoteAddr()
}

// Started returns when the handler was created.
func (h *Handler) Started() time.Time {
	return h.started
}

// BytesIn returns bytes read from the socket.
func (h *Handler) BytesIn() uint64 {
	return h.bytesIn.Load()
}

// BytesOut returns bytes written to the socket.
func (h *Handler) BytesOut() uint64 {
	return h.bytesOut.Load()
}

// Context is cancelled by Die.
func (h *Handler) Context() context.Context {
	return h.ctx
}

func (h *Handler) queue(dir Direction) *cque.CQue {
	if dir == Outgoing {
		return h.outgoing
	}
	return h.incoming
}

// Push queues b in direction dir. Ownership of b passes to the queue.
func (h *Handler) Push(dir Direction, b *buffer.Buffer) int {
	return h.queue(dir).Push(b)
}

// Pop removes the head of dir, or returns nil.
func (h *Handler) Pop(dir Direction) *buffer.Buffer {
	return h.queue(dir).Pop()
}

// Peek returns the head of dir without removing it.
func (h *Handler) Peek(dir Direction) *buffer.Buffer {
	return h.queue(dir).Peek()
}

// Len returns the number of buffers queued in dir.
func (h *Handler) Len(dir Direction) int {
	return h.queue(dir).Len()
}

// Clear drops everything queued in dir.
func (h *Handler) Clear(dir Direction) {
	h.queue(dir).Clear()
}

// Notify wakes the consumer of dir.
func (h *Handler) Notify(dir Direction) {
	h.queue(dir).Notify()
}

// Wait blocks until dir is notified or the handler dies.
func (h *Handler) Wait(dir Direction) error {
	return h.queue(dir).Wait(h.ctx)
}

// TimeToDie reports whether Die has been called.
func (h *Handler) TimeToDie() bool {
	return h.dying.Load()
}

// Die stops the connection: it sets the shutdown flag, wakes both queue
// consumers and closes the socket so a blocked read returns.
func (h *Handler) Die() {
	h.dieOnce.Do(func() {
		h.dying.Store(true)
		h.cancel()
		h.incoming.Notify()
		h.outgoing.Notify()
		if err := h.conn.Close(); err != nil {
			h.log.Debug().Err(err).Msg("close connection")
		}
	})
}

// Drain asks the writer to flush what is queued and then stop the connection.
func (h *Handler) Drain() {
	h.draining.Store(true)
	h.outgoing.Notify()
}

// Err returns the error that ended the connection, if any.
func (h *Handler) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Handler) fail(err error) {
	h.errMu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.errMu.Unlock()
	h.Die()
}

// Start spawns the reader and writer goroutines.
func (h *Handler) Start() {
	h.wg.Add(2)
	go h.readLoop()
	go h.writeLoop()
}

// Join waits for the reader and writer goroutines to exit.
func (h *Handler) Join() {
	h.wg.Wait()
}

func (h *Handler) readLoop() {
	defer h.wg.Done()
	scratch := make([]byte, h.cfg.ReadSize)
	timeouts := 0
	lastOut := h.bytesOut.Load()

	for !h.TimeToDie() {
		if h.cfg.ReadTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		}
		n, err := h.conn.Read(scratch)
		if n > 0 {
			timeouts = 0
			// Counted before the push so BytesIn never lags what Read can return.
			h.bytesIn.Add(uint64(n))
			b := buffer.Acquire()
			b.Append(scratch[:n])
			h.incoming.Push(b)
			h.incoming.Notify()
		}
		if err == nil {
			continue
		}
		if h.TimeToDie() {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// A peer that only receives (a player) is idle on read but not dead.
			if out := h.bytesOut.Load(); out != lastOut {
				lastOut = out
				timeouts = 0
				continue
			}
			timeouts++
			if h.cfg.MaxTimeouts > 0 && timeouts >= h.cfg.MaxTimeouts {
				h.fail(errors.Wrapf(ErrIoTimeout, "%d consecutive read timeouts", timeouts))
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			h.fail(ErrIoClosed)
		} else {
			h.fail(errors.Wrap(ErrIoClosed, err.Error()))
		}
		return
	}
}

func (h *Handler) writeLoop() {
	defer h.wg.Done()
	for {
		if err := h.flush(); err != nil {
			h.fail(err)
			return
		}
		if h.draining.Load() && h.outgoing.Len() == 0 {
			h.Die()
			return
		}
		if err := h.outgoing.Wait(h.ctx); err != nil {
			return
		}
	}
}

// flush writes every queued outgoing buffer, then removes what was sent.
func (h *Handler) flush() error {
	pending := h.outgoing.Snapshot(-1)
	if len(pending) == 0 {
		return nil
	}
	for _, b := range pending {
		if h.cfg.WriteTimeout > 0 {
			_ = h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		}
		n, err := h.conn.Write(b.Bytes())
		h.bytesOut.Add(uint64(n))
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return errors.Wrap(ErrIoTimeout, "write")
			}
			return errors.Wrap(ErrIoClosed, err.Error())
		}
	}
	if err := h.outgoing.Remove(0, len(pending)); err != nil {
		return errors.Wrap(err, h.outgoing.Name())
	}
	for _, b := range pending {
		buffer.Release(b)
	}
	return nil
}

// Write queues a copy of p for the writer goroutine.
func (h *Handler) Write(p []byte) (int, error) {
	if h.TimeToDie() {
		return 0, ErrIoClosed
	}
	b := buffer.New(len(p))
	b.Append(p)
	h.outgoing.Push(b)
	h.outgoing.Notify()
	return len(p), nil
}

// Read serves protocol code from the incoming queue, blocking until data
// arrives. It returns io.EOF once the handler has died and the queue is empty.
func (h *Handler) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		head := h.incoming.Peek()
		if head != nil && head.Remaining() < len(p) && h.incoming.Len() > 1 {
			// Coalesce so one read can span several socket reads.
			merged, err := h.incoming.Merge(0)
			if err != nil {
				return 0, err
			}
			head = merged
		}
		if head != nil {
			chunk, _ := head.Next(min(len(p), head.Remaining()))
			n := copy(p, chunk)
			if head.Remaining() == 0 {
				buffer.Release(h.incoming.Pop())
			}
			return n, nil
		}
		if h.TimeToDie() {
			return 0, io.EOF
		}
		if err := h.incoming.Wait(h.ctx); err != nil {
			if h.incoming.Len() > 0 {
				continue
			}
			return 0, io.EOF
		}
	}
}
