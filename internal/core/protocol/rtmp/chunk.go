// This file implements RTMP chunking: splitting message bodies at the negotiated
// chunk size and reassembling interleaved chunks per channel.

package rtmp

import (
	"io"
	"strconv"

	"rtmpd/internal/core/buffer"

	"github.com/pkg/errors"
)

// ErrChunkTooLarge is returned for chunk sizes outside 1..MaxChunkSize.
var ErrChunkTooLarge = errors.New("chunk size out of range")

// ContinuationMarker is the one-byte header that prefixes every continuation chunk.
func ContinuationMarker(channel uint8) byte {
	return 0xC0 | (channel & 0x3F)
}

// Chunk inserts a continuation marker after every chunkSize bytes of body.
// No marker is added after the final chunk, so the output is
// len(body) + ceil(len(body)/chunkSize) - 1 bytes long.
func Chunk(body []byte, chunkSize int, channel uint8) []byte {
	if chunkSize <= 0 || len(body) <= chunkSize {
		out := make([]byte, len(body))
		copy(out, body)
		return out
	}
	markers := (len(body) - 1) / chunkSize
	out := make([]byte, 0, len(body)+markers)
	marker := ContinuationMarker(channel)
	for off := 0; off < len(body); off += chunkSize {
		if off > 0 {
			out = append(out, marker)
		}
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		out = append(out, body[off:end]...)
	}
	return out
}

// Dechunk removes the marker byte that follows every chunkSize bytes of payload.
// Dechunk(Chunk(b, n, ch), n) == b for every n > 0.
func Dechunk(raw []byte, chunkSize int) []byte {
	if chunkSize <= 0 || len(raw) <= chunkSize {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}
	out := make([]byte, 0, len(raw))
	for off := 0; off < len(raw); {
		end := off + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		out = append(out, raw[off:end]...)
		off = end
		if off < len(raw) {
			off++ // marker
		}
	}
	return out
}

// WriteMessage appends hdr followed by the chunked body to buf.
// hdr.BodySize is taken from body.
func WriteMessage(buf *buffer.Buffer, hdr Header, body []byte, chunkSize int) error {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return errors.Wrapf(ErrChunkTooLarge, "chunk size %d", chunkSize)
	}
	if hdr.Size == HeaderSize12 || hdr.Size == HeaderSize8 {
		hdr.BodySize = uint32(len(body))
	}
	if err := EncodeHeader(buf, hdr); err != nil {
		return err
	}
	buf.Append(Chunk(body, chunkSize, hdr.Channel))
	return nil
}

// RawMessage is one reassembled message with its resolved header.
type RawMessage struct {
	Header Header
	Body   []byte
}

// ChannelError reports a malformed message on one channel.
// The channel's partial state has been discarded; the stream is still in sync.
type ChannelError struct {
	Channel uint8
	Err     error
}

func (e *ChannelError) Error() string {
	return "channel " + strconv.Itoa(int(e.Channel)) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

type assembly struct {
	header  Header
	body    []byte
	read    uint32
	discard bool  // body being skipped
	dropErr error // reported once a skipped body ends; nil means oversized
	active  bool
}

// ChunkReader reassembles messages from interleaved chunks.
// One reader serves one inbound direction of one connection.
type ChunkReader struct {
	r            io.Reader
	table        *ChannelTable
	chunkSize    int
	maxBody      uint32
	bytesRead    uint64
	partial      [MaxChannel + 1]assembly
	headerBuf    [12]byte
	onChannelErr func(*ChannelError)
}

// NewChunkReader reads chunks from r. Bodies larger than maxBody are skipped
// and reported as malformed; zero means MaxBodySize.
func NewChunkReader(r io.Reader, routing Routing, maxBody uint32) *ChunkReader {
	if maxBody == 0 || maxBody > MaxBodySize {
		maxBody = MaxBodySize
	}
	return &ChunkReader{
		r:         r,
		table:     NewChannelTable(routing),
		chunkSize: DefaultChunkSize,
		maxBody:   maxBody,
	}
}

// OnChannelError registers a callback for malformed messages that did not stop reading.
func (c *ChunkReader) OnChannelError(fn func(*ChannelError)) {
	c.onChannelErr = fn
}

// SetChunkSize changes the inbound chunk size, as requested by the peer.
func (c *ChunkReader) SetChunkSize(size int) error {
	if size <= 0 || size > MaxChunkSize {
		return errors.Wrapf(ErrChunkTooLarge, "chunk size %d", size)
	}
	c.chunkSize = size
	return nil
}

// ChunkSize returns the current inbound chunk size.
func (c *ChunkReader) ChunkSize() int {
	return c.chunkSize
}

// BytesRead returns the number of bytes consumed so far, headers included.
func (c *ChunkReader) BytesRead() uint64 {
	return c.bytesRead
}

// Abort drops the partial message on a channel.
func (c *ChunkReader) Abort(channel uint8) {
	if channel <= MaxChannel {
		c.partial[channel] = assembly{}
	}
}

func (c *ChunkReader) report(channel uint8, err error) {
	if c.onChannelErr != nil {
		c.onChannelErr(&ChannelError{Channel: channel, Err: err})
	}
}

// ReadMessage reads chunks until a message completes. Malformed headers and
// oversized bodies are reported through OnChannelError and reading continues.
// The returned error is always an I/O error.
func (c *ChunkReader) ReadMessage() (*RawMessage, error) {
	for {
		msg, err := c.readChunk()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (c *ChunkReader) readChunk() (*RawMessage, error) {
	if _, err := io.ReadFull(c.r, c.headerBuf[:1]); err != nil {
		return nil, err
	}
	size := HeaderSizeOf(c.headerBuf[0])
	if size > 1 {
		if _, err := io.ReadFull(c.r, c.headerBuf[1:size]); err != nil {
			return nil, err
		}
	}
	c.bytesRead += uint64(size)

	wire, err := DecodeHeader(buffer.From(c.headerBuf[:size]))
	if err != nil {
		return nil, err
	}
	ch := wire.Channel
	asm := &c.partial[ch]

	if !asm.active || wire.Size != HeaderSize1 {
		if asm.active {
			c.report(ch, errors.Wrapf(ErrMalformedHeader, "new %d byte header interrupts message at %d/%d bytes", wire.Size, asm.read, asm.header.BodySize))
		}
		hdr, err := c.table.Resolve(wire)
		switch {
		case err != nil && wire.Size == HeaderSize8:
			// The header carries its own length, so the body can be skipped.
			wire.Routing = c.table.routing
			*asm = assembly{header: wire, active: true, discard: true, dropErr: err}
		case err != nil:
			// Without a previous header the payload length is unknown.
			*asm = assembly{}
			c.report(ch, err)
			return nil, nil
		default:
			*asm = assembly{header: hdr, active: true}
			if hdr.BodySize > c.maxBody {
				asm.discard = true
			} else {
				asm.body = make([]byte, 0, hdr.BodySize)
			}
		}
	}

	n := asm.header.BodySize - asm.read
	if n > uint32(c.chunkSize) {
		n = uint32(c.chunkSize)
	}
	if asm.discard {
		if _, err := io.CopyN(io.Discard, c.r, int64(n)); err != nil {
			return nil, err
		}
	} else {
		start := len(asm.body)
		asm.body = asm.body[:start+int(n)]
		if _, err := io.ReadFull(c.r, asm.body[start:]); err != nil {
			return nil, err
		}
	}
	asm.read += n
	c.bytesRead += uint64(n)

	if asm.read < asm.header.BodySize {
		return nil, nil
	}

	done := *asm
	*asm = assembly{}
	if done.discard {
		if done.dropErr == nil {
			done.dropErr = errors.Wrapf(ErrMalformedHeader, "body size %d exceeds %d", done.header.BodySize, c.maxBody)
		}
		c.report(ch, done.dropErr)
		return nil, nil
	}
	return &RawMessage{Header: done.header, Body: done.body}, nil
}

// ChunkWriter frames outbound messages with compressed headers.
type ChunkWriter struct {
	table     *ChannelTable
	chunkSize int
}

// NewChunkWriter creates a writer using the default chunk size.
func NewChunkWriter(routing Routing) *ChunkWriter {
	return &ChunkWriter{table: NewChannelTable(routing), chunkSize: DefaultChunkSize}
}

// SetChunkSize changes the outbound chunk size. The caller must announce it to the peer first.
func (w *ChunkWriter) SetChunkSize(size int) error {
	if size <= 0 || size > MaxChunkSize {
		return errors.Wrapf(ErrChunkTooLarge, "chunk size %d", size)
	}
	w.chunkSize = size
	return nil
}

// ChunkSize returns the outbound chunk size.
func (w *ChunkWriter) ChunkSize() int {
	return w.chunkSize
}

// Frame appends one message to buf using the smallest header the channel state allows.
func (w *ChunkWriter) Frame(buf *buffer.Buffer, channel uint8, typ MessageType, streamID, timestamp uint32, body []byte) error {
	hdr, err := w.table.Compress(Header{
		Channel:   channel,
		Timestamp: timestamp,
		BodySize:  uint32(len(body)),
		Type:      typ,
		StreamID:  streamID,
	})
	if err != nil {
		return err
	}
	return WriteMessage(buf, hdr, body, w.chunkSize)
}
