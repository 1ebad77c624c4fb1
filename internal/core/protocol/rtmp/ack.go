// This file tracks inbound byte counts against the acknowledgement window
// announced to the peer.

package rtmp

// ackResetPoint is where the received counter wraps back to zero.
const ackResetPoint = 0xf0000000

// AckWindow decides when a BytesRead acknowledgement is due.
// It is owned by the reading side of one session.
type AckWindow struct {
	size     uint32
	received uint32
	lastAck  uint32
}

// SetSize sets the window announced with a Server (window ack size) message.
// Zero disables acknowledgements.
func (w *AckWindow) SetSize(size uint32) {
	w.size = size
}

// Size returns the current window.
func (w *AckWindow) Size() uint32 {
	return w.size
}

// Record adds n received bytes. When a full window has arrived since the last
// acknowledgement it returns the sequence number to acknowledge and true.
func (w *AckWindow) Record(n uint32) (uint32, bool) {
	w.received += n
	if w.received >= ackResetPoint {
		w.received = 0
		w.lastAck = 0
	}
	if w.size == 0 || w.received-w.lastAck < w.size {
		return 0, false
	}
	w.lastAck = w.received
	return w.received, true
}
