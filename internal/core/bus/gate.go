// This file implements Gate, the per-viewer filter for joining a live stream.

package bus

// Gate decides which live messages a new viewer receives and when.
// Once a video sequence header has been seen, frames are held back until the
// first keyframe so decoding starts clean. Timestamps are rebased so the first
// delivered frame is at zero; metadata and sequence headers are always
// delivered, at zero.
type Gate struct {
	hasVideo    bool
	gotKeyframe bool
	base        uint32
	baseSet     bool
}

// Admit reports whether msg should be delivered and at which timestamp.
func (g *Gate) Admit(msg *MediaMessage) (uint32, bool) {
	init := msg.Type == MessageTypeMetadata || msg.IsSequenceHeader()
	if init {
		if msg.Type == MessageTypeVideo {
			g.hasVideo = true
		}
		return 0, true
	}
	if g.hasVideo && !g.gotKeyframe {
		if !msg.IsKeyframe() {
			return 0, false
		}
		g.gotKeyframe = true
	}
	if !g.baseSet {
		g.base, g.baseSet = msg.Timestamp, true
	}
	if msg.Timestamp < g.base {
		return 0, true
	}
	return msg.Timestamp - g.base, true
}
