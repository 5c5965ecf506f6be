package channel

import (
	"time"

	"netrep"
)

// reassembler tracks in-flight fragmented messages and their parts,
// grounded on the teacher's Session.SplitPackets
// map[uint16]map[uint32]*EncapsulatedPacket completion tracking in
// raknet.go, generalized to an explicit per-(channel,message) group with
// an expiry so a lost fragment doesn't leak memory forever.
type reassembler struct {
	maxAge  time.Duration
	pending map[fragKey]*fragGroup
}

type fragKey struct {
	channel Kind
	msgID   netrep.MessageID
}

type fragGroup struct {
	parts     [][]byte
	have      []bool
	remaining int
	tick      netrep.Tick
	firstSeen time.Time
}

func newReassembler(maxAge time.Duration) *reassembler {
	return &reassembler{maxAge: maxAge, pending: make(map[fragKey]*fragGroup)}
}

// Add records one fragment. It returns the reassembled payload and true
// once every fragment of the group has arrived.
func (r *reassembler) Add(now time.Time, ch Kind, b block) ([]byte, bool) {
	key := fragKey{channel: ch, msgID: b.MsgID}
	g, ok := r.pending[key]
	if !ok {
		g = &fragGroup{
			parts:     make([][]byte, b.FragCount),
			have:      make([]bool, b.FragCount),
			remaining: int(b.FragCount),
			tick:      b.Tick,
			firstSeen: now,
		}
		r.pending[key] = g
	}
	if int(b.FragIndex) >= len(g.parts) || g.have[b.FragIndex] {
		return nil, false
	}
	g.parts[b.FragIndex] = b.Payload
	g.have[b.FragIndex] = true
	g.remaining--
	if g.remaining > 0 {
		return nil, false
	}
	delete(r.pending, key)
	total := 0
	for _, p := range g.parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range g.parts {
		out = append(out, p...)
	}
	return out, true
}

// Expire drops groups older than maxAge, matching spec.md's
// MaxReassemblyAge so a peer that never completes a send doesn't pin
// memory for the life of the connection.
func (r *reassembler) Expire(now time.Time) {
	for key, g := range r.pending {
		if now.Sub(g.firstSeen) > r.maxAge {
			delete(r.pending, key)
		}
	}
}

// splitPayload breaks payload into chunks of at most maxPart bytes, for
// messages whose payload exceeds the per-block budget. Returns a single
// chunk unsplit (and fragmented=false) when payload already fits.
func splitPayload(payload []byte, maxPart int) (parts [][]byte, fragmented bool) {
	if len(payload) <= maxPart {
		return [][]byte{payload}, false
	}
	for off := 0; off < len(payload); off += maxPart {
		end := off + maxPart
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, payload[off:end])
	}
	return parts, true
}
