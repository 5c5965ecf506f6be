// Package netrep implements the replication and synchronization core for
// real-time multiplayer simulations: a tick-aligned clock, a channel
// multiplexed reliable/unreliable packet layer, a priority-scheduled
// replication pipeline, client-side prediction with rollback, and remote
// entity interpolation.
//
// The host entity-component simulation, concrete transports, and the
// connection handshake are external collaborators — see package transport.
package netrep

import "fmt"

// Tick is a 16-bit monotonically increasing, wrapping simulation tick.
// Comparison is modular: see TickAfter.
type Tick uint16

// TickAfter reports whether a is logically after b under modular
// wraparound ordering: (a - b) mod 2^16 < 2^15. Equal ticks give a
// difference of 0, so TickAfter(a, a) is true; TickDiff gives a strict
// comparison.
func TickAfter(a, b Tick) bool {
	return Tick(a-b) < 1<<15
}

// TickDiff returns the signed distance from b to a, positive when a is
// after b. Valid for differences within [-32768, 32767].
func TickDiff(a, b Tick) int32 {
	d := int32(a) - int32(b)
	switch {
	case d > 1<<15:
		d -= 1 << 16
	case d < -(1 << 15):
		d += 1 << 16
	}
	return d
}

// Generation disambiguates Tick wraparound; it increments every time a
// peer's tick counter wraps from 65535 to 0.
type Generation uint32

// MessageID is a per-channel 16-bit wrapping id assigned at send time.
type MessageID uint16

// PacketID is a per-connection 16-bit wrapping id stamped on outgoing
// packets; it drives the ACK bitfield.
type PacketID uint16

// FragmentID pairs a MessageID with a fragment index when a message's
// payload exceeds the channel's MTU budget.
type FragmentID struct {
	Message MessageID
	Index   uint8
	Count   uint8
}

// ClientID identifies a connected peer. The session/handshake layer
// (out of scope for this module) is responsible for minting these.
type ClientID uint64

func (c ClientID) String() string { return fmt.Sprintf("client#%d", uint64(c)) }

// Entity is the sender-side handle for a replicated entity, as carried on
// the wire. LocalEntity is the receiver-local handle it maps to. The
// mapping is established once (on spawn) and torn down once (on despawn);
// it never changes in between.
type Entity uint64

// LocalEntity is a receiver-local entity handle, opaque to this module and
// owned by the host simulation.
type LocalEntity uint64

// GroupID identifies a ReplicationGroup: a set of entities that replicate
// atomically relative to each other.
type GroupID uint64

// NetworkTarget selects which peers a (re)broadcast message should reach.
// Only meaningful on the server, where an incoming client message may be
// tagged for rebroadcast to other clients.
type NetworkTarget struct {
	kind   networkTargetKind
	id     ClientID
	idList []ClientID
}

type networkTargetKind int

const (
	targetNone networkTargetKind = iota
	targetSingle
	targetExcept
	targetAllExcept
	targetAll
)

// TargetNone sends to no one but the original recipient (server only).
func TargetNone() NetworkTarget { return NetworkTarget{kind: targetNone} }

// TargetSingle rebroadcasts to exactly one client.
func TargetSingle(id ClientID) NetworkTarget { return NetworkTarget{kind: targetSingle, id: id} }

// TargetExcept rebroadcasts to every connected client except id.
func TargetExcept(id ClientID) NetworkTarget { return NetworkTarget{kind: targetExcept, id: id} }

// TargetAllExcept rebroadcasts to every connected client except those listed.
func TargetAllExcept(ids []ClientID) NetworkTarget {
	return NetworkTarget{kind: targetAllExcept, idList: ids}
}

// TargetAll rebroadcasts to every connected client.
func TargetAll() NetworkTarget { return NetworkTarget{kind: targetAll} }

// Includes reports whether the target selects id.
func (t NetworkTarget) Includes(id ClientID) bool {
	switch t.kind {
	case targetNone:
		return false
	case targetSingle:
		return id == t.id
	case targetExcept:
		return id != t.id
	case targetAllExcept:
		for _, excluded := range t.idList {
			if id == excluded {
				return false
			}
		}
		return true
	case targetAll:
		return true
	default:
		return false
	}
}
