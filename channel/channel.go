// Package channel implements the packet and channel layer: multiple
// logical channels multiplexed onto one packet stream, each with its own
// delivery mode, ACK/NACK tracking, resend, fragmentation, and
// bandwidth/priority-scheduled admission to outgoing packets.
//
// The wire layout and session bookkeeping follow the teacher's
// source/protocol/raknet.go (BitStream framing, per-session ACK/NACK
// queues, split-packet reassembly), generalized from one fixed RakNet
// session to N registered channels each with an independent delivery
// mode.
package channel

import (
	"strconv"
	"sync"
	"time"

	"netrep"
	"netrep/metrics"
)

// DefaultBackpressureHardCap and DefaultMaxReassemblyAge are the spec.md
// §4.1 defaults, used by callers (tests, demos) that don't source their
// own config.Config.
const (
	DefaultBackpressureHardCap = 10000
	DefaultMaxReassemblyAge    = 3 * time.Second
)

// Kind is a stable numeric id for a registered channel.
type Kind uint16

// channelLabel renders a Kind as a metrics label value. Channels are
// numeric ids at this layer (names live in the registry/protocol above
// it), so the label is just the decimal id.
func channelLabel(k Kind) string {
	return strconv.FormatUint(uint64(k), 10)
}

// DeliveryMode selects a channel's reliability and ordering guarantees.
type DeliveryMode int

const (
	// Reliable: delivered exactly once, unordered relative to siblings.
	Reliable DeliveryMode = iota
	// ReliableOrdered: delivered exactly once, in send order.
	ReliableOrdered
	// UnreliableOrdered: delivered at most once; out-of-order arrivals
	// are dropped against the newest already-delivered message.
	UnreliableOrdered
	// UnreliableUnordered: delivered at most once, any order.
	UnreliableUnordered
	// Sequenced: like UnreliableOrdered but the gap itself is visible;
	// the receiver never waits for a missing message.
	Sequenced
)

func (m DeliveryMode) reliable() bool {
	return m == Reliable || m == ReliableOrdered
}

func (m DeliveryMode) ordered() bool {
	return m == ReliableOrdered || m == UnreliableOrdered || m == Sequenced
}

// Spec describes one channel's registration with the Manager.
type Spec struct {
	ID   Kind
	Mode DeliveryMode
}

// Received is a message the Manager has fully reassembled and delivered
// in order, ready for the host to consume via ReadMessages.
type Received struct {
	Channel Kind
	Tick    netrep.Tick
	Payload []byte
}

// AckEvent is published to SubscribeAcks subscribers when a reliable
// message the local peer sent is acknowledged by the remote.
type AckEvent struct {
	Channel Kind
	ID      netrep.MessageID
}

// Manager multiplexes registered channels onto one outgoing/incoming
// packet stream. Every exported method holds the Manager's mutex for its
// duration, so calls from multiple goroutines are serialized.
type Manager struct {
	mu sync.Mutex

	mtu     int
	rttEst  time.Duration
	channels map[Kind]*channelState

	nextPacketID netrep.PacketID
	stampedTick  netrep.Tick
	sent         map[netrep.PacketID]*sentPacket
	sentOrder    []netrep.PacketID // oldest-first, for resend scan and trimming

	recvHighest netrep.PacketID
	recvSeen    bool
	recvBitfield uint32 // bit i set => recvHighest-1-i was received

	fragments *reassembler
	limiter   *BandwidthLimiter

	backpressureHardCap int
	metrics             *metrics.Registry

	ackSubs []chan AckEvent

	now func() time.Time
}

type channelState struct {
	spec Spec

	// reliable sender side
	nextMsgID netrep.MessageID
	unacked   map[netrep.MessageID]*reliableSend

	// ordered receiver side
	nextExpected netrep.MessageID
	haveExpected bool
	reorderBuf   map[netrep.MessageID][]byte
	lastDelivered netrep.MessageID
	haveLast     bool

	// unordered-reliable receiver side: a recent-window dedup set so a
	// resend of a message whose ack was merely delayed isn't delivered to
	// the app twice, mirroring the packet-level ack bitfield's shape.
	recvHighestMsg  netrep.MessageID
	haveRecvMsg     bool
	recvMsgBitfield uint32

	// outgoing queue of not-yet-admitted blocks (reliable retransmits and
	// fresh sends alike go through the bandwidth/priority scheduler)
	pending []outBlock

	inbox []Received
}

type outBlock struct {
	channel  Kind
	msgID    netrep.MessageID
	payload  []byte
	reliable bool
	priority float64
	priorityKey uint64
	tick     netrep.Tick
	firstSeenAt time.Time
	bypassCap bool
}

type reliableSend struct {
	payload     []byte
	priority    float64
	priorityKey uint64
	tick        netrep.Tick
	lastSentAt  time.Time
	sendCount   int
}

type sentPacket struct {
	id        netrep.PacketID
	sentAt    time.Time
	reliable  []reliableRef // reliable messages carried, for ack bookkeeping
}

type reliableRef struct {
	channel Kind
	msgID   netrep.MessageID
}

// NewManager builds a Manager with the given MTU (bytes per outgoing
// packet), bandwidth cap (bytes/sec, 0 disables the cap), outgoing-queue
// hard cap (spec.md §4.1's backpressure threshold, <=0 disables it), and
// fragment reassembly timeout.
func NewManager(mtu int, bandwidthCapBPS float64, backpressureHardCap int, maxReassemblyAge time.Duration) *Manager {
	return &Manager{
		mtu:      mtu,
		rttEst:   100 * time.Millisecond,
		channels: make(map[Kind]*channelState),
		sent:     make(map[netrep.PacketID]*sentPacket),
		fragments: newReassembler(maxReassemblyAge),
		limiter:   NewBandwidthLimiter(bandwidthCapBPS),
		backpressureHardCap: backpressureHardCap,
		now:       time.Now,
	}
}

// SetMetrics attaches a metrics.Registry the Manager increments at its
// packet/resend/ack call sites. Nil (the default) disables instrumentation.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = reg
}

// RegisterChannel adds a channel the Manager will multiplex. Both peers
// must register the same set (enforced upstream by the registry digest).
func (m *Manager) RegisterChannel(s Spec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[s.ID] = &channelState{spec: s, unacked: make(map[netrep.MessageID]*reliableSend), reorderBuf: make(map[netrep.MessageID][]byte)}
}

// UpdateRTT feeds the Manager a fresh RTT estimate (from package clock's
// ping/pong loop) so reliable resend timing can track it.
func (m *Manager) UpdateRTT(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rttEst = rtt
}

// BufferSend enqueues payload on channel for the given tick at default
// priority (1.0).
func (m *Manager) BufferSend(ch Kind, tick netrep.Tick, payload []byte) (netrep.MessageID, error) {
	return m.BufferSendWithPriority(ch, tick, payload, 1.0, 0)
}

// BufferSendWithPriority enqueues payload on channel ch for tick, tagged
// with priority and a priorityKey used to group it with other messages
// competing for the same bandwidth-cap share (replication groups pass
// their GroupID here; ungrouped callers pass 0, which still gets its own
// independent accumulator).
func (m *Manager) BufferSendWithPriority(ch Kind, tick netrep.Tick, payload []byte, priority float64, priorityKey uint64) (netrep.MessageID, error) {
	return m.bufferSend(ch, tick, payload, priority, priorityKey, false)
}

// BufferSendBypassCap enqueues a non-replication message (ping, input)
// that is given infinite effective priority and bypasses the bandwidth
// cap entirely, per spec.md §4.1: these small, latency-sensitive
// messages should never be held back by a replication group's budget.
func (m *Manager) BufferSendBypassCap(ch Kind, tick netrep.Tick, payload []byte) (netrep.MessageID, error) {
	return m.bufferSend(ch, tick, payload, 0, 0, true)
}

func (m *Manager) bufferSend(ch Kind, tick netrep.Tick, payload []byte, priority float64, priorityKey uint64, bypassCap bool) (netrep.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.channels[ch]
	if !ok {
		return 0, netrep.NewError(netrep.ErrUnknownChannel, "buffer send: unregistered channel")
	}

	if m.backpressureHardCap > 0 && len(cs.pending)+len(cs.unacked) >= m.backpressureHardCap {
		return 0, netrep.NewError(netrep.ErrBackpressure, "buffer send: outgoing queue over hard cap")
	}

	id := cs.nextMsgID
	cs.nextMsgID++

	reliable := cs.spec.Mode.reliable()
	if reliable {
		cs.unacked[id] = &reliableSend{payload: payload, priority: priority, priorityKey: priorityKey, tick: tick}
	}
	cs.pending = append(cs.pending, outBlock{
		channel: ch, msgID: id, payload: payload, reliable: reliable,
		priority: priority, priorityKey: priorityKey, tick: tick, firstSeenAt: m.now(),
		bypassCap: bypassCap,
	})
	return id, nil
}

// SubscribeAcks registers a channel that receives an AckEvent whenever a
// reliable message this peer sent is acknowledged. The returned channel
// is buffered; slow consumers drop ack notifications rather than block
// the send/receive path.
func (m *Manager) SubscribeAcks() <-chan AckEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make(chan AckEvent, 256)
	m.ackSubs = append(m.ackSubs, c)
	return c
}

func (m *Manager) publishAck(ev AckEvent) {
	for _, c := range m.ackSubs {
		select {
		case c <- ev:
		default:
		}
	}
}

// ReadMessages drains and returns every message fully delivered, in
// order, on channel ch since the last call.
func (m *Manager) ReadMessages(ch Kind) []Received {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.channels[ch]
	if !ok || len(cs.inbox) == 0 {
		return nil
	}
	out := cs.inbox
	cs.inbox = nil
	return out
}
