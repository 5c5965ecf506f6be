// Package conn composes C1 (channel) through C6 (input) into the
// per-peer connection manager spec.md calls C7: a thin glue layer that
// ties the lower components together and exposes the send/receive entry
// points the host simulation drives once per loop phase.
//
// Grounded on original_source/lightyear/src/client/connection.rs's
// ConnectionManager struct (composes message_manager,
// replication_sender/receiver, ping_manager, input_buffer, sync_manager)
// and the teacher's source/server/server.go Server (update/cleanup
// ticker loop structure lives on in Server.UpdateAll).
package conn

import (
	"time"

	"google.golang.org/protobuf/proto"

	"netrep"
	"netrep/channel"
	"netrep/clock"
	"netrep/config"
	"netrep/input"
	"netrep/interpolate"
	"netrep/metrics"
	"netrep/prediction"
	"netrep/registry"
	"netrep/replication"
)

// Manager owns one peer's connection state. On the client there is
// exactly one, talking to the server; on the server, package conn's
// Server keeps one Manager per connected ClientID. Prediction and
// interpolation are client-only (spec.md §4.7); a server-side Manager
// leaves those fields nil.
type Manager struct {
	reg   *registry.Registry
	codec *registry.Codec

	channels *channel.Manager
	clk      *clock.Clock
	ping     *clock.PingManager
	sync     *clock.SyncManager

	sender   *replication.Sender
	receiver *replication.Receiver

	isClient bool
	pred     *prediction.Engine
	interp   *interpolate.Store
	local    *input.Buffer
	redundancy int

	peer        netrep.ClientID
	sharedInput *input.ServerBuffer

	tickDuration time.Duration
	timeout      time.Duration
	lastRecvAt   time.Time
	haveRecv     bool
	disconnected bool

	acks    <-chan channel.AckEvent
	metrics *metrics.Registry
}

func newCore(reg *registry.Registry, cfg config.Config, isClient bool) *Manager {
	ch := channel.NewManager(cfg.Channel.MTU, cfg.Channel.BandwidthCapBytesPerSec, cfg.Channel.BackpressureHardCap, cfg.Channel.MaxReassemblyAge())
	registerCoreChannels(ch)
	codec := registry.NewCodec(reg)

	m := &Manager{
		reg:          reg,
		codec:        codec,
		channels:     ch,
		clk:          clock.New(),
		ping:         clock.NewPingManager(cfg.Clock.PingInterval()),
		sync:         clock.NewSyncManager(cfg.Clock.DriftThresholdTicks, cfg.Clock.ResyncThresholdTicks),
		sender:       replication.NewSender(codec),
		receiver:     replication.NewReceiver(codec),
		isClient:     isClient,
		redundancy:   cfg.Input.RedundancyTicks,
		tickDuration: cfg.Clock.TickDuration(),
		timeout:      cfg.Connection.Timeout(),
	}
	m.acks = ch.SubscribeAcks()
	return m
}

// NewClient builds the client's single Manager, talking to the server.
func NewClient(reg *registry.Registry, cfg config.Config) *Manager {
	m := newCore(reg, cfg, true)
	window := prediction.ComputeWindowSize(100*time.Millisecond, cfg.Clock.TickDuration(), 0, cfg.Prediction.SafetyMarginTicks)
	if cfg.Prediction.MinWindowTicks > window {
		window = cfg.Prediction.MinWindowTicks
	}
	m.pred = prediction.NewEngine(reg, window)
	m.interp = interpolate.NewStore(reg)
	m.local = input.NewBuffer(cfg.Input.RedundancyTicks * 2)
	return m
}

// NewServerPeer builds the server's Manager for one connected client,
// sharing the server-wide input mirror so the host simulation can read
// any client's input by ClientID regardless of which Manager received it.
func NewServerPeer(reg *registry.Registry, cfg config.Config, peer netrep.ClientID, shared *input.ServerBuffer) *Manager {
	m := newCore(reg, cfg, false)
	m.peer = peer
	m.sharedInput = shared
	return m
}

// SetMetrics attaches a metrics.Registry this Manager and the components
// it composes increment at their instrumentation points. Nil (the
// default) disables instrumentation.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
	m.channels.SetMetrics(reg)
	if m.pred != nil {
		m.pred.SetMetrics(reg)
	}
	if m.interp != nil {
		m.interp.SetMetrics(reg)
	}
}

// Prediction returns the client-only rollback engine, nil on the server.
func (m *Manager) Prediction() *prediction.Engine { return m.pred }

// Interpolation returns the client-only interpolation store, nil on the
// server.
func (m *Manager) Interpolation() *interpolate.Store { return m.interp }

// Sender returns the replication sender, for the host to buffer world
// diffs onto.
func (m *Manager) Sender() *replication.Sender { return m.sender }

// Receiver returns the replication receiver, for the host to drain spawn
// and despawn events from.
func (m *Manager) Receiver() *replication.Receiver { return m.receiver }

// Clock returns the peer's tick counter.
func (m *Manager) Clock() *clock.Clock { return m.clk }

// Sync returns the drift-correction state machine.
func (m *Manager) Sync() *clock.SyncManager { return m.sync }

// IsSynced reports whether at least one server tick has been observed,
// per spec.md §4.5; replication application is gated on this.
func (m *Manager) IsSynced() bool { return m.sync.IsSynced() }

// IsDisconnected reports whether Update has observed the peer silent
// past the configured connection_timeout.
func (m *Manager) IsDisconnected() bool { return m.disconnected }

// AddInput records a local input sample for tick. Client-only; the
// server receives input via RecvPacket/Receive instead. Per spec.md
// §4.5, input sending is never gated on IsSynced.
func (m *Manager) AddInput(tick netrep.Tick, kind registry.InputKind, payload []byte) {
	if m.local != nil {
		m.local.Set(tick, kind, payload)
	}
}

// SendMessage buffers a registered, non-replication message reliably to
// this peer.
func (m *Manager) SendMessage(tick netrep.Tick, kind registry.MessageKind, msg proto.Message) (netrep.MessageID, error) {
	payload, err := m.codec.EncodeMessage(kind, msg)
	if err != nil {
		return 0, err
	}
	return m.channels.BufferSendBypassCap(ChannelMessage, tick, payload)
}

// Update advances the peer's connection-lifecycle bookkeeping: it
// doesn't touch the network (that's SendPackets/RecvPacket) or the
// clock, only local timeout state. Returns a *netrep.Error wrapping
// ErrTimeout once now exceeds connection_timeout since the last received
// packet, or since the first Update if no packet has arrived yet.
func (m *Manager) Update(now time.Time) error {
	if m.disconnected {
		return netrep.NewError(netrep.ErrTimeout, "connection already disconnected")
	}
	if m.lastRecvAt.IsZero() {
		m.lastRecvAt = now
	}
	if m.timeout > 0 && now.Sub(m.lastRecvAt) > m.timeout {
		m.disconnected = true
		if m.metrics != nil {
			m.metrics.Disconnects.WithLabelValues("timeout").Inc()
		}
		return netrep.NewError(netrep.ErrTimeout, "peer silent past connection_timeout")
	}
	return nil
}
