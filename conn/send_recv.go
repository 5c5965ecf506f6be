package conn

import (
	"time"

	"netrep"
	"netrep/replication"
)

// SendPackets drains every pending send across C1..C6 into wire-ready
// packets. Pong replies for pings received since the last pass are
// queued here, at the send pass rather than at receive time, matching the
// original's take_pending_pongs call site (DESIGN.md); a pong carries
// only the ping's sequence id, no timestamp. Replication Finalize runs
// here too, so a group's Actions/Updates batches for this tick are
// queued before the channel layer schedules admission.
func (m *Manager) SendPackets(now time.Time) [][]byte {
	tick := m.clk.Tick()
	m.channels.StampTick(tick)

	for _, seq := range m.ping.TakePendingPongs() {
		_, _ = m.channels.BufferSendBypassCap(ChannelPing, tick, encodePong(seq))
	}
	if seq, ready := m.ping.MaybePreparePing(now); ready {
		_, _ = m.channels.BufferSendBypassCap(ChannelPing, tick, encodePing(seq))
	}

	for _, pm := range m.sender.Finalize(tick) {
		var id netrep.MessageID
		var err error
		if pm.IsAction {
			id, err = m.channels.BufferSendWithPriority(ChannelActions, tick, pm.Payload, pm.Priority, uint64(pm.Group))
		} else {
			id, err = m.channels.BufferSendWithPriority(ChannelUpdates, tick, pm.Payload, pm.Priority, uint64(pm.Group))
		}
		if err == nil {
			m.sender.TrackSent(pm.Token, id)
		}
	}

	if m.isClient && m.local != nil {
		batch := m.local.PopSendBatch(tick, m.redundancy)
		if len(batch) > 0 {
			_, _ = m.channels.BufferSendBypassCap(ChannelInput, tick, encodeInputBatch(batch))
		}
	}

	return m.channels.SendPackets()
}

// RecvPacket decodes one incoming datagram and folds its ack summary and
// ping/pong traffic into this peer's bookkeeping. Ack-triggered
// replication bookkeeping runs from inside this call, not a separate
// poll, per the original's recv_update_acks call order (DESIGN.md).
// Returns the sender's stamped tick.
func (m *Manager) RecvPacket(now time.Time, data []byte) (netrep.Tick, error) {
	senderTick, err := m.channels.RecvPacket(data)
	if err != nil {
		return 0, err
	}
	m.lastRecvAt = now
	m.haveRecv = true
	m.disconnected = false

	for _, r := range m.channels.ReadMessages(ChannelPing) {
		frame, err := decodePingFrame(r.Payload)
		if err != nil {
			continue // malformed ping frame: drop, connection continues
		}
		if frame.isPong {
			if rtt, ok := m.ping.ProcessPong(frame.seq, now); ok {
				m.channels.UpdateRTT(rtt)
			}
		} else {
			m.ping.QueuePong(frame.seq)
		}
	}

	drained := true
	for drained {
		select {
		case ev := <-m.acks:
			m.sender.Acked(ev.ID)
		default:
			drained = false
		}
	}

	lead := m.computeLead()
	m.sync.UpdateFromServerTick(senderTick, lead, now)

	return senderTick, nil
}

// computeLead derives the client's target tick lead over the server,
// per spec.md §4.5: roughly RTT/2 plus a one-tick jitter margin,
// expressed in ticks.
func (m *Manager) computeLead() int32 {
	if m.tickDuration <= 0 {
		return 0
	}
	rtt := m.ping.RTTEstimate()
	halfRTT := rtt / 2
	ticks := int32((halfRTT + m.tickDuration - 1) / m.tickDuration)
	return ticks + 1
}

// Receive applies every fully-delivered Actions/Updates batch against
// world, and merges any incoming client input into the server's shared
// mirror. Replication application is gated on IsSynced (spec.md §4.5);
// until then, messages are simply left queued in the channel layer's
// inbox rather than drained, which defers them for free.
func (m *Manager) Receive(currentTick netrep.Tick, world replication.WorldMutator) error {
	if m.sharedInput != nil {
		for _, r := range m.channels.ReadMessages(ChannelInput) {
			batch, err := decodeInputBatch(r.Payload)
			if err != nil {
				continue // malformed input batch: drop, connection continues
			}
			m.sharedInput.MergeIncoming(m.peer, batch)
		}
	}

	if !m.sync.IsSynced() {
		return nil
	}

	for _, r := range m.channels.ReadMessages(ChannelActions) {
		batch, err := replication.DecodeActionBatch(r.Payload)
		if err != nil {
			continue
		}
		if err := m.receiver.ApplyActions(batch, r.Tick, world); err != nil {
			return err
		}
	}
	for _, r := range m.channels.ReadMessages(ChannelUpdates) {
		batch, err := replication.DecodeUpdateBatch(r.Payload)
		if err != nil {
			continue
		}
		if err := m.receiver.ApplyUpdates(batch, r.Tick, currentTick, world); err != nil {
			return err
		}
	}
	return m.receiver.FlushPendingUpdates(world, currentTick)
}
