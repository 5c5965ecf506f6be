package channel

import (
	"bytes"

	"go.uber.org/zap"

	"netrep"
	"netrep/pkg/netlog"
)

// RecvPacket decodes one incoming datagram: it folds the packet's ack
// summary into our sent-packet bookkeeping (clearing acked reliable
// messages and publishing AckEvents), updates the receive-side ack
// bitfield we'll echo back on our next send, and dispatches each channel
// block — reassembling fragments and applying per-channel ordering —
// into that channel's inbox for ReadMessages. Returns the sender's tick
// carried in the packet header, per spec.md §4.1.
func (m *Manager) RecvPacket(data []byte) (netrep.Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := bytes.NewReader(data)
	h, err := decodeHeader(r)
	if err != nil {
		if m.metrics != nil {
			m.metrics.PacketsMalformed.Inc()
		}
		return 0, err
	}
	if m.metrics != nil {
		m.metrics.PacketsRecv.Inc()
	}

	m.recordReceivedPacket(h.PacketID)
	if h.HasAck {
		m.applyAcks(h.AckLatest, h.AckBitfield)
	}

	for r.Len() > 0 {
		b, err := decodeBlock(r)
		if err != nil {
			if m.metrics != nil {
				m.metrics.PacketsMalformed.Inc()
			}
			return h.SenderTick, err
		}
		cs, ok := m.channels[b.Channel]
		if !ok {
			netlog.Warn("drop message: unknown channel", zap.Uint16("channel", uint16(b.Channel)))
			continue // unknown channel: drop and keep parsing the rest of the packet
		}

		payload := b.Payload
		if b.Fragmented {
			complete, done := m.fragments.Add(now, b.Channel, b)
			if !done {
				continue
			}
			payload = complete
		}
		m.deliver(cs, b.Channel, b.MsgID, b.Tick, payload)
	}
	return h.SenderTick, nil
}

func (m *Manager) recordReceivedPacket(id netrep.PacketID) {
	if !m.recvSeen {
		m.recvSeen = true
		m.recvHighest = id
		m.recvBitfield = 0
		return
	}
	gap := netrep.TickDiff(netrep.Tick(id), netrep.Tick(m.recvHighest))
	switch {
	case gap > 0:
		m.recvBitfield = shiftAckWindow(m.recvBitfield, gap)
		m.recvHighest = id
	case gap == 0:
		// duplicate of the current highest; nothing to record
	default:
		m.recvBitfield = setAckBit(m.recvHighest, m.recvBitfield, id)
	}
}

func (m *Manager) applyAcks(latest netrep.PacketID, bitfield uint32) {
	for _, id := range m.sentOrder {
		sp, ok := m.sent[id]
		if !ok {
			continue
		}
		if !ackBitSet(latest, bitfield, id) {
			continue
		}
		for _, ref := range sp.reliable {
			cs, ok := m.channels[ref.channel]
			if !ok {
				continue
			}
			if _, still := cs.unacked[ref.msgID]; still {
				delete(cs.unacked, ref.msgID)
				m.publishAck(AckEvent{Channel: ref.channel, ID: ref.msgID})
				if m.metrics != nil {
					m.metrics.MessagesAcked.WithLabelValues(channelLabel(ref.channel)).Inc()
				}
			}
		}
		delete(m.sent, id)
	}
}

// deliver applies a channel's ordering/dedup policy to one fully
// reassembled message and, if it should be delivered now, appends it
// (and any messages it unblocks from the reorder buffer) to the inbox.
func (m *Manager) deliver(cs *channelState, ch Kind, msgID netrep.MessageID, tick netrep.Tick, payload []byte) {
	switch {
	case cs.spec.Mode == UnreliableUnordered:
		cs.inbox = append(cs.inbox, Received{Channel: ch, Tick: tick, Payload: payload})
		return

	case cs.spec.Mode == Reliable:
		if cs.haveRecvMsg {
			if msgID == cs.recvHighestMsg || ackBitSet(netrep.PacketID(cs.recvHighestMsg), cs.recvMsgBitfield, netrep.PacketID(msgID)) {
				return // resend of an already-delivered message: dedup, deliver exactly once
			}
			gap := netrep.TickDiff(netrep.Tick(msgID), netrep.Tick(cs.recvHighestMsg))
			if gap > 0 {
				cs.recvMsgBitfield = shiftAckWindow(cs.recvMsgBitfield, gap)
				cs.recvHighestMsg = msgID
			} else {
				cs.recvMsgBitfield = setAckBit(netrep.PacketID(cs.recvHighestMsg), cs.recvMsgBitfield, netrep.PacketID(msgID))
			}
		} else {
			cs.haveRecvMsg = true
			cs.recvHighestMsg = msgID
		}
		cs.inbox = append(cs.inbox, Received{Channel: ch, Tick: tick, Payload: payload})
		return

	case cs.spec.Mode == Sequenced || cs.spec.Mode == UnreliableOrdered:
		if cs.haveLast && netrep.TickDiff(netrep.Tick(msgID), netrep.Tick(cs.lastDelivered)) <= 0 {
			return // stale relative to, or a duplicate of, the newest already-delivered message
		}
		cs.lastDelivered = msgID
		cs.haveLast = true
		cs.inbox = append(cs.inbox, Received{Channel: ch, Tick: tick, Payload: payload})
		return

	default: // ReliableOrdered: deliver in strict send order, buffering arrivals that outrun it
		if msgID != cs.nextExpected {
			if netrep.TickAfter(netrep.Tick(msgID), netrep.Tick(cs.nextExpected)) {
				cs.reorderBuf[msgID] = payload
			}
			return
		}
		cs.inbox = append(cs.inbox, Received{Channel: ch, Tick: tick, Payload: payload})
		cs.nextExpected++
		for {
			next, ok := cs.reorderBuf[cs.nextExpected]
			if !ok {
				break
			}
			delete(cs.reorderBuf, cs.nextExpected)
			cs.inbox = append(cs.inbox, Received{Channel: ch, Tick: tick, Payload: next})
			cs.nextExpected++
		}
	}
}
