package channel

import (
	"bytes"
	"time"

	"netrep"
)

// blockOverheadEstimate leaves room in a single block for its framing
// overhead (channel id, flags, ids, tick, length prefix) within the
// packet's MTU budget.
const blockOverheadEstimate = 16

// minResendInterval is the floor on reliable resend pacing regardless of
// how low the RTT estimate drops, per the Open Question decision in
// DESIGN.md.
const minResendInterval = 100 * time.Millisecond

// SendPackets builds as many encoded packets as needed to drain the
// current bandwidth/priority-admitted send queue, stamping reliable
// resend bookkeeping and ack-echo header fields along the way. It
// mirrors the teacher's Session.Update, which walks SendQueue and
// RecoveryQueue each tick and emits whatever fits.
func (m *Manager) SendPackets() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.fragments.Expire(now)
	m.requeueDueResends(now)

	var candidates []outBlock
	for _, cs := range m.channels {
		candidates = append(candidates, cs.pending...)
		cs.pending = nil
	}

	admitted, deferred := m.limiter.Select(now, candidates)
	for _, d := range deferred {
		cs := m.channels[d.channel]
		cs.pending = append(cs.pending, d)
	}
	// With nothing admitted, a peer that has received packets still sends
	// one header-only packet so its ack state reaches the remote.
	if len(admitted) == 0 && !m.recvSeen {
		return nil
	}

	budget := m.mtu - headerFixedLen - 6 // 6 = worst-case ack field size
	if budget < blockOverheadEstimate+1 {
		budget = blockOverheadEstimate + 1
	}

	var blocks []block
	for _, c := range admitted {
		parts, fragmented := splitPayload(c.payload, budget-blockOverheadEstimate)
		for i, p := range parts {
			b := block{
				Channel:  c.channel,
				Reliable: c.reliable,
				MsgID:    c.msgID,
				Tick:     c.tick,
				Payload:  p,
			}
			if fragmented {
				b.Fragmented = true
				b.FragIndex = uint8(i)
				b.FragCount = uint8(len(parts))
			}
			blocks = append(blocks, b)
		}
		if c.reliable {
			cs := m.channels[c.channel]
			if rs, ok := cs.unacked[c.msgID]; ok {
				rs.lastSentAt = now
				rs.sendCount++
			}
		}
	}

	return m.packBlocks(now, blocks)
}

func (m *Manager) requeueDueResends(now time.Time) {
	resendAfter := time.Duration(float64(m.rttEst) * 1.5)
	if resendAfter < minResendInterval {
		resendAfter = minResendInterval
	}
	for chID, cs := range m.channels {
		for msgID, rs := range cs.unacked {
			due := rs.sendCount == 0 || now.Sub(rs.lastSentAt) >= resendAfter
			if !due {
				continue
			}
			already := false
			for _, p := range cs.pending {
				if p.reliable && p.msgID == msgID {
					already = true
					break
				}
			}
			if already {
				continue
			}
			cs.pending = append(cs.pending, outBlock{
				channel: chID, msgID: msgID, payload: rs.payload, reliable: true,
				priority: rs.priority, priorityKey: rs.priorityKey, tick: rs.tick,
				firstSeenAt: rs.lastSentAt,
			})
			if rs.sendCount > 0 && m.metrics != nil {
				m.metrics.MessagesResent.WithLabelValues(channelLabel(chID)).Inc()
			}
		}
	}
}

// packBlocks greedily fills packets up to the MTU, assigning a fresh
// PacketID to each and recording which reliable messages it carries so
// a later ack can be attributed correctly.
func (m *Manager) packBlocks(now time.Time, blocks []block) [][]byte {
	var packets [][]byte
	var buf bytes.Buffer
	var reliableRefs []reliableRef

	flush := func() {
		if buf.Len() == 0 && len(reliableRefs) == 0 && len(blocks) > 0 {
			return
		}
		id := m.nextPacketID
		m.nextPacketID++

		var out bytes.Buffer
		encodeHeader(&out, header{
			PacketID:    id,
			SenderTick:  m.stampedTick,
			HasAck:      m.recvSeen,
			AckLatest:   m.recvHighest,
			AckBitfield: m.recvBitfield,
		})
		out.Write(buf.Bytes())

		m.sent[id] = &sentPacket{id: id, sentAt: now, reliable: reliableRefs}
		m.sentOrder = append(m.sentOrder, id)
		m.trimSentHistory()

		if m.metrics != nil {
			m.metrics.PacketsSent.Inc()
			m.metrics.BandwidthBytesSent.Add(float64(out.Len()))
		}

		packets = append(packets, out.Bytes())
		buf.Reset()
		reliableRefs = nil
	}

	budget := m.mtu - headerFixedLen - 6
	for _, b := range blocks {
		var tmp bytes.Buffer
		encodeBlock(&tmp, b)
		if buf.Len()+tmp.Len() > budget && buf.Len() > 0 {
			flush()
		}
		buf.Write(tmp.Bytes())
		if b.Reliable {
			reliableRefs = append(reliableRefs, reliableRef{channel: b.Channel, msgID: b.MsgID})
		}
	}
	flush()
	return packets
}

// trimSentHistory bounds how many in-flight packets we remember for ack
// attribution; a packet this old without an ack is assumed lost and its
// reliable contents will already be due for resend via requeueDueResends.
const maxSentHistory = 1024

func (m *Manager) trimSentHistory() {
	for len(m.sentOrder) > maxSentHistory {
		id := m.sentOrder[0]
		m.sentOrder = m.sentOrder[1:]
		delete(m.sent, id)
	}
}

// StampTick is a convenience for callers that want SendPackets' header
// to carry the current simulation tick; the conn layer calls this once
// per Update before SendPackets.
func (m *Manager) StampTick(tick netrep.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stampedTick = tick
}
