package channel

import (
	"bytes"
	"encoding/binary"
	"io"

	"netrep"
)

// header is the fixed-size prefix of every outgoing packet: its own id,
// the sender's current tick, and an ACK/NACK summary of packets the
// sender has received from the remote (latest id plus a 32-bit bitfield
// of the 32 preceding ids), mirroring the teacher's raknet.go ACK/NACK
// framing generalized from RakNet's 24-bit triad ids to 16-bit ids.
type header struct {
	PacketID    netrep.PacketID
	SenderTick  netrep.Tick
	HasAck      bool
	AckLatest   netrep.PacketID
	AckBitfield uint32
}

const headerFixedLen = 2 + 2 + 1 // PacketID, SenderTick, HasAck flag

func encodeHeader(buf *bytes.Buffer, h header) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(h.PacketID))
	buf.Write(tmp[:])
	binary.BigEndian.PutUint16(tmp[:], uint16(h.SenderTick))
	buf.Write(tmp[:])
	if h.HasAck {
		buf.WriteByte(1)
		binary.BigEndian.PutUint16(tmp[:], uint16(h.AckLatest))
		buf.Write(tmp[:])
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], h.AckBitfield)
		buf.Write(tmp4[:])
	} else {
		buf.WriteByte(0)
	}
}

func decodeHeader(r *bytes.Reader) (header, error) {
	var h header
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:2]); err != nil {
		return h, netrep.Wrap(netrep.ErrMalformed, "decode header: packet id", err)
	}
	h.PacketID = netrep.PacketID(binary.BigEndian.Uint16(tmp[:2]))
	if _, err := io.ReadFull(r, tmp[:2]); err != nil {
		return h, netrep.Wrap(netrep.ErrMalformed, "decode header: sender tick", err)
	}
	h.SenderTick = netrep.Tick(binary.BigEndian.Uint16(tmp[:2]))
	flag, err := r.ReadByte()
	if err != nil {
		return h, netrep.Wrap(netrep.ErrMalformed, "decode header: ack flag", err)
	}
	if flag != 0 {
		h.HasAck = true
		if _, err := io.ReadFull(r, tmp[:2]); err != nil {
			return h, netrep.Wrap(netrep.ErrMalformed, "decode header: ack latest", err)
		}
		h.AckLatest = netrep.PacketID(binary.BigEndian.Uint16(tmp[:2]))
		if _, err := io.ReadFull(r, tmp[:4]); err != nil {
			return h, netrep.Wrap(netrep.ErrMalformed, "decode header: ack bitfield", err)
		}
		h.AckBitfield = binary.BigEndian.Uint32(tmp[:4])
	}
	return h, nil
}

// blockFlags bits within a channel block's single flag byte.
const (
	flagReliable   = 1 << 0
	flagFragmented = 1 << 1
)

// block is one channel's contribution to a packet.
type block struct {
	Channel  Kind
	Reliable bool
	MsgID    netrep.MessageID // per-channel send sequence number; doubles as the ack key when Reliable
	Fragmented bool
	FragIndex  uint8 // present iff Fragmented
	FragCount  uint8
	Tick     netrep.Tick
	Payload  []byte
}

func encodeBlock(buf *bytes.Buffer, b block) {
	var uv [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(uv[:], uint64(b.Channel))
	buf.Write(uv[:n])

	var flags byte
	if b.Reliable {
		flags |= flagReliable
	}
	if b.Fragmented {
		flags |= flagFragmented
	}
	buf.WriteByte(flags)

	n = binary.PutUvarint(uv[:], uint64(b.MsgID))
	buf.Write(uv[:n])
	if b.Fragmented {
		buf.WriteByte(b.FragIndex)
		buf.WriteByte(b.FragCount)
	}
	var tick [2]byte
	binary.BigEndian.PutUint16(tick[:], uint16(b.Tick))
	buf.Write(tick[:])

	n = binary.PutUvarint(uv[:], uint64(len(b.Payload)))
	buf.Write(uv[:n])
	buf.Write(b.Payload)
}

func decodeBlock(r *bytes.Reader) (block, error) {
	var b block
	chID, err := binary.ReadUvarint(r)
	if err != nil {
		return b, netrep.Wrap(netrep.ErrMalformed, "decode block: channel id", err)
	}
	b.Channel = Kind(chID)

	flags, err := r.ReadByte()
	if err != nil {
		return b, netrep.Wrap(netrep.ErrMalformed, "decode block: flags", err)
	}
	b.Reliable = flags&flagReliable != 0
	b.Fragmented = flags&flagFragmented != 0

	id, err := binary.ReadUvarint(r)
	if err != nil {
		return b, netrep.Wrap(netrep.ErrMalformed, "decode block: msg id", err)
	}
	b.MsgID = netrep.MessageID(id)
	if b.Fragmented {
		idx, err := r.ReadByte()
		if err != nil {
			return b, netrep.Wrap(netrep.ErrMalformed, "decode block: frag index", err)
		}
		cnt, err := r.ReadByte()
		if err != nil {
			return b, netrep.Wrap(netrep.ErrMalformed, "decode block: frag count", err)
		}
		b.FragIndex, b.FragCount = idx, cnt
	}

	var tick [2]byte
	if _, err := io.ReadFull(r, tick[:]); err != nil {
		return b, netrep.Wrap(netrep.ErrMalformed, "decode block: tick", err)
	}
	b.Tick = netrep.Tick(binary.BigEndian.Uint16(tick[:]))

	plen, err := binary.ReadUvarint(r)
	if err != nil {
		return b, netrep.Wrap(netrep.ErrMalformed, "decode block: payload len", err)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return b, netrep.Wrap(netrep.ErrMalformed, "decode block: payload", err)
	}
	b.Payload = payload
	return b, nil
}

// ackBitSet reports whether id is marked received in bitfield relative
// to latest: bit i (0-indexed) represents latest-1-i.
func ackBitSet(latest netrep.PacketID, bitfield uint32, id netrep.PacketID) bool {
	if id == latest {
		return true
	}
	diff := netrep.TickDiff(netrep.Tick(latest), netrep.Tick(id))
	if diff <= 0 || diff > 32 {
		return false
	}
	return bitfield&(1<<uint(diff-1)) != 0
}

// setAckBit returns bitfield with the bit for id set, given the current
// latest received id (caller already updated latest before calling, if
// id == latest no bit needs setting).
func setAckBit(latest netrep.PacketID, bitfield uint32, id netrep.PacketID) uint32 {
	diff := netrep.TickDiff(netrep.Tick(latest), netrep.Tick(id))
	if diff <= 0 || diff > 32 {
		return bitfield
	}
	return bitfield | (1 << uint(diff-1))
}

// shiftAckWindow re-bases bitfield when a new higher packet id arrives:
// bits shift left by the gap between the old and new latest, folding the
// old latest itself in as bit gap-1. A gap beyond 32 clears the window.
func shiftAckWindow(bitfield uint32, gap int32) uint32 {
	if gap <= 0 {
		return bitfield
	}
	if gap > 32 {
		return 0
	}
	shifted := bitfield << uint(gap)
	shifted |= 1 << uint(gap-1)
	return shifted
}
