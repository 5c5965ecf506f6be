package channel

import (
	"bytes"
	"testing"

	"netrep"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{
		PacketID:    42,
		SenderTick:  1000,
		HasAck:      true,
		AckLatest:   41,
		AckBitfield: 0xdeadbeef,
	}
	var buf bytes.Buffer
	encodeHeader(&buf, h)

	got, err := decodeHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, h)
	}
}

func TestHeaderRoundTripNoAck(t *testing.T) {
	h := header{PacketID: 7, SenderTick: 3}
	var buf bytes.Buffer
	encodeHeader(&buf, h)

	got, err := decodeHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got.HasAck {
		t.Fatal("expected HasAck false")
	}
	if got.PacketID != h.PacketID || got.SenderTick != h.SenderTick {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, h)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	cases := []block{
		{Channel: 3, Reliable: true, MsgID: 99, Tick: 500, Payload: []byte("hello")},
		{Channel: 1, MsgID: 5, Tick: 1, Payload: []byte{}},
		{Channel: 2, Fragmented: true, MsgID: 8, FragIndex: 1, FragCount: 3, Tick: 9, Payload: []byte("part")},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		encodeBlock(&buf, want)
		got, err := decodeBlock(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("decodeBlock: %v", err)
		}
		if got.Channel != want.Channel || got.Reliable != want.Reliable || got.MsgID != want.MsgID ||
			got.Fragmented != want.Fragmented || got.FragIndex != want.FragIndex || got.FragCount != want.FragCount ||
			got.Tick != want.Tick || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, want)
		}
	}
}

// TestAckBitfieldUnderLossPattern exercises the scenario from the
// packet layer's testable properties: a burst of packets arrives with a
// scattered loss pattern, and the receiver's rolling bitfield correctly
// reports exactly the ones that arrived.
func TestAckBitfieldUnderLossPattern(t *testing.T) {
	m := NewManager(1200, 0, DefaultBackpressureHardCap, DefaultMaxReassemblyAge)
	lost := map[netrep.PacketID]bool{3: true, 7: true, 8: true}

	for id := netrep.PacketID(1); id <= 10; id++ {
		if lost[id] {
			continue
		}
		m.recordReceivedPacket(id)
	}

	if m.recvHighest != 10 {
		t.Fatalf("recvHighest = %d, want 10", m.recvHighest)
	}
	for id := netrep.PacketID(1); id <= 10; id++ {
		want := !lost[id]
		got := ackBitSet(m.recvHighest, m.recvBitfield, id)
		if id == m.recvHighest {
			continue // latest is tracked outside the bitfield
		}
		if got != want {
			t.Errorf("id %d: ackBitSet = %v, want %v", id, got, want)
		}
	}
}

func TestAckBitfieldOutOfOrderArrival(t *testing.T) {
	m := NewManager(1200, 0, DefaultBackpressureHardCap, DefaultMaxReassemblyAge)
	order := []netrep.PacketID{1, 2, 4, 3, 5}
	for _, id := range order {
		m.recordReceivedPacket(id)
	}
	if m.recvHighest != 5 {
		t.Fatalf("recvHighest = %d, want 5", m.recvHighest)
	}
	for _, id := range order {
		if id == m.recvHighest {
			continue
		}
		if !ackBitSet(m.recvHighest, m.recvBitfield, id) {
			t.Errorf("id %d should be marked received", id)
		}
	}
}
