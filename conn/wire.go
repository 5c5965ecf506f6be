package conn

import (
	"bytes"
	"encoding/binary"
	"io"

	"netrep"
	"netrep/input"
	"netrep/registry"
)

// Ping/pong wire framing is a tiny hand-rolled envelope, consistent with
// the rest of the module's hand-rolled varint framing (package
// replication's action/update batches aren't protobuf either — only the
// registry's component/message payloads are). A fixed 3-byte ping/pong
// doesn't need a serialization library.
const (
	wirePing byte = iota
	wirePong
)

func encodePing(seq uint16) []byte {
	b := make([]byte, 3)
	b[0] = wirePing
	binary.BigEndian.PutUint16(b[1:], seq)
	return b
}

func encodePong(seq uint16) []byte {
	b := make([]byte, 3)
	b[0] = wirePong
	binary.BigEndian.PutUint16(b[1:], seq)
	return b
}

type pingFrame struct {
	isPong bool
	seq    uint16
}

func decodePingFrame(b []byte) (pingFrame, error) {
	if len(b) != 3 {
		return pingFrame{}, netrep.NewError(netrep.ErrMalformed, "ping frame: bad length")
	}
	return pingFrame{isPong: b[0] == wirePong, seq: binary.BigEndian.Uint16(b[1:])}, nil
}

// encodeInputBatch frames a redundant run of input samples for the wire:
// count, then per-sample (tick, input kind, payload length, payload).
func encodeInputBatch(batch []input.Sample) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(batch)))
	buf.Write(tmp[:n])
	for _, s := range batch {
		var tick [2]byte
		binary.BigEndian.PutUint16(tick[:], uint16(s.Tick))
		buf.Write(tick[:])

		n := binary.PutUvarint(tmp[:], uint64(s.Kind))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(len(s.Payload)))
		buf.Write(tmp[:n])
		buf.Write(s.Payload)
	}
	return buf.Bytes()
}

func decodeInputBatch(data []byte) ([]input.Sample, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, netrep.Wrap(netrep.ErrMalformed, "decode input batch: count", err)
	}
	out := make([]input.Sample, 0, count)
	for i := uint64(0); i < count; i++ {
		var tick [2]byte
		if _, err := io.ReadFull(r, tick[:]); err != nil {
			return nil, netrep.Wrap(netrep.ErrMalformed, "decode input batch: tick", err)
		}
		kind, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, netrep.Wrap(netrep.ErrMalformed, "decode input batch: kind", err)
		}
		plen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, netrep.Wrap(netrep.ErrMalformed, "decode input batch: payload len", err)
		}
		payload := make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, netrep.Wrap(netrep.ErrMalformed, "decode input batch: payload", err)
		}
		out = append(out, input.Sample{
			Tick:    netrep.Tick(binary.BigEndian.Uint16(tick[:])),
			Kind:    registry.InputKind(kind),
			Payload: payload,
		})
	}
	return out, nil
}
