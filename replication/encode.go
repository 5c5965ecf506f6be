package replication

import (
	"bytes"
	"encoding/binary"
	"io"

	"netrep"
	"netrep/registry"
)

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func encodeActionBatch(group netrep.GroupID, actions []action) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, uint64(group))
	putUvarint(&buf, uint64(len(actions)))
	for _, a := range actions {
		buf.WriteByte(byte(a.op))
		putUvarint(&buf, uint64(a.entity))
		switch a.op {
		case opInsert:
			putUvarint(&buf, uint64(a.component))
			putUvarint(&buf, uint64(len(a.payload)))
			buf.Write(a.payload)
		case opRemove:
			putUvarint(&buf, uint64(a.component))
		}
	}
	return buf.Bytes()
}

// ActionBatch is a decoded Actions message, ready for Receiver.ApplyActions.
type ActionBatch struct {
	Group netrep.GroupID
	Ops   []action
}

func DecodeActionBatch(data []byte) (ActionBatch, error) {
	r := bytes.NewReader(data)
	groupID, err := binary.ReadUvarint(r)
	if err != nil {
		return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: group", err)
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: count", err)
	}
	ops := make([]action, 0, count)
	for i := uint64(0); i < count; i++ {
		opByte, err := r.ReadByte()
		if err != nil {
			return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: op", err)
		}
		op := actionOp(opByte)
		entity, err := binary.ReadUvarint(r)
		if err != nil {
			return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: entity", err)
		}
		a := action{op: op, entity: netrep.Entity(entity)}
		switch op {
		case opInsert:
			kind, err := binary.ReadUvarint(r)
			if err != nil {
				return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: component kind", err)
			}
			plen, err := binary.ReadUvarint(r)
			if err != nil {
				return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: payload len", err)
			}
			payload := make([]byte, plen)
			if _, err := io.ReadFull(r, payload); err != nil {
				return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: payload", err)
			}
			a.component = registry.ComponentKind(kind)
			a.payload = payload
		case opRemove:
			kind, err := binary.ReadUvarint(r)
			if err != nil {
				return ActionBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode action batch: component kind", err)
			}
			a.component = registry.ComponentKind(kind)
		}
		ops = append(ops, a)
	}
	return ActionBatch{Group: netrep.GroupID(groupID), Ops: ops}, nil
}

func encodeUpdateBatch(group netrep.GroupID, lastActionTick netrep.Tick, updates []dirtyUpdate) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, uint64(group))
	var tick [2]byte
	binary.BigEndian.PutUint16(tick[:], uint16(lastActionTick))
	buf.Write(tick[:])
	putUvarint(&buf, uint64(len(updates)))
	for _, u := range updates {
		putUvarint(&buf, uint64(u.entity))
		putUvarint(&buf, uint64(u.component))
		putUvarint(&buf, uint64(len(u.payload)))
		buf.Write(u.payload)
	}
	return buf.Bytes()
}

// UpdateBatch is a decoded Updates message, ready for Receiver.ApplyUpdates.
type UpdateBatch struct {
	Group          netrep.GroupID
	LastActionTick netrep.Tick
	Updates        []dirtyUpdate
}

func DecodeUpdateBatch(data []byte) (UpdateBatch, error) {
	r := bytes.NewReader(data)
	groupID, err := binary.ReadUvarint(r)
	if err != nil {
		return UpdateBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode update batch: group", err)
	}
	var tick [2]byte
	if _, err := io.ReadFull(r, tick[:]); err != nil {
		return UpdateBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode update batch: last action tick", err)
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return UpdateBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode update batch: count", err)
	}
	updates := make([]dirtyUpdate, 0, count)
	for i := uint64(0); i < count; i++ {
		entity, err := binary.ReadUvarint(r)
		if err != nil {
			return UpdateBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode update batch: entity", err)
		}
		kind, err := binary.ReadUvarint(r)
		if err != nil {
			return UpdateBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode update batch: component kind", err)
		}
		plen, err := binary.ReadUvarint(r)
		if err != nil {
			return UpdateBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode update batch: payload len", err)
		}
		payload := make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return UpdateBatch{}, netrep.Wrap(netrep.ErrMalformed, "decode update batch: payload", err)
		}
		updates = append(updates, dirtyUpdate{entity: netrep.Entity(entity), component: registry.ComponentKind(kind), payload: payload})
	}
	return UpdateBatch{
		Group:          netrep.GroupID(groupID),
		LastActionTick: netrep.Tick(binary.BigEndian.Uint16(tick[:])),
		Updates:        updates,
	}, nil
}
