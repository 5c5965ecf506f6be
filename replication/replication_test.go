package replication

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"netrep"
	"netrep/registry"
)

const posKind registry.ComponentKind = 1

type fakeWorld struct {
	spawned   map[netrep.Entity]netrep.LocalEntity
	despawned []netrep.LocalEntity
	applied   map[netrep.LocalEntity]float32
	nextLocal netrep.LocalEntity
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{spawned: make(map[netrep.Entity]netrep.LocalEntity), applied: make(map[netrep.LocalEntity]float32)}
}

func (w *fakeWorld) Spawn(remote netrep.Entity) (netrep.LocalEntity, error) {
	w.nextLocal++
	w.spawned[remote] = w.nextLocal
	return w.nextLocal, nil
}

func (w *fakeWorld) Despawn(local netrep.LocalEntity) error {
	w.despawned = append(w.despawned, local)
	return nil
}

func newCodec() *registry.Codec {
	reg := registry.New()
	reg.RegisterComponent(registry.ComponentVTable{
		Kind: posKind,
		Name: "position",
		New:  func() proto.Message { return &wrapperspb.FloatValue{} },
		Apply: func(world any, entity netrep.LocalEntity, value proto.Message) error {
			fw := world.(*fakeWorld)
			if f, ok := value.(*wrapperspb.FloatValue); ok {
				fw.applied[entity] = f.GetValue()
			}
			return nil
		},
	})
	return registry.NewCodec(reg)
}

func TestSenderFinalizeProducesActionThenUpdate(t *testing.T) {
	codec := newCodec()
	s := NewSender(codec)
	const group netrep.GroupID = 1

	s.BufferSpawn(group, 100)
	require.NoError(t, s.BufferInsert(group, 100, posKind, wrapperspb.Float(1.5)))

	msgs := s.Finalize(10)
	require.Len(t, msgs, 1, "only the Actions batch should be produced; no dirty updates yet")
	require.True(t, msgs[0].IsAction)

	require.NoError(t, s.BufferUpdate(group, 100, posKind, wrapperspb.Float(2.5)))
	msgs = s.Finalize(11)
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].IsAction)
}

func TestReceiverAppliesSpawnThenInsert(t *testing.T) {
	codec := newCodec()
	sender := NewSender(codec)
	receiver := NewReceiver(codec)
	world := newFakeWorld()
	const group netrep.GroupID = 1

	sender.BufferSpawn(group, 42)
	require.NoError(t, sender.BufferInsert(group, 42, posKind, wrapperspb.Float(7)))
	msgs := sender.Finalize(5)
	require.Len(t, msgs, 1)

	batch, err := DecodeActionBatch(msgs[0].Payload)
	require.NoError(t, err)
	require.NoError(t, receiver.ApplyActions(batch, 5, world))

	local, ok := receiver.LocalEntityFor(42)
	require.True(t, ok)
	require.InDelta(t, float32(7), world.applied[local], 0.001)

	events := receiver.EntitySpawnEvents()
	require.Len(t, events, 1)
	require.Equal(t, netrep.Entity(42), events[0].Entity)
}

func TestReceiverGatesUpdateBeforeSpawnArrives(t *testing.T) {
	codec := newCodec()
	receiver := NewReceiver(codec)
	world := newFakeWorld()
	const group netrep.GroupID = 1

	update := UpdateBatch{Group: group, LastActionTick: 5, Updates: []dirtyUpdate{{entity: 42, component: posKind, payload: mustEncodeFloat(t, codec, 9)}}}
	require.NoError(t, receiver.ApplyUpdates(update, 6, 100, world))
	require.Empty(t, world.applied, "update must not apply before the gating Actions batch has landed")

	sender := NewSender(codec)
	sender.BufferSpawn(group, 42)
	msgs := sender.Finalize(5)
	batch, err := DecodeActionBatch(msgs[0].Payload)
	require.NoError(t, err)
	require.NoError(t, receiver.ApplyActions(batch, 5, world))

	require.NoError(t, receiver.FlushPendingUpdates(world, 100))
	local, _ := receiver.LocalEntityFor(42)
	require.InDelta(t, float32(9), world.applied[local], 0.001)
}

func TestReceiverDropsInsertForUnresolvedEntityAfterTwoRounds(t *testing.T) {
	codec := newCodec()
	receiver := NewReceiver(codec)
	world := newFakeWorld()
	const group netrep.GroupID = 1

	batch := ActionBatch{Group: group, Ops: []action{{op: opInsert, entity: 999, component: posKind, payload: mustEncodeFloat(t, codec, 1)}}}
	require.NoError(t, receiver.ApplyActions(batch, 1, world))
	require.NoError(t, receiver.ApplyActions(ActionBatch{Group: group}, 2, world))
	require.Empty(t, world.applied)
	require.Len(t, receiver.deferredByEntity[999], 0, "the op should be dropped after its one retry round")
}

func mustEncodeFloat(t *testing.T, codec *registry.Codec, v float32) []byte {
	t.Helper()
	b, err := codec.EncodeComponent(posKind, wrapperspb.Float(v))
	require.NoError(t, err)
	return b
}
