package prediction

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"netrep"
	"netrep/metrics"
	"netrep/registry"
)

const posKind registry.ComponentKind = 1

func newTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.RegisterComponent(registry.ComponentVTable{
		Kind: posKind,
		Name: "position",
		New:  func() proto.Message { return &wrapperspb.FloatValue{} },
		Equal: func(a, b any) bool {
			af, aok := a.(proto.Message)
			bf, bok := b.(proto.Message)
			if !aok || !bok {
				return false
			}
			return proto.Equal(af, bf)
		},
	})
	return reg
}

func TestComputeWindowSizeFloorsAtDefault(t *testing.T) {
	require.Equal(t, DefaultMinWindow, ComputeWindowSize(0, 50*time.Millisecond, 0, 0))
	require.Greater(t, ComputeWindowSize(time.Second, 50*time.Millisecond, 2, 2), DefaultMinWindow)
}

func TestReceiveConfirmedNoRollbackWhenPredictionMatches(t *testing.T) {
	e := NewEngine(newTestRegistry(), 16)
	const entity netrep.LocalEntity = 1
	e.Record(10, entity, posKind, wrapperspb.Float(5))

	replayed := 0
	rolledBack, err := e.ReceiveConfirmed(10, 10, entity, posKind, wrapperspb.Float(5),
		func(netrep.LocalEntity, registry.ComponentKind, proto.Message) error { t.Fatal("restore should not be called on a match"); return nil },
		func(netrep.Tick, netrep.LocalEntity) error { replayed++; return nil },
		func(netrep.LocalEntity, registry.ComponentKind) (proto.Message, bool) { return nil, false },
	)
	require.NoError(t, err)
	require.False(t, rolledBack)
	require.Equal(t, 0, replayed)
}

func TestReceiveConfirmedRollsBackAndReplaysOnMismatch(t *testing.T) {
	e := NewEngine(newTestRegistry(), 16)
	const entity netrep.LocalEntity = 1
	e.Record(10, entity, posKind, wrapperspb.Float(5)) // mispredicted

	var restoredTo float32
	replayedTicks := []netrep.Tick{}
	live := map[netrep.Tick]float32{11: 1, 12: 2}

	rolledBack, err := e.ReceiveConfirmed(10, 12, entity, posKind, wrapperspb.Float(999),
		func(_ netrep.LocalEntity, _ registry.ComponentKind, value proto.Message) error {
			restoredTo = value.(*wrapperspb.FloatValue).GetValue()
			return nil
		},
		func(tick netrep.Tick, _ netrep.LocalEntity) error {
			replayedTicks = append(replayedTicks, tick)
			return nil
		},
		func(_ netrep.LocalEntity, _ registry.ComponentKind) (proto.Message, bool) {
			tick := replayedTicks[len(replayedTicks)-1]
			if v, ok := live[tick]; ok {
				return wrapperspb.Float(v), true
			}
			return nil, false
		},
	)
	require.NoError(t, err)
	require.True(t, rolledBack)
	require.Equal(t, float32(999), restoredTo)
	require.Equal(t, []netrep.Tick{11, 12}, replayedTicks, "replay must re-run every tick between the confirmed tick and the latest predicted tick")

	v, ok := e.at(entityComponentKey{entity: entity, component: posKind}, 12)
	require.True(t, ok)
	require.Equal(t, float32(2), v.(*wrapperspb.FloatValue).GetValue())
}

func TestReceiveConfirmedIncrementsRollbackMetricOnMismatch(t *testing.T) {
	e := NewEngine(newTestRegistry(), 16)
	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)
	e.SetMetrics(metricsReg)

	const entity netrep.LocalEntity = 1
	e.Record(10, entity, posKind, wrapperspb.Float(5))

	_, err := e.ReceiveConfirmed(10, 10, entity, posKind, wrapperspb.Float(999),
		func(netrep.LocalEntity, registry.ComponentKind, proto.Message) error { return nil },
		func(netrep.Tick, netrep.LocalEntity) error { return nil },
		func(netrep.LocalEntity, registry.ComponentKind) (proto.Message, bool) { return nil, false },
	)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(metricsReg.RollbackCount))
}

func TestHistoryTrimsOutsideWindow(t *testing.T) {
	e := NewEngine(newTestRegistry(), 4)
	const entity netrep.LocalEntity = 1
	for tick := netrep.Tick(0); tick <= 10; tick++ {
		e.Record(tick, entity, posKind, wrapperspb.Float(float32(tick)))
	}
	key := entityComponentKey{entity: entity, component: posKind}
	require.LessOrEqual(t, len(e.history[key]), 5)
	_, ok := e.at(key, 0)
	require.False(t, ok, "tick 0 should have been trimmed out of a 4-tick window after reaching tick 10")
}

func TestPredictedSpawnEventsDrain(t *testing.T) {
	e := NewEngine(newTestRegistry(), 16)
	e.RaisePredictedSpawn(1)
	e.RaisePredictedSpawn(2)
	events := e.PredictedSpawns()
	require.Len(t, events, 2)
	require.Empty(t, e.PredictedSpawns())
}
