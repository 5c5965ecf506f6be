package interpolate

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"netrep/metrics"
	"netrep/registry"
)

const posKind registry.ComponentKind = 1

func newTestRegistry(withLerp bool) *registry.Registry {
	reg := registry.New()
	vt := registry.ComponentVTable{Kind: posKind, Name: "position"}
	if withLerp {
		vt.Lerp = func(a, b any, t float64) any {
			av := a.(proto.Message).(*wrapperspb.FloatValue).GetValue()
			bv := b.(proto.Message).(*wrapperspb.FloatValue).GetValue()
			return wrapperspb.Float(av + float32(t)*(bv-av))
		}
	}
	reg.RegisterComponent(vt)
	return reg
}

func TestSampleBracketsAndLerps(t *testing.T) {
	store := NewStore(newTestRegistry(true))
	now := time.Now()
	store.Push(now, 1, posKind, 10, wrapperspb.Float(0))
	store.Push(now, 1, posKind, 20, wrapperspb.Float(10))

	v, stalled := store.Sample(now, 50*time.Millisecond, 1, posKind, 15)
	require.False(t, stalled)
	require.InDelta(t, 5, v.(*wrapperspb.FloatValue).GetValue(), 0.001)
}

func TestSampleSnapsToEarlierWithoutLerp(t *testing.T) {
	store := NewStore(newTestRegistry(false))
	now := time.Now()
	store.Push(now, 1, posKind, 10, wrapperspb.Float(0))
	store.Push(now, 1, posKind, 20, wrapperspb.Float(10))

	v, _ := store.Sample(now, 50*time.Millisecond, 1, posKind, 15)
	require.Equal(t, float32(0), v.(*wrapperspb.FloatValue).GetValue())
}

func TestSampleStalenessDetection(t *testing.T) {
	store := NewStore(newTestRegistry(true))
	now := time.Now()
	store.Push(now, 1, posKind, 10, wrapperspb.Float(0))

	_, stalled := store.Sample(now.Add(200*time.Millisecond), 50*time.Millisecond, 1, posKind, 11)
	require.True(t, stalled, "no new sample for 200ms against a 50ms delay (3x = 150ms) should be reported stalled")
}

func TestSampleStallIncrementsMetric(t *testing.T) {
	store := NewStore(newTestRegistry(true))
	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)
	store.SetMetrics(metricsReg)

	now := time.Now()
	store.Push(now, 1, posKind, 10, wrapperspb.Float(0))

	_, stalled := store.Sample(now.Add(200*time.Millisecond), 50*time.Millisecond, 1, posKind, 11)
	require.True(t, stalled)
	require.Equal(t, float64(1), testutil.ToFloat64(metricsReg.InterpolationStalls))
}

func TestCursorMatchesStoreSample(t *testing.T) {
	store := NewStore(newTestRegistry(true))
	now := time.Now()
	store.Push(now, 1, posKind, 10, wrapperspb.Float(0))
	store.Push(now, 1, posKind, 20, wrapperspb.Float(10))

	cur := store.NewCursor(1, posKind, 50*time.Millisecond)
	v, _ := cur.Sample(now, 15)
	require.InDelta(t, 5, v.(*wrapperspb.FloatValue).GetValue(), 0.001)
}

func TestSampleSnapsToNewestBeyondBuffer(t *testing.T) {
	store := NewStore(newTestRegistry(true))
	now := time.Now()
	store.Push(now, 1, posKind, 10, wrapperspb.Float(0))
	store.Push(now, 1, posKind, 20, wrapperspb.Float(10))

	v, _ := store.Sample(now, 50*time.Millisecond, 1, posKind, 30)
	require.Equal(t, float32(10), v.(*wrapperspb.FloatValue).GetValue())
}
