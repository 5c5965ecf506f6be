package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netrep"
)

func TestClockAdvanceWraps(t *testing.T) {
	c := New()
	c.Set(65534, 0)
	c.Advance(3)
	tick, gen := c.Now()
	require.Equal(t, netrep.Tick(1), tick)
	require.Equal(t, netrep.Generation(1), gen)
}

func TestPingManagerCadence(t *testing.T) {
	p := NewPingManager(100 * time.Millisecond)
	now := time.Now()

	seq, ready := p.MaybePreparePing(now)
	require.True(t, ready)
	require.Equal(t, uint16(0), seq)

	_, ready = p.MaybePreparePing(now.Add(10 * time.Millisecond))
	require.False(t, ready, "should not re-fire before the interval elapses")

	_, ready = p.MaybePreparePing(now.Add(150 * time.Millisecond))
	require.True(t, ready)
}

func TestPingManagerRTTEstimate(t *testing.T) {
	p := NewPingManager(time.Millisecond)
	now := time.Now()

	seq, _ := p.MaybePreparePing(now)
	rtt, accepted := p.ProcessPong(seq, now.Add(50*time.Millisecond))
	require.True(t, accepted)
	require.Equal(t, 50*time.Millisecond, rtt)
	require.InDelta(t, 0.05, p.RTTEstimate().Seconds(), 0.001)
}

func TestPingManagerRejectsOutlier(t *testing.T) {
	p := NewPingManager(time.Millisecond)
	now := time.Now()

	// Feed a stable run of ~50ms samples to build up confidence in the
	// estimate, then one wild 2s spike should be rejected.
	for i := 0; i < pingSampleWindow+2; i++ {
		seq, _ := p.MaybePreparePing(now)
		now = now.Add(time.Millisecond)
		_, accepted := p.ProcessPong(seq, now.Add(50*time.Millisecond))
		require.True(t, accepted)
	}
	before := p.RTTEstimate()

	seq, _ := p.MaybePreparePing(now)
	now = now.Add(time.Millisecond)
	_, accepted := p.ProcessPong(seq, now.Add(2*time.Second))
	require.False(t, accepted, "a 2s RTT after a stable ~50ms run should be rejected as an outlier")
	require.Equal(t, before, p.RTTEstimate(), "a rejected outlier must not move the estimate")
}

func TestSyncManagerDriftCorrection(t *testing.T) {
	s := NewSyncManager(DefaultDriftThreshold, DefaultResyncThreshold)
	now := time.Now()
	s.UpdateFromServerTick(1000, 5, now)
	require.True(t, s.IsSynced())
	require.Equal(t, netrep.Tick(1005), s.TargetTick())

	require.Equal(t, 1.0, s.Adjust(1005).SpeedMultiplier)
	require.Equal(t, speedUpFactor, s.Adjust(995).SpeedMultiplier, "local tick lagging target should speed up")
	require.Equal(t, slowDownFactor, s.Adjust(1015).SpeedMultiplier, "local tick ahead of target should slow down")

	c := s.Adjust(900)
	require.True(t, c.Resync, "drift beyond resyncThreshold should force a hard resync")
}
