package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBandwidthLimiterUncappedAdmitsEverything(t *testing.T) {
	b := NewBandwidthLimiter(0)
	candidates := []outBlock{
		{priorityKey: 1, priority: 1, payload: make([]byte, 500)},
		{priorityKey: 2, priority: 5, payload: make([]byte, 500)},
	}
	admit, defer_ := b.Select(time.Now(), candidates)
	require.Len(t, admit, 2)
	require.Empty(t, defer_)
}

// TestBandwidthLimiterStarvedGroupCatchesUp verifies the priority
// accumulator lets a low-priority group that keeps losing out eventually
// win a pass, rather than being starved forever by a higher-priority
// group that is always present.
func TestBandwidthLimiterStarvedGroupCatchesUp(t *testing.T) {
	b := NewBandwidthLimiter(1000) // 1000 bytes/sec, enough for one 900-byte block per pass
	now := time.Now()

	lowWon := false
	for i := 0; i < 20; i++ {
		now = now.Add(time.Second)
		candidates := []outBlock{
			{priorityKey: 1, priority: 10, payload: make([]byte, 900)}, // high priority, always present
			{priorityKey: 2, priority: 1, payload: make([]byte, 900)},  // low priority, always present
		}
		admit, _ := b.Select(now, candidates)
		for _, a := range admit {
			if a.priorityKey == 2 {
				lowWon = true
			}
		}
		if lowWon {
			break
		}
	}
	require.True(t, lowWon, "a persistently low-priority group should eventually be admitted once its accumulated priority catches up")
}

func TestBandwidthLimiterAccumulationCapsAtTenX(t *testing.T) {
	// A cap far too small to ever admit a 1000-byte block keeps this
	// group permanently deferred, so its accumulator climbs every pass —
	// exercising the 10x ceiling rather than the reset-on-admit path.
	b := NewBandwidthLimiter(1)
	now := time.Now()
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		admit, defer_ := b.Select(now, []outBlock{{priorityKey: 1, priority: 2, payload: make([]byte, 1000)}})
		require.Empty(t, admit)
		require.Len(t, defer_, 1)
	}
	require.LessOrEqual(t, b.accum[1], float64(2*priorityCapMultiplier))
}
