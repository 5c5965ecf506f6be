package channel

import (
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// priorityCapMultiplier bounds how much unsent priority a group may
// accumulate before it is serviced, per the Open Question decision
// recorded in DESIGN.md: a group's accumulator never exceeds 10x its own
// base weight. A starved group therefore catches up with an always-present
// competitor whose priority is at most 10x its own (on equal accumulated
// priority the lower-priority group goes first); against one with more
// than 10x its priority it is never ordered first.
const priorityCapMultiplier = 10

// BandwidthLimiter admits pending channel blocks into an outgoing packet
// under a bytes/sec cap, using a weighted leaky-bucket: blocks are
// grouped by priorityKey, each group accumulates priority every pass it
// goes unserved, and the group with the most accumulated priority is
// admitted first. A cap of 0 disables the byte budget entirely (every
// candidate is admitted in priority order), matching
// original_source/examples/priority/src/server.rs running without
// enable_bandwidth_cap.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	capped  bool

	accum map[uint64]float64
	base  map[uint64]float64
}

// NewBandwidthLimiter builds a limiter capped at bps bytes/sec. bps <= 0
// disables the cap.
func NewBandwidthLimiter(bps float64) *BandwidthLimiter {
	b := &BandwidthLimiter{
		accum: make(map[uint64]float64),
		base:  make(map[uint64]float64),
	}
	if bps > 0 {
		burst := int(bps)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(bps), burst)
		b.capped = true
	}
	return b
}

// Select partitions candidates (already sorted by nothing in particular)
// into admit (send this pass) and defer (try again next pass), updating
// per-group priority accumulators.
func (b *BandwidthLimiter) Select(now time.Time, candidates []outBlock) (admit, defer_ []outBlock) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var scheduled []outBlock
	for _, c := range candidates {
		if c.bypassCap {
			admit = append(admit, c)
		} else {
			scheduled = append(scheduled, c)
		}
	}
	candidates = scheduled
	if len(candidates) == 0 {
		return admit, nil
	}

	seenKey := make(map[uint64]bool)
	for _, c := range candidates {
		if !seenKey[c.priorityKey] {
			seenKey[c.priorityKey] = true
			if c.priority > b.base[c.priorityKey] {
				b.base[c.priorityKey] = c.priority
			}
			b.accum[c.priorityKey] += c.priority
			cap := priorityCapMultiplier * b.base[c.priorityKey]
			if cap > 0 && b.accum[c.priorityKey] > cap {
				b.accum[c.priorityKey] = cap
			}
		}
	}

	ordered := make([]outBlock, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		ai, aj := b.accum[ordered[i].priorityKey], b.accum[ordered[j].priorityKey]
		if ai != aj {
			return ai > aj
		}
		return b.base[ordered[i].priorityKey] < b.base[ordered[j].priorityKey]
	})

	admitted := make(map[uint64]bool) // priorityKey -> served this pass, for accum reset
	for _, c := range ordered {
		if !b.capped {
			admit = append(admit, c)
			admitted[c.priorityKey] = true
			continue
		}
		if b.limiter.AllowN(now, len(c.payload)) {
			admit = append(admit, c)
			admitted[c.priorityKey] = true
		} else {
			defer_ = append(defer_, c)
		}
	}
	for key := range admitted {
		b.accum[key] = 0
	}
	return admit, defer_
}
