// Package interpolate smooths remote (non-predicted) entity movement by
// replaying a delayed, bracketed, blended view of the last few
// confirmed samples instead of snapping to each one as it arrives.
//
// The bracket/lerp/stall logic follows spec.md §4.4/§8 scenario 5
// directly; blending through the component's registered vtable entry
// (rather than type-switching on concrete component types) mirrors the
// numeric-id dispatch pattern used throughout package registry.
package interpolate

import (
	"time"

	"google.golang.org/protobuf/proto"

	"netrep"
	"netrep/metrics"
	"netrep/registry"
)

// Config controls how far behind the confirmed tick the interpolated
// view trails.
type Config struct {
	MinDelay         time.Duration
	SendIntervalRatio float64
}

// EffectiveDelay computes D = max(MinDelay, SendIntervalRatio ×
// serverUpdateInterval), per spec.md §4.4.
func (c Config) EffectiveDelay(serverUpdateInterval time.Duration) time.Duration {
	d := time.Duration(float64(serverUpdateInterval) * c.SendIntervalRatio)
	if d < c.MinDelay {
		d = c.MinDelay
	}
	return d
}

type entityComponentKey struct {
	entity    netrep.LocalEntity
	component registry.ComponentKind
}

type sample struct {
	tick  netrep.Tick
	value proto.Message
}

// Store holds every entity/component's incoming sample buffer and hands
// out a Cursor view over it.
type Store struct {
	registry *registry.Registry
	buffers  map[entityComponentKey][]sample
	lastPush map[entityComponentKey]time.Time
	metrics  *metrics.Registry
}

// NewStore builds an empty Store bound to reg for vtable lookups.
func NewStore(reg *registry.Registry) *Store {
	return &Store{
		registry: reg,
		buffers:  make(map[entityComponentKey][]sample),
		lastPush: make(map[entityComponentKey]time.Time),
	}
}

// SetMetrics attaches a metrics.Registry the Store increments whenever
// Sample reports a stall. Nil (the default) disables instrumentation.
func (s *Store) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// Push records a newly confirmed sample for entity's component, keeping
// the buffer sorted by tick (arrivals are usually already in order, but
// UnreliableOrdered delivery can still admit an occasional reordering
// within the window).
func (s *Store) Push(now time.Time, entity netrep.LocalEntity, kind registry.ComponentKind, tick netrep.Tick, value proto.Message) {
	key := entityComponentKey{entity: entity, component: kind}
	s.lastPush[key] = now

	buf := s.buffers[key]
	i := len(buf)
	for i > 0 && netrep.TickAfter(buf[i-1].tick, tick) {
		i--
	}
	buf = append(buf, sample{})
	copy(buf[i+1:], buf[i:])
	buf[i] = sample{tick: tick, value: value}
	s.buffers[key] = buf
}

// Sample returns the interpolated value for entity's component at the
// interpolated playback tick (the confirmed tick minus EffectiveDelay,
// converted to ticks by the caller). It brackets the target tick
// between the two nearest samples and blends with the component's Lerp
// vtable entry, snapping to the earlier sample when none is registered.
// stalled reports whether no new sample has arrived in over 3×delay,
// per spec.md's InterpolationStalled condition.
func (s *Store) Sample(now time.Time, delay time.Duration, entity netrep.LocalEntity, kind registry.ComponentKind, tick netrep.Tick) (value proto.Message, stalled bool) {
	key := entityComponentKey{entity: entity, component: kind}

	s.dropStale(key, tick)
	buf := s.buffers[key]

	if last, ok := s.lastPush[key]; ok {
		stalled = now.Sub(last) > 3*delay
	}
	if stalled && s.metrics != nil {
		s.metrics.InterpolationStalls.Inc()
	}
	if len(buf) == 0 {
		return nil, stalled
	}
	if !netrep.TickAfter(tick, buf[0].tick) && tick != buf[0].tick {
		// target precedes the oldest sample we have: nothing to bracket with
		return buf[0].value, stalled
	}

	for i := 0; i < len(buf)-1; i++ {
		a, b := buf[i], buf[i+1]
		if (a.tick == tick) || (netrep.TickAfter(tick, a.tick) && !netrep.TickAfter(tick, b.tick)) {
			if a.tick == tick {
				return a.value, stalled
			}
			span := netrep.TickDiff(b.tick, a.tick)
			if span <= 0 {
				return a.value, stalled
			}
			t := float64(netrep.TickDiff(tick, a.tick)) / float64(span)
			vt, ok := s.registry.Component(kind)
			if ok && vt.Lerp != nil {
				if blended, ok := vt.Lerp(a.value, b.value, t).(proto.Message); ok {
					return blended, stalled
				}
			}
			return a.value, stalled // no blend function: snap to the earlier sample
		}
	}
	// target is at or beyond the newest sample: nothing newer has arrived yet
	return buf[len(buf)-1].value, stalled
}

// dropStale discards every sample older than the newest one at or before
// tick: that one still brackets tick from below, and once the playback
// cursor has moved past a sample's bracket, it will never be needed
// again. The newest sample is always kept.
func (s *Store) dropStale(key entityComponentKey, tick netrep.Tick) {
	buf := s.buffers[key]
	i := 0
	for i < len(buf)-1 && netrep.TickDiff(buf[i+1].tick, tick) <= 0 {
		i++
	}
	if i > 0 {
		s.buffers[key] = buf[i:]
	}
}
