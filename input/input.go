// Package input implements the tick-indexed input buffer: a small ring
// the client fills every local tick and redundantly resends over an
// unreliable channel (so a single dropped packet doesn't cost the
// server an input sample), and its server-side mirror that merges
// incoming redundant batches per client.
//
// The ring/queue shape follows the teacher's general Session.SendQueue
// idiom in source/protocol/raknet.go, generalized to a fixed-capacity,
// tick-keyed map; the redundancy default comes from spec.md §4.6.
package input

import (
	"netrep"
	"netrep/registry"
)

// DefaultRedundancy is how many trailing ticks' worth of input a single
// send batch carries, per spec.md §4.6.
const DefaultRedundancy = 10

// Sample is one tick's recorded input.
type Sample struct {
	Tick    netrep.Tick
	Kind    registry.InputKind
	Payload []byte
}

// Buffer is a tick-indexed ring of a single source's (player's) input
// history, bounded to capacity ticks.
type Buffer struct {
	capacity int
	entries  map[netrep.Tick]Sample
	oldest   netrep.Tick
	haveAny  bool
}

// NewBuffer builds a Buffer retaining at most capacity ticks of history.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultRedundancy
	}
	return &Buffer{capacity: capacity, entries: make(map[netrep.Tick]Sample)}
}

// Set records the input sampled for tick, evicting the oldest entry once
// the buffer exceeds its capacity.
func (b *Buffer) Set(tick netrep.Tick, kind registry.InputKind, payload []byte) {
	if _, exists := b.entries[tick]; !exists {
		if !b.haveAny {
			b.oldest = tick
			b.haveAny = true
		} else if netrep.TickAfter(b.oldest, tick) {
			b.oldest = tick
		}
	}
	b.entries[tick] = Sample{Tick: tick, Kind: kind, Payload: payload}
	b.evictBeyondCapacity(tick)
}

func (b *Buffer) evictBeyondCapacity(latest netrep.Tick) {
	for len(b.entries) > b.capacity {
		cutoff := netrep.Tick(int32(latest) - int32(b.capacity) + 1)
		evicted := false
		for tick := range b.entries {
			if netrep.TickDiff(cutoff, tick) > 0 {
				delete(b.entries, tick)
				evicted = true
			}
		}
		if !evicted {
			break
		}
	}
}

// Get returns the recorded input for tick, if any.
func (b *Buffer) Get(tick netrep.Tick) (Sample, bool) {
	s, ok := b.entries[tick]
	return s, ok
}

// PopSendBatch returns the input samples for the redundancy ticks ending
// at currentTick (inclusive), oldest first, skipping any gaps. This is
// "pop" in name only — the buffer keeps its history so later local ticks
// can still replay against it; only the outgoing batch view is built
// fresh each call.
func (b *Buffer) PopSendBatch(currentTick netrep.Tick, redundancy int) []Sample {
	if redundancy <= 0 {
		redundancy = DefaultRedundancy
	}
	var out []Sample
	for i := redundancy - 1; i >= 0; i-- {
		tick := netrep.Tick(int32(currentTick) - int32(i))
		if s, ok := b.entries[tick]; ok {
			out = append(out, s)
		}
	}
	return out
}
