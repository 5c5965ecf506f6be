package prediction

import (
	"google.golang.org/protobuf/proto"

	"netrep"
	"netrep/registry"
)

// Record stores a predicted value for entity's component at tick,
// trimming anything that has fallen outside the rollback window.
func (e *Engine) Record(tick netrep.Tick, entity netrep.LocalEntity, kind registry.ComponentKind, value proto.Message) {
	key := entityComponentKey{entity: entity, component: kind}
	e.history[key] = append(e.history[key], sample{tick: tick, value: value})
	e.trim(key, tick)
}

func (e *Engine) trim(key entityComponentKey, latest netrep.Tick) {
	samples := e.history[key]
	cutoff := netrep.Tick(int32(latest) - int32(e.window))
	i := 0
	for i < len(samples) && !netrep.TickAfter(samples[i].tick, cutoff) {
		i++
	}
	if i > 0 {
		e.history[key] = samples[i:]
	}
}

// discardAfter drops every recorded sample with tick >= cutoff, including
// any stale entry at cutoff itself, so a rollback's replay starts from a
// clean slate instead of shadowing mispredicted samples with duplicates
// (spec.md §4.3: "discard history entries with tick > T").
func (e *Engine) discardAfter(key entityComponentKey, cutoff netrep.Tick) {
	samples := e.history[key]
	i := 0
	for i < len(samples) && netrep.TickDiff(cutoff, samples[i].tick) > 0 {
		i++
	}
	e.history[key] = samples[:i]
}

func (e *Engine) at(key entityComponentKey, tick netrep.Tick) (proto.Message, bool) {
	samples := e.history[key]
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].tick == tick {
			return samples[i].value, true
		}
	}
	return nil, false
}

// Advance runs one predicted simulation tick for entity and records the
// resulting component value, if the host reports one via snapshot.
func (e *Engine) Advance(tick netrep.Tick, entity netrep.LocalEntity, kind registry.ComponentKind, step StepFunc, snapshot SnapshotFunc) error {
	if err := step(tick, entity); err != nil {
		return err
	}
	if value, ok := snapshot(entity, kind); ok {
		e.Record(tick, entity, kind, value)
	}
	return nil
}

// ReceiveConfirmed compares a server-confirmed value against what was
// predicted for the same tick. A match needs no correction. A mismatch
// (or no local prediction at all, e.g. for a just-adopted predicted
// entity) restores the confirmed value and replays every tick from tick
// up to latestTick, re-running step and re-recording history so the
// rollback-equivalence invariant holds: after replay, predicted state at
// latestTick is exactly what continuous correct prediction would have
// produced. Returns whether a rollback actually occurred.
func (e *Engine) ReceiveConfirmed(
	tick, latestTick netrep.Tick,
	entity netrep.LocalEntity,
	kind registry.ComponentKind,
	confirmed proto.Message,
	restore RestoreFunc,
	step StepFunc,
	snapshot SnapshotFunc,
) (rolledBack bool, err error) {
	key := entityComponentKey{entity: entity, component: kind}

	vt, _ := e.registry.Component(kind)
	if predicted, found := e.at(key, tick); found && vt.Equal != nil && vt.Equal(predicted, confirmed) {
		return false, nil
	}

	if err := restore(entity, kind, confirmed); err != nil {
		return false, err
	}
	e.discardAfter(key, tick)
	e.Record(tick, entity, kind, confirmed)
	if e.metrics != nil {
		e.metrics.RollbackCount.Inc()
	}

	for t := tick + 1; netrep.TickDiff(latestTick, t) >= 0; t++ {
		if err := step(t, entity); err != nil {
			return true, err
		}
		if value, ok := snapshot(entity, kind); ok {
			e.Record(t, entity, kind, value)
		}
	}
	return true, nil
}

// RaisePredictedSpawn marks entity as locally predicted starting now,
// typically called when the receiver confirms an entity owned by this
// client.
func (e *Engine) RaisePredictedSpawn(entity netrep.LocalEntity) {
	e.predictedSpawns = append(e.predictedSpawns, PredictedSpawn{Entity: entity})
}

// PredictedSpawns drains and returns predicted-spawn events raised since
// the last call.
func (e *Engine) PredictedSpawns() []PredictedSpawn {
	if len(e.predictedSpawns) == 0 {
		return nil
	}
	out := e.predictedSpawns
	e.predictedSpawns = nil
	return out
}
