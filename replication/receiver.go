package replication

import (
	"go.uber.org/zap"

	"netrep"
	"netrep/pkg/netlog"
	"netrep/registry"
)

// WorldMutator is the host simulation's entry point for applying
// replicated spawns and despawns. Component insert/remove/update is
// applied through the registry's ComponentVTable instead, which already
// takes a generic world handle.
type WorldMutator interface {
	Spawn(remote netrep.Entity) (netrep.LocalEntity, error)
	Despawn(local netrep.LocalEntity) error
}

// SpawnEvent and DespawnEvent are raised once per entity lifecycle
// transition. They are kept as two distinct iterators rather than one
// shared stream — see DESIGN.md's Open Question decision.
type SpawnEvent struct {
	Group  netrep.GroupID
	Entity netrep.Entity
	Local  netrep.LocalEntity
}

type DespawnEvent struct {
	Group  netrep.GroupID
	Entity netrep.Entity
	Local  netrep.LocalEntity
}

type groupRecvState struct {
	latestAppliedActionsTick netrep.Tick
	haveAppliedActionsTick   bool
	pendingUpdates           []pendingUpdate

	// latestAppliedUpdateTick tracks the high-water applied tick per
	// (entity, component), so an Updates batch that arrives out of order
	// over the unreliable channel never overwrites a newer value with a
	// stale one (spec.md §4.2).
	latestAppliedUpdateTick map[entityComponentKey]netrep.Tick
}

type pendingUpdate struct {
	batch UpdateBatch
	tick  netrep.Tick
}

type deferredOp struct {
	entity    netrep.Entity
	triedOnce bool
	apply     func(world WorldMutator) error
}

// Receiver applies incoming Action and Update batches in causal order:
// spawns/despawns/inserts/removes arrive reliably and are applied
// immediately in send order; updates are gated behind the sender's
// last_action_tick so a component change never applies to an entity the
// receiver hasn't spawned yet, buffering otherwise (spec.md §4.2).
type Receiver struct {
	codec *registry.Codec

	groups          map[netrep.GroupID]*groupRecvState
	remoteEntityMap map[netrep.Entity]netrep.LocalEntity

	deferredByEntity map[netrep.Entity][]*deferredOp

	spawnEvents   []SpawnEvent
	despawnEvents []DespawnEvent
}

// NewReceiver builds a Receiver using codec to decode component payloads.
func NewReceiver(codec *registry.Codec) *Receiver {
	return &Receiver{
		codec:            codec,
		groups:           make(map[netrep.GroupID]*groupRecvState),
		remoteEntityMap:  make(map[netrep.Entity]netrep.LocalEntity),
		deferredByEntity: make(map[netrep.Entity][]*deferredOp),
	}
}

func (r *Receiver) group(id netrep.GroupID) *groupRecvState {
	g, ok := r.groups[id]
	if !ok {
		g = &groupRecvState{}
		r.groups[id] = g
	}
	return g
}

// ApplyActions applies a decoded Actions batch, in order, against world.
// tick is the sender's tick for this batch, recorded as the group's new
// latestAppliedActionsTick once every op has applied.
func (r *Receiver) ApplyActions(batch ActionBatch, tick netrep.Tick, world WorldMutator) error {
	g := r.group(batch.Group)
	for _, op := range batch.Ops {
		switch op.op {
		case opSpawn:
			local, err := world.Spawn(op.entity)
			if err != nil {
				return err
			}
			r.remoteEntityMap[op.entity] = local
			r.spawnEvents = append(r.spawnEvents, SpawnEvent{Group: batch.Group, Entity: op.entity, Local: local})

		case opDespawn:
			local, ok := r.remoteEntityMap[op.entity]
			if !ok {
				continue // already gone, or never resolved: nothing to tear down
			}
			delete(r.remoteEntityMap, op.entity)
			if err := world.Despawn(local); err != nil {
				return err
			}
			r.despawnEvents = append(r.despawnEvents, DespawnEvent{Group: batch.Group, Entity: op.entity, Local: local})

		case opInsert:
			kind, payload := op.component, op.payload
			apply := func(world WorldMutator) error {
				local := r.remoteEntityMap[op.entity]
				vt, ok := r.codec.Registry.Component(kind)
				if !ok {
					return netrep.NewError(netrep.ErrUnknownChannel, "insert: unregistered component kind")
				}
				value, err := r.codec.DecodeComponent(kind, payload)
				if err != nil {
					return err
				}
				return vt.Apply(world, local, value)
			}
			if _, ok := r.remoteEntityMap[op.entity]; !ok {
				r.deferOp(op.entity, apply)
				continue
			}
			if err := apply(world); err != nil {
				return err
			}

		case opRemove:
			kind := op.component
			apply := func(world WorldMutator) error {
				local := r.remoteEntityMap[op.entity]
				vt, ok := r.codec.Registry.Component(kind)
				if !ok || vt.Remove == nil {
					return nil
				}
				return vt.Remove(world, local)
			}
			if _, ok := r.remoteEntityMap[op.entity]; !ok {
				r.deferOp(op.entity, apply)
				continue
			}
			if err := apply(world); err != nil {
				return err
			}
		}
	}
	g.latestAppliedActionsTick = tick
	g.haveAppliedActionsTick = true

	if err := r.flushDeferred(world); err != nil {
		return err
	}
	return nil
}

// deferOp records an op that referenced an entity not yet in
// remoteEntityMap. flushDeferred, run at the end of every ApplyActions
// call, applies it once the entity resolves; an op still unresolved at
// the end of the ApplyActions call after the one that deferred it is
// dropped, per spec.md's ErrorKind_UnknownRemoteEntity policy.
func (r *Receiver) deferOp(entity netrep.Entity, apply func(world WorldMutator) error) {
	r.deferredByEntity[entity] = append(r.deferredByEntity[entity], &deferredOp{entity: entity, apply: apply})
}

func (r *Receiver) flushDeferred(world WorldMutator) error {
	for entity, ops := range r.deferredByEntity {
		if _, ok := r.remoteEntityMap[entity]; !ok {
			// still unresolved: give it one more round before dropping
			var kept []*deferredOp
			for _, op := range ops {
				if op.triedOnce {
					err := netrep.NewError(netrep.ErrUnknownRemoteEntity, "dropping op deferred past two rounds unresolved")
					netlog.Warn("drop deferred op: unresolved remote entity",
						zap.Uint64("entity", uint64(op.entity)),
						zap.Error(err),
					)
					continue // dropped: two rounds unresolved
				}
				op.triedOnce = true
				kept = append(kept, op)
			}
			if len(kept) == 0 {
				delete(r.deferredByEntity, entity)
			} else {
				r.deferredByEntity[entity] = kept
			}
			continue
		}
		for _, op := range ops {
			if err := op.apply(world); err != nil {
				return err
			}
		}
		delete(r.deferredByEntity, entity)
	}
	return nil
}

// ApplyUpdates applies or buffers a decoded Updates batch. tick is the
// sender's tick for the update values; currentTick is the receiver's own
// current simulation tick, which an update must not be ahead of.
func (r *Receiver) ApplyUpdates(batch UpdateBatch, tick, currentTick netrep.Tick, world WorldMutator) error {
	g := r.group(batch.Group)
	if r.gateSatisfied(g, batch.LastActionTick, tick, currentTick) {
		return r.applyUpdateBatch(g, batch, tick, world)
	}
	g.pendingUpdates = append(g.pendingUpdates, pendingUpdate{batch: batch, tick: tick})
	return nil
}

func (r *Receiver) gateSatisfied(g *groupRecvState, lastActionTick, tick, currentTick netrep.Tick) bool {
	if !g.haveAppliedActionsTick {
		return false
	}
	if netrep.TickDiff(lastActionTick, g.latestAppliedActionsTick) > 0 {
		return false
	}
	if netrep.TickDiff(tick, currentTick) > 0 {
		return false
	}
	return true
}

func (r *Receiver) applyUpdateBatch(g *groupRecvState, batch UpdateBatch, tick netrep.Tick, world WorldMutator) error {
	if g.latestAppliedUpdateTick == nil {
		g.latestAppliedUpdateTick = make(map[entityComponentKey]netrep.Tick)
	}
	for _, u := range batch.Updates {
		local, ok := r.remoteEntityMap[u.entity]
		if !ok {
			continue // entity never arrived or already despawned; drop the stale update
		}
		key := entityComponentKey{entity: u.entity, component: u.component}
		if hw, ok := g.latestAppliedUpdateTick[key]; ok && netrep.TickDiff(tick, hw) <= 0 {
			continue // older or equal to the last value applied for this (entity, component): discard
		}
		vt, ok := r.codec.Registry.Component(u.component)
		if !ok {
			continue
		}
		value, err := r.codec.DecodeComponent(u.component, u.payload)
		if err != nil {
			return err
		}
		if err := vt.Apply(world, local, value); err != nil {
			return err
		}
		g.latestAppliedUpdateTick[key] = tick
	}
	return nil
}

// FlushPendingUpdates retries every buffered Updates batch now that
// currentTick has advanced or a new Actions batch has raised a group's
// latestAppliedActionsTick.
func (r *Receiver) FlushPendingUpdates(world WorldMutator, currentTick netrep.Tick) error {
	for _, g := range r.groups {
		var keep []pendingUpdate
		for _, pu := range g.pendingUpdates {
			if r.gateSatisfied(g, pu.batch.LastActionTick, pu.tick, currentTick) {
				if err := r.applyUpdateBatch(g, pu.batch, pu.tick, world); err != nil {
					return err
				}
			} else {
				keep = append(keep, pu)
			}
		}
		g.pendingUpdates = keep
	}
	return nil
}

// EntitySpawnEvents drains and returns spawn events raised since the
// last call.
func (r *Receiver) EntitySpawnEvents() []SpawnEvent {
	if len(r.spawnEvents) == 0 {
		return nil
	}
	out := r.spawnEvents
	r.spawnEvents = nil
	return out
}

// EntityDespawnEvents drains and returns despawn events raised since the
// last call. Kept distinct from EntitySpawnEvents rather than one merged
// stream — see DESIGN.md.
func (r *Receiver) EntityDespawnEvents() []DespawnEvent {
	if len(r.despawnEvents) == 0 {
		return nil
	}
	out := r.despawnEvents
	r.despawnEvents = nil
	return out
}

// LocalEntityFor resolves a wire Entity to its receiver-local handle, if
// the spawn has been applied.
func (r *Receiver) LocalEntityFor(entity netrep.Entity) (netrep.LocalEntity, bool) {
	local, ok := r.remoteEntityMap[entity]
	return local, ok
}
