package main

import (
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"netrep"
	"netrep/registry"
)

// Demo component/message/channel catalogue. A real integration registers
// its own game-specific components; this one gives the demo's registry a
// component for ApplyActions to dispatch to. Neither demo loop buffers
// spawns or inserts itself.
const (
	componentPosition registry.ComponentKind = iota
)

const (
	inputMove registry.InputKind = iota
)

func demoRegistry() *registry.Registry {
	reg := registry.New()
	reg.RegisterComponent(registry.ComponentVTable{
		Kind: componentPosition,
		Name: "position",
		Mode: registry.SyncFull,
		New:  func() proto.Message { return &wrapperspb.FloatValue{} },
		Apply: func(world any, entity netrep.LocalEntity, value proto.Message) error {
			w := world.(*demoWorld)
			w.setPosition(entity, value.(*wrapperspb.FloatValue).GetValue())
			return nil
		},
		Remove: func(world any, entity netrep.LocalEntity) error {
			world.(*demoWorld).clearPosition(entity)
			return nil
		},
		Equal: func(a, b any) bool {
			af, aok := a.(*wrapperspb.FloatValue)
			bf, bok := b.(*wrapperspb.FloatValue)
			return aok && bok && af.GetValue() == bf.GetValue()
		},
		Lerp: func(a, b any, t float64) any {
			af := a.(*wrapperspb.FloatValue).GetValue()
			bf := b.(*wrapperspb.FloatValue).GetValue()
			return wrapperspb.Float(af + float32(t)*(bf-af))
		},
	})
	return reg
}

// demoWorld is the minimal WorldMutator this demo replicates into: a
// flat map of entity positions, guarded by a mutex since the server
// fans connection updates out concurrently via errgroup.
type demoWorld struct {
	mu        sync.Mutex
	nextLocal netrep.LocalEntity
	positions map[netrep.LocalEntity]float32
}

func newDemoWorld() *demoWorld {
	return &demoWorld{positions: make(map[netrep.LocalEntity]float32)}
}

func (w *demoWorld) Spawn(remote netrep.Entity) (netrep.LocalEntity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextLocal++
	local := w.nextLocal
	w.positions[local] = 0
	return local, nil
}

func (w *demoWorld) Despawn(local netrep.LocalEntity) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.positions, local)
	return nil
}

func (w *demoWorld) setPosition(local netrep.LocalEntity, v float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions[local] = v
}

func (w *demoWorld) clearPosition(local netrep.LocalEntity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.positions, local)
}
