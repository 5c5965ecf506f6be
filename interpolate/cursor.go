package interpolate

import (
	"time"

	"google.golang.org/protobuf/proto"

	"netrep"
	"netrep/registry"
)

// Cursor is a per-(entity, component) view over a Store's sample
// buffer, so callers don't have to thread entity/kind through every
// Sample call.
type Cursor struct {
	store  *Store
	entity netrep.LocalEntity
	kind   registry.ComponentKind
	delay  time.Duration
}

// NewCursor returns a Cursor over entity's kind component, trailing by delay.
func (s *Store) NewCursor(entity netrep.LocalEntity, kind registry.ComponentKind, delay time.Duration) *Cursor {
	return &Cursor{store: s, entity: entity, kind: kind, delay: delay}
}

// Sample returns the interpolated value at the given playback tick.
func (c *Cursor) Sample(now time.Time, tick netrep.Tick) (proto.Message, bool) {
	return c.store.Sample(now, c.delay, c.entity, c.kind, tick)
}
