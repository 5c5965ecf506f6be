package input

import "netrep"

// ServerBuffer mirrors every connected client's input history so the
// server simulation can read back whatever tick it's currently
// processing, merging each redundant batch as it arrives.
type ServerBuffer struct {
	capacity int
	perClient map[netrep.ClientID]*Buffer
}

// NewServerBuffer builds a ServerBuffer whose per-client ring retains
// capacity ticks of history.
func NewServerBuffer(capacity int) *ServerBuffer {
	return &ServerBuffer{capacity: capacity, perClient: make(map[netrep.ClientID]*Buffer)}
}

func (sb *ServerBuffer) bufferFor(client netrep.ClientID) *Buffer {
	b, ok := sb.perClient[client]
	if !ok {
		b = NewBuffer(sb.capacity)
		sb.perClient[client] = b
	}
	return b
}

// MergeIncoming folds a client's redundant input batch into its mirrored
// buffer. Overlapping ticks across successive batches simply overwrite —
// the values are expected to agree, and the newest-arriving batch wins
// when a client ever resends a tick with a corrected value.
func (sb *ServerBuffer) MergeIncoming(client netrep.ClientID, batch []Sample) {
	b := sb.bufferFor(client)
	for _, s := range batch {
		b.Set(s.Tick, s.Kind, s.Payload)
	}
}

// Get reads back a client's recorded input for tick.
func (sb *ServerBuffer) Get(client netrep.ClientID, tick netrep.Tick) (Sample, bool) {
	b, ok := sb.perClient[client]
	if !ok {
		return Sample{}, false
	}
	return b.Get(tick)
}

// Forget drops a disconnected client's mirrored buffer.
func (sb *ServerBuffer) Forget(client netrep.ClientID) {
	delete(sb.perClient, client)
}
