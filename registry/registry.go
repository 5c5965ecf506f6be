// Package registry implements the protocol registry: the compile- or
// bootstrap-time catalogue of message kinds, component kinds, input
// kinds, and channel kinds that both peers must share identically.
//
// Dispatch over components and messages is numeric-id -> function-table
// lookup (populated at registration time), not reflection: see the
// ComponentVTable type.
package registry

import (
	"fmt"
	"hash/crc32"
	"sort"

	"google.golang.org/protobuf/proto"

	"netrep"
)

// SyncMode controls how a component kind behaves on repeated receipt.
type SyncMode int

const (
	// SyncFull tracks every change; used by prediction and interpolation.
	SyncFull SyncMode = iota
	// SyncSimple overwrites on every receive.
	SyncSimple
	// SyncOnce applies only the first receipt and ignores the rest.
	SyncOnce
)

// ComponentKind is a stable numeric id for a replicated component type.
type ComponentKind uint16

// MessageKind is a stable numeric id for a non-replication message type.
type MessageKind uint16

// InputKind is a stable numeric id for a player input type.
type InputKind uint16

// EqualFunc reports whether two component values are equal for the
// purposes of misprediction detection.
type EqualFunc func(a, b any) bool

// LerpFunc blends two component values by t in [0, 1]. Components without
// one snap to the earlier sample during interpolation.
type LerpFunc func(a, b any, t float64) any

// ComponentVTable is the function table registered for one component
// kind: how to encode, decode, apply to the host world, compare for
// misprediction, and (optionally) blend for interpolation.
type ComponentVTable struct {
	Kind   ComponentKind
	Name   string
	Mode   SyncMode
	New    func() proto.Message
	Apply  func(world any, entity netrep.LocalEntity, value proto.Message) error
	Remove func(world any, entity netrep.LocalEntity) error // optional; nil if the component never needs explicit removal
	Equal  EqualFunc
	Lerp   LerpFunc // nil => snap to earlier sample
}

// MessageVTable is the function table registered for one non-replication
// message kind.
type MessageVTable struct {
	Kind MessageKind
	Name string
	New  func() proto.Message
}

// ChannelSpec describes a registered channel: its stable id and delivery
// mode (delivery semantics live in package channel; this is just the
// registry-side catalog entry).
type ChannelSpec struct {
	ID   uint16
	Name string
	Mode uint8 // mirrors channel.DeliveryMode; kept untyped here to avoid import cycle
}

// Registry is the full catalogue shared identically by both peers. Both
// sides must build one with the same Register* calls, in any order — the
// digest is order-independent.
type Registry struct {
	components map[ComponentKind]ComponentVTable
	messages   map[MessageKind]MessageVTable
	channels   map[uint16]ChannelSpec
}

// New returns an empty Registry ready for Register* calls.
func New() *Registry {
	return &Registry{
		components: make(map[ComponentKind]ComponentVTable),
		messages:   make(map[MessageKind]MessageVTable),
		channels:   make(map[uint16]ChannelSpec),
	}
}

// RegisterComponent adds a component kind. Re-registering the same kind
// overwrites the previous entry (useful for test fixtures).
func (r *Registry) RegisterComponent(v ComponentVTable) {
	r.components[v.Kind] = v
}

// RegisterMessage adds a non-replication message kind.
func (r *Registry) RegisterMessage(v MessageVTable) {
	r.messages[v.Kind] = v
}

// RegisterChannel adds a channel's catalogue entry.
func (r *Registry) RegisterChannel(c ChannelSpec) {
	r.channels[c.ID] = c
}

// Component looks up a component's vtable by kind.
func (r *Registry) Component(kind ComponentKind) (ComponentVTable, bool) {
	v, ok := r.components[kind]
	return v, ok
}

// Message looks up a message's vtable by kind.
func (r *Registry) Message(kind MessageKind) (MessageVTable, bool) {
	v, ok := r.messages[kind]
	return v, ok
}

// Channel looks up a channel's catalogue entry by id.
func (r *Registry) Channel(id uint16) (ChannelSpec, bool) {
	v, ok := r.channels[id]
	return v, ok
}

// Digest computes an order-independent fingerprint of the registry's
// stable ids, used to detect ErrorKind_ProtocolMismatch between peers
// during the handshake. A same-process sanity check doesn't need a
// cryptographic hash, so this stays on stdlib crc32 rather than pulling
// in one of the pack's heavier hash functions (see DESIGN.md).
func (r *Registry) Digest() uint32 {
	var keys []string
	for k, v := range r.components {
		keys = append(keys, fmt.Sprintf("c%d:%s:%d", k, v.Name, v.Mode))
	}
	for k, v := range r.messages {
		keys = append(keys, fmt.Sprintf("m%d:%s", k, v.Name))
	}
	for k, v := range r.channels {
		keys = append(keys, fmt.Sprintf("h%d:%s:%d", k, v.Name, v.Mode))
	}
	sort.Strings(keys)
	h := crc32.NewIEEE()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// Codec marshals and unmarshals registered component/message payloads
// using google.golang.org/protobuf, mirroring how appnet-org-arpc treats
// wire serialization as a pluggable, per-message concern rather than a
// single hand-rolled format.
type Codec struct{ Registry *Registry }

// NewCodec builds a Codec bound to a Registry.
func NewCodec(r *Registry) *Codec { return &Codec{Registry: r} }

// EncodeComponent marshals a registered component value.
func (c *Codec) EncodeComponent(kind ComponentKind, value proto.Message) ([]byte, error) {
	return proto.Marshal(value)
}

// DecodeComponent allocates a fresh value for kind and unmarshals into it.
func (c *Codec) DecodeComponent(kind ComponentKind, data []byte) (proto.Message, error) {
	v, ok := c.Registry.Component(kind)
	if !ok {
		return nil, netrep.NewError(netrep.ErrUnknownChannel, fmt.Sprintf("unregistered component kind %d", kind))
	}
	msg := v.New()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, netrep.Wrap(netrep.ErrMalformed, "decode component", err)
	}
	return msg, nil
}

// EncodeMessage marshals a registered message value.
func (c *Codec) EncodeMessage(kind MessageKind, value proto.Message) ([]byte, error) {
	return proto.Marshal(value)
}

// DecodeMessage allocates a fresh value for kind and unmarshals into it.
func (c *Codec) DecodeMessage(kind MessageKind, data []byte) (proto.Message, error) {
	v, ok := c.Registry.Message(kind)
	if !ok {
		return nil, netrep.NewError(netrep.ErrUnknownChannel, fmt.Sprintf("unregistered message kind %d", kind))
	}
	msg := v.New()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, netrep.Wrap(netrep.ErrMalformed, "decode message", err)
	}
	return msg, nil
}
