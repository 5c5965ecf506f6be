// Package replication implements the spawn/despawn/component
// replication pipeline: a Sender that batches world changes into
// reliable Action messages and unreliable Update messages per
// replication group, and a Receiver that applies them in causal order
// on the other side.
//
// Actions (spawn, despawn, insert, remove) are reliable and ordered
// within a group; Updates (component value changes) are unreliable and
// gated behind the last Actions batch the receiver has applied, so a
// component update can never arrive and apply against an entity the
// receiver hasn't spawned yet. This mirrors
// original_source/lightyear/src/client/connection.rs's
// buffer_replication_messages / replication_sender.finalize split.
package replication

import (
	"google.golang.org/protobuf/proto"

	"netrep"
	"netrep/registry"
)

// Sender owns the outgoing replication state: one groupSendState per
// ReplicationGroup, each tracking its priority, pending actions, and the
// "latest value wins" dirty-component set that Finalize drains into
// Update batches.
//
// Sender never touches the network directly (spec.md §5): Finalize
// returns PendingMessage values for the caller (package conn) to hand to
// channel.Manager.BufferSendWithPriority, and TrackSent/Acked close the
// loop once the channel layer reports delivery.
type Sender struct {
	codec  *registry.Codec
	groups map[netrep.GroupID]*groupSendState

	nextToken uint64
	tokens    map[uint64]pendingRecord
	sentRefs  map[netrep.MessageID]uint64 // channel message id -> token
}

type groupSendState struct {
	priority float64

	pendingActions []action
	dirty          map[entityComponentKey]dirtyUpdate

	lastActionTick    netrep.Tick
	haveLastActionTick bool
}

type entityComponentKey struct {
	entity    netrep.Entity
	component registry.ComponentKind
}

type actionOp int

const (
	opSpawn actionOp = iota
	opDespawn
	opInsert
	opRemove
)

type action struct {
	op        actionOp
	entity    netrep.Entity
	component registry.ComponentKind // opInsert/opRemove only
	payload   []byte                 // opInsert only
}

type dirtyUpdate struct {
	entity    netrep.Entity
	component registry.ComponentKind
	payload   []byte
}

// PendingMessage is one wire-ready batch Finalize produced, awaiting
// transmission by the caller over the channel layer.
type PendingMessage struct {
	Group    netrep.GroupID
	Tick     netrep.Tick
	Priority float64
	IsAction bool // true: reliable Actions batch. false: unreliable Updates batch.
	Payload  []byte

	// Token correlates this message with Sender's internal bookkeeping;
	// pass it to TrackSent once the channel layer assigns a MessageID.
	Token uint64
}

type pendingRecord struct {
	group    netrep.GroupID
	isAction bool
	tick     netrep.Tick
	refs     []entityComponentKey // components carried by an Updates batch, for clearing dirty-since on ack
}

// NewSender builds a Sender using codec to encode component payloads.
func NewSender(codec *registry.Codec) *Sender {
	return &Sender{
		codec:    codec,
		groups:   make(map[netrep.GroupID]*groupSendState),
		tokens:   make(map[uint64]pendingRecord),
		sentRefs: make(map[netrep.MessageID]uint64),
	}
}

func (s *Sender) group(id netrep.GroupID) *groupSendState {
	g, ok := s.groups[id]
	if !ok {
		g = &groupSendState{priority: 1.0, dirty: make(map[entityComponentKey]dirtyUpdate)}
		s.groups[id] = g
	}
	return g
}

// UpdatePriority sets a replication group's bandwidth-scheduling weight.
func (s *Sender) UpdatePriority(group netrep.GroupID, value float64) {
	s.group(group).priority = value
}

// BufferSpawn records that entity should be spawned on the receiver.
func (s *Sender) BufferSpawn(group netrep.GroupID, entity netrep.Entity) {
	g := s.group(group)
	g.pendingActions = append(g.pendingActions, action{op: opSpawn, entity: entity})
}

// BufferDespawn records that entity should be despawned on the receiver.
// Any dirty updates still pending for it are dropped — there's no point
// shipping a component change for an entity that won't exist.
func (s *Sender) BufferDespawn(group netrep.GroupID, entity netrep.Entity) {
	g := s.group(group)
	g.pendingActions = append(g.pendingActions, action{op: opDespawn, entity: entity})
	for k := range g.dirty {
		if k.entity == entity {
			delete(g.dirty, k)
		}
	}
}

// BufferInsert records that component kind with value should be attached
// to entity on the receiver. Insert is an Action: it travels reliably,
// ordered with spawn/despawn for the same group.
func (s *Sender) BufferInsert(group netrep.GroupID, entity netrep.Entity, kind registry.ComponentKind, value proto.Message) error {
	payload, err := s.codec.EncodeComponent(kind, value)
	if err != nil {
		return err
	}
	g := s.group(group)
	g.pendingActions = append(g.pendingActions, action{op: opInsert, entity: entity, component: kind, payload: payload})
	return nil
}

// BufferRemove records that component kind should be detached from
// entity on the receiver.
func (s *Sender) BufferRemove(group netrep.GroupID, entity netrep.Entity, kind registry.ComponentKind) {
	g := s.group(group)
	g.pendingActions = append(g.pendingActions, action{op: opRemove, entity: entity, component: kind})
	delete(g.dirty, entityComponentKey{entity: entity, component: kind})
}

// BufferUpdate records a new value for an already-inserted component.
// Only the latest call for a given (entity, component) before the next
// Finalize is kept — "latest value wins", per
// original_source/examples/priority/src/server.rs's replication-group
// update semantics.
func (s *Sender) BufferUpdate(group netrep.GroupID, entity netrep.Entity, kind registry.ComponentKind, value proto.Message) error {
	payload, err := s.codec.EncodeComponent(kind, value)
	if err != nil {
		return err
	}
	g := s.group(group)
	g.dirty[entityComponentKey{entity: entity, component: kind}] = dirtyUpdate{entity: entity, component: kind, payload: payload}
	return nil
}

// Finalize drains every group's pending actions and dirty updates into
// wire-ready PendingMessages for tick, one Actions batch and/or one
// Updates batch per group that has anything to send. Updates are gated
// with the group's current lastActionTick so the receiver never applies
// a component change against an entity it hasn't spawned yet.
func (s *Sender) Finalize(tick netrep.Tick) []PendingMessage {
	var out []PendingMessage
	for id, g := range s.groups {
		if len(g.pendingActions) > 0 {
			payload := encodeActionBatch(id, g.pendingActions)
			token := s.newToken(pendingRecord{group: id, isAction: true, tick: tick})
			out = append(out, PendingMessage{Group: id, Tick: tick, Priority: g.priority, IsAction: true, Payload: payload, Token: token})
			g.pendingActions = nil
			g.lastActionTick = tick
			g.haveLastActionTick = true
		}
		if len(g.dirty) > 0 {
			refs := make([]entityComponentKey, 0, len(g.dirty))
			updates := make([]dirtyUpdate, 0, len(g.dirty))
			for k, u := range g.dirty {
				refs = append(refs, k)
				updates = append(updates, u)
			}
			lastActionTick := netrep.Tick(0)
			if g.haveLastActionTick {
				lastActionTick = g.lastActionTick
			}
			payload := encodeUpdateBatch(id, lastActionTick, updates)
			token := s.newToken(pendingRecord{group: id, isAction: false, tick: tick, refs: refs})
			out = append(out, PendingMessage{Group: id, Tick: tick, Priority: g.priority, IsAction: false, Payload: payload, Token: token})
			g.dirty = make(map[entityComponentKey]dirtyUpdate)
		}
	}
	return out
}

func (s *Sender) newToken(rec pendingRecord) uint64 {
	t := s.nextToken
	s.nextToken++
	s.tokens[t] = rec
	return t
}

// TrackSent correlates a PendingMessage's Token with the MessageID the
// channel layer assigned once it actually buffered the payload, so a
// later ack can be resolved back to the replication state it carried.
func (s *Sender) TrackSent(token uint64, channelMsgID netrep.MessageID) {
	s.sentRefs[channelMsgID] = token
}

// Acked processes a delivery confirmation for a previously tracked
// message. Actions batches already advanced lastActionTick at Finalize
// time, so this is bookkeeping cleanup only — Updates batches travel
// unreliably and are never acked via this path.
func (s *Sender) Acked(channelMsgID netrep.MessageID) {
	token, ok := s.sentRefs[channelMsgID]
	if !ok {
		return
	}
	delete(s.sentRefs, channelMsgID)
	delete(s.tokens, token)
}
