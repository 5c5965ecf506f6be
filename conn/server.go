package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"netrep"
	"netrep/config"
	"netrep/input"
	"netrep/metrics"
	"netrep/registry"
	"netrep/replication"
	"netrep/transport"
)

// Server keeps one Manager per connected client, sharing a single input
// mirror and registry/codec across all of them. It owns connection
// lifecycle (handshake intake, timeout eviction) but not the socket
// itself; a transport.ServerTransport supplies raw datagrams in and out.
//
// Grounded on the teacher's source/server/server.go Server, which keeps
// a map[int]*Player behind a mutex and drives it from a fixed-rate
// ticker; here the map is keyed by netrep.ClientID and the per-tick fan
// out across connections runs concurrently via errgroup, since each
// peer's Manager is independent.
type Server struct {
	mu      sync.RWMutex
	reg     *registry.Registry
	cfg     config.Config
	input   *input.ServerBuffer
	peers   map[netrep.ClientID]*Manager
	metrics *metrics.Registry
}

// NewServer builds a Server sharing one input.ServerBuffer across every
// peer it will accept.
func NewServer(reg *registry.Registry, cfg config.Config) *Server {
	return &Server{
		reg:   reg,
		cfg:   cfg,
		input: input.NewServerBuffer(cfg.Input.RedundancyTicks * 2),
		peers: make(map[netrep.ClientID]*Manager),
	}
}

// SetMetrics attaches a metrics.Registry propagated to every peer
// Manager this Server has already accepted or will accept via Accept.
// Nil (the default) disables instrumentation.
func (s *Server) SetMetrics(reg *metrics.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = reg
	for _, m := range s.peers {
		m.SetMetrics(reg)
	}
}

// Accept admits a newly connected client, building its Manager. A
// second Accept for an already-known ClientID replaces its connection
// state, matching a reconnect.
func (s *Server) Accept(id netrep.ClientID) *Manager {
	m := NewServerPeer(s.reg, s.cfg, id, s.input)
	s.mu.Lock()
	if s.metrics != nil {
		m.SetMetrics(s.metrics)
	}
	s.peers[id] = m
	s.mu.Unlock()
	return m
}

// Remove drops a disconnected client's Manager and its mirrored input
// history.
func (s *Server) Remove(id netrep.ClientID) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
	s.input.Forget(id)
}

// Peer returns the Manager for a connected client, or nil if unknown.
func (s *Server) Peer(id netrep.ClientID) *Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// SyncSession reconciles the Server's peer set against a transport.Session
// poll: newly connected clients are accepted, disconnected ones removed.
func (s *Server) SyncSession(sess transport.Session) {
	for _, id := range sess.NewConnections() {
		s.Accept(id)
	}
	for _, id := range sess.NewDisconnections() {
		s.Remove(id)
	}
}

// PumpTransport drains every pending inbound datagram from tr and feeds
// it to the owning peer's RecvPacket, then flushes every peer's
// SendPackets back out through tr. A datagram from an unrecognized
// ClientID is dropped; the handshake is expected to Accept before the
// transport ever hands us its packets.
func (s *Server) PumpTransport(now time.Time, tr transport.ServerTransport) error {
	for {
		data, peer, ok, err := tr.Recv()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		m := s.Peer(peer)
		if m == nil {
			continue
		}
		if _, err := m.RecvPacket(now, data); err != nil {
			var nerr *netrep.Error
			if !errors.As(err, &nerr) || !nerr.Kind.Recoverable() {
				return err
			}
		}
	}

	s.mu.RLock()
	peers := make(map[netrep.ClientID]*Manager, len(s.peers))
	for id, m := range s.peers {
		peers[id] = m
	}
	s.mu.RUnlock()

	for id, m := range peers {
		for _, pkt := range m.SendPackets(now) {
			if err := tr.Send(pkt, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateAll runs Receive against world for every connected peer and
// advances connection-lifecycle bookkeeping, in parallel: peers are
// independent, so a slow or timed-out one never blocks the rest, per
// spec.md §5's allowance for per-connection parallelism.
func (s *Server) UpdateAll(ctx context.Context, now time.Time, currentTick netrep.Tick, world replication.WorldMutator) error {
	s.mu.RLock()
	peers := make(map[netrep.ClientID]*Manager, len(s.peers))
	for id, m := range s.peers {
		peers[id] = m
	}
	s.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for id, m := range peers {
		id, m := id, m
		g.Go(func() error {
			if err := m.Update(now); err != nil {
				s.Remove(id)
				return nil // timeout is an expected lifecycle event, not a failure
			}
			return m.Receive(currentTick, world)
		})
	}
	return g.Wait()
}

// SendMessageToTarget encodes msg once and buffers it reliably to every
// connected peer target includes, per netrep.NetworkTarget's rebroadcast
// semantics.
func (s *Server) SendMessageToTarget(tick netrep.Tick, target netrep.NetworkTarget, kind registry.MessageKind, msg proto.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload []byte
	for id, m := range s.peers {
		if !target.Includes(id) {
			continue
		}
		if payload == nil {
			var err error
			payload, err = m.codec.EncodeMessage(kind, msg)
			if err != nil {
				return err
			}
		}
		_, _ = m.channels.BufferSendBypassCap(ChannelMessage, tick, payload)
	}
	return nil
}

// Connected returns the ClientIDs currently attached to this Server.
func (s *Server) Connected() []netrep.ClientID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]netrep.ClientID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}
