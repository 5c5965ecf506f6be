// Package transport declares the external collaborators the core is
// agnostic to: the non-blocking datagram transport and the session
// handshake that hands the core a connected, identified duplex channel.
// Concrete UDP/WebTransport/WebSocket sockets and the netcode-style
// authentication handshake are out of scope for this module (spec.md §1,
// §6) — only the interfaces live here.
package transport

import "netrep"

// Transport is a non-blocking, lossy, unordered datagram channel to one
// peer. MTU is assumed to be at least 1200 bytes. Recv returns ok=false
// ("would block") rather than blocking when nothing is pending, matching
// spec.md §5's "no suspension points inside the core" requirement.
type Transport interface {
	Send(b []byte) error
	Recv() (b []byte, ok bool, err error)
}

// ServerTransport is the server-side counterpart: one socket fanning out
// to many peers, each identified by a ClientID minted during the
// handshake.
type ServerTransport interface {
	Send(b []byte, peer netrep.ClientID) error
	Recv() (b []byte, peer netrep.ClientID, ok bool, err error)
}

// Session is the result of a successful handshake: it mints ClientIDs
// for newly connected peers and reports disconnections. Both polls are
// non-blocking; an empty result means nothing changed since the last
// call.
type Session interface {
	NewConnections() []netrep.ClientID
	NewDisconnections() []netrep.ClientID
}
