package main

import (
	"net"
	"sync"

	"netrep"
)

// udpClientTransport is a minimal net.UDPConn-backed transport.Transport,
// adapted from the teacher's source/server/server.go listen loop: one
// socket, one remote peer, non-blocking Recv via a background reader
// goroutine feeding a buffered channel.
type udpClientTransport struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	inbox  chan []byte
	errs   chan error
}

func newUDPClientTransport(remoteAddr string) (*udpClientTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	t := &udpClientTransport{conn: conn, remote: raddr, inbox: make(chan []byte, 256), errs: make(chan error, 1)}
	go t.readLoop()
	return t, nil
}

func (t *udpClientTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			t.errs <- err
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		t.inbox <- cp
	}
}

func (t *udpClientTransport) Send(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *udpClientTransport) Recv() ([]byte, bool, error) {
	select {
	case b := <-t.inbox:
		return b, true, nil
	case err := <-t.errs:
		return nil, false, err
	default:
		return nil, false, nil
	}
}

func (t *udpClientTransport) Close() error { return t.conn.Close() }

// udpServerTransport is the server-side counterpart: one socket fanning
// out to many peers. Peer identity is assigned by handshakeSession below
// on first sight of a UDP address; it is not a real authenticated
// handshake, just enough to demonstrate the transport.ServerTransport
// boundary.
type udpServerTransport struct {
	conn *net.UDPConn

	mu        sync.Mutex
	addrByID  map[netrep.ClientID]*net.UDPAddr
	idByAddr  map[string]netrep.ClientID
	session   *handshakeSession

	inbox chan udpDatagram
	errs  chan error
}

type udpDatagram struct {
	data []byte
	peer netrep.ClientID
}

func newUDPServerTransport(listenAddr string, session *handshakeSession) (*udpServerTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	t := &udpServerTransport{
		conn:     conn,
		addrByID: make(map[netrep.ClientID]*net.UDPAddr),
		idByAddr: make(map[string]netrep.ClientID),
		session:  session,
		inbox:    make(chan udpDatagram, 1024),
		errs:     make(chan error, 1),
	}
	go t.readLoop()
	return t, nil
}

func (t *udpServerTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.errs <- err
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])

		t.mu.Lock()
		id, known := t.idByAddr[addr.String()]
		if !known {
			id = t.session.admit(addr)
			t.idByAddr[addr.String()] = id
			t.addrByID[id] = addr
		}
		t.mu.Unlock()

		t.inbox <- udpDatagram{data: cp, peer: id}
	}
}

func (t *udpServerTransport) Send(b []byte, peer netrep.ClientID) error {
	t.mu.Lock()
	addr, ok := t.addrByID[peer]
	t.mu.Unlock()
	if !ok {
		return netrep.NewError(netrep.ErrUnknownChannel, "send to unknown peer")
	}
	_, err := t.conn.WriteToUDP(b, addr)
	return err
}

func (t *udpServerTransport) Recv() ([]byte, netrep.ClientID, bool, error) {
	select {
	case d := <-t.inbox:
		return d.data, d.peer, true, nil
	case err := <-t.errs:
		return nil, 0, false, err
	default:
		return nil, 0, false, nil
	}
}

func (t *udpServerTransport) Close() error { return t.conn.Close() }

// handshakeSession mints a ClientID for every newly seen UDP address,
// matching transport.Session's NewConnections/NewDisconnections surface.
// There is no liveness tracking here beyond the connection manager's own
// timeout (conn.Manager.Update); a real handshake would verify identity
// before minting an id.
type handshakeSession struct {
	mu      sync.Mutex
	pending []netrep.ClientID
	mint    func() netrep.ClientID
}

func newHandshakeSession(mint func() netrep.ClientID) *handshakeSession {
	return &handshakeSession{mint: mint}
}

func (s *handshakeSession) admit(addr *net.UDPAddr) netrep.ClientID {
	id := s.mint()
	s.mu.Lock()
	s.pending = append(s.pending, id)
	s.mu.Unlock()
	return id
}

func (s *handshakeSession) NewConnections() []netrep.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *handshakeSession) NewDisconnections() []netrep.ClientID {
	return nil // timeout-driven disconnects are handled by conn.Server.UpdateAll directly
}
