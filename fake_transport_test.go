// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"net"
	"sync"
)

// fakeSocket is an in-memory Socket for tests that need to observe what
// the protocol engine writes without opening a real UDP port, the same
// role PXR05-ft_0/test/transfer_test.go's MockRelayServer plays for HTTP.
type fakeSocket struct {
	mu      sync.Mutex
	laddr   net.Addr
	sent    [][]byte
	sentTo  []net.Addr
	inbox   chan fakePacket
	closed  bool
	readErr error
}

type fakePacket struct {
	data []byte
	from net.Addr
}

func newFakeSocket(laddr net.Addr) *fakeSocket {
	return &fakeSocket{laddr: laddr, inbox: make(chan fakePacket, 64)}
}

func (s *fakeSocket) LocalAddr() net.Addr { return s.laddr }

func (s *fakeSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	pkt, ok := <-s.inbox
	if !ok {
		return 0, nil, s.readErrOrClosed()
	}
	n := copy(p, pkt.data)
	return n, pkt.from, nil
}

func (s *fakeSocket) readErrOrClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return errSocketClosed
}

func (s *fakeSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	s.sent = append(s.sent, cp)
	s.sentTo = append(s.sentTo, addr)
	return len(p), nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
	return nil
}

func (s *fakeSocket) CloseRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = errSocketClosed
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
	return nil
}

func (s *fakeSocket) deliver(data []byte, from net.Addr) {
	s.inbox <- fakePacket{data: data, from: from}
}

func (s *fakeSocket) lastSent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *fakeSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

var errSocketClosed = &net.OpError{Op: "read", Net: "fake", Err: errClosedSentinel{}}

type errClosedSentinel struct{}

func (errClosedSentinel) Error() string { return "fake socket closed" }

// fakeTransport hands out fakeSockets instead of opening real UDP ports.
type fakeTransport struct {
	mu      sync.Mutex
	nextPort int
	sockets []*fakeSocket
}

func (ft *fakeTransport) Listen(network string, laddr *net.UDPAddr) (Socket, error) {
	ft.mu.Lock()
	ft.nextPort++
	port := ft.nextPort
	ft.mu.Unlock()

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	sock := newFakeSocket(addr)

	ft.mu.Lock()
	ft.sockets = append(ft.sockets, sock)
	ft.mu.Unlock()

	return sock, nil
}
