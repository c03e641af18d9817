// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Socket is a single UDP endpoint: either the well-known listening socket
// or one of a session's dedicated ephemeral reply sockets. It is the
// minimal surface the protocol engine needs from the network, so tests can
// substitute an in-memory fake instead of opening real sockets (the
// pattern PXR05-ft_0/test/transfer_test.go uses to swap a mock server in
// for the real transport).
type Socket interface {
	LocalAddr() net.Addr
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	// Close tears the socket down entirely.
	Close() error
	// CloseRead shuts down only the read half, so an event loop blocked
	// in ReadFrom unblocks with an error while in-flight writes can
	// still complete. Cleanup (spec §4.7) calls this, not Close,
	// before unsubscribing the socket from the event loop.
	CloseRead() error
}

// Transport is the abstract asynchronous datagram transport the core is
// written against (spec §1): something that can open a fresh local socket
// bound to a given address family. The session table uses it to allocate
// each session's dedicated ephemeral reply socket (spec §4.2).
type Transport interface {
	// Listen opens a new socket on network ("udp", "udp4", or "udp6")
	// bound to laddr. An unspecified port in laddr (":0") requests an
	// OS-assigned ephemeral port.
	Listen(network string, laddr *net.UDPAddr) (Socket, error)
}

// udpTransport is the default Transport, backed by the real network.
type udpTransport struct{}

// NewUDPTransport returns the production Transport used by Server when no
// other Transport is configured.
func NewUDPTransport() Transport { return udpTransport{} }

func (udpTransport) Listen(network string, laddr *net.UDPAddr) (Socket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, errors.Wrap(err, "opening udp socket")
	}
	return udpSocket{conn}, nil
}

// udpSocket adapts *net.UDPConn to Socket.
type udpSocket struct {
	*net.UDPConn
}

func (s udpSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	return s.UDPConn.ReadFrom(p)
}

func (s udpSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	return s.UDPConn.WriteTo(p, addr)
}

func (s udpSocket) CloseRead() error {
	// UDP sockets have no half-close; forcing an expired read deadline
	// is the closest equivalent to shutdown(SHUT_RD), unblocking a
	// goroutine parked in ReadFrom without disturbing in-flight writes.
	return s.UDPConn.SetReadDeadline(time.Unix(0, 1))
}

// onceCloseSocket wraps a Socket, protecting it from multiple Close calls:
// both Serve's deferred Close and a server-wide Close can race to close the
// same listening socket during shutdown.
type onceCloseSocket struct {
	Socket
	once     sync.Once
	closeErr error
}

func (oc *onceCloseSocket) Close() error {
	oc.once.Do(func() { oc.closeErr = oc.Socket.Close() })
	return oc.closeErr
}
