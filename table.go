// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sessionKey is a session's identity in the table: the compound (peer,
// local_socket_id) pair spec §3/§4.2 name. Keying on the peer alone would
// forbid a peer from ever running two unrelated transfers at once; keying
// on the pair lets each transfer claim its own ephemeral socket while still
// letting the table enumerate and remove sessions.
type sessionKey struct {
	peer  string
	local string
}

// sessionTable tracks every live session (C5). Grounded on
// other_examples/3XX0-tftpd (a sync.Map of live transfers keyed by remote
// address) and sdorminey-tftp's connections.go (ConnMap/garbage collection
// of finished connections), adapted to the one-socket-per-session
// architecture spec §4.2 requires instead of a single shared socket
// demultiplexed by TID.
type sessionTable struct {
	mu    sync.Mutex
	byKey map[sessionKey]*session

	transport Transport
	laddr     *net.UDPAddr
	log       zerolog.Logger
}

func newSessionTable(transport Transport, laddr *net.UDPAddr, log zerolog.Logger) *sessionTable {
	return &sessionTable{
		byKey:     make(map[sessionKey]*session),
		transport: transport,
		laddr:     laddr,
		log:       log,
	}
}

// peerKey normalizes addr to a canonical string so that an IPv4 peer seen
// through a dual-stack socket (as an IPv4-mapped IPv6 address) hashes the
// same as one seen through a pure IPv4 socket, per spec §4.2's note on
// address normalization.
func peerKey(addr net.Addr) string {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return addr.String()
	}
	ip := udpAddr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(udpAddr.Port))
}

// localKey identifies the specific ephemeral socket a session owns, the
// local_socket_id half of a session's compound key.
func localKey(addr net.Addr) string {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return addr.String()
	}
	return strconv.Itoa(udpAddr.Port)
}

func keyOf(s *session) sessionKey {
	return sessionKey{peer: peerKey(s.peerAddr), local: localKey(s.sock.LocalAddr())}
}

// lookup returns the session registered for the (peer, local) pair, if one
// exists. Used by tests; production code never needs to look a session back
// up by key, since acceptRequest hands each new session's own goroutine its
// socket directly.
func (t *sessionTable) lookup(peerAddr, localAddr net.Addr) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byKey[sessionKey{peer: peerKey(peerAddr), local: localKey(localAddr)}]
	return s, ok
}

// create allocates a fresh ephemeral reply socket bound to the same address
// family as t.laddr and registers a new session for peerAddr (spec §4.2: "a
// session owns a dedicated UDP socket for the lifetime of the transfer,
// distinct from the well-known listening socket"). Every call opens its own
// socket and registers its own entry, even for a peer with sessions already
// under way: spec §3 explicitly allows a peer to run concurrent unrelated
// transfers, disambiguated by local_socket_id, so create never collapses a
// second request from the same peer into an existing session.
func (t *sessionTable) create(peerAddr net.Addr, now time.Time) (*session, error) {
	network := "udp4"
	if t.laddr.IP.To4() == nil {
		network = "udp6"
	}
	sock, err := t.transport.Listen(network, &net.UDPAddr{IP: zeroMask(t.laddr.IP)})
	if err != nil {
		return nil, err
	}

	s := newSession(peerAddr, sock, now, t.log)

	t.mu.Lock()
	t.byKey[keyOf(s)] = s
	t.mu.Unlock()

	return s, nil
}

// zeroMask strips ip down to its unspecified form (0.0.0.0 or ::), so a
// session's ephemeral socket binds to "any address, OS-chosen port" rather
// than inheriting the listening socket's specific bind address.
func zeroMask(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4zero
	}
	return net.IPv6unspecified
}

// remove deletes s from the table, the last step of Cleanup (spec §4.7).
// Safe to call more than once for the same session.
func (t *sessionTable) remove(s *session) {
	t.mu.Lock()
	delete(t.byKey, keyOf(s))
	t.mu.Unlock()
}

// count reports the number of live sessions. Used by tests.
func (t *sessionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}
