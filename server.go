// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// bufferSize is sized for the standard Ethernet MTU (1500 bytes) minus the
// IP, UDP and TFTP headers it can never need to hold more than
// MaxDatagramSize of anyway; kept slightly larger than MaxDatagramSize so a
// client that sends a too-big DATA block is still readable long enough for
// validate() to reject it cleanly instead of truncating it at recv time.
const bufferSize = 1468

// ErrServerClosed is returned by Serve/ListenAndServe after a call to
// Close.
var ErrServerClosed = errors.New("tftp: server closed")

// Server holds the configuration and live state of a running TFTP
// listener (C5/C6 orchestration). The zero value is not ready to use;
// construct one with NewServer. Its Serve/ListenAndServe/Close shape is
// adapted from the teacher's net/http-flavored Server stub, completed
// into a working event loop.
type Server struct {
	Addr       string // UDP address to listen on, ":tftp" if empty.
	Root       string // directory served for octet/netascii transfers.
	MailPrefix string // root of the mail spool tree, "" for the default.

	Transport Transport
	Logger    zerolog.Logger

	fs  Filesystem
	log zerolog.Logger

	inShutdown atomicBool

	mu    sync.Mutex
	sock  Socket
	table *sessionTable
	wheel *timerWheel

	doneChan chan struct{}
}

// NewServer constructs a Server ready for ListenAndServe, serving root and
// logging through log.
func NewServer(addr, root, mailPrefix string, log zerolog.Logger) *Server {
	return &Server{
		Addr:       addr,
		Root:       root,
		MailPrefix: mailPrefix,
		Transport:  NewUDPTransport(),
		Logger:     log,
	}
}

// ListenAndServe listens on srv.Addr (":tftp" if empty) and serves
// requests until the listener errors or Close is called.
func (srv *Server) ListenAndServe() error {
	if srv.shuttingDown() {
		return ErrServerClosed
	}

	addr := srv.Addr
	if addr == "" {
		addr = ":tftp"
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "resolving listen address")
	}

	if srv.Transport == nil {
		srv.Transport = NewUDPTransport()
	}
	network := "udp4"
	if laddr.IP != nil && laddr.IP.To4() == nil {
		network = "udp6"
	}
	sock, err := srv.Transport.Listen(network, laddr)
	if err != nil {
		return errors.Wrap(err, "opening listen socket")
	}

	return srv.Serve(sock)
}

// Serve runs the accept loop on an already-opened Socket: it reads each
// inbound datagram, spins up a new session for a well-formed RRQ/WRQ, and
// dispatches the rest of that session's lifetime to its own goroutine and
// dedicated socket (spec §4.2); see dispatch for everything else.
func (srv *Server) Serve(sock Socket) error {
	sock = &onceCloseSocket{Socket: sock}

	srv.mu.Lock()
	srv.sock = sock
	srv.fs = NewFilesystem(srv.Root, srv.MailPrefix)
	srv.log = srv.Logger
	srv.table = newSessionTable(srv.Transport, sock.LocalAddr().(*net.UDPAddr), srv.log)
	srv.wheel = &timerWheel{}
	srv.mu.Unlock()

	defer sock.Close()

	var tempDelay time.Duration
	buf := make([]byte, bufferSize)
	for {
		n, addr, err := sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		raw := make([]byte, n)
		copy(raw, buf[:n])
		srv.dispatch(raw, addr)
	}
}

// dispatch routes a freshly received datagram on the well-known listening
// socket. Per spec §4.2's invariant, that socket only ever receives initial
// RRQ/WRQ packets for new sessions: it never carries traffic for a session
// already under way, since every session gets its own dedicated ephemeral
// socket the moment it's created. So a well-formed RRQ/WRQ always starts a
// fresh session — even for a peer with sessions already running, spec §3
// allows a peer to run concurrent unrelated transfers — and any other
// well-formed datagram arriving here (an ACK, DATA, or ERROR) is necessarily
// from an unrelated correspondent using a stale or wrong TID and draws
// UNKNOWN_TID (spec §4.6). A datagram that fails validate() is dropped
// without a reply.
func (srv *Server) dispatch(raw []byte, addr net.Addr) {
	var dg datagram
	dg.setBytes(raw)

	if err := dg.validate(); err != nil {
		srv.log.Debug().Err(err).Str("peer", addr.String()).Msg("dropping malformed datagram from unknown peer")
		return
	}

	switch dg.opcode() {
	case opRRQ, opWRQ:
		srv.acceptRequest(&dg, addr)
	default:
		srv.replyUnknownTID(addr)
	}
}

// acceptRequest creates a session for a fresh RRQ/WRQ and starts its
// transfer on its own dedicated socket (spec §4.2), then spins up the
// goroutine that will read that socket for the rest of the session's
// life. A peer already running one or more transfers gets another,
// independent session here rather than being folded into an existing one.
func (srv *Server) acceptRequest(dg *datagram, addr net.Addr) {
	filename, modeStr, ok := dg.requestFields()
	if !ok {
		return
	}
	mode, ok := parseMode(modeStr)
	if !ok {
		return
	}

	s, err := srv.table.create(addr, time.Now())
	if err != nil {
		srv.log.Error().Err(err).Str("peer", addr.String()).Msg("failed to open session socket")
		return
	}

	go srv.runSession(s, dg.opcode(), filename, mode)
}

// runSession drives a session's entire lifetime on its own goroutine: it
// starts the transfer, then loops reading its dedicated socket until
// Cleanup closes it.
func (srv *Server) runSession(s *session, op opcode, filename string, mode Mode) {
	srv.mu.Lock()
	wheel := srv.wheel
	if op == opRRQ {
		srv.startRead(s, filename, mode, wheel)
	} else {
		srv.startWrite(s, filename, mode, wheel)
	}
	srv.mu.Unlock()

	buf := make([]byte, bufferSize)
	for {
		n, from, err := s.sock.ReadFrom(buf)
		if err != nil {
			srv.log.Debug().Err(wrap(ErrSessionClosed, err.Error())).Str("session", s.id.String()).Msg("session socket closed")
			return
		}
		if !sameHost(from, s.peerAddr) {
			srv.replyUnknownTIDOn(s.sock, from)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		var dg datagram
		dg.setBytes(raw)

		if err := dg.validate(); err != nil {
			// Protocol framing errors — a malformed request, a short or
			// oversized DATA payload, a truncated receive — terminate the
			// session with ILLEGAL_OPERATION rather than being silently
			// dropped (spec §7, §4.4's DATA validation).
			srv.mu.Lock()
			srv.log.Debug().Err(err).Str("session", s.id.String()).Msg("illegal datagram, terminating session")
			srv.sendError(s, ErrCodeIllegalOperation, errorMessages[ErrCodeIllegalOperation])
			srv.closeSession(s)
			srv.mu.Unlock()
			return
		}

		srv.handle(s, &dg)
	}
}

// handle applies an inbound datagram to s's current state, per spec
// §4.6's transition table.
func (srv *Server) handle(s *session, dg *datagram) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if dg.opcode() == opERROR {
		srv.log.Info().Str("session", s.id.String()).Str("msg", dg.errMsg()).Msg("peer aborted transfer")
		srv.closeSession(s)
		return
	}

	switch s.state {
	case opReading:
		srv.onReadRead(s, dg, srv.wheel)
	case opWriting:
		srv.onWriteRead(s, dg, srv.wheel)
	case opDallying:
		srv.onDallyRead(s, dg, srv.wheel)
	default:
		srv.log.Debug().Err(wrapf(ErrUnexpectedDatagram, "session %s in state %s", s.id, s.state)).Msg("dropping datagram")
	}
}

// sameHost reports whether two addresses name the same UDP endpoint, IP and
// port both: a session's TID is the peer's (address, port) pair, so a
// datagram from another port of the same host is a different TID.
func sameHost(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if !ok1 || !ok2 {
		return a.String() == b.String()
	}
	return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
}

// sendError writes an ERROR packet to s's peer over its dedicated socket.
// If msg is empty, the canonical message for code is used.
func (srv *Server) sendError(s *session, code ErrorCode, msg string) {
	if msg == "" {
		msg = errorMessages[code]
	}
	var dg datagram
	dg.writeError(code, msg)
	s.note(dg.String())
	srv.writeDatagram(s, dg.bytes())
}

// replyUnknownTID answers a stray datagram from an address with no live
// session, on the well-known listening socket.
func (srv *Server) replyUnknownTID(addr net.Addr) {
	srv.replyUnknownTIDOn(srv.sock, addr)
}

func (srv *Server) replyUnknownTIDOn(sock Socket, addr net.Addr) {
	var dg datagram
	dg.writeError(ErrCodeUnknownTID, errorMessages[ErrCodeUnknownTID])
	_, _ = sock.WriteTo(dg.bytes(), addr)
}

// writeDatagram sends buf to s's peer over its dedicated socket, logging
// any send failure without tearing the session down — a transient send
// error is recovered from by the retransmit timer, same as a dropped
// packet would be.
func (srv *Server) writeDatagram(s *session, buf []byte) {
	if _, err := s.sock.WriteTo(buf, s.peerAddr); err != nil {
		srv.log.Warn().Err(err).Str("session", s.id.String()).Msg("write failed")
	}
}

// closeSession runs Cleanup for s (spec §4.7): cancel its timer, close its
// files, remove the temp file of a write that was not committed, shut down
// its socket's read half so runSession's loop unblocks, and remove it from
// the table. Callers must already hold srv.mu — every
// path that reaches here does, either via handle's lock or the lock taken
// around a session's initial startRead/startWrite and around each timer
// callback.
func (srv *Server) closeSession(s *session) {
	s.disarm()
	s.closeFile()
	if s.state == opWriting && s.tmpPath != "" {
		_ = os.Remove(s.tmpPath)
	}
	_ = s.sock.CloseRead()
	srv.table.remove(s)
}

// Close terminates the server immediately: in-flight sessions have their
// sockets closed and are abandoned without a final ERROR packet.
func (srv *Server) Close() error {
	srv.inShutdown.setTrue()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.closeDoneChanLocked()
	if srv.sock != nil {
		return srv.sock.Close()
	}
	return nil
}

func (srv *Server) shuttingDown() bool {
	return srv.inShutdown.isSet()
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// atomicBool is an int32 accessed only through atomic operations, the
// same minimal flag type the teacher's server used for inShutdown.
type atomicBool int32

func (b *atomicBool) isSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }
func (b *atomicBool) setTrue()    { atomic.StoreInt32((*int32)(b), 1) }

