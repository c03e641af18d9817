// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"path/filepath"
	"time"

	"github.com/kcexn/tftpd/netascii"
)

// startWrite allocates a temporary file and ACKs block 0, moving the
// session Idle -> AwaitData1 (spec §4.4). For ModeMail transfers,
// targetPath is constructed from the mail spool root and a timestamp
// rather than from the client-supplied filename directly, per spec §3's
// mail-mode note; mail mode is accepted but documented as deprecated (see
// DESIGN.md's Open Question decision).
func (srv *Server) startWrite(s *session, name string, mode Mode, wheel *timerWheel) {
	var (
		target string
		tmpDir string
	)

	if mode == ModeMail {
		target = filepath.Join(srv.fs.MailPrefix(), name, mailTimestamp(time.Now()))
		tmpDir = filepath.Dir(target)
	} else {
		target = name
		if r, ok := srv.fs.(interface{ resolvePath(string) (string, error) }); ok {
			resolved, err := r.resolvePath(name)
			if err != nil {
				srv.sendError(s, errToCode(err), err.Error())
				srv.closeSession(s)
				return
			}
			target = resolved
		}
		tmpDir = filepath.Dir(target)
		if tmpDir == "" {
			tmpDir = "."
		}
	}

	dst, tmpPath, err := srv.fs.OpenWriteTemp(tmpDir)
	if err != nil {
		srv.sendError(s, errToCode(err), err.Error())
		srv.closeSession(s)
		return
	}

	s.mode = mode
	s.targetPath = target
	s.tmpPath = tmpPath
	s.blockNum = 0
	s.state = opWriting

	if mode == ModeNetascii {
		s.dst = &netasciiWriteAdapter{dec: netascii.NewDecoder(dst), f: dst}
	} else {
		s.dst = dst
	}

	srv.sendAck(s, wheel)
}

// sendAck writes an ACK for s.blockNum and arms the write-path retransmit
// timer, used both for the initial ACK(0) and every subsequent ACK(n).
func (srv *Server) sendAck(s *session, wheel *timerWheel) {
	s.outBuf.writeAck(s.blockNum)
	s.note(s.outBuf.String())

	now := time.Now()
	s.rtt.sent(now)
	srv.writeDatagram(s, s.outBuf.bytes())

	s.arm(wheel, s.rtt.writeInterval(), func() {
		srv.onWriteTimeout(s, wheel)
	})
}

// onWriteRead processes an inbound datagram for a session in the Writing
// state (spec §4.6's Writing row): only a DATA packet carrying the next
// expected block number advances the transfer. A duplicate of the previous
// block is re-acknowledged without being written twice, per spec §4.4's
// duplicate-DATA law.
func (srv *Server) onWriteRead(s *session, dg *datagram, wheel *timerWheel) {
	if dg.opcode() != opDATA {
		// An opcode inconsistent with the session's current op is from an
		// unrelated correspondent sharing this peer's address; the session
		// itself is unaffected (spec §4.6).
		srv.replyUnknownTIDOn(s.sock, s.peerAddr)
		return
	}

	want := nextBlock(s.blockNum)
	got := dg.block()

	if got == s.blockNum {
		// Re-send of the block we already wrote: re-ACK, don't re-write.
		s.disarm()
		srv.sendAck(s, wheel)
		return
	}

	if got != want {
		// Out-of-order DATA: neither a fresh block nor a duplicate of the
		// last one. Ignored; the sender's own timer will recover.
		return
	}

	payload := dg.data()
	n, err := s.dst.Write(payload)
	if err == nil && n < len(payload) {
		err = ErrDiskFull
	}
	if err != nil {
		srv.sendError(s, errToCode(err), err.Error())
		srv.abortWrite(s)
		return
	}

	s.disarm()
	s.rtt.acked(time.Now())
	s.blockNum = want

	if len(payload) < MaxDataPayload {
		srv.finishWrite(s, wheel)
		return
	}

	srv.sendAck(s, wheel)
}

// onWriteTimeout runs when an ACK goes unacknowledged (by the arrival of
// the next DATA block) for a full write-path interval.
func (srv *Server) onWriteTimeout(s *session, wheel *timerWheel) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if s.state != opWriting {
		return
	}

	if !s.rtt.fired() {
		srv.log.Warn().Err(wrapf(ErrMaxRetries, "session %s", s.id)).Msg("write timed out")
		srv.sendError(s, 0, timedOutMessage)
		srv.abortWrite(s)
		return
	}

	s.rtt.sent(time.Now())
	srv.writeDatagram(s, s.outBuf.bytes())
	s.arm(wheel, s.rtt.writeInterval(), func() {
		srv.onWriteTimeout(s, wheel)
	})
}

// finishWrite flushes any trailing NETASCII state, sends the final ACK,
// commits the temp file into place (spec §4.4's Commit transition), and
// moves the session into Dallying: it lingers on its socket rather than
// running Cleanup immediately, so a final DATA the peer retransmits because
// it never saw this ACK still has somewhere to land (spec §4.4's
// Commit -> Dallying transition).
func (srv *Server) finishWrite(s *session, wheel *timerWheel) {
	if flusher, ok := s.dst.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			srv.sendError(s, errToCode(err), err.Error())
			srv.abortWrite(s)
			return
		}
	}

	s.disarm()
	s.outBuf.writeAck(s.blockNum)
	s.note(s.outBuf.String())
	srv.writeDatagram(s, s.outBuf.bytes())

	s.closeFile()
	if err := srv.fs.Commit(s.tmpPath, s.targetPath); err != nil {
		srv.log.Error().Err(err).Str("session", s.id.String()).Msg("commit failed")
	}

	s.state = opDallying
	srv.armDally(s, wheel)
}

// armDally (re-)arms the timer that bounds how long a Dallying session
// waits for a retransmitted final DATA block before running Cleanup.
func (srv *Server) armDally(s *session, wheel *timerWheel) {
	s.arm(wheel, s.rtt.writeInterval(), func() {
		srv.onDallyTimeout(s)
	})
}

// onDallyRead processes a datagram for a session in Dallying: a retransmit
// of the last DATA block (the peer never saw the final ACK) is re-
// acknowledged without touching the now-closed destination file, and the
// dally timer is re-armed. A DATA packet carrying any other block number is
// stale noise and is ignored; an opcode other than DATA is an unrelated
// correspondent and draws UNKNOWN_TID, same as the Writing state (spec
// §4.4, §4.6).
func (srv *Server) onDallyRead(s *session, dg *datagram, wheel *timerWheel) {
	if dg.opcode() != opDATA {
		srv.replyUnknownTIDOn(s.sock, s.peerAddr)
		return
	}

	if dg.block() != s.blockNum {
		return
	}

	s.disarm()
	s.outBuf.writeAck(s.blockNum)
	s.note(s.outBuf.String())
	srv.writeDatagram(s, s.outBuf.bytes())
	srv.armDally(s, wheel)
}

// onDallyTimeout runs Cleanup once a Dallying session's timer elapses with
// no retransmitted final DATA arriving — the Dallying -> Done transition.
func (srv *Server) onDallyTimeout(s *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if s.state != opDallying {
		return
	}
	srv.closeSession(s)
}

// abortWrite tears a write transfer down without committing the temp file;
// closeSession removes the uncommitted temp file.
func (srv *Server) abortWrite(s *session) {
	s.closeFile()
	srv.closeSession(s)
}

// netasciiWriteAdapter streams inbound DATA payload bytes through the
// NETASCII decoder before they reach the destination file, undoing the
// CRLF/CRNUL expansion the sender applied (spec §4.4).
type netasciiWriteAdapter struct {
	dec *netascii.Decoder
	f   interface {
		Close() error
	}
}

func (a *netasciiWriteAdapter) Write(p []byte) (int, error) {
	return a.dec.Write(p)
}

func (a *netasciiWriteAdapter) Flush() error {
	return a.dec.Flush()
}

func (a *netasciiWriteAdapter) Close() error {
	return a.f.Close()
}
