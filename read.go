// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"io"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/kcexn/tftpd/netascii"
)

// startRead opens srcPath and sends the first DATA block, moving the
// session Idle -> AwaitAck1 (spec §4.3). srv.fs is the filesystem adapter
// the server is configured with; wheel arms the retransmit timer.
func (srv *Server) startRead(s *session, srcPath string, mode Mode, wheel *timerWheel) {
	if mode == ModeMail {
		// Mail mode only makes sense for a WRQ deposit; reading mail back
		// out through TFTP was never supported (spec §4.3's RRQ
		// validation).
		srv.sendError(s, ErrCodeIllegalOperation, errorMessages[ErrCodeIllegalOperation])
		srv.closeSession(s)
		return
	}

	f, err := srv.fs.OpenRead(srcPath)
	if err != nil {
		srv.sendError(s, errToCode(err), err.Error())
		srv.closeSession(s)
		return
	}

	s.mode = mode
	s.targetPath = srcPath
	s.blockNum = 0
	s.state = opReading

	if mode == ModeNetascii {
		s.src = &netasciiReadAdapter{r: f}
	} else {
		s.src = f
	}

	srv.sendNextDataBlock(s, wheel)
}

// sendNextDataBlock reads up to MaxDataPayload bytes, advances blockNum,
// writes the DATA datagram, and arms the read-path retransmit timer. A
// short read (len(payload) < MaxDataPayload) is the last block, per spec
// §4.1's termination rule; onReadRead runs Cleanup once that last block is
// acknowledged, not here.
func (srv *Server) sendNextDataBlock(s *session, wheel *timerWheel) {
	buf := make([]byte, MaxDataPayload)
	n, err := io.ReadFull(s.src, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		srv.sendError(s, ErrCodeNotDefined, err.Error())
		srv.closeSession(s)
		return
	}

	s.blockNum = nextBlock(s.blockNum)
	s.outBuf.writeData(s.blockNum, buf[:n])
	s.note(s.outBuf.String())

	now := time.Now()
	s.rtt.sent(now)
	srv.writeDatagram(s, s.outBuf.bytes())

	s.arm(wheel, s.rtt.readInterval(), func() {
		srv.onReadTimeout(s, wheel)
	})
}

// onReadRead processes an inbound datagram for a session in the Reading
// state (spec §4.6's Reading row): only an ACK for the current block
// number advances the transfer; anything else is ignored or errors out.
func (srv *Server) onReadRead(s *session, dg *datagram, wheel *timerWheel) {
	if dg.opcode() == opRRQ {
		// A second RRQ on this same session socket while op != Idle is
		// almost certainly the peer's own retransmission arriving after
		// DATA#1 was already sent; silently ignored, not UNKNOWN_TID
		// (spec §4.3's duplicate-RRQ note).
		return
	}

	if dg.opcode() != opACK {
		// An opcode inconsistent with the session's current op is from an
		// unrelated correspondent sharing this peer's address; the session
		// itself is unaffected (spec §4.6).
		srv.replyUnknownTIDOn(s.sock, s.peerAddr)
		return
	}

	if dg.block() != s.blockNum {
		// Duplicate or stray ACK: spec §4.1's duplicate-ACK law says
		// ignore it silently, the timer alone governs retransmission.
		return
	}

	s.disarm()
	s.rtt.acked(time.Now())

	if len(s.outBuf.bytes()) < sizeofDataHdr+MaxDataPayload {
		// Short last block was acknowledged: transfer complete.
		srv.finishRead(s)
		return
	}

	srv.sendNextDataBlock(s, wheel)
}

// onReadTimeout runs when a DATA block goes unacknowledged for a full
// read-path interval. It either resends the last block or, once the retry
// budget is spent, sends TIMED_OUT and tears the session down (spec §4.5).
func (srv *Server) onReadTimeout(s *session, wheel *timerWheel) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if s.state != opReading {
		return
	}

	if !s.rtt.fired() {
		srv.log.Warn().Err(wrapf(ErrMaxRetries, "session %s", s.id)).Msg("read timed out")
		srv.sendError(s, 0, timedOutMessage)
		srv.closeSession(s)
		return
	}

	s.rtt.sent(time.Now())
	srv.writeDatagram(s, s.outBuf.bytes())
	s.arm(wheel, s.rtt.readInterval(), func() {
		srv.onReadTimeout(s, wheel)
	})
}

// finishRead marks a read transfer complete and runs Cleanup.
func (srv *Server) finishRead(s *session) {
	s.closeFile()
	srv.closeSession(s)
}

// netasciiReadAdapter streams file bytes through the NETASCII encoder on
// the way out, so sendNextDataBlock's plain-byte reads transparently
// become CRLF/CRNUL-expanded network bytes for ModeNetascii transfers
// (spec §4.3's note that NETASCII expansion can overflow a block boundary:
// encoded bytes that do not fit in one Read are kept in out and delivered
// first by the next Read).
type netasciiReadAdapter struct {
	r   io.ReadCloser
	enc netascii.Encoder
	out []byte // encoded bytes not yet delivered to the caller
}

func (a *netasciiReadAdapter) Read(p []byte) (int, error) {
	for len(a.out) == 0 {
		chunk := make([]byte, len(p))
		n, err := a.r.Read(chunk)
		if n > 0 {
			a.out = a.enc.Encode(a.out[:0], chunk[:n])
		}
		if err != nil {
			if len(a.out) > 0 {
				break
			}
			return 0, err
		}
		if n == 0 {
			continue
		}
	}
	n := copy(p, a.out)
	a.out = a.out[n:]
	return n, nil
}

func (a *netasciiReadAdapter) Close() error { return a.r.Close() }

// errToCode maps a filesystem adapter error to the ERROR opcode's wire
// code, per spec §6's table.
func errToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNoSuchFile):
		return ErrCodeFileNotFound
	case errors.Is(err, ErrAccessDenied):
		return ErrCodeAccessViolation
	case errors.Is(err, ErrDiskFull), errors.Is(err, syscall.ENOSPC), errors.Is(err, io.ErrShortWrite):
		return ErrCodeDiskFull
	default:
		return ErrCodeNotDefined
	}
}
