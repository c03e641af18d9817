// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"io"
	"net"
	"time"

	"github.com/armon/circbuf"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// op is the per-session state machine position, spec §3/§4.6.
type op uint8

const (
	opIdle op = iota
	opReading
	opWriting
	opDallying
)

func (o op) String() string {
	switch o {
	case opIdle:
		return "idle"
	case opReading:
		return "reading"
	case opWriting:
		return "writing"
	case opDallying:
		return "dallying"
	default:
		return "unknown"
	}
}

// traceSize bounds the diagnostic ring every session carries (SPEC_FULL.md
// DOMAIN STACK): enough datagram.String() lines to reconstruct the last
// few exchanges of a session post-mortem without retaining the whole
// transfer history.
const traceSize = 4096

// session is a single in-flight transfer (C4): one client talking to one
// ephemeral reply socket about one file. Its field list is grounded on
// original_source/include/tftp/protocol/tftp_session.hpp's session_state
// (target/tmp path, file handle, output buffer, statistics, timer,
// block_num, op, mode), carried over nearly unchanged since the original
// already modeled exactly the entity spec §3 describes.
type session struct {
	id uuid.UUID

	peerAddr net.Addr
	sock     Socket

	state op
	mode  Mode

	targetPath string
	tmpPath    string

	src io.ReadCloser
	dst io.WriteCloser

	blockNum uint16
	outBuf   datagram

	rtt   *retransmitController
	timer *timerHandle

	trace *circbuf.Buffer

	log zerolog.Logger
}

// newSession allocates a session bound to peerAddr's dedicated reply
// socket, per spec §4.2. now is the session's creation time, seeding the
// retransmission controller's initial RTT estimate.
func newSession(peerAddr net.Addr, sock Socket, now time.Time, log zerolog.Logger) *session {
	buf, _ := circbuf.NewBuffer(traceSize)
	id := uuid.New()
	return &session{
		id:       id,
		peerAddr: peerAddr,
		sock:     sock,
		state:    opIdle,
		rtt:      newRetransmitController(now),
		trace:    buf,
		log:      log.With().Str("session", id.String()).Str("peer", peerAddr.String()).Logger(),
	}
}

// note appends a one-line record to the session's diagnostic ring. It never
// fails: circbuf.Buffer silently drops the oldest bytes to make room, which
// is exactly the bounded-history behavior the ring exists for.
func (s *session) note(line string) {
	if s.trace == nil {
		return
	}
	_, _ = s.trace.Write([]byte(line + "\n"))
}

// arm cancels any previously armed timer and schedules fn to run after d,
// enforcing spec §3's invariant that a session holds at most one live
// timer.
func (s *session) arm(wheel *timerWheel, d time.Duration, fn func()) {
	s.timer.cancel()
	s.timer = wheel.arm(d, fn)
}

// disarm cancels the session's timer without arming a replacement, used on
// the terminal transitions (spec §4.7's Cleanup).
func (s *session) disarm() {
	s.timer.cancel()
	s.timer = nil
}

// closeFile closes the session's open file handle, if any, swallowing the
// error: by the time Cleanup runs, the transfer's outcome no longer depends
// on whether the close itself succeeded.
func (s *session) closeFile() {
	if s.src != nil {
		_ = s.src.Close()
		s.src = nil
	}
	if s.dst != nil {
		_ = s.dst.Close()
		s.dst = nil
	}
}

// nextBlock advances blockNum by one, wrapping per spec §4.1's 16-bit
// arithmetic (0xFFFF -> 0x0000, not terminating the transfer).
func nextBlock(b uint16) uint16 {
	return b + 1
}
