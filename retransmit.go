// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import "time"

const (
	// RTTMin and RTTMax are the canonical clamp constants from spec
	// §4.5, grounded on original_source's CLAMP_MIN_DEFAULT/
	// CLAMP_MAX_DEFAULT.
	RTTMin = 5 * time.Millisecond
	RTTMax = 500 * time.Millisecond

	// maxRetries is the retry cap shared by both the read and write
	// paths (spec §4.5/§8).
	maxRetries = 5
)

// retransmitController maintains the EWMA-smoothed RTT estimate for a
// single session and derives the interval its next retransmit timer
// should use, per spec §4.5. It does not itself arm or fire timers —
// read.go/write.go call sent/acked/fired at the four transitions the spec
// defines, mirroring original_source/src/tftp_server.cpp's
// clamped_exp_weighted_average and the teacher's c.timeout bookkeeping in
// conn.go's getAck/receiveResponse.
type retransmitController struct {
	rttAvg   time.Duration
	rttStart time.Time
	retries  int
}

// newRetransmitController returns a controller with the initial rttAvg and
// rttStart spec §4.5 specifies: rttAvg = RTTMax, rttStart = now - RTTMax/2,
// so the first measured sample approximates RTTMax/2.
func newRetransmitController(now time.Time) *retransmitController {
	return &retransmitController{
		rttAvg:   RTTMax,
		rttStart: now.Add(-RTTMax / 2),
	}
}

// sent records that a datagram awaiting a response was just sent.
func (c *retransmitController) sent(now time.Time) {
	c.rttStart = now
}

// acked records a successful round trip at now, updates the smoothed RTT,
// and resets the retry counter. It must only be called for a genuine new
// acknowledgement, never a duplicate or retransmit.
func (c *retransmitController) acked(now time.Time) {
	sample := now.Sub(c.rttStart)
	c.rttAvg = clamp(RTTMin, RTTMax, c.rttAvg*3/4+sample/4)
	c.retries = 0
}

// fired reports a timer fire before the expected response arrived. ok is
// true if a retransmission should be attempted (retries < maxRetries), in
// which case retries has already been incremented; ok is false once the
// retry cap is exhausted, at which point the caller should terminate the
// session with TIMED_OUT.
func (c *retransmitController) fired() (ok bool) {
	if c.retries >= maxRetries {
		return false
	}
	c.retries++
	return true
}

// readInterval returns the interval read-path DATA retransmit timers use:
// 2x the smoothed RTT, clamped.
func (c *retransmitController) readInterval() time.Duration {
	return clamp(RTTMin, RTTMax, 2*c.rttAvg)
}

// writeInterval returns the interval write-path ACK timeout timers use.
// The server is the acknowledger on the write path and does not itself
// drive progress, so it waits longer before suspecting loss: 5x the
// smoothed RTT, clamped.
func (c *retransmitController) writeInterval() time.Duration {
	return clamp(RTTMin, RTTMax, 5*c.rttAvg)
}

func clamp(min, max, d time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
