// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import "github.com/pkg/errors"

// ErrMaxRetries is the cause of a session teardown triggered by the
// retransmission controller exhausting its retry budget (spec §4.5).
var ErrMaxRetries = errors.New("tftp: maximum retries exceeded")

// ErrUnexpectedDatagram is the cause used when a datagram arrives whose
// opcode is inconsistent with the session's current op (spec §4.6).
var ErrUnexpectedDatagram = errors.New("tftp: unexpected datagram for session state")

// ErrSessionClosed is the cause logged when a session's read loop ends
// because Cleanup shut its socket down.
var ErrSessionClosed = errors.New("tftp: session closed")

// wrap annotates err with msg using pkg/errors, in place of the teacher's
// hand-rolled wrapError helper. Returns nil if err is nil, so call sites
// can wrap unconditionally.
func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
