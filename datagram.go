// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// errMalformed is the sentinel cause wrapped by every datagram validation
// failure; callers map it to ErrCodeIllegalOperation.
var errMalformed = errors.New("malformed tftp datagram")

// datagram is a mutable scratch buffer used both to parse an inbound
// packet and to build an outbound one. It holds at most one packet at a
// time; sessions keep their own datagram for the currently in-flight
// outbound packet (spec §3's out_buffer) so it can be resent verbatim.
type datagram struct {
	buf []byte
}

// reset discards any previous contents and ensures buf has capacity for a
// datagram of size n.
func (d *datagram) reset(n int) {
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
		return
	}
	d.buf = d.buf[:n]
}

// bytes returns the datagram's current contents.
func (d *datagram) bytes() []byte {
	return d.buf
}

// setBytes loads raw, freshly-received bytes into the datagram for parsing.
// The slice is retained, not copied; callers must not mutate it afterward.
func (d *datagram) setBytes(raw []byte) {
	d.buf = raw
}

func (d *datagram) opcode() opcode {
	if len(d.buf) < sizeofOpcode {
		return 0
	}
	return opcode(binary.BigEndian.Uint16(d.buf))
}

func (d *datagram) block() uint16 {
	return binary.BigEndian.Uint16(d.buf[sizeofOpcode:sizeofDataHdr])
}

func (d *datagram) data() []byte {
	return d.buf[sizeofDataHdr:]
}

func (d *datagram) errorCode() ErrorCode {
	return ErrorCode(binary.BigEndian.Uint16(d.buf[sizeofOpcode:sizeofErrHdr]))
}

func (d *datagram) errMsg() string {
	end := len(d.buf) - 1
	if end < sizeofErrHdr {
		return ""
	}
	return string(d.buf[sizeofErrHdr:end])
}

// requestFields splits a parsed RRQ/WRQ body into its filename and mode
// string. ok is false if either field is missing its NUL terminator or is
// empty.
func (d *datagram) requestFields() (filename, mode string, ok bool) {
	body := d.buf[sizeofOpcode:]

	nul := bytes.IndexByte(body, 0)
	if nul <= 0 {
		return "", "", false
	}
	filename = string(body[:nul])
	rest := body[nul+1:]

	nul2 := bytes.IndexByte(rest, 0)
	if nul2 <= 0 {
		return "", "", false
	}
	mode = string(rest[:nul2])

	// A well-formed request has exactly these two NUL-terminated
	// fields; anything trailing the second terminator is corruption
	// rather than, say, options (options are out of scope per spec).
	if nul2 != len(rest)-1 {
		return "", "", false
	}

	return filename, mode, true
}

// --- constructors -----------------------------------------------------

func (d *datagram) writeRRQ(filename string, mode Mode) {
	d.writeRequest(opRRQ, filename, mode)
}

func (d *datagram) writeWRQ(filename string, mode Mode) {
	d.writeRequest(opWRQ, filename, mode)
}

func (d *datagram) writeRequest(op opcode, filename string, mode Mode) {
	modeStr := mode.String()
	d.reset(sizeofOpcode + len(filename) + 1 + len(modeStr) + 1)
	binary.BigEndian.PutUint16(d.buf, uint16(op))
	n := sizeofOpcode
	n += copy(d.buf[n:], filename)
	d.buf[n] = 0
	n++
	n += copy(d.buf[n:], modeStr)
	d.buf[n] = 0
}

func (d *datagram) writeData(block uint16, payload []byte) {
	d.reset(sizeofDataHdr + len(payload))
	binary.BigEndian.PutUint16(d.buf, uint16(opDATA))
	binary.BigEndian.PutUint16(d.buf[sizeofOpcode:], block)
	copy(d.buf[sizeofDataHdr:], payload)
}

func (d *datagram) writeAck(block uint16) {
	d.reset(sizeofDataHdr)
	binary.BigEndian.PutUint16(d.buf, uint16(opACK))
	binary.BigEndian.PutUint16(d.buf[sizeofOpcode:], block)
}

func (d *datagram) writeError(code ErrorCode, msg string) {
	d.reset(sizeofErrHdr + len(msg) + 1)
	binary.BigEndian.PutUint16(d.buf, uint16(opERROR))
	binary.BigEndian.PutUint16(d.buf[sizeofOpcode:], uint16(code))
	n := sizeofErrHdr
	n += copy(d.buf[n:], msg)
	d.buf[n] = 0
}

// String renders the datagram for log lines; it never panics on a
// malformed buffer.
func (d *datagram) String() string {
	if err := d.validate(); err != nil {
		return fmt.Sprintf("INVALID[%v]", err)
	}
	switch o := d.opcode(); o {
	case opRRQ, opWRQ:
		filename, mode, _ := d.requestFields()
		return fmt.Sprintf("%s[filename=%q mode=%s]", o, filename, mode)
	case opDATA:
		return fmt.Sprintf("%s[block=%d len=%d]", o, d.block(), len(d.data()))
	case opACK:
		return fmt.Sprintf("%s[block=%d]", o, d.block())
	case opERROR:
		return fmt.Sprintf("%s[code=%s msg=%q]", o, d.errorCode(), d.errMsg())
	default:
		return o.String()
	}
}

// validate performs the structural checks spec §4.1/§7 call
// "protocol-framing errors": short headers, missing terminators, and
// invalid mode strings. It does not validate block-number sequencing,
// which is the protocol engine's job, not the codec's.
func (d *datagram) validate() error {
	if len(d.buf) < sizeofOpcode {
		return errors.Wrap(errMalformed, "no opcode")
	}

	switch o := d.opcode(); o {
	case opRRQ, opWRQ:
		filename, mode, ok := d.requestFields()
		if !ok {
			return errors.Wrap(errMalformed, "truncated request fields")
		}
		if len(filename) == 0 {
			return errors.Wrap(errMalformed, "empty filename")
		}
		if _, ok := parseMode(mode); !ok {
			return errors.Wrapf(errMalformed, "invalid mode %q", mode)
		}
	case opDATA:
		if len(d.buf) < sizeofDataHdr {
			return errors.Wrap(errMalformed, "short data header")
		}
		if len(d.buf) > MaxDatagramSize {
			return errors.Wrap(errMalformed, "oversized data packet")
		}
	case opACK:
		if len(d.buf) != sizeofDataHdr {
			return errors.Wrap(errMalformed, "malformed ack")
		}
	case opERROR:
		if len(d.buf) < sizeofErrHdr+1 {
			return errors.Wrap(errMalformed, "short error header")
		}
		if d.buf[len(d.buf)-1] != 0 {
			return errors.Wrap(errMalformed, "error message not NUL-terminated")
		}
	default:
		return errors.Wrapf(errMalformed, "unknown opcode %d", uint16(o))
	}
	return nil
}
