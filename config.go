// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import "github.com/pkg/errors"

// Config holds the settings cmd/tftpd parses from flags and hands to
// NewServer. It is a plain struct rather than a functional-options API:
// the teacher's own examples/server/server.go configures pack.ag/tftp the
// same way, with a handful of named fields set up front before
// ListenAndServe.
type Config struct {
	// Addr is the UDP address to listen on, e.g. ":69" or ":tftp".
	Addr string
	// Root is the directory served for octet/netascii transfers.
	Root string
	// MailPrefix is the root of the mail spool tree for mail-mode
	// writes. Empty selects TFTP_MAIL_PREFIX or "/var/spool/mail".
	MailPrefix string
	// LogLevel is a zerolog level name: "debug", "info", "warn",
	// "error", or "disabled".
	LogLevel string
}

// Validate checks the fields a flag-parsing caller cannot verify on its
// own: that Root was actually supplied.
func (c Config) Validate() error {
	if c.Root == "" {
		return errors.New("tftp: Root directory must be set")
	}
	return nil
}
