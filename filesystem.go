// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrNoSuchFile and ErrAccessDenied are the two filesystem-adapter error
// causes spec §6 names; read.go/write.go map them onto wire error codes.
var (
	ErrNoSuchFile   = errors.New("tftp: no such file")
	ErrAccessDenied = errors.New("tftp: access denied")
	ErrDiskFull     = errors.New("tftp: no space available")
)

// Filesystem is the C2 adapter the protocol engine is written against
// (spec §6): open a source file for reading, allocate a uniquely-named
// temporary file for writing, atomically commit it, and resolve the mail
// spool root. The default implementation is grounded on
// original_source/src/filesystem.cpp (count/tmpname/touch/tmpfile_from),
// translated from std::filesystem to Go's os/io.
type Filesystem interface {
	// OpenRead opens path for reading an existing file (read path,
	// spec §4.3). Returns ErrNoSuchFile or ErrAccessDenied on failure.
	OpenRead(path string) (io.ReadCloser, error)
	// OpenWriteTemp allocates a fresh temporary file beside target and
	// returns a handle to it along with its path, for the write path
	// to append incoming blocks to before a final rename (spec §4.4).
	// dir is the directory the temp file is created in; non-mail
	// writes use target's own directory, mail writes use the
	// resolved mail-spool directory for the user.
	OpenWriteTemp(dir string) (io.WriteCloser, string, error)
	// Commit fsyncs and renames tmpPath into target, completing a
	// write transfer (spec §4.4's Commit transition).
	Commit(tmpPath, target string) error
	// MailPrefix returns the root of the mail spool tree, resolved
	// from TFTP_MAIL_PREFIX (or the server's configured override),
	// defaulting to /var/spool/mail.
	MailPrefix() string
}

// fsAdapter is the default Filesystem, rooted at a single directory so
// that client-supplied filenames cannot escape it — the path-safety policy
// spec §9's open question leaves to the implementer (see DESIGN.md).
type fsAdapter struct {
	root       string
	mailPrefix string
	tmpCounter *uint32
}

// NewFilesystem returns the default Filesystem, serving files rooted at
// root and depositing mail-mode writes under mailPrefix (if empty,
// TFTP_MAIL_PREFIX or "/var/spool/mail" is used).
func NewFilesystem(root, mailPrefix string) Filesystem {
	if mailPrefix == "" {
		mailPrefix = os.Getenv("TFTP_MAIL_PREFIX")
	}
	if mailPrefix == "" {
		mailPrefix = "/var/spool/mail"
	}
	var counter uint32
	return &fsAdapter{root: root, mailPrefix: mailPrefix, tmpCounter: &counter}
}

// resolvePath joins root and the client-supplied name, rejecting absolute
// paths and any ".." segment so a transfer can never read or write outside
// root. This is the policy decision spec §9 calls out as unspecified by
// the source; operators wanting the source's permissive behavior can point
// root at "/".
func (a *fsAdapter) resolvePath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errors.Wrap(ErrAccessDenied, "absolute path rejected")
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Wrap(ErrAccessDenied, "path escapes root")
	}
	return filepath.Join(a.root, clean), nil
}

func (a *fsAdapter) OpenRead(name string) (io.ReadCloser, error) {
	path, err := a.resolvePath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(ErrNoSuchFile, path)
		}
		return nil, errors.Wrap(ErrAccessDenied, err.Error())
	}
	return f, nil
}

// tmpName returns the next temporary filename, disambiguated by a
// process-wide monotonic counter that wraps at 2^16, per spec §5.
func (a *fsAdapter) tmpName(dir string) string {
	n := atomic.AddUint32(a.tmpCounter, 1) % (1 << 16)
	return filepath.Join(dir, fmt.Sprintf("tftp.%05d", n))
}

func (a *fsAdapter) OpenWriteTemp(dir string) (io.WriteCloser, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, "", errors.Wrap(ErrAccessDenied, err.Error())
		}
		return nil, "", errors.Wrap(ErrNoSuchFile, err.Error())
	}

	path := a.tmpName(dir)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", errors.Wrap(ErrAccessDenied, err.Error())
	}
	return f, path, nil
}

// Commit fsyncs tmpPath and renames it onto target. If target lives on a
// different filesystem than tmpPath (so os.Rename fails with EXDEV, the
// way std::filesystem::rename does on POSIX), Commit falls back to a
// copy-then-remove.
func (a *fsAdapter) Commit(tmpPath, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(ErrAccessDenied, err.Error())
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return errors.Wrap(ErrAccessDenied, err.Error())
	}
	err = f.Sync()
	f.Close()
	if err != nil {
		return errors.Wrap(ErrDiskFull, err.Error())
	}

	if err := os.Rename(tmpPath, target); err == nil {
		return nil
	}

	if err := copyFile(tmpPath, target); err != nil {
		return errors.Wrap(ErrDiskFull, err.Error())
	}
	_ = os.Remove(tmpPath)
	return nil
}

func (a *fsAdapter) MailPrefix() string { return a.mailPrefix }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// mailTimestamp formats t the way spec §3 requires for mail-mode target
// paths: a stable %Y%m%d_%H%M%S layout.
func mailTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}
