// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestFilesystemOpenReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	fs := NewFilesystem(dir, "")

	_, err := fs.OpenRead("does-not-exist.txt")
	if !pkgerrors.Is(err, ErrNoSuchFile) {
		t.Fatalf("OpenRead() error = %v, want ErrNoSuchFile", err)
	}
}

func TestFilesystemOpenReadRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	fs := NewFilesystem(dir, "")

	_, err := fs.OpenRead("../../etc/passwd")
	if !pkgerrors.Is(err, ErrAccessDenied) {
		t.Fatalf("OpenRead() error = %v, want ErrAccessDenied", err)
	}

	_, err = fs.OpenRead("/etc/passwd")
	if !pkgerrors.Is(err, ErrAccessDenied) {
		t.Fatalf("OpenRead() error = %v, want ErrAccessDenied for absolute path", err)
	}
}

func TestFilesystemWriteTempThenCommit(t *testing.T) {
	dir := t.TempDir()
	fs := NewFilesystem(dir, "")

	w, tmpPath, err := fs.OpenWriteTemp(dir)
	if err != nil {
		t.Fatalf("OpenWriteTemp() error = %v", err)
	}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	target := filepath.Join(dir, "final.txt")
	if err := fs.Commit(tmpPath, target); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Fatal("temp file still exists after Commit()")
	}

	f, err := fs.OpenRead("final.txt")
	if err != nil {
		t.Fatalf("OpenRead(final.txt) error = %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("committed contents = %q, want %q", got, "hello world")
	}
}

func TestFilesystemTmpNamesAreUnique(t *testing.T) {
	dir := t.TempDir()
	fs := NewFilesystem(dir, "")

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		w, path, err := fs.OpenWriteTemp(dir)
		if err != nil {
			t.Fatalf("OpenWriteTemp() error = %v", err)
		}
		w.Close()
		if seen[path] {
			t.Fatalf("duplicate temp path %q", path)
		}
		seen[path] = true
	}
}
