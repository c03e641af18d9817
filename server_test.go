// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testServer(t *testing.T, root string) (*Server, *fakeTransport, *fakeSocket) {
	t.Helper()
	ft := &fakeTransport{}
	listen := newFakeSocket(&net.UDPAddr{IP: net.IPv4zero, Port: 69})

	srv := &Server{
		Root:      root,
		Transport: ft,
		Logger:    zerolog.Nop(),
	}
	go func() {
		_ = srv.Serve(listen)
	}()
	return srv, ft, listen
}

// waitForSocket polls until the transport has handed out n sockets,
// avoiding a race against the session goroutine that creates the
// session's dedicated ephemeral socket.
func waitForSocket(t *testing.T, ft *fakeTransport, n int) *fakeSocket {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		if len(ft.sockets) >= n {
			s := ft.sockets[n-1]
			ft.mu.Unlock()
			return s
		}
		ft.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for session socket #%d", n)
	return nil
}

func waitForSent(t *testing.T, sock *fakeSocket, n int) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sock.sentCount() >= n {
			return sock.lastSent()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent datagram(s)", n)
	return nil
}

func TestServerReadRequestSmallFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ft, listen := testServer(t, dir)
	client := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 4000}

	var req datagram
	req.writeRRQ("greeting.txt", ModeOctet)
	listen.deliver(req.bytes(), client)

	sessionSock := waitForSocket(t, ft, 1)
	data := waitForSent(t, sessionSock, 1)

	var got datagram
	got.setBytes(data)
	if got.opcode() != opDATA {
		t.Fatalf("opcode = %v, want DATA", got.opcode())
	}
	if got.block() != 1 {
		t.Fatalf("block = %d, want 1", got.block())
	}
	if string(got.data()) != "hi there" {
		t.Fatalf("payload = %q, want %q", got.data(), "hi there")
	}

	var ack datagram
	ack.writeAck(1)
	sessionSock.deliver(ack.bytes(), client)

	// The file is shorter than one block, so the ACK for block 1
	// completes the transfer; no further DATA should be sent.
	time.Sleep(20 * time.Millisecond)
	if sessionSock.sentCount() != 1 {
		t.Fatalf("sentCount() = %d, want 1 (no retransmit after final ACK)", sessionSock.sentCount())
	}
}

func TestServerWriteRequestCommitsFile(t *testing.T) {
	dir := t.TempDir()
	_, ft, listen := testServer(t, dir)
	client := &net.UDPAddr{IP: net.ParseIP("203.0.113.2"), Port: 4001}

	var req datagram
	req.writeWRQ("upload.txt", ModeOctet)
	listen.deliver(req.bytes(), client)

	sessionSock := waitForSocket(t, ft, 1)
	ack0 := waitForSent(t, sessionSock, 1)

	var got datagram
	got.setBytes(ack0)
	if got.opcode() != opACK || got.block() != 0 {
		t.Fatalf("first reply = %s, want ACK(0)", got.String())
	}

	var data datagram
	data.writeData(1, []byte("uploaded contents"))
	sessionSock.deliver(data.bytes(), client)

	ack1 := waitForSent(t, sessionSock, 2)
	var gotAck1 datagram
	gotAck1.setBytes(ack1)
	if gotAck1.opcode() != opACK || gotAck1.block() != 1 {
		t.Fatalf("second reply = %s, want ACK(1)", gotAck1.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	var contents []byte
	var err error
	for time.Now().Before(deadline) {
		contents, err = os.ReadFile(filepath.Join(dir, "upload.txt"))
		if err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if string(contents) != "uploaded contents" {
		t.Fatalf("committed contents = %q, want %q", contents, "uploaded contents")
	}
}

func TestServerReadRequestNoSuchFile(t *testing.T) {
	dir := t.TempDir()
	_, ft, listen := testServer(t, dir)
	client := &net.UDPAddr{IP: net.ParseIP("203.0.113.3"), Port: 4002}

	var req datagram
	req.writeRRQ("missing.txt", ModeOctet)
	listen.deliver(req.bytes(), client)

	sessionSock := waitForSocket(t, ft, 1)
	data := waitForSent(t, sessionSock, 1)

	var got datagram
	got.setBytes(data)
	if got.opcode() != opERROR {
		t.Fatalf("opcode = %v, want ERROR", got.opcode())
	}
	if got.errorCode() != ErrCodeFileNotFound {
		t.Fatalf("errorCode = %v, want FILE_NOT_FOUND", got.errorCode())
	}
}

func TestServerStrayAckDrawsUnknownTID(t *testing.T) {
	dir := t.TempDir()
	_, ft, listen := testServer(t, dir)
	client := &net.UDPAddr{IP: net.ParseIP("203.0.113.4"), Port: 4003}

	var ack datagram
	ack.writeAck(1)
	listen.deliver(ack.bytes(), client)

	data := waitForSent(t, listen, 1)
	var got datagram
	got.setBytes(data)
	if got.opcode() != opERROR {
		t.Fatalf("opcode = %v, want ERROR", got.opcode())
	}
	if got.errorCode() != ErrCodeUnknownTID {
		t.Fatalf("errorCode = %v, want UNKNOWN_TID", got.errorCode())
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(ft.sockets); n != 0 {
		t.Fatalf("session sockets opened = %d, want 0 (no session should be created)", n)
	}
}

func TestServerDuplicateAckWhileReadingIsNoop(t *testing.T) {
	dir := t.TempDir()
	// Two full blocks plus a short one, exercising multi-block RRQ.
	content := make([]byte, MaxDataPayload+MaxDataPayload+1)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	_, ft, listen := testServer(t, dir)
	client := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4004}

	var req datagram
	req.writeRRQ("big.bin", ModeOctet)
	listen.deliver(req.bytes(), client)

	sessionSock := waitForSocket(t, ft, 1)
	waitForSent(t, sessionSock, 1) // DATA#1

	// Re-send ACK#1's predecessor's worth of noise: ACK(0), which the
	// session never sent and is not the block it awaits, must not
	// perturb it. Then genuinely re-deliver ACK#1, which must also be a
	// no-op since block 1 already advanced past once acked below.
	var dupAck datagram
	dupAck.writeAck(0)
	sessionSock.deliver(dupAck.bytes(), client)

	time.Sleep(20 * time.Millisecond)
	if sessionSock.sentCount() != 1 {
		t.Fatalf("sentCount() after stray ACK(0) = %d, want 1 (no new send)", sessionSock.sentCount())
	}

	var ack1 datagram
	ack1.writeAck(1)
	sessionSock.deliver(ack1.bytes(), client)
	waitForSent(t, sessionSock, 2) // DATA#2

	// Re-deliver ACK#1 again: duplicate of the ACK just consumed, must
	// not trigger a second DATA#2.
	sessionSock.deliver(ack1.bytes(), client)
	time.Sleep(20 * time.Millisecond)
	if sessionSock.sentCount() != 2 {
		t.Fatalf("sentCount() after duplicate ACK#1 = %d, want 2 (no new send)", sessionSock.sentCount())
	}
}

func TestServerDuplicateDataWhileWritingIsReacked(t *testing.T) {
	dir := t.TempDir()
	_, ft, listen := testServer(t, dir)
	client := &net.UDPAddr{IP: net.ParseIP("203.0.113.6"), Port: 4005}

	var req datagram
	req.writeWRQ("upload2.txt", ModeOctet)
	listen.deliver(req.bytes(), client)

	sessionSock := waitForSocket(t, ft, 1)
	waitForSent(t, sessionSock, 1) // ACK#0

	var data1 datagram
	data1.writeData(1, []byte("first block"))
	sessionSock.deliver(data1.bytes(), client)
	waitForSent(t, sessionSock, 2) // ACK#1

	// Re-send DATA#1: must be re-acked, not written twice.
	sessionSock.deliver(data1.bytes(), client)
	ack1Again := waitForSent(t, sessionSock, 3)

	var got datagram
	got.setBytes(ack1Again)
	if got.opcode() != opACK || got.block() != 1 {
		t.Fatalf("re-ack = %s, want ACK(1)", got.String())
	}
}
