// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"sync"
	"time"
)

// timerWheel registers, cancels, and fires one-shot callbacks (C3). It is
// the Go-idiomatic stand-in for the original's CppTime timer wheel, for
// which no Go equivalent exists anywhere in the retrieval pack (see
// DESIGN.md): it is built directly on stdlib time.AfterFunc.
//
// The wheel hands callers an opaque handle. Cancelling a handle whose
// timer already fired, or firing a timer after it has been cancelled, are
// both no-ops — the live flag on each handle, checked and cleared under the
// handle's mutex, makes "was this timer cancelled before it fired" a
// race-free check instead of relying on time.Timer.Stop's well-known race
// with an in-flight callback.
type timerWheel struct{}

// timerHandle is the handle returned by timerWheel.arm. session.timer
// holds at most one of these at a time, per spec §3's invariant that a
// session has exactly one armed timer while active.
type timerHandle struct {
	mu    sync.Mutex
	timer *time.Timer
	live  bool
}

// arm schedules fn to run after d elapses and returns a handle that can
// cancel it. fn runs on its own goroutine, as with time.AfterFunc.
func (w *timerWheel) arm(d time.Duration, fn func()) *timerHandle {
	h := &timerHandle{live: true}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		fired := h.live
		h.live = false
		h.mu.Unlock()
		if fired {
			fn()
		}
	})
	return h
}

// cancel stops h's timer. If the callback is already running or has
// already run, cancel is a harmless no-op — it can never un-fire a
// callback that has started, only prevent one that has not.
func (h *timerHandle) cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.live = false
	h.mu.Unlock()
	h.timer.Stop()
}
