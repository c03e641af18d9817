// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

package tftp

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerWheelArmFires(t *testing.T) {
	var wheel timerWheel
	var fired int32

	wheel.arm(10*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("timer callback did not run")
	}
}

func TestTimerHandleCancelSuppressesCallback(t *testing.T) {
	var wheel timerWheel
	var fired int32

	h := wheel.arm(10*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	h.cancel()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("cancelled timer callback still ran")
	}
}

func TestTimerHandleCancelNilIsNoop(t *testing.T) {
	var h *timerHandle
	h.cancel() // must not panic
}
