// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"fmt"
	"time"
)

// Mode is the timer reload mode.
type Mode uint8

const (
	OneShot Mode = iota
	Periodic
)

func (m Mode) String() string {
	switch m {
	case OneShot:
		return "oneshot"
	case Periodic:
		return "periodic"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// A CallbackF is called when a timer expires.
// The parameters passed are a pointer to the scheduler owning the timer,
// the handle of the expired timer and the opaque parameter passed to
// Create().
// The callback is always called without any scheduler lock held, so
// any scheduler operation can be used from it, including Stop() on its
// own handle (which will prevent a periodic timer from firing again).
// A periodic timer is already re-armed when its callback runs.
// A timer stopped or destroyed after it expired, but before its callback
// was called (e.g. from the callback of another timer expiring at the
// same time), is not called anymore.
type CallbackF func(s *Scheduler, h Handle, arg interface{})

// flags for timers
const (
	fAlloc         = 1 // slot in use (created, not destroyed)
	fRunning       = 2 // timer is on the active list
	fPending       = 4 // timer is the list head with an armed alarm
	fReloadStopped = 8 // Stop() called, no periodic re-arm
)

const noIdx = ^uint32(0)

// Handle is an opaque reference to a timer owned by a Scheduler.
// The zero value is never valid.
type Handle struct {
	idx uint32
	gen uint32
}

// IsZero returns true for the zero (never valid) handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.idx, h.gen)
}

// node is the internal timer structure, stored in the scheduler arena.
// All fields except info are protected by the scheduler lock.
type node struct {
	next uint32
	prev uint32
	// time till expire in base units, relative to the last reconcile
	// snapshot
	remaining uint64
	// deadline overshoot when expired, credited to the next period
	late   uint64
	reload uint64 // reload value in native ticks of src
	intvl  time.Duration
	mode   Mode
	src    SourceID
	info   tInfo // flags + generation, atomic access
	// incremented by Stop() and Destroy(), cancels already expired but
	// not yet called callbacks
	seq uint32

	f   CallbackF
	arg interface{}
}

func (n *node) String() string {
	return fmt.Sprintf("{rem %d reload %d %s %s %s}", n.remaining, n.reload,
		n.mode, n.src, &n.info)
}
