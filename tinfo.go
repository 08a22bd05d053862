// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"fmt"
	"sync/atomic"
)

// tInfo encodes the current flags of a timer slot and the slot
// generation (incremented each time the slot is released, used to
// detect stale handles).
// It is accessed atomically so that it can be read without holding the
// scheduler lock.
//
// Internal encoding format:
//   31    24            0
//   | flgs |    gen     |
//
type tInfo struct {
	atomicV uint32
}

const (
	flgsMask = 255
	genMask  = 1<<24 - 1
	flgsBpos = 24
)

func (t *tInfo) setFlags(mask uint8) {
	f := uint32(mask) << flgsBpos
	for {
		crt := atomic.LoadUint32(&t.atomicV)
		if atomic.CompareAndSwapUint32(&t.atomicV, crt, crt|f) {
			break
		}
	}
}

func (t *tInfo) resetFlags(mask uint8) {
	f := uint32(mask) << flgsBpos
	for {
		crt := atomic.LoadUint32(&t.atomicV)
		if atomic.CompareAndSwapUint32(&t.atomicV, crt, crt & ^f) {
			break
		}
	}
}

// chgFlags resets the flags in resetMask and sets the bits in setMask
func (t *tInfo) chgFlags(setMask, resetMask uint8) {
	setM := uint32(setMask) << flgsBpos
	resetM := uint32(resetMask) << flgsBpos
	for {
		crt := atomic.LoadUint32(&t.atomicV)
		if atomic.CompareAndSwapUint32(&t.atomicV, crt, (crt & ^resetM)|setM) {
			break
		}
	}
}

// nextGen clears all the flags and advances the generation, skipping 0
// (0 is never a valid handle generation).
// Returns the new generation.
func (t *tInfo) nextGen() uint32 {
	for {
		crt := atomic.LoadUint32(&t.atomicV)
		g := (crt + 1) & genMask
		if g == 0 {
			g = 1
		}
		if atomic.CompareAndSwapUint32(&t.atomicV, crt, g) {
			return g
		}
	}
}

func (t *tInfo) flags() uint8 {
	f, _ := t.getAll()
	return f
}

func (t *tInfo) gen() uint32 {
	_, g := t.getAll()
	return g
}

// returns atomically flags and generation.
func (t *tInfo) getAll() (uint8, uint32) {
	crt := atomic.LoadUint32(&t.atomicV)
	return uint8(crt >> flgsBpos), crt & genMask
}

// convert to string, usefull for debugging
func (t *tInfo) String() string {
	f, g := t.getAll()
	return fmt.Sprintf("%02x:%d", f, g)
}
