// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"math/bits"
	"time"
)

const (
	MinWidth Width = 8
	MaxWidth Width = 64
)

// Width is the width in bits of a free-running hardware counter.
// All the arithmetic on counter values goes through it: counter values
// have no 0 or reference value and wrap-around at 2^Width.
// The difference between 2 counter values is unambiguous only while it
// stays strictly less then MaxDiff().
type Width uint8

// Valid returns true if w is a supported counter width.
func (w Width) Valid() bool {
	return w >= MinWidth && w <= MaxWidth
}

// Mask returns the value mask for the counter width.
func (w Width) Mask() uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// MaxDiff returns the "sign" bit of a difference.
func (w Width) MaxDiff() uint64 {
	return uint64(1) << (w - 1)
}

// Val truncates v to the counter width.
func (w Width) Val(v uint64) uint64 {
	return v & w.Mask()
}

// Add returns a + b, wrapped.
func (w Width) Add(a, b uint64) uint64 {
	return (a + b) & w.Mask()
}

// Sub returns a - b, wrapped. For a "now" and an older snapshot this is
// the elapsed number of ticks, correct across one counter wrap-around.
func (w Width) Sub(a, b uint64) uint64 {
	return (a - b) & w.Mask()
}

// DurationToTicks converts d to ticks of a freq Hz counter, rounding up
// (a timer must never expire too early).
// It returns false if the result does not fit in 64 bits.
func DurationToTicks(d time.Duration, freq uint64) (uint64, bool) {
	if d <= 0 {
		return 0, d == 0
	}
	hi, lo := bits.Mul64(uint64(d), freq)
	if hi >= uint64(time.Second) {
		return 0, false
	}
	q, r := bits.Div64(hi, lo, uint64(time.Second))
	if r != 0 {
		if q == ^uint64(0) {
			return 0, false
		}
		q++
	}
	return q, true
}

// TicksToDuration converts a ticks number of a freq Hz counter to a
// time.Duration (round-down, saturated).
func TicksToDuration(ticks uint64, freq uint64) time.Duration {
	if freq == 0 {
		return 0
	}
	hi, lo := bits.Mul64(ticks, uint64(time.Second))
	if hi >= freq {
		return time.Duration(1<<63 - 1)
	}
	q, _ := bits.Div64(hi, lo, freq)
	if q > 1<<63-1 {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(q)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// lcm returns the least common multiple of a and b and false on
// overflow.
func lcm(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(a/gcd(a, b), b)
	if hi != 0 {
		return 0, false
	}
	return lo, true
}
