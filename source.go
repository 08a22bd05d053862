// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"fmt"
)

// SourceID identifies one hardware alarm backend.
type SourceID uint8

const (
	LowPowerA      SourceID = iota // LPTIM1, lowest power
	LowPowerB                      // LPTIM2
	GeneralPurpose                 // TIM2, high resolution
	Calendar                       // RTC alarm
	SourcesNo                      // number of sources

	// Auto lets the scheduler select the source based on the period.
	Auto SourceID = 255

	noSource SourceID = 254
)

var sourceNames = [SourcesNo]string{
	LowPowerA:      "lowpower-a",
	LowPowerB:      "lowpower-b",
	GeneralPurpose: "general",
	Calendar:       "calendar",
}

func (id SourceID) String() string {
	switch {
	case id < SourcesNo:
		return sourceNames[id]
	case id == Auto:
		return "auto"
	case id == noSource:
		return "none"
	}
	return fmt.Sprintf("source(%d)", uint8(id))
}

// ParseSourceID converts a source name (see SourceID.String()) back to
// a SourceID.
func ParseSourceID(s string) (SourceID, error) {
	if s == "auto" {
		return Auto, nil
	}
	for i, n := range sourceNames {
		if n == s {
			return SourceID(i), nil
		}
	}
	return noSource, fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Event is the reason for a clock source notification.
type Event uint8

const (
	EvAlarm    Event = iota + 1 // the armed alarm fired
	EvOverflow                  // the free-running counter wrapped
)

func (e Event) String() string {
	switch e {
	case EvAlarm:
		return "alarm"
	case EvOverflow:
		return "overflow"
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// NotifyF is the notification entry point of the scheduler.
type NotifyF func(ev Event)

// ClockSource is a free-running hardware counter with a single alarm.
//
// Arm(ticks) arms the alarm to fire ticks counter increments from now,
// replacing any alarm already armed on the same source. Disarm() on a
// source with no armed alarm is a no-op.
// The source must call the function registered with SetNotify() both
// when the armed alarm fires and when the counter overflows (wraps to
// 0). The notification function must not be called with any source
// internal lock held.
type ClockSource interface {
	Freq() uint64 // ticks per second
	Width() Width // counter width
	Now() uint64  // current counter value
	Arm(ticks uint64) error
	Disarm() error
	SetNotify(f NotifyF)
}

// Spec describes the parameters of a clock source.
type Spec struct {
	Freq  uint64
	Width Width
}

// reference STM32WL frequencies
const (
	LPTIMFreq = 32000   // LSE clocked LPTIM
	TIMFreq   = 1000000 // TIM2 prescaled to 1 MHz
	RTCFreq   = 32768   // RTC sub-seconds
)

// DefaultSpecs contains the parameters of the reference board sources.
var DefaultSpecs = [SourcesNo]Spec{
	LowPowerA:      {Freq: LPTIMFreq, Width: 16},
	LowPowerB:      {Freq: LPTIMFreq, Width: 16},
	GeneralPurpose: {Freq: TIMFreq, Width: 32},
	Calendar:       {Freq: RTCFreq, Width: 32},
}

// MaxBaseFreq is the maximum frequency of the common base unit (the
// least common multiple of all the registered source frequencies).
// With 2^36 Hz a base value overflows only after more than 8 years.
const MaxBaseFreq = 1 << 36

// srcInfo holds the scheduler side state for a registered source.
type srcInfo struct {
	cs     ClockSource
	id     SourceID
	freq   uint64
	w      Width
	scale  uint64 // base units per native tick
	maxArm uint64 // maximum arm value, in ticks
}

func (si *srcInfo) present() bool {
	return si.cs != nil
}

// toBase converts native ticks to base units (exact).
func (si *srcInfo) toBase(ticks uint64) uint64 {
	return ticks * si.scale
}

// fromBase converts base units to native ticks, rounding up.
func (si *srcInfo) fromBase(b uint64) uint64 {
	return b/si.scale + boolToU64(b%si.scale != 0)
}

// elapsed returns the ticks passed since the counter had the value ctx.
func (si *srcInfo) elapsed(ctx uint64) uint64 {
	return si.w.Sub(si.cs.Now(), ctx)
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
