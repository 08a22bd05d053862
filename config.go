// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"fmt"
)

const (
	// DefaultGuardDelay is the minimum number of ticks used when arming
	// an alarm.
	DefaultGuardDelay = 3
	DefaultMaxTimers  = 256
	MaxTimersLimit    = 1 << 20
)

// Config holds the scheduler configuration, see Init().
type Config struct {
	// Sources contains the registered clock sources, indexed by
	// SourceID. nil entries are not available.
	Sources [SourcesNo]ClockSource
	// GuardDelay is the minimum arm value in native ticks, used to avoid
	// arming so close that the notification latency would miss the
	// alarm. 0 means DefaultGuardDelay.
	GuardDelay uint64
	// MaxTimers is the number of timer slots, allocated once at Init.
	// 0 means DefaultMaxTimers.
	MaxTimers int
	// Selector is used for timers created with the Auto source.
	// The zero value means DefaultSelector.
	Selector Selector
	// DispatchQueue, if > 0, makes the expired timers callbacks run
	// from a separate dispatcher go routine (see Run()), using a queue
	// of DispatchQueue elements. If 0 the callbacks are run directly
	// from the clock source notification.
	DispatchQueue int
}

// withDefaults returns a copy of cfg with the defaults filled in.
func (cfg Config) withDefaults() Config {
	if cfg.GuardDelay == 0 {
		cfg.GuardDelay = DefaultGuardDelay
	}
	if cfg.MaxTimers == 0 {
		cfg.MaxTimers = DefaultMaxTimers
	}
	if cfg.Selector.IsZero() {
		cfg.Selector = DefaultSelector
	}
	return cfg
}

// validate checks a config with defaults filled in and returns the
// base unit frequency.
func (cfg *Config) validate() (uint64, error) {
	if cfg.MaxTimers < 0 || cfg.MaxTimers > MaxTimersLimit {
		return 0, fmt.Errorf("%w: MaxTimers %d out of range [0, %d]",
			ErrInvalidConfig, cfg.MaxTimers, MaxTimersLimit)
	}
	if cfg.DispatchQueue < 0 {
		return 0, fmt.Errorf("%w: negative DispatchQueue %d",
			ErrInvalidConfig, cfg.DispatchQueue)
	}
	if !cfg.Selector.valid() {
		return 0, fmt.Errorf("%w: bad selector %+v",
			ErrInvalidConfig, cfg.Selector)
	}
	base := uint64(1)
	n := 0
	for id, cs := range cfg.Sources {
		if cs == nil {
			continue
		}
		f, w := cs.Freq(), cs.Width()
		if f == 0 || !w.Valid() {
			return 0, fmt.Errorf("%w: source %s: freq %d width %d",
				ErrInvalidConfig, SourceID(id), f, w)
		}
		if cfg.GuardDelay >= w.MaxDiff()-1 {
			return 0, fmt.Errorf("%w: guard delay %d too high for %s",
				ErrInvalidConfig, cfg.GuardDelay, SourceID(id))
		}
		var ok bool
		if base, ok = lcm(base, f); !ok || base > MaxBaseFreq {
			return 0, fmt.Errorf("%w: source frequencies have no common"+
				" base <= %d Hz", ErrInvalidConfig, uint64(MaxBaseFreq))
		}
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no clock sources", ErrInvalidConfig)
	}
	return base, nil
}
