// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"fmt"
	"sync"
	"time"

	"github.com/intuitivelabs/timestamp"
)

// HostSource is a ClockSource emulated on top of the host clock,
// for running the scheduler outside the target board.
// The counter is derived from the time passed since its creation and
// the alarm and overflow are implemented with time.AfterFunc().
type HostSource struct {
	mu   sync.Mutex
	freq uint64
	w    Width

	start   timestamp.TS // counter 0 time
	last    timestamp.TS // last time read
	badTime int          // times in a row the time went backwards

	notify   NotifyF
	alarm    *time.Timer
	alarmGen uint64 // incremented on each Arm() and Disarm()
	target   uint64 // alarm target, absolute ticks
	ovf      *time.Timer
	closed   bool
}

// NewHostSource returns a started host emulated source.
func NewHostSource(freq uint64, w Width) (*HostSource, error) {
	if freq == 0 || freq > uint64(time.Second) || !w.Valid() {
		return nil, fmt.Errorf("%w: host source freq %d width %d",
			ErrInvalidConfig, freq, w)
	}
	s := &HostSource{freq: freq, w: w}
	s.start = timestamp.Now()
	s.last = s.start
	s.mu.Lock()
	s.schedOverflow()
	s.mu.Unlock()
	return s, nil
}

// NewHostSources creates a HostSource for each spec with a non zero
// frequency.
func NewHostSources(specs [SourcesNo]Spec) ([SourcesNo]ClockSource,
	[SourcesNo]*HostSource, error) {
	var cs [SourcesNo]ClockSource
	var hs [SourcesNo]*HostSource
	for i, sp := range specs {
		if sp.Freq == 0 {
			continue
		}
		s, err := NewHostSource(sp.Freq, sp.Width)
		if err != nil {
			for _, h := range hs {
				if h != nil {
					h.Close()
				}
			}
			return cs, hs, err
		}
		cs[i] = s
		hs[i] = s
	}
	return cs, hs, nil
}

func (s *HostSource) Freq() uint64 {
	return s.freq
}

func (s *HostSource) Width() Width {
	return s.w
}

// total returns the ticks since start (not truncated to the counter
// width). Must be called with the lock held.
func (s *HostSource) total() uint64 {
	now := timestamp.Now()
	if now.Before(s.last) {
		// time going backwards!!
		s.badTime++
		if s.badTime > 10 {
			// re-anchor, keeping the counter at the last value
			if ERRon() {
				ERR("trying to recover after time going backward %d times"+
					" with %s\n", s.badTime, s.last.Sub(now))
			}
			s.start = s.start.Add(-s.last.Sub(now))
			s.last = now
			s.badTime = 0
		} else if DBGon() {
			DBG("host source: time going backward with %s (%d times)\n",
				s.last.Sub(now), s.badTime)
		}
		return s.ticksAt(s.last)
	}
	s.badTime = 0
	s.last = now
	return s.ticksAt(now)
}

// ticksAt returns the counter ticks (rounded down) at ts.
func (s *HostSource) ticksAt(ts timestamp.TS) uint64 {
	d := ts.Sub(s.start)
	t, _ := DurationToTicks(d, s.freq)
	if t > 0 && TicksToDuration(t, s.freq) > d {
		t--
	}
	return t
}

// until returns the time left until the counter reaches the absolute
// ticks value target.
func (s *HostSource) until(target uint64) time.Duration {
	d := TicksToDuration(target, s.freq) - s.last.Sub(s.start)
	if d < 0 {
		return 0
	}
	// TicksToDuration rounds down
	return d + time.Nanosecond
}

func (s *HostSource) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Val(s.total())
}

func (s *HostSource) Arm(ticks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: host source closed", ErrInvalidParameter)
	}
	if ticks > s.w.Mask() {
		return fmt.Errorf("%w: arm %d ticks on %d bits counter",
			ErrInvalidParameter, ticks, s.w)
	}
	if ticks == 0 {
		ticks = 1
	}
	if s.alarm != nil {
		s.alarm.Stop()
	}
	s.alarmGen++
	s.target = s.total() + ticks
	gen := s.alarmGen
	s.alarm = time.AfterFunc(s.until(s.target), func() { s.fire(gen) })
	return nil
}

// fire is called from the alarm timer go routine.
func (s *HostSource) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.alarmGen || s.closed {
		// re-armed or disarmed meanwhile
		s.mu.Unlock()
		return
	}
	if cur := s.total(); cur < s.target {
		// host timer slightly early
		s.alarm = time.AfterFunc(s.until(s.target), func() { s.fire(gen) })
		s.mu.Unlock()
		return
	}
	s.alarmGen++
	s.alarm = nil
	f := s.notify
	s.mu.Unlock()
	if f != nil {
		f(EvAlarm)
	}
}

func (s *HostSource) Disarm() error {
	s.mu.Lock()
	if s.alarm != nil {
		s.alarm.Stop()
		s.alarm = nil
	}
	s.alarmGen++
	s.mu.Unlock()
	return nil
}

func (s *HostSource) SetNotify(f NotifyF) {
	s.mu.Lock()
	s.notify = f
	s.mu.Unlock()
}

// schedOverflow starts the timer for the next counter wrap.
// Must be called with the lock held.
func (s *HostSource) schedOverflow() {
	if s.w >= MaxWidth || s.closed {
		return
	}
	nxt := (s.total()>>s.w + 1) << s.w
	s.ovf = time.AfterFunc(s.until(nxt), s.overflow)
}

func (s *HostSource) overflow() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.w.Val(s.total()) > s.w.MaxDiff() {
		// too early, still before the wrap
		s.schedOverflow()
		s.mu.Unlock()
		return
	}
	s.schedOverflow()
	f := s.notify
	s.mu.Unlock()
	if f != nil {
		f(EvOverflow)
	}
}

// Close stops the alarm and overflow timers. No notifications will be
// delivered after Close() returns, except for one already in progress.
func (s *HostSource) Close() {
	s.mu.Lock()
	s.closed = true
	if s.alarm != nil {
		s.alarm.Stop()
		s.alarm = nil
	}
	s.alarmGen++
	if s.ovf != nil {
		s.ovf.Stop()
		s.ovf = nil
	}
	s.mu.Unlock()
}
