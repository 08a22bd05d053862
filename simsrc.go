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
)

// DefaultSimFreq is the default SimClock resolution. It is a multiple of
// all the DefaultSpecs frequencies.
const DefaultSimFreq = 512000000

// SimClock is a simulated time base shared by several SimSources.
// Time advances only through Advance(), AdvanceTo() or Step(), which
// deliver the alarm and overflow notifications of the attached sources
// in time order, synchronously, from the calling go routine.
type SimClock struct {
	mu   sync.Mutex
	hz   uint64
	now  uint64 // in 1/hz units
	srcs []*SimSource
}

// NewSimClock returns a new simulated clock with hz resolution
// (0 means DefaultSimFreq).
func NewSimClock(hz uint64) *SimClock {
	if hz == 0 {
		hz = DefaultSimFreq
	}
	return &SimClock{hz: hz}
}

// NewSource attaches a new simulated counter to the clock.
// freq must divide the clock resolution.
func (c *SimClock) NewSource(freq uint64, w Width) (*SimSource, error) {
	if freq == 0 || c.hz%freq != 0 || !w.Valid() {
		return nil, fmt.Errorf("%w: sim source freq %d width %d (clock %d)",
			ErrInvalidConfig, freq, w, c.hz)
	}
	s := &SimSource{clk: c, freq: freq, w: w, div: c.hz / freq}
	c.mu.Lock()
	c.srcs = append(c.srcs, s)
	c.mu.Unlock()
	return s, nil
}

// NewSimSources creates a SimSource for each spec with a non zero
// frequency, in a form directly usable as Config.Sources.
func NewSimSources(c *SimClock, specs [SourcesNo]Spec) ([SourcesNo]ClockSource,
	[SourcesNo]*SimSource, error) {
	var cs [SourcesNo]ClockSource
	var sim [SourcesNo]*SimSource
	for i, sp := range specs {
		if sp.Freq == 0 {
			continue
		}
		s, err := c.NewSource(sp.Freq, sp.Width)
		if err != nil {
			return cs, sim, err
		}
		cs[i] = s
		sim[i] = s
	}
	return cs, sim, nil
}

// Now returns the simulated time since the clock creation.
func (c *SimClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TicksToDuration(c.now, c.hz)
}

// Advance moves the simulated time forward with d, delivering all the
// notifications on the way. It returns the number of notifications.
func (c *SimClock) Advance(d time.Duration) int {
	t, ok := DurationToTicks(d, c.hz)
	if !ok {
		PANIC("bad sim clock advance %s\n", d)
	}
	c.mu.Lock()
	t += c.now
	c.mu.Unlock()
	return c.advanceTo(t)
}

// AdvanceTo moves the simulated time to t, delivering all the
// notifications on the way. Times in the past are ignored.
func (c *SimClock) AdvanceTo(t time.Duration) int {
	v, ok := DurationToTicks(t, c.hz)
	if !ok {
		return 0
	}
	return c.advanceTo(v)
}

// Step advances the time to the next pending notification (if it happens
// before limit) and delivers it. It returns false if there was no
// notification before limit.
func (c *SimClock) Step(limit time.Duration) bool {
	v, ok := DurationToTicks(limit, c.hz)
	if !ok {
		return false
	}
	return c.step(v)
}

func (c *SimClock) advanceTo(t uint64) int {
	n := 0
	for c.step(t) {
		n++
	}
	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	c.mu.Unlock()
	return n
}

// step delivers the earliest notification not later than limit.
func (c *SimClock) step(limit uint64) bool {
	c.mu.Lock()
	var next *SimSource
	var nextT uint64
	var nextEv Event
	for _, s := range c.srcs {
		if s.armed && s.alarmAt <= limit &&
			(next == nil || s.alarmAt < nextT) {
			next, nextT, nextEv = s, s.alarmAt, EvAlarm
		}
		if o, ok := s.nextOverflow(); ok && o <= limit &&
			(next == nil || o < nextT) {
			next, nextT, nextEv = s, o, EvOverflow
		}
	}
	if next == nil {
		c.mu.Unlock()
		return false
	}
	if nextT > c.now {
		c.now = nextT
	}
	if nextEv == EvAlarm {
		next.armed = false
		next.fired++
	} else {
		next.overflows++
	}
	f := next.notify
	c.mu.Unlock()
	if f != nil {
		f(nextEv)
	}
	return true
}

// SimSource is a simulated free-running counter with one alarm,
// implementing ClockSource.
type SimSource struct {
	clk  *SimClock
	freq uint64
	w    Width
	div  uint64 // clock units per tick
	off  uint64 // counter offset
	lat  uint64 // alarm notification latency, in ticks

	notify  NotifyF
	armed   bool
	alarmAt uint64 // clock time

	failArm    error
	failDisarm error

	arms      uint64
	disarms   uint64
	lastArm   uint64
	fired     uint64
	overflows uint64
}

func (s *SimSource) Freq() uint64 {
	return s.freq
}

func (s *SimSource) Width() Width {
	return s.w
}

// ticks returns the total ticks since the clock start, including the
// offset. Must be called with the clock lock held.
func (s *SimSource) ticks() uint64 {
	return s.clk.now/s.div + s.off
}

// nextOverflow returns the clock time of the next counter wrap.
func (s *SimSource) nextOverflow() (uint64, bool) {
	if s.w >= MaxWidth {
		return 0, false
	}
	nxt := (s.ticks()>>s.w + 1) << s.w
	// first clock unit in which the counter reaches nxt
	return (nxt - s.off) * s.div, true
}

func (s *SimSource) Now() uint64 {
	s.clk.mu.Lock()
	defer s.clk.mu.Unlock()
	return s.w.Add(s.clk.now/s.div, s.off)
}

// Arm arms the alarm to fire after ticks counter increments
// (or at the next increment for 0).
func (s *SimSource) Arm(ticks uint64) error {
	s.clk.mu.Lock()
	defer s.clk.mu.Unlock()
	if s.failArm != nil {
		return s.failArm
	}
	if ticks > s.w.Mask() {
		return fmt.Errorf("%w: arm %d ticks on %d bits counter",
			ErrInvalidParameter, ticks, s.w)
	}
	if ticks == 0 {
		ticks = 1
	}
	s.armed = true
	s.alarmAt = (s.clk.now/s.div + ticks + s.lat) * s.div
	s.arms++
	s.lastArm = ticks
	return nil
}

func (s *SimSource) Disarm() error {
	s.clk.mu.Lock()
	defer s.clk.mu.Unlock()
	if s.failDisarm != nil {
		return s.failDisarm
	}
	s.armed = false
	s.disarms++
	return nil
}

func (s *SimSource) SetNotify(f NotifyF) {
	s.clk.mu.Lock()
	s.notify = f
	s.clk.mu.Unlock()
}

// SetCounter changes the current counter value to v (e.g. for starting
// close to a wrap). It should be called before the scheduler Init().
func (s *SimSource) SetCounter(v uint64) {
	s.clk.mu.Lock()
	s.off = s.w.Sub(v, s.clk.now/s.div)
	s.clk.mu.Unlock()
}

// SetLatency delays the delivery of the following alarms with ticks
// (simulating interrupt latency).
func (s *SimSource) SetLatency(ticks uint64) {
	s.clk.mu.Lock()
	s.lat = ticks
	s.clk.mu.Unlock()
}

// FailArm makes all the following Arm() calls fail with err (nil
// restores normal operation).
func (s *SimSource) FailArm(err error) {
	s.clk.mu.Lock()
	s.failArm = err
	s.clk.mu.Unlock()
}

// FailDisarm makes all the following Disarm() calls fail with err (nil
// restores normal operation).
func (s *SimSource) FailDisarm(err error) {
	s.clk.mu.Lock()
	s.failDisarm = err
	s.clk.mu.Unlock()
}

// Fire delivers an alarm notification immediately, whether the alarm is
// armed or not.
func (s *SimSource) Fire() {
	s.clk.mu.Lock()
	s.armed = false
	f := s.notify
	s.clk.mu.Unlock()
	if f != nil {
		f(EvAlarm)
	}
}

// Overflow delivers an overflow notification immediately, without
// changing the counter.
func (s *SimSource) Overflow() {
	s.clk.mu.Lock()
	f := s.notify
	s.clk.mu.Unlock()
	if f != nil {
		f(EvOverflow)
	}
}

// Armed returns true and the ticks left until the alarm if the alarm is
// armed.
func (s *SimSource) Armed() (bool, uint64) {
	s.clk.mu.Lock()
	defer s.clk.mu.Unlock()
	if !s.armed {
		return false, 0
	}
	left := uint64(0)
	if s.alarmAt > s.clk.now {
		left = (s.alarmAt - s.clk.now + s.div - 1) / s.div
	}
	return true, left
}

// SimStats contains the SimSource counters.
type SimStats struct {
	Arms      uint64
	Disarms   uint64
	LastArm   uint64 // last Arm() value
	Fired     uint64 // delivered alarms
	Overflows uint64
}

func (s *SimSource) Stats() SimStats {
	s.clk.mu.Lock()
	defer s.clk.mu.Unlock()
	return SimStats{
		Arms:      s.arms,
		Disarms:   s.disarms,
		LastArm:   s.lastArm,
		Fired:     s.fired,
		Overflows: s.overflows,
	}
}
