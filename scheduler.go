// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package hwtimer multiplexes any number of software timers on a small
// set of hardware alarm clock sources with different tick rates,
// counter widths and power costs.
//
// The active timers are kept in a single list sorted by expire time and
// only the clock source backing the list head has an armed alarm at any
// moment. Expire times are kept in a common base unit (the least common
// multiple of all the registered source frequencies), so timers using
// different sources can be compared exactly. Each clock source notifies
// the scheduler when its alarm fires and when its counter overflows; the
// elapsed time is then subtracted from all the timers, the expired ones
// are run and the next alarm is armed.
package hwtimer

import (
	"fmt"
	"sync"
	"time"
)

const NAME = "hwtimer"

// Stats contains scheduler counters.
type Stats struct {
	Notifications uint64 // clock source notifications
	Fired         uint64 // expired timers
	Arms          uint64
	Disarms       uint64
	Switches      uint64 // armed source changes
	HWFaults      uint64
	Dropped       uint64 // callbacks not run because of Shutdown()
	Canceled      uint64 // expired timers stopped before their callback
}

// dueEv is an expired timer waiting for its callback to run.
type dueEv struct {
	h   Handle
	seq uint32
	f   CallbackF
	arg interface{}
}

// Scheduler multiplexes software timers on clock sources.
type Scheduler struct {
	opLock sync.Mutex // operations lock

	srcs  [SourcesNo]srcInfo // read-only after Init, except ctx
	base  uint64             // base unit frequency
	guard uint64
	sel   Selector

	nodes []node   // timers arena, never re-allocated
	free  []uint32 // free arena slots
	lst   timerLst // active timers

	// time reference: all the expire times are relative to the active
	// source counter value ctx. It changes only when the list is empty.
	active  SourceID
	ctx     uint64
	armed   SourceID // source that might have an armed alarm
	pending uint32   // timer with the armed alarm

	dispatchQ chan dueEv
	space     chan struct{} // signaled when the dispatcher frees a slot
	cancel    chan struct{}
	closed    bool
	running   bool
	wg        sync.WaitGroup

	stats Stats
}

// New returns a new initialised scheduler, see Init().
func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{}
	if err := s.Init(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Init initializes the scheduler using cfg.
// It registers the scheduler as the notification handler of all the
// configured clock sources and allocates all the timer slots.
// Must be called only once, before any other operation.
func (s *Scheduler) Init(cfg Config) error {
	cfg = cfg.withDefaults()
	base, err := cfg.validate()
	if err != nil {
		return err
	}
	s.base = base
	s.guard = cfg.GuardDelay
	s.sel = cfg.Selector

	s.nodes = make([]node, cfg.MaxTimers)
	s.free = make([]uint32, 0, cfg.MaxTimers)
	for i := len(s.nodes) - 1; i >= 0; i-- {
		s.nodes[i].next = noIdx
		s.nodes[i].prev = noIdx
		s.free = append(s.free, uint32(i))
	}
	s.lst.init(s.nodes)
	s.active = noSource
	s.armed = noSource
	s.pending = noIdx
	s.cancel = make(chan struct{})
	if cfg.DispatchQueue > 0 {
		s.dispatchQ = make(chan dueEv, cfg.DispatchQueue)
		s.space = make(chan struct{}, 1)
	}

	for i, cs := range cfg.Sources {
		if cs == nil {
			continue
		}
		id := SourceID(i)
		si := &s.srcs[id]
		si.cs = cs
		si.id = id
		si.freq = cs.Freq()
		si.w = cs.Width()
		si.scale = base / si.freq
		// keep deltas unambiguous: never wait for more then half
		// the counter range
		si.maxArm = si.w.MaxDiff() - 1
	}
	for i := range s.srcs {
		if s.srcs[i].present() {
			id := SourceID(i)
			s.srcs[i].cs.SetNotify(func(ev Event) {
				s.reconcile(id, ev)
			})
		}
	}
	if DBGon() {
		DBG("init: base freq %d Hz, guard %d ticks, %d timer slots\n",
			s.base, s.guard, len(s.nodes))
	}
	return nil
}

func (s *Scheduler) lock() {
	s.opLock.Lock()
}

func (s *Scheduler) unlock() {
	s.opLock.Unlock()
}

// BaseFreq returns the frequency of the common base unit used
// internally for ordering timers.
func (s *Scheduler) BaseFreq() uint64 {
	return s.base
}

// Present returns true if the source id was configured.
func (s *Scheduler) Present(id SourceID) bool {
	return id < SourcesNo && s.srcs[id].present()
}

// Value returns the current counter value of the source id.
func (s *Scheduler) Value(id SourceID) (uint64, error) {
	if !s.Present(id) {
		return 0, ErrUnknownSource
	}
	return s.srcs[id].cs.Now(), nil
}

// LowPowerSource returns the configured source with the lowest
// power consumption.
func (s *Scheduler) LowPowerSource() SourceID {
	for _, id := range [...]SourceID{LowPowerA, LowPowerB, Calendar,
		GeneralPurpose} {
		if s.Present(id) {
			return id
		}
	}
	return noSource
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.lock()
	st := s.stats
	s.unlock()
	return st
}

// getNode validates a handle and returns the corresponding node.
// Must be called with the lock held.
func (s *Scheduler) getNode(h Handle) (uint32, *node, error) {
	if h.gen == 0 || h.idx >= uint32(len(s.nodes)) {
		return noIdx, nil, ErrInvalidTimer
	}
	n := &s.nodes[h.idx]
	f, g := n.info.getAll()
	if g != h.gen || f&fAlloc == 0 {
		if DBGon() {
			DBG("stale or invalid handle %s (slot %s)\n", h, &n.info)
		}
		return noIdx, nil, ErrInvalidTimer
	}
	return h.idx, n, nil
}

// resolve returns the source to use for a timer with period d.
func (s *Scheduler) resolve(id SourceID, d time.Duration) (SourceID, error) {
	if id == Auto {
		id = s.sel.Select(d)
	}
	if !s.Present(id) {
		return noSource, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return id, nil
}

// convert returns the period d in native ticks of the source id.
func (s *Scheduler) convert(d time.Duration, id SourceID) (uint64, error) {
	if d < 0 {
		return 0, ErrInvalidPeriod
	}
	si := &s.srcs[id]
	ticks, ok := DurationToTicks(d, si.freq)
	// leave room for adding elapsed time in base units
	if !ok || ticks > (1<<62)/si.scale {
		return 0, fmt.Errorf("%w: %s on %s", ErrPeriodTooLong, d, id)
	}
	return ticks, nil
}

// Create returns a handle for a new, not started timer.
// The period is converted to ticks of the clock source src, rounding up.
// If src is Auto, the source is chosen by the configured Selector.
// The callback f will be called with arg each time the timer expires.
func (s *Scheduler) Create(period time.Duration, mode Mode, src SourceID,
	f CallbackF, arg interface{}) (Handle, error) {
	if f == nil {
		ERR("called with 0 callback\n")
		return Handle{}, ErrNoCallback
	}
	if mode != OneShot && mode != Periodic {
		return Handle{}, fmt.Errorf("%w: mode %s", ErrInvalidParameter, mode)
	}
	if period < 0 {
		return Handle{}, ErrInvalidPeriod
	}
	src, err := s.resolve(src, period)
	if err != nil {
		return Handle{}, err
	}
	reload, err := s.convert(period, src)
	if err != nil {
		return Handle{}, err
	}

	s.lock()
	if len(s.free) == 0 {
		s.unlock()
		if WARNon() {
			WARN("timer slots exhausted (%d)\n", len(s.nodes))
		}
		return Handle{}, ErrTooManyTimers
	}
	i := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	n := &s.nodes[i]
	n.next = noIdx
	n.prev = noIdx
	n.remaining = 0
	n.late = 0
	n.reload = reload
	n.intvl = period
	n.mode = mode
	n.src = src
	n.f = f
	n.arg = arg
	gen := n.info.nextGen()
	n.info.setFlags(fAlloc)
	s.unlock()
	return Handle{idx: i, gen: gen}, nil
}

// Destroy stops the timer (if running) and releases the handle.
// Any later use of the handle will fail with ErrInvalidTimer.
func (s *Scheduler) Destroy(h Handle) error {
	s.lock()
	i, n, err := s.getNode(h)
	if err != nil {
		s.unlock()
		return err
	}
	if n.info.flags()&fRunning != 0 {
		err = s.stopUnsafe(i)
	}
	n.seq++
	n.f = nil
	n.arg = nil
	n.info.nextGen()
	s.free = append(s.free, i)
	s.unlock()
	return err
}

// Start starts the timer. It fails with ErrActiveTimer if the timer is
// already running.
// The expire time is the timer period but at least the guard delay.
// A hardware fault when arming is returned, but the timer remains
// started (it will be re-armed on the next clock source notification).
func (s *Scheduler) Start(h Handle) error {
	s.lock()
	i, n, err := s.getNode(h)
	if err != nil {
		s.unlock()
		return err
	}
	if n.info.flags()&fRunning != 0 {
		s.unlock()
		if DBGon() {
			DBG("Start called on running timer %s: %s\n", h, n)
		}
		return ErrActiveTimer
	}
	if s.closed {
		s.unlock()
		return ErrShutdown
	}
	err = s.startUnsafe(i, false)
	s.unlock()
	return err
}

// startUnsafe adds a timer to the active list, assuming the lock is held.
// If rearm is true, the timer is a periodic timer that just expired
// during the current reconcile: its next expire is computed from the
// previous expire and not from the current time.
func (s *Scheduler) startUnsafe(i uint32, rearm bool) error {
	n := &s.nodes[i]
	si := &s.srcs[n.src]
	ticks := n.reload
	if ticks < s.guard {
		ticks = s.guard
	}
	intvl := si.toBase(ticks)

	n.info.chgFlags(fRunning, fPending|fReloadStopped)
	switch {
	case rearm:
		minIntvl := si.toBase(s.guard)
		if intvl > n.late && intvl-n.late >= minIntvl {
			n.remaining = intvl - n.late
		} else {
			// missed whole periods, coalesce them
			n.remaining = minIntvl
		}
	case s.lst.isEmpty():
		// new time reference
		s.active = n.src
		s.snapshot()
		n.remaining = intvl
	default:
		// express the expire relative to the last snapshot
		n.remaining = intvl + s.elapsed()
	}
	n.late = 0
	if s.lst.insert(i) {
		return s.setTimeout(i)
	}
	return nil
}

// Stop stops a timer. It returns success if the timer is not running.
// Stop can be called from the timer callback and prevents periodic
// timers from firing again.
func (s *Scheduler) Stop(h Handle) error {
	s.lock()
	i, n, err := s.getNode(h)
	if err != nil {
		s.unlock()
		return err
	}
	n.info.setFlags(fReloadStopped)
	n.seq++
	if n.info.flags()&fRunning != 0 {
		err = s.stopUnsafe(i)
	}
	s.unlock()
	return err
}

// stopUnsafe removes a running timer from the active list.
// Must be called with the lock held.
func (s *Scheduler) stopUnsafe(i uint32) error {
	wasHead := s.lst.first() == i
	s.lst.rm(i)
	s.nodes[i].info.resetFlags(fRunning | fPending)
	if s.pending == i {
		s.pending = noIdx
	}
	if !wasHead {
		return nil
	}
	if s.lst.isEmpty() {
		return s.disarmAll()
	}
	return s.setTimeout(s.lst.first())
}

// SetPeriod changes the timer period. A running timer is restarted
// with the new period.
func (s *Scheduler) SetPeriod(h Handle, period time.Duration) error {
	s.lock()
	defer s.unlock()
	i, n, err := s.getNode(h)
	if err != nil {
		return err
	}
	reload, err := s.convert(period, n.src)
	if err != nil {
		return err
	}
	n.reload = reload
	n.intvl = period
	if n.info.flags()&fRunning == 0 {
		return nil
	}
	return s.restartUnsafe(i)
}

// SetSource moves the timer to another clock source (Auto selects
// it again using the timer period). A running timer is restarted.
func (s *Scheduler) SetSource(h Handle, src SourceID) error {
	s.lock()
	defer s.unlock()
	i, n, err := s.getNode(h)
	if err != nil {
		return err
	}
	src, err = s.resolve(src, n.intvl)
	if err != nil {
		return err
	}
	reload, err := s.convert(n.intvl, src)
	if err != nil {
		return err
	}
	if n.info.flags()&fRunning == 0 {
		n.src = src
		n.reload = reload
		return nil
	}
	errStop := s.stopUnsafe(i)
	n.src = src
	n.reload = reload
	if err = s.startUnsafe(i, false); err != nil {
		return err
	}
	return errStop
}

func (s *Scheduler) restartUnsafe(i uint32) error {
	errStop := s.stopUnsafe(i)
	if err := s.startUnsafe(i, false); err != nil {
		return err
	}
	return errStop
}

// GetRemainingTime returns the number of ticks (of the timer clock
// source) until the timer expires, or 0 if it is already due.
// It fails with ErrInactiveTimer if the timer is not running.
func (s *Scheduler) GetRemainingTime(h Handle) (uint64, error) {
	s.lock()
	defer s.unlock()
	_, n, err := s.getNode(h)
	if err != nil {
		return 0, err
	}
	if n.info.flags()&fRunning == 0 {
		return 0, ErrInactiveTimer
	}
	el := s.elapsed()
	if n.remaining <= el {
		return 0, nil
	}
	return s.srcs[n.src].fromBase(n.remaining - el), nil
}

// RemainingDuration is like GetRemainingTime(), but returns
// a time.Duration.
func (s *Scheduler) RemainingDuration(h Handle) (time.Duration, error) {
	ticks, err := s.GetRemainingTime(h)
	if err != nil {
		return 0, err
	}
	s.lock()
	_, n, err := s.getNode(h)
	if err != nil {
		s.unlock()
		return 0, err
	}
	freq := s.srcs[n.src].freq
	s.unlock()
	return TicksToDuration(ticks, freq), nil
}

// Source returns the clock source backing the timer.
func (s *Scheduler) Source(h Handle) (SourceID, error) {
	s.lock()
	defer s.unlock()
	_, n, err := s.getNode(h)
	if err != nil {
		return noSource, err
	}
	return n.src, nil
}

// IsRunning returns true if the timer is started and did not expire
// yet (a periodic timer is always running until stopped).
// It does not lock and returns false for invalid handles.
func (s *Scheduler) IsRunning(h Handle) bool {
	if h.gen == 0 || h.idx >= uint32(len(s.nodes)) {
		return false
	}
	f, g := s.nodes[h.idx].info.getAll()
	return g == h.gen && f&(fAlloc|fRunning) == fAlloc|fRunning
}

// elapsed returns the time passed since the last snapshot, in base units.
// Must be called only with a non-empty list.
func (s *Scheduler) elapsed() uint64 {
	a := &s.srcs[s.active]
	return a.toBase(a.elapsed(s.ctx))
}

// snapshot takes a new time reference on the active source.
func (s *Scheduler) snapshot() {
	a := &s.srcs[s.active]
	s.ctx = a.w.Val(a.cs.Now())
}

// setTimeout arms the alarm for the list head i, disarming first the
// previously armed source if different.
// Must be called with the lock held.
func (s *Scheduler) setTimeout(i uint32) error {
	n := &s.nodes[i]
	si := &s.srcs[n.src]
	if s.pending != noIdx && s.pending != i {
		s.nodes[s.pending].info.resetFlags(fPending)
	}
	s.pending = noIdx

	el := s.elapsed()
	var ticks uint64
	if n.remaining > el {
		ticks = si.fromBase(n.remaining - el)
	}
	if ticks < s.guard {
		// too close or already due
		ticks = s.guard
	}
	maxArm := si.maxArm
	if n.src != s.active {
		// the reference counter must not wrap without a reconcile
		a := &s.srcs[s.active]
		if m := a.toBase(a.maxArm) / si.scale; m < maxArm {
			maxArm = m + boolToU64(m == 0)
		}
	}
	if ticks > maxArm {
		// intermediate alarm
		ticks = maxArm
	}
	if s.armed != noSource && s.armed != n.src {
		if err := s.disarm(s.armed); err != nil {
			return err
		}
	}
	if err := si.cs.Arm(ticks); err != nil {
		s.stats.HWFaults++
		// the alarm state is unknown
		s.armed = n.src
		if ERRon() {
			ERR("arming %s for %d ticks failed: %s\n", n.src, ticks, err)
		}
		return &HWError{Source: n.src, Op: "arm", Err: err}
	}
	if s.armed != n.src {
		s.stats.Switches++
	}
	s.stats.Arms++
	s.armed = n.src
	s.pending = i
	n.info.setFlags(fPending)
	if DBGon() {
		DBG("armed %s for %d ticks, head %d: %s\n", n.src, ticks, i, n)
	}
	return nil
}

func (s *Scheduler) disarm(id SourceID) error {
	if err := s.srcs[id].cs.Disarm(); err != nil {
		s.stats.HWFaults++
		if ERRon() {
			ERR("disarming %s failed: %s\n", id, err)
		}
		return &HWError{Source: id, Op: "disarm", Err: err}
	}
	if s.armed == id {
		s.armed = noSource
	}
	s.stats.Disarms++
	return nil
}

// disarmAll disarms all the sources, returning the first error.
func (s *Scheduler) disarmAll() error {
	var ret error
	for i := range s.srcs {
		if !s.srcs[i].present() {
			continue
		}
		if err := s.disarm(SourceID(i)); err != nil && ret == nil {
			ret = err
		}
	}
	if ret == nil {
		s.armed = noSource
	}
	if s.pending != noIdx {
		s.nodes[s.pending].info.resetFlags(fPending)
		s.pending = noIdx
	}
	return ret
}

// reconcile is the clock sources notification handler.
// It updates the expire of all the timers with the time passed since the
// last call, runs all the expired timers and arms the next alarm.
func (s *Scheduler) reconcile(id SourceID, ev Event) {
	s.lock()
	s.stats.Notifications++
	if ev == EvAlarm {
		if id == s.armed {
			// one shot alarm, not armed anymore
			s.armed = noSource
			if s.pending != noIdx {
				s.nodes[s.pending].info.resetFlags(fPending)
				s.pending = noIdx
			}
		} else if WARNon() {
			WARN("spurious alarm from %s (armed %s)\n", id, s.armed)
		}
	}
	if s.lst.isEmpty() {
		s.unlock()
		return
	}

	delta := s.elapsed()
	s.snapshot()

	s.lst.forEach(func(i uint32, n *node) bool {
		if n.remaining > delta {
			n.remaining -= delta
		} else {
			n.late = delta - n.remaining
			n.remaining = 0
		}
		return true
	})

	var due []dueEv
	for !s.lst.isEmpty() && s.nodes[s.lst.first()].remaining == 0 {
		i := s.lst.pop()
		n := &s.nodes[i]
		n.info.resetFlags(fRunning | fPending)
		if s.pending == i {
			s.pending = noIdx
		}
		due = append(due, dueEv{h: Handle{idx: i, gen: n.info.gen()},
			seq: n.seq, f: n.f, arg: n.arg})
		s.stats.Fired++
		if n.mode == Periodic && n.info.flags()&fReloadStopped == 0 {
			// the re-added timer is never due in this loop
			// (remaining >= guard delay)
			if err := s.startUnsafe(i, true); err != nil && ERRon() {
				ERR("re-arming periodic timer %d failed: %s\n", i, err)
			}
		}
		n.late = 0
	}

	var err error
	if s.lst.isEmpty() {
		if s.armed != noSource {
			err = s.disarmAll()
		}
	} else if s.pending == noIdx {
		err = s.setTimeout(s.lst.first())
	}
	if err != nil && ERRon() {
		ERR("reconcile after %s %s: %s\n", id, ev, err)
	}
	s.unlock()

	s.dispatch(due)
}
