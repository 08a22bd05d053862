// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/intuitivelabs/hwtimer"
)

var errBadTimerSpec = errors.New("bad timer spec")

// timerSpec is a parsed --timer value: period[:mode[:source]].
type timerSpec struct {
	period time.Duration
	mode   hwtimer.Mode
	src    hwtimer.SourceID
}

func (ts timerSpec) String() string {
	return fmt.Sprintf("%s:%s:%s", ts.period, ts.mode, ts.src)
}

func parseTimerSpec(s string) (timerSpec, error) {
	ts := timerSpec{mode: hwtimer.OneShot, src: hwtimer.Auto}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return ts, fmt.Errorf("%w: %q", errBadTimerSpec, s)
	}
	var err error
	if ts.period, err = time.ParseDuration(parts[0]); err != nil ||
		ts.period < 0 {
		return ts, fmt.Errorf("%w: period %q", errBadTimerSpec, parts[0])
	}
	if len(parts) > 1 {
		switch parts[1] {
		case "oneshot", "":
		case "periodic":
			ts.mode = hwtimer.Periodic
		default:
			return ts, fmt.Errorf("%w: mode %q", errBadTimerSpec, parts[1])
		}
	}
	if len(parts) > 2 {
		if ts.src, err = hwtimer.ParseSourceID(parts[2]); err != nil {
			return ts, fmt.Errorf("%w: %s", errBadTimerSpec, err)
		}
	}
	return ts, nil
}

func parseTimerSpecs(specs []string) ([]timerSpec, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no timers", errBadTimerSpec)
	}
	ret := make([]timerSpec, 0, len(specs))
	for _, s := range specs {
		ts, err := parseTimerSpec(s)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ts)
	}
	return ret, nil
}

// tracker records the fires of one timer. The callbacks can run from
// the dispatcher go routine, hence the lock.
type tracker struct {
	mu    sync.Mutex
	idx   int
	spec  timerSpec
	src   hwtimer.SourceID
	fires int
	last  time.Duration

	now   func() time.Duration
	trace io.Writer // if set, each fire is printed
}

func (tr *tracker) fired(_ *hwtimer.Scheduler, _ hwtimer.Handle,
	_ interface{}) {
	t := tr.now()
	tr.mu.Lock()
	tr.fires++
	tr.last = t
	tr.mu.Unlock()
	if tr.trace != nil {
		fmt.Fprintf(tr.trace, "%12s timer %d (%s)\n", t, tr.idx, tr.spec)
	}
}

// startTimers creates and starts one timer for each spec.
func startTimers(s *hwtimer.Scheduler, specs []timerSpec,
	now func() time.Duration, trace io.Writer) ([]*tracker, error) {
	trs := make([]*tracker, 0, len(specs))
	for i, ts := range specs {
		tr := &tracker{idx: i, spec: ts, now: now, trace: trace}
		h, err := s.Create(ts.period, ts.mode, ts.src, tr.fired, nil)
		if err != nil {
			return nil, fmt.Errorf("timer %d (%s): %w", i, ts, err)
		}
		if tr.src, err = s.Source(h); err != nil {
			return nil, err
		}
		if err = s.Start(h); err != nil {
			return nil, fmt.Errorf("timer %d (%s): %w", i, ts, err)
		}
		trs = append(trs, tr)
	}
	return trs, nil
}

func report(w io.Writer, trs []*tracker, st hwtimer.Stats) {
	for _, tr := range trs {
		tr.mu.Lock()
		fmt.Fprintf(w, "timer %d %s %s on %s: %d fires, last at %s\n",
			tr.idx, tr.spec.period, tr.spec.mode, tr.src, tr.fires, tr.last)
		tr.mu.Unlock()
	}
	fmt.Fprintf(w, "notifications %d fired %d arms %d disarms %d"+
		" switches %d faults %d canceled %d dropped %d\n",
		st.Notifications, st.Fired, st.Arms, st.Disarms, st.Switches,
		st.HWFaults, st.Canceled, st.Dropped)
}
