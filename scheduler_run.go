// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

// dispatch runs the callbacks for the expired timers, in expire order,
// or queues them for the dispatcher go routine.
// Must be called without the lock held.
func (s *Scheduler) dispatch(due []dueEv) {
	if len(due) == 0 {
		return
	}
	if s.dispatchQ == nil {
		for _, e := range due {
			// an earlier callback might have stopped this timer
			if s.claim(e) {
				e.f(s, e.h, e.arg)
			}
		}
		return
	}
	for i, e := range due {
		if !s.enqueue(e) {
			s.lock()
			s.stats.Dropped += uint64(len(due) - i)
			s.unlock()
			if DBGon() {
				DBG("shutdown: dropped %d expired timers\n", len(due)-i)
			}
			return
		}
	}
}

// claim returns true if the expired timer e was not stopped, destroyed
// or shut down since it was removed from the active list.
func (s *Scheduler) claim(e dueEv) bool {
	s.lock()
	defer s.unlock()
	if s.closed {
		s.stats.Dropped++
		return false
	}
	n := &s.nodes[e.h.idx]
	if n.seq != e.seq || n.info.gen() != e.h.gen {
		s.stats.Canceled++
		if DBGon() {
			DBG("expired timer %s stopped before its callback\n", e.h)
		}
		return false
	}
	return true
}

// enqueue adds e to the dispatch queue, waiting for a free slot if
// needed. It returns false if the scheduler was shut down.
// Entries are added only with the lock held and closed not set, so that
// Shutdown() sees all of them.
func (s *Scheduler) enqueue(e dueEv) bool {
	for {
		s.lock()
		if s.closed {
			s.unlock()
			return false
		}
		select {
		case s.dispatchQ <- e:
			s.unlock()
			return true
		default:
		}
		s.unlock()
		// queue full
		select {
		case <-s.space:
		case <-s.cancel:
		}
	}
}

// Run starts the callbacks dispatcher go routine.
// It is needed only if the scheduler was initialised with
// Config.DispatchQueue > 0, otherwise it does nothing.
// Without Run() expired timers will block their clock source
// notification once the queue is full.
func (s *Scheduler) Run() {
	if s.dispatchQ == nil {
		return
	}
	s.lock()
	if s.running || s.closed {
		s.unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.unlock()
	go func() {
		defer s.wg.Done()
		if DBGon() {
			DBG("starting dispatcher with queue size %d\n", cap(s.dispatchQ))
		}
	loop:
		for {
			select {
			case <-s.cancel:
				DBG("canceled\n")
				break loop
			case e := <-s.dispatchQ:
				select {
				case s.space <- struct{}{}:
				default:
				}
				if s.claim(e) {
					e.f(s, e.h, e.arg)
				}
			}
		}
	}()
}

// Shutdown stops all the timers, disarms all the clock sources and
// waits for the dispatcher go routine (if started) to exit.
// The scheduler cannot be used anymore after Shutdown().
// In deferred dispatch mode Shutdown() waits for the running callback
// and so it must not be called from a timer callback (it would never
// return).
func (s *Scheduler) Shutdown() error {
	s.lock()
	if s.closed {
		s.unlock()
		return nil
	}
	s.closed = true
	for !s.lst.isEmpty() {
		i := s.lst.pop()
		s.nodes[i].info.setFlags(fReloadStopped)
		s.nodes[i].info.resetFlags(fRunning | fPending)
	}
	s.pending = noIdx
	err := s.disarmAll()
	close(s.cancel)
	s.unlock()
	s.wg.Wait()
	if s.dispatchQ != nil {
		// callbacks queued before the shut down are not run
		s.lock()
		s.stats.Dropped += uint64(len(s.dispatchQ))
		s.unlock()
	}
	return err
}
