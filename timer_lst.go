// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

// timerLst is a list of timers sorted by remaining time, linked through
// arena indices.
// There's no internal locking.
type timerLst struct {
	nodes []node // arena, shared with the scheduler
	head  uint32
	tail  uint32
	n     int
}

// init initialises an empty list using nodes as backing arena.
func (lst *timerLst) init(nodes []node) {
	lst.nodes = nodes
	lst.forceEmpty()
}

// forceEmpty will completely empty the list, without touching the
// entries.
func (lst *timerLst) forceEmpty() {
	lst.head = noIdx
	lst.tail = noIdx
	lst.n = 0
}

// isEmpty returns true if the list is empty.
func (lst *timerLst) isEmpty() bool {
	return lst.head == noIdx
}

// first returns the head (nearest expire) index or noIdx.
func (lst *timerLst) first() uint32 {
	return lst.head
}

// insert adds a detached entry in sorted position: after all the
// entries with remaining <= its own (FIFO for equal values).
// It returns true if the entry became the new list head.
func (lst *timerLst) insert(i uint32) bool {
	e := &lst.nodes[i]
	// DBG checks:
	if e.next != noIdx || e.prev != noIdx || lst.head == i {
		PANIC("timerLst insert called on an entry not detached: "+
			"%d: %s next %d prev %d head %d\n",
			i, e, e.next, e.prev, lst.head)
	}
	// search backwards, periodic timers usually go near the end
	p := lst.tail
	for p != noIdx && lst.nodes[p].remaining > e.remaining {
		p = lst.nodes[p].prev
	}
	e.prev = p
	if p == noIdx {
		e.next = lst.head
		lst.head = i
	} else {
		e.next = lst.nodes[p].next
		lst.nodes[p].next = i
	}
	if e.next == noIdx {
		lst.tail = i
	} else {
		lst.nodes[e.next].prev = i
	}
	lst.n++
	return p == noIdx
}

// rm removes an entry from the list.
func (lst *timerLst) rm(i uint32) {
	e := &lst.nodes[i]
	if e.prev == noIdx {
		if lst.head != i {
			PANIC("called with detached element %d: %s\n", i, e)
		}
		lst.head = e.next
	} else {
		lst.nodes[e.prev].next = e.next
	}
	if e.next == noIdx {
		if lst.tail != i {
			PANIC("called with detached element %d: %s\n", i, e)
		}
		lst.tail = e.prev
	} else {
		lst.nodes[e.next].prev = e.prev
	}
	// "mark" e as detached
	e.next = noIdx
	e.prev = noIdx
	lst.n--
}

// pop removes and returns the list head or noIdx for empty lists.
func (lst *timerLst) pop() uint32 {
	i := lst.head
	if i != noIdx {
		lst.rm(i)
	}
	return i
}

// forEach iterates on the entire list calling f(i, e) for each element.
// It stops immediately if  f() returns false.
// WARNING: it does not support removing the current list element
// from f().
func (lst *timerLst) forEach(f func(i uint32, e *node) bool) {
	for v := lst.head; v != noIdx; v = lst.nodes[v].next {
		if !f(v, &lst.nodes[v]) {
			break
		}
	}
}

// sorted checks the list invariants (debugging/tests).
func (lst *timerLst) sorted() bool {
	n := 0
	prev := noIdx
	for v := lst.head; v != noIdx; v = lst.nodes[v].next {
		if lst.nodes[v].prev != prev {
			return false
		}
		if prev != noIdx && lst.nodes[prev].remaining > lst.nodes[v].remaining {
			return false
		}
		prev = v
		n++
		if n > lst.n {
			return false // loop
		}
	}
	return n == lst.n && prev == lst.tail
}
