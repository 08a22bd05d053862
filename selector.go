// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"time"
)

// Selector maps a timer period to a default clock source.
// It is used only for timers created with the Auto source.
type Selector struct {
	Short     time.Duration // periods below use ShortSrc
	Long      time.Duration // periods below (and >= Short) use MediumSrc
	ShortSrc  SourceID      // high resolution, high power
	MediumSrc SourceID      // low power
	LongSrc   SourceID      // lowest resolution / calendar
}

// DefaultSelector is the selector used when Config.Selector is not set.
var DefaultSelector = Selector{
	Short:     100 * time.Millisecond,
	Long:      10 * time.Second,
	ShortSrc:  GeneralPurpose,
	MediumSrc: LowPowerA,
	LongSrc:   Calendar,
}

// IsZero returns true for an unset Selector.
func (sel Selector) IsZero() bool {
	return sel == Selector{}
}

// Select returns the source for a timer with period d.
func (sel Selector) Select(d time.Duration) SourceID {
	switch {
	case d < sel.Short:
		return sel.ShortSrc
	case d < sel.Long:
		return sel.MediumSrc
	}
	return sel.LongSrc
}

func (sel Selector) valid() bool {
	return sel.Short <= sel.Long &&
		sel.ShortSrc < SourcesNo && sel.MediumSrc < SourcesNo &&
		sel.LongSrc < SourcesNo
}
