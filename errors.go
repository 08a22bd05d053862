// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"errors"
	"fmt"
)

// error classes, use errors.Is() to test for them
var ErrInvalidParameter = errors.New("invalid parameter")
var ErrHardwareFault = errors.New("hardware fault")

var ErrNoCallback = fmt.Errorf("%w: nil callback", ErrInvalidParameter)
var ErrInvalidTimer = fmt.Errorf("%w: invalid timer handle", ErrInvalidParameter)
var ErrActiveTimer = fmt.Errorf("%w: called on active timer", ErrInvalidParameter)
var ErrInactiveTimer = fmt.Errorf("%w: called on inactive timer", ErrInvalidParameter)
var ErrUnknownSource = fmt.Errorf("%w: unknown or unregistered clock source", ErrInvalidParameter)
var ErrInvalidPeriod = fmt.Errorf("%w: negative period", ErrInvalidParameter)
var ErrPeriodTooLong = fmt.Errorf("%w: period too long for clock source", ErrInvalidParameter)
var ErrTooManyTimers = fmt.Errorf("%w: no free timer slots", ErrInvalidParameter)
var ErrInvalidConfig = fmt.Errorf("%w: invalid config", ErrInvalidParameter)

// HWError is returned when a clock source fails to arm or disarm.
// It matches ErrHardwareFault with errors.Is().
type HWError struct {
	Source SourceID
	Op     string // "arm" or "disarm"
	Err    error
}

func (e *HWError) Error() string {
	return fmt.Sprintf("hardware fault: %s %s: %v", e.Source, e.Op, e.Err)
}

func (e *HWError) Unwrap() error {
	return e.Err
}

func (e *HWError) Is(target error) bool {
	return target == ErrHardwareFault
}

// ErrShutdown is returned by Start() after Shutdown().
var ErrShutdown = errors.New("scheduler shut down")
