// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package hwtimer

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// Log is the generic log used by the package.
var Log slog.Log = slog.New(slog.LERR, slog.LbackTraceS|slog.LlocInfoS,
	slog.LStdErr)

// DBGon is a shorthand for checking if debug logging is enabled.
func DBGon() bool {
	return Log.DBGon()
}

// DBG is a shorthand for logging a debug message.
func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, "DBG: ", f, a...)
}

// WARNon is a shorthand for checking if logging at LWARN level is enabled.
func WARNon() bool {
	return Log.WARNon()
}

// WARN is a shorthand for logging a warning message.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, "WARNING: ", f, a...)
}

// ERRon is a shorthand for checking if logging at LERR level is enabled.
func ERRon() bool {
	return Log.ERRon()
}

// ERR is a shorthand for logging an error message.
func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, "ERROR: ", f, a...)
}

// BUG is a shorthand for logging a bug message.
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "BUG: ", f, a...)
}

// PANIC logs a bug message and then panics.
func PANIC(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "PANIC: ", f, a...)
	panic(fmt.Sprintf(f, a...))
}
