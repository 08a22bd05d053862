// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// hwtsim runs hwtimer timers on simulated or host emulated clock sources.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := Execute(os.Args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "hwtsim: %s\n", err)
		os.Exit(1)
	}
}
