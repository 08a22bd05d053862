// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/intuitivelabs/slog"
	"github.com/urfave/cli"

	"github.com/intuitivelabs/hwtimer"
)

var timerFlags = []cli.Flag{
	cli.StringSliceFlag{
		Name:  "timer, t",
		Usage: "timer to start, as period[:oneshot|periodic[:source]] (repeatable)",
	},
	cli.Uint64Flag{
		Name:  "guard",
		Usage: "guard delay in ticks",
		Value: hwtimer.DefaultGuardDelay,
	},
	cli.BoolFlag{
		Name:  "trace",
		Usage: "print each timer fire",
	},
}

// Execute runs the hwtsim command line app with args, writing the results
// to w.
func Execute(args []string, w io.Writer) error {
	app := cli.App{
		Name:      "hwtsim",
		HelpName:  "hwtsim",
		Usage:     "run hardware alarm multiplexer timers",
		UsageText: "hwtsim [--log-level level] <command> [arguments...]",
		Version:   version,
		Writer:    w,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "log-level",
				Usage: "log level: debug, warn, error or bug",
				Value: "error",
			},
		},
		Before: func(c *cli.Context) error {
			return setLogLevel(c.String("log-level"))
		},
		Commands: []cli.Command{
			{
				Name:   "sim",
				Usage:  "run the timers on simulated clock sources",
				Action: simCmd,
				Flags: append([]cli.Flag{
					cli.DurationFlag{
						Name:  "until, u",
						Usage: "simulated run time",
						Value: time.Second,
					},
				}, timerFlags...),
			},
			{
				Name:   "run",
				Usage:  "run the timers on host emulated clock sources",
				Action: runCmd,
				Flags: append([]cli.Flag{
					cli.DurationFlag{
						Name:  "for, f",
						Usage: "real run time",
						Value: time.Second,
					},
					cli.IntFlag{
						Name:  "queue",
						Usage: "dispatch queue size",
						Value: 64,
					},
				}, timerFlags...),
			},
		},
	}
	return app.Run(args)
}

func setLogLevel(lev string) error {
	switch lev {
	case "debug":
		slog.SetLevel(&hwtimer.Log, slog.LDBG)
	case "warn":
		slog.SetLevel(&hwtimer.Log, slog.LWARN)
	case "error":
		slog.SetLevel(&hwtimer.Log, slog.LERR)
	case "bug":
		slog.SetLevel(&hwtimer.Log, slog.LBUG)
	default:
		return fmt.Errorf("unknown log level %q", lev)
	}
	return nil
}

func traceWriter(c *cli.Context) io.Writer {
	if c.Bool("trace") {
		return c.App.Writer
	}
	return nil
}

func simCmd(c *cli.Context) error {
	specs, err := parseTimerSpecs(c.StringSlice("timer"))
	if err != nil {
		return err
	}
	clk := hwtimer.NewSimClock(0)
	cs, _, err := hwtimer.NewSimSources(clk, hwtimer.DefaultSpecs)
	if err != nil {
		return err
	}
	s, err := hwtimer.New(hwtimer.Config{
		Sources:    cs,
		GuardDelay: c.Uint64("guard"),
	})
	if err != nil {
		return err
	}
	trs, err := startTimers(s, specs, clk.Now, traceWriter(c))
	if err != nil {
		return err
	}
	clk.AdvanceTo(c.Duration("until"))
	st := s.Stats()
	if err = s.Shutdown(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "simulated %s (base %d Hz)\n",
		clk.Now(), s.BaseFreq())
	report(c.App.Writer, trs, st)
	return nil
}

func runCmd(c *cli.Context) error {
	specs, err := parseTimerSpecs(c.StringSlice("timer"))
	if err != nil {
		return err
	}
	cs, hs, err := hwtimer.NewHostSources(hwtimer.DefaultSpecs)
	if err != nil {
		return err
	}
	defer func() {
		for _, h := range hs {
			if h != nil {
				h.Close()
			}
		}
	}()
	s, err := hwtimer.New(hwtimer.Config{
		Sources:       cs,
		GuardDelay:    c.Uint64("guard"),
		DispatchQueue: c.Int("queue"),
	})
	if err != nil {
		return err
	}
	s.Run()
	start := time.Now()
	now := func() time.Duration { return time.Since(start) }
	trs, err := startTimers(s, specs, now, traceWriter(c))
	if err != nil {
		s.Shutdown()
		return err
	}
	time.Sleep(c.Duration("for"))
	err = s.Shutdown()
	fmt.Fprintf(c.App.Writer, "ran %s\n", now().Round(time.Millisecond))
	report(c.App.Writer, trs, s.Stats())
	return err
}
