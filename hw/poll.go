// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"time"

	"github.com/jpillora/backoff"
)

// PollStatus is the outcome of a polled wait.
type PollStatus uint8

const (
	// Ready: the condition was observed.
	Ready PollStatus = iota
	// Pending: the condition has not been observed yet (non-blocking probe).
	Pending
	// TimedOut: the deadline passed without observing the condition.
	TimedOut
)

func (s PollStatus) String() string {
	switch s {
	case Ready:
		return "ready"
	case Pending:
		return "pending"
	case TimedOut:
		return "timed-out"
	}
	return "invalid"
}

// PollUntil polls done until it reports true or ms milliseconds elapse on
// clk. Every bounded hardware wait in this module goes through here; no
// caller spins forever. The first probes are back to back so sub-millisecond
// transitions (write flushes, fast handovers) complete without a sleep; the
// interval then backs off to a millisecond.
func PollUntil(clk Clock, ms uint, done func() bool) PollStatus {
	b := &backoff.Backoff{
		Min:    50 * time.Microsecond,
		Max:    time.Millisecond,
		Factor: 2,
	}
	deadline := clk.Milliseconds() + uint64(ms)
	for {
		if done() {
			return Ready
		}
		if clk.Milliseconds() >= deadline {
			return TimedOut
		}
		clk.Millisleep(uint(b.Duration() / time.Millisecond))
	}
}

// Probe is the non-blocking form of PollUntil.
func Probe(done func() bool) PollStatus {
	if done() {
		return Ready
	}
	return Pending
}
