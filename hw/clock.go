// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import "time"

// Clock is the millisecond timebase and delay primitive supplied by the
// surrounding loader. There is one thread of control and no scheduler, so
// Millisleep is a busy delay as far as this package is concerned.
type Clock interface {
	// Milliseconds returns a monotonic millisecond counter.
	Milliseconds() uint64
	// Millisleep delays for ms milliseconds. Millisleep(0) yields.
	Millisleep(ms uint)
}

// SystemClock is the host implementation of Clock over the Go runtime.
type SystemClock struct{ t0 time.Time }

func NewSystemClock() *SystemClock { return &SystemClock{t0: time.Now()} }

func (c *SystemClock) Milliseconds() uint64 {
	return uint64(time.Since(c.t0) / time.Millisecond)
}

func (c *SystemClock) Millisleep(ms uint) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
