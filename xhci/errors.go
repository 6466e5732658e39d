// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import "errors"

var (
	// ErrTimeout: a bounded poll did not observe the expected transition.
	// Always reported up, never silently retried.
	ErrTimeout = errors.New("xhci: timeout")

	// ErrBadDevice: port negotiation produced a device this controller
	// must not own (handed to a companion controller). A routing decision,
	// not a failure of the system.
	ErrBadDevice = errors.New("xhci: device not for this controller")

	// ErrInternal: precondition violated; controller not running,
	// allocation failed, or a required ring/slot was unavailable.
	ErrInternal = errors.New("xhci: internal")

	// ErrUnrecoverable: ring bookkeeping found inconsistent. Retrying will
	// not help.
	ErrUnrecoverable = errors.New("xhci: ring state unrecoverable")

	// ErrWait is not a failure: a polled transfer is still in flight.
	ErrWait = errors.New("xhci: transfer in progress")

	// ErrStall: the endpoint halted mid-transfer. Bytes moved before the
	// halt are still reported to the caller.
	ErrStall = errors.New("xhci: endpoint stalled")

	// ErrUnsupported: the controller cannot be driven by this module,
	// e.g. registers mapped above 4 GiB.
	ErrUnsupported = errors.New("xhci: unsupported controller")
)

// Speed classifies what a port detected.
type Speed uint8

const (
	SpeedNone Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedNone:
		return "none"
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	}
	return "invalid"
}
