// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"github.com/platinasystems/log"
	"github.com/platinasystems/xhci/hw"
)

const (
	portDisableTimeoutMs = 1000
	portResetHoldMs      = 50
	portResetTimeoutMs   = 1000
	// USB reset recovery before the device must answer.
	resetRecoveryMs = 10
)

// DetectDevice classifies what is on a port and reports whether the
// enabled state changed since the last poll. Port state is read fresh each
// call; the only memory is the per-port "we issued a reset" flag, which
// disambiguates speed detection after PortStatus ran.
//
// Low speed can only be sensed at connect time from the line state; full
// versus high is settled later by the reset procedure in PortStatus. A low
// speed device is handed to the companion controller through PORT_OWNER,
// which hardware clears by itself on physical disconnect - software never
// clears it.
func (c *Controller) DetectDevice(port uint) (speed Speed, changed bool) {
	if port == 0 || port > c.caps.MaxPorts {
		log.Print("err", "xhci: detect: port ", port, " out of range")
		return SpeedNone, false
	}
	status := c.readPortSC(port)

	if status&portPEDChange != 0 {
		changed = true
		// write-1-to-clear
		c.portSetBits(port, portPEDChange)
	}

	if status&portCCS == 0 {
		// Disconnected: whatever reset history the port had is over.
		c.portResetDone[port] = false
		return SpeedNone, changed
	}
	if status&portEnabled != 0 {
		// Connected, enabled, ours: the reset procedure already ran.
		if c.protocolMajor(port) >= 3 {
			return SpeedSuper, changed
		}
		return SpeedHigh, changed
	}
	if status&portOwner != 0 {
		// Companion controller's port now; not ours to report.
		return SpeedNone, changed
	}
	if c.portResetDone[port] {
		// Reset ran and the port still is not enabled: a full speed
		// device already classified and handed off.
		return SpeedNone, changed
	}
	if status&portLineMask != portLineK {
		// Could be full or high; the reset procedure will tell.
		return SpeedHigh, changed
	}
	// K state at connect time is a low speed device: give the port to
	// the companion controller and stop looking at it.
	c.portSetBits(port, portOwner)
	return SpeedNone, changed
}

// PortStatus disables a port or runs the reset-and-enable procedure.
//
// enable=false just disables and waits for the enabled bit to drop.
// enable=true disables, holds PORT_RESET for 50 ms, releases it and waits
// for reset completion. A port that comes up enabled carries a high speed
// device (after the mandatory recovery delay). A port that does not holds
// a full speed device: ownership goes to the companion controller and the
// result is ErrBadDevice, which is a routing outcome, not a failure.
func (c *Controller) PortStatus(port uint, enable bool) error {
	if port == 0 || port > c.caps.MaxPorts {
		return ErrInternal
	}

	// The reset procedure requires a disabled port, so disable in both
	// directions of this call.
	c.portClearBits(port, portEnabled)
	st := hw.PollUntil(c.plat.Clock, portDisableTimeoutMs, func() bool {
		return c.readPortSC(port)&portEnabled == 0
	})
	if st == hw.TimedOut {
		return ErrTimeout
	}
	if !enable {
		log.Print("daemon.debug: xhci: port ", port, " disabled")
		return nil
	}

	c.portSetBits(port, portReset)
	c.plat.Clock.Millisleep(portResetHoldMs)
	c.portClearBits(port, portReset)
	st = hw.PollUntil(c.plat.Clock, portResetTimeoutMs, func() bool {
		return c.readPortSC(port)&portReset == 0
	})
	if st == hw.TimedOut {
		return ErrTimeout
	}
	// DetectDevice needs to know the reset already ran.
	c.portResetDone[port] = true

	if c.readPortSC(port)&portEnabled != 0 {
		c.plat.Clock.Millisleep(resetRecoveryMs)
		log.Print("daemon.debug: xhci: port ", port, " enabled after reset")
		return nil
	}
	// Full speed device: companion controller's problem. The port will
	// read as disconnected from here on.
	c.portSetBits(port, portOwner)
	return ErrBadDevice
}
