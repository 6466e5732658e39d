// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import "testing"

func TestDetectNothingConnected(t *testing.T) {
	r := newTestRig()
	speed, changed := r.c.DetectDevice(1)
	if speed != SpeedNone || changed {
		t.Error("got", speed, changed)
	}
}

func TestDetectOutOfRangePort(t *testing.T) {
	r := newTestRig()
	if speed, _ := r.c.DetectDevice(0); speed != SpeedNone {
		t.Error("port 0:", speed)
	}
	if speed, _ := r.c.DetectDevice(mPorts + 1); speed != SpeedNone {
		t.Error("port out of range:", speed)
	}
}

func TestDetectReportsEnabledChange(t *testing.T) {
	r := newTestRig()
	r.m.attach(1, portCCS|portPower|portPEDChange)
	speed, changed := r.c.DetectDevice(1)
	if !changed {
		t.Error("change not reported")
	}
	if speed == SpeedNone {
		t.Error("connected port reported empty")
	}
	// The change bit is acknowledged, so the next poll is quiet.
	if r.m.port(1)&portPEDChange != 0 {
		t.Error("PED change not acknowledged")
	}
	if _, changed = r.c.DetectDevice(1); changed {
		t.Error("change reported twice")
	}
}

func TestDetectLowSpeedHandsPortOver(t *testing.T) {
	r := newTestRig()
	// K line state at connect time: low speed device.
	r.m.attach(2, portCCS|portPower|portLineK)
	speed, _ := r.c.DetectDevice(2)
	if speed != SpeedNone {
		t.Error("got", speed)
	}
	if r.m.port(2)&portOwner == 0 {
		t.Error("port not handed to companion controller")
	}
	// Owned ports stay invisible on subsequent polls.
	if speed, _ = r.c.DetectDevice(2); speed != SpeedNone {
		t.Error("owned port visible:", speed)
	}
}

func TestDetectBeforeReset(t *testing.T) {
	r := newTestRig()
	r.m.attach(1, portCCS|portPower)
	// Not enabled yet, line not K: could be full or high speed, and the
	// answer before the reset procedure is high.
	if speed, _ := r.c.DetectDevice(1); speed != SpeedHigh {
		t.Error("got", speed)
	}
}

func TestDetectSuperSpeedProtocolPort(t *testing.T) {
	r := newTestRig()
	// Port 3 is a USB3 protocol port; enabled means SuperSpeed.
	r.m.attach(3, portCCS|portPower|portEnabled)
	if speed, _ := r.c.DetectDevice(3); speed != SpeedSuper {
		t.Error("got", speed)
	}
	r.m.attach(1, portCCS|portPower|portEnabled)
	if speed, _ := r.c.DetectDevice(1); speed != SpeedHigh {
		t.Error("got", speed)
	}
}

func TestPortStatusEnablesHighSpeed(t *testing.T) {
	r := newTestRig()
	r.m.attach(1, portCCS|portPower)
	r.m.portHS[1] = true
	before := r.clk.now
	if err := r.c.PortStatus(1, true); err != nil {
		t.Fatal(err)
	}
	if r.m.port(1)&portEnabled == 0 {
		t.Error("port not enabled")
	}
	// 50 ms reset hold plus 10 ms recovery at minimum.
	if r.clk.now-before < portResetHoldMs+resetRecoveryMs {
		t.Error("reset timing too short")
	}
	// Detection after a completed reset reports the settled speed.
	if speed, _ := r.c.DetectDevice(1); speed != SpeedHigh {
		t.Error("got", speed)
	}
}

func TestPortStatusFullSpeedIsBadDevice(t *testing.T) {
	r := newTestRig()
	r.m.attach(1, portCCS|portPower)
	// Reset completes but the port does not enable: full speed device.
	if err := r.c.PortStatus(1, true); err != ErrBadDevice {
		t.Fatal("want ErrBadDevice, got", err)
	}
	if r.m.port(1)&portOwner == 0 {
		t.Error("port not handed to companion controller")
	}
	// With the reset done and the port still disabled, detection stops
	// reporting the device.
	if speed, _ := r.c.DetectDevice(1); speed != SpeedNone {
		t.Error("got", speed)
	}
}

func TestPortStatusDisable(t *testing.T) {
	r := newTestRig()
	r.m.attach(1, portCCS|portPower|portEnabled)
	if err := r.c.PortStatus(1, false); err != nil {
		t.Fatal(err)
	}
	if r.m.port(1)&portEnabled != 0 {
		t.Error("port still enabled")
	}
}

func TestDisconnectClearsResetHistory(t *testing.T) {
	r := newTestRig()
	r.m.attach(1, portCCS|portPower)
	if err := r.c.PortStatus(1, true); err != ErrBadDevice {
		t.Fatal("want ErrBadDevice, got", err)
	}
	// Unplug: hardware drops CCS and gives the port back.
	r.m.attach(1, portPower)
	if speed, _ := r.c.DetectDevice(1); speed != SpeedNone {
		t.Error("got", speed)
	}
	// Replug: the old reset outcome must not stick to the new device.
	r.m.attach(1, portCCS|portPower)
	if speed, _ := r.c.DetectDevice(1); speed != SpeedHigh {
		t.Error("got", speed)
	}
}
