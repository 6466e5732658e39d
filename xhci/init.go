// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xhci/hw"
)

const (
	// xHCI allows the controller 16 ms to halt.
	haltTimeoutMs = 16
	// xHCI puts no bound on host controller reset;
	// this is a conservative one.
	resetTimeoutMs = 1000
)

// bringUp walks Uninitialized through Running. Each transition is a
// register write, a read-back to force completion, and a bounded poll on
// the status bit; a missed deadline faults this controller and leaves the
// others alone.
func (c *Controller) bringUp() error {
	if err := c.halt(); err != nil {
		return err
	}
	if err := c.reset(); err != nil {
		return err
	}
	if err := c.configure(); err != nil {
		return err
	}
	return c.start()
}

// halt clears RUN/STOP and waits for the halted bit. Already-halted
// controllers skip the wait.
func (c *Controller) halt() error {
	c.state = Halting
	if !c.halted() {
		hw.ClearBits32(c.op, opUSBCmd, cmdRunStop)
		hw.ReadBack(c.op, opUSBCmd)
		st := hw.PollUntil(c.plat.Clock, haltTimeoutMs, c.halted)
		if st == hw.TimedOut {
			return c.faulted(fmt.Errorf("xhci: halt: %w", ErrTimeout))
		}
	}
	c.state = Halted
	return nil
}

// reset sets HCRST and waits for it to self-clear and for the controller to
// become ready (CNR clear).
func (c *Controller) reset() error {
	c.state = Resetting
	hw.SetBits32(c.op, opUSBCmd, cmdHCRST)
	hw.ReadBack(c.op, opUSBCmd)
	st := hw.PollUntil(c.plat.Clock, resetTimeoutMs, func() bool {
		return c.op.Read32(opUSBCmd)&cmdHCRST == 0 &&
			c.op.Read32(opUSBSts)&stsCNR == 0
	})
	if st == hw.TimedOut {
		return c.faulted(fmt.Errorf("xhci: reset: %w", ErrTimeout))
	}
	c.state = Reset
	return nil
}

// configure re-reads the structural parameters (reset restores defaults),
// powers ports when the controller has port power control, and builds the
// structures the run state needs: DCBAA with scratchpads, command ring,
// event ring.
func (c *Controller) configure() error {
	c.state = Configuring
	c.dropDeviceState()
	c.readCapabilities()
	c.collectProtocols()

	if c.caps.PPC {
		for port := uint(1); port <= c.caps.MaxPorts; port++ {
			c.portSetBits(port, portPower)
		}
	}

	if err := c.setupRings(); err != nil {
		return c.faulted(err)
	}

	c.op.Write32(opConfig, uint32(c.caps.MaxSlots))
	if c.slots == nil {
		c.slots = make([]*deviceSlot, c.caps.MaxSlots+1)
	}
	return nil
}

func (c *Controller) setupRings() (err error) {
	if c.dcbaa.Data == nil {
		if err = c.setupDCBAA(); err != nil {
			return
		}
	} else {
		c.op.Write32(opDCBAAP, c.dcbaa.Phys)
		c.op.Write32(opDCBAAPHi, 0)
	}
	if c.cmd == nil {
		if c.cmd, err = newRing(c.plat.Arena, cmdRingTRBs); err != nil {
			return
		}
	} else {
		c.cmd.reset()
	}
	c.plat.Arena.Sync(c.cmd.chunk)
	c.op.Write32(opCRCR, c.cmd.chunk.Phys|crcrRCS)
	c.op.Write32(opCRCRHi, 0)

	if c.events == nil {
		if c.events, err = newEventRing(c.plat.Arena); err != nil {
			return
		}
	} else {
		c.events.reset()
	}
	c.plat.Arena.Sync(c.events.chunk)
	c.plat.Arena.Sync(c.events.erst)
	c.events.program(c)
	return nil
}

// start sets RUN/STOP; the controller begins servicing the command and
// transfer rings.
func (c *Controller) start() error {
	hw.SetBits32(c.op, opUSBCmd, cmdRunStop)
	hw.ReadBack(c.op, opUSBCmd)
	c.state = Running
	return nil
}

// Restore replays Halt, Reset, Configure, Run after a suspend-like event.
// Invoking it on an already Running controller yields Running again; the
// ring structures are rebuilt in place.
func (c *Controller) Restore() error {
	c.fault = nil
	return c.bringUp()
}

// Finalize best-effort halts the controller without re-running it, so no
// DMA is in flight when the caller hands physical memory to something else
// (disk firmware, a kernel about to boot). The controller stays usable for
// a later Restore.
func (c *Controller) Finalize() {
	if err := c.halt(); err != nil {
		log.Print("err", "xhci: finalize ", c.dev.BusAddress(), ": ", err)
	}
}

// dropDeviceState forgets every device slot, endpoint queue and in-flight
// TD. A chip reset destroys the hardware's copies of the contexts, so the
// software bookkeeping must not outlive it; each device is re-enumerated
// on its next transfer.
func (c *Controller) dropDeviceState() {
	for _, eq := range c.endpoints {
		eq.release(c)
	}
	c.endpoints = make(map[endpointKey]*endpointQueue)
	for _, s := range c.addrSlot {
		if c.dcbaa.Data != nil {
			c.setDCBAAEntry(s.id, 0)
		}
		if s.output.Data != nil {
			c.plat.Arena.Free(s.output)
		}
		if s.input.Data != nil {
			c.plat.Arena.Free(s.input)
		}
	}
	c.addrSlot = make(map[uint8]*deviceSlot)
	c.slots = nil
	c.tdByPhys = make(map[uint32]*td)
	c.cmdWait = nil
}

// releaseMemory frees everything the controller allocated. Only for a
// controller that is halted or was never started.
func (c *Controller) releaseMemory() {
	c.dropDeviceState()
	if c.cmd != nil {
		c.plat.Arena.Free(c.cmd.chunk)
		c.cmd = nil
	}
	if c.events != nil {
		c.plat.Arena.Free(c.events.chunk)
		c.plat.Arena.Free(c.events.erst)
		c.events = nil
	}
	for _, ch := range c.scratch {
		c.plat.Arena.Free(ch)
	}
	c.scratch = nil
	if c.dcbaa.Data != nil {
		c.plat.Arena.Free(c.dcbaa)
		c.dcbaa = hw.Chunk{}
	}
}
