// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/platinasystems/xhci/hw"
	"github.com/platinasystems/xhci/hw/pci"
)

// Platform bundles the collaborators the loader supplies: the millisecond
// timebase and the DMA arena. PCI access arrives per device via pci.Devicer.
type Platform struct {
	Clock hw.Clock
	Arena hw.Arena
}

// State of the controller lifecycle machine.
type State uint8

const (
	Uninitialized State = iota
	Halting
	Halted
	Resetting
	Reset
	Configuring
	Running
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Halting:
		return "halting"
	case Halted:
		return "halted"
	case Resetting:
		return "resetting"
	case Reset:
		return "reset"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	}
	return "invalid"
}

// Capabilities is computed once at bring-up and consulted by the state
// machine steps instead of re-deriving controller generation at each use.
type Capabilities struct {
	HCIVersion  uint16
	MaxSlots    uint // 1..255
	MaxIntrs    uint
	MaxPorts    uint // 1..255
	AC64        bool // controller could do 64-bit; this driver still won't
	CSZ         bool // 64-byte contexts
	PPC         bool // port power control
	XECP        uint // extended capabilities pointer, dwords
	Scratchpads uint
	PageSize    uint
}

// protocolRange records a Supported Protocol extended capability: ports
// firstPort..firstPort+count-1 speak USB major version major.
type protocolRange struct {
	firstPort uint
	count     uint
	major     uint8
}

// Controller drives one xHCI host controller. It exclusively owns every
// ring and context it allocates; there is exactly one thread of control, so
// no locking, only ordering against the DMA agent.
type Controller struct {
	plat Platform
	dev  pci.Devicer

	// Register regions discovered per the capability registers.
	mmio hw.Region // whole BAR window; extended capabilities live here
	cap  hw.Region
	op   hw.Region
	run  hw.Region
	db   hw.Region

	caps      Capabilities
	protocols []protocolRange

	state State
	fault error

	cmd    *ring
	events *eventRing
	dcbaa  hw.Chunk

	// command completion rendezvous: the event dispatcher fills *cmdWait
	// when the completion for cmdWaitPhys shows up
	cmdWait     *trb
	cmdWaitPhys uint32
	// scratchpad pointer array plus its pages, kept only to be freed
	scratch []hw.Chunk

	slots     []*deviceSlot // indexed 1..MaxSlots, nil when not enabled
	addrSlot  map[uint8]*deviceSlot
	endpoints map[endpointKey]*endpointQueue

	// transfer TRB phys -> td, for event dispatch
	tdByPhys map[uint32]*td

	// per-port "we issued a reset" flags, disambiguating speed detection
	portResetDone []bool
}

func (c *Controller) String() string {
	if c.dev == nil {
		return "xhci"
	}
	return fmt.Sprintf("xhci %s", c.dev.BusAddress())
}

// State reports the lifecycle state; Fault the reason when State is Faulted.
func (c *Controller) State() State { return c.state }
func (c *Controller) Fault() error { return c.fault }

// Caps returns the capability flags computed at bring-up.
func (c *Controller) Caps() Capabilities { return c.caps }

func (c *Controller) faulted(reason error) error {
	c.state = Faulted
	c.fault = reason
	return reason
}

// readPortSC reads the port status/control register for port 1..MaxPorts.
// An out of range port reads as all ones, like a master abort would.
func (c *Controller) readPortSC(port uint) uint32 {
	if port == 0 || port > c.caps.MaxPorts {
		return ^uint32(0)
	}
	return c.op.Read32(portSCOffset(port))
}

// portSetBits read-modify-writes PORTSC with the write-1-to-clear change
// bits masked out, then reads back to force completion.
func (c *Controller) portSetBits(port uint, bits uint32) {
	o := portSCOffset(port)
	c.op.Write32(o, (c.op.Read32(o)&portWriteMask)|bits)
	hw.ReadBack(c.op, o)
}

func (c *Controller) portClearBits(port uint, bits uint32) {
	o := portSCOffset(port)
	c.op.Write32(o, c.op.Read32(o)&portWriteMask&^bits)
	hw.ReadBack(c.op, o)
}

// halted reports the controller-halted status bit.
func (c *Controller) halted() bool { return c.op.Read32(opUSBSts)&stsHCH != 0 }

// ringDoorbell tells the controller ring memory has new entries. The TRBs
// must be globally visible first; callers Sync the ring chunk before this.
func (c *Controller) ringDoorbell(target, value uint) {
	o := doorbellOffset(target)
	c.db.Write32(o, uint32(value))
	hw.ReadBack(c.db, o)
}

// Hubports returns the port count for the generic USB core, re-reading the
// structural parameters the way the hardware reports them.
func (c *Controller) Hubports() uint {
	p := c.cap.Read32(capHCSParams1)
	return hcsMaxPorts(p)
}

// MaxBulkTDs is the declared maximum TD count for one bulk transfer, used
// by the generic USB core's buffer chunking policy.
const MaxBulkTDs = 16
