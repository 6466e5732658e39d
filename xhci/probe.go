// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xhci/hw"
	"github.com/platinasystems/xhci/hw/pci"
)

// mapBytes is how much of BAR0 gets mapped: capability, operational (with
// the full port register set), runtime and doorbell regions all live in the
// first 64 KiB on every controller this driver targets.
const mapBytes = 0x10000

// Probe examines one PCI device. Devices that are not xHCI class are
// skipped with a nil error. Controllers this driver cannot own (registers
// above 4 GiB, unmapped BAR) return ErrUnsupported and leave no registry
// entry. A successful probe brings the controller to Running and registers
// it.
func Probe(r *Registry, dev pci.Devicer, plat Platform) (*Controller, error) {
	if class := pci.GetDeviceClass(dev); class != pci.ClassSerialUSBXHCI {
		return nil, nil
	}
	log.Print("notice: xhci: found controller at ", dev.BusAddress())

	bar0 := pci.GetBAR(dev, 0)
	if bar0.Is64() && pci.GetBAR(dev, 1) != 0 {
		// Ring and context pointers are programmed as 32-bit
		// quantities; a register window above 4 GiB cannot be driven.
		log.Print("err", "xhci: ", dev.BusAddress(),
			": registers above 4G are not supported")
		return nil, ErrUnsupported
	}
	if !bar0.IsMem() || !bar0.Valid() {
		log.Print("err", "xhci: ", dev.BusAddress(),
			": not memory mapped (broken firmware)")
		return nil, ErrUnsupported
	}

	// Needed for coreboot, VMware, broken BIOSes etc.
	pci.EnableBusMaster(dev)

	mmio, err := dev.MapRange(uint64(bar0.Addr()), mapBytes)
	if err != nil {
		return nil, fmt.Errorf("xhci: map %v: %w", bar0, err)
	}

	c := &Controller{
		plat:      plat,
		dev:       dev,
		mmio:      mmio,
		addrSlot:  make(map[uint8]*deviceSlot),
		endpoints: make(map[endpointKey]*endpointQueue),
		tdByPhys:  make(map[uint32]*td),
	}
	if err = c.discoverRegions(); err != nil {
		return nil, err
	}
	c.readCapabilities()
	c.dumpCaps()

	// BIOS to OS handover must precede touching the operational state.
	c.negotiateOwnership()

	if err = c.bringUp(); err != nil {
		log.Print("err", "xhci: ", dev.BusAddress(), ": ", err)
		c.releaseMemory()
		return nil, err
	}
	c.dumpOper()

	r.Register(c)
	log.Print("notice: xhci: ", dev.BusAddress(), " running, ",
		c.caps.MaxPorts, " ports, ", c.caps.MaxSlots, " slots")
	return c, nil
}

// discoverRegions computes the operational, runtime and doorbell bases from
// the capability registers, per Section 5.3 in the xHCI specification:
// operational at CAPLENGTH, doorbells at DBOFF with the low 2 bits
// reserved, runtime at RTSOFF with the low 5 bits reserved.
func (c *Controller) discoverRegions() error {
	c.cap = c.mmio
	caplen := uint(c.cap.Read8(capCapLength))
	if caplen&3 != 0 {
		// The Region contract requires naturally aligned 32-bit
		// accesses; an unaligned operational base cannot be honored.
		log.Print("err", "xhci: unaligned CAPLENGTH ", caplen)
		return ErrUnsupported
	}
	c.op = hw.SubRegion(c.mmio, caplen)
	c.db = hw.SubRegion(c.mmio, uint(c.cap.Read32(capDBOff)&dboffMask))
	c.run = hw.SubRegion(c.mmio, uint(c.cap.Read32(capRTSOff)&rtsoffMask))
	return nil
}

func (c *Controller) readCapabilities() {
	p1 := c.cap.Read32(capHCSParams1)
	p2 := c.cap.Read32(capHCSParams2)
	cc1 := c.cap.Read32(capHCCParams1)
	c.caps = Capabilities{
		HCIVersion:  c.cap.Read16(capHCIVersion),
		MaxSlots:    hcsMaxSlots(p1),
		MaxIntrs:    hcsMaxIntrs(p1),
		MaxPorts:    hcsMaxPorts(p1),
		AC64:        cc1&hccAC64 != 0,
		CSZ:         cc1&hccCSZ != 0,
		PPC:         cc1&hccPPC != 0,
		XECP:        hccExtCapPointer(cc1),
		Scratchpads: hcsScratchpads(p2),
	}
	// PAGESIZE bit n set means 2^(n+12) bytes supported; bit 0 (4K) is
	// the one every controller implements and the one we allocate.
	ps := c.op.Read32(opPageSize)
	c.caps.PageSize = 4096
	if ps&1 == 0 && ps != 0 {
		for i := uint(0); i < 16; i++ {
			if ps&(1<<i) != 0 {
				c.caps.PageSize = 1 << (12 + i)
				break
			}
		}
	}
	c.portResetDone = make([]bool, c.caps.MaxPorts+1)
}

func (c *Controller) dumpCaps() {
	log.Printf("daemon.debug: xhci: HCIVERSION=0x%04x HCSPARAMS1=0x%08x HCCPARAMS1=0x%08x DBOFF=0x%08x RTSOFF=0x%08x",
		c.caps.HCIVersion, c.cap.Read32(capHCSParams1),
		c.cap.Read32(capHCCParams1),
		c.cap.Read32(capDBOff)&dboffMask,
		c.cap.Read32(capRTSOff)&rtsoffMask)
}

func (c *Controller) dumpOper() {
	log.Printf("daemon.debug: xhci: USBCMD=0x%08x USBSTS=0x%08x PAGESIZE=%d CRCR=0x%08x DCBAAP=0x%08x CONFIG=0x%08x",
		c.op.Read32(opUSBCmd), c.op.Read32(opUSBSts), c.caps.PageSize,
		c.op.Read32(opCRCR), c.op.Read32(opDCBAAP),
		c.op.Read32(opConfig))
}
