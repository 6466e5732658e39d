// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Generic devices on PCI bus, as seen by a polling firmware driver.
// Config space access and BAR mapping are supplied by the platform through
// the Devicer interface; this package only knows the layout.
package pci

import (
	"fmt"

	"github.com/platinasystems/xhci/hw"
)

// BusAddress names a device on the bus.
type BusAddress struct {
	Domain        uint16
	Bus, Slot, Fn uint8
}

func (a BusAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x", a.Domain, a.Bus, a.Slot, a.Fn)
}

// Devicer is what the platform PCI bus layer provides for one device:
// config space accessors and a mapper turning a physical register range into
// a process-visible Region.
type Devicer interface {
	BusAddress() BusAddress
	ReadConfigUint8(offset uint) uint8
	ReadConfigUint16(offset uint) uint16
	ReadConfigUint32(offset uint) uint32
	WriteConfigUint16(offset uint, v uint16)
	WriteConfigUint32(offset uint, v uint32)
	// MapRange maps size bytes of physical address space starting at phys.
	MapRange(phys uint64, size uint) (hw.Region, error)
}

// Standard config space offsets (header type 0).
const (
	VendorIDOffset   = 0x00
	DeviceIDOffset   = 0x02
	CommandOffset    = 0x04
	StatusOffset     = 0x06
	RevisionOffset   = 0x08
	ClassOffset      = 0x08 // revision + interface + class, one dword
	BAR0Offset       = 0x10
	BAR1Offset       = 0x14
	CapabilityOffset = 0x34
)

// Command register bits.
type Command uint16

const (
	IOEnable Command = 1 << iota
	MemoryEnable
	BusMasterEnable
)

// DeviceClass is the 24-bit class/subclass/interface triple from config
// space dword 0x08 bits 31:8.
type DeviceClass uint32

const (
	// Serial bus controller, USB, xHCI programming interface.
	ClassSerialUSBXHCI DeviceClass = 0x0c0330
)

func (c DeviceClass) String() string { return fmt.Sprintf("0x%06x", uint32(c)) }

// GetDeviceClass reads the class triple for d.
func GetDeviceClass(d Devicer) DeviceClass {
	return DeviceClass(d.ReadConfigUint32(ClassOffset) >> 8)
}

// EnableBusMaster sets memory space and bus master enables, needed before
// MMIO decoding and DMA work on coreboot, VMware and broken BIOSes.
func EnableBusMaster(d Devicer) {
	v := Command(d.ReadConfigUint16(CommandOffset))
	d.WriteConfigUint16(CommandOffset, uint16(v|MemoryEnable|BusMasterEnable))
}

// BaseAddressReg is a raw BAR value including the flag bits.
type BaseAddressReg uint32

func (b BaseAddressReg) IsMem() bool { return b&(1<<0) == 0 }

// Is64 reports a 64-bit memory BAR (type field == 2).
func (b BaseAddressReg) Is64() bool { return b.IsMem() && (b>>1)&3 == 2 }

// Addr is the address portion of a 32-bit memory BAR.
func (b BaseAddressReg) Addr() uint32 { return uint32(b) &^ 0xf }

func (b BaseAddressReg) Valid() bool { return b.Addr() != 0 }

func (b BaseAddressReg) String() string {
	if !b.IsMem() {
		return fmt.Sprintf("{i/o: 0x%08x}", uint32(b)&^0x3)
	}
	loc := "32-bit"
	if b.Is64() {
		loc = "64-bit"
	}
	return fmt.Sprintf("{mem: %s 0x%08x}", loc, b.Addr())
}

// GetBAR reads base address register index (0..5).
func GetBAR(d Devicer, index uint) BaseAddressReg {
	return BaseAddressReg(d.ReadConfigUint32(BAR0Offset + 4*index))
}
