// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Polling driver for USB xHCI host controllers. No interrupts, no 64-bit
// device addressing; completion is observed by bounded busy-polling, which
// is what a pre-boot environment can do.
package xhci

// Host controller capability registers, offsets from the MMIO base.
// Section 5.3 in the xHCI specification.
const (
	capCapLength  = 0x00 // 1 byte
	capHCIVersion = 0x02 // 2 bytes
	capHCSParams1 = 0x04
	capHCSParams2 = 0x08
	capHCSParams3 = 0x0c
	capHCCParams1 = 0x10
	capDBOff      = 0x14
	capRTSOff     = 0x18
	capHCCParams2 = 0x1c
	// (CAPLENGTH - 0x20) bytes reserved
)

// HCSPARAMS1 fields.
func hcsMaxSlots(p uint32) uint { return uint(p & 0xff) }
func hcsMaxIntrs(p uint32) uint { return uint((p >> 8) & 0x3ff) }
func hcsMaxPorts(p uint32) uint { return uint((p >> 24) & 0xff) }

// HCSPARAMS2 scratchpad count is split across two fields.
func hcsScratchpads(p uint32) uint {
	return uint(((p >> 16) & 0x3e0) | ((p >> 27) & 0x1f))
}

// HCCPARAMS1 bits and fields.
const (
	hccAC64 = 1 << 0 // 64-bit addressing capability
	hccCSZ  = 1 << 2 // 64-byte context size
	hccPPC  = 1 << 3 // port power control
)

// Extended capabilities pointer, in dwords from the MMIO base.
func hccExtCapPointer(p uint32) uint { return uint(p >> 16) }

// bit 1:0 of DBOFF and bit 4:0 of RTSOFF are reserved.
const (
	dboffMask  = ^uint32(0x3)
	rtsoffMask = ^uint32(0x1f)
)

// Host controller operational registers, offsets from the operational base
// (MMIO base + CAPLENGTH). Section 5.4 in the xHCI specification.
const (
	opUSBCmd   = 0x00
	opUSBSts   = 0x04
	opPageSize = 0x08
	// 0x0c - 0x13 reserved
	opDNCtrl   = 0x14
	opCRCR     = 0x18 // command ring control, low dword
	opCRCRHi   = 0x1c
	// 0x20 - 0x2f reserved
	opDCBAAP   = 0x30 // device context base address array, low dword
	opDCBAAPHi = 0x34
	opConfig   = 0x38
	// 0x3c - 0x3ff reserved
	opPortBase = 0x400 // port register set 1..MaxPorts
)

// USBCMD bits.
const (
	cmdRunStop = 1 << 0
	cmdHCRST   = 1 << 1 // host controller reset
	cmdINTE    = 1 << 2 // interrupter enable
	cmdHSEE    = 1 << 3 // host system error enable
	cmdLHCRST  = 1 << 7 // light host controller reset
	cmdCSS     = 1 << 8 // controller save state
	cmdCRS     = 1 << 9 // controller restore state
	cmdEWE     = 1 << 10 // enable wrap event
)

// USBSTS bits.
const (
	stsHCH  = 1 << 0 // host controller halted
	stsHSE  = 1 << 2 // host system error
	stsEINT = 1 << 3 // event interrupt
	stsPCD  = 1 << 4 // port change detect
	stsSSS  = 1 << 8 // save state status
	stsRSS  = 1 << 9 // restore state status
	stsSRE  = 1 << 10 // save/restore error
	stsCNR  = 1 << 11 // controller not ready
	stsHCE  = 1 << 12 // host controller error
)

// CRCR low dword bits.
const (
	crcrRCS = 1 << 0 // ring cycle state
	crcrCS  = 1 << 1 // command stop
	crcrCA  = 1 << 2 // command abort
	crcrCRR = 1 << 3 // command ring running
)

// Port register set: 16 bytes per port starting at opPortBase.
const (
	portRegBytes = 0x10
	portSC       = 0
	portPMSC     = 4
	portLI       = 8
	portHLPMC    = 12
)

func portSCOffset(port uint) uint {
	return opPortBase + portRegBytes*(port-1) + portSC
}

// PORTSC bits.
const (
	portCCS           = 1 << 0 // current connect status
	portPEDChange     = 1 << 1 // port enabled/disabled change
	portEnabled       = 1 << 2
	portEnabledChange = 1 << 3
	portOvercurrent   = 1 << 4
	portOvercurChange = 1 << 5
	portResume        = 1 << 6
	portSuspend       = 1 << 7
	portReset         = 1 << 8
	portLineMask      = 3 << 10
	portLineK         = 1 << 10 // K state means low speed
	portPower         = 1 << 12
	portOwner         = 1 << 13
)

// Change bits are write-1-to-clear; mask them out of read-modify-write so a
// plain bit set does not accidentally acknowledge a pending change.
const portWriteMask = ^uint32(portPEDChange | portEnabledChange | portOvercurChange)

// Runtime registers, offsets from the runtime base (MMIO base + RTSOFF).
// Only interrupter 0 is used; its event ring is polled, never armed.
const (
	runMFIndex = 0x00
	// interrupter register set 0 at 0x20
	irqIMan     = 0x20
	irqIMod     = 0x24
	irqERSTSz   = 0x28
	irqERSTBA   = 0x30 // low dword
	irqERSTBAHi = 0x34
	irqERDP     = 0x38 // low dword
	irqERDPHi   = 0x3c
)

const (
	imanIP = 1 << 0 // interrupt pending
	imanIE = 1 << 1 // interrupt enable

	erdpEHB = 1 << 3 // event handler busy
)

// Doorbell array, offsets from the doorbell base (MMIO base + DBOFF).
// Doorbell 0 is the command ring; doorbell n targets device slot n with the
// endpoint id in the low byte of the written value.
const (
	maxDoorbells  = 256
	doorbellBytes = 4
)

func doorbellOffset(target uint) uint { return doorbellBytes * target }

// Extended capability list, walked in MMIO space at 4*xECP from the base.
// Each entry: id in bits 7:0, next pointer in dwords in bits 15:8.
const (
	xcapLegacy   = 1 // USBLEGSUP
	xcapProtocol = 2 // supported protocol
)

// USBLEGSUP bits; the SMI control dword (USBLEGCTLSTS) follows at +4.
const (
	legsupBIOSOwned = 1 << 16
	legsupOSOwned   = 1 << 24
	legctlstsOffset = 4
)
