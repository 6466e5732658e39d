// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"github.com/platinasystems/log"
	"github.com/platinasystems/xhci/hw"
)

// The xHCI specification says ownership handover completes within 16 ms;
// fw out there takes longer, so the wait is generous before the hard
// takeover.
const handoverTimeoutMs = 1000

// negotiateOwnership walks the extended capability list for USBLEGSUP and
// performs the BIOS to OS handover. A handover timeout is downgraded to a
// forced takeover: discovery must not abort because firmware is sulking.
// SMI generation is disabled whatever the negotiation outcome. Absent
// extended capabilities mean the controller is already ours.
func (c *Controller) negotiateOwnership() {
	legsup, ok := c.findExtCap(xcapLegacy)
	if !ok {
		log.Print("notice: xhci: no USBLEGSUP, ownership is OS's")
		return
	}

	v := c.mmio.Read32(legsup)
	switch {
	case v&legsupBIOSOwned != 0:
		log.Print("notice: xhci: owned by BIOS, requesting handover")
		c.mmio.Write32(legsup, v|legsupOSOwned)
		hw.ReadBack(c.mmio, legsup)
		st := hw.PollUntil(c.plat.Clock, handoverTimeoutMs, func() bool {
			return c.mmio.Read32(legsup)&legsupBIOSOwned == 0
		})
		if st == hw.TimedOut {
			// Hard takeover: clear BIOS-owned ourselves. Never
			// fatal; the controller is taken either way.
			log.Print("notice: xhci: handover timeout, forcing ownership")
			c.mmio.Write32(legsup, legsupOSOwned)
			hw.ReadBack(c.mmio, legsup)
		}
	case v&legsupOSOwned != 0:
		log.Print("notice: xhci: already owned by OS")
	default:
		log.Print("notice: xhci: owned by nobody, claiming")
		c.mmio.Write32(legsup, v|legsupOSOwned)
		hw.ReadBack(c.mmio, legsup)
	}

	// Shut off SMI generation so firmware stops reacting to the
	// controller behind our back.
	c.mmio.Write32(legsup+legctlstsOffset, 0)
	hw.ReadBack(c.mmio, legsup+legctlstsOffset)
}

// findExtCap walks the extended capability list in MMIO space for the first
// capability with the given id, returning its byte offset from the MMIO
// base. The pointer chain is bounded so a looping list cannot hang us.
func (c *Controller) findExtCap(id uint8) (offset uint, ok bool) {
	// Pointers below 0x40 bytes would alias the capability registers.
	if c.caps.XECP == 0 || 4*c.caps.XECP < 0x40 {
		return 0, false
	}
	o := 4 * c.caps.XECP
	for n := 0; n < 64; n++ {
		v := c.mmio.Read32(o)
		if uint8(v) == id {
			return o, true
		}
		next := uint((v >> 8) & 0xff)
		if next == 0 {
			break
		}
		o += 4 * next
	}
	return 0, false
}

// collectProtocols records the Supported Protocol capabilities so the port
// manager can tell USB3 protocol ports from USB2 ones. Missing protocol
// capabilities leave the list empty and every port classifies as USB2.
func (c *Controller) collectProtocols() {
	c.protocols = c.protocols[:0]
	if c.caps.XECP == 0 || 4*c.caps.XECP < 0x40 {
		return
	}
	o := 4 * c.caps.XECP
	for n := 0; n < 64; n++ {
		v := c.mmio.Read32(o)
		if uint8(v) == xcapProtocol {
			ports := c.mmio.Read32(o + 8)
			c.protocols = append(c.protocols, protocolRange{
				firstPort: uint(ports & 0xff),
				count:     uint((ports >> 8) & 0xff),
				major:     uint8(v >> 24),
			})
		}
		next := uint((v >> 8) & 0xff)
		if next == 0 {
			break
		}
		o += 4 * next
	}
}

// protocolMajor returns the USB major revision spoken by a port, 2 when no
// Supported Protocol capability covers it.
func (c *Controller) protocolMajor(port uint) uint8 {
	for _, p := range c.protocols {
		if port >= p.firstPort && port < p.firstPort+p.count {
			return p.major
		}
	}
	return 2
}
