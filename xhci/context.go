// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xhci/hw"
)

// deviceSlot is one attached USB device as the controller sees it: a slot
// id, the output device context the controller writes, and the input
// context we hand to Address Device. Up to 31 endpoint contexts follow the
// slot context in each.
type deviceSlot struct {
	id      uint
	devAddr uint8
	output  hw.Chunk
	input   hw.Chunk
}

const (
	slotContexts      = 32 // slot context + 31 endpoint contexts
	inputContexts     = 33 // input control context ahead of the 32
	dcbaaEntryBytes   = 8
	contextAlignLog2  = 6
	dcbaaAlignLog2    = 6
	scratchAlignLog2  = 6
)

// contextBytes is 32, or 64 when the controller sets CSZ.
func (c *Controller) contextBytes() uint {
	if c.caps.CSZ {
		return 64
	}
	return 32
}

// inputCtx returns context index i of a slot's input context: 0 is the
// input control context, 1 the slot context, n+1 endpoint id n.
func (c *Controller) inputCtx(s *deviceSlot, i uint) []byte {
	ctx := c.contextBytes()
	return s.input.Data[i*ctx : (i+1)*ctx]
}

// Input control context add flags, dword 1: bit 0 is the slot context,
// bit n endpoint id n.
const inputAddSlot = 1 << 0

func (c *Controller) setInputAddFlags(s *deviceSlot, flags uint32) {
	binary.LittleEndian.PutUint32(c.inputCtx(s, 0)[4:], flags)
}

// writeSlotContext fills slot context dword 0: route string zero (this
// driver only addresses root port devices) and the index of the last valid
// endpoint context.
func (c *Controller) writeSlotContext(s *deviceSlot, lastEndpoint uint) {
	binary.LittleEndian.PutUint32(c.inputCtx(s, 1), uint32(lastEndpoint)<<27)
}

// Endpoint context types, dword 1 bits 5:3.
const (
	epTypeBulkOut = 2
	epTypeIntrOut = 3
	epTypeControl = 4
	epTypeBulkIn  = 6
	epTypeIntrIn  = 7
)

// writeEndpointContext fills the endpoint context for endpoint id: type,
// max packet size, error count 3, and the TR dequeue pointer with the
// dequeue cycle state 1 to match freshly written transfer TRBs.
func (c *Controller) writeEndpointContext(s *deviceSlot, id, epType, maxPacket uint, dequeue uint32) {
	buf := c.inputCtx(s, id+1)
	binary.LittleEndian.PutUint32(buf[4:],
		uint32(epType)<<3|uint32(maxPacket)<<16|3<<1)
	binary.LittleEndian.PutUint32(buf[8:], dequeue|1)
	binary.LittleEndian.PutUint32(buf[12:], 0)
}

// setupDCBAA allocates the device context base address array, plus the
// scratchpad buffer array in entry 0 when the controller asks for
// scratchpads, and programs DCBAAP.
func (c *Controller) setupDCBAA() error {
	n := (c.caps.MaxSlots + 1) * dcbaaEntryBytes
	chunk, err := c.plat.Arena.Alloc(n, dcbaaAlignLog2)
	if err != nil {
		return fmt.Errorf("xhci: dcbaa alloc: %w", err)
	}
	for i := range chunk.Data {
		chunk.Data[i] = 0
	}
	c.dcbaa = chunk

	if c.caps.Scratchpads > 0 {
		if err = c.setupScratchpads(); err != nil {
			c.plat.Arena.Free(chunk)
			c.dcbaa = hw.Chunk{}
			return err
		}
	}

	c.plat.Arena.Sync(c.dcbaa)
	c.op.Write32(opDCBAAP, c.dcbaa.Phys)
	c.op.Write32(opDCBAAPHi, 0)
	return nil
}

// setupScratchpads builds the scratchpad pointer array and its pages and
// points DCBAA entry 0 at the array. The controller owns these pages; we
// never read them.
func (c *Controller) setupScratchpads() error {
	array, err := c.plat.Arena.Alloc(c.caps.Scratchpads*8, scratchAlignLog2)
	if err != nil {
		return fmt.Errorf("xhci: scratchpad array alloc: %w", err)
	}
	c.scratch = append(c.scratch, array)
	for i := uint(0); i < c.caps.Scratchpads; i++ {
		page, err := c.plat.Arena.Alloc(c.caps.PageSize, 12)
		if err != nil {
			return fmt.Errorf("xhci: scratchpad page alloc: %w", err)
		}
		c.scratch = append(c.scratch, page)
		binary.LittleEndian.PutUint32(array.Data[i*8:], page.Phys)
		binary.LittleEndian.PutUint32(array.Data[i*8+4:], 0)
	}
	c.plat.Arena.Sync(array)
	c.setDCBAAEntry(0, array.Phys)
	return nil
}

func (c *Controller) setDCBAAEntry(slot uint, phys uint32) {
	binary.LittleEndian.PutUint32(c.dcbaa.Data[slot*dcbaaEntryBytes:], phys)
	binary.LittleEndian.PutUint32(c.dcbaa.Data[slot*dcbaaEntryBytes+4:], 0)
	c.plat.Arena.Sync(c.dcbaa)
}

// ensureSlot returns the device slot for a USB device address, enabling a
// slot and addressing the device on first use.
func (c *Controller) ensureSlot(devAddr uint8) (*deviceSlot, error) {
	if s, ok := c.addrSlot[devAddr]; ok {
		return s, nil
	}
	id, err := c.enableSlot()
	if err != nil {
		return nil, err
	}
	s := &deviceSlot{id: id, devAddr: devAddr}
	ctx := c.contextBytes()
	if s.output, err = c.plat.Arena.Alloc(slotContexts*ctx, contextAlignLog2); err != nil {
		return nil, fmt.Errorf("xhci: output context alloc: %w", err)
	}
	if s.input, err = c.plat.Arena.Alloc(inputContexts*ctx, contextAlignLog2); err != nil {
		c.plat.Arena.Free(s.output)
		return nil, fmt.Errorf("xhci: input context alloc: %w", err)
	}
	for i := range s.output.Data {
		s.output.Data[i] = 0
	}
	for i := range s.input.Data {
		s.input.Data[i] = 0
	}
	c.plat.Arena.Sync(s.output)
	c.setDCBAAEntry(id, s.output.Phys)

	// The default control endpoint and its transfer queue go in with
	// Address Device; other endpoints are added on first use.
	key := endpointKey{devAddr: devAddr, endpoint: 0}
	eq, err := c.newQueue(s, key, false)
	if err != nil {
		c.freeSlot(s)
		return nil, err
	}
	c.setInputAddFlags(s, inputAddSlot|1<<1)
	c.writeSlotContext(s, 1)
	c.writeEndpointContext(s, 1, epTypeControl, 64, eq.anchor.Phys)

	if err = c.addressDevice(s); err != nil {
		log.Print("err", "xhci: address device slot ", id, ": ", err)
		c.freeSlot(s)
		return nil, err
	}
	c.slots[id] = s
	c.addrSlot[devAddr] = s
	return s, nil
}

// freeSlot releases a slot's contexts and registry entries when
// enumeration fails partway; the slot-disable command is best effort.
func (c *Controller) freeSlot(s *deviceSlot) {
	if c.slots != nil && s.id < uint(len(c.slots)) && c.slots[s.id] == s {
		c.slots[s.id] = nil
		c.setDCBAAEntry(s.id, 0)
		if err := c.disableSlot(s.id); err != nil {
			log.Print("err", "xhci: disable slot ", s.id, ": ", err)
		}
	}
	for key, eq := range c.endpoints {
		if key.devAddr == s.devAddr {
			eq.release(c)
			delete(c.endpoints, key)
		}
	}
	delete(c.addrSlot, s.devAddr)
	if s.output.Data != nil {
		c.plat.Arena.Free(s.output)
	}
	if s.input.Data != nil {
		c.plat.Arena.Free(s.input)
	}
}
