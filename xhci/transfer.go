// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"errors"
	"fmt"

	"github.com/platinasystems/xhci/hw"
)

// PID is the token a transaction starts with.
type PID uint8

const (
	PIDOut PID = iota
	PIDIn
	PIDSetup
)

// TransferType mirrors the USB transfer classes this driver services.
type TransferType uint8

const (
	Control TransferType = iota
	Bulk
	Interrupt
)

// Transaction is one bus transaction of a transfer: its PID, the data
// toggle the generic core expects (bookkeeping only; xHCI sequences data
// stages through the endpoint context, not per-TRB toggle bits), the byte
// count and the bus address of the caller-owned buffer.
type Transaction struct {
	PID    PID
	Toggle bool
	Size   uint
	Data   uint32
}

// Transfer is one logical control/bulk/interrupt operation submitted by the
// generic USB core. The core owns it and the buffers; the driver holds only
// back-references from submission to completion.
type Transfer struct {
	DevAddr      uint8
	Endpoint     uint8 // endpoint address including the direction bit
	Type         TransferType
	MaxPacket    uint // 0 picks the class default
	Transactions []Transaction

	tds []*td
	eq  *endpointQueue
}

func (x *Transfer) maxPacket() uint {
	if x.MaxPacket != 0 {
		return x.MaxPacket
	}
	if x.Type == Interrupt {
		return 64
	}
	return 512
}

// Software status token of a TD, maintained from polled completion events
// (or directly inspectable in degraded setups). Layout follows the classic
// token word: active and halted flags plus the remaining byte count.
const (
	tokenActive uint32 = 1 << 31
	tokenHalted uint32 = 1 << 30
)

func tokenRemaining(n uint32) uint32 { return n & 0xffffff }
func remainingOf(token uint32) uint  { return uint(token & 0xffffff) }

// td is one TRB group: a transfer TRB followed by a link slot chaining to
// the next TD. TDs live in their own chunks so a canceled one can be
// spliced out and reclaimed independently.
type td struct {
	chunk hw.Chunk
	next  *td
	token uint32
	size  uint
}

const tdBytes = 2 * trbBytes

func (t *td) trbPhys() uint32   { return t.chunk.Phys }
func (t *td) linkSlot() []byte  { return t.chunk.Data[trbBytes:tdBytes] }
func (t *td) transferred() uint { return t.size - remainingOf(t.token) }

// linkSlotTo points a link slot (a TD's or the endpoint anchor's) at phys,
// body first, cycle bit last so the consumer never follows a half-written
// link.
func linkSlotTo(slot []byte, phys uint32) {
	putTRBVisible(slot, trb{
		parameter: phys,
		control:   trbControl(trbLink, trbCycle),
	})
}

// terminateLinkSlot leaves the link slot invalid: the consumer stops here.
// A terminal TD carries no alternate next pointer.
func terminateLinkSlot(slot []byte) {
	putTRB(slot, trb{})
}

func linkSlotTarget(slot []byte) (phys uint32, valid bool) {
	t := getTRB(slot)
	return t.parameter, t.control&trbCycle != 0
}

// endpointKey identifies a transfer queue.
type endpointKey struct {
	devAddr  uint8
	endpoint uint8
}

// endpointQueue is the per-endpoint transfer ring: an anchor link slot the
// controller's endpoint context points at, plus the software chain of
// queued TDs.
type endpointQueue struct {
	key       endpointKey
	slot      *deviceSlot
	dbTarget  uint
	interrupt bool
	enabled   bool

	anchor      hw.Chunk // one link slot
	first, last *td
}

// endpoint ids as doorbells and endpoint contexts number them: control
// endpoint is 1, endpoint n is 2n for OUT, 2n+1 for IN.
func endpointID(endpoint uint8) uint {
	num := uint(endpoint & 0xf)
	if num == 0 {
		return 1
	}
	id := 2 * num
	if endpoint&0x80 != 0 {
		id++
	}
	return id
}

// newQueue allocates and registers an empty transfer queue: one anchor
// link slot the endpoint context will point at.
func (c *Controller) newQueue(s *deviceSlot, key endpointKey, interrupt bool) (*endpointQueue, error) {
	anchor, err := c.plat.Arena.Alloc(trbBytes, ringLog2Align)
	if err != nil {
		return nil, fmt.Errorf("xhci: endpoint anchor alloc: %w", err)
	}
	eq := &endpointQueue{
		key:       key,
		slot:      s,
		dbTarget:  endpointID(key.endpoint),
		interrupt: interrupt,
		enabled:   true,
		anchor:    anchor,
	}
	terminateLinkSlot(eq.anchor.Data)
	c.plat.Arena.Sync(eq.anchor)
	c.endpoints[key] = eq
	return eq, nil
}

func epTypeFor(x *Transfer) uint {
	in := x.Endpoint&0x80 != 0
	if x.Type == Interrupt {
		if in {
			return epTypeIntrIn
		}
		return epTypeIntrOut
	}
	if in {
		return epTypeBulkIn
	}
	return epTypeBulkOut
}

// queueFor resolves the transfer queue for x, creating the device slot and
// configuring the endpoint on first use. The default control endpoint
// comes into existence with the slot itself.
func (c *Controller) queueFor(x *Transfer) (*endpointQueue, error) {
	key := endpointKey{devAddr: x.DevAddr, endpoint: x.Endpoint}
	if endpointID(x.Endpoint) == 1 {
		key.endpoint = 0
	}
	if eq, ok := c.endpoints[key]; ok {
		return eq, nil
	}
	s, err := c.ensureSlot(x.DevAddr)
	if err != nil {
		return nil, err
	}
	if eq, ok := c.endpoints[key]; ok {
		// ensureSlot created the default control queue.
		return eq, nil
	}
	eq, err := c.newQueue(s, key, x.Type == Interrupt)
	if err != nil {
		return nil, err
	}
	id := eq.dbTarget
	c.setInputAddFlags(s, inputAddSlot|1<<id)
	c.writeSlotContext(s, id)
	c.writeEndpointContext(s, id, epTypeFor(x), x.maxPacket(), eq.anchor.Phys)
	if err = c.configureEndpoint(s); err != nil {
		eq.release(c)
		delete(c.endpoints, key)
		return nil, err
	}
	return eq, nil
}

// tailSlot is where the next TD chain gets linked in.
func (eq *endpointQueue) tailSlot() []byte {
	if eq.last != nil {
		return eq.last.linkSlot()
	}
	return eq.anchor.Data
}

func (eq *endpointQueue) release(c *Controller) {
	for t := eq.first; t != nil; t = t.next {
		delete(c.tdByPhys, t.trbPhys())
		c.plat.Arena.Free(t.chunk)
	}
	eq.first, eq.last = nil, nil
	eq.enabled = false
	if eq.anchor.Data != nil {
		c.plat.Arena.Free(eq.anchor)
		eq.anchor = hw.Chunk{}
	}
}

// SetupTransfer validates the controller state, maps the transfer onto a
// TD chain, links the chain into the endpoint's queue and rings the
// doorbell. The TRBs are globally visible before the doorbell write.
func (c *Controller) SetupTransfer(x *Transfer) error {
	if c.state != Running || c.halted() {
		return ErrInternal
	}
	if len(x.Transactions) == 0 || x.tds != nil {
		return ErrInternal
	}
	eq, err := c.queueFor(x)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrInternal) {
			return err
		}
		return fmt.Errorf("%v: %w", err, ErrInternal)
	}

	tds := make([]*td, 0, len(x.Transactions))
	var prev *td
	for i := range x.Transactions {
		tr := &x.Transactions[i]
		chunk, err := c.plat.Arena.Alloc(tdBytes, ringLog2Align)
		if err != nil {
			c.freeTDs(tds)
			return fmt.Errorf("xhci: td alloc: %v: %w", err, ErrInternal)
		}
		t := &td{
			chunk: chunk,
			token: tokenActive | tokenRemaining(uint32(tr.Size)),
			size:  tr.Size,
		}
		putTRBVisible(chunk.Data[:trbBytes], c.transferTRB(x, tr))
		terminateLinkSlot(t.linkSlot())
		if prev != nil {
			prev.next = t
			linkSlotTo(prev.linkSlot(), t.trbPhys())
			c.plat.Arena.Sync(prev.chunk)
		}
		c.tdByPhys[t.trbPhys()] = t
		tds = append(tds, t)
		prev = t
	}
	for _, t := range tds {
		c.plat.Arena.Sync(t.chunk)
	}

	// Publish the chain: the tail link flip is the last ring-memory
	// store before the doorbell.
	x.tds = tds
	x.eq = eq
	tail := eq.tailSlot()
	if eq.last != nil {
		eq.last.next = tds[0]
	}
	linkSlotTo(tail, tds[0].trbPhys())
	if eq.first == nil {
		eq.first = tds[0]
	}
	eq.last = tds[len(tds)-1]
	c.syncQueue(eq)

	c.ringDoorbell(eq.slot.id, eq.dbTarget)
	return nil
}

// transferTRB builds the one transfer TRB of a TD. Every TRB requests a
// completion event; that is what keeps the software tokens current under
// polling.
func (c *Controller) transferTRB(x *Transfer, tr *Transaction) trb {
	t := trb{
		parameter: tr.Data,
		status:    uint32(tr.Size) & 0x1ffff,
		control:   trbIOC | trbCycle,
	}
	switch {
	case tr.PID == PIDSetup:
		t.control |= trbControl(trbSetupStage, 0)
	case x.Type == Control && tr.Size == 0:
		t.control |= trbControl(trbStatusStage, 0)
	case x.Type == Control:
		t.control |= trbControl(trbDataStage, 0)
	default:
		t.control |= trbControl(trbNormal, 0)
	}
	if tr.PID == PIDIn {
		t.control |= trbDirIn | trbISP
	}
	return t
}

func (c *Controller) syncQueue(eq *endpointQueue) {
	c.plat.Arena.Sync(eq.anchor)
	for t := eq.first; t != nil; t = t.next {
		c.plat.Arena.Sync(t.chunk)
	}
}

// CheckTransfer is the non-blocking completion poll the generic USB core
// invokes repeatedly. actual is the byte count transferred so far at any
// terminal outcome; ErrWait means still in flight. A short packet on an
// otherwise finished TD is a successful short completion - retry policy
// belongs to the caller.
func (c *Controller) CheckTransfer(x *Transfer) (actual uint, err error) {
	if x.eq == nil || x.tds == nil {
		return 0, ErrInternal
	}
	if c.halted() {
		actual = c.settle(x)
		return actual, ErrInternal
	}
	c.drainEvents()

	for _, t := range x.tds {
		tok := t.token
		if tok&tokenHalted != 0 {
			// Endpoint halted mid-chain: report what got through
			// up to the halt point.
			actual += t.transferred()
			c.settle(x)
			return actual, ErrStall
		}
		if tok&tokenActive != 0 {
			return actual, ErrWait
		}
		actual += t.transferred()
		if remainingOf(tok) != 0 {
			// Inactive with a nonzero byte count: short packet.
			c.settle(x)
			return actual, nil
		}
	}
	// Ring advanced past the last TD and its pointer terminates.
	c.settle(x)
	return actual, nil
}

// settle detaches a finished transfer's TDs from the queue and frees them,
// returning the transferred byte total for the halted path. The hardware
// is done with these TDs (completed, or the endpoint is halted), so no
// handshake is needed here.
func (c *Controller) settle(x *Transfer) (actual uint) {
	for _, t := range x.tds {
		actual += t.transferred()
	}
	if x.eq != nil {
		// Best effort unlink; a corrupt chain here is ignored, the
		// memory still gets released below.
		x.eq.unlink(c, x)
	}
	c.freeTDs(x.tds)
	x.tds = nil
	return
}

func (c *Controller) freeTDs(tds []*td) {
	for _, t := range tds {
		delete(c.tdByPhys, t.trbPhys())
		c.plat.Arena.Free(t.chunk)
	}
}

const (
	// Confirmation bound for the doorbell acknowledgement handshake.
	cancelAckTimeoutMs = 2
	// Periodic endpoints advance on the frame schedule; a fixed delay
	// is the only confirmation available.
	cancelPeriodicDelayMs = 20
)

// CancelTransfer withdraws an in-flight transfer. When the controller is
// halted or the endpoint is no longer scheduled the TDs are trivially
// reclaimed. Otherwise the chain is spliced out of the queue and the
// driver waits for confirmation that hardware stopped referencing it
// before the memory is reclaimed - reclaiming earlier would hand the
// arena memory still being read by DMA.
func (c *Controller) CancelTransfer(x *Transfer) error {
	if x.eq == nil || x.tds == nil {
		return nil
	}
	eq := x.eq
	if c.halted() || c.state != Running || !eq.enabled {
		eq.unlink(c, x)
		c.freeTDs(x.tds)
		x.tds = nil
		return nil
	}

	if err := eq.splice(c, x); err != nil {
		return err
	}
	c.syncQueue(eq)

	if eq.interrupt {
		// Wait out a few frames of the periodic schedule.
		c.plat.Clock.Millisleep(cancelPeriodicDelayMs)
	} else {
		// Nudge the endpoint, then use a command ring no-op as the
		// advance acknowledgement. A timeout here is not reported:
		// if it fires the controller is likely wedged anyway and
		// the splice already happened.
		c.ringDoorbell(eq.slot.id, eq.dbTarget)
		_ = c.noOpCommand(cancelAckTimeoutMs)
	}

	c.freeTDs(x.tds)
	x.tds = nil
	return nil
}

// splice rewrites the predecessor's link around x's TDs. The predecessor
// must exist in the software chain; not finding it means the bookkeeping
// and the ring disagree, which retrying will not fix.
func (eq *endpointQueue) splice(c *Controller, x *Transfer) error {
	first, last := x.tds[0], x.tds[len(x.tds)-1]
	slot, pred := eq.predecessor(first)
	if slot == nil {
		return ErrUnrecoverable
	}
	if last.next != nil {
		linkSlotTo(slot, last.next.trbPhys())
	} else {
		terminateLinkSlot(slot)
		eq.last = pred
	}
	if pred == nil {
		eq.first = last.next
	} else {
		pred.next = last.next
	}
	return nil
}

// unlink is splice without the consistency demand, for TDs hardware is
// done with.
func (eq *endpointQueue) unlink(c *Controller, x *Transfer) {
	if err := eq.splice(c, x); err == nil {
		c.syncQueue(eq)
	}
}

// predecessor finds the link slot currently pointing at t: the anchor's,
// or the previous TD's. A nil slot means t is not linked where the chain
// says it should be.
func (eq *endpointQueue) predecessor(t *td) (slot []byte, pred *td) {
	if phys, valid := linkSlotTarget(eq.anchor.Data); valid && phys == t.trbPhys() {
		if eq.first == t {
			return eq.anchor.Data, nil
		}
		return nil, nil
	}
	for p := eq.first; p != nil; p = p.next {
		if p.next == t {
			if phys, valid := linkSlotTarget(p.linkSlot()); valid && phys == t.trbPhys() {
				return p.linkSlot(), p
			}
			return nil, nil
		}
	}
	return nil, nil
}
