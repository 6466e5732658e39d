// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/platinasystems/xhci/hw"
)

// ring is a contiguous producer ring of TRBs shared with the controller:
// the command ring, and the building block the event ring consumer reuses.
// The last entry is a Link TRB back to the start with the toggle-cycle flag;
// software and hardware agree on which entries are new purely through the
// per-entry cycle bit, no lock, no shared indices.
type ring struct {
	chunk hw.Chunk
	size  uint // TRB count including the trailing link
	enq   uint // producer index
	cycle bool // producer cycle state

	// Outstanding entries the consumer has not acknowledged. The
	// producer must never advance onto the consumer's dequeue pointer;
	// with no readable hardware dequeue this count is the fence.
	pending uint
}

const cmdRingTRBs = 16

// Rings must be 64-byte aligned for the controller's ring pointer masks.
const ringLog2Align = 6

func newRing(arena hw.Arena, nTRBs uint) (*ring, error) {
	if nTRBs < 2 {
		return nil, ErrInternal
	}
	chunk, err := arena.Alloc(nTRBs*trbBytes, ringLog2Align)
	if err != nil {
		return nil, fmt.Errorf("xhci: ring alloc: %w", err)
	}
	r := &ring{chunk: chunk, size: nTRBs}
	r.reset()
	return r, nil
}

// reset returns the ring to its post-allocation state: all entries invalid
// for a consumer starting with cycle state 1, link TRB in place but not yet
// posted.
func (r *ring) reset() {
	for i := range r.chunk.Data {
		r.chunk.Data[i] = 0
	}
	link := trb{
		parameter: r.chunk.Phys,
		control:   trbControl(trbLink, trbToggleCycle),
	}
	putTRB(r.trbSlot(r.size-1), link)
	r.enq = 0
	r.cycle = true
	r.pending = 0
}

func (r *ring) trbSlot(i uint) []byte {
	return r.chunk.Data[i*trbBytes : (i+1)*trbBytes]
}

// physFor returns the bus address of entry i.
func (r *ring) physFor(i uint) uint32 { return r.chunk.Virt2Phys(i * trbBytes) }

// indexOf maps a completion event's TRB pointer back to a ring index.
func (r *ring) indexOf(phys uint32) (uint, bool) {
	off, ok := r.chunk.Phys2Virt(phys)
	if !ok || off%trbBytes != 0 || off/trbBytes >= r.size {
		return 0, false
	}
	return off / trbBytes, true
}

// full: the usable capacity is size-1 entries (the link takes one slot);
// filling the last free slot would let the producer lap the consumer.
func (r *ring) full() bool { return r.pending >= r.size-1 }

// enqueue posts one TRB, following the link and flipping the producer cycle
// state on wrap. The TRB body is made visible cycle-bit-last; the caller
// still owns the Sync-then-doorbell ordering.
func (r *ring) enqueue(t trb) (phys uint32, err error) {
	if r.full() {
		return 0, ErrInternal
	}
	if r.enq == r.size-1 {
		// Post the link TRB by giving it the current cycle state,
		// then continue producing from the top with the cycle
		// flipped.
		slot := r.trbSlot(r.enq)
		link := getTRB(slot)
		link.control = (link.control &^ trbCycle) | cycleBit(r.cycle)
		putTRB(slot, link)
		r.enq = 0
		r.cycle = !r.cycle
	}
	t.control = (t.control &^ trbCycle) | cycleBit(r.cycle)
	putTRBVisible(r.trbSlot(r.enq), t)
	phys = r.physFor(r.enq)
	r.enq++
	r.pending++
	return phys, nil
}

// noteDequeue acknowledges one consumed entry, opening its slot back up.
func (r *ring) noteDequeue() {
	if r.pending > 0 {
		r.pending--
	}
}

func cycleBit(b bool) uint32 {
	if b {
		return trbCycle
	}
	return 0
}

// eventRing is the consumer side: one segment, one segment-table entry,
// polled on interrupter 0. Hardware produces, we consume; the cycle bit at
// the dequeue index tells us whether an entry is new.
type eventRing struct {
	chunk hw.Chunk
	erst  hw.Chunk // segment table: base lo, base hi, size, reserved
	size  uint
	deq   uint
	ccs   bool // consumer cycle state
}

const eventRingTRBs = 32

func newEventRing(arena hw.Arena) (*eventRing, error) {
	chunk, err := arena.Alloc(eventRingTRBs*trbBytes, ringLog2Align)
	if err != nil {
		return nil, fmt.Errorf("xhci: event ring alloc: %w", err)
	}
	erst, err := arena.Alloc(16, ringLog2Align)
	if err != nil {
		arena.Free(chunk)
		return nil, fmt.Errorf("xhci: erst alloc: %w", err)
	}
	e := &eventRing{chunk: chunk, erst: erst, size: eventRingTRBs}
	e.reset()
	return e, nil
}

func (e *eventRing) reset() {
	for i := range e.chunk.Data {
		e.chunk.Data[i] = 0
	}
	le := e.erst.Data
	putTRB(le, trb{parameter: e.chunk.Phys, status: uint32(e.size)})
	e.deq = 0
	e.ccs = true
}

func (e *eventRing) trbSlot(i uint) []byte {
	return e.chunk.Data[i*trbBytes : (i+1)*trbBytes]
}

// peek returns the entry at the dequeue pointer when hardware has produced
// one, without consuming it.
func (e *eventRing) peek() (trb, bool) {
	t := getTRB(e.trbSlot(e.deq))
	if (t.control&trbCycle != 0) != e.ccs {
		return trb{}, false
	}
	return t, true
}

// consume advances past the entry peek returned and tells the controller
// where the dequeue pointer now is.
func (e *eventRing) consume(c *Controller) {
	e.deq++
	if e.deq == e.size {
		e.deq = 0
		e.ccs = !e.ccs
	}
	erdp := e.chunk.Virt2Phys(e.deq*trbBytes) | erdpEHB
	c.run.Write32(irqERDP, erdp)
	c.run.Write32(irqERDPHi, 0)
}

// program points interrupter 0 at the event ring. Interrupts stay off; the
// ring is only ever polled.
func (e *eventRing) program(c *Controller) {
	c.run.Write32(irqERSTSz, 1)
	c.run.Write32(irqERSTBA, e.erst.Phys)
	c.run.Write32(irqERSTBAHi, 0)
	c.run.Write32(irqERDP, e.chunk.Phys)
	c.run.Write32(irqERDPHi, 0)
	hw.ClearBits32(c.run, irqIMan, imanIE)
}
