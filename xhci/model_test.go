// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/platinasystems/xhci/hw"
	"github.com/platinasystems/xhci/hw/pci"
)

// Register layout of the modeled controller.
const (
	mCapLen   = 0x20
	mOpBase   = mCapLen
	mRunBase  = 0x2000
	mDBBase   = 0x3000
	mLegacy   = 0x500 // extended capability list starts here
	mProtocol = 0x510
	mPorts    = 4
	mSlots    = 8
)

type testClock struct{ now uint64 }

// Reads cost a millisecond so bounded polls always reach their deadline.
func (c *testClock) Milliseconds() uint64 { c.now++; return c.now }
func (c *testClock) Millisleep(ms uint)   { c.now += uint64(ms) }

// testArena hands out chunks from one slab so the model can resolve any
// bus address the driver programs back to slab bytes.
type testArena struct {
	slab []byte
	base uint32
	off  uint32
}

func newTestArena() *testArena {
	return &testArena{slab: make([]byte, 1<<20), base: 0x100000}
}

func (a *testArena) Alloc(n, log2Align uint) (hw.Chunk, error) {
	align := uint32(1) << log2Align
	a.off = (a.off + align - 1) &^ (align - 1)
	if a.off+uint32(n) > uint32(len(a.slab)) {
		return hw.Chunk{}, fmt.Errorf("arena exhausted")
	}
	c := hw.Chunk{Data: a.slab[a.off : a.off+uint32(n)], Phys: a.base + a.off}
	a.off += uint32(n)
	return c, nil
}

func (a *testArena) Free(hw.Chunk) {}
func (a *testArena) Sync(hw.Chunk) {}

func (a *testArena) at(phys uint32, n uint) []byte {
	o := phys - a.base
	return a.slab[o : o+uint32(n)]
}

type modelEP struct {
	slot uint
	ep   uint
}

// model emulates the register side of one xHCI controller: resets and
// halts complete synchronously, doorbell writes consume rings and produce
// events, ports follow the reset-and-enable procedure.
type model struct {
	regs  []byte
	arena *testArena

	// command ring consumer
	crDeq   uint32
	crCycle bool

	// event ring producer
	erstPhys uint32
	erEnq    uint
	erCycle  bool

	nextSlot uint
	epStart  map[modelEP]uint32
	active   map[modelEP]bool
	done     map[uint32]bool
	stalled  map[modelEP]bool

	// knobs
	biosYields bool             // release on handover request
	biosDelay  int              // USBLEGSUP reads before the release lands
	wedgedRun  bool             // never reach halted
	noSlots    bool             // Enable Slot fails
	hold       bool             // doorbells accepted but rings not walked
	holdCmd    bool             // command doorbells accepted but not processed
	portHS     map[uint]bool    // port enables after reset
	shortAt    map[uint32]uint32 // transfer TRB phys -> residual bytes
	stallAt    map[uint32]bool
}

func newModel() *model {
	m := &model{
		regs:       make([]byte, mapBytes),
		arena:      newTestArena(),
		biosYields: true,
		portHS:     make(map[uint]bool),
		shortAt:    make(map[uint32]uint32),
		stallAt:    make(map[uint32]bool),
	}
	m.resetDeviceState()

	put := func(o uint, v uint32) { binary.LittleEndian.PutUint32(m.regs[o:], v) }
	m.regs[0] = mCapLen
	binary.LittleEndian.PutUint16(m.regs[capHCIVersion:], 0x0100)
	put(capHCSParams1, mSlots|1<<8|mPorts<<24)
	put(capHCSParams2, 2<<27) // 2 scratchpads
	put(capHCCParams1, hccPPC|uint32(mLegacy/4)<<16)
	put(capDBOff, mDBBase)
	put(capRTSOff, mRunBase)
	put(mOpBase+opUSBSts, stsHCH)
	put(mOpBase+opPageSize, 1)

	// USBLEGSUP owned by BIOS, SMI enables set, next capability 4 dwords on.
	put(mLegacy, xcapLegacy|4<<8|legsupBIOSOwned)
	put(mLegacy+4, 0xe0000000)
	// Supported protocol: USB3 on ports 3..4; ports 1..2 default to USB2.
	put(mProtocol, xcapProtocol|3<<24)
	put(mProtocol+8, 3|2<<8)
	return m
}

func (m *model) resetDeviceState() {
	m.crDeq, m.crCycle = 0, false
	m.erstPhys, m.erEnq, m.erCycle = 0, 0, true
	m.nextSlot = 0
	m.epStart = make(map[modelEP]uint32)
	m.active = make(map[modelEP]bool)
	m.done = make(map[uint32]bool)
	m.stalled = make(map[modelEP]bool)
}

func (m *model) reg(o uint) uint32      { return binary.LittleEndian.Uint32(m.regs[o:]) }
func (m *model) setReg(o uint, v uint32) { binary.LittleEndian.PutUint32(m.regs[o:], v) }

// attach puts raw PORTSC bits on a port, as a connect would.
func (m *model) attach(port uint, bits uint32) {
	m.setReg(mOpBase+portSCOffset(port), bits)
}

func (m *model) port(port uint) uint32 { return m.reg(mOpBase + portSCOffset(port)) }

// hw.Region

func (m *model) Read8(o uint) uint8 { return m.regs[o] }
func (m *model) Read16(o uint) uint16 {
	return binary.LittleEndian.Uint16(m.regs[o:])
}
func (m *model) Read32(o uint) uint32 {
	if o == mLegacy && m.biosDelay > 0 {
		v := m.reg(o)
		if v&legsupOSOwned != 0 {
			// BIOS finishes the handover a few polls in.
			m.biosDelay--
			if m.biosDelay == 0 {
				m.setReg(o, v&^legsupBIOSOwned)
			}
		}
	}
	return m.reg(o)
}

func (m *model) Write32(o uint, v uint32) {
	switch {
	case o == mOpBase+opUSBCmd:
		m.writeUSBCmd(v)
	case o == mOpBase+opCRCR:
		m.setReg(o, v)
		m.crDeq = v &^ 0x3f
		m.crCycle = v&crcrRCS != 0
	case o == mLegacy:
		// capability id and next pointer are read-only
		v = v&^0xffff | m.reg(o)&0xffff
		if v&legsupOSOwned != 0 && m.biosYields && m.biosDelay == 0 {
			v &^= legsupBIOSOwned
		}
		m.setReg(o, v)
	case o >= mOpBase+opPortBase && o < mOpBase+opPortBase+mPorts*portRegBytes &&
		(o-mOpBase-opPortBase)%portRegBytes == 0:
		m.writePortSC(o, v)
	case o == mRunBase+irqERSTBA:
		m.setReg(o, v)
		m.erstPhys = v
	case o >= mDBBase && o < mDBBase+4*maxDoorbells:
		m.setReg(o, v)
		m.doorbell((o-mDBBase)/4, uint(v))
	default:
		m.setReg(o, v)
	}
}

func (m *model) writeUSBCmd(v uint32) {
	if v&cmdHCRST != 0 {
		// Reset completes synchronously: HCRST self-clears, the
		// controller halts, device state is gone.
		m.setReg(mOpBase+opUSBCmd, v&^(cmdHCRST|cmdRunStop))
		m.setReg(mOpBase+opUSBSts, stsHCH)
		m.setReg(mOpBase+opCRCR, 0)
		m.setReg(mOpBase+opDCBAAP, 0)
		m.setReg(mOpBase+opConfig, 0)
		m.resetDeviceState()
		return
	}
	m.setReg(mOpBase+opUSBCmd, v)
	sts := m.reg(mOpBase + opUSBSts)
	if v&cmdRunStop != 0 {
		sts &^= stsHCH
	} else if !m.wedgedRun {
		sts |= stsHCH
	}
	m.setReg(mOpBase+opUSBSts, sts)
}

func (m *model) writePortSC(o uint, v uint32) {
	old := m.reg(o)
	const roBits = portCCS | portLineMask
	const changeBits = portPEDChange | portEnabledChange | portOvercurChange
	// change bits clear where written 1, read-only bits stay
	next := v&^(roBits|changeBits) | old&roBits | old&changeBits&^v
	if old&portReset != 0 && v&portReset == 0 {
		// Reset release: a high speed device comes up enabled.
		port := (o-mOpBase-opPortBase)/portRegBytes + 1
		if m.portHS[port] {
			next |= portEnabled
		}
	}
	m.setReg(o, next)
}

func (m *model) doorbell(target, value uint) {
	if target == 0 {
		if !m.holdCmd {
			m.processCommands()
		}
		return
	}
	m.active[modelEP{slot: target, ep: value}] = true
	if !m.hold {
		m.kick()
	}
}

// kick walks every doorbelled endpoint ring, producing transfer events for
// TRBs not yet consumed.
func (m *model) kick() {
	for k := range m.active {
		m.walkEndpoint(k)
	}
}

func (m *model) walkEndpoint(k modelEP) {
	if m.stalled[k] {
		return
	}
	p, ok := m.epStart[k]
	if !ok {
		return
	}
	for steps := 0; steps < 256 && p != 0; steps++ {
		t := getTRB(m.arena.at(p, trbBytes))
		if t.control&trbCycle == 0 {
			return
		}
		if trbTypeOf(t.control) == trbLink {
			p = t.parameter
			continue
		}
		if !m.done[p] {
			m.done[p] = true
			cc, resid := uint32(ccSuccess), uint32(0)
			if r, ok := m.shortAt[p]; ok {
				cc, resid = ccShortPacket, r
			}
			if m.stallAt[p] {
				cc, resid = ccStall, t.status&0x1ffff
			}
			m.postEvent(trb{
				parameter: p,
				status:    cc<<24 | resid,
				control: trbControl(trbTransferEvent, 0) |
					uint32(k.slot)<<24,
			})
			if cc == ccStall {
				m.stalled[k] = true
				return
			}
		}
		p += trbBytes // the TD's own link slot follows its transfer TRB
	}
}

func (m *model) processCommands() {
	for steps := 0; steps < 256; steps++ {
		if m.crDeq == 0 {
			return
		}
		t := getTRB(m.arena.at(m.crDeq, trbBytes))
		if (t.control&trbCycle != 0) != m.crCycle {
			return
		}
		if trbTypeOf(t.control) == trbLink {
			if t.control&trbToggleCycle != 0 {
				m.crCycle = !m.crCycle
			}
			m.crDeq = t.parameter
			continue
		}
		phys := m.crDeq
		m.crDeq += trbBytes
		m.handleCommand(phys, t)
	}
}

func (m *model) handleCommand(phys uint32, t trb) {
	cc := uint32(ccSuccess)
	slot := uint(t.control >> 24)
	switch trbTypeOf(t.control) {
	case trbEnableSlotCmd:
		if m.noSlots || m.nextSlot >= mSlots {
			cc = ccNoSlots
		} else {
			m.nextSlot++
			slot = m.nextSlot
		}
	case trbAddressDevCmd, trbConfigEPCmd:
		m.adoptEndpoints(slot, t.parameter)
	case trbDisableSlotCmd, trbNoOpCmd:
	default:
		cc = ccTRBError
	}
	m.postEvent(trb{
		parameter: phys,
		status:    cc << 24,
		control:   trbControl(trbCmdCompletionEvent, 0) | uint32(slot)<<24,
	})
}

// adoptEndpoints records the TR dequeue pointers of the endpoints flagged
// in an input context.
func (m *model) adoptEndpoints(slot uint, inputPhys uint32) {
	add := binary.LittleEndian.Uint32(m.arena.at(inputPhys+4, 4))
	for id := uint(1); id < 32; id++ {
		if add&(1<<id) == 0 {
			continue
		}
		ep := m.arena.at(inputPhys+uint32(32*(id+1)), 32)
		deq := binary.LittleEndian.Uint32(ep[8:]) &^ 0xf
		m.epStart[modelEP{slot: slot, ep: id}] = deq
	}
}

func (m *model) postEvent(t trb) {
	if m.erstPhys == 0 {
		return
	}
	ent := getTRB(m.arena.at(m.erstPhys, trbBytes))
	base, size := ent.parameter, uint(ent.status)
	t.control = t.control&^trbCycle | cycleBit(m.erCycle)
	putTRB(m.arena.at(base+uint32(m.erEnq*trbBytes), trbBytes), t)
	m.erEnq++
	if m.erEnq == size {
		m.erEnq = 0
		m.erCycle = !m.erCycle
	}
}

// testDevice is the PCI side of the model.
type testDevice struct {
	cfg [256]byte
	m   *model
}

func newTestDevice(m *model) *testDevice {
	d := &testDevice{m: m}
	binary.LittleEndian.PutUint32(d.cfg[pci.ClassOffset:],
		uint32(pci.ClassSerialUSBXHCI)<<8)
	binary.LittleEndian.PutUint32(d.cfg[pci.BAR0Offset:], 0x80000000)
	return d
}

func (d *testDevice) BusAddress() pci.BusAddress {
	return pci.BusAddress{Bus: 2, Slot: 1}
}
func (d *testDevice) ReadConfigUint8(o uint) uint8 { return d.cfg[o] }
func (d *testDevice) ReadConfigUint16(o uint) uint16 {
	return binary.LittleEndian.Uint16(d.cfg[o:])
}
func (d *testDevice) ReadConfigUint32(o uint) uint32 {
	return binary.LittleEndian.Uint32(d.cfg[o:])
}
func (d *testDevice) WriteConfigUint16(o uint, v uint16) {
	binary.LittleEndian.PutUint16(d.cfg[o:], v)
}
func (d *testDevice) WriteConfigUint32(o uint, v uint32) {
	binary.LittleEndian.PutUint32(d.cfg[o:], v)
}
func (d *testDevice) MapRange(phys uint64, size uint) (hw.Region, error) {
	return d.m, nil
}

// testRig is one probed controller with its model.
type testRig struct {
	m     *model
	dev   *testDevice
	clk   *testClock
	reg   *Registry
	c     *Controller
	probe error
}

func newTestRig() *testRig { return newTestRigWith(nil) }

// newTestRigWith lets a test adjust the model before Probe runs.
func newTestRigWith(tweak func(*model)) *testRig {
	r := &testRig{m: newModel(), clk: &testClock{}, reg: &Registry{}}
	if tweak != nil {
		tweak(r.m)
	}
	r.dev = newTestDevice(r.m)
	plat := Platform{Clock: r.clk, Arena: r.m.arena}
	r.c, r.probe = Probe(r.reg, r.dev, plat)
	return r
}
