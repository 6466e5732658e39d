// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Memory mapped register access for device drivers.
//
// A Region is a mapped window of device register space. The device side of
// every register file we drive is little-endian regardless of host order, so
// all multi-byte accesses go through the encoding here rather than through
// raw pointer loads.
package hw

import "encoding/binary"

// Region is a mapped MMIO range. Offsets are in bytes from the start of the
// mapping. Writes may be posted by the interconnect; ReadBack after a write
// forces completion where ordering against a following poll matters.
type Region interface {
	Read8(offset uint) uint8
	Read16(offset uint) uint16
	Read32(offset uint) uint32
	Write32(offset uint, v uint32)
}

// MemRegion is a Region over process-visible memory, typically returned by
// the platform's BAR mapper. All accesses are little-endian.
type MemRegion []byte

func (m MemRegion) Read8(offset uint) uint8 { return m[offset] }

func (m MemRegion) Read16(offset uint) uint16 {
	return binary.LittleEndian.Uint16(m[offset:])
}

func (m MemRegion) Read32(offset uint) uint32 {
	return binary.LittleEndian.Uint32(m[offset:])
}

func (m MemRegion) Write32(offset uint, v uint32) {
	binary.LittleEndian.PutUint32(m[offset:], v)
}

// ReadBack re-reads a just-written register to force write completion on
// platforms with posted writes.
func ReadBack(r Region, offset uint) { r.Read32(offset) }

// SetBits32 read-modify-writes a 32-bit register, or-ing in bits.
func SetBits32(r Region, offset uint, bits uint32) (v uint32) {
	v = r.Read32(offset) | bits
	r.Write32(offset, v)
	return
}

// ClearBits32 read-modify-writes a 32-bit register, clearing bits.
func ClearBits32(r Region, offset uint, bits uint32) (v uint32) {
	v = r.Read32(offset) &^ bits
	r.Write32(offset, v)
	return
}

// SubRegion returns a view of r starting at offset. Accesses through the
// view are relative to the new start.
func SubRegion(r Region, offset uint) Region {
	return subRegion{r: r, off: offset}
}

type subRegion struct {
	r   Region
	off uint
}

func (s subRegion) Read8(o uint) uint8       { return s.r.Read8(s.off + o) }
func (s subRegion) Read16(o uint) uint16     { return s.r.Read16(s.off + o) }
func (s subRegion) Read32(o uint) uint32     { return s.r.Read32(s.off + o) }
func (s subRegion) Write32(o uint, v uint32) { s.r.Write32(s.off+o, v) }
