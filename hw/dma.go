// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import "fmt"

// Chunk is a physically contiguous DMA allocation shared with a device.
// Phys is the 32-bit bus address of Data[0]; this driver family does not do
// 64-bit device addressing.
type Chunk struct {
	Data []byte
	Phys uint32
}

// Arena hands out device-visible memory. The loader supplies the real one;
// tests supply a model. Sync makes CPU writes to a chunk globally visible
// before a subsequent doorbell or register write tells the device to look.
type Arena interface {
	Alloc(n, log2Align uint) (Chunk, error)
	Free(Chunk)
	Sync(Chunk)
}

// Phys2Virt resolves a device-written physical address back to an offset in
// c, for completion parsing. ok is false when p is outside the chunk.
func (c Chunk) Phys2Virt(p uint32) (offset uint, ok bool) {
	if p < c.Phys || uint64(p) >= uint64(c.Phys)+uint64(len(c.Data)) {
		return 0, false
	}
	return uint(p - c.Phys), true
}

// Virt2Phys returns the bus address of Data[offset].
func (c Chunk) Virt2Phys(offset uint) uint32 { return c.Phys + uint32(offset) }

func (c Chunk) String() string {
	return fmt.Sprintf("{phys 0x%08x, %d bytes}", c.Phys, len(c.Data))
}
