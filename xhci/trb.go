// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import "encoding/binary"

// A Transfer Request Block is 16 bytes, little-endian on the wire:
// a 64-bit parameter (we only ever populate the low dword; no 64-bit
// addressing), a status dword and a control dword carrying the cycle bit
// and the TRB type.
const trbBytes = 16

type trb struct {
	parameter uint32 // low dword; high dword always written zero
	status    uint32
	control   uint32
}

// TRB types, control dword bits 15:10.
const (
	trbNormal         = 1
	trbSetupStage     = 2
	trbDataStage      = 3
	trbStatusStage    = 4
	trbIsoch          = 5
	trbLink           = 6
	trbEventData      = 7
	trbNoOpTransfer   = 8
	trbEnableSlotCmd  = 9
	trbDisableSlotCmd = 10
	trbAddressDevCmd  = 11
	trbConfigEPCmd    = 12
	trbNoOpCmd        = 23
	trbTransferEvent      = 32
	trbCmdCompletionEvent = 33
	trbPortStatusEvent    = 34
)

// Control dword bits.
const (
	trbCycle       = 1 << 0
	trbToggleCycle = 1 << 1 // link TRBs only
	trbISP         = 1 << 2 // interrupt on short packet
	trbChain       = 1 << 4
	trbIOC         = 1 << 5 // interrupt(-event) on completion
	trbIDT         = 1 << 6 // immediate data
	trbDirIn       = 1 << 16 // data/status stage direction
)

func trbTypeOf(control uint32) uint { return uint((control >> 10) & 0x3f) }

func trbControl(typ uint, flags uint32) uint32 {
	return uint32(typ&0x3f)<<10 | flags
}

// Event TRB fields.
func eventCompletionCode(t trb) uint8 { return uint8(t.status >> 24) }
func eventResidual(t trb) uint32      { return t.status & 0xffffff }
func eventSlotID(t trb) uint          { return uint(t.control >> 24) }

// Completion codes, the ones this driver distinguishes.
const (
	ccSuccess        = 1
	ccDataBuffer     = 2
	ccBabble         = 3
	ccUSBTransaction = 4
	ccTRBError       = 5
	ccStall          = 6
	ccNoSlots        = 9
	ccShortPacket    = 13
)

func putTRB(b []byte, t trb) {
	binary.LittleEndian.PutUint32(b[0:], t.parameter)
	binary.LittleEndian.PutUint32(b[4:], 0) // parameter high: 32-bit only
	binary.LittleEndian.PutUint32(b[8:], t.status)
	binary.LittleEndian.PutUint32(b[12:], t.control)
}

func getTRB(b []byte) (t trb) {
	t.parameter = binary.LittleEndian.Uint32(b[0:])
	t.status = binary.LittleEndian.Uint32(b[8:])
	t.control = binary.LittleEndian.Uint32(b[12:])
	return
}

// putTRBVisible writes t so the consumer cannot observe a half-written
// entry: the body goes in with the cycle bit inverted, then the control
// dword is rewritten with the real cycle bit as the last store.
func putTRBVisible(b []byte, t trb) {
	hidden := t
	hidden.control ^= trbCycle
	putTRB(b, hidden)
	binary.LittleEndian.PutUint32(b[12:], t.control)
}
