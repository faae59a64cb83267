// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"encoding/binary"
	"fmt"
)

// PixelFormatSize is the wire size of a pixel format block.
const PixelFormatSize = 16

// PixelFormat is the RFB pixel format block a device reports in server-init.
// Video arrives as H.264, so the block is informational only; many devices
// leave it zeroed.
type PixelFormat struct {
	BPP        uint8
	Depth      uint8
	BigEndian  bool
	TrueColor  bool
	RedMax     uint16
	GreenMax   uint16
	BlueMax    uint16
	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// decodePixelFormat parses a 16-byte block. The last three bytes are padding.
func decodePixelFormat(b []byte) PixelFormat {
	_ = b[PixelFormatSize-1]
	return PixelFormat{
		BPP:        b[0],
		Depth:      b[1],
		BigEndian:  b[2] != 0,
		TrueColor:  b[3] != 0,
		RedMax:     binary.BigEndian.Uint16(b[4:]),
		GreenMax:   binary.BigEndian.Uint16(b[6:]),
		BlueMax:    binary.BigEndian.Uint16(b[8:]),
		RedShift:   b[10],
		GreenShift: b[11],
		BlueShift:  b[12],
	}
}

// put writes the block into b, which must hold at least PixelFormatSize bytes.
func (pf PixelFormat) put(b []byte) {
	_ = b[PixelFormatSize-1]
	b[0], b[1] = pf.BPP, pf.Depth
	b[2], b[3] = boolByte(pf.BigEndian), boolByte(pf.TrueColor)
	binary.BigEndian.PutUint16(b[4:], pf.RedMax)
	binary.BigEndian.PutUint16(b[6:], pf.GreenMax)
	binary.BigEndian.PutUint16(b[8:], pf.BlueMax)
	b[10], b[11], b[12] = pf.RedShift, pf.GreenShift, pf.BlueShift
	b[13], b[14], b[15] = 0, 0, 0
}

// IsZero reports whether the device left the block empty.
func (pf PixelFormat) IsZero() bool {
	return pf == PixelFormat{}
}

func (pf PixelFormat) String() string {
	if pf.IsZero() {
		return "unset"
	}
	if !pf.TrueColor {
		return fmt.Sprintf("%dbpp depth %d colormap", pf.BPP, pf.Depth)
	}
	order := "le"
	if pf.BigEndian {
		order = "be"
	}
	return fmt.Sprintf("%dbpp depth %d %s rgb(%d,%d,%d) shift(%d,%d,%d)",
		pf.BPP, pf.Depth, order, pf.RedMax, pf.GreenMax, pf.BlueMax,
		pf.RedShift, pf.GreenShift, pf.BlueShift)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
