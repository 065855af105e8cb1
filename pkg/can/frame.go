// Package can models 29-bit extended CAN identifiers and frames the way
// ISO 11783-3 and J1939-21 carve them up: a 3-bit priority, an 18-bit
// parameter group number and an 8-bit source address.
package can

import (
	"errors"
	"fmt"
)

// Well-known addresses (ISO 11783-5).
const (
	// MaxAddress is the highest claimable source address.
	MaxAddress uint8 = 0xFD
	// NullAddress is used as the source of CannotClaim messages and marks
	// a control function without an address.
	NullAddress uint8 = 0xFE
	// BroadcastAddress is the global destination address.
	BroadcastAddress uint8 = 0xFF
)

// Priority is the 3-bit arbitration priority field. Lower values win
// arbitration on the wire.
type Priority uint8

const (
	PriorityHighest     Priority = 0
	PriorityHigh        Priority = 1
	PriorityAboveNormal Priority = 2
	PriorityNormal      Priority = 3
	PriorityBelowNormal Priority = 4
	PriorityLow         Priority = 5
	PriorityDefault     Priority = 6
	PriorityLowest      Priority = 7
)

// ErrInvalidPGN is returned when encoding a PGN outside the 18-bit space or
// a PDU1 PGN whose low byte is not zero.
var ErrInvalidPGN = errors.New("invalid PGN")

// Frame is one wire-level CAN frame with a 29-bit identifier.
type Frame struct {
	ID          uint32
	DLC         uint8
	Data        [8]byte
	Port        uint8
	TimestampUS uint64
}

// Bytes returns the valid payload slice of the frame.
func (f *Frame) Bytes() []byte { return f.Data[:f.DLC] }

// Identifier is the decoded view of a 29-bit CAN identifier.
type Identifier struct {
	Priority Priority
	PGN      PGN
	Source   uint8
	// Destination is BroadcastAddress for PDU2 parameter groups.
	Destination uint8
}

// Encode packs priority, PGN, source and destination into a 29-bit
// identifier. For PDU1 groups the destination lands in the PS byte and the
// supplied PGN must have a zero low byte; for PDU2 groups the destination is
// ignored and the PGN's own low byte is the PS.
func Encode(priority Priority, pgn PGN, src, dst uint8) (uint32, error) {
	if !pgn.IsValid() {
		return 0, fmt.Errorf("%w: 0x%X out of range", ErrInvalidPGN, uint32(pgn))
	}
	if !pgn.IsPDU2() && pgn&0xFF != 0 {
		return 0, fmt.Errorf("%w: PDU1 PGN 0x%X has nonzero low byte", ErrInvalidPGN, uint32(pgn))
	}

	id := uint32(priority&0x07) << 26
	id |= uint32(pgn&0x3FF00) << 8
	if pgn.IsPDU2() {
		id |= uint32(pgn&0xFF) << 8
	} else {
		id |= uint32(dst) << 8
	}
	id |= uint32(src)
	return id, nil
}

// Decode splits a 29-bit identifier into its semantic parts. The destination
// is BroadcastAddress for PDU2 identifiers.
func Decode(id uint32) Identifier {
	pf := uint8((id >> 16) & 0xFF)
	ps := uint8((id >> 8) & 0xFF)
	dp := (id >> 24) & 0x03 // EDP+DP

	ident := Identifier{
		Priority: Priority((id >> 26) & 0x07),
		Source:   uint8(id & 0xFF),
	}
	if pf >= 240 {
		ident.PGN = PGN(dp)<<16 | PGN(pf)<<8 | PGN(ps)
		ident.Destination = BroadcastAddress
	} else {
		ident.PGN = PGN(dp)<<16 | PGN(pf)<<8
		ident.Destination = ps
	}
	return ident
}

// NewFrame builds a frame from semantic fields, padding unused data bytes
// with 0xFF as the bus convention requires.
func NewFrame(priority Priority, pgn PGN, src, dst uint8, data []byte) (Frame, error) {
	if len(data) > 8 {
		return Frame{}, fmt.Errorf("frame payload %d bytes exceeds 8", len(data))
	}
	id, err := Encode(priority, pgn, src, dst)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{ID: id, DLC: uint8(len(data)), Data: [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}
	copy(f.Data[:], data)
	return f, nil
}
