/*
NAME
  mpegts.go - provides a data structure intended to encapsulate the properties
  of an MPEG-TS packet and also functions to allow inspection and manipulation
  of these packets, in particular of the transport scrambling control field.

DESCRIPTION
  See Readme.md

AUTHORS
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package mts provides MPEG-TS (mts) packet handling and related functions.
package mts

import (
	"errors"
	"fmt"

	"github.com/Comcast/gots/packet"
)

// PacketSize is the size of an MPEG-TS packet.
const PacketSize = 188

// HeadSize is the size of an MPEG-TS packet header.
const HeadSize = 4

// Consts relating to adaptation field.
const (
	AdaptationIdx         = 4                 // Index to the adaptation field (index of AFL).
	AdaptationControlIdx  = 3                 // Index to octet with adaptation field control.
	AdaptationFieldsIdx   = AdaptationIdx + 1 // Adaptation field index is the index of the adaptation fields.
	AdaptationControlMask = 0x30              // Mask for the adaptation field control in octet 3.

	// MaxAdaptationLength is the largest adaptation field length a single
	// TS packet can carry; a greater declared length is malformed.
	MaxAdaptationLength = 182
)

// Adaptation field control values.
const (
	HasPayload         = 0x1
	HasAdaptationField = 0x2
)

// Transport scrambling control (TSC) values, held in the top two bits of
// octet 3 of the header.
const (
	ScramblingClear    = 0x0 // Not scrambled.
	ScramblingReserved = 0x1 // Reserved by ISO/IEC 13818-1.
	ScramblingEven     = 0x2 // Scrambled with the even control word.
	ScramblingOdd      = 0x3 // Scrambled with the odd control word.
)

// Index, mask and shift for the TSC field in the header.
const (
	scramblingIdx   = 3
	scramblingMask  = 0xc0
	scramblingShift = 6
)

// Errors returned when inspecting malformed packets.
var (
	ErrShortPacket      = errors.New("TS packet is shorter than the fixed header")
	ErrAdaptationLength = errors.New("invalid adaptation field length")
)

// Scrambling returns the transport scrambling control field of p. It is the
// caller's responsibility to ensure p holds at least a header, i.e. that
// len(p) >= HeadSize.
func Scrambling(p []byte) byte {
	return (p[scramblingIdx] & scramblingMask) >> scramblingShift
}

// SetScrambling sets the transport scrambling control field of p to sc.
func SetScrambling(p []byte, sc byte) {
	p[scramblingIdx] = p[scramblingIdx]&^scramblingMask | sc<<scramblingShift
}

// Info describes the header fields of a single TS packet that are relevant
// to routing and descrambling decisions.
type Info struct {
	Scrambling    byte   // Transport scrambling control value.
	HasPayload    bool   // True if the adaptation field control declares a payload.
	HasAdaptation bool   // True if an adaptation field is present.
	PID           uint16 // Packet identifier.
}

// Classify reads the fixed header of p and returns its routing fields.
// The packet is not modified. If p cannot hold a header, ErrShortPacket
// is returned.
func Classify(p []byte) (Info, error) {
	if len(p) < HeadSize {
		return Info{}, ErrShortPacket
	}

	// We will use comcast/gots Packet type for the flag accessors, so copy in.
	var pkt packet.Packet
	copy(pkt[:], p)

	return Info{
		Scrambling:    Scrambling(p),
		HasPayload:    packet.ContainsPayload(&pkt),
		HasAdaptation: packet.ContainsAdaptationField(&pkt),
		PID:           uint16(packet.Pid(&pkt)),
	}, nil
}

// PayloadOffset returns the index at which the payload of p begins, i.e. the
// size of the header plus any adaptation field. A declared adaptation field
// length greater than MaxAdaptationLength cannot fit in a TS packet and
// results in ErrAdaptationLength.
func PayloadOffset(p []byte, info Info) (int, error) {
	if !info.HasAdaptation {
		return HeadSize, nil
	}
	if len(p) <= AdaptationIdx {
		return 0, ErrShortPacket
	}
	afLen := int(p[AdaptationIdx])
	if afLen > MaxAdaptationLength {
		return 0, fmt.Errorf("%w: %d", ErrAdaptationLength, afLen)
	}
	off := HeadSize + 1 + afLen
	if off > len(p) {
		return 0, ErrShortPacket
	}
	return off, nil
}

/*
Packet encapsulates the fields of an MPEG-TS packet. Below is
the formatting of an MPEG-TS packet for reference!

============================================================================
| octet no | bit 0 | bit 1 | bit 2 | bit 3 | bit 4 | bit 5 | bit 6 | bit 7 |
============================================================================
| octet 0  | sync byte (0x47)                                              |
----------------------------------------------------------------------------
| octet 1  | TEI   | PUSI  | Prior | PID                                   |
----------------------------------------------------------------------------
| octet 2  | PID cont.                                                     |
----------------------------------------------------------------------------
| octet 3  | TSC           | AFC           | CC                            |
----------------------------------------------------------------------------
| octet 4  | AFL                                                           |
----------------------------------------------------------------------------
| octet 5  | DI    | RAI   | ESPI  | PCRF  | OPCRF | SPF   | TPDF  | AFEF  |
----------------------------------------------------------------------------
| optional | PCR (48 bits => 6 bytes)                                      |
----------------------------------------------------------------------------
| optional | Stuffing (variable length)                                    |
----------------------------------------------------------------------------
| optional | Payload (variable length)                                     |
----------------------------------------------------------------------------
*/
type Packet struct {
	TEI      bool   // Transport Error Indicator
	PUSI     bool   // Payload Unit Start Indicator
	Priority bool   // Transport priority indicator
	PID      uint16 // Packet identifier
	TSC      byte   // Transport Scrambling Control
	AFC      byte   // Adaption Field Control
	CC       byte   // Continuity Counter
	DI       bool   // Discontinuity indicator
	RAI      bool   // Random access indicator
	PCRF     bool   // PCR flag
	PCR      uint64 // Program clock reference
	Payload  []byte // MPEG-TS payload
}

// FillPayload fills the packet's payload field from data until either data
// is exhausted or the packet reaches capacity, returning the number of
// bytes consumed.
func (p *Packet) FillPayload(data []byte) int {
	currentPktLen := 6 + asInt(p.PCRF)*6
	if len(data) > PacketSize-currentPktLen {
		p.Payload = make([]byte, PacketSize-currentPktLen)
	} else {
		p.Payload = make([]byte, len(data))
	}
	return copy(p.Payload, data)
}

// Bytes interprets the fields of the ts packet instance and outputs a
// corresponding byte slice.
func (p *Packet) Bytes(buf []byte) []byte {
	if buf == nil || cap(buf) < PacketSize {
		buf = make([]byte, PacketSize)
	}

	buf = buf[:6]
	buf[0] = 0x47
	buf[1] = (asByte(p.TEI)<<7 | asByte(p.PUSI)<<6 | asByte(p.Priority)<<5 | byte((p.PID&0xFF00)>>8))
	buf[2] = byte(p.PID & 0x00FF)
	buf[3] = (p.TSC<<6 | p.AFC<<4 | p.CC)

	var maxPayloadSize int
	if p.AFC&HasAdaptationField != 0 {
		maxPayloadSize = PacketSize - 6 - asInt(p.PCRF)*6
	} else {
		maxPayloadSize = PacketSize - 4
	}

	stuffingLen := maxPayloadSize - len(p.Payload)
	if p.AFC&HasAdaptationField != 0 {
		buf[4] = byte(1 + stuffingLen + asInt(p.PCRF)*6)
		buf[5] = (asByte(p.DI)<<7 | asByte(p.RAI)<<6 | asByte(p.PCRF)<<4)
	} else {
		buf = buf[:4]
	}

	for i := 40; p.PCRF && i >= 0; i -= 8 {
		buf = append(buf, byte((p.PCR<<15)>>uint(i)))
	}

	for i := 0; i < stuffingLen; i++ {
		buf = append(buf, 0xff)
	}
	curLen := len(buf)
	buf = buf[:PacketSize]
	copy(buf[curLen:], p.Payload)
	return buf
}

func asInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func asByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
