/*
NAME
  mpegts_test.go

DESCRIPTION
  mpegts_test.go contains testing for functionality found in mpegts.go.

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

package mts

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestClassify checks that Classify reads the routing fields of packets
// built with varying scrambling, adaptation and payload configurations.
func TestClassify(t *testing.T) {
	tests := []struct {
		pkt  Packet
		want Info
	}{
		{
			pkt:  Packet{PID: 256, TSC: ScramblingEven, AFC: HasPayload, Payload: make([]byte, PacketSize-HeadSize)},
			want: Info{Scrambling: ScramblingEven, HasPayload: true, PID: 256},
		},
		{
			pkt:  Packet{PID: 0x1fff, TSC: ScramblingOdd, AFC: HasPayload, Payload: make([]byte, PacketSize-HeadSize)},
			want: Info{Scrambling: ScramblingOdd, HasPayload: true, PID: 0x1fff},
		},
		{
			pkt:  Packet{PID: 17, TSC: ScramblingClear, AFC: HasAdaptationField | HasPayload, Payload: make([]byte, PacketSize-6)},
			want: Info{Scrambling: ScramblingClear, HasPayload: true, HasAdaptation: true, PID: 17},
		},
		{
			pkt:  Packet{PID: 4096, TSC: ScramblingReserved, AFC: HasAdaptationField},
			want: Info{Scrambling: ScramblingReserved, HasAdaptation: true, PID: 4096},
		},
	}

	for i, test := range tests {
		got, err := Classify(test.pkt.Bytes(nil))
		if err != nil {
			t.Fatalf("did not expect error for test %d: %v", i, err)
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("unexpected info for test %d (-want +got):\n%s", i, diff)
		}
	}
}

// TestClassifyShort checks that a packet too short to hold a header is
// rejected.
func TestClassifyShort(t *testing.T) {
	_, err := Classify([]byte{0x47, 0x00, 0x00})
	if !errors.Is(err, ErrShortPacket) {
		t.Errorf("expected ErrShortPacket, got %v", err)
	}
}

// TestScrambling checks the get and set accessors for the TSC field, and
// that setting leaves the surrounding header bits alone.
func TestScrambling(t *testing.T) {
	p := (&Packet{PID: 301, TSC: ScramblingOdd, AFC: HasPayload, CC: 9, Payload: make([]byte, PacketSize-HeadSize)}).Bytes(nil)
	if got := Scrambling(p); got != ScramblingOdd {
		t.Fatalf("got scrambling %d, want %d", got, ScramblingOdd)
	}

	SetScrambling(p, ScramblingClear)
	if got := Scrambling(p); got != ScramblingClear {
		t.Errorf("got scrambling %d after clear, want %d", got, ScramblingClear)
	}

	info, err := Classify(p)
	if err != nil {
		t.Fatalf("did not expect error: %v", err)
	}
	if info.PID != 301 || !info.HasPayload {
		t.Errorf("clearing scrambling disturbed other header fields: %+v", info)
	}
	if p[3]&0x0f != 9 {
		t.Errorf("continuity counter disturbed: %#x", p[3])
	}
}

// TestPayloadOffset checks header size resolution with and without an
// adaptation field, and the rejection of oversized declared lengths.
func TestPayloadOffset(t *testing.T) {
	// No adaptation field.
	p := (&Packet{PID: 256, AFC: HasPayload, Payload: make([]byte, PacketSize-HeadSize)}).Bytes(nil)
	info, _ := Classify(p)
	off, err := PayloadOffset(p, info)
	if err != nil {
		t.Fatalf("did not expect error: %v", err)
	}
	if off != HeadSize {
		t.Errorf("got offset %d, want %d", off, HeadSize)
	}

	// Minimal adaptation field: one length byte declaring the flags octet.
	p = (&Packet{PID: 256, AFC: HasAdaptationField | HasPayload, Payload: make([]byte, PacketSize-6)}).Bytes(nil)
	info, _ = Classify(p)
	off, err = PayloadOffset(p, info)
	if err != nil {
		t.Fatalf("did not expect error: %v", err)
	}
	if off != HeadSize+2 {
		t.Errorf("got offset %d, want %d", off, HeadSize+2)
	}

	// Declared length too large for one packet.
	p[AdaptationIdx] = 200
	_, err = PayloadOffset(p, info)
	if !errors.Is(err, ErrAdaptationLength) {
		t.Errorf("expected ErrAdaptationLength, got %v", err)
	}

	// Declared length legal in itself, but past the end of a truncated
	// buffer.
	short := make([]byte, 20)
	copy(short, p)
	short[AdaptationIdx] = 100
	info, _ = Classify(short)
	_, err = PayloadOffset(short, info)
	if !errors.Is(err, ErrShortPacket) {
		t.Errorf("expected ErrShortPacket, got %v", err)
	}
}

// TestBytesSync checks that built packets carry the sync byte and are of
// packet size.
func TestBytesSync(t *testing.T) {
	p := (&Packet{PID: 256, AFC: HasPayload, Payload: make([]byte, 10)}).Bytes(nil)
	if len(p) != PacketSize {
		t.Fatalf("got packet of length %d, want %d", len(p), PacketSize)
	}
	if p[0] != 0x47 {
		t.Errorf("got sync byte %#x, want 0x47", p[0])
	}
}
