/*
NAME
  csa_test.go

DESCRIPTION
  csa_test.go contains testing for functionality found in csa.go and bs.go.

AUTHORS
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package csa

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testCW = []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}

// TestRoundTrip checks that decryption inverts encryption for payloads of
// assorted sizes, including a residue-only payload and the empty payload.
func TestRoundTrip(t *testing.T) {
	k, err := NewKey(testCW)
	if err != nil {
		t.Fatalf("could not create key: %v", err)
	}

	rand.Seed(7)
	for _, size := range []int{1, 7, 8, 9, 16, 23, 176, 183, 184} {
		clear := make([]byte, size)
		rand.Read(clear)

		b := append([]byte(nil), clear...)
		k.Encrypt(b)
		if size >= BlockSize && bytes.Equal(b, clear) {
			t.Errorf("size %d: encryption left payload unchanged", size)
		}
		k.Decrypt(b)
		if diff := cmp.Diff(clear, b); diff != "" {
			t.Errorf("size %d: round trip mismatch (-want +got):\n%s", size, diff)
		}
	}
}

// TestResidueStreamOnly checks that a payload shorter than a block still
// round trips; such a tail passes through the stream layer only.
func TestResidueStreamOnly(t *testing.T) {
	k, err := NewKey(testCW)
	if err != nil {
		t.Fatalf("could not create key: %v", err)
	}
	clear := []byte{0xde, 0xad, 0xbe}
	b := append([]byte(nil), clear...)
	k.Encrypt(b)
	k.Decrypt(b)
	if !bytes.Equal(b, clear) {
		t.Errorf("residue did not round trip: got %x, want %x", b, clear)
	}
}

// TestKeySize checks that control words of the wrong size are rejected.
func TestKeySize(t *testing.T) {
	for _, size := range []int{0, 7, 9, 16} {
		if _, err := NewKey(make([]byte, size)); err == nil {
			t.Errorf("expected error for control word of size %d", size)
		}
	}
	if _, err := NewBSKey(make([]byte, 7)); err == nil {
		t.Error("expected error for short batched control word")
	}
}

// TestBatchRoundTrip checks the batched transform against the single-key
// transform and makes sure the zero entry terminates the batch.
func TestBatchRoundTrip(t *testing.T) {
	bk, err := NewBSKey(testCW)
	if err != nil {
		t.Fatalf("could not create batched key: %v", err)
	}
	k, err := NewKey(testCW)
	if err != nil {
		t.Fatalf("could not create key: %v", err)
	}

	const n = 10
	rand.Seed(11)
	clear := make([][]byte, n)
	batch := make([]BatchEntry, n+2)
	for i := range clear {
		clear[i] = make([]byte, 184)
		rand.Read(clear[i])
		b := append([]byte(nil), clear[i]...)
		k.Encrypt(b)
		batch[i] = BatchEntry{Data: b}
	}

	// Terminator, followed by an entry that must not be touched.
	batch[n] = BatchEntry{}
	untouched := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	batch[n+1] = BatchEntry{Data: append([]byte(nil), untouched...)}

	bk.Decrypt(batch)

	for i := range clear {
		if !bytes.Equal(batch[i].Data, clear[i]) {
			t.Errorf("batch entry %d did not decrypt to the clear payload", i)
		}
	}
	if !bytes.Equal(batch[n+1].Data, untouched) {
		t.Error("batched transform ran past the terminator")
	}
}

// TestBatchEncrypt checks that the batched scramble direction is the inverse
// of the batched descramble.
func TestBatchEncrypt(t *testing.T) {
	bk, err := NewBSKey(testCW)
	if err != nil {
		t.Fatalf("could not create batched key: %v", err)
	}
	clear := []byte("a transport stream payload of no particular size")
	batch := []BatchEntry{{Data: append([]byte(nil), clear...)}}
	bk.Encrypt(batch)
	bk.Decrypt(batch)
	if !bytes.Equal(batch[0].Data, clear) {
		t.Error("batched encrypt/decrypt did not round trip")
	}
}

func TestBatchSize(t *testing.T) {
	if BatchSize() <= 0 {
		t.Errorf("advised batch size must be positive, got %d", BatchSize())
	}
}

func TestReady(t *testing.T) {
	if err := Ready(); err != nil {
		t.Fatalf("cipher self test failed: %v", err)
	}
}
