/*
NAME
  csa.go - common scrambling cipher primitives for MPEG-TS payloads.

DESCRIPTION
  See Readme.md

AUTHORS
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package csa provides the scrambling cipher used on MPEG-TS payloads. It
// follows the layered construction of the DVB common scrambling algorithm:
// an additive stream layer over the full payload combined with a chained
// block layer over the whole 8-byte blocks, both keyed by a 64-bit control
// word. A transport packet's residue (the tail shorter than a block) passes
// through the stream layer only. DES serves as the 64-bit block primitive in
// place of the native CSA block cipher, whose mathematics are outside the
// scope of this package.
package csa

import (
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
	"sync"
)

// BlockSize is the cipher block size in bytes.
const BlockSize = 8

// KeySize is the size of a control word in bytes.
const KeySize = 8

// ErrKeySize is returned when a control word is not KeySize bytes long.
var ErrKeySize = errors.New("control word must be 8 bytes")

// Fixed initialisation vectors for the two layers. The stream layer IV is
// the ASCII tag "DVBCSA01"; the block layer chains from a zero IV.
var (
	streamIV = [BlockSize]byte{'D', 'V', 'B', 'C', 'S', 'A', '0', '1'}
	blockIV  = [BlockSize]byte{}
)

// Key holds the expanded key material for one control word.
type Key struct {
	block cipher.Block
}

// NewKey expands the control word cw into a key usable for scrambling and
// descrambling.
func NewKey(cw []byte) (*Key, error) {
	if len(cw) != KeySize {
		return nil, ErrKeySize
	}
	b, err := des.NewCipher(cw)
	if err != nil {
		return nil, fmt.Errorf("could not expand control word: %w", err)
	}
	return &Key{block: b}, nil
}

// Encrypt scrambles b in place. The whole of b passes through the stream
// layer; the whole blocks of b then pass through the chained block layer.
func (k *Key) Encrypt(b []byte) {
	iv := streamIV
	cipher.NewCTR(k.block, iv[:]).XORKeyStream(b, b)
	if full := len(b) &^ (BlockSize - 1); full > 0 {
		iv = blockIV
		cipher.NewCBCEncrypter(k.block, iv[:]).CryptBlocks(b[:full], b[:full])
	}
}

// Decrypt descrambles b in place, inverting Encrypt.
func (k *Key) Decrypt(b []byte) {
	iv := blockIV
	if full := len(b) &^ (BlockSize - 1); full > 0 {
		cipher.NewCBCDecrypter(k.block, iv[:]).CryptBlocks(b[:full], b[:full])
	}
	iv = streamIV
	cipher.NewCTR(k.block, iv[:]).XORKeyStream(b, b)
}

var (
	readyOnce sync.Once
	readyErr  error
)

// Ready performs a one-time self test of the cipher and reports whether the
// package is usable. Callers that cannot tolerate a broken cipher should
// check this once at start up.
func Ready() error {
	readyOnce.Do(func() {
		cw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		k, err := NewKey(cw)
		if err != nil {
			readyErr = err
			return
		}
		clear := []byte("self test payload with residue tail")
		b := append([]byte(nil), clear...)
		k.Encrypt(b)
		k.Decrypt(b)
		if string(b) != string(clear) {
			readyErr = errors.New("cipher self test failed")
		}
	})
	return readyErr
}
