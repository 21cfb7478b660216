/*
NAME
  key.go - control word parsing and per-parity key management.

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

package descramble

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/avutil/dvb/csa"
)

// aesKeySize is the decoded length signalling the AES (CISSA) key format.
const aesKeySize = 16

// cissaIV is the fixed initialisation vector for CISSA payload decryption,
// from the BISS2 specification.
var cissaIV = [aes.BlockSize]byte{
	0x44, 0x56, 0x42, 0x54, 0x4d, 0x43, 0x50, 0x54,
	0x41, 0x45, 0x53, 0x43, 0x49, 0x53, 0x53, 0x41,
}

// ErrKeyFormat is returned by SetKey when a control word does not decode to
// a usable key.
var ErrKeyFormat = errors.New("invalid control word")

// keySlots holds the per-parity key material. Only the representation
// selected by the Engine's mode is live at any time; index 0 is the even
// parity and index 1 the odd.
type keySlots struct {
	bs     [2]*csa.BSKey
	single [2]*csa.Key
	aes    [2]cipher.Block
}

func (k *keySlots) clear() { *k = keySlots{} }

// evenSet reports whether an even-parity key is installed for mode. Absence
// means descrambling is disabled and the stage passes packets through.
func (k *keySlots) evenSet(mode Mode) bool {
	switch mode {
	case ModeBatched:
		return k.bs[0] != nil
	case ModeAES:
		return k.aes[0] != nil
	}
	return k.single[0] != nil
}

// oddSet reports whether an odd-parity key is installed for mode.
func (k *keySlots) oddSet(mode Mode) bool {
	switch mode {
	case ModeBatched:
		return k.bs[1] != nil
	case ModeAES:
		return k.aes[1] != nil
	}
	return k.single[1] != nil
}

// SetKey installs new control words, replacing any key material already
// held. A batch awaiting a flush is drained under the outgoing keys first.
// The even control word is mandatory; the odd one is optional but
// must decode to the same length. Both are validated in full before any
// existing key state is touched, so a rejected change leaves the previous
// keys in place. A decoded length of 16 bytes selects the AES (CISSA)
// backend; 8 bytes selects the classic backend matching the Engine's
// batching posture.
func (e *Engine) SetKey(evenHex, oddHex string) error {
	even, err := parseCW(evenHex)
	if err != nil {
		return fmt.Errorf("even control word: %w", err)
	}
	var odd []byte
	if oddHex != "" {
		odd, err = parseCW(oddHex)
		if err != nil {
			return fmt.Errorf("odd control word: %w", err)
		}
		if len(odd) != len(even) {
			return fmt.Errorf("%w: odd length %d does not match even length %d",
				ErrKeyFormat, len(odd), len(even))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Any batch still open was scrambled under the outgoing keys, so drain
	// it before they are replaced.
	e.flush()
	e.keys.clear()

	if len(even) == aesKeySize {
		e.mode = ModeAES
		if err := e.setAESKeys(even, odd); err != nil {
			e.keys.clear()
			return pkgerrors.Wrap(err, "could not initialise AES cipher")
		}
	} else if e.batched {
		e.mode = ModeBatched
		e.keys.bs[0], err = csa.NewBSKey(even)
		if err != nil {
			return err
		}
		if odd != nil {
			e.keys.bs[1], err = csa.NewBSKey(odd)
			if err != nil {
				e.keys.clear()
				return err
			}
		}
	} else {
		e.mode = ModeSingle
		e.keys.single[0], err = csa.NewKey(even)
		if err != nil {
			return err
		}
		if odd != nil {
			e.keys.single[1], err = csa.NewKey(odd)
			if err != nil {
				e.keys.clear()
				return err
			}
		}
	}

	e.log.Info("key changed", "mode", e.mode.String(), "oddSet", odd != nil)
	return nil
}

func (e *Engine) setAESKeys(even, odd []byte) error {
	var err error
	e.keys.aes[0], err = aes.NewCipher(even)
	if err != nil {
		return err
	}
	if odd == nil {
		return nil
	}
	e.keys.aes[1], err = aes.NewCipher(odd)
	return err
}

// decryptAES decrypts the payload region b in place with the parity-selected
// key, truncated down to a whole number of AES blocks as CISSA requires.
func (e *Engine) decryptAES(b []byte, odd bool) {
	n := len(b) &^ (aes.BlockSize - 1)
	if n == 0 {
		return
	}
	iv := cissaIV
	cipher.NewCBCDecrypter(e.keys.aes[parity(odd)], iv[:]).CryptBlocks(b[:n], b[:n])
	e.stats.Descrambled++
}

// parseCW decodes a hexadecimal control word. Classic control words decode
// to 8 bytes, extended (AES) control words to 16.
func parseCW(s string) ([]byte, error) {
	cw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	switch len(cw) {
	case csa.KeySize, aesKeySize:
		return cw, nil
	}
	return nil, fmt.Errorf("%w: decoded length %d", ErrKeyFormat, len(cw))
}
