/*
NAME
  bs.go - batched scrambling over many transport packet payloads.

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

package csa

// advisedBatchSize is the number of payloads over which the fixed cost of a
// batched transform is amortised. Native bit-sliced implementations process
// one payload per bit of the machine word; we advise the same shape.
const advisedBatchSize = 64

// BatchSize returns the advised number of payloads per batch. Submitting
// more entries than this to a batched transform is not supported.
func BatchSize() int { return advisedBatchSize }

// BatchEntry describes one payload span in a batch. A zero entry (nil Data)
// terminates the batch.
type BatchEntry struct {
	Data []byte
}

// BSKey holds key material expanded once for batched transforms. The
// expansion is the expensive step; a BSKey amortises it across every batch
// scrambled with the same control word.
type BSKey struct {
	key *Key
}

// NewBSKey expands the control word cw for batched use.
func NewBSKey(cw []byte) (*BSKey, error) {
	k, err := NewKey(cw)
	if err != nil {
		return nil, err
	}
	return &BSKey{key: k}, nil
}

// Decrypt descrambles every payload in batch in place, stopping at the
// first zero entry or the end of the slice.
func (k *BSKey) Decrypt(batch []BatchEntry) {
	for _, e := range batch {
		if e.Data == nil {
			break
		}
		k.key.Decrypt(e.Data)
	}
}

// Encrypt scrambles every payload in batch in place, stopping at the first
// zero entry or the end of the slice.
func (k *BSKey) Encrypt(batch []BatchEntry) {
	for _, e := range batch {
		if e.Data == nil {
			break
		}
		k.key.Encrypt(e.Data)
	}
}
