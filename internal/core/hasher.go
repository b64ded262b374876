package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed anchors the hash chain. Changing it invalidates every
// stored envelope, so it is versioned.
const GenesisHashSeed = "LendLedger:genesis:v1"

// chainHasher carries the tip of the state hash chain. Every committed
// event links to the tip and becomes the new one:
//
//	state_hash[n] = SHA-256(state_hash[n-1] || sequence_be64 || digest)
type chainHasher struct {
	tip [32]byte
}

func newChainHasher() *chainHasher {
	return &chainHasher{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Advance folds one committed event into the chain and returns its hash.
func (h *chainHasher) Advance(sequence int64, digest []byte) [32]byte {
	preimage := make([]byte, 0, 40+len(digest))
	preimage = append(preimage, h.tip[:]...)
	preimage = binary.BigEndian.AppendUint64(preimage, uint64(sequence))
	preimage = append(preimage, digest...)

	h.tip = sha256.Sum256(preimage)
	return h.tip
}

// Tip returns the hash of the last committed event.
func (h *chainHasher) Tip() [32]byte {
	return h.tip
}

// SetTip pins the chain during snapshot restore.
func (h *chainHasher) SetTip(hash [32]byte) {
	h.tip = hash
}
