package audit

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed is salted with the source name so every log starts
// from a distinct hash.
const GenesisHashSeed = "ClearLedger:audit:genesis:v1"

// GenesisHash is the prev hash of a source's first record.
func GenesisHash(source string) [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed + ":" + source))
}

// ChainHasher links records of one audit source. Each record hash is
// SHA-256 over the previous hash, the little-endian sequence and the
// record digest, so rewriting any record breaks every later hash.
type ChainHasher struct {
	tip [32]byte
}

func NewChainHasher(source string) *ChainHasher {
	return &ChainHasher{tip: GenesisHash(source)}
}

// ComputeHash returns the hash for the record at sequence and makes it the tip.
func (h *ChainHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	h.tip = chainHash(h.tip, sequence, digest)
	return h.tip
}

func (h *ChainHasher) Tip() [32]byte { return h.tip }

// Reset resumes the chain from a persisted tip.
func (h *ChainHasher) Reset(tip [32]byte) { h.tip = tip }

func chainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, len(prev)+8+len(digest))
	buf = append(buf, prev[:]...)
	buf = appendInt64LE(buf, sequence)
	buf = append(buf, digest...)
	return sha256.Sum256(buf)
}

// appendInt64LE and appendString give record digests an unambiguous layout.
func appendInt64LE(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
