// Copyright (c) 2016 The Decred developers.

// Package work models the algorithm-agnostic hashing input handed from the
// Stratum adapter to the mining worker: a coinbase-and-merkle-branch
// description together with the mutable 128-byte header it assembles into.
package work

import (
	"crypto/sha256"
	"errors"
	"math/big"
	"time"

	"github.com/EXCCoin/exccd/chaincfg/chainhash"
)

// HeaderSize is the width, in bytes, of the block header template every
// algorithm implementation hashes. It is fixed across algorithms; only the
// last 4 bytes are conventionally the nonce field.
const HeaderSize = 128

// Nonce2Size is the width, in bytes, of the nonce2 field written into the
// coinbase at Coinbase.Nonce2Offset.
const Nonce2Size = 4

var (
	// ErrMerkleOffsetOOB is returned when MerkleOffsetInHeader would write
	// the merkle root past the end of the header.
	ErrMerkleOffsetOOB = errors.New("work: merkle offset out of header bounds")

	// ErrNonce2OffsetOOB is returned when Nonce2Offset would write nonce2
	// past the end of the coinbase bytes.
	ErrNonce2OffsetOOB = errors.New("work: nonce2 offset out of coinbase bounds")
)

// HashFunc produces a 32-byte digest for the merkle leaf and node hashing
// steps. Bitcoin-family algorithms use DoubleSHA256; other families may
// inject their own. Kept as a field on Coinbase (rather than a
// package-level constant) so each algorithm implementation controls its
// own leaf hash.
type HashFunc func([]byte) [32]byte

// DoubleSHA256 is the standard Bitcoin-family merkle hash: SHA-256 applied
// twice, built from two bare calls to crypto/sha256.Sum256 rather than a
// dedicated "double hash" helper; chainhash's own convenience wrappers
// (chainhash.DoubleHashH) belong to the Blake256-based fork this module's
// chainhash dependency draws chainhash.HashBlockSize sizing from, and are
// not applicable to this header/merkle family.
func DoubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Coinbase describes the coinbase transaction and the merkle branch needed
// to fold it up into the block header's merkle root slot.
type Coinbase struct {
	// Bytes is the coinbase transaction with the nonce2 field zeroed at
	// Nonce2Offset.
	Bytes []byte
	// Nonce2Offset is where the 4-byte nonce2 counter is written inside
	// Bytes.
	Nonce2Offset int
	// MerkleBranch is the ordered sequence of 32-byte sibling hashes
	// needed to fold the coinbase hash up to the merkle root.
	MerkleBranch [][32]byte
	// MerkleOffsetInHeader is where the final 32-byte merkle root is
	// written into the header template.
	MerkleOffsetInHeader int
}

// validate checks the two invariants from the data model: merkle_offset +
// 32 <= HeaderSize and nonce2_offset + 4 <= len(coinbase.bytes).
func (c *Coinbase) validate() error {
	if c.MerkleOffsetInHeader < 0 || c.MerkleOffsetInHeader+32 > HeaderSize {
		return ErrMerkleOffsetOOB
	}
	if c.Nonce2Offset < 0 || c.Nonce2Offset+Nonce2Size > len(c.Bytes) {
		return ErrNonce2OffsetOOB
	}
	return nil
}

// Unit is the immutable-once-built hashing input for one Stratum job. A
// Unit is constructed by the Stratum adapter and handed off by move (in Go
// terms: by value/ownership transfer, never shared) into the coordinator's
// inbox; the worker is its sole consumer from then on.
type Unit struct {
	JobID       string
	Nonce1      []byte
	ShareTarget *big.Int // 256-bit unsigned threshold
	ShareDiff   float64

	Coinbase Coinbase

	NetworkTime uint32
	GenTimeWall time.Time

	Nonce2 uint32

	BlankHeader [HeaderSize]byte
	Header      [HeaderSize]byte

	// Restart, if false, tells the worker to keep rolling its current
	// nonce2 iteration under the new data; if true the worker resets.
	Restart bool

	// LittleEndianMerkle mirrors the algorithm's littleEndianAlgo flag:
	// when false the assembled merkle root is byte-flipped in 4-byte
	// groups before being written into the header; when true it is
	// written as hashed (the stratum adapter builds its units this way).
	LittleEndianMerkle bool

	// Hash is the leaf/node hash function used to fold the coinbase and
	// merkle branch together. Defaults to DoubleSHA256 via New.
	Hash HashFunc
}

// New builds a Unit and performs its first RebuildHeader so the returned
// value is immediately hashable. jobID, nonce1 and the coinbase/header
// fields are supplied by the Stratum adapter; this core package only
// assembles and rolls headers.
func New(jobID string, nonce1 []byte, shareTarget *big.Int, shareDiff float64,
	coinbase Coinbase, networkTime uint32, blankHeader [HeaderSize]byte,
	littleEndianMerkle bool, hash HashFunc) (*Unit, error) {
	if err := coinbase.validate(); err != nil {
		return nil, err
	}
	if hash == nil {
		hash = DoubleSHA256
	}
	u := &Unit{
		JobID:              jobID,
		Nonce1:             nonce1,
		ShareTarget:        shareTarget,
		ShareDiff:          shareDiff,
		Coinbase:           coinbase,
		NetworkTime:        networkTime,
		GenTimeWall:        time.Now(),
		BlankHeader:        blankHeader,
		LittleEndianMerkle: littleEndianMerkle,
		Hash:               hash,
	}
	if err := u.RebuildHeader(); err != nil {
		return nil, err
	}
	return u, nil
}

// RebuildHeader assembles the 128-byte header from the current nonce2:
// it writes nonce2 into the coinbase, hashes the coinbase into the initial
// merkle leaf, folds in each sibling of the merkle branch, optionally
// byte-flips the result in 4-byte groups, and copies the blank header with
// the merkle slot overwritten.
func (u *Unit) RebuildHeader() error {
	if err := u.Coinbase.validate(); err != nil {
		return err
	}

	cb := make([]byte, len(u.Coinbase.Bytes))
	copy(cb, u.Coinbase.Bytes)
	putUint32LE(cb[u.Coinbase.Nonce2Offset:], u.Nonce2)

	root := u.Hash(cb)
	for _, sibling := range u.Coinbase.MerkleBranch {
		var concat [64]byte
		copy(concat[:32], root[:])
		copy(concat[32:], sibling[:])
		root = u.Hash(concat[:])
	}

	if !u.LittleEndianMerkle {
		flipIn4ByteGroups(root[:])
	}

	u.Header = u.BlankHeader
	copy(u.Header[u.Coinbase.MerkleOffsetInHeader:u.Coinbase.MerkleOffsetInHeader+32], root[:])
	return nil
}

// AdvanceNonce2 increments nonce2 by one and rebuilds the header. It is
// equivalent to constructing a fresh Unit with nonce2+1.
func (u *Unit) AdvanceNonce2() error {
	u.Nonce2++
	return u.RebuildHeader()
}

// Clone returns a deep-enough copy of u suitable for handing to a
// concurrent algorithm instance that will roll its own nonce2 without
// disturbing the original (the worker does this when nonce2-rolling
// internally across several pipeline slots).
func (u *Unit) Clone() *Unit {
	clone := *u
	clone.Nonce1 = append([]byte(nil), u.Nonce1...)
	clone.Coinbase.Bytes = append([]byte(nil), u.Coinbase.Bytes...)
	clone.Coinbase.MerkleBranch = append([][32]byte(nil), u.Coinbase.MerkleBranch...)
	if u.ShareTarget != nil {
		clone.ShareTarget = new(big.Int).Set(u.ShareTarget)
	}
	return &clone
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// flipIn4ByteGroups reverses the byte order of each 4-byte group in place,
// the big-endian merkle convention some algorithm families use.
func flipIn4ByteGroups(b []byte) {
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}

// Nonces is a set of candidate header nonces discovered by the worker for
// one (job, nonce2) pass, stamped with enough context to derive a share
// submission.
type Nonces struct {
	JobID          string
	Nonce2         uint32
	HeaderSnapshot [HeaderSize]byte
	Candidates     []uint32
}

// getworkDataLen sizes a legacy getwork buffer as 1 + header bits rounded
// up to a hash block; kept for diagnostic/benchmark tooling that talks to
// getwork-style solo nodes rather than Stratum pools.
const getworkDataLen = (1 + (HeaderSize*8+65)/(chainhash.HashBlockSize*8)) * chainhash.HashBlockSize

// GetworkBufferLen returns the size, in bytes, of a legacy getwork data
// buffer sized for this header format.
func GetworkBufferLen() int { return getworkDataLen }
