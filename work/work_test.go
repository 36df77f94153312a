package work

import (
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func dsha(b []byte) [32]byte {
	a := sha256.Sum256(b)
	return sha256.Sum256(a[:])
}

func TestRebuildHeaderEmptyBranchLittleEndian(t *testing.T) {
	cb := Coinbase{
		Bytes:                []byte{0x01, 0x00, 0x00, 0x00},
		Nonce2Offset:         0,
		MerkleBranch:         nil,
		MerkleOffsetInHeader: 36,
	}
	var blank [HeaderSize]byte

	u, err := New("job1", nil, big.NewInt(1), 1.0, cb, 0, blank, true, nil)
	require.NoError(t, err)

	// RebuildHeader writes the zero-value Nonce2 over cb.Bytes[0:4] before
	// hashing, so the leaf hash is over [0x00,0x00,0x00,0x00], not the
	// coinbase's original literal bytes.
	want := dsha([]byte{0x00, 0x00, 0x00, 0x00})
	require.Equal(t, want[:], u.Header[36:68])

	// Untouched regions must match the blank template.
	require.Equal(t, blank[:36], u.Header[:36])
	require.Equal(t, blank[68:], u.Header[68:])
}

func TestRebuildHeaderOneSiblingBigEndianFlip(t *testing.T) {
	var a, b [32]byte
	for i := range a {
		a[i] = 0x11
	}
	for i := range b {
		b[i] = 0x22
	}

	cb := Coinbase{
		Bytes:                []byte{0xaa, 0xbb, 0xcc, 0xdd},
		Nonce2Offset:         0,
		MerkleBranch:         [][32]byte{b},
		MerkleOffsetInHeader: 0,
	}
	var blank [HeaderSize]byte

	hashFunc := func(in []byte) [32]byte {
		if len(in) == 4 {
			return a // first call hashes the coinbase -> fixed leaf "a"
		}
		var concat [64]byte
		copy(concat[:], in)
		return dsha(concat[:])
	}

	u, err := New("job1", nil, big.NewInt(1), 1.0, cb, 0, blank, false, hashFunc)
	require.NoError(t, err)

	var concat [64]byte
	copy(concat[:32], a[:])
	copy(concat[32:], b[:])
	expected := dsha(concat[:])
	flipIn4ByteGroups(expected[:])

	require.Equal(t, expected[:], u.Header[0:32])
}

func TestRebuildHeaderDeterministic(t *testing.T) {
	cb := Coinbase{Bytes: []byte{1, 2, 3, 4, 5, 6}, Nonce2Offset: 2, MerkleOffsetInHeader: 10}
	var blank [HeaderSize]byte
	u, err := New("job", nil, big.NewInt(100), 1, cb, 0, blank, true, nil)
	require.NoError(t, err)

	first := u.Header
	require.NoError(t, u.RebuildHeader())
	require.Equal(t, first, u.Header)
}

func TestAdvanceNonce2MatchesFreshUnit(t *testing.T) {
	cb := Coinbase{Bytes: []byte{1, 2, 3, 4, 5, 6}, Nonce2Offset: 2, MerkleOffsetInHeader: 10}
	var blank [HeaderSize]byte

	u, err := New("job", nil, big.NewInt(100), 1, cb, 0, blank, true, nil)
	require.NoError(t, err)
	require.NoError(t, u.AdvanceNonce2())

	fresh, err := New("job", nil, big.NewInt(100), 1, cb, 0, blank, true, nil)
	require.NoError(t, err)
	fresh.Nonce2 = 1
	require.NoError(t, fresh.RebuildHeader())

	require.Equal(t, fresh.Header, u.Header)
	require.Equal(t, uint32(1), u.Nonce2)
}

func TestInvariantsRejectBadOffsets(t *testing.T) {
	var blank [HeaderSize]byte

	_, err := New("job", nil, big.NewInt(1), 1, Coinbase{
		Bytes: []byte{1, 2, 3, 4}, Nonce2Offset: 0, MerkleOffsetInHeader: HeaderSize - 10,
	}, 0, blank, true, nil)
	require.ErrorIs(t, err, ErrMerkleOffsetOOB)

	_, err = New("job", nil, big.NewInt(1), 1, Coinbase{
		Bytes: []byte{1, 2, 3}, Nonce2Offset: 1, MerkleOffsetInHeader: 0,
	}, 0, blank, true, nil)
	require.ErrorIs(t, err, ErrNonce2OffsetOOB)
}

func TestCloneIsIndependent(t *testing.T) {
	cb := Coinbase{Bytes: []byte{1, 2, 3, 4}, Nonce2Offset: 0, MerkleOffsetInHeader: 0}
	var blank [HeaderSize]byte
	u, err := New("job", []byte{9, 9}, big.NewInt(7), 1, cb, 0, blank, true, nil)
	require.NoError(t, err)

	clone := u.Clone()
	clone.Nonce1[0] = 0xff
	clone.Coinbase.Bytes[0] = 0xff
	clone.ShareTarget.SetInt64(42)

	require.Equal(t, byte(9), u.Nonce1[0])
	require.Equal(t, byte(1), u.Coinbase.Bytes[0])
	require.Equal(t, int64(7), u.ShareTarget.Int64())
}
