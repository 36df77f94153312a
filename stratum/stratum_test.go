package stratum

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHexEncodeDecodeRoundTrip(t *testing.T) {
	in := []byte{0x00, 0x01, 0x7f, 0xff, 0xab}
	enc := hexEncode(in)
	require.Equal(t, "00017fffab", enc)

	out, err := hexDecode(enc)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestHexDecodeOddLengthIsLeftPadded(t *testing.T) {
	out, err := hexDecode("abc")
	require.NoError(t, err)
	require.Equal(t, []byte{0x0a, 0xbc}, out)
}

func TestHexDecodeRejectsBadDigit(t *testing.T) {
	_, err := hexDecode("zz")
	require.Error(t, err)
}

func TestDecodeNotifyParsesAllFields(t *testing.T) {
	params := []interface{}{
		"job1", "prevhash", "cb1", "cb2",
		[]interface{}{"branch1", "branch2"},
		"20000000", "1d00ffff", "5f5e100",
		true,
	}
	j, err := decodeNotify(params)
	require.NoError(t, err)
	require.Equal(t, "job1", j.jobID)
	require.Equal(t, []string{"branch1", "branch2"}, j.merkleBranch)
	require.True(t, j.cleanJobs)
}

func TestDecodeNotifyRejectsShortParams(t *testing.T) {
	_, err := decodeNotify([]interface{}{"job1"})
	require.Error(t, err)
}

func TestNbitsToTargetMatchesKnownExpansion(t *testing.T) {
	// 0x1d00ffff is Bitcoin's genesis-era difficulty-1 encoding:
	// mantissa 0x00ffff left-shifted by 8*(0x1d-3) bits.
	target := nbitsToTarget("1d00ffff")
	require.NotNil(t, target)
	want := new(big.Int).Lsh(big.NewInt(0x00ffff), 8*(0x1d-3))
	require.Equal(t, 0, target.Cmp(want))
}

func TestNbitsToTargetRejectsMalformedInput(t *testing.T) {
	require.Nil(t, nbitsToTarget("zzzz"))
	require.Nil(t, nbitsToTarget("ff"))
}

func TestErrLooksStaleMatchesStringAndArrayErrors(t *testing.T) {
	require.True(t, errLooksStale("Job not found (stale)"))
	require.True(t, errLooksStale([]interface{}{float64(21), "Stale share"}))
	require.False(t, errLooksStale("low difficulty share"))
	require.False(t, errLooksStale(nil))
}

func TestBuildUnitAssemblesCoinbaseAndTarget(t *testing.T) {
	p := &Pool{extranonce1: []byte{0xaa, 0xbb}, extranonce2Size: 4}
	j := &job{
		jobID:     "job1",
		coinbase1: "01020304",
		coinbase2: "05060708",
		version:   "20000000",
		prevHash:  "0001020304050607080910111213141516171819202122232425262728293031",
		nbits:     "1d00ffff",
		ntime:     "5f5e1000",
		merkleBranch: []string{
			"1111111111111111111111111111111111111111111111111111111111111111",
		},
	}
	j.prevHash = j.prevHash[:64]               // exactly 32 bytes
	j.merkleBranch[0] = j.merkleBranch[0][:64] // exactly 32 bytes

	wu, err := p.buildUnit(j)
	require.NoError(t, err)
	require.Equal(t, "job1", wu.JobID)
	// nonce2 sits right after coinbase1 (4 bytes) + extranonce1 (2 bytes).
	require.Equal(t, len(j.coinbase1)/2+len(p.extranonce1), wu.Coinbase.Nonce2Offset)
	require.NotNil(t, wu.ShareTarget)

	require.Equal(t, []byte{0x20, 0x00, 0x00, 0x00}, wu.BlankHeader[0:4])

	prevHashBytes, err := hexDecode(j.prevHash)
	require.NoError(t, err)
	reverseBytes(prevHashBytes)
	require.Equal(t, prevHashBytes, wu.BlankHeader[4:36])

	require.Equal(t, []byte{0x5f, 0x5e, 0x10, 0x00}, wu.BlankHeader[68:72])
}

func TestSessionTokenRoundTrip(t *testing.T) {
	tok, pub, err := NewSessionToken()
	require.NoError(t, err)
	require.True(t, VerifySessionToken(pub, tok))

	tampered := *tok
	tampered.Nonce[0] ^= 0xff
	require.False(t, VerifySessionToken(pub, &tampered))
}
