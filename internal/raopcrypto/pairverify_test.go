package raopcrypto

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

// simulatePeer acts as the AppleTV/sender side of pair-verify well
// enough to exercise PairVerifier's wire format end to end.
func simulatePeer(t *testing.T, step1Request []byte) (step1Response []byte, peerSharedSecret []byte, atvData []byte) {
	t.Helper()
	require.Equal(t, byte(0x01), step1Request[0])
	verifyPub := step1Request[4:36]

	var atvSecret [32]byte
	_, err := rand.Read(atvSecret[:])
	require.NoError(t, err)
	atvPubBytes, err := curve25519.X25519(atvSecret[:], curve25519.Basepoint)
	require.NoError(t, err)

	shared, err := curve25519.X25519(atvSecret[:], verifyPub)
	require.NoError(t, err)

	atvData = []byte("fixed-test-atv-data-blob-01234567") // arbitrary length blob
	resp := make([]byte, 0, 32+len(atvData))
	resp = append(resp, atvPubBytes...)
	resp = append(resp, atvData...)
	return resp, shared, atvData
}

func TestPairVerifyRoundTrip(t *testing.T) {
	authPub, authPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v, err := NewPairVerifier(authPub, authPriv)
	require.NoError(t, err)

	step1Req := v.Step1Request()
	require.Len(t, step1Req, 4+32+32)

	step1Resp, peerShared, atvData := simulatePeer(t, step1Req)

	step2Req, err := v.Step2Request(step1Resp)
	require.NoError(t, err)
	require.Len(t, step2Req, 4+64)
	require.Equal(t, []byte{0, 0, 0, 0}, step2Req[:4])

	// Recover what the peer would see: decrypt using its own derived
	// key/iv over the same keystream offset, and verify the signature.
	aesKey := deriveSHA512Key("Pair-Verify-AES-Key", peerShared)
	aesIV := deriveSHA512Key("Pair-Verify-AES-IV", peerShared)
	block, err := newAESBlock(aesKey)
	require.NoError(t, err)
	stream := cipher.NewCTR(block, aesIV)
	stream.XORKeyStream(make([]byte, len(atvData)), atvData)
	sig := make([]byte, 64)
	stream.XORKeyStream(sig, step2Req[4:])

	signed := append(append([]byte{}, v.verifyPub[:]...), step1Resp[:32]...)
	require.True(t, ed25519.Verify(authPub, signed, sig))
}

func TestAuthSetupRequestShape(t *testing.T) {
	req, secret, err := AuthSetup()
	require.NoError(t, err)
	require.Len(t, req, 33)
	require.Equal(t, byte(0x01), req[0])
	require.NotEqual(t, [32]byte{}, secret)
}
