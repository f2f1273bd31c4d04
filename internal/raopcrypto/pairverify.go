package raopcrypto

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	publicKeySize  = 32
	secretKeySize  = 32
	signatureSize  = ed25519.SignatureSize
)

// PairVerifier drives the two-step pair-verify Curve25519/Ed25519
// exchange against an already-paired sender. The long-term Ed25519
// identity keypair is supplied by the caller; the TLV pairing/PIN
// handshake that establishes it lives outside this package.
type PairVerifier struct {
	authPub  ed25519.PublicKey
	authPriv ed25519.PrivateKey

	verifyPub    [publicKeySize]byte
	verifySecret [secretKeySize]byte
}

// NewPairVerifier generates a fresh ephemeral X25519 keypair and binds
// it to the caller's long-term Ed25519 identity.
func NewPairVerifier(authPub ed25519.PublicKey, authPriv ed25519.PrivateKey) (*PairVerifier, error) {
	var secret [secretKeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("raopcrypto: generate verify secret: %w", err)
	}
	var pub [publicKeySize]byte
	scalarMultBase(&pub, &secret)

	return &PairVerifier{
		authPub:      authPub,
		authPriv:     authPriv,
		verifyPub:    pub,
		verifySecret: secret,
	}, nil
}

func scalarMultBase(dst *[32]byte, secret *[32]byte) {
	out, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		panic("raopcrypto: X25519 base scalar mult: " + err.Error())
	}
	copy(dst[:], out)
}

// Step1Request builds the body of the first /pair-verify POST:
// 0x01000000 || verify_pub || auth_pub.
func (v *PairVerifier) Step1Request() []byte {
	buf := make([]byte, 4+publicKeySize*2)
	buf[0] = 0x01
	copy(buf[4:4+publicKeySize], v.verifyPub[:])
	copy(buf[4+publicKeySize:], v.authPub)
	return buf
}

// Step2Request consumes the step-1 response (atv_pub || atv_data) and
// builds the second /pair-verify POST body:
// 0x00000000 || AES-CTR(shared_key, atv_data-then-signature)[signature portion],
// matching NebzHB/RAOP-Player's rtspcl_pair_verify: the keystream is
// advanced across atv_data (discarded) before the signature is
// encrypted, so atv_data and the signature share one continuous CTR
// stream. The step-1 POST is sent in the clear.
func (v *PairVerifier) Step2Request(step1Response []byte) ([]byte, error) {
	if len(step1Response) < publicKeySize {
		return nil, fmt.Errorf("raopcrypto: pair-verify step1 response too short (%d bytes)", len(step1Response))
	}
	var atvPub [publicKeySize]byte
	copy(atvPub[:], step1Response[:publicKeySize])
	atvData := step1Response[publicKeySize:]

	sharedSecret, err := curve25519.X25519(v.verifySecret[:], atvPub[:])
	if err != nil {
		return nil, fmt.Errorf("raopcrypto: compute shared secret: %w", err)
	}

	aesKey := deriveSHA512Key("Pair-Verify-AES-Key", sharedSecret)
	aesIV := deriveSHA512Key("Pair-Verify-AES-IV", sharedSecret)

	signed := make([]byte, 0, publicKeySize*2)
	signed = append(signed, v.verifyPub[:]...)
	signed = append(signed, atvPub[:]...)
	signature := ed25519.Sign(v.authPriv, signed)

	block, err := newAESBlock(aesKey)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, aesIV)
	stream.XORKeyStream(make([]byte, len(atvData)), atvData) // advance keystream, discard output

	sigCipher := make([]byte, signatureSize)
	stream.XORKeyStream(sigCipher, signature)

	out := make([]byte, 4+signatureSize)
	copy(out[4:], sigCipher)
	return out, nil
}

func deriveSHA512Key(label string, sharedSecret []byte) []byte {
	h := sha512.New()
	h.Write([]byte(label))
	h.Write(sharedSecret)
	sum := h.Sum(nil)
	return sum[:16]
}

// AuthSetup builds the body of the legacy (pre-pair-verify) /auth-setup
// POST: 0x01 || X25519 public key, for senders that only support the
// plain key-exchange handshake.
func AuthSetup() (request []byte, secret [secretKeySize]byte, err error) {
	if _, err = rand.Read(secret[:]); err != nil {
		return nil, secret, fmt.Errorf("raopcrypto: generate auth-setup secret: %w", err)
	}
	var pub [publicKeySize]byte
	scalarMultBase(&pub, &secret)

	request = make([]byte, 1+publicKeySize)
	request[0] = 0x01
	copy(request[1:], pub[:])
	return request, secret, nil
}
