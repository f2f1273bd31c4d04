// Package raopcrypto implements the AirTunes audio-packet cipher and
// the pair-verify/auth-setup handshakes used to authenticate the RTSP
// session. The key exchange primitives (X25519, Ed25519, AES) follow
// the protocol exactly; only the Go-side wiring is this project's own.
package raopcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

func newAESBlock(key []byte) (cipher.Block, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("raopcrypto: new cipher: %w", err)
	}
	return block, nil
}

// EncryptContext holds the AES-128 key/iv negotiated over RTSP and
// applies them to RTP audio payloads.
type EncryptContext struct {
	key [16]byte
	iv  [16]byte
}

// NewEncryptContext builds a context from the raw 16-byte key and iv
// the RTSP layer received; both must be 16 bytes or both absent.
func NewEncryptContext(key, iv []byte) (*EncryptContext, error) {
	if len(key) == 0 && len(iv) == 0 {
		return nil, nil
	}
	if len(key) != 16 || len(iv) != 16 {
		return nil, fmt.Errorf("raopcrypto: key and iv must both be 16 bytes, got key=%d iv=%d", len(key), len(iv))
	}
	ctx := &EncryptContext{}
	copy(ctx.key[:], key)
	copy(ctx.iv[:], iv)
	return ctx, nil
}

// DecryptInPlace decrypts the full 16-byte blocks of payload using
// AES-128-CBC with a fresh copy of the IV for every packet; any
// trailing bytes shorter than a block are passed through untouched.
func (c *EncryptContext) DecryptInPlace(payload []byte) error {
	if c == nil {
		return nil
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return fmt.Errorf("raopcrypto: new cipher: %w", err)
	}
	n := len(payload) &^ 0xF
	if n == 0 {
		return nil
	}
	iv := c.iv // fresh copy per packet
	mode := cipher.NewCBCDecrypter(block, iv[:])
	mode.CryptBlocks(payload[:n], payload[:n])
	return nil
}
