package raopcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// CTREncrypt runs AES-128-CTR over plaintext with the given key/iv,
// used by pair-verify step 2 to encrypt the signature+atv_data blob.
func CTREncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("raopcrypto: new cipher: %w", err)
	}
	out := make([]byte, len(plaintext))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out, plaintext)
	return out, nil
}
