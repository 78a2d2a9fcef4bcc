package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// AES/GCM encrypt, the random nonce is prepended to the sealed bytes.
func AesGcmEncrypt(key []byte, plain []byte) ([]byte, error) {
	gcm, err := newGcm(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plain)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// AES/GCM decrypt bytes produced by AesGcmEncrypt.
func AesGcmDecrypt(key []byte, sealed []byte) ([]byte, error) {
	gcm, err := newGcm(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(sealed) < ns+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	return gcm.Open(nil, sealed[:ns], sealed[ns:], nil)
}

func newGcm(key []byte) (cipher.AEAD, error) {
	ci, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(ci)
}

// Parse AES key.
//
// Base64 encoded 16, 24 or 32 bytes are used as is, anything else is treated
// as a passphrase and hashed with SHA-256 into a 32 bytes key.
func ParseAesKey(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		switch len(b) {
		case 16, 24, 32:
			return b
		}
	}
	h := sha256.Sum256([]byte(s))
	return h[:]
}
