package record

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. Records already written depend on these values,
// so they must never change.
const (
	Iterations = 1000
	KeyLength  = 32
	IVLength   = aes.BlockSize
)

// newIV returns a fresh random IV, which doubles as the key derivation salt.
func newIV() ([]byte, error) {
	iv := make([]byte, IVLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "unable to read random iv")
	}
	return iv, nil
}

// deriveKey derives the per record key from an owner key and the record IV.
func deriveKey(secret, iv []byte) []byte {
	return pbkdf2.Key(secret, iv, Iterations, KeyLength, sha512.New)
}

// seal encrypts plaintext with AES-256-CBC and PKCS#7 padding.
func seal(secret, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(secret, iv))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// open reverses seal.
func open(secret, iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != IVLength {
		return nil, errors.Errorf("iv has %d bytes, want %d", len(iv), IVLength)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	block, err := aes.NewCipher(deriveKey(secret, iv))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("bad padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("bad padding")
		}
	}
	return out[:len(out)-pad], nil
}
