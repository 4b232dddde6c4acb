// Package crypto provides the primitives MTProto needs behind a small
// interface, so the session layer can be tested with deterministic
// randomness and alternative implementations can be plugged in.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/gotd/ige"
)

// ErrInvalidLength is returned when IGE input is not a multiple of the block size.
var ErrInvalidLength = errors.New("crypto: data length is not a multiple of 16")

// Provider is the set of primitives consumed by auth keys, the handshake
// and obfuscated transports. Implementations must be safe for concurrent use.
type Provider interface {
	// IGEEncrypt encrypts data with AES-256-IGE. iv is 32 bytes.
	IGEEncrypt(data, key, iv []byte) ([]byte, error)
	// IGEDecrypt decrypts data with AES-256-IGE. iv is 32 bytes.
	IGEDecrypt(data, key, iv []byte) ([]byte, error)
	// CTR returns an AES-256-CTR keystream.
	CTR(key, iv []byte) (cipher.Stream, error)
	SHA1(parts ...[]byte) []byte
	SHA256(parts ...[]byte) []byte
	// RandomBytes returns n cryptographically secure random bytes.
	RandomBytes(n int) ([]byte, error)
}

type stdProvider struct {
	rand io.Reader
}

// Default returns a Provider backed by crypto/aes and crypto/rand.
func Default() Provider {
	return stdProvider{rand: rand.Reader}
}

// WithRandom returns a Provider that reads randomness from r. Tests use
// this for reproducible padding and nonces.
func WithRandom(r io.Reader) Provider {
	return stdProvider{rand: r}
}

func (p stdProvider) IGEEncrypt(data, key, iv []byte) ([]byte, error) {
	block, err := igeBlock(data, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	ige.NewIGEEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func (p stdProvider) IGEDecrypt(data, key, iv []byte) ([]byte, error) {
	block, err := igeBlock(data, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	ige.NewIGEDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func igeBlock(data, key, iv []byte) (cipher.Block, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrInvalidLength
	}
	if len(iv) != 2*aes.BlockSize {
		return nil, fmt.Errorf("crypto: ige iv must be 32 bytes, got %d", len(iv))
	}
	return aes.NewCipher(key)
}

func (p stdProvider) CTR(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("crypto: ctr iv must be 16 bytes, got %d", len(iv))
	}
	return cipher.NewCTR(block, iv), nil
}

func (p stdProvider) SHA1(parts ...[]byte) []byte {
	h := sha1.New()
	for _, b := range parts {
		h.Write(b)
	}
	return h.Sum(nil)
}

func (p stdProvider) SHA256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, b := range parts {
		h.Write(b)
	}
	return h.Sum(nil)
}

func (p stdProvider) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(p.rand, b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}
