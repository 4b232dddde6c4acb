package handshake

import (
	"fmt"
	"math/big"
	"slices"

	"github.com/vango-dev/mtproto/pkg/crypto"
)

// rsaPad encrypts data (at most 144 bytes) with the RSA_PAD scheme:
// pad to 192 bytes, reverse, append SHA256(temp_key + padded), encrypt
// with AES-IGE under a random temp key, mask the key and apply raw RSA.
func rsaPad(p crypto.Provider, data []byte, key *PublicKey) ([]byte, error) {
	if len(data) > 144 {
		return nil, fmt.Errorf("handshake: rsa_pad input is %d bytes, max 144", len(data))
	}
	padding, err := p.RandomBytes(192 - len(data))
	if err != nil {
		return nil, err
	}
	padded := append(slices.Clone(data), padding...)
	reversed := slices.Clone(padded)
	slices.Reverse(reversed)

	zeroIV := make([]byte, 32)
	for {
		tempKey, err := p.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		withHash := append(slices.Clone(reversed), p.SHA256(tempKey, padded)...)
		encrypted, err := p.IGEEncrypt(withHash, tempKey, zeroIV)
		if err != nil {
			return nil, err
		}
		hash := p.SHA256(encrypted)
		keyAESEncrypted := make([]byte, 0, 256)
		for i := range tempKey {
			keyAESEncrypted = append(keyAESEncrypted, tempKey[i]^hash[i])
		}
		keyAESEncrypted = append(keyAESEncrypted, encrypted...)

		m := new(big.Int).SetBytes(keyAESEncrypted)
		if m.Cmp(key.N) >= 0 {
			continue
		}
		c := new(big.Int).Exp(m, big.NewInt(int64(key.E)), key.N)
		return c.FillBytes(make([]byte, 256)), nil
	}
}
