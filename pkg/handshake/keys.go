package handshake

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/tl"
)

// PublicKey is a server RSA key used to encrypt p_q_inner_data.
type PublicKey struct {
	N           *big.Int
	E           int
	Fingerprint int64
}

// NewPublicKey wraps k and computes its fingerprint.
func NewPublicKey(k *rsa.PublicKey) *PublicKey {
	return &PublicKey{N: k.N, E: k.E, Fingerprint: Fingerprint(k.N, k.E)}
}

// Fingerprint returns the low 64 bits of SHA1(bytes(n) + bytes(e)), with
// n and e serialized as TL bytes.
func Fingerprint(n *big.Int, e int) int64 {
	enc := tl.NewEncoder(nil)
	enc.WriteBytes(n.Bytes())
	enc.WriteBytes(big.NewInt(int64(e)).Bytes())
	sum := crypto.Default().SHA1(enc.Bytes())
	return int64(binary.LittleEndian.Uint64(sum[12:20]))
}

// ParsePublicKeys parses every RSA key in a PEM bundle. Both PKCS#1
// ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") blocks are accepted.
func ParsePublicKeys(data []byte) ([]*PublicKey, error) {
	var keys []*PublicKey
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		key, err := parseBlock(block)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("handshake: no PEM public keys found")
	}
	return keys, nil
}

func parseBlock(block *pem.Block) (*PublicKey, error) {
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("handshake: parse PKCS#1 key: %w", err)
		}
		return NewPublicKey(k), nil
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("handshake: parse PKIX key: %w", err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("handshake: PKIX key is %T, want RSA", k)
		}
		return NewPublicKey(rk), nil
	default:
		return nil, fmt.Errorf("handshake: unsupported PEM block %q", block.Type)
	}
}

// findKey returns the first key whose fingerprint the server offered.
func findKey(keys []*PublicKey, fingerprints []int64) *PublicKey {
	for _, fp := range fingerprints {
		for _, k := range keys {
			if k.Fingerprint == fp {
				return k
			}
		}
	}
	return nil
}
