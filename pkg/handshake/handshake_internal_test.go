package handshake

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
)

func TestFactorize(t *testing.T) {
	tests := []struct {
		pq   uint64
		p, q uint64
	}{
		{0x17ed48941a08f981, 1229739323, 1402015859},
		{15, 3, 5},
		{22, 2, 11},
		{1000000007 * 998244353, 998244353, 1000000007},
	}
	for _, tt := range tests {
		p, q, err := Factorize(tt.pq)
		if err != nil {
			t.Fatalf("Factorize(%d) error = %v", tt.pq, err)
		}
		if p != tt.p || q != tt.q {
			t.Errorf("Factorize(%d) = %d, %d, want %d, %d", tt.pq, p, q, tt.p, tt.q)
		}
	}

	if _, _, err := Factorize(3); !errors.Is(err, ErrFactorization) {
		t.Errorf("Factorize(3) err = %v, want ErrFactorization", err)
	}
}

func TestPlainFraming(t *testing.T) {
	frame := EncodePlain(0x1234, []byte{1, 2, 3, 4})
	if len(frame) != 24 || !bytes.Equal(frame[:8], make([]byte, 8)) {
		t.Fatalf("EncodePlain() = %x", frame)
	}
	id, body, err := DecodePlain(frame)
	if err != nil || id != 0x1234 || !bytes.Equal(body, []byte{1, 2, 3, 4}) {
		t.Errorf("DecodePlain() = %x, %v, %v", id, body, err)
	}

	frame[0] = 1
	if _, _, err := DecodePlain(frame); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("DecodePlain(keyed frame) err = %v", err)
	}
	if _, _, err := DecodePlain(frame[:10]); err == nil {
		t.Error("DecodePlain(short) succeeded")
	}
}

func TestParsePublicKeys(t *testing.T) {
	k, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	pkix, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	bundle := append(
		pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&k.PublicKey)}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix})...,
	)

	keys, err := ParsePublicKeys(bundle)
	if err != nil {
		t.Fatalf("ParsePublicKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len(keys) = %d, want 2", len(keys))
	}
	if keys[0].Fingerprint != keys[1].Fingerprint || keys[0].N.Cmp(k.N) != 0 {
		t.Error("PKCS#1 and PKIX forms disagree")
	}
	if findKey(keys, []int64{1, keys[0].Fingerprint}) != keys[0] {
		t.Error("findKey() did not match offered fingerprint")
	}
	if findKey(keys, []int64{1, 2}) != nil {
		t.Error("findKey() matched unknown fingerprint")
	}

	if _, err := ParsePublicKeys([]byte("not pem")); err == nil {
		t.Error("ParsePublicKeys(garbage) succeeded")
	}
}

func TestCheckDHParams(t *testing.T) {
	prime := KnownPrime()
	if err := CheckDHParams(3, prime); err != nil {
		t.Errorf("CheckDHParams(3, known) error = %v", err)
	}
	if err := CheckDHParams(2, prime); !errors.Is(err, ErrBadDHParams) {
		t.Errorf("CheckDHParams(2, known) err = %v, want ErrBadDHParams", err)
	}
	if err := CheckDHParams(3, big.NewInt(23)); !errors.Is(err, ErrBadDHParams) {
		t.Errorf("CheckDHParams(small prime) err = %v, want ErrBadDHParams", err)
	}
	notPrime := new(big.Int).Add(prime, big.NewInt(2))
	if err := CheckDHParams(3, notPrime); !errors.Is(err, ErrBadDHParams) {
		t.Errorf("CheckDHParams(composite) err = %v, want ErrBadDHParams", err)
	}

	if err := checkGroupElement(big.NewInt(2), prime); err == nil {
		t.Error("checkGroupElement(2) succeeded")
	}
	mid := new(big.Int).Rsh(prime, 1)
	if err := checkGroupElement(mid, prime); err != nil {
		t.Errorf("checkGroupElement(p/2) error = %v", err)
	}
}
