// Package handshaketest provides the server side of the key exchange for
// tests of code that negotiates auth keys.
package handshaketest

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/tl"
)

// TestPQ is the pq the server hands out (1229739323 * 1402015859).
const TestPQ uint64 = 0x17ed48941a08f981

// Server answers one key exchange per Serve call.
type Server struct {
	Key    *rsa.PrivateKey
	Crypto crypto.Provider
	Prime  *big.Int
	G      int
	Now    func() time.Time
	// Retries is the number of dh_gen_retry answers sent before dh_gen_ok.
	Retries int
	// FailParams makes the server answer req_DH_params with
	// server_DH_params_fail.
	FailParams bool

	readers tl.ReaderMap
	writers tl.WriterMap
	msgSeq  int64
}

// Result is what the server side learned.
type Result struct {
	AuthKey    []byte
	ServerSalt int64
	// ExpiresIn is non-zero for a temporary key, in seconds.
	ExpiresIn int32
}

// New creates a server using the well-known prime with g = 3.
func New(key *rsa.PrivateKey) (*Server, error) {
	readers, writers, err := tl.CompileText(tl.MTProtoSchema(), tl.WithMethodReaders())
	if err != nil {
		return nil, err
	}
	return &Server{
		Key:     key,
		Crypto:  crypto.Default(),
		Prime:   handshake.KnownPrime(),
		G:       3,
		Now:     time.Now,
		readers: readers,
		writers: writers,
	}, nil
}

// PublicKey returns the client-side view of the server key.
func (s *Server) PublicKey() *handshake.PublicKey {
	return handshake.NewPublicKey(&s.Key.PublicKey)
}

func (s *Server) recv(ctx context.Context, conn handshake.Conn, want string) (*tl.Object, error) {
	frame, err := conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return s.Decode(frame, want)
}

// Decode parses a plain client frame and checks its type.
func (s *Server) Decode(frame []byte, want string) (*tl.Object, error) {
	_, body, err := handshake.DecodePlain(frame)
	if err != nil {
		return nil, err
	}
	obj, err := s.readers.Decode(body)
	if err != nil {
		return nil, err
	}
	if obj.Type != want {
		return nil, fmt.Errorf("handshaketest: got %s, want %s", obj.Type, want)
	}
	return obj, nil
}

func (s *Server) send(ctx context.Context, conn handshake.Conn, obj *tl.Object) error {
	body, err := s.writers.Encode(obj)
	if err != nil {
		return err
	}
	s.msgSeq++
	msgID := s.Now().Unix()<<32 | s.msgSeq<<2 | 1
	return conn.Send(ctx, handshake.EncodePlain(msgID, body))
}

// Serve runs the server side of one exchange on conn.
func (s *Server) Serve(ctx context.Context, conn handshake.Conn) (*Result, error) {
	req, err := s.recv(ctx, conn, "req_pq_multi")
	if err != nil {
		return nil, err
	}
	return s.ServeFrom(ctx, conn, req)
}

// ServeFrom continues an exchange whose req_pq_multi was already read.
func (s *Server) ServeFrom(ctx context.Context, conn handshake.Conn, req *tl.Object) (*Result, error) {
	p := s.Crypto
	nonce := req.Bytes("nonce")
	serverNonce, err := p.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	pq := binary.BigEndian.AppendUint64(nil, TestPQ)
	if err := s.send(ctx, conn, tl.New("resPQ", tl.Fields{
		"nonce":                       nonce,
		"serverNonce":                 serverNonce,
		"pq":                          pq,
		"serverPublicKeyFingerprints": []int64{s.PublicKey().Fingerprint},
	})); err != nil {
		return nil, err
	}

	dhReq, err := s.recv(ctx, conn, "req_DH_params")
	if err != nil {
		return nil, err
	}
	if s.FailParams {
		return nil, s.send(ctx, conn, tl.New("server_DH_params_fail", tl.Fields{
			"nonce":        nonce,
			"serverNonce":  serverNonce,
			"newNonceHash": make([]byte, 16),
		}))
	}
	inner, err := s.decryptInner(dhReq.Bytes("encryptedData"))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(inner.Bytes("nonce"), nonce) || !bytes.Equal(inner.Bytes("serverNonce"), serverNonce) {
		return nil, fmt.Errorf("handshaketest: nonce mismatch in p_q_inner_data")
	}
	var expiresIn int32
	switch inner.Type {
	case "p_q_inner_data_dc":
	case "p_q_inner_data_temp_dc":
		expiresIn = inner.Int("expiresIn")
		if expiresIn <= 0 {
			return nil, fmt.Errorf("handshaketest: expires_in %d", expiresIn)
		}
	default:
		return nil, fmt.Errorf("handshaketest: got %s inside req_DH_params", inner.Type)
	}
	newNonce := inner.Bytes("newNonce")

	aRaw, err := p.RandomBytes(256)
	if err != nil {
		return nil, err
	}
	a := new(big.Int).SetBytes(aRaw)
	gA := new(big.Int).Exp(big.NewInt(int64(s.G)), a, s.Prime)
	answer, err := s.writers.Encode(tl.New("server_DH_inner_data", tl.Fields{
		"nonce":       nonce,
		"serverNonce": serverNonce,
		"g":           int32(s.G),
		"dhPrime":     s.Prime.Bytes(),
		"gA":          gA.Bytes(),
		"serverTime":  int32(s.Now().Unix()),
	}))
	if err != nil {
		return nil, err
	}
	tmpKey, tmpIV := handshake.TempAESKey(p, newNonce, serverNonce)
	withHash := append(p.SHA1(answer), answer...)
	withHash = append(withHash, make([]byte, (16-len(withHash)%16)%16)...)
	encrypted, err := p.IGEEncrypt(withHash, tmpKey, tmpIV)
	if err != nil {
		return nil, err
	}
	if err := s.send(ctx, conn, tl.New("server_DH_params_ok", tl.Fields{
		"nonce":           nonce,
		"serverNonce":     serverNonce,
		"encryptedAnswer": encrypted,
	})); err != nil {
		return nil, err
	}

	for retries := s.Retries; ; retries-- {
		setReq, err := s.recv(ctx, conn, "set_client_DH_params")
		if err != nil {
			return nil, err
		}
		plain, err := p.IGEDecrypt(setReq.Bytes("encryptedData"), tmpKey, tmpIV)
		if err != nil {
			return nil, err
		}
		client, err := tl.NewDecoder(plain[20:], s.readers).ReadBoxed()
		if err != nil {
			return nil, err
		}
		gB := new(big.Int).SetBytes(client.Bytes("gB"))
		authKey := new(big.Int).Exp(gB, a, s.Prime).FillBytes(make([]byte, 256))
		aux := p.SHA1(authKey)[:8]

		if retries > 0 {
			if err := s.send(ctx, conn, tl.New("dh_gen_retry", tl.Fields{
				"nonce":         nonce,
				"serverNonce":   serverNonce,
				"newNonceHash2": handshake.NewNonceHash(p, newNonce, 2, aux),
			})); err != nil {
				return nil, err
			}
			continue
		}

		if err := s.send(ctx, conn, tl.New("dh_gen_ok", tl.Fields{
			"nonce":         nonce,
			"serverNonce":   serverNonce,
			"newNonceHash1": handshake.NewNonceHash(p, newNonce, 1, aux),
		})); err != nil {
			return nil, err
		}
		salt := make([]byte, 8)
		for i := range salt {
			salt[i] = newNonce[i] ^ serverNonce[i]
		}
		return &Result{AuthKey: authKey, ServerSalt: int64(binary.LittleEndian.Uint64(salt)), ExpiresIn: expiresIn}, nil
	}
}

// decryptInner reverses RSA_PAD and decodes the p_q_inner_data variant.
func (s *Server) decryptInner(encrypted []byte) (*tl.Object, error) {
	p := s.Crypto
	c := new(big.Int).SetBytes(encrypted)
	m := new(big.Int).Exp(c, s.Key.D, s.Key.N).FillBytes(make([]byte, 256))

	aesEncrypted := m[32:]
	hash := p.SHA256(aesEncrypted)
	tempKey := make([]byte, 32)
	for i := range tempKey {
		tempKey[i] = m[i] ^ hash[i]
	}
	withHash, err := p.IGEDecrypt(aesEncrypted, tempKey, make([]byte, 32))
	if err != nil {
		return nil, err
	}
	padded := slices.Clone(withHash[:192])
	slices.Reverse(padded)
	if !bytes.Equal(p.SHA256(tempKey, padded), withHash[192:]) {
		return nil, fmt.Errorf("handshaketest: rsa_pad hash mismatch")
	}
	return tl.NewDecoder(padded, s.readers).ReadBoxed()
}
