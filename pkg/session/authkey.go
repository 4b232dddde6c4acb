package session

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vango-dev/mtproto/pkg/crypto"
)

// AuthKeySize is the size of an MTProto authorization key in bytes (2048 bits).
const AuthKeySize = 256

// Message is a decrypted inner message.
type Message struct {
	Salt      int64
	SessionID int64
	MsgID     int64
	SeqNo     int32
	Body      []byte
}

// AuthKey wraps a negotiated authorization key and implements the
// MTProto 2.0 message encryption scheme.
//
// A zero AuthKey is not ready; Set installs a key. AuthKey is not safe for
// concurrent use and is owned by exactly one Session slot.
type AuthKey struct {
	crypto crypto.Provider

	key []byte
	id  []byte

	// Temp marks a temporary (PFS) key. ExpiresAt is only meaningful for
	// temporary keys.
	Temp      bool
	ExpiresAt time.Time

	// server inverts the direction: encrypt as the server, decrypt
	// client messages.
	server bool
}

// NewAuthKey creates an empty (not ready) key.
func NewAuthKey(p crypto.Provider) *AuthKey {
	return &AuthKey{crypto: p}
}

// Set installs key material. The key is copied; a nil or empty key resets.
func (k *AuthKey) Set(key []byte) error {
	if len(key) == 0 {
		k.Reset()
		return nil
	}
	if len(key) != AuthKeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	k.key = bytes.Clone(key)
	k.id = k.crypto.SHA1(k.key)[12:20]
	return nil
}

// Reset clears the key and its identifier.
func (k *AuthKey) Reset() {
	k.key = nil
	k.id = nil
	k.ExpiresAt = time.Time{}
}

// Ready reports whether key material is present.
func (k *AuthKey) Ready() bool {
	return len(k.key) == AuthKeySize
}

// ID returns the 8-byte key identifier (nil when not ready).
func (k *AuthKey) ID() []byte {
	return bytes.Clone(k.id)
}

// Key returns a copy of the raw key material.
func (k *AuthKey) Key() []byte {
	return bytes.Clone(k.key)
}

// Match reports whether keyID (the first 8 bytes of an encrypted frame)
// identifies this key.
func (k *AuthKey) Match(keyID []byte) bool {
	if !k.Ready() || len(keyID) < 8 {
		return false
	}
	return subtle.ConstantTimeCompare(k.id, keyID[:8]) == 1
}

// Mirror returns a copy of the key that encrypts in the server direction
// and decrypts client messages.
func (k *AuthKey) Mirror() *AuthKey {
	return &AuthKey{
		crypto:    k.crypto,
		key:       bytes.Clone(k.key),
		id:        bytes.Clone(k.id),
		Temp:      k.Temp,
		ExpiresAt: k.ExpiresAt,
		server:    !k.server,
	}
}

func (k *AuthKey) direction(outgoing bool) int {
	if outgoing != k.server {
		return 0
	}
	return 8
}

// deriveAES implements the MTProto 2.0 key derivation for a msg_key.
func (k *AuthKey) deriveAES(msgKey []byte, x int) (key, iv []byte) {
	a := k.crypto.SHA256(msgKey, k.key[x:x+36])
	b := k.crypto.SHA256(k.key[40+x:40+x+36], msgKey)

	key = make([]byte, 0, 32)
	key = append(key, a[0:8]...)
	key = append(key, b[8:24]...)
	key = append(key, a[24:32]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, b[0:8]...)
	iv = append(iv, a[8:24]...)
	iv = append(iv, b[24:32]...)
	return key, iv
}

// EncryptMessage wraps an inner message (msg_id, seqno, length, body)
// with the salt and session id and encrypts it.
//
// Output layout: auth_key_id (8) | msg_key (16) | AES-IGE ciphertext.
func (k *AuthKey) EncryptMessage(message []byte, salt, sessionID int64) ([]byte, error) {
	if !k.Ready() {
		return nil, ErrKeyNotReady
	}
	x := k.direction(true)

	padLen := 12
	if rem := (16 + len(message) + padLen) % 16; rem != 0 {
		padLen += 16 - rem
	}
	padding, err := k.crypto.RandomBytes(padLen)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, 0, 16+len(message)+padLen)
	plain = binary.LittleEndian.AppendUint64(plain, uint64(salt))
	plain = binary.LittleEndian.AppendUint64(plain, uint64(sessionID))
	plain = append(plain, message...)
	plain = append(plain, padding...)

	msgKey := k.crypto.SHA256(k.key[88+x:88+x+32], plain)[8:24]
	aesKey, aesIV := k.deriveAES(msgKey, x)
	enc, err := k.crypto.IGEEncrypt(plain, aesKey, aesIV)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 24+len(enc))
	out = append(out, k.id...)
	out = append(out, msgKey...)
	out = append(out, enc...)
	return out, nil
}

// DecryptMessage decrypts a frame produced by the peer and validates
// msg_key, session id, length and padding. A mirrored key accepts any
// session id; the server learns it from Message.SessionID.
func (k *AuthKey) DecryptMessage(frame []byte, sessionID int64) (*Message, error) {
	if !k.Ready() {
		return nil, ErrKeyNotReady
	}
	if len(frame) < 24+32 || (len(frame)-24)%16 != 0 {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedMessage, len(frame))
	}
	if !k.Match(frame[:8]) {
		return nil, ErrUnknownAuthKey
	}
	x := k.direction(false)

	msgKey := frame[8:24]
	aesKey, aesIV := k.deriveAES(msgKey, x)
	plain, err := k.crypto.IGEDecrypt(frame[24:], aesKey, aesIV)
	if err != nil {
		return nil, err
	}

	expected := k.crypto.SHA256(k.key[88+x:88+x+32], plain)[8:24]
	if subtle.ConstantTimeCompare(expected, msgKey) != 1 {
		return nil, ErrMsgKeyMismatch
	}

	msg := &Message{
		Salt:      int64(binary.LittleEndian.Uint64(plain[0:8])),
		SessionID: int64(binary.LittleEndian.Uint64(plain[8:16])),
		MsgID:     int64(binary.LittleEndian.Uint64(plain[16:24])),
		SeqNo:     int32(binary.LittleEndian.Uint32(plain[24:28])),
	}
	if !k.server && msg.SessionID != sessionID {
		return nil, fmt.Errorf("%w: got %016x, want %016x", ErrSessionMismatch, uint64(msg.SessionID), uint64(sessionID))
	}

	length := int(binary.LittleEndian.Uint32(plain[28:32]))
	padding := len(plain) - 32 - length
	if length < 0 || length%4 != 0 || padding < 12 || padding > 1024 {
		return nil, fmt.Errorf("%w: body length %d, padding %d", ErrMalformedMessage, length, padding)
	}
	msg.Body = plain[32 : 32+length]
	return msg, nil
}
