package session

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vango-dev/mtproto/pkg/tl"
)

// KeyID returns the key identifier as the long used in TL fields.
func (k *AuthKey) KeyID() int64 {
	if !k.Ready() {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(k.id))
}

// RotateTempKey installs a freshly negotiated temporary key. The previous
// one moves to the secondary slot so answers still in flight decrypt.
func (s *Session) RotateTempKey(key []byte, expiresAt time.Time) error {
	if s.TempAuthKey.Ready() {
		if err := s.TempAuthKeySecondary.Set(s.TempAuthKey.Key()); err != nil {
			return err
		}
		s.TempAuthKeySecondary.ExpiresAt = s.TempAuthKey.ExpiresAt
	}
	if err := s.TempAuthKey.Set(key); err != nil {
		return err
	}
	s.TempAuthKey.ExpiresAt = expiresAt
	return nil
}

// ResetTempKeys drops both temporary slots.
func (s *Session) ResetTempKeys() {
	s.TempAuthKey.Reset()
	s.TempAuthKeySecondary.Reset()
}

// WriteBindMessage appends an auth.bindTempAuthKey message that binds the
// current temporary key to the permanent key for this session. The msg_id
// of the message is embedded in the encrypted binding and returned.
func (s *Session) WriteBindMessage(enc *tl.Encoder) (int64, error) {
	if !s.AuthKey.Ready() || !s.TempAuthKey.Ready() {
		return 0, ErrKeyNotReady
	}
	expires := s.TempAuthKey.ExpiresAt
	if expires.IsZero() {
		return 0, fmt.Errorf("session: temporary key has no expiry")
	}
	expiresAt := int32(expires.Add(time.Duration(s.timeOffset) * time.Second).Unix())
	nonce := s.randomID()
	msgID := s.MessageID()

	inner, err := s.writers.Encode(tl.New("bind_auth_key_inner", tl.Fields{
		"nonce":         nonce,
		"tempAuthKeyId": s.TempAuthKey.KeyID(),
		"permAuthKeyId": s.AuthKey.KeyID(),
		"tempSessionId": s.sessionID,
		"expiresAt":     expiresAt,
	}))
	if err != nil {
		return 0, err
	}
	encrypted, err := s.AuthKey.EncryptBinding(msgID, inner)
	if err != nil {
		return 0, err
	}
	body, err := s.writers.Encode(tl.New("auth.bindTempAuthKey", tl.Fields{
		"permAuthKeyId":    s.AuthKey.KeyID(),
		"nonce":            nonce,
		"expiresAt":        expiresAt,
		"encryptedMessage": encrypted,
	}))
	if err != nil {
		return 0, err
	}

	enc.WriteLong(msgID)
	enc.WriteInt(s.SeqNo(true))
	enc.WriteUint(uint32(len(body)))
	enc.WriteRaw(body)
	return msgID, nil
}

// EncryptBinding encrypts the bind_auth_key_inner of an
// auth.bindTempAuthKey request with the permanent key.
//
// Binding messages use the MTProto 1.0 scheme: random salt and session
// id, the msg_id of the bind request, seqno 0, msg_key taken from the
// SHA1 of the unpadded plaintext.
func (k *AuthKey) EncryptBinding(msgID int64, inner []byte) ([]byte, error) {
	if !k.Ready() {
		return nil, ErrKeyNotReady
	}
	random, err := k.crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, 0, 32+len(inner)+15)
	plain = append(plain, random...)
	plain = binary.LittleEndian.AppendUint64(plain, uint64(msgID))
	plain = binary.LittleEndian.AppendUint32(plain, 0)
	plain = binary.LittleEndian.AppendUint32(plain, uint32(len(inner)))
	plain = append(plain, inner...)
	msgKey := k.crypto.SHA1(plain)[4:20]

	if rem := len(plain) % 16; rem != 0 {
		padding, err := k.crypto.RandomBytes(16 - rem)
		if err != nil {
			return nil, err
		}
		plain = append(plain, padding...)
	}

	aesKey, aesIV := k.deriveAESv1(msgKey)
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

// DecryptBinding reverses EncryptBinding and returns the msg_id and the
// bind_auth_key_inner body.
func (k *AuthKey) DecryptBinding(data []byte) (msgID int64, inner []byte, err error) {
	if !k.Ready() {
		return 0, nil, ErrKeyNotReady
	}
	if len(data) < 24+32 || (len(data)-24)%16 != 0 {
		return 0, nil, fmt.Errorf("%w: binding of %d bytes", ErrMalformedMessage, len(data))
	}
	if !k.Match(data[:8]) {
		return 0, nil, ErrUnknownAuthKey
	}

	msgKey := data[8:24]
	aesKey, aesIV := k.deriveAESv1(msgKey)
	plain, err := k.crypto.IGEDecrypt(data[24:], aesKey, aesIV)
	if err != nil {
		return 0, nil, err
	}
	length := int(binary.LittleEndian.Uint32(plain[28:32]))
	if length < 0 || 32+length > len(plain) || len(plain)-32-length >= 16 {
		return 0, nil, fmt.Errorf("%w: binding body length %d", ErrMalformedMessage, length)
	}
	if subtle.ConstantTimeCompare(k.crypto.SHA1(plain[:32+length])[4:20], msgKey) != 1 {
		return 0, nil, ErrMsgKeyMismatch
	}
	return int64(binary.LittleEndian.Uint64(plain[16:24])), plain[32 : 32+length], nil
}

// deriveAESv1 is the MTProto 1.0 key derivation, always in the client
// direction.
func (k *AuthKey) deriveAESv1(msgKey []byte) (key, iv []byte) {
	a := k.crypto.SHA1(msgKey, k.key[0:32])
	b := k.crypto.SHA1(k.key[32:48], msgKey, k.key[48:64])
	c := k.crypto.SHA1(k.key[64:96], msgKey)
	d := k.crypto.SHA1(msgKey, k.key[96:128])

	key = make([]byte, 0, 32)
	key = append(key, a[0:8]...)
	key = append(key, b[8:20]...)
	key = append(key, c[4:16]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, a[8:20]...)
	iv = append(iv, b[0:8]...)
	iv = append(iv, c[16:20]...)
	iv = append(iv, d[0:8]...)
	return key, iv
}
