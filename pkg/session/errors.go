package session

import "errors"

var (
	// ErrKeyNotReady is returned when an operation needs key material that
	// has not been negotiated or loaded yet.
	ErrKeyNotReady = errors.New("session: auth key is not ready")

	// ErrUnknownAuthKey is returned for frames whose auth_key_id matches
	// none of the session's keys. Callers drop such frames.
	ErrUnknownAuthKey = errors.New("session: frame encrypted with unknown auth key")

	// ErrSessionReset rejects in-flight RPCs when the session state is
	// discarded.
	ErrSessionReset = errors.New("session: session is reset")

	ErrInvalidKeyLength = errors.New("session: invalid auth key length")
	ErrMsgKeyMismatch   = errors.New("session: msg_key mismatch")
	ErrSessionMismatch  = errors.New("session: session id mismatch")
	ErrMalformedMessage = errors.New("session: malformed message")
)
