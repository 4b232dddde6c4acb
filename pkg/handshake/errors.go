package handshake

import "errors"

var (
	ErrNonceMismatch     = errors.New("handshake: nonce mismatch")
	ErrNoMatchingKey     = errors.New("handshake: no known server public key")
	ErrFactorization     = errors.New("handshake: cannot factorize pq")
	ErrDHParamsFail      = errors.New("handshake: server_DH_params_fail")
	ErrDHGenFail         = errors.New("handshake: dh_gen_fail")
	ErrAnswerHash        = errors.New("handshake: answer hash mismatch")
	ErrBadDHParams       = errors.New("handshake: invalid DH parameters")
	ErrTooManyRetries    = errors.New("handshake: too many dh_gen_retry answers")
	ErrUnexpectedMessage = errors.New("handshake: unexpected message")
)
