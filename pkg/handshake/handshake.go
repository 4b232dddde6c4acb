// Package handshake performs the unencrypted Diffie-Hellman exchange that
// creates an MTProto authorization key. With Options.ExpiresIn set the
// key is temporary and must be bound to a permanent key before use.
//
// The exchange runs over any Conn before the connection has a key:
//
//	req_pq_multi            -> resPQ
//	req_DH_params           -> server_DH_params_ok
//	set_client_DH_params    -> dh_gen_ok | dh_gen_retry | dh_gen_fail
package handshake

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/tl"
)

// Conn is the part of a transport the exchange uses.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Options configures Run. Keys is required; everything else has defaults.
type Options struct {
	Crypto  crypto.Provider
	Readers tl.ReaderMap
	Writers tl.WriterMap
	Keys    []*PublicKey

	// DC is written into p_q_inner_data_dc. Test DCs are offset by 10000
	// and media DCs are negative.
	DC int32
	// ExpiresIn requests a temporary key valid for this long, sent as
	// p_q_inner_data_temp_dc. Zero negotiates a permanent key.
	ExpiresIn time.Duration

	Logger *slog.Logger
	// MessageID generates msg ids for the plain frames. Defaults to a
	// clock-based generator.
	MessageID func() int64
	Now       func() time.Time

	MaxRetries int
}

// Result is a negotiated key.
type Result struct {
	AuthKey    []byte
	ServerSalt int64
	// TimeOffset is server time minus local time, in seconds.
	TimeOffset int64
	// ExpiresAt is set for temporary keys, in local time.
	ExpiresAt time.Time
}

// DefaultMaxRetries bounds dh_gen_retry rounds.
const DefaultMaxRetries = 5

type exchange struct {
	conn      Conn
	opts      Options
	lastMsgID int64
}

// Run performs the key exchange over conn.
func Run(ctx context.Context, conn Conn, opts Options) (*Result, error) {
	if opts.Crypto == nil {
		opts.Crypto = crypto.Default()
	}
	if opts.Readers == nil || opts.Writers == nil {
		opts.Readers, opts.Writers = tl.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if len(opts.Keys) == 0 {
		return nil, ErrNoMatchingKey
	}

	x := &exchange{conn: conn, opts: opts}
	start := opts.Now()
	res, err := x.run(ctx)
	if err != nil {
		opts.Logger.Warn("auth key exchange failed", "dc", opts.DC, "error", err)
		return nil, err
	}
	opts.Logger.Info("auth key exchange complete",
		"dc", opts.DC,
		"temp", opts.ExpiresIn > 0,
		"duration", opts.Now().Sub(start),
		"time_offset", res.TimeOffset,
	)
	return res, nil
}

func (x *exchange) msgID() int64 {
	if x.opts.MessageID != nil {
		return x.opts.MessageID()
	}
	now := x.opts.Now()
	id := now.Unix()<<32 | int64(now.Nanosecond()/int(time.Millisecond))<<21 | 4
	if id <= x.lastMsgID {
		id = x.lastMsgID + 4
	}
	x.lastMsgID = id
	return id
}

func (x *exchange) call(ctx context.Context, req *tl.Object) (*tl.Object, error) {
	body, err := x.opts.Writers.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode %s: %w", req.Type, err)
	}
	if err := x.conn.Send(ctx, EncodePlain(x.msgID(), body)); err != nil {
		return nil, err
	}
	frame, err := x.conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	_, body, err = DecodePlain(frame)
	if err != nil {
		return nil, err
	}
	resp, err := x.opts.Readers.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("handshake: decode answer to %s: %w", req.Type, err)
	}
	x.opts.Logger.Debug("handshake step", "request", req.Type, "answer", resp.Type)
	return resp, nil
}

func (x *exchange) random(n int) ([]byte, error) {
	return x.opts.Crypto.RandomBytes(n)
}

func checkNonces(obj *tl.Object, nonce, serverNonce []byte) error {
	if !bytes.Equal(obj.Bytes("nonce"), nonce) {
		return fmt.Errorf("%w: nonce in %s", ErrNonceMismatch, obj.Type)
	}
	if serverNonce != nil && !bytes.Equal(obj.Bytes("serverNonce"), serverNonce) {
		return fmt.Errorf("%w: server_nonce in %s", ErrNonceMismatch, obj.Type)
	}
	return nil
}

func (x *exchange) run(ctx context.Context) (*Result, error) {
	p := x.opts.Crypto

	nonce, err := x.random(16)
	if err != nil {
		return nil, err
	}
	resPQ, err := x.call(ctx, tl.New("req_pq_multi", tl.Fields{"nonce": nonce}))
	if err != nil {
		return nil, err
	}
	if resPQ.Type != "resPQ" {
		return nil, fmt.Errorf("%w: %s instead of resPQ", ErrUnexpectedMessage, resPQ.Type)
	}
	if err := checkNonces(resPQ, nonce, nil); err != nil {
		return nil, err
	}
	serverNonce := resPQ.Bytes("serverNonce")

	fingerprints, _ := tl.Field[[]int64](resPQ, "serverPublicKeyFingerprints")
	key := findKey(x.opts.Keys, fingerprints)
	if key == nil {
		return nil, fmt.Errorf("%w: server offered %d fingerprints", ErrNoMatchingKey, len(fingerprints))
	}

	pqBytes := resPQ.Bytes("pq")
	if len(pqBytes) == 0 || len(pqBytes) > 8 {
		return nil, fmt.Errorf("%w: pq of %d bytes", ErrFactorization, len(pqBytes))
	}
	pq := new(big.Int).SetBytes(pqBytes).Uint64()
	pf, qf, err := Factorize(pq)
	if err != nil {
		return nil, err
	}
	pBytes := new(big.Int).SetUint64(pf).Bytes()
	qBytes := new(big.Int).SetUint64(qf).Bytes()

	newNonce, err := x.random(32)
	if err != nil {
		return nil, err
	}
	innerFields := tl.Fields{
		"pq":          pqBytes,
		"p":           pBytes,
		"q":           qBytes,
		"nonce":       nonce,
		"serverNonce": serverNonce,
		"newNonce":    newNonce,
		"dc":          x.opts.DC,
	}
	innerType := "p_q_inner_data_dc"
	if x.opts.ExpiresIn > 0 {
		innerType = "p_q_inner_data_temp_dc"
		innerFields["expiresIn"] = int32(x.opts.ExpiresIn / time.Second)
	}
	inner, err := x.opts.Writers.Encode(tl.New(innerType, innerFields))
	if err != nil {
		return nil, err
	}
	encrypted, err := rsaPad(p, inner, key)
	if err != nil {
		return nil, err
	}

	params, err := x.call(ctx, tl.New("req_DH_params", tl.Fields{
		"nonce":                nonce,
		"serverNonce":          serverNonce,
		"p":                    pBytes,
		"q":                    qBytes,
		"publicKeyFingerprint": key.Fingerprint,
		"encryptedData":        encrypted,
	}))
	if err != nil {
		return nil, err
	}
	switch params.Type {
	case "server_DH_params_ok":
	case "server_DH_params_fail":
		return nil, ErrDHParamsFail
	default:
		return nil, fmt.Errorf("%w: %s instead of server_DH_params", ErrUnexpectedMessage, params.Type)
	}
	if err := checkNonces(params, nonce, serverNonce); err != nil {
		return nil, err
	}

	tmpKey, tmpIV := TempAESKey(p, newNonce, serverNonce)
	answerWithHash, err := p.IGEDecrypt(params.Bytes("encryptedAnswer"), tmpKey, tmpIV)
	if err != nil {
		return nil, fmt.Errorf("handshake: decrypt answer: %w", err)
	}
	if len(answerWithHash) < 20 {
		return nil, fmt.Errorf("%w: answer of %d bytes", ErrAnswerHash, len(answerWithHash))
	}
	dec := tl.NewDecoder(answerWithHash[20:], x.opts.Readers)
	dhInner, err := dec.ReadBoxed()
	if err != nil {
		return nil, fmt.Errorf("handshake: decode server_DH_inner_data: %w", err)
	}
	if !bytes.Equal(p.SHA1(answerWithHash[20:20+dec.Position()]), answerWithHash[:20]) {
		return nil, ErrAnswerHash
	}
	if dhInner.Type != "server_DH_inner_data" {
		return nil, fmt.Errorf("%w: %s instead of server_DH_inner_data", ErrUnexpectedMessage, dhInner.Type)
	}
	if err := checkNonces(dhInner, nonce, serverNonce); err != nil {
		return nil, err
	}

	g := int(dhInner.Int("g"))
	dhPrime := new(big.Int).SetBytes(dhInner.Bytes("dhPrime"))
	gA := new(big.Int).SetBytes(dhInner.Bytes("gA"))
	if err := CheckDHParams(g, dhPrime); err != nil {
		return nil, err
	}
	if err := checkGroupElement(gA, dhPrime); err != nil {
		return nil, fmt.Errorf("%w: g_a", err)
	}
	timeOffset := int64(dhInner.Int("serverTime")) - x.opts.Now().Unix()

	gBig := big.NewInt(int64(g))
	var retryID int64
	for attempt := 0; attempt < x.opts.MaxRetries; attempt++ {
		bRaw, err := x.random(256)
		if err != nil {
			return nil, err
		}
		b := new(big.Int).SetBytes(bRaw)
		gB := new(big.Int).Exp(gBig, b, dhPrime)
		if err := checkGroupElement(gB, dhPrime); err != nil {
			continue
		}
		authKey := new(big.Int).Exp(gA, b, dhPrime).FillBytes(make([]byte, 256))

		data, err := x.opts.Writers.Encode(tl.New("client_DH_inner_data", tl.Fields{
			"nonce":       nonce,
			"serverNonce": serverNonce,
			"retryId":     retryID,
			"gB":          gB.Bytes(),
		}))
		if err != nil {
			return nil, err
		}
		withHash := append(p.SHA1(data), data...)
		if rem := len(withHash) % 16; rem != 0 {
			pad, err := x.random(16 - rem)
			if err != nil {
				return nil, err
			}
			withHash = append(withHash, pad...)
		}
		encrypted, err := p.IGEEncrypt(withHash, tmpKey, tmpIV)
		if err != nil {
			return nil, err
		}

		answer, err := x.call(ctx, tl.New("set_client_DH_params", tl.Fields{
			"nonce":         nonce,
			"serverNonce":   serverNonce,
			"encryptedData": encrypted,
		}))
		if err != nil {
			return nil, err
		}
		if err := checkNonces(answer, nonce, serverNonce); err != nil {
			return nil, err
		}

		auxHash := p.SHA1(authKey)[:8]
		switch answer.Type {
		case "dh_gen_ok":
			if !bytes.Equal(answer.Bytes("newNonceHash1"), NewNonceHash(p, newNonce, 1, auxHash)) {
				return nil, fmt.Errorf("%w: new_nonce_hash1", ErrNonceMismatch)
			}
			salt := make([]byte, 8)
			for i := range salt {
				salt[i] = newNonce[i] ^ serverNonce[i]
			}
			res := &Result{
				AuthKey:    authKey,
				ServerSalt: int64(binary.LittleEndian.Uint64(salt)),
				TimeOffset: timeOffset,
			}
			if x.opts.ExpiresIn > 0 {
				res.ExpiresAt = x.opts.Now().Add(x.opts.ExpiresIn)
			}
			return res, nil
		case "dh_gen_retry":
			if !bytes.Equal(answer.Bytes("newNonceHash2"), NewNonceHash(p, newNonce, 2, auxHash)) {
				return nil, fmt.Errorf("%w: new_nonce_hash2", ErrNonceMismatch)
			}
			retryID = int64(binary.LittleEndian.Uint64(auxHash))
			x.opts.Logger.Debug("dh_gen_retry", "attempt", attempt+1)
		case "dh_gen_fail":
			return nil, ErrDHGenFail
		default:
			return nil, fmt.Errorf("%w: %s instead of dh_gen answer", ErrUnexpectedMessage, answer.Type)
		}
	}
	return nil, ErrTooManyRetries
}

// TempAESKey derives the key and iv protecting server_DH_inner_data and
// client_DH_inner_data.
func TempAESKey(p crypto.Provider, newNonce, serverNonce []byte) (key, iv []byte) {
	ns := p.SHA1(newNonce, serverNonce)
	sn := p.SHA1(serverNonce, newNonce)
	nn := p.SHA1(newNonce, newNonce)

	key = append(append(key, ns...), sn[:12]...)
	iv = append(append(append(iv, sn[12:20]...), nn...), newNonce[:4]...)
	return key, iv
}

// NewNonceHash computes new_nonce_hash{n} for a dh_gen answer.
func NewNonceHash(p crypto.Provider, newNonce []byte, n byte, authKeyAuxHash []byte) []byte {
	return p.SHA1(newNonce, []byte{n}, authKeyAuxHash)[4:20]
}

// knownPrime is the 2048-bit safe prime Telegram servers use with g = 3.
var knownPrime, _ = new(big.Int).SetString(
	"c71caeb9c6b1c9048e6c522f70f13f73980d40238e3e21c14934d037563d930f"+
		"48198a0aa7c14058229493d22530f4dbfa336f6e0ac925139543aed44cce7c37"+
		"20fd51f69458705ac68cd4fe6b6b13abdc9746512969328454f18faf8c595f64"+
		"2477fe96bb2a941d5bcd1d4ac8cc49880708fa9b378e3c4f3a9060bee67cf9a4"+
		"a4a695811051907e162753b56b0f6b410dba74d8a84b2a14b3144e0ef1284754"+
		"fd17ed950d5965b4b9dd46582db1178d169c6bc465b0d6ff9ca3928fef5b9ae4"+
		"e418fc15e83ebea0f87fa9ff5eed70050ded2849f47bf959d956850ce929851f"+
		"0d8115f635b105ee2e4e15d04b2454bf6f4fadf034b10403119cd8e3b92fcc5b", 16)

// KnownPrime returns a copy of the well-known server DH prime.
func KnownPrime() *big.Int {
	return new(big.Int).Set(knownPrime)
}

// CheckDHParams verifies that dhPrime is a 2048-bit safe prime and that g
// generates a subgroup of order (dhPrime-1)/2.
func CheckDHParams(g int, dhPrime *big.Int) error {
	if dhPrime.BitLen() != 2048 {
		return fmt.Errorf("%w: dh_prime is %d bits", ErrBadDHParams, dhPrime.BitLen())
	}
	if dhPrime.Cmp(knownPrime) != 0 {
		half := new(big.Int).Rsh(dhPrime, 1)
		if !dhPrime.ProbablyPrime(20) || !half.ProbablyPrime(20) {
			return fmt.Errorf("%w: dh_prime %s... is not a safe prime", ErrBadDHParams, hex.EncodeToString(dhPrime.Bytes()[:8]))
		}
	}

	mod := func(m int64) int64 {
		return new(big.Int).Mod(dhPrime, big.NewInt(m)).Int64()
	}
	ok := false
	switch g {
	case 2:
		ok = mod(8) == 7
	case 3:
		ok = mod(3) == 2
	case 4:
		ok = true
	case 5:
		r := mod(5)
		ok = r == 1 || r == 4
	case 6:
		r := mod(24)
		ok = r == 19 || r == 23
	case 7:
		r := mod(7)
		ok = r == 3 || r == 5 || r == 6
	}
	if !ok {
		return fmt.Errorf("%w: g = %d does not match dh_prime", ErrBadDHParams, g)
	}
	return nil
}

// checkGroupElement requires 2^(2048-64) <= v <= dhPrime - 2^(2048-64).
func checkGroupElement(v, dhPrime *big.Int) error {
	bound := new(big.Int).Lsh(big.NewInt(1), 2048-64)
	upper := new(big.Int).Sub(dhPrime, bound)
	if v.Cmp(bound) < 0 || v.Cmp(upper) > 0 {
		return fmt.Errorf("%w: group element out of range", ErrBadDHParams)
	}
	return nil
}
