package handshake_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/handshake/handshaketest"
)

type chanConn struct {
	in  <-chan []byte
	out chan<- []byte
}

func (c chanConn) Send(ctx context.Context, frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c chanConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func pipe() (client, server chanConn) {
	a, b := make(chan []byte, 1), make(chan []byte, 1)
	return chanConn{in: a, out: b}, chanConn{in: b, out: a}
}

var (
	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("rsa.GenerateKey() error = %v", err)
		}
		rsaKey = k
	})
	return rsaKey
}

func runExchange(t *testing.T, srv *handshaketest.Server) (*handshake.Result, *handshaketest.Result, error) {
	t.Helper()
	return runExchangeWith(t, srv, 0)
}

func runExchangeWith(t *testing.T, srv *handshaketest.Server, expiresIn time.Duration) (*handshake.Result, *handshaketest.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientConn, serverConn := pipe()
	type serverOut struct {
		res *handshaketest.Result
		err error
	}
	done := make(chan serverOut, 1)
	go func() {
		res, err := srv.Serve(ctx, serverConn)
		done <- serverOut{res, err}
	}()

	res, err := handshake.Run(ctx, clientConn, handshake.Options{
		Keys:      []*handshake.PublicKey{srv.PublicKey()},
		DC:        2,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		cancel()
	}
	out := <-done
	if err == nil && out.err != nil {
		t.Fatalf("server error = %v", out.err)
	}
	return res, out.res, err
}

func TestRun(t *testing.T) {
	srv, err := handshaketest.New(testRSAKey(t))
	if err != nil {
		t.Fatal(err)
	}
	srv.Now = func() time.Time { return time.Now().Add(42 * time.Second) }

	res, want, err := runExchange(t, srv)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.AuthKey) != 256 {
		t.Errorf("len(AuthKey) = %d, want 256", len(res.AuthKey))
	}
	if !bytes.Equal(res.AuthKey, want.AuthKey) {
		t.Error("client and server derived different keys")
	}
	if res.ServerSalt != want.ServerSalt {
		t.Errorf("ServerSalt = %x, want %x", res.ServerSalt, want.ServerSalt)
	}
	if res.TimeOffset < 40 || res.TimeOffset > 44 {
		t.Errorf("TimeOffset = %d, want about 42", res.TimeOffset)
	}
}

func TestRunTemporaryKey(t *testing.T) {
	srv, err := handshaketest.New(testRSAKey(t))
	if err != nil {
		t.Fatal(err)
	}

	before := time.Now()
	res, want, err := runExchangeWith(t, srv, time.Hour)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(res.AuthKey, want.AuthKey) {
		t.Error("client and server derived different keys")
	}
	if want.ExpiresIn != 3600 {
		t.Errorf("server saw expires_in = %d, want 3600", want.ExpiresIn)
	}
	if res.ExpiresAt.Before(before.Add(time.Hour)) || res.ExpiresAt.After(time.Now().Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want about an hour from now", res.ExpiresAt)
	}

	perm, permWant, err := runExchange(t, srv)
	if err != nil {
		t.Fatal(err)
	}
	if !perm.ExpiresAt.IsZero() || permWant.ExpiresIn != 0 {
		t.Errorf("permanent key has expiry %v / %d", perm.ExpiresAt, permWant.ExpiresIn)
	}
}

func TestRunWithRetry(t *testing.T) {
	srv, err := handshaketest.New(testRSAKey(t))
	if err != nil {
		t.Fatal(err)
	}
	srv.Retries = 2

	res, want, err := runExchange(t, srv)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(res.AuthKey, want.AuthKey) {
		t.Error("keys differ after dh_gen_retry")
	}
}

func TestRunParamsFail(t *testing.T) {
	srv, err := handshaketest.New(testRSAKey(t))
	if err != nil {
		t.Fatal(err)
	}
	srv.FailParams = true

	if _, _, err := runExchange(t, srv); !errors.Is(err, handshake.ErrDHParamsFail) {
		t.Errorf("Run() err = %v, want ErrDHParamsFail", err)
	}
}

func TestRunNoKeys(t *testing.T) {
	client, _ := pipe()
	if _, err := handshake.Run(context.Background(), client, handshake.Options{}); !errors.Is(err, handshake.ErrNoMatchingKey) {
		t.Errorf("Run() without keys err = %v, want ErrNoMatchingKey", err)
	}
}
