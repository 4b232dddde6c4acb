package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/session"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

const (
	// DefaultTempKeyLifetime is the expires_in requested for temporary
	// keys.
	DefaultTempKeyLifetime = 24 * time.Hour

	// bindTimeout bounds the wait for the auth.bindTempAuthKey answer.
	bindTimeout = 30 * time.Second
)

// errTempKeyExpiring ends a transport whose temporary key is about to
// expire so the next one negotiates a fresh key.
var errTempKeyExpiring = errors.New("network: temporary key expiring")

// tempKeyMargin is how long before expiry a temporary key is replaced.
func (c *Connection) tempKeyMargin() time.Duration {
	return c.params.TempKeyLifetime / 10
}

// needTempKey reports whether a temporary key must be negotiated before
// anything is sent. Keys loaded without an expiry are trusted until the
// server rejects them. Callers hold c.mu.
func (c *Connection) needTempKey() bool {
	if !c.params.PFS {
		return false
	}
	k := c.session.TempAuthKey
	if !k.Ready() {
		return true
	}
	if k.ExpiresAt.IsZero() {
		return false
	}
	return k.ExpiresAt.Sub(c.session.Now()) <= c.tempKeyMargin()
}

// tempKeyRenewal returns how long the current temporary key may still be
// used. Callers hold c.mu.
func (c *Connection) tempKeyRenewal() (time.Duration, bool) {
	k := c.session.TempAuthKey
	if !c.params.PFS || !k.Ready() || k.ExpiresAt.IsZero() {
		return 0, false
	}
	return max(k.ExpiresAt.Sub(c.session.Now())-c.tempKeyMargin(), 0), true
}

// negotiateTempKey runs a temporary key exchange over t and installs the
// key. The previous temporary key stays in the secondary slot.
func (c *Connection) negotiateTempKey(ctx context.Context, t transport.Transport) error {
	c.logger.Info("negotiating temporary key", "lifetime", c.params.TempKeyLifetime)

	res, err := handshake.Run(ctx, t, handshake.Options{
		Crypto:    c.params.Crypto,
		Readers:   c.params.Readers,
		Writers:   c.params.Writers,
		Keys:      c.params.Keys,
		DC:        c.params.DC.WireID(),
		ExpiresIn: c.params.TempKeyLifetime,
		Logger:    c.logger,
	})
	if err != nil {
		return fmt.Errorf("network: dc %d: temporary key exchange: %w", c.params.DC.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.session.RotateTempKey(res.AuthKey, res.ExpiresAt); err != nil {
		return err
	}
	c.session.ServerSalt = res.ServerSalt
	c.session.SetTimeOffset(res.TimeOffset)
	c.resetSession(false)
	return nil
}

// bindTempKey sends auth.bindTempAuthKey under the new temporary key and
// waits for the answer. errCh carries the read loop's exit.
func (c *Connection) bindTempKey(ctx context.Context, t transport.Transport, errCh <-chan error) error {
	promise := session.NewPromise()
	enc := tl.NewEncoder(c.params.Writers)

	c.mu.Lock()
	s := c.session
	msgID, err := s.WriteBindMessage(enc)
	var frame []byte
	if err == nil {
		s.Pending[msgID] = &session.BindMessage{Promise: promise}
		s.RecentOutgoing.Add(msgID)
		frame, err = s.EncryptMessage(enc.Bytes())
	}
	key, expiresAt := s.TempAuthKey.Key(), s.TempAuthKey.ExpiresAt
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.params.Metrics.frame(directionOut, len(frame))
	if err := t.Send(ctx, frame); err != nil {
		return err
	}

	timer := time.NewTimer(bindTimeout)
	defer timer.Stop()
	select {
	case <-promise.Done():
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		promise.Reject(fmt.Errorf("no answer after %v", bindTimeout))
	}

	res, err := promise.Result()
	if err == nil && res.Type != "boolTrue" {
		err = fmt.Errorf("server answered %s", res.Type)
	}
	if err != nil {
		c.rejectBinding(err)
		return fmt.Errorf("network: dc %d: binding temporary key: %w", c.params.DC.ID, err)
	}

	c.logger.Info("temporary key bound", "expires_at", expiresAt)
	c.emit(Event{Kind: EventTmpKeyChange, Key: key, ExpiresAt: expiresAt})
	return nil
}

// rejectBinding drops the unbound temporary key. An rpc_error means the
// server refused the permanent key as well, so the main connection
// forgets it and negotiates a new one.
func (c *Connection) rejectBinding(err error) {
	_, refused := AsRPCError(err)

	c.mu.Lock()
	c.session.ResetTempKeys()
	dropPerm := refused && c.params.Main
	if dropPerm {
		c.session.AuthKey.Reset()
	}
	c.mu.Unlock()

	c.logger.Warn("temporary key binding failed", "error", err, "drop_auth_key", dropPerm)
	if dropPerm {
		c.emit(Event{Kind: EventKeyChange})
	}
}
