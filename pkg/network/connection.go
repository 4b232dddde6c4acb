package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/session"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

const (
	// DefaultPingInterval is how often ping_delay_disconnect is sent.
	DefaultPingInterval = 60 * time.Second

	// DefaultFlushInterval bounds how long service messages (acks,
	// state requests) wait for an RPC to piggy-back on.
	DefaultFlushInterval = time.Second

	// DefaultStateRequestDelay is how long an unacknowledged RPC waits
	// before its state is queried.
	DefaultStateRequestDelay = 15 * time.Second

	// pingDisconnectDelay is the disconnect_delay of ping_delay_disconnect,
	// in seconds.
	pingDisconnectDelay = 75

	// futureSaltsCount is how many salts get_future_salts asks for.
	futureSaltsCount = 64
)

// InitConnectionOptions describe the client in initConnection.
type InitConnectionOptions struct {
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	SystemLangCode string
	LangPack       string
	LangCode       string
}

// ConnectionParams configures a Connection.
type ConnectionParams struct {
	DC    transport.DC
	Kind  Kind
	Index int
	// Main connections negotiate auth keys; others wait for SetAuthKey.
	Main bool

	Factory  transport.Factory
	Strategy Strategy

	Crypto  crypto.Provider
	Readers tl.ReaderMap
	Writers tl.WriterMap
	Keys    []*handshake.PublicKey

	APIID int32
	Layer int32
	Init  InitConnectionOptions

	DisableUpdates bool

	// PFS makes the connection send under a temporary key bound to the
	// permanent one. TempKeyLifetime is the expires_in it asks for.
	PFS             bool
	TempKeyLifetime time.Duration

	PingInterval      time.Duration
	FlushInterval     time.Duration
	StateRequestDelay time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

func (p *ConnectionParams) setDefaults() {
	if p.Kind == "" {
		p.Kind = KindMain
	}
	if p.Strategy == nil {
		p.Strategy = DefaultStrategy()
	}
	if p.Crypto == nil {
		p.Crypto = crypto.Default()
	}
	if p.Readers == nil || p.Writers == nil {
		p.Readers, p.Writers = tl.Default()
	}
	if p.Layer == 0 {
		p.Layer = tl.Layer
	}
	if p.PingInterval <= 0 {
		p.PingInterval = DefaultPingInterval
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = DefaultFlushInterval
	}
	if p.StateRequestDelay <= 0 {
		p.StateRequestDelay = DefaultStateRequestDelay
	}
	if p.TempKeyLifetime <= 0 {
		p.TempKeyLifetime = DefaultTempKeyLifetime
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

// Connection is one transport carrying one Session.
type Connection struct {
	params ConnectionParams
	logger *slog.Logger
	events Emitter

	flushCh chan struct{}
	keyCh   chan struct{}

	mu         sync.Mutex
	session    *session.Session
	initPrefix []byte
	transport  transport.Transport
	usable     bool
	lastRecv   time.Time

	pingWanted   bool
	saltsWanted  bool
	destroyQueue []int64
	reconnectNow bool
	pendingEvts  []Event

	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
	failErr   error
}

// NewConnection creates an idle connection. Connect starts it.
func NewConnection(params ConnectionParams) *Connection {
	params.setDefaults()
	logger := params.Logger.With("dc", params.DC.ID, "kind", string(params.Kind), "idx", params.Index)
	c := &Connection{
		params:  params,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		keyCh:   make(chan struct{}, 1),
		session: session.New(params.Crypto, params.Writers, session.WithLogger(logger)),
	}
	c.initPrefix = c.buildInitPrefix()
	return c
}

// Events returns the connection's event bus.
func (c *Connection) Events() *Emitter { return &c.events }

// Index returns the connection's index inside its pool.
func (c *Connection) Index() int { return c.params.Index }

// Kind returns the connection kind.
func (c *Connection) Kind() Kind { return c.params.Kind }

// DC returns the datacenter the connection talks to.
func (c *Connection) DC() transport.DC { return c.params.DC }

// IsMain reports whether the connection negotiates auth keys.
func (c *Connection) IsMain() bool { return c.params.Main }

// Usable reports whether a frame has been decrypted on the current
// transport.
func (c *Connection) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable
}

// LastReceived returns when the last frame was decrypted.
func (c *Connection) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecv
}

// PendingCount returns the number of queued and in-flight RPCs.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.QueuedRPC.Len() + len(c.session.PendingRPCs())
}

// SessionID returns the current session id.
func (c *Connection) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID()
}

// AuthKey returns a copy of the permanent key, or nil.
func (c *Connection) AuthKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.AuthKey.Key()
}

// HasAuthKey reports whether a permanent key is installed.
func (c *Connection) HasAuthKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.AuthKey.Ready()
}

// SetAuthKey installs the permanent key, or with temp the temporary key.
// A nil key resets the slot, which stops sends until a key arrives.
func (c *Connection) SetAuthKey(key []byte, temp bool, expiresAt time.Time) error {
	c.mu.Lock()
	slot := c.session.AuthKey
	if temp {
		slot = c.session.TempAuthKey
	}
	changed := !bytes.Equal(slot.Key(), key)
	if err := slot.Set(key); err != nil {
		c.mu.Unlock()
		return err
	}
	if temp {
		slot.ExpiresAt = expiresAt
	} else if changed {
		// Temporary keys are bound to the permanent key they replace.
		c.session.ResetTempKeys()
	}
	rebind := false
	if changed && len(key) > 0 && c.transport != nil {
		// A new key starts a new session on the server side.
		c.resetSession(false)
		rebind = !temp && c.params.PFS
	}
	c.mu.Unlock()

	if rebind {
		c.Reconnect()
	}

	if len(key) > 0 {
		select {
		case c.keyCh <- struct{}{}:
		default:
		}
		c.notify()
	}
	return nil
}

// Connect starts the connection loop. ctx bounds its lifetime.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Reconnect closes the current transport; the loop dials again without
// waiting for the strategy's delay.
func (c *Connection) Reconnect() {
	c.mu.Lock()
	t := c.transport
	c.reconnectNow = true
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Destroy stops the connection and rejects every outstanding RPC with
// ErrDestroyed. It is idempotent.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	c.rejectAll(ErrDestroyed)
	c.mu.Unlock()
}

// SendRPC sends req and waits for its answer. A positive timeout rejects
// with ErrRPCTimeout without touching the connection.
func (c *Connection) SendRPC(ctx context.Context, req *tl.Object, timeout time.Duration) (*tl.Object, error) {
	data, err := c.params.Writers.Encode(req)
	if err != nil {
		return nil, err
	}
	rpc := session.NewPendingRPC(req.Type, data)
	rpc.Timeout = timeout

	c.mu.Lock()
	switch {
	case c.destroyed:
		c.mu.Unlock()
		return nil, ErrDestroyed
	case c.failErr != nil:
		err := c.failErr
		c.mu.Unlock()
		return nil, err
	}
	c.session.EnqueueRPC(rpc, false)
	c.mu.Unlock()
	c.notify()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-rpc.Promise.Done():
	case <-ctx.Done():
		c.cancelRPC(rpc, ctx.Err())
	case <-expired:
		c.cancelRPC(rpc, ErrRPCTimeout)
	}
	return rpc.Promise.Result()
}

// cancelRPC rejects rpc with reason unless it already settled, then
// drops it from the queue or asks the server to drop the answer.
func (c *Connection) cancelRPC(rpc *session.PendingRPC, reason error) {
	if !rpc.Promise.Reject(reason) {
		return
	}

	c.mu.Lock()
	rpc.Cancelled = true
	sent := false
	switch {
	case rpc.Queued():
		c.session.QueuedRPC.Remove(func(r *session.PendingRPC) bool { return r == rpc })
	case rpc.Sent():
		if _, ok := c.session.RemovePending(rpc.MsgID); ok {
			c.session.QueuedCancelReq.PushBack(rpc.MsgID)
			sent = true
		}
	}
	c.mu.Unlock()

	c.logger.Debug("rpc cancelled", "method", rpc.Method, "reason", reason, "sent", sent)
	if sent {
		c.notify()
	}
}

// notify wakes the writer.
func (c *Connection) notify() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

func (c *Connection) emit(ev Event) {
	ev.Index = c.params.Index
	ev.Conn = c
	c.events.Emit(ev)
}

// queueEvent defers ev until the lock is released. Callers hold c.mu.
func (c *Connection) queueEvent(ev Event) {
	c.pendingEvts = append(c.pendingEvts, ev)
}

// flushEvents emits the deferred events. Callers must not hold c.mu.
func (c *Connection) flushEvents() {
	c.mu.Lock()
	evs := c.pendingEvts
	c.pendingEvts = nil
	c.mu.Unlock()
	for _, ev := range evs {
		c.emit(ev)
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		if !c.params.Main {
			if err := c.waitForKey(ctx); err != nil {
				return
			}
		}

		t, err := c.params.Factory(ctx, c.params.DC)
		if err == nil {
			c.params.Metrics.connectionUp(c.params.DC.ID, c.params.Kind)
			err = c.serve(ctx, t)
			c.params.Metrics.connectionDown(c.params.DC.ID, c.params.Kind)
			t.Close()
		}
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.usable {
			attempt = 0
		}
		c.usable = false
		immediate := c.reconnectNow
		c.reconnectNow = false
		c.mu.Unlock()

		c.onTransportError(err)

		delay, retry := c.params.Strategy(attempt, err)
		attempt++
		if !retry {
			c.fail(err)
			return
		}
		if immediate {
			delay = 0
		}
		c.params.Metrics.reconnect(c.params.DC.ID)
		c.logger.Warn("connection lost, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// waitForKey blocks a non-main connection until a permanent key is set.
func (c *Connection) waitForKey(ctx context.Context) error {
	requested := false
	for {
		if c.HasAuthKey() {
			return nil
		}
		if !requested {
			requested = true
			c.logger.Debug("waiting for auth key")
			c.emit(Event{Kind: EventRequestAuth})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.keyCh:
		}
	}
}

// serve runs one transport until it fails.
func (c *Connection) serve(ctx context.Context, t transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.transport = t
	needKey := !c.session.AuthKey.Ready()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.transport = nil
		c.mu.Unlock()
	}()

	if needKey {
		if !c.params.Main {
			cancel()
			return session.ErrKeyNotReady
		}
		if err := c.authorize(ctx, t); err != nil {
			cancel()
			return err
		}
	}

	c.mu.Lock()
	needTemp := c.needTempKey()
	c.mu.Unlock()
	if needTemp {
		if err := c.negotiateTempKey(ctx, t); err != nil {
			cancel()
			return err
		}
	}

	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(ctx, t)
	}()
	defer func() {
		cancel()
		t.Close()
		wg.Wait()
	}()

	if needTemp {
		if err := c.bindTempKey(ctx, t, errCh); err != nil {
			return err
		}
	}

	var renew <-chan time.Time
	c.mu.Lock()
	left, expiring := c.tempKeyRenewal()
	c.mu.Unlock()
	if expiring {
		renewTimer := time.NewTimer(left)
		defer renewTimer.Stop()
		renew = renewTimer.C
	}

	flushTicker := time.NewTicker(c.params.FlushInterval)
	defer flushTicker.Stop()
	pingTicker := time.NewTicker(c.params.PingInterval)
	defer pingTicker.Stop()

	c.notify()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-c.flushCh:
		case <-flushTicker.C:
			c.mu.Lock()
			c.queueStateRequests()
			c.mu.Unlock()
		case <-pingTicker.C:
			c.mu.Lock()
			c.pingWanted = true
			c.mu.Unlock()
		case <-renew:
			c.logger.Info("temporary key expiring, renegotiating")
			c.mu.Lock()
			c.reconnectNow = true
			c.mu.Unlock()
			return errTempKeyExpiring
		}
		if err := c.flush(ctx, t); err != nil {
			return err
		}
	}
}

// authorize negotiates a permanent key over t.
func (c *Connection) authorize(ctx context.Context, t transport.Transport) error {
	c.emit(Event{Kind: EventAuthBegin})
	c.logger.Info("negotiating auth key")

	res, err := handshake.Run(ctx, t, handshake.Options{
		Crypto:  c.params.Crypto,
		Readers: c.params.Readers,
		Writers: c.params.Writers,
		Keys:    c.params.Keys,
		DC:      c.params.DC.WireID(),
		Logger:  c.logger,
	})
	if err != nil {
		return fmt.Errorf("network: dc %d: auth key exchange: %w", c.params.DC.ID, err)
	}

	c.mu.Lock()
	if err := c.session.AuthKey.Set(res.AuthKey); err != nil {
		c.mu.Unlock()
		return err
	}
	c.session.ResetTempKeys()
	c.session.ServerSalt = res.ServerSalt
	c.session.SetTimeOffset(res.TimeOffset)
	c.resetSession(false)
	c.mu.Unlock()

	c.logger.Info("auth key negotiated", "time_offset", res.TimeOffset)
	c.emit(Event{Kind: EventKeyChange, Key: res.AuthKey})
	return nil
}

func (c *Connection) readLoop(ctx context.Context, t transport.Transport) error {
	for {
		frame, err := t.Recv(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(frame)
	}
}

// onTransportError resets the session after a lost transport. A -404
// from the server means it does not know our key: the temporary key
// when one is in use, otherwise the permanent one.
func (c *Connection) onTransportError(err error) {
	var te *transport.TransportError
	unknownKey := errors.As(err, &te) && te.Code == -404

	c.mu.Lock()
	dropTemp, dropPerm := false, false
	switch {
	case unknownKey && c.session.TempAuthKey.Ready():
		c.logger.Warn("server does not know the temporary key, dropping it")
		c.session.ResetTempKeys()
		dropTemp = true
	case unknownKey:
		c.logger.Warn("server does not know the auth key, dropping it")
		c.session.AuthKey.Reset()
		c.session.ResetTempKeys()
		dropPerm = true
	}
	c.resetSession(!unknownKey)
	c.mu.Unlock()

	if dropTemp {
		c.emit(Event{Kind: EventTmpKeyChange})
	}
	if dropPerm && c.params.Main {
		c.emit(Event{Kind: EventKeyChange})
	}
}

// resetSession starts a new session id, moving in-flight RPCs back to
// the queue. With destroyOld the server is asked to drop the old session.
// Callers hold c.mu.
func (c *Connection) resetSession(destroyOld bool) {
	s := c.session
	old := s.ID()
	inflight := s.PendingRPCs()

	s.ResetState(true)
	clear(s.Pending)
	clear(s.DestroySessionIDToMsgID)
	s.InitConnectionCalled = false
	c.pingWanted = false

	sortByMsgID(inflight)
	for _, rpc := range inflight {
		rpc.Acked = false
		if !rpc.Cancelled {
			s.EnqueueRPC(rpc, true)
		}
	}
	if destroyOld && s.AuthKey.Ready() {
		c.destroyQueue = append(c.destroyQueue, old)
	} else {
		c.destroyQueue = nil
	}
}

// fail rejects everything after the strategy gave up.
func (c *Connection) fail(err error) {
	var te *transport.TransportError
	if !errors.As(err, &te) {
		err = &transport.TransportError{Op: "connect", DC: c.params.DC.ID, Err: err}
	}
	c.logger.Error("giving up on connection", "error", err)

	c.mu.Lock()
	c.failErr = err
	c.rejectAll(err)
	c.mu.Unlock()

	c.emit(Event{Kind: EventError, Err: err})
}

// rejectAll rejects queued and in-flight RPCs. Callers hold c.mu.
func (c *Connection) rejectAll(err error) {
	s := c.session
	for _, rpc := range s.PendingRPCs() {
		rpc.Promise.Reject(err)
	}
	for _, m := range s.Pending {
		if b, ok := m.(*session.BindMessage); ok {
			b.Promise.Reject(err)
		}
	}
	clear(s.Pending)
	for _, rpc := range s.QueuedRPC.Drain() {
		rpc.Promise.Reject(err)
	}
	s.StateSchedule.Clear()
}

// queueStateRequests asks about RPCs that have gone unacknowledged for
// StateRequestDelay. Callers hold c.mu.
func (c *Connection) queueStateRequests() {
	s := c.session
	now := s.Now()
	for _, rpc := range s.StateSchedule.PopDue(now) {
		if _, ok := s.Pending[rpc.MsgID]; !ok || rpc.Acked || rpc.Promise.Settled() {
			continue
		}
		s.QueuedStateReq.PushBack(rpc.MsgID)
		rpc.StateAt = now.Add(c.params.StateRequestDelay)
		s.StateSchedule.Insert(rpc)
	}
}
