package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/storage"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

const (
	// DefaultKeepAliveInterval is how often idleness is checked.
	DefaultKeepAliveInterval = 60 * time.Second

	// DefaultKeepAliveIdle is the idle time after which updates.getState
	// is sent.
	DefaultKeepAliveIdle = 15 * time.Minute

	// DefaultKeepAliveTimeout bounds the keep-alive request.
	DefaultKeepAliveTimeout = 15 * time.Second
)

// Params configures a Manager.
type Params struct {
	Storage storage.AuthKeyStore
	Crypto  crypto.Provider
	Logger  *slog.Logger

	Readers tl.ReaderMap
	Writers tl.WriterMap
	Keys    []*handshake.PublicKey

	APIID int32
	Layer int32
	Init  InitConnectionOptions

	Factory  transport.Factory
	Strategy Strategy
	// DCs resolves ids passed to WithDC.
	DCs DCProvider

	Connections ConnectionCounts

	KeepAliveInterval time.Duration
	KeepAliveIdle     time.Duration
	KeepAliveTimeout  time.Duration

	// RPCTimeout is the default Call timeout. Zero waits for ctx only.
	RPCTimeout time.Duration

	PFS             bool
	TempKeyLifetime time.Duration
	DisableUpdates  bool

	// OnUpdate receives updates from the primary DC.
	OnUpdate func(Event)
	// OnError receives failures that have no caller to return to.
	OnError func(error)

	Metrics *Metrics
	Tracer  trace.Tracer

	PingInterval      time.Duration
	FlushInterval     time.Duration
	StateRequestDelay time.Duration
}

// Manager routes calls to per-DC connection managers and keeps the
// primary DC alive.
type Manager struct {
	params Params
	logger *slog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	dcs           map[int]*DcConnectionManager
	primary       *DcConnectionManager
	primaryUnsubs []func()
	keepAlive     bool
	lastActivity  time.Time
	destroyed     bool
}

// NewManager validates p and creates an idle manager.
func NewManager(p Params) (*Manager, error) {
	if p.Factory == nil {
		return nil, errors.New("network: Params.Factory is required")
	}
	if p.Storage == nil {
		p.Storage = storage.NewMemoryStore()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.KeepAliveInterval <= 0 {
		p.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if p.KeepAliveIdle <= 0 {
		p.KeepAliveIdle = DefaultKeepAliveIdle
	}
	if p.KeepAliveTimeout <= 0 {
		p.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if p.Tracer == nil {
		p.Tracer = defaultTracer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		params:       p,
		logger:       p.Logger,
		tracer:       p.Tracer,
		ctx:          ctx,
		cancel:       cancel,
		dcs:          make(map[int]*DcConnectionManager),
		lastActivity: time.Now(),
	}, nil
}

func (m *Manager) newDC(dc transport.DC) *DcConnectionManager {
	p := m.params
	return NewDcConnectionManager(DCParams{
		DC: dc,
		Connection: ConnectionParams{
			Factory:           p.Factory,
			Strategy:          p.Strategy,
			Crypto:            p.Crypto,
			Readers:           p.Readers,
			Writers:           p.Writers,
			Keys:              p.Keys,
			APIID:             p.APIID,
			Layer:             p.Layer,
			Init:              p.Init,
			DisableUpdates:    p.DisableUpdates,
			TempKeyLifetime:   p.TempKeyLifetime,
			PingInterval:      p.PingInterval,
			FlushInterval:     p.FlushInterval,
			StateRequestDelay: p.StateRequestDelay,
			Logger:            p.Logger,
			Metrics:           p.Metrics,
		},
		Counts:  p.Connections,
		Storage: p.Storage,
		PFS:     p.PFS,
	})
}

// Connect creates the manager for dc, makes it primary and starts its
// main connection. Key loading failures go to OnError; the connection
// then negotiates a new key.
func (m *Manager) Connect(ctx context.Context, dc transport.DC) error {
	d, err := m.addDC(dc)
	if err != nil {
		return err
	}
	if err := m.SwitchPrimary(dc.ID); err != nil {
		return err
	}
	if err := d.LoadKeys(ctx); err != nil {
		m.reportError(fmt.Errorf("network: dc %d: load keys: %w", dc.ID, err))
	}
	d.Connect(m.ctx)
	m.logger.Info("connecting", "dc", dc.ID, "address", dc.HostPort())
	return nil
}

func (m *Manager) addDC(dc transport.DC) (*DcConnectionManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, ErrDestroyed
	}
	if _, ok := m.dcs[dc.ID]; ok {
		return nil, ErrManagerAlreadyExists
	}
	d := m.newDC(dc)
	m.dcs[dc.ID] = d
	return d, nil
}

// DC returns the manager for id, if any.
func (m *Manager) DC(id int) (*DcConnectionManager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dcs[id]
	return d, ok
}

// Primary returns the primary DC manager, or nil before Connect.
func (m *Manager) Primary() *DcConnectionManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// SwitchPrimary moves the update, usable and error subscriptions to the
// manager of dcID.
func (m *Manager) SwitchPrimary(dcID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dcs[dcID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDC, dcID)
	}
	if m.primary == d {
		return nil
	}
	for _, stop := range m.primaryUnsubs {
		stop()
	}
	ev := d.Events()
	m.primaryUnsubs = []func(){
		ev.Subscribe(EventUsable, m.onUsable),
		ev.Subscribe(EventUpdate, m.onUpdate),
		ev.Subscribe(EventError, m.onError),
	}
	m.primary = d
	m.logger.Debug("primary dc switched", "dc", dcID)
	return nil
}

// CallOption configures one Call.
type CallOption func(*callOptions)

type callOptions struct {
	kind    Kind
	dc      int
	timeout time.Duration
}

// WithKind routes the call to a pool of kind.
func WithKind(kind Kind) CallOption {
	return func(o *callOptions) { o.kind = kind }
}

// WithDC routes the call to datacenter id instead of the primary.
func WithDC(id int) CallOption {
	return func(o *callOptions) { o.dc = id }
}

// WithTimeout overrides the default call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call sends req and returns its result. Errors are *RPCError,
// ErrRPCTimeout, session.ErrSessionReset, *transport.TransportError or
// the context's error.
func (m *Manager) Call(ctx context.Context, req *tl.Object, opts ...CallOption) (*tl.Object, error) {
	o := callOptions{kind: KindMain, timeout: m.params.RPCTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	d, err := m.route(ctx, o.dc)
	if err != nil {
		return nil, err
	}

	ctx, span := startCallSpan(ctx, m.tracer, req.Type, d.DC().ID, o.kind)
	start := time.Now()
	res, err := d.Call(ctx, o.kind, req, o.timeout)
	m.params.Metrics.ObserveCall(req.Type, err, time.Since(start))
	endCallSpan(span, err)

	if err == nil {
		m.touch()
	}
	return res, err
}

// route returns the DC manager for id, creating it through the
// DCProvider when needed. Zero selects the primary.
func (m *Manager) route(ctx context.Context, id int) (*DcConnectionManager, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrDestroyed
	}
	if id == 0 {
		d := m.primary
		m.mu.Unlock()
		if d == nil {
			return nil, ErrNotConnected
		}
		return d, nil
	}
	if d, ok := m.dcs[id]; ok {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	if m.params.DCs == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDC, id)
	}
	dc, ok := m.params.DCs.DCByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDC, id)
	}
	d, err := m.addDC(dc)
	if errors.Is(err, ErrManagerAlreadyExists) {
		d, _ = m.DC(id)
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	if err := d.LoadKeys(ctx); err != nil {
		m.reportError(fmt.Errorf("network: dc %d: load keys: %w", id, err))
	}
	d.Connect(m.ctx)
	return d, nil
}

// Destroy closes every DC manager and stops keep-alive. It is safe to
// call more than once and without Connect.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	dcs := make([]*DcConnectionManager, 0, len(m.dcs))
	for _, d := range m.dcs {
		dcs = append(dcs, d)
	}
	for _, stop := range m.primaryUnsubs {
		stop()
	}
	m.primaryUnsubs = nil
	m.mu.Unlock()

	m.cancel()
	for _, d := range dcs {
		d.Destroy()
	}
	m.wg.Wait()
	m.logger.Debug("network manager destroyed")
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// idleSince returns the last time the primary became usable, delivered
// an update or answered a call. Service traffic such as pongs does not
// count.
func (m *Manager) idleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *Manager) reportError(err error) {
	m.logger.Error("network error", "error", err)
	if m.params.OnError != nil {
		m.params.OnError(err)
	}
}

func (m *Manager) onError(ev Event) {
	m.reportError(ev.Err)
}

func (m *Manager) onUpdate(ev Event) {
	m.touch()
	if m.params.OnUpdate != nil {
		m.params.OnUpdate(ev)
	}
}

func (m *Manager) onUsable(Event) {
	m.touch()
	m.mu.Lock()
	if m.keepAlive || m.destroyed {
		m.mu.Unlock()
		return
	}
	m.keepAlive = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.keepAliveLoop()
}

// keepAliveLoop polls updates.getState on the primary after
// KeepAliveIdle without traffic. A failure other than an rpc_error
// reconnects the primary main connection.
func (m *Manager) keepAliveLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.params.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Since(m.idleSince()) < m.params.KeepAliveIdle {
			continue
		}

		m.logger.Debug("connection idle, polling state")
		ctx, cancel := context.WithTimeout(m.ctx, m.params.KeepAliveTimeout)
		_, err := m.Call(ctx, tl.New("updates.getState", nil), WithTimeout(m.params.KeepAliveTimeout))
		cancel()
		if err == nil || m.ctx.Err() != nil {
			continue
		}
		if _, ok := AsRPCError(err); ok {
			continue
		}
		m.logger.Warn("keep-alive failed, reconnecting", "error", err)
		if d := m.Primary(); d != nil {
			d.MainConnection().Reconnect()
		}
	}
}
