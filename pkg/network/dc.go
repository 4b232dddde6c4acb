package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/mtproto/pkg/storage"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

// Kind is a connection kind. Each kind has its own pool per DC.
type Kind string

const (
	KindMain          Kind = "main"
	KindUpload        Kind = "upload"
	KindDownload      Kind = "download"
	KindDownloadSmall Kind = "downloadSmall"
)

// Kinds lists every connection kind, main first.
var Kinds = []Kind{KindMain, KindUpload, KindDownload, KindDownloadSmall}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// ConnectionCounts sets the pool size per kind. Zero picks the default.
type ConnectionCounts struct {
	Main          int
	Upload        int
	Download      int
	DownloadSmall int
}

// Count returns the pool size for kind.
func (c ConnectionCounts) Count(kind Kind) int {
	n, def := 0, 1
	switch kind {
	case KindMain:
		n = c.Main
	case KindUpload:
		n = c.Upload
	case KindDownload:
		n, def = c.Download, 2
	case KindDownloadSmall:
		n, def = c.DownloadSmall, 2
	}
	if n <= 0 {
		return def
	}
	return n
}

// DCState is the lifecycle of a DcConnectionManager.
type DCState int

const (
	StateIdle DCState = iota
	StateConnecting
	StateAuthorizing
	StateUsable
)

func (s DCState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateUsable:
		return "usable"
	}
	return "unknown"
}

// DcConnectionManager owns the connection pools of one DC and keeps
// their keys in sync with storage.
type DcConnectionManager struct {
	dc      transport.DC
	tmpl    ConnectionParams
	counts  ConnectionCounts
	store   storage.AuthKeyStore
	pfs     bool
	logger  *slog.Logger
	events  Emitter
	timeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	state  DCState
	pools  map[Kind]*MultiSessionConnection
	unsubs []func()
	closed bool
}

// DCParams configures a DcConnectionManager.
type DCParams struct {
	DC transport.DC
	// Connection is the template for every connection; DC, Kind, Index
	// and Main are set per connection.
	Connection ConnectionParams
	Counts     ConnectionCounts
	Storage    storage.AuthKeyStore
	PFS        bool
	// StorageTimeout bounds each storage call made from event handlers.
	StorageTimeout time.Duration
}

// NewDcConnectionManager creates the manager and its main pool.
func NewDcConnectionManager(p DCParams) *DcConnectionManager {
	p.Connection.DC = p.DC
	p.Connection.setDefaults()
	if p.Storage == nil {
		p.Storage = storage.NewMemoryStore()
	}
	if p.StorageTimeout <= 0 {
		p.StorageTimeout = 10 * time.Second
	}
	d := &DcConnectionManager{
		dc:      p.DC,
		tmpl:    p.Connection,
		counts:  p.Counts,
		store:   p.Storage,
		pfs:     p.PFS,
		logger:  p.Connection.Logger.With("dc", p.DC.ID),
		timeout: p.StorageTimeout,
		ctx:     context.Background(),
		pools:   make(map[Kind]*MultiSessionConnection),
	}
	d.addPool(KindMain)
	return d
}

// DC returns the managed datacenter.
func (d *DcConnectionManager) DC() transport.DC { return d.dc }

// Events re-emits Usable (main pool), Update and Error events.
func (d *DcConnectionManager) Events() *Emitter { return &d.events }

// State returns the lifecycle state.
func (d *DcConnectionManager) State() DCState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DcConnectionManager) setState(s DCState) {
	d.mu.Lock()
	old := d.state
	d.state = s
	d.mu.Unlock()
	if old != s {
		d.logger.Debug("dc state changed", "from", old.String(), "to", s.String())
	}
}

// Pool returns the pool of kind, or nil before its first use.
func (d *DcConnectionManager) Pool(kind Kind) *MultiSessionConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pools[kind]
}

// MainConnection returns the connection that negotiates keys.
func (d *DcConnectionManager) MainConnection() *Connection {
	return d.Pool(KindMain).Connections()[0]
}

// addPool creates the pool of kind and subscribes to it. Callers either
// hold d.mu or run before d is shared.
func (d *DcConnectionManager) addPool(kind Kind) *MultiSessionConnection {
	p := d.tmpl
	p.Kind = kind
	p.Main = kind == KindMain
	p.PFS = d.pfs && kind == KindMain
	pool := NewMultiSessionConnection(p, d.counts.Count(kind))
	d.pools[kind] = pool

	ev := pool.Events()
	d.unsubs = append(d.unsubs,
		ev.Subscribe(EventKeyChange, d.onKeyChange),
		ev.Subscribe(EventTmpKeyChange, d.onTmpKeyChange),
		ev.Subscribe(EventAuthBegin, d.onAuthBegin),
		ev.Subscribe(EventRequestAuth, d.onRequestAuth),
		ev.Subscribe(EventUsable, d.onUsable),
		ev.Subscribe(EventUpdate, d.events.Emit),
		ev.Subscribe(EventError, d.events.Emit),
	)
	return pool
}

// ensurePool returns the pool of kind, creating and starting it with the
// current keys on first use.
func (d *DcConnectionManager) ensurePool(kind Kind) (*MultiSessionConnection, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDestroyed
	}
	pool, ok := d.pools[kind]
	created := false
	if !ok {
		pool = d.addPool(kind)
		created = true
	}
	ctx := d.ctx
	d.mu.Unlock()

	if created {
		if key := d.MainConnection().AuthKey(); key != nil {
			if err := pool.SetAuthKey(key, false, 0, time.Time{}); err != nil {
				return nil, err
			}
		}
		d.logger.Debug("connection pool created", "kind", string(kind))
	}
	pool.Connect(ctx)
	return pool, nil
}

// LoadKeys installs the stored permanent key and, with PFS, the stored
// temporary keys of the main pool.
func (d *DcConnectionManager) LoadKeys(ctx context.Context) error {
	d.setState(StateConnecting)

	key, err := d.store.AuthKey(ctx, d.dc.ID)
	if err != nil {
		return err
	}
	main := d.Pool(KindMain)
	if key != nil {
		if err := main.SetAuthKey(key, false, 0, time.Time{}); err != nil {
			return err
		}
		d.logger.Debug("loaded auth key")
	}
	if !d.pfs {
		return nil
	}
	now := time.Now()
	for i := range main.Connections() {
		tmp, err := d.store.TempAuthKey(ctx, d.dc.ID, i, now)
		if err != nil {
			return err
		}
		if tmp == nil {
			continue
		}
		if err := main.SetAuthKey(tmp, true, i, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// Connect starts the main pool. ctx bounds every connection of the DC.
func (d *DcConnectionManager) Connect(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	main := d.pools[KindMain]
	d.mu.Unlock()

	if !main.Connections()[0].HasAuthKey() {
		d.setState(StateAuthorizing)
	} else {
		d.setState(StateConnecting)
	}
	main.Connect(ctx)
}

// Call sends req over a connection of kind.
func (d *DcConnectionManager) Call(ctx context.Context, kind Kind, req *tl.Object, timeout time.Duration) (*tl.Object, error) {
	pool, err := d.ensurePool(kind)
	if err != nil {
		return nil, err
	}
	return pool.SendRPC(ctx, req, timeout)
}

// Destroy tears down every pool.
func (d *DcConnectionManager) Destroy() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pools := make([]*MultiSessionConnection, 0, len(d.pools))
	for _, k := range Kinds {
		if p, ok := d.pools[k]; ok {
			pools = append(pools, p)
		}
	}
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, p := range pools {
		p.Destroy()
	}
	for _, stop := range unsubs {
		stop()
	}
	d.setState(StateIdle)
}

func (d *DcConnectionManager) allPools() []*MultiSessionConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MultiSessionConnection, 0, len(d.pools))
	for _, k := range Kinds {
		if p, ok := d.pools[k]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (d *DcConnectionManager) storageContext() (context.Context, context.CancelFunc) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	return context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
}

func (d *DcConnectionManager) reportError(err error) {
	d.logger.Error("dc manager error", "error", err)
	d.events.Emit(Event{Kind: EventError, Err: err})
}

func (d *DcConnectionManager) onKeyChange(ev Event) {
	if ev.Conn == nil || !ev.Conn.IsMain() {
		d.logger.Warn("ignoring key change from non-main connection", "idx", ev.Index)
		return
	}

	ctx, cancel := d.storageContext()
	defer cancel()
	if ev.Key == nil {
		d.logger.Warn("auth key revoked")
		if err := d.store.DeleteByDC(ctx, d.dc.ID); err != nil {
			d.reportError(err)
		}
		d.setState(StateAuthorizing)
	} else if err := d.store.SetAuthKey(ctx, d.dc.ID, ev.Key); err != nil {
		d.reportError(err)
	}

	for _, pool := range d.allPools() {
		for _, c := range pool.Connections() {
			if c == ev.Conn {
				continue
			}
			if err := c.SetAuthKey(ev.Key, false, time.Time{}); err != nil {
				d.reportError(err)
			}
		}
	}
}

func (d *DcConnectionManager) onTmpKeyChange(ev Event) {
	if ev.Conn == nil || ev.Conn.Kind() != KindMain {
		d.logger.Warn("ignoring temp key change from non-main connection", "idx", ev.Index)
		return
	}
	ctx, cancel := d.storageContext()
	defer cancel()
	if err := d.store.SetTempAuthKey(ctx, d.dc.ID, ev.Index, ev.Key, ev.ExpiresAt); err != nil {
		d.reportError(err)
	}
}

func (d *DcConnectionManager) onAuthBegin(ev Event) {
	if ev.Conn == nil || !ev.Conn.IsMain() {
		return
	}
	d.setState(StateAuthorizing)
	for _, pool := range d.allPools() {
		pool.ResetAuthKeys(ev.Conn)
	}
}

func (d *DcConnectionManager) onRequestAuth(ev Event) {
	main := d.Pool(KindMain)
	if key := main.Connections()[0].AuthKey(); key != nil && ev.Conn != nil {
		if err := ev.Conn.SetAuthKey(key, false, time.Time{}); err != nil {
			d.reportError(err)
		}
		return
	}
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	main.RequestAuth(ctx)
}

func (d *DcConnectionManager) onUsable(ev Event) {
	if ev.Conn == nil || ev.Conn.Kind() != KindMain {
		return
	}
	d.setState(StateUsable)
	d.events.Emit(ev)
}
