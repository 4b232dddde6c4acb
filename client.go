// Package mtproto is an MTProto 2.0 client core.
//
// A Client wires the pieces of this module together from a
// config.Config: the TL tables, an auth key store, a transport dialer,
// the server RSA keys and the network manager. Most programs only need
// New, Connect, Call and Close:
//
//	cfg, err := config.Load(".")
//	if err != nil {
//		return err
//	}
//	client, err := mtproto.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	res, err := client.Call(ctx, tl.New("help.getNearestDc", nil))
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/mtproto/internal/config"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/network"
	"github.com/vango-dev/mtproto/pkg/storage"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("mtproto: client closed")

// Client is a connected MTProto client.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.AuthKeyStore
	manager *network.Manager
	metrics *network.Metrics
	readers tl.ReaderMap
	writers tl.WriterMap

	mu       sync.Mutex
	nextID   int
	updates  map[int]func(*tl.Object)
	errs     map[int]func(error)
	closed   bool
	ownStore bool
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	store    storage.AuthKeyStore
	factory  transport.Factory
	crypto   crypto.Provider
	registry prometheus.Registerer
	tracer   trace.Tracer
	patch    string
	keys     []*handshake.PublicKey
}

// WithLogger sets the logger. By default the log section of the config
// builds one writing to stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStorage uses store instead of opening the configured driver. The
// Client does not close a store passed this way.
func WithStorage(store storage.AuthKeyStore) Option {
	return func(o *options) { o.store = store }
}

// WithTransportFactory replaces the dialer built from the transport
// setting.
func WithTransportFactory(f transport.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithCrypto sets the crypto provider.
func WithCrypto(p crypto.Provider) Option {
	return func(o *options) { o.crypto = p }
}

// WithRegistry registers the client metrics with r instead of the
// default Prometheus registry.
func WithRegistry(r prometheus.Registerer) Option {
	return func(o *options) { o.registry = r }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithSchemaPatch compiles extra TL declarations over the built-in
// tables. Entries with the same name replace the built-in ones.
func WithSchemaPatch(schema string) Option {
	return func(o *options) { o.patch = schema }
}

// WithPublicKeys adds server RSA keys to those from the config.
func WithPublicKeys(keys ...*handshake.PublicKey) Option {
	return func(o *options) { o.keys = append(o.keys, keys...) }
}

// New validates cfg and builds an unconnected Client.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Log.NewLogger(os.Stderr)
	}
	if o.crypto == nil {
		o.crypto = crypto.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.DefaultRegisterer
	}

	readers, writers := tl.Default()
	if o.patch != "" {
		var err error
		readers, writers, err = tl.Patch(o.patch, readers, writers)
		if err != nil {
			return nil, schemaError(err, "<patch>")
		}
	}

	keys, err := loadKeys(cfg)
	if err != nil {
		return nil, err
	}
	keys = append(keys, o.keys...)

	factory := o.factory
	if factory == nil {
		mode, err := transport.ParseMode(cfg.Transport)
		if err != nil {
			return nil, mterrors.New("E122").WithDetail("transport must be tcp, obfuscated or websocket").Wrap(err)
		}
		dialer := &transport.Dialer{Mode: mode, Crypto: o.crypto, Logger: o.logger}
		factory = dialer.Dial
	}

	c := &Client{
		cfg:     cfg,
		logger:  o.logger,
		readers: readers,
		writers: writers,
		updates: make(map[int]func(*tl.Object)),
		errs:    make(map[int]func(error)),
	}

	c.store = o.store
	if c.store == nil {
		sc := cfg.Storage
		sc.Path = cfg.StoragePath()
		c.store, err = storage.Open(context.Background(), sc)
		if err != nil {
			return nil, err
		}
		c.ownStore = true
	}

	c.metrics = network.NewMetrics(network.WithRegistry(o.registry))
	c.manager, err = network.NewManager(network.Params{
		Storage: c.store,
		Crypto:  o.crypto,
		Logger:  o.logger,
		Readers: readers,
		Writers: writers,
		Keys:    keys,
		APIID:   cfg.APIID,
		Layer:   cfg.Layer,
		Init: network.InitConnectionOptions{
			DeviceModel:    cfg.InitConnection.DeviceModel,
			SystemVersion:  cfg.InitConnection.SystemVersion,
			AppVersion:     cfg.InitConnection.AppVersion,
			SystemLangCode: cfg.InitConnection.SystemLangCode,
			LangPack:       cfg.InitConnection.LangPack,
			LangCode:       cfg.InitConnection.LangCode,
		},
		Factory:  factory,
		Strategy: network.ExponentialStrategy(cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.MaxAttempts),
		DCs:      cfg,
		Connections: network.ConnectionCounts{
			Main:          cfg.Connections.Main,
			Upload:        cfg.Connections.Upload,
			Download:      cfg.Connections.Download,
			DownloadSmall: cfg.Connections.DownloadSmall,
		},
		KeepAliveInterval: cfg.KeepAlive.Interval,
		KeepAliveIdle:     cfg.KeepAlive.Idle,
		RPCTimeout:        cfg.RPCTimeout,
		PFS:               cfg.PFS,
		TempKeyLifetime:   cfg.TempKeyLifetime,
		DisableUpdates:    cfg.DisableUpdates,
		OnUpdate:          c.dispatchUpdate,
		OnError:           c.dispatchError,
		Metrics:           c.metrics,
		Tracer:            o.tracer,
	})
	if err != nil {
		if c.ownStore {
			c.store.Close()
		}
		return nil, err
	}
	return c, nil
}

func loadKeys(cfg *config.Config) ([]*handshake.PublicKey, error) {
	pem, err := cfg.ServerKeysPEM()
	if err != nil {
		return nil, err
	}
	if len(pem) == 0 {
		return nil, nil
	}
	keys, err := handshake.ParsePublicKeys(pem)
	if err != nil {
		return nil, mterrors.New("E121").WithDetail("serverKeys contains an invalid RSA public key").Wrap(err)
	}
	return keys, nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config { return c.cfg }

// Manager returns the network manager.
func (c *Client) Manager() *network.Manager { return c.manager }

// Metrics returns the client's collectors.
func (c *Client) Metrics() *network.Metrics { return c.metrics }

// Storage returns the auth key store.
func (c *Client) Storage() storage.AuthKeyStore { return c.store }

// Schema returns the compiled TL tables.
func (c *Client) Schema() (tl.ReaderMap, tl.WriterMap) { return c.readers, c.writers }

// Connect starts the connections to the configured primary DC. It
// returns once the DC manager exists; the handshake continues in the
// background and Call waits for it.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.manager.Connect(ctx, c.cfg.DC)
}

// Call sends req and waits for its result. opts select the DC, the
// connection kind and the timeout.
func (c *Client) Call(ctx context.Context, req *tl.Object, opts ...network.CallOption) (*tl.Object, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.manager.Call(ctx, req, opts...)
}

// CallJSON decodes a JSON request like {"_": "help.getConfig"}, calls it
// and returns the result as JSON.
func (c *Client) CallJSON(ctx context.Context, r io.Reader, opts ...network.CallOption) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, mterrors.New("E143").WithDetail("Cannot read the request body").Wrap(err)
	}
	req, err := tl.ObjectFromJSON(data)
	if err != nil {
		return nil, mterrors.New("E143").Wrap(err)
	}
	if _, ok := c.writers[req.Type]; !ok {
		return nil, mterrors.New("E143").WithDetail(fmt.Sprintf("Unknown constructor %q", req.Type))
	}
	res, err := c.Call(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return res.MarshalJSON()
}

// OnUpdate registers fn for updates of the primary DC. Updates the codec
// could not decode are skipped.
func (c *Client) OnUpdate(fn func(*tl.Object)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.updates[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.updates, id)
		c.mu.Unlock()
	}
}

// OnError registers fn for failures that have no caller, such as a lost
// connection that cannot be re-established or a storage write error.
func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.errs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.errs, id)
		c.mu.Unlock()
	}
}

func (c *Client) dispatchUpdate(ev network.Event) {
	if ev.Update == nil {
		c.logger.Debug("skipping undecoded update", "bytes", len(ev.Raw))
		return
	}
	c.mu.Lock()
	handlers := make([]func(*tl.Object), 0, len(c.updates))
	for _, fn := range c.updates {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(ev.Update)
	}
}

func (c *Client) dispatchError(err error) {
	c.mu.Lock()
	handlers := make([]func(error), 0, len(c.errs))
	for _, fn := range c.errs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Error("network error", "error", err)
		return
	}
	for _, fn := range handlers {
		fn(err)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close destroys every connection, rejecting pending calls, and closes
// the store when the client opened it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.manager.Destroy()
	if c.ownStore {
		return c.store.Close()
	}
	return nil
}
