package config

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "mtproto.yaml"

	// EnvPrefix prefixes environment overrides, e.g. MTPROTO_STORAGE_DSN.
	EnvPrefix = "MTPROTO"

	// DefaultDCAddress is the production address of DC 2.
	DefaultDCAddress = "149.154.167.50"

	// DefaultTestDCAddress is the test-server address of DC 2.
	DefaultTestDCAddress = "149.154.167.40"

	// DefaultMetricsListen is the default address for `mtctl serve`.
	DefaultMetricsListen = "127.0.0.1:9090"
)

// Storage drivers understood by storage.Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQL    = "sql"
	DriverEtcd   = "etcd"
	DriverS3     = "s3"
)

// Config is the complete client configuration.
type Config struct {
	// APIID is the application id sent in initConnection.
	APIID int32 `yaml:"apiId" json:"apiId" mapstructure:"apiId"`

	// Layer is the API layer passed to invokeWithLayer.
	Layer int32 `yaml:"layer" json:"layer" mapstructure:"layer"`

	// TestMode selects the test datacenters.
	TestMode bool `yaml:"testMode" json:"testMode" mapstructure:"testMode"`

	// DC is the datacenter the client connects to first.
	DC transport.DC `yaml:"dc" json:"dc" mapstructure:"dc"`

	// DCs lists additional datacenters reachable through Call options.
	DCs []transport.DC `yaml:"dcs,omitempty" json:"dcs,omitempty" mapstructure:"dcs"`

	// Transport is one of tcp, obfuscated or websocket.
	Transport string `yaml:"transport" json:"transport" mapstructure:"transport"`

	Connections ConnectionsConfig `yaml:"connections" json:"connections" mapstructure:"connections"`

	KeepAlive KeepAliveConfig `yaml:"keepAlive" json:"keepAlive" mapstructure:"keepAlive"`

	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect" mapstructure:"reconnect"`

	// RPCTimeout is the default per-call timeout. Zero disables it.
	RPCTimeout time.Duration `yaml:"rpcTimeout" json:"rpcTimeout" mapstructure:"rpcTimeout"`

	// PFS makes every main connection negotiate a temporary key and bind
	// it to the permanent key before sending.
	PFS bool `yaml:"pfs" json:"pfs" mapstructure:"pfs"`

	// TempKeyLifetime is the lifetime requested for temporary keys.
	TempKeyLifetime time.Duration `yaml:"tempKeyLifetime" json:"tempKeyLifetime" mapstructure:"tempKeyLifetime"`

	// DisableUpdates stops forwarding server updates to the handler.
	DisableUpdates bool `yaml:"disableUpdates" json:"disableUpdates" mapstructure:"disableUpdates"`

	InitConnection InitConnectionConfig `yaml:"initConnection" json:"initConnection" mapstructure:"initConnection"`

	// ServerKeys holds RSA public keys, either as PEM file paths or inline PEM.
	ServerKeys []string `yaml:"serverKeys,omitempty" json:"serverKeys,omitempty" mapstructure:"serverKeys"`

	Storage StorageConfig `yaml:"storage" json:"storage" mapstructure:"storage"`

	Log LogConfig `yaml:"log" json:"log" mapstructure:"log"`

	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ConnectionsConfig sets the pool size per connection kind.
type ConnectionsConfig struct {
	Main          int `yaml:"main" json:"main" mapstructure:"main"`
	Upload        int `yaml:"upload" json:"upload" mapstructure:"upload"`
	Download      int `yaml:"download" json:"download" mapstructure:"download"`
	DownloadSmall int `yaml:"downloadSmall" json:"downloadSmall" mapstructure:"downloadSmall"`
}

// KeepAliveConfig controls the primary DC keep-alive poll.
type KeepAliveConfig struct {
	// Interval is how often idleness is checked.
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`

	// Idle is how long without traffic before updates.getState is sent.
	Idle time.Duration `yaml:"idle" json:"idle" mapstructure:"idle"`
}

// ReconnectConfig is the exponential reconnection policy.
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"baseDelay" json:"baseDelay" mapstructure:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay" json:"maxDelay" mapstructure:"maxDelay"`

	// MaxAttempts stops reconnecting after this many failures. Zero retries forever.
	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts" mapstructure:"maxAttempts"`
}

// InitConnectionConfig carries the client description sent with the
// first request of every session.
type InitConnectionConfig struct {
	DeviceModel    string `yaml:"deviceModel" json:"deviceModel" mapstructure:"deviceModel"`
	SystemVersion  string `yaml:"systemVersion" json:"systemVersion" mapstructure:"systemVersion"`
	AppVersion     string `yaml:"appVersion" json:"appVersion" mapstructure:"appVersion"`
	SystemLangCode string `yaml:"systemLangCode" json:"systemLangCode" mapstructure:"systemLangCode"`
	LangPack       string `yaml:"langPack" json:"langPack" mapstructure:"langPack"`
	LangCode       string `yaml:"langCode" json:"langCode" mapstructure:"langCode"`
}

// StorageConfig selects and configures the auth key store.
type StorageConfig struct {
	// Driver is one of memory, file, sql, etcd or s3.
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`

	// Path is the JSON file for the file driver.
	Path string `yaml:"path,omitempty" json:"path,omitempty" mapstructure:"path"`

	// DSN and Dialect configure the sql driver. Dialect is postgres,
	// mysql or sqlite.
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty" mapstructure:"dsn"`
	Dialect string `yaml:"dialect,omitempty" json:"dialect,omitempty" mapstructure:"dialect"`

	// Addr is reserved for network stores constructed in code (redis).
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty" mapstructure:"addr"`

	// Endpoints are the etcd cluster members.
	Endpoints []string `yaml:"endpoints,omitempty" json:"endpoints,omitempty" mapstructure:"endpoints"`

	// Bucket, Region and Endpoint configure the s3 driver. Endpoint is
	// optional and selects an S3-compatible service.
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty" mapstructure:"bucket"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty" mapstructure:"region"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// Prefix namespaces keys in shared backends (sql table prefix, etcd
	// and s3 key prefix).
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty" mapstructure:"prefix"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level" mapstructure:"level"`

	// Format is text or json.
	Format string `yaml:"format" json:"format" mapstructure:"format"`
}

// MetricsConfig configures the metrics endpoint of `mtctl serve`.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen" mapstructure:"listen"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Layer: tl.Layer,
		DC: transport.DC{
			ID:      2,
			Address: DefaultDCAddress,
			Port:    443,
		},
		Transport: string(transport.ModeTCP),
		Connections: ConnectionsConfig{
			Main:          1,
			Upload:        1,
			Download:      2,
			DownloadSmall: 2,
		},
		KeepAlive: KeepAliveConfig{
			Interval: 60 * time.Second,
			Idle:     15 * time.Minute,
		},
		Reconnect: ReconnectConfig{
			BaseDelay: time.Second,
			MaxDelay:  10 * time.Second,
		},
		RPCTimeout:      30 * time.Second,
		TempKeyLifetime: 24 * time.Hour,
		InitConnection: InitConnectionConfig{
			DeviceModel:    "Go",
			SystemVersion:  runtime.GOOS + "/" + runtime.GOARCH,
			AppVersion:     "0.1.0",
			SystemLangCode: "en",
			LangCode:       "en",
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetricsListen,
		},
	}
}

// Load reads configuration from the specified directory.
// It looks for mtproto.yaml in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from a yaml or json file. Values from the
// environment (MTPROTO_ plus the upper-cased key path joined by
// underscores, e.g. MTPROTO_KEEPALIVE_IDLE) override the file.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E141").
				WithDetail("No configuration file at " + path).
				WithSuggestion("Run 'mtctl config init' to write a default " + ConfigFileName)
		}
		return nil, errors.New("E120").Wrap(err)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "yaml", "yml", "json":
	default:
		return nil, errors.New("E120").
			WithDetail("Unsupported configuration format " + filepath.Ext(path)).
			WithSuggestion("Use a .yaml or .json file")
	}

	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(path)
	v.SetConfigType(ext)
	if err := v.MergeInConfig(); err != nil {
		return nil, errors.New("E120").
			WithDetail("Failed to parse " + path).
			Wrap(err)
	}

	cfg := New()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.New("E120").
			WithDetail("Failed to decode " + path).
			Wrap(err)
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// newViper returns a viper instance seeded with every default key, so
// that AutomaticEnv can override keys absent from the file.
func newViper() (*viper.Viper, error) {
	defaults, err := yaml.Marshal(New())
	if err != nil {
		return nil, errors.New("E120").Wrap(err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, errors.New("E120").Wrap(err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Optional keys are omitted from the rendered defaults; bind them
	// so the environment can still set them.
	for _, key := range []string{
		"serverKeys",
		"storage.path", "storage.dsn", "storage.dialect", "storage.addr",
		"storage.endpoints", "storage.bucket", "storage.region",
		"storage.endpoint", "storage.prefix",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.New("E120").Wrap(err)
		}
	}
	return v, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path. A .json
// extension writes JSON; anything else writes YAML.
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return errors.New("E120").Wrap(err)
	}

	// The file may hold a DSN with credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.New("E120").Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Layer == 0 {
		c.Layer = tl.Layer
	}

	// DC
	if c.DC.ID == 0 {
		c.DC.ID = 2
	}
	if c.DC.Address == "" {
		c.DC.Address = DefaultDCAddress
		if c.TestMode {
			c.DC.Address = DefaultTestDCAddress
		}
	}
	if c.DC.Port == 0 {
		c.DC.Port = 443
	}
	c.DC.TestMode = c.TestMode
	for i := range c.DCs {
		c.DCs[i].TestMode = c.TestMode
		if c.DCs[i].Port == 0 {
			c.DCs[i].Port = 443
		}
	}

	if c.Transport == "" {
		c.Transport = string(transport.ModeTCP)
	}

	// Connections
	if c.Connections.Main == 0 {
		c.Connections.Main = 1
	}
	if c.Connections.Upload == 0 {
		c.Connections.Upload = 1
	}
	if c.Connections.Download == 0 {
		c.Connections.Download = 2
	}
	if c.Connections.DownloadSmall == 0 {
		c.Connections.DownloadSmall = 2
	}

	// Keep-alive
	if c.KeepAlive.Interval == 0 {
		c.KeepAlive.Interval = 60 * time.Second
	}
	if c.KeepAlive.Idle == 0 {
		c.KeepAlive.Idle = 15 * time.Minute
	}

	// Reconnect
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 10 * time.Second
	}

	// Storage
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == DriverSQL && c.Storage.Dialect == "" {
		c.Storage.Dialect = "postgres"
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIID <= 0 {
		return errors.New("E121").
			WithDetail("apiId must be set to the application id").
			WithSuggestion("Set apiId in " + ConfigFileName + " or MTPROTO_APIID")
	}
	if c.Layer <= 0 {
		return invalid("layer must be positive")
	}
	for _, dc := range append([]transport.DC{c.DC}, c.DCs...) {
		if dc.ID <= 0 {
			return invalid("dc ids must be positive")
		}
		if dc.Address == "" {
			return invalid("dc " + itoa(dc.ID) + " has no address")
		}
		if dc.Port <= 0 || dc.Port > 65535 {
			return invalid("dc " + itoa(dc.ID) + ": port must be between 1 and 65535")
		}
	}
	if _, err := transport.ParseMode(c.Transport); err != nil {
		return invalid("transport must be tcp, obfuscated or websocket").Wrap(err)
	}
	if c.Connections.Main < 1 || c.Connections.Upload < 1 || c.Connections.Download < 1 || c.Connections.DownloadSmall < 1 {
		return invalid("connection counts must be at least 1")
	}
	if c.KeepAlive.Interval <= 0 || c.KeepAlive.Idle <= 0 {
		return invalid("keepAlive interval and idle must be positive")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return invalid("reconnect.maxDelay must be at least reconnect.baseDelay")
	}
	if c.Reconnect.MaxAttempts < 0 || c.RPCTimeout < 0 {
		return invalid("reconnect.maxAttempts and rpcTimeout must not be negative")
	}
	if c.PFS && c.TempKeyLifetime < time.Minute {
		return invalid("tempKeyLifetime must be at least 1m when pfs is enabled")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format must be text or json")
	}
	return nil
}

// Validate checks that the driver is known and its required fields are set.
func (s StorageConfig) Validate() error {
	switch s.Driver {
	case DriverMemory:
	case DriverFile:
		if s.Path == "" {
			return required("storage.path is required for the file driver")
		}
	case DriverSQL:
		if s.DSN == "" {
			return required("storage.dsn is required for the sql driver")
		}
		switch s.Dialect {
		case "", "postgres", "mysql", "sqlite":
		default:
			return invalid("storage.dialect must be postgres, mysql or sqlite")
		}
	case DriverEtcd:
		if len(s.Endpoints) == 0 {
			return required("storage.endpoints is required for the etcd driver")
		}
	case DriverS3:
		if s.Bucket == "" {
			return required("storage.bucket is required for the s3 driver")
		}
	default:
		return errors.New("E081").WithDetail("storage.driver " + s.Driver + " is not supported")
	}
	return nil
}

func invalid(detail string) *errors.Error {
	return errors.New("E122").WithDetail(detail)
}

func required(detail string) *errors.Error {
	return errors.New("E121").WithDetail(detail)
}

// DCByID returns the configured datacenter with the given id. The
// primary DC is checked first, then DCs in order; media-only entries
// are skipped unless nothing else matches.
func (c *Config) DCByID(id int) (transport.DC, bool) {
	if c.DC.ID == id {
		return c.DC, true
	}
	var media *transport.DC
	for i := range c.DCs {
		dc := c.DCs[i]
		if dc.ID != id {
			continue
		}
		if !dc.MediaOnly {
			return dc, true
		}
		if media == nil {
			media = &c.DCs[i]
		}
	}
	if media != nil {
		return *media, true
	}
	return transport.DC{}, false
}

// ServerKeysPEM returns the PEM text of every configured server key.
// Entries that start with "-----BEGIN" are taken as inline PEM; others
// are file paths, relative to the config directory.
func (c *Config) ServerKeysPEM() ([]byte, error) {
	var buf bytes.Buffer
	for _, k := range c.ServerKeys {
		if strings.HasPrefix(strings.TrimSpace(k), "-----BEGIN") {
			buf.WriteString(k)
			buf.WriteByte('\n')
			continue
		}
		data, err := os.ReadFile(c.resolve(k))
		if err != nil {
			return nil, errors.New("E121").
				WithDetail("Cannot read server key " + k).
				Wrap(err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// StoragePath returns the file driver path resolved against the config
// directory.
func (c *Config) StoragePath() string {
	if c.Storage.Path == "" {
		return ""
	}
	return c.resolve(c.Storage.Path)
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir(), path)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, invalid("log.level must be debug, info, warn or error").Wrap(err)
	}
	return l, nil
}

// NewLogger builds the slog logger described by the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindProjectRoot walks up directories to find one containing mtproto.yaml.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E141").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory").
				WithSuggestion("Pass --config or run 'mtctl config init'")
		}
		dir = parent
	}
}

// itoa converts int to string without importing strconv.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + itoa(-n)
	}
	digits := make([]byte, 0, 10)
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}
