package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cerrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

func errCode(err error) string {
	var ce *cerrors.Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Layer != tl.Layer {
		t.Errorf("Layer = %d, want %d", cfg.Layer, tl.Layer)
	}
	if cfg.DC.ID != 2 || cfg.DC.Address != DefaultDCAddress || cfg.DC.Port != 443 {
		t.Errorf("DC = %+v", cfg.DC)
	}
	if cfg.Connections != (ConnectionsConfig{Main: 1, Upload: 1, Download: 2, DownloadSmall: 2}) {
		t.Errorf("Connections = %+v", cfg.Connections)
	}
	if cfg.KeepAlive.Interval != time.Minute || cfg.KeepAlive.Idle != 15*time.Minute {
		t.Errorf("KeepAlive = %+v", cfg.KeepAlive)
	}
	if cfg.Reconnect.BaseDelay != time.Second || cfg.Reconnect.MaxDelay != 10*time.Second {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverMemory)
	}
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "mtproto.yaml", `
apiId: 4242
transport: obfuscated
dc:
  id: 4
  address: 10.0.0.4
dcs:
  - id: 1
    address: 10.0.0.1
  - id: 1
    address: 10.0.0.11
    mediaOnly: true
keepAlive:
  interval: 30s
rpcTimeout: 5s
pfs: true
tempKeyLifetime: 2h
storage:
  driver: sql
  dsn: postgres://localhost/keys
log:
  level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.APIID != 4242 {
		t.Errorf("APIID = %d, want 4242", cfg.APIID)
	}
	if cfg.Transport != "obfuscated" {
		t.Errorf("Transport = %q, want obfuscated", cfg.Transport)
	}
	if cfg.DC.ID != 4 || cfg.DC.Address != "10.0.0.4" || cfg.DC.Port != 443 {
		t.Errorf("DC = %+v", cfg.DC)
	}
	if len(cfg.DCs) != 2 || !cfg.DCs[1].MediaOnly || cfg.DCs[0].Port != 443 {
		t.Errorf("DCs = %+v", cfg.DCs)
	}
	if cfg.KeepAlive.Interval != 30*time.Second {
		t.Errorf("KeepAlive.Interval = %v, want 30s", cfg.KeepAlive.Interval)
	}
	if cfg.KeepAlive.Idle != 15*time.Minute {
		t.Errorf("KeepAlive.Idle = %v, want default 15m", cfg.KeepAlive.Idle)
	}
	if cfg.RPCTimeout != 5*time.Second || !cfg.PFS || cfg.TempKeyLifetime != 2*time.Hour {
		t.Errorf("RPCTimeout = %v, PFS = %v, TempKeyLifetime = %v", cfg.RPCTimeout, cfg.PFS, cfg.TempKeyLifetime)
	}
	if cfg.Connections.Download != 2 {
		t.Errorf("Connections.Download = %d, want default 2", cfg.Connections.Download)
	}
	if cfg.Storage.Dialect != "postgres" {
		t.Errorf("Storage.Dialect = %q, want postgres", cfg.Storage.Dialect)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Path() != path || cfg.Dir() != filepath.Dir(path) {
		t.Errorf("Path() = %q, Dir() = %q", cfg.Path(), cfg.Dir())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "mtproto.json", `{"apiId": 7, "testMode": true, "connections": {"main": 3}}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.APIID != 7 || cfg.Connections.Main != 3 {
		t.Errorf("APIID = %d, Connections.Main = %d", cfg.APIID, cfg.Connections.Main)
	}
	if !cfg.DC.TestMode {
		t.Error("DC.TestMode should follow testMode")
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing", filepath.Join(dir, "nope.yaml"), "E141"},
		{"bad yaml", writeFile(t, "bad.yaml", "apiId: [1\n"), "E120"},
		{"bad type", writeFile(t, "type.yaml", "keepAlive:\n  interval: soon\n"), "E120"},
		{"bad extension", writeFile(t, "cfg.toml", "apiId = 1\n"), "E120"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(tt.path)
			if err == nil {
				t.Fatal("LoadFile() succeeded, want error")
			}
			if got := errCode(err); got != tt.want {
				t.Errorf("code = %q, want %q (%v)", got, tt.want, err)
			}
		})
	}
}

func TestLoadFile_EnvOverride(t *testing.T) {
	path := writeFile(t, "mtproto.yaml", "apiId: 1\nstorage:\n  driver: file\n  path: keys.json\n")
	t.Setenv("MTPROTO_APIID", "99")
	t.Setenv("MTPROTO_KEEPALIVE_IDLE", "5m")
	t.Setenv("MTPROTO_STORAGE_PATH", "other.json")
	t.Setenv("MTPROTO_STORAGE_BUCKET", "auth-keys")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.APIID != 99 {
		t.Errorf("APIID = %d, want 99", cfg.APIID)
	}
	if cfg.KeepAlive.Idle != 5*time.Minute {
		t.Errorf("KeepAlive.Idle = %v, want 5m", cfg.KeepAlive.Idle)
	}
	if cfg.Storage.Path != "other.json" {
		t.Errorf("Storage.Path = %q, want other.json", cfg.Storage.Path)
	}
	if cfg.Storage.Bucket != "auth-keys" {
		t.Errorf("Storage.Bucket = %q, want auth-keys", cfg.Storage.Bucket)
	}
	if want := filepath.Join(filepath.Dir(path), "other.json"); cfg.StoragePath() != want {
		t.Errorf("StoragePath() = %q, want %q", cfg.StoragePath(), want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"mtproto.yaml", "mtproto.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := New()
			cfg.APIID = 11
			cfg.Transport = "websocket"
			cfg.KeepAlive.Interval = 90 * time.Second
			cfg.DCs = []transport.DC{{ID: 3, Address: "10.0.0.3", Port: 80}}

			path := filepath.Join(t.TempDir(), name)
			if err := cfg.SaveTo(path); err != nil {
				t.Fatalf("SaveTo() error: %v", err)
			}
			if cfg.Path() != path {
				t.Errorf("Path() = %q after SaveTo", cfg.Path())
			}

			loaded, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile() error: %v", err)
			}
			if loaded.APIID != 11 || loaded.Transport != "websocket" {
				t.Errorf("loaded = %+v", loaded)
			}
			if loaded.KeepAlive.Interval != 90*time.Second {
				t.Errorf("KeepAlive.Interval = %v, want 1m30s", loaded.KeepAlive.Interval)
			}
			if len(loaded.DCs) != 1 || loaded.DCs[0].Port != 80 {
				t.Errorf("DCs = %+v", loaded.DCs)
			}
		})
	}
}

func TestSaveYAMLDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mtproto.yaml")
	if err := New().SaveTo(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "idle: 15m0s") {
		t.Errorf("saved yaml does not render durations as strings:\n%s", data)
	}

	if err := (&Config{}).Save(); err == nil {
		t.Error("Save() without a path succeeded")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := New()
		cfg.APIID = 1
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no api id", func(c *Config) { c.APIID = 0 }, "E121"},
		{"bad port", func(c *Config) { c.DC.Port = 70000 }, "E122"},
		{"dc without address", func(c *Config) { c.DCs = []transport.DC{{ID: 3, Port: 443}} }, "E122"},
		{"bad transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "E122"},
		{"zero connections", func(c *Config) { c.Connections.Upload = 0 }, "E122"},
		{"max below base", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }, "E122"},
		{"negative timeout", func(c *Config) { c.RPCTimeout = -time.Second }, "E122"},
		{"short temp key lifetime", func(c *Config) { c.PFS, c.TempKeyLifetime = true, time.Second }, "E122"},
		{"file without path", func(c *Config) { c.Storage.Driver = DriverFile }, "E121"},
		{"sql without dsn", func(c *Config) { c.Storage.Driver = DriverSQL }, "E121"},
		{"bad dialect", func(c *Config) { c.Storage = StorageConfig{Driver: DriverSQL, DSN: "x", Dialect: "oracle"} }, "E122"},
		{"etcd without endpoints", func(c *Config) { c.Storage.Driver = DriverEtcd }, "E121"},
		{"s3 without bucket", func(c *Config) { c.Storage.Driver = DriverS3 }, "E121"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "floppy" }, "E081"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "E122"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "E122"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() error: %v", err)
				}
				return
			}
			if got := errCode(err); got != tt.want {
				t.Errorf("Validate() code = %q, want %q (%v)", got, tt.want, err)
			}
		})
	}
}

func TestDCByID(t *testing.T) {
	cfg := New()
	cfg.DCs = []transport.DC{
		{ID: 1, Address: "media", MediaOnly: true},
		{ID: 1, Address: "main"},
		{ID: 5, Address: "only-media", MediaOnly: true},
	}

	tests := []struct {
		id   int
		want string
		ok   bool
	}{
		{2, DefaultDCAddress, true},
		{1, "main", true},
		{5, "only-media", true},
		{9, "", false},
	}
	for _, tt := range tests {
		dc, ok := cfg.DCByID(tt.id)
		if ok != tt.ok || dc.Address != tt.want {
			t.Errorf("DCByID(%d) = %q, %v; want %q, %v", tt.id, dc.Address, ok, tt.want, tt.ok)
		}
	}
}

func TestServerKeysPEM(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "server.pem"), []byte("-----BEGIN RSA PUBLIC KEY-----\nAAAA\n-----END RSA PUBLIC KEY-----\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := New()
	cfg.configPath = filepath.Join(dir, ConfigFileName)
	cfg.ServerKeys = []string{
		"server.pem",
		"-----BEGIN PUBLIC KEY-----\nBBBB\n-----END PUBLIC KEY-----",
	}

	pem, err := cfg.ServerKeysPEM()
	if err != nil {
		t.Fatalf("ServerKeysPEM() error: %v", err)
	}
	if bytes.Count(pem, []byte("-----BEGIN")) != 2 {
		t.Errorf("ServerKeysPEM() = %q", pem)
	}

	cfg.ServerKeys = []string{"missing.pem"}
	if _, err := cfg.ServerKeysPEM(); errCode(err) != "E121" {
		t.Errorf("ServerKeysPEM(missing) error = %v, want E121", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "dc", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["dc"] != float64(2) {
		t.Errorf("record = %v", rec)
	}

	if l, err := ParseLevel("DEBUG"); err != nil || l != slog.LevelDebug {
		t.Errorf("ParseLevel(DEBUG) = %v, %v", l, err)
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	if err := New().SaveTo(filepath.Join(root, ConfigFileName)); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatalf("FindProjectRoot() error: %v", err)
	}
	if want, _ := filepath.Abs(root); got != want {
		t.Errorf("FindProjectRoot() = %q, want %q", got, want)
	}

	if _, err := Load(root); err != nil {
		t.Errorf("Load() error: %v", err)
	}
	if _, err := FindProjectRoot(t.TempDir()); errCode(err) != "E141" {
		t.Errorf("FindProjectRoot(empty) error = %v, want E141", err)
	}
}

func TestItoa(t *testing.T) {
	for n, want := range map[int]string{0: "0", 7: "7", 443: "443", -12: "-12"} {
		if got := itoa(n); got != want {
			t.Errorf("itoa(%d) = %q, want %q", n, got, want)
		}
	}
}
