package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/mtproto/internal/config"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/network"
	"github.com/vango-dev/mtproto/pkg/storage"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

func testKey(seed byte) []byte {
	key := make([]byte, 256)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"rpc", fmt.Errorf("call: %w", &network.RPCError{Code: 420, Message: "FLOOD_WAIT_3"}), "E065"},
		{"handshake", fmt.Errorf("auth: %w", handshake.ErrNoMatchingKey), "E061"},
		{"timeout", network.ErrRPCTimeout, "E062"},
		{"deadline", context.DeadlineExceeded, "E062"},
		{"exists", network.ErrManagerAlreadyExists, "E063"},
		{"destroyed", network.ErrDestroyed, "E064"},
		{"unknown dc", fmt.Errorf("%w: 9", network.ErrUnknownDC), "E142"},
		{"store closed", storage.ErrStoreClosed{}, "E082"},
		{"transport", &transport.TransportError{Op: "recv", DC: 2, Err: errors.New("eof")}, "E060"},
		{"coded", mterrors.New("E141"), "E141"},
		{"other", errors.New("boom"), "E060"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e *mterrors.Error
			if err := describe(tt.err); !errors.As(err, &e) || e.Code != tt.code {
				t.Errorf("describe(%v) = %v, want %s", tt.err, err, tt.code)
			}
		})
	}

	if err := describe(nil); err != nil {
		t.Errorf("describe(nil) = %v, want nil", err)
	}
}

func TestReadRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	if err := os.WriteFile(path, []byte(`{"_":"help.getConfig"}`), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		arg  string
		want string
	}{
		{`{"_":"help.getNearestDc"}`, `{"_":"help.getNearestDc"}`},
		{"@" + path, `{"_":"help.getConfig"}`},
		{"-", `{"_":"updates.getState"}`},
	}
	for _, tt := range tests {
		got, err := readRequest(tt.arg, strings.NewReader(`{"_":"updates.getState"}`))
		if err != nil {
			t.Fatalf("readRequest(%q) error = %v", tt.arg, err)
		}
		if string(got) != tt.want {
			t.Errorf("readRequest(%q) = %s, want %s", tt.arg, got, tt.want)
		}
	}

	var e *mterrors.Error
	if _, err := readRequest("@"+filepath.Join(t.TempDir(), "nope.json"), nil); !errors.As(err, &e) || e.Code != "E140" {
		t.Errorf("readRequest(missing file) error = %v, want E140", err)
	}
}

func TestCallFlagsOptions(t *testing.T) {
	opts, err := (&callFlags{kind: "upload", dc: 4, timeout: time.Second}).options()
	if err != nil {
		t.Fatalf("options() error = %v", err)
	}
	if len(opts) != 3 {
		t.Errorf("len(options()) = %d, want 3", len(opts))
	}
	if opts, _ := (&callFlags{kind: "main"}).options(); len(opts) != 1 {
		t.Errorf("len(options()) with defaults = %d, want 1", len(opts))
	}

	var e *mterrors.Error
	if _, err := (&callFlags{kind: "video"}).options(); !errors.As(err, &e) || e.Code != "E140" {
		t.Errorf("options() with bad kind error = %v, want E140", err)
	}
}

func TestConfigInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deploy")

	path, err := runConfigInit(dir, 12345, false)
	if err != nil {
		t.Fatalf("runConfigInit() error = %v", err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.APIID != 12345 || cfg.DC.ID != 2 {
		t.Errorf("loaded config = apiId %d, dc %d", cfg.APIID, cfg.DC.ID)
	}

	var e *mterrors.Error
	if _, err := runConfigInit(dir, 1, false); !errors.As(err, &e) || e.Code != "E140" {
		t.Errorf("second runConfigInit() error = %v, want E140", err)
	}
	if _, err := runConfigInit(dir, 1, true); err != nil {
		t.Errorf("runConfigInit(force) error = %v", err)
	}
}

func TestLoadConfigFlag(t *testing.T) {
	t.Cleanup(func() { configPath = "" })

	configPath = filepath.Join(t.TempDir(), config.ConfigFileName)
	var e *mterrors.Error
	if _, err := loadConfig(); !errors.As(err, &e) || e.Code != "E141" {
		t.Fatalf("loadConfig() for missing file error = %v, want E141", err)
	}

	if _, err := runConfigInit(filepath.Dir(configPath), 7, false); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.APIID != 7 {
		t.Errorf("APIID = %d, want 7", cfg.APIID)
	}
}

func TestShowAndDeleteKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()

	if err := store.SetAuthKey(ctx, 2, testKey(1)); err != nil {
		t.Fatal(err)
	}
	if err := store.SetTempAuthKey(ctx, 2, 1, testKey(2), now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.SetAuthKey(ctx, 4, testKey(3)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := showKeys(ctx, &buf, store, 2, 2, now); err != nil {
		t.Fatalf("showKeys() error = %v", err)
	}
	wantID, _ := keyID(testKey(1))
	out := buf.String()
	if !strings.Contains(out, "permanent: "+wantID) {
		t.Errorf("showKeys() output missing permanent id %s:\n%s", wantID, out)
	}
	if !strings.Contains(out, "temp[1]:") || strings.Contains(out, "temp[0]:") {
		t.Errorf("showKeys() temp lines wrong:\n%s", out)
	}
	if len(wantID) != 16 {
		t.Errorf("key id %q is not 8 bytes of hex", wantID)
	}

	if err := deleteKeys(ctx, store, 2, false); err != nil {
		t.Fatalf("deleteKeys(dc 2) error = %v", err)
	}
	if key, _ := store.AuthKey(ctx, 2); key != nil {
		t.Error("dc 2 key survived deleteKeys")
	}
	if key, _ := store.AuthKey(ctx, 4); key == nil {
		t.Error("dc 4 key deleted with dc 2")
	}

	if err := deleteKeys(ctx, store, 0, true); err != nil {
		t.Fatalf("deleteKeys(all) error = %v", err)
	}
	buf.Reset()
	if err := showKeys(ctx, &buf, store, 4, 1, now); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "permanent: none") {
		t.Errorf("showKeys() after delete all:\n%s", buf.String())
	}

	store.Close()
	var e *mterrors.Error
	if err := showKeys(ctx, &buf, store, 2, 1, now); !errors.As(err, &e) || e.Code != "E082" {
		t.Errorf("showKeys() on closed store error = %v, want E082", err)
	}
}

func TestPrintIDs(t *testing.T) {
	entries, err := tl.ParseSchema(`
pong#347773c5 msg_id:long ping_id:long = Pong;
ping#7abe77ec ping_id:long = Pong;
`)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printIDs(&buf, entries, true); err != nil {
		t.Fatalf("printIDs() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printIDs() printed %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "7abe77ec  ping ") {
		t.Errorf("first line = %q, want ping first when sorted", lines[0])
	}
	if entries[0].Name != "pong" {
		t.Error("printIDs() reordered the caller's slice")
	}

	constructors, methods := countKinds(entries)
	if constructors != 2 || methods != 0 {
		t.Errorf("countKinds() = %d, %d", constructors, methods)
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"config", "schema", "keys", "ping", "call", "serve", "version"}
	for _, name := range want {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}

func TestVersionJSON(t *testing.T) {
	cmd := versionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version --json error = %v", err)
	}
	var got buildInfo
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("version --json output %q: %v", buf.String(), err)
	}
	if got.Version != version || got.Layer != tl.Layer {
		t.Errorf("version --json = %+v", got)
	}
}
