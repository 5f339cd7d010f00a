package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"mbean-remoting/codec"
	"mbean-remoting/rpcerr"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil || cfg.Client.Timeout.D() != 30*time.Second {
		t.Fatalf("Load(\"\") = %+v, %v", cfg.Client, err)
	}
}

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbean.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := write(t, `
server:
  listen: 127.0.0.1:7000
  routing: [cache]
  codec: json
  handler_timeout: 250ms
  rate_limit: {rps: 100, burst: 10}
client:
  timeout: 2s
etcd:
  endpoints: [127.0.0.1:2379]
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != "127.0.0.1:7000" || cfg.Server.Routing[0] != "cache" {
		t.Errorf("unexpected server section %+v", cfg.Server)
	}
	if CodecType(cfg.Server.Codec) != codec.CodecTypeJSON {
		t.Errorf("expect json codec, got %q", cfg.Server.Codec)
	}
	if cfg.Server.HandlerTimeout.D() != 250*time.Millisecond || cfg.Client.Timeout.D() != 2*time.Second {
		t.Errorf("durations not parsed: %v %v", cfg.Server.HandlerTimeout.D(), cfg.Client.Timeout.D())
	}
	// Unset keys keep their defaults.
	if cfg.Client.NotificationTTL.D() != 10*time.Minute || cfg.Etcd.LeaseTTL != 10 {
		t.Errorf("defaults lost: %+v %+v", cfg.Client, cfg.Etcd)
	}
	if !cfg.Etcd.Enabled() {
		t.Error("expect etcd enabled")
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"codec":    "client: {codec: xml}",
		"duration": "client: {timeout: soon}",
		"rate":     "server: {rate_limit: {rps: 5, burst: 0}}",
		"level":    "log: {level: loud}",
		"lease":    "etcd: {endpoints: [a:1], lease_ttl: 0}",
	}
	for name, content := range cases {
		if _, err := Load(write(t, content)); !errors.Is(err, rpcerr.Configuration) {
			t.Errorf("%s: expect configuration error, got %v", name, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expect missing file to fail")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	data, err := yaml.Marshal(Default().Client)
	if err != nil {
		t.Fatal(err)
	}
	var c Client
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatal(err)
	}
	if c != Default().Client {
		t.Fatalf("expect %+v, got %+v", Default().Client, c)
	}
}

func TestLogBuild(t *testing.T) {
	logger, err := Log{Level: "warn"}.Build()
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("debug must be disabled at warn level")
	}
	if _, err := (Log{Level: "nope"}).Build(); !errors.Is(err, rpcerr.Configuration) {
		t.Errorf("expect configuration error, got %v", err)
	}
}
