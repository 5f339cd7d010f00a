// Package config loads the YAML configuration of the mbeand and mbeanctl
// binaries.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"mbean-remoting/codec"
	"mbean-remoting/message"
	"mbean-remoting/rpcerr"
)

// Duration is a time.Duration written as "30s" or "1m" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Trace(err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.NotValidf("duration %q", s)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
	Etcd   Etcd   `yaml:"etcd"`
	Log    Log    `yaml:"log"`
}

type Server struct {
	Listen            string    `yaml:"listen"`
	Advertise         string    `yaml:"advertise"`
	Domain            string    `yaml:"domain"`
	Routing           []string  `yaml:"routing"` // tags served by the in-memory bean server besides the default
	Codec             string    `yaml:"codec"`
	HandlerTimeout    Duration  `yaml:"handler_timeout"`
	RateLimit         RateLimit `yaml:"rate_limit"`
	HeartbeatInterval Duration  `yaml:"heartbeat_interval"`
	IdleTimeout       Duration  `yaml:"idle_timeout"`
	ShutdownTimeout   Duration  `yaml:"shutdown_timeout"`
	Metrics           string    `yaml:"metrics"` // address of the /metrics endpoint, "" disables it
}

// RateLimit is disabled when RPS is zero.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Client struct {
	Address           string   `yaml:"address"`
	Routing           string   `yaml:"routing"`
	Codec             string   `yaml:"codec"`
	Timeout           Duration `yaml:"timeout"`
	NotificationTTL   Duration `yaml:"notification_ttl"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Etcd is disabled when no endpoint is given.
type Etcd struct {
	Endpoints   []string `yaml:"endpoints"`
	LeaseTTL    int64    `yaml:"lease_ttl"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

func (e Etcd) Enabled() bool { return len(e.Endpoints) > 0 }

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Server: Server{
			Listen:            ":9875",
			Domain:            "DefaultDomain",
			Codec:             codec.CodecTypeBinary.String(),
			HeartbeatInterval: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(5 * time.Second),
		},
		Client: Client{
			Address:           "127.0.0.1:9875",
			Codec:             codec.CodecTypeBinary.String(),
			Timeout:           Duration(30 * time.Second),
			NotificationTTL:   Duration(10 * time.Minute),
			HeartbeatInterval: Duration(10 * time.Second),
		},
		Etcd: Etcd{
			LeaseTTL:    10,
			DialTimeout: Duration(5 * time.Second),
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(rpcerr.Configuration, "parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Annotatef(err, "%s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for _, name := range []string{c.Server.Codec, c.Client.Codec} {
		if _, ok := codec.ParseType(name); !ok {
			return errors.Annotatef(rpcerr.Configuration, "unknown codec %q", name)
		}
	}
	for _, tag := range append([]string{c.Client.Routing}, c.Server.Routing...) {
		if len(tag) > message.MaxRoutingLen {
			return errors.Annotatef(rpcerr.Configuration, "routing tag %.16q... is longer than %d bytes", tag, message.MaxRoutingLen)
		}
	}
	if c.Server.RateLimit.RPS < 0 || (c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst < 1) {
		return errors.Annotatef(rpcerr.Configuration, "rate limit of %v rps with burst %d", c.Server.RateLimit.RPS, c.Server.RateLimit.Burst)
	}
	if c.Client.Timeout < 0 || c.Client.NotificationTTL < 0 || c.Server.HandlerTimeout < 0 {
		return errors.Annotate(rpcerr.Configuration, "negative timeout")
	}
	if c.Etcd.Enabled() && c.Etcd.LeaseTTL <= 0 {
		return errors.Annotatef(rpcerr.Configuration, "etcd lease ttl %d", c.Etcd.LeaseTTL)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Annotatef(rpcerr.Configuration, "log level %q", c.Log.Level)
	}
	return nil
}

// Build returns a logger for the configured level; development mode writes
// human-readable output.
func (l Log) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Annotatef(rpcerr.Configuration, "log level %q", l.Level)
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	return logger, errors.Trace(err)
}

// CodecType returns the parsed codec name; call after Validate.
func CodecType(name string) codec.CodecType {
	ct, _ := codec.ParseType(name)
	return ct
}
