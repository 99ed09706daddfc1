// Package config loads the route watcher's settings from flags, environment
// (MINIROUTE_*) and an optional config file through viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mini-route/codec"
	"mini-route/discovery"
)

const (
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
)

const EnvPrefix = "miniroute"

type Config struct {
	Backend        string
	Endpoints      []string
	SessionTimeout time.Duration
	Root           string
	Includes       string
	Excludes       string
	Backlog        int
	Codec          string
	LogLevel       string
	MetricsAddr    string
}

// Flags returns the flag set whose names double as viper keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("", pflag.ContinueOnError)
	fs.String("backend", BackendZooKeeper, "coordination backend: zookeeper or etcd")
	fs.StringSlice("endpoints", []string{"127.0.0.1:2181"}, "coordination servers")
	fs.Duration("session-timeout", 10*time.Second, "zookeeper session timeout or etcd dial timeout")
	fs.String("root", discovery.DefaultRoot, "coordination path whose children are route nodes")
	fs.String("includes", "", "wildcard patterns of endpoints to route to")
	fs.String("excludes", "", "wildcard patterns of endpoints never to route to")
	fs.Int("backlog", discovery.DefaultBacklog, "drain schedules allowed to wait before new ones are discarded")
	fs.String("codec", "json", "route payload format: json or binary")
	fs.String("log-level", "info", "the log level to run at")
	fs.String("metrics-addr", "", "address to serve /metrics on, empty disables")
	return fs
}

// NewViper returns a viper instance reading MINIROUTE_* variables and
// carrying the same defaults as Flags.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	Flags().VisitAll(func(f *pflag.Flag) {
		v.SetDefault(f.Name, f.DefValue)
	})
	v.SetDefault("endpoints", []string{"127.0.0.1:2181"})
	return v
}

// Load reads a Config out of v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Backend:        strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		Endpoints:      splitList(v.GetStringSlice("endpoints")),
		SessionTimeout: v.GetDuration("session-timeout"),
		Root:           v.GetString("root"),
		Includes:       v.GetString("includes"),
		Excludes:       v.GetString("excludes"),
		Backlog:        v.GetInt("backlog"),
		Codec:          v.GetString("codec"),
		LogLevel:       v.GetString("log-level"),
		MetricsAddr:    v.GetString("metrics-addr"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both list values and comma separated strings, as
// environment variables deliver the latter.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendZooKeeper, BackendEtcd:
	default:
		return errors.Errorf("config: unknown backend %q", c.Backend)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("config: no endpoints")
	}
	if c.SessionTimeout <= 0 {
		return errors.Errorf("config: session-timeout must be positive, got %s", c.SessionTimeout)
	}
	if !strings.HasPrefix(c.Root, "/") || c.Root == "/" {
		return errors.Errorf("config: root must be an absolute non-root path, got %q", c.Root)
	}
	if c.Backlog <= 0 {
		return errors.Errorf("config: backlog must be positive, got %d", c.Backlog)
	}
	if _, err := codec.ParseType(c.Codec); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

// CodecType is the payload format named by Codec. Call after Validate.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseType(c.Codec)
	return t
}
