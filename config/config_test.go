package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-route/codec"
	"mini-route/discovery"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, BackendZooKeeper, cfg.Backend)
	assert.Equal(t, []string{"127.0.0.1:2181"}, cfg.Endpoints)
	assert.Equal(t, 10*time.Second, cfg.SessionTimeout)
	assert.Equal(t, discovery.DefaultRoot, cfg.Root)
	assert.Equal(t, discovery.DefaultBacklog, cfg.Backlog)
	assert.Equal(t, codec.CodecTypeJSON, cfg.CodecType())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("MINIROUTE_BACKEND", "ETCD")
	t.Setenv("MINIROUTE_ENDPOINTS", "10.0.0.1:2379, 10.0.0.2:2379")
	t.Setenv("MINIROUTE_SESSION_TIMEOUT", "3s")
	t.Setenv("MINIROUTE_INCLUDES", "10.0.0.*")
	t.Setenv("MINIROUTE_CODEC", "binary")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, BackendEtcd, cfg.Backend)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Endpoints)
	assert.Equal(t, 3*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "10.0.0.*", cfg.Includes)
	assert.Equal(t, codec.CodecTypeBinary, cfg.CodecType())
}

func TestFlags(t *testing.T) {
	v := NewViper()
	fs := Flags()
	require.NoError(t, v.BindPFlags(fs))
	require.NoError(t, fs.Parse([]string{
		"--root", "/svc/routes",
		"--backlog", "16",
		"--endpoints", "a:2181,b:2181",
	}))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/svc/routes", cfg.Root)
	assert.Equal(t, 16, cfg.Backlog)
	assert.Equal(t, []string{"a:2181", "b:2181"}, cfg.Endpoints)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: etcd
endpoints:
  - 127.0.0.1:2379
excludes: "*:9001"
log-level: debug
`), 0o600))

	v := NewViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, BackendEtcd, cfg.Backend)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Endpoints)
	assert.Equal(t, "*:9001", cfg.Excludes)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backend:        BackendZooKeeper,
			Endpoints:      []string{"127.0.0.1:2181"},
			SessionTimeout: time.Second,
			Root:           "/mini-rpc/routes",
			Backlog:        1,
			Codec:          "json",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "consul" }},
		{"no endpoints", func(c *Config) { c.Endpoints = nil }},
		{"zero timeout", func(c *Config) { c.SessionTimeout = 0 }},
		{"relative root", func(c *Config) { c.Root = "routes" }},
		{"slash root", func(c *Config) { c.Root = "/" }},
		{"zero backlog", func(c *Config) { c.Backlog = 0 }},
		{"unknown codec", func(c *Config) { c.Codec = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
