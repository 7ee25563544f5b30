package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.DirectoryEndpoints)
	assert.Equal(t, "/topology/tikv/", cfg.DirectoryPrefix)
	assert.Equal(t, DefaultSubscribeMethod, cfg.SubscribeMethod)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3*time.Minute, cfg.ReadIdleTimeout)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, time.Minute, cfg.BackoffMax)
	assert.InDelta(t, 0.2, cfg.BackoffJitter, 1e-9)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 4096, cfg.BufferCapacity)
	assert.Equal(t, int64(64), cfg.MaxPendingTeardowns)
	assert.Equal(t, SinkModeGRPC, cfg.SinkMode)
	assert.Equal(t, "json", cfg.SinkCodec)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, uint32(0), cfg.DownsamplingSeconds())
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, "collector.yaml", `
directory:
  endpoints:
    - etcd-0:2379
    - etcd-1:2379
  prefix: /topology/store/
subscription:
  backoff_base: 250ms
  downsampling_interval: 15s
fleet:
  per_node_buffer_capacity: 128
sink:
  mode: log
log:
  level: debug
`)
	t.Setenv("TOPSQL_FLEET_PER_NODE_BUFFER_CAPACITY", "256")
	t.Setenv("TOPSQL_TOPOLOGY_DEBOUNCE_WINDOW", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.DirectoryEndpoints)
	assert.Equal(t, "/topology/store/", cfg.DirectoryPrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, uint32(15), cfg.DownsamplingSeconds())
	assert.Equal(t, 256, cfg.BufferCapacity)
	assert.Equal(t, 2*time.Second, cfg.DebounceWindow)
	assert.Equal(t, SinkModeLog, cfg.SinkMode)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEndpointsFromEnvList(t *testing.T) {
	t.Setenv("TOPSQL_DIRECTORY_ENDPOINTS", "10.0.0.1:2379, 10.0.0.2:2379,")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.DirectoryEndpoints)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestLoadRejectsMalformedEndpoint(t *testing.T) {
	t.Setenv("TOPSQL_DIRECTORY_ENDPOINTS", "etcd-0")
	_, err := Load("")
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "directory.endpoints", cerr.Key)
}

func TestLoadDownsamplingAcceptsBareSeconds(t *testing.T) {
	path := writeFile(t, "collector.yaml", `
subscription:
  downsampling_interval: 60
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(60), cfg.DownsamplingSeconds())

	t.Setenv("TOPSQL_SUBSCRIPTION_DOWNSAMPLING_INTERVAL", "30")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, uint32(30), cfg.DownsamplingSeconds())

	t.Setenv("TOPSQL_SUBSCRIPTION_DOWNSAMPLING_INTERVAL", "2m")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, uint32(120), cfg.DownsamplingSeconds())
}

func TestLoadDownsamplingRejectsOutOfRange(t *testing.T) {
	for _, raw := range []string{"9999999999999", "-5", "soon"} {
		t.Setenv("TOPSQL_SUBSCRIPTION_DOWNSAMPLING_INTERVAL", raw)
		_, err := Load("")
		var cerr *ConfigError
		require.ErrorAs(t, err, &cerr, raw)
		assert.Equal(t, "subscription.downsampling_interval", cerr.Key)
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"endpoint without port", func(c *Config) { c.DirectoryEndpoints = []string{"127.0.0.1"} }, "directory.endpoints"},
		{"endpoint bad port", func(c *Config) { c.DirectoryEndpoints = []string{"127.0.0.1:99999"} }, "directory.endpoints"},
		{"no endpoints", func(c *Config) { c.DirectoryEndpoints = nil }, "directory.endpoints"},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, "subscription.connect_timeout"},
		{"negative idle timeout", func(c *Config) { c.ReadIdleTimeout = -time.Second }, "subscription.read_idle_timeout"},
		{"zero backoff base", func(c *Config) { c.BackoffBase = 0 }, "subscription.backoff_base"},
		{"max below base", func(c *Config) { c.BackoffMax = c.BackoffBase / 2 }, "subscription.backoff_max"},
		{"jitter above one", func(c *Config) { c.BackoffJitter = 1.5 }, "subscription.backoff_jitter"},
		{"fractional downsampling", func(c *Config) { c.DownsamplingInterval = 1500 * time.Millisecond }, "subscription.downsampling_interval"},
		{"downsampling above cap", func(c *Config) { c.DownsamplingInterval = 48 * time.Hour }, "subscription.downsampling_interval"},
		{"negative debounce", func(c *Config) { c.DebounceWindow = -1 }, "topology.debounce_window"},
		{"zero buffer", func(c *Config) { c.BufferCapacity = 0 }, "fleet.per_node_buffer_capacity"},
		{"unknown sink", func(c *Config) { c.SinkMode = "kafka" }, "sink.mode"},
		{"unknown codec", func(c *Config) { c.SinkCodec = "xml" }, "sink.codec"},
		{"cert without key", func(c *Config) { c.TLSCertPath = "/tmp/crt.pem" }, "tls"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.key, cerr.Key)
		})
	}
}

func TestValidateLogSinkSkipsGRPCSettings(t *testing.T) {
	cfg := validConfig(t)
	cfg.SinkMode = SinkModeLog
	cfg.SinkGRPCAddr = ""
	cfg.SinkCodec = ""
	assert.NoError(t, cfg.Validate())
}

func TestTLSConfig(t *testing.T) {
	cfg := validConfig(t)
	tlsCfg, err := cfg.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsCfg, "disabled TLS yields no config")

	cfg.TLSEnabled = true
	cfg.TLSSkipVerify = true
	tlsCfg, err = cfg.TLSConfig()
	require.NoError(t, err)
	assert.True(t, tlsCfg.InsecureSkipVerify)

	cfg.TLSCAPath = writeFile(t, "ca.pem", "not a certificate")
	_, err = cfg.TLSConfig()
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "tls.ca_path", cerr.Key)

	cfg.TLSCAPath = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.TLSConfig()
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
