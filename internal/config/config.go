package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type SinkMode string

const (
	SinkModeGRPC SinkMode = "grpc"
	SinkModeLog  SinkMode = "log"

	EnvPrefix              = "TOPSQL"
	DefaultSubscribeMethod = "/resource_usage_agent.ResourceMeteringPubSub/Subscribe"
	DefaultSinkMethod      = "/topsql.collector.v1.UsageSink/Forward"

	MaxDownsamplingInterval = 24 * time.Hour
)

type Config struct {
	InstanceID string

	DirectoryEndpoints   []string
	DirectoryPrefix      string
	DirectoryDialTimeout time.Duration
	DirectoryUsername    string
	DirectoryPassword    string

	SubscribeMethod      string
	ConnectTimeout       time.Duration
	ReadIdleTimeout      time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	BackoffJitter        float64
	DownsamplingInterval time.Duration

	DebounceWindow time.Duration

	BufferCapacity      int
	TeardownTimeout     time.Duration
	MaxPendingTeardowns int64

	SinkMode           SinkMode
	SinkGRPCAddr       string
	SinkGRPCMethod     string
	SinkCodec          string
	SinkToken          string
	SinkDialTimeout    time.Duration
	SinkReconnectDelay time.Duration

	TLSEnabled    bool
	TLSSkipVerify bool
	TLSCAPath     string
	TLSCertPath   string
	TLSKeyPath    string

	LogJSON  bool
	LogLevel string

	ProbeListenAddr   string
	MetricsListenAddr string
	ShutdownTimeout   time.Duration
}

// ConfigError reports an invalid or unreadable configuration. It is fatal at
// startup.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func invalid(key, format string, args ...any) error {
	return &ConfigError{Key: key, Err: fmt.Errorf(format, args...)}
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	v.SetDefault("instance_id", hostname)

	v.SetDefault("directory.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("directory.prefix", "/topology/tikv/")
	v.SetDefault("directory.dial_timeout", 5*time.Second)
	v.SetDefault("directory.username", "")
	v.SetDefault("directory.password", "")

	v.SetDefault("subscription.method", DefaultSubscribeMethod)
	v.SetDefault("subscription.connect_timeout", 5*time.Second)
	v.SetDefault("subscription.read_idle_timeout", 3*time.Minute)
	v.SetDefault("subscription.backoff_base", 1*time.Second)
	v.SetDefault("subscription.backoff_max", 60*time.Second)
	v.SetDefault("subscription.backoff_jitter", 0.2)
	v.SetDefault("subscription.downsampling_interval", time.Duration(0))

	v.SetDefault("topology.debounce_window", 500*time.Millisecond)

	v.SetDefault("fleet.per_node_buffer_capacity", 4096)
	v.SetDefault("fleet.teardown_timeout", 5*time.Second)
	v.SetDefault("fleet.max_pending_teardowns", 64)

	v.SetDefault("sink.mode", string(SinkModeGRPC))
	v.SetDefault("sink.grpc_addr", "127.0.0.1:3001")
	v.SetDefault("sink.grpc_method", DefaultSinkMethod)
	v.SetDefault("sink.codec", "json")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.dial_timeout", 8*time.Second)
	v.SetDefault("sink.reconnect_delay", 2*time.Second)

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.skip_verify", false)
	v.SetDefault("tls.ca_path", "")
	v.SetDefault("tls.cert_path", "")
	v.SetDefault("tls.key_path", "")

	v.SetDefault("log.json", true)
	v.SetDefault("log.level", "info")

	v.SetDefault("probe_addr", "0.0.0.0:7443")
	v.SetDefault("metrics_addr", "0.0.0.0:9464")
	v.SetDefault("shutdown_timeout", 20*time.Second)
}

// Load reads defaults, then the YAML file at path (or collector.yaml from the
// usual locations when path is empty), then TOPSQL_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collector")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/topsql-collector")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, &ConfigError{Err: fmt.Errorf("read config file: %w", err)}
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (Config, error) {
	endpoints, err := stringList(v.Get("directory.endpoints"))
	if err != nil {
		return Config{}, invalid("directory.endpoints", "%v", err)
	}
	downsampling, err := secondsOrDuration(v.Get("subscription.downsampling_interval"))
	if err != nil {
		return Config{}, invalid("subscription.downsampling_interval", "%v", err)
	}
	return Config{
		InstanceID: strings.TrimSpace(v.GetString("instance_id")),

		DirectoryEndpoints:   endpoints,
		DirectoryPrefix:      v.GetString("directory.prefix"),
		DirectoryDialTimeout: v.GetDuration("directory.dial_timeout"),
		DirectoryUsername:    v.GetString("directory.username"),
		DirectoryPassword:    v.GetString("directory.password"),

		SubscribeMethod:      strings.TrimSpace(v.GetString("subscription.method")),
		ConnectTimeout:       v.GetDuration("subscription.connect_timeout"),
		ReadIdleTimeout:      v.GetDuration("subscription.read_idle_timeout"),
		BackoffBase:          v.GetDuration("subscription.backoff_base"),
		BackoffMax:           v.GetDuration("subscription.backoff_max"),
		BackoffJitter:        v.GetFloat64("subscription.backoff_jitter"),
		DownsamplingInterval: downsampling,

		DebounceWindow: v.GetDuration("topology.debounce_window"),

		BufferCapacity:      v.GetInt("fleet.per_node_buffer_capacity"),
		TeardownTimeout:     v.GetDuration("fleet.teardown_timeout"),
		MaxPendingTeardowns: v.GetInt64("fleet.max_pending_teardowns"),

		SinkMode:           SinkMode(strings.ToLower(strings.TrimSpace(v.GetString("sink.mode")))),
		SinkGRPCAddr:       strings.TrimSpace(v.GetString("sink.grpc_addr")),
		SinkGRPCMethod:     strings.TrimSpace(v.GetString("sink.grpc_method")),
		SinkCodec:          strings.ToLower(strings.TrimSpace(v.GetString("sink.codec"))),
		SinkToken:          v.GetString("sink.token"),
		SinkDialTimeout:    v.GetDuration("sink.dial_timeout"),
		SinkReconnectDelay: v.GetDuration("sink.reconnect_delay"),

		TLSEnabled:    v.GetBool("tls.enabled"),
		TLSSkipVerify: v.GetBool("tls.skip_verify"),
		TLSCAPath:     v.GetString("tls.ca_path"),
		TLSCertPath:   v.GetString("tls.cert_path"),
		TLSKeyPath:    v.GetString("tls.key_path"),

		LogJSON:  v.GetBool("log.json"),
		LogLevel: strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),

		ProbeListenAddr:   strings.TrimSpace(v.GetString("probe_addr")),
		MetricsListenAddr: strings.TrimSpace(v.GetString("metrics_addr")),
		ShutdownTimeout:   v.GetDuration("shutdown_timeout"),
	}, nil
}

// secondsOrDuration reads a bare integer as whole seconds and anything else
// as a Go duration string ("90s", "2m").
func secondsOrDuration(raw any) (time.Duration, error) {
	switch val := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return val, nil
	case int:
		return seconds(int64(val))
	case int64:
		return seconds(val)
	case float64:
		if val != float64(int64(val)) {
			return 0, fmt.Errorf("%v is not a whole number of seconds", val)
		}
		return seconds(int64(val))
	case string:
		val = strings.TrimSpace(val)
		if val == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return seconds(n)
		}
		return time.ParseDuration(val)
	default:
		return 0, fmt.Errorf("unsupported value %v", raw)
	}
}

func seconds(n int64) (time.Duration, error) {
	if n < 0 || n > int64(MaxDownsamplingInterval/time.Second) {
		return 0, fmt.Errorf("%d seconds is out of range [0, %d]", n, int64(MaxDownsamplingInterval/time.Second))
	}
	return time.Duration(n) * time.Second, nil
}

// stringList accepts a YAML list or a comma separated string, the form
// environment variables take.
func stringList(raw any) ([]string, error) {
	var parts []string
	switch val := raw.(type) {
	case nil:
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected list item %v (%T)", item, item)
			}
			parts = append(parts, s)
		}
	default:
		return nil, fmt.Errorf("unexpected value %v (%T)", raw, raw)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c Config) Validate() error {
	if c.InstanceID == "" {
		return invalid("instance_id", "must not be empty")
	}
	if len(c.DirectoryEndpoints) == 0 {
		return invalid("directory.endpoints", "at least one endpoint is required")
	}
	for _, ep := range c.DirectoryEndpoints {
		if err := validateHostPort(ep); err != nil {
			return invalid("directory.endpoints", "%q: %v", ep, err)
		}
	}
	if strings.TrimSpace(c.DirectoryPrefix) == "" {
		return invalid("directory.prefix", "must not be empty")
	}
	if strings.TrimSpace(c.SubscribeMethod) == "" {
		return invalid("subscription.method", "must not be empty")
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"directory.dial_timeout", c.DirectoryDialTimeout},
		{"subscription.connect_timeout", c.ConnectTimeout},
		{"subscription.read_idle_timeout", c.ReadIdleTimeout},
		{"subscription.backoff_base", c.BackoffBase},
		{"subscription.backoff_max", c.BackoffMax},
		{"fleet.teardown_timeout", c.TeardownTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return invalid(p.key, "must be > 0, got %s", p.d)
		}
	}
	if c.BackoffMax < c.BackoffBase {
		return invalid("subscription.backoff_max", "must be >= backoff_base (%s), got %s", c.BackoffBase, c.BackoffMax)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return invalid("subscription.backoff_jitter", "must be within [0, 1], got %v", c.BackoffJitter)
	}
	if c.DownsamplingInterval < 0 || c.DownsamplingInterval%time.Second != 0 {
		return invalid("subscription.downsampling_interval", "must be a non-negative whole number of seconds, got %s", c.DownsamplingInterval)
	}
	if c.DownsamplingInterval > MaxDownsamplingInterval {
		return invalid("subscription.downsampling_interval", "must be <= %s, got %s", MaxDownsamplingInterval, c.DownsamplingInterval)
	}
	if c.DebounceWindow < 0 {
		return invalid("topology.debounce_window", "must be >= 0, got %s", c.DebounceWindow)
	}
	if c.BufferCapacity <= 0 {
		return invalid("fleet.per_node_buffer_capacity", "must be > 0, got %d", c.BufferCapacity)
	}
	if c.MaxPendingTeardowns <= 0 {
		return invalid("fleet.max_pending_teardowns", "must be > 0, got %d", c.MaxPendingTeardowns)
	}

	switch c.SinkMode {
	case SinkModeGRPC:
		if err := validateHostPort(c.SinkGRPCAddr); err != nil {
			return invalid("sink.grpc_addr", "%q: %v", c.SinkGRPCAddr, err)
		}
		if c.SinkGRPCMethod == "" {
			return invalid("sink.grpc_method", "is required for grpc mode")
		}
		switch c.SinkCodec {
		case "json", "cbor":
		default:
			return invalid("sink.codec", "unsupported codec %q", c.SinkCodec)
		}
		if c.SinkDialTimeout <= 0 {
			return invalid("sink.dial_timeout", "must be > 0, got %s", c.SinkDialTimeout)
		}
	case SinkModeLog:
	default:
		return invalid("sink.mode", "unsupported sink mode %q", c.SinkMode)
	}

	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return invalid("tls", "cert_path and key_path must be set together")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", "unsupported level %q", c.LogLevel)
	}
	if c.ProbeListenAddr == "" {
		return invalid("probe_addr", "is required")
	}
	return nil
}

// DownsamplingSeconds is the downsampling bucket width; 0 disables it.
func (c Config) DownsamplingSeconds() uint32 {
	return uint32(c.DownsamplingInterval / time.Second)
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, &ConfigError{Key: "tls.ca_path", Err: fmt.Errorf("read CA file: %w", err)}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, invalid("tls.ca_path", "no PEM certificates in %s", c.TLSCAPath)
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, invalid("tls", "both cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, &ConfigError{Key: "tls.cert_path", Err: fmt.Errorf("load cert/key: %w", err)}
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
