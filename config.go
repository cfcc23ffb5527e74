package socketio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/socketio-server-go/handshake"
	"github.com/ggoodman/socketio-server-go/sessions"
)

// Config is the server configuration. It can be loaded from a YAML file and
// SOCKETIO_* environment variables with LoadConfig. List values in the
// environment are separated by semicolons.
type Config struct {
	// Path is the handshake endpoint. ENV: SOCKETIO_PATH
	Path string `yaml:"path" env:"SOCKETIO_PATH"`
	// Addr is the listen address used by Run. ENV: SOCKETIO_ADDR
	Addr string `yaml:"addr" env:"SOCKETIO_ADDR"`
	// Transports enabled for new sessions. ENV: SOCKETIO_TRANSPORTS
	Transports []string `yaml:"transports" env:"SOCKETIO_TRANSPORTS"`
	// RandomSession ignores session ids presented by clients. ENV: SOCKETIO_RANDOM_SESSION
	RandomSession bool `yaml:"random_session" env:"SOCKETIO_RANDOM_SESSION"`

	FirstDataTimeout time.Duration `yaml:"first_data_timeout" env:"SOCKETIO_FIRST_DATA_TIMEOUT"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"SOCKETIO_PING_INTERVAL"`
	PingTimeout      time.Duration `yaml:"ping_timeout" env:"SOCKETIO_PING_TIMEOUT"`
	UpgradeTimeout   time.Duration `yaml:"upgrade_timeout" env:"SOCKETIO_UPGRADE_TIMEOUT"`

	// MaxHTTPBodyBytes bounds request bodies read by the router and the
	// polling transport. ENV: SOCKETIO_MAX_HTTP_BODY_BYTES
	MaxHTTPBodyBytes int64 `yaml:"max_http_body_bytes" env:"SOCKETIO_MAX_HTTP_BODY_BYTES"`

	// NodeID identifies this node in cluster events. Random when empty.
	NodeID string `yaml:"node_id" env:"SOCKETIO_NODE_ID"`

	// RedisAddr enables the Redis pub/sub store. ENV: SOCKETIO_REDIS_ADDR
	RedisAddr          string `yaml:"redis_addr" env:"SOCKETIO_REDIS_ADDR"`
	RedisChannelPrefix string `yaml:"redis_channel_prefix" env:"SOCKETIO_REDIS_CHANNEL_PREFIX"`

	// LogLevel is one of debug, info, warn, error. ENV: SOCKETIO_LOG_LEVEL
	LogLevel string `yaml:"log_level" env:"SOCKETIO_LOG_LEVEL"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	hs := handshake.DefaultConfig()
	transports := make([]string, 0, len(hs.Transports))
	for _, t := range hs.Transports {
		transports = append(transports, t.String())
	}
	return Config{
		Path:               hs.Path,
		Addr:               ":8080",
		Transports:         transports,
		FirstDataTimeout:   hs.FirstDataTimeout,
		PingInterval:       hs.PingInterval,
		PingTimeout:        hs.PingTimeout,
		UpgradeTimeout:     10 * time.Second,
		MaxHTTPBodyBytes:   hs.MaxPayload,
		RedisChannelPrefix: "socketio:",
		LogLevel:           "info",
	}
}

// LoadConfig starts from DefaultConfig, overlays the YAML file at path when
// path is not empty, then overlays any SOCKETIO_* environment variables. The
// result is validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if len(c.Transports) == 0 {
		errs = append(errs, errors.New("at least one transport must be enabled"))
	}
	for _, name := range c.Transports {
		if _, ok := sessions.ParseTransport(name); !ok {
			errs = append(errs, fmt.Errorf("unknown transport %q", name))
		}
	}
	if c.FirstDataTimeout < 0 {
		errs = append(errs, errors.New("first_data_timeout must not be negative"))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, errors.New("ping_interval must be positive"))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, errors.New("ping_timeout must be positive"))
	}
	if c.UpgradeTimeout < 0 {
		errs = append(errs, errors.New("upgrade_timeout must not be negative"))
	}
	if c.MaxHTTPBodyBytes <= 0 {
		errs = append(errs, errors.New("max_http_body_bytes must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel. An empty level is info.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

func (c Config) handshakeConfig() handshake.Config {
	transports := make([]sessions.Transport, 0, len(c.Transports))
	for _, name := range c.Transports {
		if t, ok := sessions.ParseTransport(name); ok {
			transports = append(transports, t)
		}
	}
	return handshake.Config{
		Path:             c.Path,
		Transports:       transports,
		RandomSession:    c.RandomSession,
		FirstDataTimeout: c.FirstDataTimeout,
		PingInterval:     c.PingInterval,
		PingTimeout:      c.PingTimeout,
		MaxPayload:       c.MaxHTTPBodyBytes,
	}
}
