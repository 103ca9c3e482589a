package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPassword is the documented insecure default. Any real deployment
// must override it through the config file or RELAY_PRODUCER_PASSWORD.
const DefaultPassword = "changeme"

const (
	EnvProducerUsername = "RELAY_PRODUCER_USERNAME"
	EnvProducerPassword = "RELAY_PRODUCER_PASSWORD"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: duration must be >= 0", node.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
	Gzip     bool   `yaml:"gzip"`

	Channels []string `yaml:"channels"`
	// Source is the channel the producer speaks on.
	Source string `yaml:"source"`

	Producer  ProducerConfig  `yaml:"producer"`
	Listener  ListenerConfig  `yaml:"listener"`
	Transform TransformConfig `yaml:"transform"`
}

type ProducerConfig struct {
	Username      string  `yaml:"username"`
	Password      string  `yaml:"password"`
	MaxChunkBytes int64   `yaml:"max_chunk_bytes"`
	AuthRate      float64 `yaml:"auth_rate"`
	AuthBurst     int     `yaml:"auth_burst"`
}

type ListenerConfig struct {
	SendQueue    int      `yaml:"send_queue"`
	PingInterval Duration `yaml:"ping_interval"`
}

type TransformConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Routes    []RouteConfig `yaml:"routes"`
}

type RouteConfig struct {
	Channel string   `yaml:"channel"`
	Delay   Duration `yaml:"delay"`
}

func DefaultConfig() Config {
	return Config{
		Addr:     "localhost:8080",
		LogLevel: "info",
		Gzip:     true,
		Channels: []string{"de", "en", "ru"},
		Source:   "de",
		Producer: ProducerConfig{
			Username:      "technician",
			Password:      DefaultPassword,
			MaxChunkBytes: 64 << 10,
			AuthRate:      1,
			AuthBurst:     5,
		},
		Listener: ListenerConfig{
			SendQueue:    64,
			PingInterval: Duration(30 * time.Second),
		},
		Transform: TransformConfig{
			Workers:   1,
			QueueSize: 256,
			Routes: []RouteConfig{
				{Channel: "de"},
				{Channel: "en", Delay: Duration(500 * time.Millisecond)},
				{Channel: "ru", Delay: Duration(500 * time.Millisecond)},
			},
		},
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig, applies
// environment overrides and validates the result. An empty path uses the
// defaults alone.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("trailing documents")
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvProducerUsername); ok && v != "" {
		c.Producer.Username = v
	}
	if v, ok := lookup(EnvProducerPassword); ok && v != "" {
		c.Producer.Password = v
	}
}

func (c Config) Validate() error {
	set, err := c.ChannelSet()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !set.Contains(Channel(c.Source)) {
		return fmt.Errorf("config: source %q is not a configured channel", c.Source)
	}
	for _, r := range c.Transform.Routes {
		if !set.Contains(Channel(r.Channel)) {
			return fmt.Errorf("config: route to unknown channel %q", r.Channel)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(c.Producer.Username) == "" {
		return errors.New("config: producer.username is required")
	}
	if c.Producer.Password == "" {
		return errors.New("config: producer.password is required")
	}
	if strings.Contains(c.Producer.Username, ":") {
		return errors.New("config: producer.username must not contain ':'")
	}
	switch {
	case c.Producer.MaxChunkBytes <= 0:
		return errors.New("config: producer.max_chunk_bytes must be > 0")
	case c.Producer.AuthRate <= 0 || c.Producer.AuthBurst <= 0:
		return errors.New("config: producer.auth_rate and auth_burst must be > 0")
	case c.Listener.SendQueue <= 0:
		return errors.New("config: listener.send_queue must be > 0")
	case c.Transform.Workers <= 0 || c.Transform.QueueSize <= 0:
		return errors.New("config: transform.workers and queue_size must be > 0")
	}
	return nil
}

func (c Config) HasTLS() bool {
	return c.TLSKey != "" && c.TLSCert != ""
}

func (c Config) ChannelSet() (ChannelSet, error) {
	return NewChannelSet(c.Channels...)
}

func (c Config) Credentials() Credentials {
	return Credentials{Username: c.Producer.Username, Password: c.Producer.Password}
}

func (c Config) InsecurePassword() bool {
	return c.Producer.Password == DefaultPassword
}

func (c Config) Routes() []Route {
	routes := make([]Route, 0, len(c.Transform.Routes))
	for _, r := range c.Transform.Routes {
		routes = append(routes, Route{Channel: Channel(r.Channel), Delay: time.Duration(r.Delay)})
	}
	return routes
}

// ParseLevel maps a level name like "debug" or "WARN" to a slog.Level.
func ParseLevel(str string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(str)) {
	case slog.LevelError.String():
		return slog.LevelError, nil
	case slog.LevelWarn.String(), "WARNING":
		return slog.LevelWarn, nil
	case slog.LevelInfo.String(), "":
		return slog.LevelInfo, nil
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("invalid slog log level: %q", str)
}
