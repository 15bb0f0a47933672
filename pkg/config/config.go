// Package config loads the service configuration from an optional YAML file.
// Anything the file leaves out keeps the value from Default.
package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	LogLevel string `yaml:"log_level"`

	// Items are seeded into the store at startup so clients see them before
	// anyone has set them.
	Items []Item `yaml:"items"`

	Timers     TimersConfig     `yaml:"timers"`
	Persist    PersistConfig    `yaml:"persist"`
	Connection ConnectionConfig `yaml:"connection"`
}

type Item struct {
	Name string `yaml:"name"`
}

type TimersConfig struct {
	Workers int `yaml:"workers"`
}

type PersistConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type ConnectionConfig struct {
	SendTimeout    time.Duration `yaml:"send_timeout"`
	SendQueueLimit int           `yaml:"send_queue_limit"`
	// MessageRate is inbound messages per second per connection. Zero
	// disables limiting.
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
}

func Default() Config {
	return Config{
		Addr:     "localhost:8080",
		Database: "schalter.sqlite3",
		LogLevel: "info",
		Timers:   TimersConfig{Workers: 5},
		Persist:  PersistConfig{Attempts: 3, Backoff: 50 * time.Millisecond},
		Connection: ConnectionConfig{
			SendTimeout:    5 * time.Second,
			SendQueueLimit: 256,
			MessageRate:    20,
			MessageBurst:   40,
		},
	}
}

// Load reads path over Default. An empty path returns Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Items))
	for i, item := range c.Items {
		if item.Name == "" {
			return errors.Errorf("items[%d] has no name", i)
		}
		if seen[item.Name] {
			return errors.Errorf("item %q listed twice", item.Name)
		}
		seen[item.Name] = true
	}
	if c.Timers.Workers < 1 {
		return errors.New("timers.workers must be at least 1")
	}
	if c.Persist.Attempts < 1 {
		return errors.New("persist.attempts must be at least 1")
	}
	if c.Persist.Backoff < 0 || c.Connection.SendTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Connection.MessageRate < 0 || c.Connection.MessageBurst < 0 {
		return errors.New("connection rate limits must not be negative")
	}
	return nil
}

// ItemKeys returns the configured item names in file order.
func (c Config) ItemKeys() []string {
	keys := make([]string, 0, len(c.Items))
	for _, item := range c.Items {
		keys = append(keys, item.Name)
	}
	return keys
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Errorf("unknown log_level %q", c.LogLevel)
	}
	return level, nil
}
