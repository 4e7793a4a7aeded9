// Package config loads, validates, and hot-reloads the server's runtime
// settings. It keeps the teacher's internal/config surface
// (DefaultConfig/Load/Save/Validate, *Error types) but collapses the
// teacher's separate client/server JSON settings into a single
// ServerConfig read from TOML, and adds a fsnotify-driven Watch the
// teacher never had.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Protocol constants, per spec.md §7 ("External Interfaces"). These stay
// fixed by the RFC; they are exported here, next to the tunables that
// govern them, the way the teacher keeps ProtocolVersion/ChunkSize
// alongside ClientSettings/ServerSettings in its own config package.
const (
	ProtocolVersion  = 1
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	ExchangeLifetime = 247 * time.Second
	MaxPayload       = 1024
	PayloadMarker    = 0xFF
)

// ServerConfig is the full set of runtime knobs for a coapd instance.
type ServerConfig struct {
	BindHost string `toml:"bind_host"`
	BindPort int    `toml:"bind_port"`

	WorkerCount    int `toml:"worker_count"`
	QueueDepth     int `toml:"queue_depth"`
	MaxDatagramsPS int `toml:"max_datagrams_per_second"`

	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	// ExchangeLifetimeOverride lets tests shrink EXCHANGE_LIFETIME so
	// purge behavior doesn't require real 247s waits. Zero means "use
	// the protocol default", config.ExchangeLifetime.
	ExchangeLifetimeOverride time.Duration `toml:"exchange_lifetime_override"`
}

// DefaultConfig returns the settings a standalone coapd binds to when no
// config file is supplied, mirroring the teacher's DefaultClientSettings/
// DefaultServerSettings constructors.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		BindHost:       "::",
		BindPort:       5683,
		WorkerCount:    4,
		QueueDepth:     256,
		MaxDatagramsPS: 2000,
		LogLevel:       "info",
		MetricsAddr:    "",
	}
}

// ConfigError reports a failure reading or parsing the config file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError reports one invalid field, the same per-field shape as
// the teacher's own ValidationError in internal/config.
type ValidationError struct {
	Field string
	Value interface{}
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Msg)
}

// Load reads and parses a TOML config file, starting from DefaultConfig
// so unset fields keep their defaults.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// Save writes cfg to path in TOML form.
func Save(path string, cfg *ServerConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	return nil
}

// Validate checks every field of cfg, returning one ValidationError per
// violation (empty slice means valid), matching the teacher's pattern of
// collecting every ValidateX failure rather than stopping at the first.
func Validate(cfg *ServerConfig) []error {
	var errs []error

	if cfg.BindPort < 0 || cfg.BindPort > 65535 {
		errs = append(errs, &ValidationError{"bind_port", cfg.BindPort, "must be in [0, 65535]"})
	}
	if cfg.WorkerCount < 1 {
		errs = append(errs, &ValidationError{"worker_count", cfg.WorkerCount, "must be >= 1"})
	}
	if cfg.QueueDepth < 1 {
		errs = append(errs, &ValidationError{"queue_depth", cfg.QueueDepth, "must be >= 1"})
	}
	if cfg.MaxDatagramsPS < 0 {
		errs = append(errs, &ValidationError{"max_datagrams_per_second", cfg.MaxDatagramsPS, "must be >= 0"})
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{"log_level", cfg.LogLevel, "must be one of debug, info, warn, error"})
	}
	if cfg.ExchangeLifetimeOverride < 0 {
		errs = append(errs, &ValidationError{"exchange_lifetime_override", cfg.ExchangeLifetimeOverride, "must be >= 0"})
	}

	return errs
}

// Lifetime returns the configured exchange lifetime, falling back to the
// protocol default when no override is set.
func (c *ServerConfig) Lifetime() time.Duration {
	if c.ExchangeLifetimeOverride > 0 {
		return c.ExchangeLifetimeOverride
	}
	return ExchangeLifetime
}

// Watch reloads path whenever it changes on disk and invokes onChange
// with the freshly validated config, using fsnotify the way the teacher
// never needed to (its settings were loaded once at GUI startup). A
// config that fails to parse or validate after a write is silently
// skipped: onChange is simply not called, and the watch keeps running.
func Watch(path string, onChange func(*ServerConfig)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					continue
				}
				if errs := Validate(cfg); len(errs) > 0 {
					continue
				}
				onChange(cfg)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return &Watcher{w: w, done: done}, nil
}

// Watcher is an io.Closer stopping a Watch's background goroutine.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
