// Package config loads the pglink daemon configuration: where the admin
// API listens, default pool sizing, and the named connection targets the
// pools dial. Targets reference a URI, a DBI-style DSN, or a libpq
// service name.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for pglink.
type Config struct {
	Listen   ListenConfig            `yaml:"listen"`
	Defaults PoolDefaults            `yaml:"defaults"`
	Targets  map[string]TargetConfig `yaml:"targets"`
}

// ListenConfig defines the admin API bind address.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
}

// PoolDefaults defines pool settings applied when targets don't override.
type PoolDefaults struct {
	MinConns       int           `yaml:"min_connections"`
	MaxConns       int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// TargetConfig names one connection target. Exactly one of URI, DSN or
// Service must be set.
type TargetConfig struct {
	URI     string `yaml:"uri,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
	Service string `yaml:"service,omitempty"`

	MinConns       *int           `yaml:"min_connections,omitempty"`
	MaxConns       *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
}

// Connstring returns whichever target reference is set.
func (t TargetConfig) Connstring() string {
	switch {
	case t.URI != "":
		return t.URI
	case t.DSN != "":
		return t.DSN
	default:
		return t.Service
	}
}

// EffectiveMinConns returns the target's min connections or the default.
func (t TargetConfig) EffectiveMinConns(defaults PoolDefaults) int {
	if t.MinConns != nil {
		return *t.MinConns
	}
	return defaults.MinConns
}

// EffectiveMaxConns returns the target's max connections or the default.
func (t TargetConfig) EffectiveMaxConns(defaults PoolDefaults) int {
	if t.MaxConns != nil {
		return *t.MaxConns
	}
	return defaults.MaxConns
}

// EffectiveIdleTimeout returns the target's idle timeout or the default.
func (t TargetConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if t.IdleTimeout != nil {
		return *t.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the target's max lifetime or the default.
func (t TargetConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if t.MaxLifetime != nil {
		return *t.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the target's acquire timeout or the default.
func (t TargetConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if t.AcquireTimeout != nil {
		return *t.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// EffectiveDialTimeout returns the target's dial timeout or the default.
func (t TargetConfig) EffectiveDialTimeout(defaults PoolDefaults) time.Duration {
	if t.DialTimeout != nil {
		return *t.DialTimeout
	}
	return defaults.DialTimeout
}

// Redacted returns a copy of the target with credentials masked out of the
// URI/DSN for logging and the admin API.
func (t TargetConfig) Redacted() TargetConfig {
	c := t
	if c.URI != "" {
		c.URI = credentialPattern.ReplaceAllString(c.URI, "${1}:***@")
	}
	if c.DSN != "" {
		c.DSN = dsnPasswordPattern.ReplaceAllString(c.DSN, "password=***")
	}
	return c
}

var (
	credentialPattern  = regexp.MustCompile(`(//[^:/@]+):[^@]*@`)
	dsnPasswordPattern = regexp.MustCompile(`password=[^;]*`)
	envVarPattern      = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConns == 0 {
		cfg.Defaults.MinConns = 1
	}
	if cfg.Defaults.MaxConns == 0 {
		cfg.Defaults.MaxConns = 10
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	for name, target := range cfg.Targets {
		set := 0
		for _, v := range []string{target.URI, target.DSN, target.Service} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("target %q: exactly one of uri, dsn or service is required", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
