package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "mailbot/pkg/logx"
)

// Manager owns the live config. Startup and every reload go through the same
// path: read the file (if any), overlay the environment, validate, commit.
// Subscribers only ever see configs that passed Validate.
type Manager struct {
	path   string
	lookup func(string) (string, bool)
	log    logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

// NewManager reads path (YAML or JSON). An empty path means the config comes
// from the environment alone.
func NewManager(path string) *Manager {
	return &Manager{path: strings.TrimSpace(path), lookup: os.LookupEnv, log: logx.Nop()}
}

// SetEnvLookup replaces os.LookupEnv.
func (m *Manager) SetEnvLookup(fn func(string) (string, bool)) {
	if fn != nil {
		m.lookup = fn
	}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// Load reads and validates the config and makes it current.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.hash = cfg, hashConfig(cfg)
	m.mu.Unlock()
	return cfg, nil
}

// Reload re-reads the config and, when it is valid and differs from the
// current one, commits and publishes it. An invalid config leaves the current
// one in place.
func (m *Manager) Reload() (changed bool, err error) {
	cfg, err := m.read()
	if err != nil {
		return false, err
	}
	if err := Validate(cfg); err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.Lock()
	if m.cfg != nil && h == m.hash {
		m.mu.Unlock()
		return false, nil
	}
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()

	m.publish(cfg)
	return true, nil
}

func (m *Manager) read() (*Config, error) {
	cfg := &Config{}
	if m.path != "" {
		data, err := os.ReadFile(m.path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(m.path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(m.path), err)
		}
	}
	if bad := applyEnv(cfg, m.lookup); len(bad) > 0 {
		m.log.Warn("ignoring invalid admin ids", logx.String("env", EnvAdminIDs), logx.Any("entries", bad))
	}
	return cfg, nil
}

func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish never blocks. A full subscriber loses its oldest pending config so
// the newest one gets in.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}
