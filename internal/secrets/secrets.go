// Package secrets resolves credential references in configuration.
// "env:NAME" reads the environment, "file:name" reads a mounted secrets
// directory, and anything else is a literal value.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoProvider     = errors.New("no secret provider configured")
)

// Provider serves one reference scheme.
type Provider interface {
	Scheme() string
	Lookup(ctx context.Context, key string) (string, error)
	HealthCheck(ctx context.Context) error
}

type Config struct {
	EnableEnv  bool
	EnableFile bool
	FileDir    string
	CacheTTL   time.Duration
	Logger     *slog.Logger
}

func DefaultConfig() *Config {
	return &Config{
		EnableEnv:  true,
		EnableFile: true,
		FileDir:    "/run/secrets",
		CacheTTL:   5 * time.Minute,
	}
}

// Manager dispatches references to providers and remembers answers for
// CacheTTL.
type Manager struct {
	providers map[string]Provider
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	value   string
	expires time.Time
}

func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		providers: map[string]Provider{},
		ttl:       cfg.CacheTTL,
		logger:    logger.With("component", "secrets"),
		now:       time.Now,
		cache:     map[string]entry{},
	}
	if cfg.EnableEnv {
		m.Register(EnvProvider{})
	}
	if cfg.EnableFile {
		m.Register(FileProvider{Dir: cfg.FileDir})
	}
	if len(m.providers) == 0 {
		return nil, ErrNoProvider
	}
	return m, nil
}

// Register installs p, replacing any provider for the same scheme.
func (m *Manager) Register(p Provider) {
	m.providers[p.Scheme()] = p
}

// ParseSecretRef splits ref into scheme and key. ok is false for
// literals, URLs included.
func ParseSecretRef(ref string) (scheme, key string, ok bool) {
	s, k, found := strings.Cut(ref, ":")
	if !found || k == "" || (s != "env" && s != "file") {
		return "", ref, false
	}
	return s, k, true
}

// ResolveSecret returns what ref points at, or ref unchanged when it is
// a literal.
func (m *Manager) ResolveSecret(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := ParseSecretRef(ref)
	if !ok {
		return ref, nil
	}
	return m.Get(ctx, scheme, key)
}

func (m *Manager) Get(ctx context.Context, scheme, key string) (string, error) {
	ref := scheme + ":" + key
	now := m.now()

	m.mu.Lock()
	e, hit := m.cache[ref]
	m.mu.Unlock()
	if hit && now.Before(e.expires) {
		return e.value, nil
	}

	p, ok := m.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w for %q references", ErrNoProvider, scheme)
	}
	v, err := p.Lookup(ctx, key)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", ref, err)
	}

	m.mu.Lock()
	m.cache[ref] = entry{value: v, expires: now.Add(m.ttl)}
	m.mu.Unlock()
	m.logger.Debug("secret resolved", "scheme", scheme, "key", key)
	return v, nil
}

// ClearCache forgets every resolved value.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	clear(m.cache)
	m.mu.Unlock()
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for scheme, p := range m.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
