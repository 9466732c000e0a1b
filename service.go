package unifs

import (
	"sync"

	"github.com/gobeaver/beaver-kit/config"
	"github.com/gobeaver/unifs/internal/logging"
)

// Global instance
var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
	defaultErr      error
)

// Builder provides a way to create registries with custom env prefixes
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// New creates a registry using the builder's prefix
func (b *Builder) New(secrets SecretStore) (*Registry, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return New(cfg, secrets)
}

// Init initializes the process-wide registry. Only the first call has an
// effect; later calls return the first call's error.
func Init(cfg *Config, secrets SecretStore) error {
	defaultOnce.Do(func() {
		if cfg == nil {
			cfg, defaultErr = GetConfig()
			if defaultErr != nil {
				return
			}
		}
		defaultRegistry, defaultErr = New(cfg, secrets)
	})
	return defaultErr
}

// New builds a registry from cfg. When secrets is nil and cfg names a
// credentials file, the file is loaded.
func New(cfg *Config, secrets SecretStore) (*Registry, error) {
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, err
	}

	if secrets == nil && cfg.CredentialsFile != "" {
		store, err := LoadSecretsFile(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		secrets = store
	}

	return Build(&Environment{
		Config:  cfg,
		Secrets: secrets,
		Logger:  logging.L(),
	})
}

// Default returns the process-wide registry, initializing it from the
// environment on first use.
func Default() (*Registry, error) {
	if err := Init(nil, nil); err != nil {
		return nil, err
	}
	return defaultRegistry, nil
}

// Reset clears the global instance (for testing)
func Reset() {
	if defaultRegistry != nil {
		_ = defaultRegistry.Close()
	}
	defaultRegistry = nil
	defaultOnce = sync.Once{}
	defaultErr = nil
}
