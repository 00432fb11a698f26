package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/provider"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
	"github.com/johnayoung/go-ohlcv-ingest/internal/validator"
)

// NewFromConfig opens storage, builds the provider clients, the retry
// engine and the provider manager from cfg and returns an ingestor over
// them. The caller owns the returned storage and must close it.
func NewFromConfig(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Ingestor, storage.Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, nil, apperrors.Fatal("ingestor", fmt.Errorf("open storage: %w", err))
	}

	in, err := NewBuilder().
		WithStorage(store).
		WithAppConfig(cfg).
		WithLogger(logger).
		Build()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return in, store, nil
}

// Builder assembles an Ingestor. Components left unset are built from the
// application config.
type Builder struct {
	store     storage.Storage
	providers Providers
	clients   []provider.Client
	engine    *apperrors.RetryEngine
	validator validator.Validator
	appConfig *config.AppConfig
	config    *Config
	logger    *slog.Logger
	opts      []Option
}

// NewBuilder creates a builder over the default application config.
func NewBuilder() *Builder {
	return &Builder{
		appConfig: config.DefaultConfig(),
		logger:    slog.Default(),
	}
}

// WithStorage sets the storage backend.
func (b *Builder) WithStorage(store storage.Storage) *Builder {
	b.store = store
	return b
}

// WithProviders sets a ready provider layer, bypassing client construction.
// The engine passed to WithEngine should be the one it uses.
func (b *Builder) WithProviders(p Providers) *Builder {
	b.providers = p
	return b
}

// WithClients sets the provider clients the manager fails over between.
func (b *Builder) WithClients(clients ...provider.Client) *Builder {
	b.clients = clients
	return b
}

// WithEngine sets the retry engine.
func (b *Builder) WithEngine(e *apperrors.RetryEngine) *Builder {
	b.engine = e
	return b
}

// WithValidator sets the validator.
func (b *Builder) WithValidator(v validator.Validator) *Builder {
	b.validator = v
	return b
}

// WithAppConfig sets the application config every unset component is built
// from.
func (b *Builder) WithAppConfig(cfg *config.AppConfig) *Builder {
	if cfg != nil {
		b.appConfig = cfg
	}
	return b
}

// WithConfig overrides the ingestor config derived from the application
// config.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = &cfg
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithClock replaces the wall clock.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.opts = append(b.opts, WithClock(now))
	return b
}

// Build wires the ingestor.
func (b *Builder) Build() (*Ingestor, error) {
	if b.store == nil {
		return nil, apperrors.Fatal("ingestor", fmt.Errorf("storage is required"))
	}

	engine := b.engine
	if engine == nil {
		engine = apperrors.NewRetryEngineFromConfig(b.appConfig.Retry, b.appConfig.CircuitBreaker, b.logger)
	}

	providers := b.providers
	if providers == nil {
		clients := b.clients
		if len(clients) == 0 {
			var err error
			clients, err = provider.NewClients(b.appConfig.Providers, b.logger)
			if err != nil {
				return nil, err
			}
		}
		mgr, err := provider.NewManager(clients, engine, b.store,
			provider.ManagerConfigFrom(b.appConfig.APIManager, b.appConfig.CircuitBreaker), b.logger)
		if err != nil {
			return nil, err
		}
		providers = mgr
	}

	v := b.validator
	if v == nil {
		v = validator.NewOHLCVValidator(validator.ConfigFrom(b.appConfig.Validator), b.logger)
	}

	cfg := ConfigFrom(b.appConfig)
	if b.config != nil {
		cfg = *b.config
	}
	return New(b.store, providers, engine, v, cfg, b.logger, b.opts...)
}
