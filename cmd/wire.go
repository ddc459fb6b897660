package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/teemow/draftsender/internal/compose"
	"github.com/teemow/draftsender/internal/config"
	"github.com/teemow/draftsender/internal/delivery"
	"github.com/teemow/draftsender/internal/gmail"
	"github.com/teemow/draftsender/internal/google"
	"github.com/teemow/draftsender/internal/instrumentation"
	"github.com/teemow/draftsender/internal/logging"
	"github.com/teemow/draftsender/internal/store"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	provider *instrumentation.Provider

	closeRepo func() error
	tokens    *google.Exchanger
	gmail     *gmail.Client
	composer  *compose.Composer
	service   *delivery.Service
}

func newLogger(cfg config.Config) *slog.Logger {
	logger := logging.New(os.Stderr, cfg.EffectiveLogLevel(), cfg.LogFormat)
	slog.SetDefault(logger)
	return logger
}

// newProvider creates the instrumentation provider. One-shot commands pass
// instrumented=false and get no-op metrics.
func newProvider(ctx context.Context, instrumented bool) (*instrumentation.Provider, instrumentation.Config, error) {
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	if !instrumented {
		instrConfig.Enabled = false
	}

	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return nil, instrConfig, fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	return provider, instrConfig, nil
}

func newExchanger(cfg config.Config, metrics *instrumentation.Metrics, logger *slog.Logger) *google.Exchanger {
	return google.NewExchanger(cfg.ServiceAccountEmail,
		google.WithTokenURL(cfg.TokenURL),
		google.WithIAMEndpoint(cfg.IAMEndpoint),
		google.WithMetrics(metrics),
		google.WithLogger(logger),
	)
}

func newRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return store.NewMemory(), func() error { return nil }, nil
	case config.StoreFirestore:
		fs, err := store.NewFirestore(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// newApp wires the delivery service from cfg.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, instrumented bool) (*app, error) {
	provider, instrConfig, err := newProvider(ctx, instrumented)
	if err != nil {
		return nil, err
	}
	metrics := provider.Metrics()

	repo, closeRepo, err := newRepository(ctx, cfg)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	if cfg.StoreBackend == config.StoreMemory {
		logger.Warn("using the in-memory document store, records are lost on exit")
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		provider:  provider,
		closeRepo: closeRepo,
		tokens:    newExchanger(cfg, metrics, logger),
		gmail: gmail.NewClient(gmail.ClientConfig{
			Endpoint: cfg.GmailEndpoint,
			Metrics:  metrics,
			Logger:   logger,
		}),
		composer: compose.New(compose.Config{
			TrackingBaseURL: cfg.TrackingBaseURL,
			PixelEndpoint:   cfg.TrackingPixelEndpoint,
			TrackingEnabled: cfg.Tracking(),
			SignatureHTML:   cfg.SignatureHTML,
		}),
	}

	a.service, err = delivery.NewService(delivery.Config{
		DelegatedUser:       cfg.DelegatedUser,
		DraftsCollection:    cfg.DraftsCollection,
		FollowupsCollection: cfg.FollowupsCollection,
		OpensCollection:     cfg.OpensCollection,
		ResendsCollection:   cfg.ResendsCollection,
		FetchSignature:      cfg.FetchGmailSignature,
		Scopes:              cfg.GmailScopes,
	}, delivery.Deps{
		Repository: repo,
		Tokens:     a.tokens,
		Transport:  a.gmail,
		Composer:   a.composer,
		Metrics: metrics,
		Audit:   instrumentation.NewAuditLogger(logger, instrConfig.Audit),
		Logger:  logger,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close releases the store client and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.closeRepo != nil {
		if err := a.closeRepo(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close document store: %w", err))
		}
	}
	if err := a.provider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down instrumentation: %w", err))
	}
	return errors.Join(errs...)
}
