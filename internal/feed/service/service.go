// Package service builds the application object once and hands its components to the
// HTTP surface. Nothing else in the module keeps shared state in package globals.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"feedbridge/config"
	"feedbridge/internal/feed/buffer"
	"feedbridge/internal/feed/chart"
	"feedbridge/internal/feed/connection"
	"feedbridge/internal/feed/imagecache"
	"feedbridge/internal/feed/memorystore"
	"feedbridge/internal/feed/normalize"
	"feedbridge/internal/feed/tokenlist"
	"feedbridge/pkg/feed"
	"feedbridge/pkg/storage/postgres"

	"go.uber.org/zap"
)

type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	Manager *connection.Manager
	History *feed.RESTClient
	Images  *imagecache.Cache
	Assets  *memorystore.AssetStore
	Bars    *memorystore.BarStore
	Chart   *chart.Adapter
	Tokens  *tokenlist.View

	db *postgres.PostgresClient
}

type options struct {
	dialer   connection.Dialer
	settings chart.SettingsStore
	client   *http.Client
}

type Option func(*options)

// WithDialer replaces the websocket dialer.
func WithDialer(d connection.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithSettingsStore replaces the configured chart settings store.
func WithSettingsStore(s chart.SettingsStore) Option {
	return func(o *options) { o.settings = s }
}

// WithHTTPClient is used for image prefetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	resolutions, err := parseResolutions(cfg.Chart.Resolutions)
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, logger: logger}

	if o.dialer == nil {
		wsd := &feed.WSDialer{
			URL:              cfg.API.WSURL(),
			HandshakeTimeout: cfg.Connection.ConnectTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
			PingInterval:     cfg.Connection.PingInterval,
			Logger:           logger.Named("ws"),
		}
		o.dialer = func(ctx context.Context) (connection.Transport, error) {
			c, err := wsd.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	if o.settings == nil {
		if cfg.Postgres.Enabled {
			db, err := postgres.InitializeAndMigrateSettings(cfg.Postgres, cfg.Environment, true)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize settings store: %w", err)
			}
			s.db = db
			o.settings = db
		} else {
			o.settings = memorystore.NewSettingsStore()
		}
	}

	s.Manager = connection.NewManager(o.dialer, connection.Config{
		MaxAttempts:    cfg.Connection.MaxAttempts,
		BaseBackoff:    cfg.Connection.BaseBackoff,
		MaxBackoff:     cfg.Connection.MaxBackoff,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
	}, logger.Named("connection"))

	s.History = feed.NewRESTClient(cfg.API.HistoryURL(), cfg.API.Timeout,
		feed.WithTokenSource(cfg.API.TokenSource()),
		feed.WithLogger(logger.Named("history")),
	)

	s.Images = imagecache.New(imagecache.Config{
		Retain:      cfg.ImageCache.Retain,
		MaxEntries:  cfg.ImageCache.MaxEntries,
		Timeout:     cfg.ImageCache.Timeout,
		Placeholder: cfg.ImageCache.Placeholder,
	}, o.client, logger.Named("imagecache"))

	s.Assets = memorystore.NewAssetStore()
	s.Bars = memorystore.NewBarStore(cfg.Chart.CacheBars)

	s.Chart = chart.NewAdapter(chart.Config{
		DebounceInterval: cfg.Chart.DebounceInterval,
		HistoryTimeout:   cfg.Chart.HistoryTimeout,
		Resolutions:      resolutions,
	}, s.History, s.Manager, s.Assets, s.Bars, o.settings, logger.Named("chart"))

	s.Tokens = tokenlist.New(tokenlist.Config{
		Params: feed.SubscribeTokensParams{
			Page:     cfg.List.Page,
			Limit:    cfg.List.Limit,
			Verified: cfg.List.Verified,
			Random:   cfg.List.Random,
		},
		Buffer: buffer.Config{
			DisplayLimit:      cfg.Buffer.DisplayLimit,
			OverflowFactor:    cfg.Buffer.OverflowFactor,
			OverflowCapFactor: cfg.Buffer.OverflowCapFactor,
		},
		DripInterval: cfg.Buffer.DripInterval,
	}, s.Manager, normalize.Normalizer{
		PlaceholderLogo: cfg.ImageCache.Placeholder,
		Logger:          logger.Named("normalize"),
	}, s.Images, s.Assets, logger.Named("tokenlist"))

	return s, nil
}

// Start opens the list channel. Chart channels open on demand.
func (s *Service) Start() error {
	if err := s.Tokens.Start(); err != nil {
		return fmt.Errorf("failed to start token list: %w", err)
	}
	s.logger.Info("service started",
		zap.String("ws", s.cfg.API.WSURL()),
		zap.String("history", s.cfg.API.HistoryURL()))
	return nil
}

// Close stops the drip, sends stop messages on every open channel, and closes the database.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.Tokens.Close(); err != nil {
		errs = append(errs, fmt.Errorf("token list: %w", err))
	}
	if err := s.Manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connection manager: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	s.logger.Info("service stopped")
	return errors.Join(errs...)
}

// Healthy reports whether the optional database answers.
func (s *Service) Healthy(ctx context.Context) bool {
	if s.db == nil {
		return true
	}
	return s.db.IsHealthy(ctx)
}

func parseResolutions(codes []string) ([]feed.Resolution, error) {
	out := make([]feed.Resolution, 0, len(codes))
	for _, code := range codes {
		meta, err := feed.ParseResolution(code)
		if err != nil {
			return nil, fmt.Errorf("chart resolutions: %w", err)
		}
		out = append(out, meta.Chart)
	}
	return out, nil
}
