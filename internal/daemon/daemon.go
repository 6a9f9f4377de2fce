package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/covenant-labs/covenant/internal/api"
	"github.com/covenant-labs/covenant/internal/app/custody"
	"github.com/covenant-labs/covenant/internal/app/verifier"
	"github.com/covenant-labs/covenant/internal/auth"
	"github.com/covenant-labs/covenant/internal/domain"
	"github.com/covenant-labs/covenant/internal/infra/idempotency"
	"github.com/covenant-labs/covenant/internal/infra/observability"
	"github.com/covenant-labs/covenant/internal/infra/reka"
	"github.com/covenant-labs/covenant/internal/infra/sqlstore"
)

// Daemon owns every long-lived component of a Covenant process.
type Daemon struct {
	cfg Config
	log *slog.Logger

	db       *sqlstore.DB
	Engine   *custody.Engine
	Verifier *verifier.Orchestrator
	Sweeper  *verifier.Sweeper
	Tokens   *auth.TokenManager

	idem    idempotency.Store
	closeFn []func() error
	server  *api.Server
	limiter *api.RateLimiter
}

// New opens storage, restores custody and builds the services described by cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.Log.Format, cfg.Log.Level)
	}
	d := &Daemon{cfg: cfg, log: observability.Component(logger, "daemon")}

	if cfg.Storage.Driver == sqlstore.DriverSQLite {
		if err := os.MkdirAll(Home(), 0o700); err != nil {
			return nil, fmt.Errorf("create home: %w", err)
		}
	}
	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.StoragePath(),
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	d.db = db
	d.closeFn = append(d.closeFn, db.Close)

	var resolver domain.Principal
	if cfg.Custody.Resolver != "" {
		resolver, _ = domain.ParsePrincipal(cfg.Custody.Resolver)
	}
	d.Engine, err = custody.Open(ctx, custody.Config{
		Resolver: resolver,
		Journal:  sqlstore.NewJournal(db),
		Logger:   logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.bootstrapAssets(ctx, resolver)

	if cfg.Auth.Secret != "" {
		d.Tokens, err = auth.NewTokenManager(cfg.Auth.Secret, parseDuration(cfg.Auth.TokenTTL, 24*time.Hour))
		if err != nil {
			d.Close()
			return nil, err
		}
	} else {
		d.log.Warn("auth.secret not set, mutating routes are disabled")
	}

	ttl := parseDuration(cfg.Idempotency.TTL, 24*time.Hour)
	switch cfg.Idempotency.Backend {
	case "redis":
		rs := idempotency.NewRedisStore(cfg.Idempotency.RedisAddr, cfg.Idempotency.RedisPassword, cfg.Idempotency.RedisDB, ttl)
		d.idem = rs
		d.closeFn = append(d.closeFn, rs.Close)
	default:
		d.idem = idempotency.NewMemoryStore(ttl)
	}

	var uploader domain.EvidenceUploader
	if cfg.Verifier.Enabled && cfg.Verifier.APIKey != "" {
		client, err := reka.New(reka.Config{
			BaseURL: cfg.Verifier.BaseURL,
			APIKey:  cfg.Verifier.APIKey,
			RPS:     cfg.Verifier.RPS,
			Burst:   cfg.Verifier.Burst,
			Logger:  logger,
		})
		if err != nil {
			d.Close()
			return nil, err
		}
		uploader = client
		d.Verifier = verifier.New(verifier.Config{
			Identity:              d.Engine.Resolver(),
			MaxConcurrent:         cfg.Verifier.MaxConcurrent,
			Timeout:               parseDuration(cfg.Verifier.Timeout, 3*time.Minute),
			RequireSubjectPresent: cfg.Verifier.RequireSubjectPresent,
		}, d.Engine, client, logger)
	} else if cfg.Verifier.Enabled {
		d.log.Warn("verifier enabled but no API key configured, verification is disabled")
	}

	if cfg.Sweeper.Enabled {
		d.Sweeper = verifier.NewSweeper(verifier.SweeperConfig{
			Identity: d.Engine.Resolver(),
			Interval: parseDuration(cfg.Sweeper.Interval, time.Minute),
		}, d.Engine, logger)
	}

	assets := make(map[domain.AssetID]api.AssetMeta, len(cfg.Custody.Assets))
	for _, a := range cfg.Custody.Assets {
		id, _ := domain.ParseAssetID(a.Address)
		assets[id] = api.AssetMeta{Symbol: a.Symbol, Decimals: a.Decimals}
	}
	deps := api.Deps{
		Engine:      d.Engine,
		Verifier:    d.Verifier,
		Sweeper:     d.Sweeper,
		Uploader:    uploader,
		Idempotency: d.idem,
		Assets:      assets,
		Logger:      logger,
	}
	if d.Tokens != nil {
		deps.Auth = d.Tokens
	}
	d.server = api.NewServer(deps)
	d.server.SetMaxUpload(parseByteSize(cfg.API.MaxUpload))
	if cfg.Metrics.Enabled {
		d.server.EnableMetrics()
	}
	if cfg.API.RateLimitRPS > 0 {
		d.limiter = api.NewRateLimiter(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
		d.server.SetRateLimiter(d.limiter)
	}
	return d, nil
}

// bootstrapAssets registers configured assets as the configured resolver.
// After a resolver transfer the configured one no longer may, which is logged.
func (d *Daemon) bootstrapAssets(ctx context.Context, resolver domain.Principal) {
	for _, a := range d.cfg.Custody.Assets {
		id, _ := domain.ParseAssetID(a.Address)
		if d.Engine.IsAccepted(id) {
			continue
		}
		if err := d.Engine.RegisterAsset(ctx, resolver, id); err != nil {
			d.log.Warn("configured asset not registered", "asset", id.Hex(), "symbol", a.Symbol, "error", err)
		}
	}
}

// Handler returns the HTTP handler for the API.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Run serves the API and runs the sweeper until ctx is cancelled, then shuts
// down gracefully and waits for in-flight verifications.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.Sweeper != nil {
		go d.Sweeper.Run(ctx)
	}

	srv := &http.Server{
		Addr:              d.cfg.API.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.log.Info("covenant listening",
			"addr", srv.Addr,
			"resolver", d.Engine.Resolver().Hex(),
			"commitments", d.Engine.Count(),
			"verifier", d.Verifier != nil,
			"sweeper", d.Sweeper != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	d.log.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Warn("http shutdown", "error", err)
	}
	if d.Verifier != nil {
		d.Verifier.Wait()
	}
	return nil
}

// Close releases storage and cache connections.
func (d *Daemon) Close() error {
	if d.limiter != nil {
		d.limiter.Close()
	}
	var errs []error
	for i := len(d.closeFn) - 1; i >= 0; i-- {
		if err := d.closeFn[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closeFn = nil
	return errors.Join(errs...)
}
