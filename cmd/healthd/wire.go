package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Sternrassler/eng-health-collector/internal/config"
	"github.com/Sternrassler/eng-health-collector/pkg/api"
	"github.com/Sternrassler/eng-health-collector/pkg/batch"
	"github.com/Sternrassler/eng-health-collector/pkg/client"
	"github.com/Sternrassler/eng-health-collector/pkg/collector"
	"github.com/Sternrassler/eng-health-collector/pkg/logging"
	"github.com/Sternrassler/eng-health-collector/pkg/pagination"
	"github.com/Sternrassler/eng-health-collector/pkg/ratelimit"
	"github.com/Sternrassler/eng-health-collector/pkg/retry"
	"github.com/Sternrassler/eng-health-collector/pkg/store"
	"github.com/Sternrassler/eng-health-collector/pkg/upstream"
)

// app owns the process-wide resources built from one configuration.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis   *redis.Client
	tracker *ratelimit.Tracker
	closers []func() error
}

func newApp(cfg *config.Config) *app {
	return &app{cfg: cfg, logger: logging.NewLogger("healthd")}
}

// redisClient connects on first use. It returns nil when no address is
// configured.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil || a.cfg.Redis.Addr == "" {
		return a.redis, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("Connected to Redis")

	a.redis = rdb
	a.closers = append(a.closers, rdb.Close)
	return rdb, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	var rdb *redis.Client
	if a.cfg.Store.Backend == store.BackendRedis {
		var err error
		if rdb, err = a.redisClient(ctx); err != nil {
			return nil, err
		}
	}

	s, err := store.Open(ctx, store.Config{
		Backend:   a.cfg.Store.Backend,
		DSN:       a.cfg.Store.DSN,
		Redis:     rdb,
		Retention: a.cfg.Store.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Store.Backend, err)
	}
	a.closers = append(a.closers, s.Close)
	return s, nil
}

// pauseTracker is shared by every upstream client so a rate-limit pause
// observed by one request gates all of them. With Redis configured the
// pause is shared across processes too.
func (a *app) pauseTracker(ctx context.Context) (*ratelimit.Tracker, error) {
	if a.tracker != nil {
		return a.tracker, nil
	}
	rdb, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	a.tracker = ratelimit.NewTracker(rdb, logging.NewLogger("upstream-pause"))
	return a.tracker, nil
}

func loadCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s contains no PEM certificates", path)
	}
	return pool, nil
}

func (a *app) newClient(ctx context.Context, name, baseURL, caFile string, timeout time.Duration, auth client.Authenticator) (*client.Client, error) {
	tracker, err := a.pauseTracker(ctx)
	if err != nil {
		return nil, err
	}
	roots, err := loadCAs(caFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	cfg := client.DefaultConfig(name, baseURL)
	cfg.UserAgent = a.cfg.WorkTracker.UserAgent
	cfg.Timeout = timeout
	cfg.RootCAs = roots
	cfg.Auth = auth
	cfg.Tracker = tracker

	c, err := client.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", name, err)
	}
	a.closers = append(a.closers, c.Close)
	return c, nil
}

func (a *app) workTracker(ctx context.Context) (*upstream.WorkTracker, error) {
	wt := a.cfg.WorkTracker
	c, err := a.newClient(ctx, "work_tracker", wt.BaseURL, wt.CAFile, wt.Timeout,
		client.BasicAuth{Username: wt.Username, Token: wt.Token})
	if err != nil {
		return nil, err
	}
	return upstream.NewWorkTracker(c), nil
}

// findings returns nil when the scanner is disabled.
func (a *app) findings(ctx context.Context) (*upstream.Findings, error) {
	fc := a.cfg.Findings
	if !fc.Enabled {
		return nil, nil
	}

	var auth client.Authenticator
	switch fc.Auth {
	case config.AuthOAuth2:
		roots, err := loadCAs(fc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("findings: %w", err)
		}
		tokenHTTP := &http.Client{
			Timeout: fc.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: roots},
			},
		}
		// The token source keeps this context for refreshes.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, tokenHTTP)
		auth = client.NewClientCredentialsBearer(tokenCtx, fc.ClientID, fc.ClientSecret, fc.TokenURL, fc.Scopes)
	default:
		auth = client.APIKey{Header: fc.APIKeyHeader, Key: fc.APIKey}
	}

	c, err := a.newClient(ctx, "findings", fc.BaseURL, fc.CAFile, fc.Timeout, auth)
	if err != nil {
		return nil, err
	}

	pages := pagination.DefaultConfig()
	pages.MaxConcurrency = fc.PageConcurrency
	pages.Timeout = fc.Timeout
	return upstream.NewFindings(c, fc.PageSize, pages), nil
}

func (a *app) batchConfig() batch.Config {
	bc := a.cfg.Batch
	cfg := batch.DefaultConfig()
	cfg.ChunkSize = bc.ChunkSize
	cfg.Concurrency = bc.Concurrency
	cfg.Retry = retry.Policy{
		Name:           "batch",
		MaxAttempts:    bc.MaxAttempts,
		InitialBackoff: bc.InitialBackoff,
		MaxBackoff:     bc.MaxBackoff,
		Multiplier:     2.0,
		Jitter:         0.2,
		MaxTotalWait:   bc.MaxTotalWait,
		Retryable:      retry.TransientOrRateLimited,
	}
	return cfg
}

// orchestrator wires the upstream clients into a collection orchestrator.
func (a *app) orchestrator(ctx context.Context) (*collector.Orchestrator, error) {
	work, err := a.workTracker(ctx)
	if err != nil {
		return nil, err
	}
	fetcher, err := batch.NewFetcher(work, a.batchConfig())
	if err != nil {
		return nil, fmt.Errorf("create batch fetcher: %w", err)
	}

	// A nil *Findings must not reach the collector as a non-nil interface.
	var findings collector.FindingSource
	f, err := a.findings(ctx)
	if err != nil {
		return nil, err
	}
	if f != nil {
		findings = f
	}

	cc := a.cfg.Collector
	worker := collector.NewProjectCollector(work, fetcher, findings, collector.ProjectConfig{
		BuildLookback:       cc.BuildLookback,
		SectionConcurrency:  cc.SectionConcurrency,
		StalePullRequestAge: cc.StalePullRequestAge,
	})
	return collector.New(worker), nil
}

func (a *app) limiter(ctx context.Context) (*ratelimit.Limiter, error) {
	rc := a.cfg.RateLimit

	var backend ratelimit.Store
	switch rc.Backend {
	case "redis":
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		backend = ratelimit.NewRedisStore(rdb)
	default:
		mc := ratelimit.DefaultMemoryStoreConfig()
		mc.MaxKeys = rc.MaxKeys
		backend = ratelimit.NewMemoryStore(mc)
	}

	return ratelimit.NewLimiter(backend, ratelimit.Config{
		PerMinute: rc.PerMinute,
		PerHour:   rc.PerHour,
	})
}

func (a *app) router(ctx context.Context, s store.Store) (*gin.Engine, error) {
	limiter, err := a.limiter(ctx)
	if err != nil {
		return nil, err
	}

	sc := a.cfg.Server
	handler := api.NewHandler(s, api.Config{
		APIKeys:         sc.APIKeys,
		FreshnessWindow: sc.FreshnessWindow,
		HealthTimeout:   sc.HealthTimeout,
		DataMaxAge:      sc.DataMaxAge,
		TrustedProxies:  sc.TrustedProxies,
	})
	return api.SetupRoutes(handler, limiter)
}
