// Package api serves collected snapshots over HTTP.
//
// Every route runs behind request correlation, structured logging, metrics
// and panic recovery. /api/v1 additionally requires an X-API-Key and the
// ingress rate limiter; /health and /metrics are never limited.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/eng-health-collector/pkg/metrics"
	"github.com/Sternrassler/eng-health-collector/pkg/ratelimit"
)

// Exempt paths are served without rate limiting or authentication.
const (
	PathHealth  = "/health"
	PathMetrics = "/metrics"
)

// SetupRoutes builds the router.
func SetupRoutes(handler *Handler, limiter *ratelimit.Limiter) (*gin.Engine, error) {
	if handler == nil || limiter == nil {
		return nil, fmt.Errorf("handler and limiter are required")
	}
	if len(handler.cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one api key is required")
	}

	router := gin.New()
	if err := router.SetTrustedProxies(handler.cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	// Middleware
	router.Use(RequestID())
	router.Use(Recovery())
	router.Use(Logger())
	router.Use(Metrics())
	router.Use(RateLimit(limiter, PathHealth, PathMetrics))

	router.NoRoute(func(c *gin.Context) {
		respondError(c, NewNotFoundError("route"), "")
	})

	// Health check
	router.GET(PathHealth, handler.Health)
	router.GET(PathMetrics, gin.WrapH(metrics.Handler()))

	// API v1
	v1 := router.Group("/api/v1", APIKeyAuth(handler.cfg.APIKeys))
	{
		v1.GET("/scopes", handler.ListScopes)
		v1.GET("/scopes/:scope/snapshot", handler.GetLatestSnapshot)
		v1.GET("/scopes/:scope/snapshots", handler.GetSnapshotHistory)
		v1.GET("/runs/latest", handler.GetLatestRun)
	}

	return router, nil
}

// Serve runs h on addr until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func Serve(ctx context.Context, addr string, h http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "api").Str("addr", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	log.Info().Str("component", "api").Msg("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
