package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/store"
)

// Health statuses
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Config holds serving configuration.
type Config struct {
	// APIKeys are accepted in the X-API-Key header on /api/v1 routes.
	APIKeys []string

	// FreshnessWindow is how old the last successful run, or a served
	// snapshot, may be before it is reported degraded or stale.
	FreshnessWindow time.Duration

	// HealthTimeout bounds the store lookup behind /health.
	HealthTimeout time.Duration

	// DataMaxAge is the Cache-Control max-age of data responses.
	DataMaxAge time.Duration

	// TrustedProxies are the proxies whose forwarding headers are honored
	// when resolving the client IP.
	TrustedProxies []string
}

// DefaultConfig returns a default serving configuration.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 24 * time.Hour,
		HealthTimeout:   2 * time.Second,
		DataMaxAge:      time.Hour,
	}
}

// Handler serves health and snapshot data from a store.
type Handler struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = def.FreshnessWindow
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.DataMaxAge <= 0 {
		cfg.DataMaxAge = def.DataMaxAge
	}
	return &Handler{store: s, cfg: cfg, now: time.Now}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status          string     `json:"status"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	AgeSeconds      *float64   `json:"age_seconds,omitempty"`
	FreshnessWindow string     `json:"freshness_window"`
	Reason          string     `json:"reason,omitempty"`
}

// Health reports whether a run succeeded within the freshness window.
// It always answers 200 so liveness probes never restart a degraded server.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:          StatusOK,
		FreshnessWindow: h.cfg.FreshnessWindow.String(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.HealthTimeout)
	defer cancel()

	run, err := h.store.LatestSuccessfulRun(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		resp.Status = StatusDegraded
		resp.Reason = "no successful collection run"
	case err != nil:
		resp.Status = StatusDegraded
		resp.Reason = "store unavailable"
	default:
		last := run.FinishedAt
		age := h.now().Sub(last).Seconds()
		resp.LastSuccess = &last
		resp.AgeSeconds = &age
		if h.now().Sub(last) > h.cfg.FreshnessWindow {
			resp.Status = StatusDegraded
			resp.Reason = "last successful run is older than the freshness window"
		}
	}

	c.Header("Cache-Control", "public, max-age=10")
	c.JSON(http.StatusOK, resp)
}

type scopeView struct {
	domain.ScopeInfo
	Stale bool `json:"stale"`
}

// ListScopes returns every scope with its latest collection time.
// GET /api/v1/scopes
func (h *Handler) ListScopes(c *gin.Context) {
	scopes, err := h.store.Scopes(c.Request.Context())
	if err != nil {
		respondError(c, err, "scopes")
		return
	}

	views := make([]scopeView, 0, len(scopes))
	for _, s := range scopes {
		views = append(views, scopeView{ScopeInfo: s, Stale: h.stale(s.LastCollect)})
	}
	h.respondData(c, gin.H{"data": views, "count": len(views)})
}

// GetLatestSnapshot returns the newest snapshot of a scope.
// GET /api/v1/scopes/:scope/snapshot
func (h *Handler) GetLatestSnapshot(c *gin.Context) {
	scope := domain.UnitID(c.Param("scope"))

	snap, err := h.store.Latest(c.Request.Context(), scope)
	if err != nil {
		respondError(c, err, fmt.Sprintf("scope %s", scope))
		return
	}
	h.respondData(c, gin.H{"data": snap, "stale": h.stale(snap.CollectedAt)})
}

// GetSnapshotHistory returns snapshots of a scope, newest first.
// GET /api/v1/scopes/:scope/snapshots?from=&to=&limit=
func (h *Handler) GetSnapshotHistory(c *gin.Context) {
	scope := domain.UnitID(c.Param("scope"))

	q, err := parseHistoryQuery(c)
	if err != nil {
		respondError(c, err, "")
		return
	}

	snaps, err := h.store.History(c.Request.Context(), scope, q)
	if err != nil {
		respondError(c, err, fmt.Sprintf("scope %s", scope))
		return
	}

	stale := true
	if len(snaps) > 0 {
		stale = h.stale(snaps[0].CollectedAt)
	}
	h.respondData(c, gin.H{"data": snaps, "count": len(snaps), "stale": stale})
}

// GetLatestRun returns the summary of the most recent run, failed units
// included.
// GET /api/v1/runs/latest
func (h *Handler) GetLatestRun(c *gin.Context) {
	run, err := h.store.LatestRun(c.Request.Context())
	if err != nil {
		respondError(c, err, "run")
		return
	}
	h.respondData(c, gin.H{"data": run, "stale": h.stale(run.FinishedAt)})
}

func (h *Handler) stale(at time.Time) bool {
	return h.now().Sub(at) > h.cfg.FreshnessWindow
}

func (h *Handler) respondData(c *gin.Context, body any) {
	c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", int(h.cfg.DataMaxAge.Seconds())))
	c.JSON(http.StatusOK, body)
}

// parseHistoryQuery reads from, to (RFC 3339 or YYYY-MM-DD) and limit.
func parseHistoryQuery(c *gin.Context) (store.HistoryQuery, error) {
	var q store.HistoryQuery

	if v := c.Query("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return q, NewBadRequestError("invalid from: " + err.Error())
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return q, NewBadRequestError("invalid to: " + err.Error())
		}
		// A bare date includes the whole day.
		if len(v) == len(time.DateOnly) {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		q.To = t
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, NewBadRequestError("to must not be before from")
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return q, NewBadRequestError("limit must be an integer between 1 and 1000")
		}
		q.Limit = n
	}
	return q, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	return t, nil
}
