// Package nearby answers "who is within R km of P". It reads the grid index
// first and falls back to the authoritative user store when the index is
// unavailable or a scan fails. The index may lag the store by the interval
// between location reports; callers accept that staleness.
package nearby

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/help-matching/internal/geo"
	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/observability"
)

// FallbackStore is the slow authoritative radius search.
type FallbackStore interface {
	NearbyUserIDs(ctx context.Context, origin models.Position, radiusKm float64) ([]string, error)
}

type UserResolver interface {
	GetMany(ctx context.Context, ids []string) ([]models.User, error)
}

const (
	pathIndex            = "index"
	pathFallbackDown     = "fallback_unavailable"
	pathFallbackScanFail = "fallback_error"
)

type Engine struct {
	grid     geo.GridIndex
	fallback FallbackStore
	users    UserResolver
	timeout  time.Duration
	logger   *slog.Logger
}

type Config struct {
	Grid     geo.GridIndex
	Fallback FallbackStore
	Users    UserResolver
	// Timeout bounds the whole 3x3 scan; on expiry the fallback is used.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		grid:     cfg.Grid,
		fallback: cfg.Fallback,
		users:    cfg.Users,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// FindNearby returns ids of users within radiusKm of origin, nearest first.
//
// Only the 3x3 neighborhood around origin's cell is scanned, so coverage is
// complete only for radii up to geo.CellWidthKm. Larger radii may miss users
// near the edge of the requested circle.
func (e *Engine) FindNearby(ctx context.Context, origin models.Position, radiusKm float64) ([]string, error) {
	start := time.Now()
	defer func() { observability.ProximityLatency.Observe(time.Since(start).Seconds()) }()

	if e.grid == nil || !e.grid.Available(ctx) {
		observability.ProximityQueries.WithLabelValues(pathFallbackDown).Inc()
		return e.queryFallback(ctx, origin, radiusKm)
	}

	ids, err := e.scan(ctx, origin, radiusKm)
	if err != nil {
		e.logger.Warn("grid scan failed, querying fallback store",
			"error", err, "lat", origin.Lat, "lon", origin.Lon, "radius_km", radiusKm)
		observability.ProximityQueries.WithLabelValues(pathFallbackScanFail).Inc()
		return e.queryFallback(ctx, origin, radiusKm)
	}
	observability.ProximityQueries.WithLabelValues(pathIndex).Inc()
	return ids, nil
}

func (e *Engine) scan(ctx context.Context, origin models.Position, radiusKm float64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for _, cell := range geo.CellOf(origin, e.grid.CellSize()).Neighborhood() {
		members, err := e.grid.MembersOf(ctx, cell)
		if err != nil {
			return nil, fmt.Errorf("scan cell %s: %w", cell.Key(), err)
		}
		for id, pos := range members {
			if d := geo.DistanceKm(origin, pos); d <= radiusKm {
				hits = append(hits, hit{id, d})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].id < hits[j].id
		}
		return hits[i].dist < hits[j].dist
	})
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.id)
	}
	return out, nil
}

func (e *Engine) queryFallback(ctx context.Context, origin models.Position, radiusKm float64) ([]string, error) {
	if e.fallback == nil {
		return nil, fmt.Errorf("no fallback store configured")
	}
	ids, err := e.fallback.NearbyUserIDs(ctx, origin, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("fallback nearby query: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// FindEligible resolves FindNearby's ids to users that are active and sharing
// their location, dropping excludeUserID. The filter applies on both paths.
func (e *Engine) FindEligible(ctx context.Context, origin models.Position, radiusKm float64, excludeUserID string) ([]models.User, error) {
	ids, err := e.FindNearby(ctx, origin, radiusKm)
	if err != nil {
		return nil, err
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != excludeUserID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return []models.User{}, nil
	}
	users, err := e.users.GetMany(ctx, filtered)
	if err != nil {
		return nil, fmt.Errorf("resolve nearby users: %w", err)
	}
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.Eligible() {
			out = append(out, u)
		}
	}
	return out, nil
}
