package nearby

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/help-matching/internal/geo"
	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/storage"
)

// flakyGrid wraps a MemoryGrid with switchable availability and scan errors.
type flakyGrid struct {
	*geo.MemoryGrid
	down    bool
	scanErr error
}

func (f *flakyGrid) Available(context.Context) bool { return !f.down }

func (f *flakyGrid) MembersOf(ctx context.Context, c geo.Cell) (map[string]models.Position, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.MemoryGrid.MembersOf(ctx, c)
}

// countingFallback records how often the authoritative store was queried.
type countingFallback struct {
	storage.UserStore
	calls int
}

func (c *countingFallback) NearbyUserIDs(ctx context.Context, origin models.Position, radiusKm float64) ([]string, error) {
	c.calls++
	return c.UserStore.NearbyUserIDs(ctx, origin, radiusKm)
}

type fixture struct {
	grid     *flakyGrid
	users    *storage.MemoryUsers
	fallback *countingFallback
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := storage.NewMemoryUsers()
	grid := &flakyGrid{MemoryGrid: geo.NewMemoryGrid(geo.DefaultCellSize)}
	fb := &countingFallback{UserStore: users}
	return &fixture{
		grid:     grid,
		users:    users,
		fallback: fb,
		engine: NewEngine(Config{
			Grid:     grid,
			Fallback: fb,
			Users:    users,
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		}),
	}
}

func (f *fixture) place(t *testing.T, u models.User, pos models.Position) {
	t.Helper()
	u.Location = &pos
	require.NoError(t, f.users.Upsert(context.Background(), &u))
	require.NoError(t, f.grid.UpsertLocation(context.Background(), u.ID, pos))
}

func TestFindNearbyIndexPath(t *testing.T) {
	f := newFixture(t)
	f.place(t, models.User{ID: "u1", IsActive: true, LocationSharing: true}, models.Position{Lat: 0.001, Lon: 0.001})

	ids, err := f.engine.FindNearby(context.Background(), models.Position{}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids)
	assert.Equal(t, 0, f.fallback.calls)
}

func TestFindNearbyExcludesOutsideRadius(t *testing.T) {
	f := newFixture(t)
	f.place(t, models.User{ID: "close", IsActive: true, LocationSharing: true}, models.Position{Lat: 0.002, Lon: 0})
	f.place(t, models.User{ID: "edge", IsActive: true, LocationSharing: true}, models.Position{Lat: 0.015, Lon: 0.015})

	ids, err := f.engine.FindNearby(context.Background(), models.Position{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"close"}, ids)
}

func TestFindNearbyLargeRadiusMissesUsersBeyondNeighborhood(t *testing.T) {
	// Boundary condition: the neighborhood spans one cell either side of the
	// origin cell, so a user 3 cells away is inside a 5 km radius but never scanned.
	f := newFixture(t)
	far := models.Position{Lat: 0.035, Lon: 0}
	f.place(t, models.User{ID: "beyond", IsActive: true, LocationSharing: true}, far)
	require.Less(t, geo.DistanceKm(models.Position{}, far), 5.0)
	require.Greater(t, geo.DistanceKm(models.Position{}, far), geo.CellWidthKm(geo.DefaultCellSize))

	ids, err := f.engine.FindNearby(context.Background(), models.Position{}, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)

	f.grid.down = true
	ids, err = f.engine.FindNearby(context.Background(), models.Position{}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"beyond"}, ids)
}

func TestFindNearbyFallbackWhenUnavailable(t *testing.T) {
	f := newFixture(t)
	f.place(t, models.User{ID: "a", IsActive: true, LocationSharing: true}, models.Position{Lat: 0.001, Lon: 0})
	f.place(t, models.User{ID: "b", IsActive: true, LocationSharing: true}, models.Position{Lat: 0.02, Lon: 0.02})
	f.grid.down = true

	ctx := context.Background()
	got, err := f.engine.FindNearby(ctx, models.Position{}, 10)
	require.NoError(t, err)
	direct, err := f.users.NearbyUserIDs(ctx, models.Position{}, 10)
	require.NoError(t, err)
	assert.Equal(t, direct, got)
	assert.Equal(t, 1, f.fallback.calls)
}

func TestFindNearbyFallbackOnScanError(t *testing.T) {
	f := newFixture(t)
	f.place(t, models.User{ID: "a", IsActive: true, LocationSharing: true}, models.Position{Lat: 0.001, Lon: 0})
	f.grid.scanErr = errors.New("connection reset")

	ids, err := f.engine.FindNearby(context.Background(), models.Position{}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
	assert.Equal(t, 1, f.fallback.calls)
}

func TestFindNearbyEmptyDoesNotRequery(t *testing.T) {
	f := newFixture(t)
	ids, err := f.engine.FindNearby(context.Background(), models.Position{}, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, f.fallback.calls)
}

func TestFindEligibleFiltersOnBothPaths(t *testing.T) {
	f := newFixture(t)
	near := models.Position{Lat: 0.001, Lon: 0.001}
	f.place(t, models.User{ID: "ok", IsActive: true, LocationSharing: true}, near)
	f.place(t, models.User{ID: "inactive", IsActive: false, LocationSharing: true}, near)
	f.place(t, models.User{ID: "private", IsActive: true, LocationSharing: false}, near)
	f.place(t, models.User{ID: "owner", IsActive: true, LocationSharing: true}, near)

	for _, down := range []bool{false, true} {
		f.grid.down = down
		users, err := f.engine.FindEligible(context.Background(), models.Position{}, 5, "owner")
		require.NoError(t, err)
		require.Len(t, users, 1, "grid down=%v", down)
		assert.Equal(t, "ok", users[0].ID)
	}
}
