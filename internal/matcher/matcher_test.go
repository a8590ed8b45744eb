package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/help-matching/internal/apperr"
	"github.com/example/help-matching/internal/geo"
	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/nearby"
	"github.com/example/help-matching/internal/requests"
	"github.com/example/help-matching/internal/storage"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (b *recordingBroadcaster) BroadcastNewRequest(_ context.Context, req *models.Request, users []models.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = make(map[string][]string)
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	b.calls[req.ID] = ids
}

func (b *recordingBroadcaster) recipients(id string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids, ok := b.calls[id]
	return ids, ok
}

type brokenGrid struct{ geo.GridIndex }

func (brokenGrid) UpsertLocation(context.Context, string, models.Position) error {
	return errors.New("redis: connection refused")
}
func (brokenGrid) Available(context.Context) bool { return false }
func (brokenGrid) CellSize() float64              { return geo.DefaultCellSize }

type failingProximity struct{}

func (failingProximity) FindEligible(context.Context, models.Position, float64, string) ([]models.User, error) {
	return nil, errors.New("user store down")
}

type capturePublisher struct {
	mu      sync.Mutex
	reports []models.LocationReport
}

func (p *capturePublisher) PublishLocation(_ context.Context, r models.LocationReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, r)
	return nil
}

type harness struct {
	svc       *Service
	users     *storage.MemoryUsers
	grid      geo.GridIndex
	broadcast *recordingBroadcaster
	publisher *capturePublisher
}

func newHarness(t *testing.T, grid geo.GridIndex, prox Proximity) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := storage.NewMemoryUsers()
	if grid == nil {
		grid = geo.NewMemoryGrid(geo.DefaultCellSize)
	}
	if prox == nil {
		prox = nearby.NewEngine(nearby.Config{Grid: grid, Fallback: users, Users: users, Logger: logger})
	}
	mgr := requests.NewManager(requests.Config{
		Store:         storage.NewMemoryRequests(),
		Conversations: storage.NewMemoryConversations(),
		Logger:        logger,
	})
	h := &harness{
		users:     users,
		grid:      grid,
		broadcast: &recordingBroadcaster{},
		publisher: &capturePublisher{},
	}
	h.svc = NewService(Config{
		Requests:         mgr,
		Users:            users,
		Grid:             grid,
		Proximity:        prox,
		Broadcaster:      h.broadcast,
		Publisher:        h.publisher,
		BroadcastTimeout: time.Second,
		Logger:           logger,
	})
	return h
}

func (h *harness) addUser(t *testing.T, id string, active, sharing bool, pos models.Position) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.users.Upsert(ctx, &models.User{ID: id, Name: id, IsActive: active, LocationSharing: sharing}))
	require.NoError(t, h.svc.ReportLocation(ctx, id, pos))
}

func TestCreateRequestAlertsNearbyEligibleUsers(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.addUser(t, "requester", true, true, models.Position{Lat: 0, Lon: 0})
	h.addUser(t, "helper", true, true, models.Position{Lat: 0.001, Lon: 0.001})
	h.addUser(t, "asleep", false, true, models.Position{Lat: 0.002, Lon: 0.002})
	h.addUser(t, "private", true, false, models.Position{Lat: 0.002, Lon: 0})
	h.addUser(t, "far", true, true, models.Position{Lat: 1, Lon: 1})

	req, err := h.svc.CreateRequest(context.Background(), "requester", requests.CreateInput{
		Type:     models.TypeHelp,
		Title:    "need a jump start",
		Origin:   models.Position{Lat: 0, Lon: 0},
		RadiusKm: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, req.Status)

	h.svc.Wait()
	got, ok := h.broadcast.recipients(req.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"helper"}, got)
}

func TestCreateRequestSurvivesLookupFailure(t *testing.T) {
	h := newHarness(t, nil, failingProximity{})
	req, err := h.svc.CreateRequest(context.Background(), "requester", requests.CreateInput{
		Type:     models.TypeEmergency,
		Origin:   models.Position{Lat: 10, Lon: 10},
		RadiusKm: 2,
	})
	require.NoError(t, err)
	h.svc.Wait()
	_, ok := h.broadcast.recipients(req.ID)
	assert.False(t, ok)
}

func TestCreateRequestValidationSkipsBroadcast(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.svc.CreateRequest(context.Background(), "requester", requests.CreateInput{
		Type:     models.TypeHelp,
		Origin:   models.Position{Lat: 0, Lon: 0},
		RadiusKm: 80,
	})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	h.svc.Wait()
	assert.Empty(t, h.broadcast.calls)
}

func TestReportLocationIndexesAndPublishes(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.addUser(t, "u1", true, true, models.Position{Lat: 48.8566, Lon: 2.3522})

	cell, ok, err := h.grid.CellOfUser(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, geo.CellOf(models.Position{Lat: 48.8566, Lon: 2.3522}, geo.DefaultCellSize), cell)

	u, err := h.users.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, u.Location)
	assert.False(t, u.LocationUpdatedAt.IsZero())

	require.Len(t, h.publisher.reports, 1)
	assert.Equal(t, "u1", h.publisher.reports[0].UserID)
}

func TestReportLocationGridFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t, brokenGrid{}, nil)
	h.addUser(t, "helper", true, true, models.Position{Lat: 0.001, Lon: 0.001})

	// the store still has the position, so the fallback path finds the user
	got, err := h.svc.FindNearbyUsers(context.Background(), "someone", NearbyQuery{
		Origin:   models.Position{Lat: 0, Lon: 0},
		RadiusKm: 5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "helper", got[0].ID)
}

func TestReportLocationRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	err := h.svc.ReportLocation(ctx, "ghost", models.Position{Lat: 1, Lon: 1})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, ok, _ := h.grid.CellOfUser(ctx, "ghost")
	assert.False(t, ok)

	err = h.svc.ReportLocation(ctx, "ghost", models.Position{Lat: 100, Lon: 1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = h.svc.ReportLocation(ctx, "", models.Position{Lat: 1, Lon: 1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, h.publisher.reports)
}

func TestFindNearbyUsersOrdersByDistance(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.addUser(t, "me", true, true, models.Position{Lat: 0, Lon: 0})
	h.addUser(t, "near", true, true, models.Position{Lat: 0.001, Lon: 0.001})
	h.addUser(t, "nearer", true, true, models.Position{Lat: 0.0005, Lon: 0})

	got, err := h.svc.FindNearbyUsers(context.Background(), "me", NearbyQuery{
		Origin:   models.Position{Lat: 0, Lon: 0},
		RadiusKm: 5,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "nearer", got[0].ID)
	assert.Equal(t, "near", got[1].ID)
	assert.InDelta(t, 0.157, got[1].DistanceKm, 0.001)
}

func TestFindNearbyUsersValidatesRadius(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, r := range []float64{0, -1, 51} {
		_, err := h.svc.FindNearbyUsers(context.Background(), "me", NearbyQuery{RadiusKm: r})
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "radius %v", r)
	}
}

func TestFindNearbyUsersStoreFailureIsUnavailable(t *testing.T) {
	h := newHarness(t, nil, failingProximity{})
	_, err := h.svc.FindNearbyUsers(context.Background(), "me", NearbyQuery{RadiusKm: 1})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestAcceptFlowThroughService(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	req, err := h.svc.CreateRequest(ctx, "requester", requests.CreateInput{
		Type:         models.TypeSocial,
		Origin:       models.Position{Lat: 0, Lon: 0},
		RadiusKm:     3,
		MaxAcceptors: 2,
	})
	require.NoError(t, err)
	h.svc.Wait()

	_, err = h.svc.AcceptRequest(ctx, req.ID, "requester", "")
	assert.ErrorIs(t, err, apperr.ErrSelfAcceptance)

	res, err := h.svc.AcceptRequest(ctx, req.ID, "a", "on my way")
	require.NoError(t, err)
	require.NotNil(t, res.Conversation)
	_, err = h.svc.AcceptRequest(ctx, req.ID, "b", "")
	require.NoError(t, err)

	_, err = h.svc.AcceptRequest(ctx, req.ID, "c", "")
	assert.ErrorIs(t, err, apperr.ErrCapacityReached)

	got, err := h.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)

	mine, err := h.svc.ListMyRequests(ctx, "requester")
	require.NoError(t, err)
	require.Len(t, mine, 1)

	done, err := h.svc.UpdateRequestStatus(ctx, req.ID, "requester", requests.UpdateStatusInput{Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	n, err := h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, h.svc.DeleteRequest(ctx, req.ID, "requester"), apperr.ErrHasAcceptances)
}
