// Package matcher is the entry point used by the transport layer. It ties the
// request lifecycle to proximity search, the grid index and broadcasting.
package matcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/help-matching/internal/apperr"
	"github.com/example/help-matching/internal/geo"
	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/observability"
	"github.com/example/help-matching/internal/requests"
	"github.com/example/help-matching/internal/storage"
	"github.com/example/help-matching/internal/validation"
)

type Proximity interface {
	FindEligible(ctx context.Context, origin models.Position, radiusKm float64, excludeUserID string) ([]models.User, error)
}

type Broadcaster interface {
	BroadcastNewRequest(ctx context.Context, req *models.Request, users []models.User)
}

// LocationPublisher forwards location reports to other consumers of the
// location stream. Optional.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, r models.LocationReport) error
}

type Service struct {
	requests  *requests.Manager
	users     storage.UserStore
	grid      geo.GridIndex
	proximity Proximity
	broadcast Broadcaster
	publisher LocationPublisher

	indexTimeout     time.Duration
	broadcastTimeout time.Duration
	now              func() time.Time
	logger           *slog.Logger

	inflight sync.WaitGroup
}

type Config struct {
	Requests    *requests.Manager
	Users       storage.UserStore
	Grid        geo.GridIndex
	Proximity   Proximity
	Broadcaster Broadcaster
	Publisher   LocationPublisher

	IndexTimeout     time.Duration
	BroadcastTimeout time.Duration
	Clock            func() time.Time
	Logger           *slog.Logger
}

func NewService(cfg Config) *Service {
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = 300 * time.Millisecond
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		requests:         cfg.Requests,
		users:            cfg.Users,
		grid:             cfg.Grid,
		proximity:        cfg.Proximity,
		broadcast:        cfg.Broadcaster,
		publisher:        cfg.Publisher,
		indexTimeout:     cfg.IndexTimeout,
		broadcastTimeout: cfg.BroadcastTimeout,
		now:              cfg.Clock,
		logger:           cfg.Logger,
	}
}

// CreateRequest stores the request and returns it immediately. Nearby users
// are found and alerted in the background; that work never fails the call.
func (s *Service) CreateRequest(ctx context.Context, requesterID string, in requests.CreateInput) (*models.Request, error) {
	req, err := s.requests.Create(ctx, requesterID, in)
	if err != nil {
		return nil, err
	}
	if s.proximity == nil || s.broadcast == nil {
		return req, nil
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.broadcastTimeout)
	s.inflight.Add(1)
	go func(req *models.Request) {
		defer s.inflight.Done()
		defer cancel()
		users, err := s.proximity.FindEligible(bctx, req.Origin, req.RadiusKm, req.RequesterID)
		if err != nil {
			s.logger.Warn("nearby lookup for broadcast failed", "request_id", req.ID, "error", err)
			return
		}
		s.broadcast.BroadcastNewRequest(bctx, req, users)
	}(req.Clone())
	return req, nil
}

// Wait blocks until background broadcasts and lifecycle notifications started
// so far have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
	s.requests.Wait()
}

func (s *Service) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return s.requests.Get(ctx, id)
}

func (s *Service) ListMyRequests(ctx context.Context, requesterID string) ([]*models.Request, error) {
	return s.requests.ListByRequester(ctx, requesterID)
}

func (s *Service) AcceptRequest(ctx context.Context, requestID, userID, message string) (*requests.AcceptResult, error) {
	return s.requests.Accept(ctx, requestID, userID, message)
}

func (s *Service) CancelAcceptance(ctx context.Context, requestID, userID string) (*models.Request, error) {
	return s.requests.CancelAcceptance(ctx, requestID, userID)
}

func (s *Service) UpdateRequestStatus(ctx context.Context, requestID, actorID string, in requests.UpdateStatusInput) (*models.Request, error) {
	return s.requests.UpdateStatus(ctx, requestID, actorID, in)
}

func (s *Service) DeleteRequest(ctx context.Context, requestID, actorID string) error {
	return s.requests.Delete(ctx, requestID, actorID)
}

func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.requests.SweepExpired(ctx)
}

type NearbyQuery struct {
	Origin   models.Position `json:"origin"`
	RadiusKm float64         `json:"radius_km" validate:"gt=0,lte=50"`
}

type NearbyUser struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	DistanceKm float64 `json:"distance_km"`
}

// FindNearbyUsers lists eligible users around q.Origin, nearest first,
// leaving out the caller.
func (s *Service) FindNearbyUsers(ctx context.Context, callerID string, q NearbyQuery) ([]NearbyUser, error) {
	if err := validation.Struct(q); err != nil {
		return nil, err
	}
	users, err := s.proximity.FindEligible(ctx, q.Origin, q.RadiusKm, callerID)
	if err != nil {
		if apperr.IsDomain(err) {
			return nil, err
		}
		return nil, apperr.Unavailable("find nearby", err)
	}
	out := make([]NearbyUser, 0, len(users))
	for _, u := range users {
		n := NearbyUser{ID: u.ID, Name: u.Name}
		if u.Location != nil {
			n.DistanceKm = geo.DistanceKm(q.Origin, *u.Location)
		}
		out = append(out, n)
	}
	return out, nil
}

// ReportLocation records a user's position in the authoritative store, then
// in the grid index. The index write is best effort: on failure the user is
// simply stale in the index until the next report, and queries that miss
// them can still reach the store through the fallback path.
func (s *Service) ReportLocation(ctx context.Context, userID string, pos models.Position) error {
	if userID == "" {
		return apperr.Validation("user id is required")
	}
	if err := validation.Struct(pos); err != nil {
		return err
	}
	at := s.now()
	if err := s.users.UpdateLocation(ctx, userID, pos, at); err != nil {
		if apperr.IsDomain(err) {
			return err
		}
		return apperr.Unavailable("update location", err)
	}

	ictx, cancel := context.WithTimeout(ctx, s.indexTimeout)
	err := s.grid.UpsertLocation(ictx, userID, pos)
	cancel()
	if err != nil {
		observability.LocationUpdates.WithLabelValues("index_error").Inc()
		s.logger.Warn("grid upsert failed", "user_id", userID, "error", err)
	} else {
		observability.LocationUpdates.WithLabelValues("indexed").Inc()
	}

	if s.publisher != nil {
		report := models.LocationReport{UserID: userID, Position: pos, ReportedAt: at}
		if err := s.publisher.PublishLocation(ctx, report); err != nil {
			s.logger.Warn("location publish failed", "user_id", userID, "error", err)
		}
	}
	return nil
}
