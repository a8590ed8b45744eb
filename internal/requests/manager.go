// Package requests owns the request state machine:
//
//	active --accept (full)--> accepted
//	active|accepted --complete/cancel--> completed|cancelled
//	active --expiresAt elapsed--> expired
//
// Every read and write boundary reconciles expiry first, so an elapsed active
// request is never accepted even if the sweeper has not run yet.
package requests

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/help-matching/internal/apperr"
	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/observability"
	"github.com/example/help-matching/internal/storage"
	"github.com/example/help-matching/internal/validation"
)

// Notifier receives lifecycle side effects after the state change committed.
// Calls run off the request path on a detached context. Implementations absorb
// their own failures.
type Notifier interface {
	RequestAccepted(ctx context.Context, req *models.Request, acceptorID string, conv *models.Conversation)
	RequestStatusChanged(ctx context.Context, req *models.Request)
}

type nopNotifier struct{}

func (nopNotifier) RequestAccepted(context.Context, *models.Request, string, *models.Conversation) {}
func (nopNotifier) RequestStatusChanged(context.Context, *models.Request)                         {}

const (
	defaultRadiusKm      = 5
	defaultMaxAcceptors  = 1
	defaultNotifyTimeout = 10 * time.Second
)

var errNoChange = errors.New("no change")

type CreateInput struct {
	Type         models.RequestType `json:"type" validate:"required,oneof=emergency help social"`
	Priority     models.Priority    `json:"priority" validate:"omitempty,oneof=low medium high emergency"`
	Title        string             `json:"title" validate:"max=200"`
	Description  string             `json:"description" validate:"max=2000"`
	Origin       models.Position    `json:"origin"`
	RadiusKm     float64            `json:"radius_km" validate:"gte=1,lte=50"`
	MaxAcceptors int                `json:"max_acceptors" validate:"gte=1,lte=10"`
}

type UpdateStatusInput struct {
	Status   models.RequestStatus `json:"status" validate:"required,oneof=completed cancelled"`
	Rating   *int                 `json:"rating" validate:"omitempty,gte=1,lte=5"`
	Feedback string               `json:"feedback" validate:"max=1000"`
}

type AcceptResult struct {
	Request      *models.Request      `json:"request"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
}

type Manager struct {
	store         storage.RequestStore
	convs         storage.ConversationStore
	notifier      Notifier
	timeout       time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger

	notifying sync.WaitGroup
}

type Config struct {
	Store         storage.RequestStore
	Conversations storage.ConversationStore
	Notifier      Notifier
	// Timeout bounds each store round trip.
	Timeout time.Duration
	// NotifyTimeout bounds one background notification.
	NotifyTimeout time.Duration
	Clock         func() time.Time
	Logger        *slog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:         cfg.Store,
		convs:         cfg.Conversations,
		notifier:      cfg.Notifier,
		timeout:       cfg.Timeout,
		notifyTimeout: cfg.NotifyTimeout,
		now:           cfg.Clock,
		logger:        cfg.Logger,
	}
}

// Wait blocks until every pending notification has returned.
func (m *Manager) Wait() {
	m.notifying.Wait()
}

// notify runs fn in the background on a context that keeps the caller's
// values but not its cancellation.
func (m *Manager) notify(ctx context.Context, fn func(ctx context.Context)) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.notifyTimeout)
	m.notifying.Add(1)
	go func() {
		defer m.notifying.Done()
		defer cancel()
		fn(nctx)
	}()
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// storeErr keeps taxonomy errors and turns anything else into a retryable failure.
func storeErr(op string, err error) error {
	if err == nil || apperr.IsDomain(err) {
		return err
	}
	return apperr.Unavailable(op, err)
}

// Create validates in and persists a new active request. Finding and
// notifying nearby users is the caller's job.
func (m *Manager) Create(ctx context.Context, requesterID string, in CreateInput) (*models.Request, error) {
	if requesterID == "" {
		return nil, apperr.Validation("requester is required")
	}
	if in.RadiusKm == 0 {
		in.RadiusKm = defaultRadiusKm
	}
	if in.MaxAcceptors == 0 {
		in.MaxAcceptors = defaultMaxAcceptors
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	r := models.NewRequest(requesterID, models.RequestAttrs{
		Type:         in.Type,
		Priority:     in.Priority,
		Title:        in.Title,
		Description:  in.Description,
		Origin:       in.Origin,
		RadiusKm:     in.RadiusKm,
		MaxAcceptors: in.MaxAcceptors,
	}, m.now())

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.store.Create(ctx, r); err != nil {
		return nil, storeErr("create request", err)
	}
	observability.RequestsCreated.WithLabelValues(string(r.Type)).Inc()
	m.logger.Info("request created", "request_id", r.ID, "requester_id", requesterID, "type", r.Type,
		"expires_at", r.ExpiresAt)
	return r, nil
}

// Get loads a request, persisting the expired status if it elapsed.
func (m *Manager) Get(ctx context.Context, id string) (*models.Request, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("load request", err)
	}
	if !r.Clone().Reconcile(m.now()) {
		return r, nil
	}
	return m.reconcile(ctx, id)
}

func (m *Manager) reconcile(ctx context.Context, id string) (*models.Request, error) {
	now := m.now()
	r, err := m.store.Mutate(ctx, id, func(r *models.Request) error {
		if !r.Reconcile(now) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		r, err = m.store.Get(ctx, id)
	}
	if err != nil {
		return nil, storeErr("reconcile request", err)
	}
	return r, nil
}

func (m *Manager) ListByRequester(ctx context.Context, requesterID string) ([]*models.Request, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	list, err := m.store.ListByRequester(ctx, requesterID)
	if err != nil {
		return nil, storeErr("list requests", err)
	}
	now := m.now()
	for i, r := range list {
		if r.Clone().Reconcile(now) {
			if list[i], err = m.reconcile(ctx, r.ID); err != nil {
				return nil, err
			}
		}
	}
	return list, nil
}

// Accept records userID as an acceptor. The expiry check, the capacity check
// and the append happen in one atomic store update.
func (m *Manager) Accept(ctx context.Context, requestID, userID, message string) (*AcceptResult, error) {
	if userID == "" {
		return nil, apperr.Validation("user is required")
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	now := m.now()
	var expired bool
	updated, err := m.store.Mutate(ctx, requestID, func(r *models.Request) error {
		expired = false
		if r.RequesterID == userID {
			return apperr.ErrSelfAcceptance
		}
		if r.Reconcile(now) {
			expired = true
			return nil
		}
		if r.Status == models.StatusAccepted {
			switch {
			case r.HasAcceptor(userID):
				return apperr.ErrAlreadyAccepted
			case r.Full():
				return apperr.ErrCapacityReached
			}
			return apperr.ErrNotActive
		}
		if r.Status != models.StatusActive {
			return apperr.ErrNotActive
		}
		if r.HasAcceptor(userID) {
			return apperr.ErrAlreadyAccepted
		}
		if r.Full() {
			return apperr.ErrCapacityReached
		}
		r.AcceptedBy = append(r.AcceptedBy, models.Acceptance{UserID: userID, AcceptedAt: now, Status: models.AcceptancePending})
		if message != "" {
			r.Responses = append(r.Responses, models.Response{UserID: userID, Message: message, CreatedAt: now})
		}
		if r.Full() {
			r.Status = models.StatusAccepted
		}
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		observability.AcceptOutcomes.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, storeErr("accept request", err)
	}
	if expired {
		observability.AcceptOutcomes.WithLabelValues(string(apperr.ReasonNotActive)).Inc()
		m.logger.Info("accept rejected, request expired", "request_id", requestID, "user_id", userID)
		return nil, apperr.ErrNotActive
	}
	observability.AcceptOutcomes.WithLabelValues("accepted").Inc()
	if updated.Status == models.StatusAccepted {
		observability.StatusTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	}
	m.logger.Info("request accepted", "request_id", requestID, "user_id", userID,
		"acceptors", len(updated.AcceptedBy), "status", updated.Status)

	res := &AcceptResult{Request: updated}
	if m.convs != nil {
		conv, _, err := m.convs.FindOrCreate(ctx, updated.ID, updated.RequesterID, userID)
		if err != nil {
			m.logger.Error("conversation create failed", "request_id", requestID, "user_id", userID, "error", err)
		} else {
			res.Conversation = conv
		}
	}
	req, conv := updated.Clone(), res.Conversation
	m.notify(ctx, func(ctx context.Context) {
		m.notifier.RequestAccepted(ctx, req, userID, conv)
	})
	return res, nil
}

func outcomeLabel(err error) string {
	if r := apperr.ReasonOf(err); r != "" {
		return string(r)
	}
	return string(apperr.KindOf(err))
}

// CancelAcceptance withdraws userID's acceptance. Removing a missing entry is
// a no-op. A request that became accepted stays accepted after a withdrawal.
func (m *Manager) CancelAcceptance(ctx context.Context, requestID, userID string) (*models.Request, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	now := m.now()
	updated, err := m.store.Mutate(ctx, requestID, func(r *models.Request) error {
		changed := r.Reconcile(now)
		kept := r.AcceptedBy[:0]
		for _, a := range r.AcceptedBy {
			if a.UserID != userID {
				kept = append(kept, a)
			}
		}
		if len(kept) != len(r.AcceptedBy) {
			r.AcceptedBy = kept
			r.UpdatedAt = now
			changed = true
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		updated, err = m.store.Get(ctx, requestID)
	}
	if err != nil {
		return nil, storeErr("cancel acceptance", err)
	}
	m.logger.Info("acceptance cancelled", "request_id", requestID, "user_id", userID)
	return updated, nil
}

// UpdateStatus completes or cancels a request on behalf of its requester.
func (m *Manager) UpdateStatus(ctx context.Context, requestID, actorID string, in UpdateStatusInput) (*models.Request, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	now := m.now()
	updated, err := m.store.Mutate(ctx, requestID, func(r *models.Request) error {
		if r.RequesterID != actorID {
			return apperr.Forbidden("only the requester can change the request status")
		}
		r.Status = in.Status
		r.UpdatedAt = now
		if in.Status == models.StatusCompleted {
			r.CompletedAt = &now
			if in.Rating != nil {
				v := *in.Rating
				r.Rating = &v
			}
			r.Feedback = in.Feedback
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("update status", err)
	}
	observability.StatusTransitions.WithLabelValues(string(updated.Status)).Inc()
	m.logger.Info("request status updated", "request_id", requestID, "status", updated.Status)
	req := updated.Clone()
	m.notify(ctx, func(ctx context.Context) {
		m.notifier.RequestStatusChanged(ctx, req)
	})
	return updated, nil
}

// Delete removes a request that nobody has accepted yet.
func (m *Manager) Delete(ctx context.Context, requestID, actorID string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	err := m.store.Delete(ctx, requestID, func(r *models.Request) error {
		if r.RequesterID != actorID {
			return apperr.Forbidden("only the requester can delete the request")
		}
		if len(r.AcceptedBy) > 0 {
			return apperr.ErrHasAcceptances
		}
		return nil
	})
	if err != nil {
		return storeErr("delete request", err)
	}
	m.logger.Info("request deleted", "request_id", requestID)
	return nil
}

// SweepExpired expires every elapsed active request. Safe to run concurrently
// with itself and with Accept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	n, err := m.store.ExpireActive(ctx, m.now())
	if err != nil {
		return 0, storeErr("sweep expired", err)
	}
	if n > 0 {
		observability.RequestsExpired.Add(float64(n))
		observability.StatusTransitions.WithLabelValues(string(models.StatusExpired)).Add(float64(n))
	}
	return n, nil
}
