package storage

import (
	"context"
	"time"

	"github.com/example/help-matching/internal/models"
)

// MutateFunc edits a private copy of a request. Returning an error aborts the
// update without writing anything.
type MutateFunc func(r *models.Request) error

// RequestStore persists requests. Mutate and Delete are atomic read-modify-write
// operations: two concurrent calls on the same request never interleave.
type RequestStore interface {
	Create(ctx context.Context, r *models.Request) error
	Get(ctx context.Context, id string) (*models.Request, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Request, error)
	// Delete removes the request if guard accepts the current state.
	Delete(ctx context.Context, id string, guard func(r *models.Request) error) error
	ListByRequester(ctx context.Context, requesterID string) ([]*models.Request, error)
	// ExpireActive moves every active request with expires_at <= now to expired.
	ExpireActive(ctx context.Context, now time.Time) (int, error)
}

// UserStore is the authoritative user store. NearbyUserIDs is the slow but
// always-correct radius search used when the grid index can't be trusted.
type UserStore interface {
	Get(ctx context.Context, id string) (*models.User, error)
	GetMany(ctx context.Context, ids []string) ([]models.User, error)
	Upsert(ctx context.Context, u *models.User) error
	UpdateLocation(ctx context.Context, id string, pos models.Position, at time.Time) error
	NearbyUserIDs(ctx context.Context, origin models.Position, radiusKm float64) ([]string, error)
}

type ConversationStore interface {
	// FindOrCreate returns the conversation for the unordered pair (a, b) on
	// requestID, creating it on first use. created reports whether it is new.
	FindOrCreate(ctx context.Context, requestID, a, b string) (conv *models.Conversation, created bool, err error)
}
