package dispatch

import (
	"context"
	"errors"

	"github.com/example/help-matching/internal/models"
)

// Emitter pushes a named event to every live session of a user.
type Emitter interface {
	Emit(userID, event string, payload any) error
}

// PushSender delivers a notification to device tokens. Results are per token.
type PushSender interface {
	SendToTokens(ctx context.Context, tokens []string, title, body string, data map[string]string) ([]PushResult, error)
}

type UserLookup interface {
	Get(ctx context.Context, id string) (*models.User, error)
	GetMany(ctx context.Context, ids []string) ([]models.User, error)
}

type PushResult struct {
	Token string
	Err   error
}

// ErrNoSession means the user has no open websocket; the event is dropped.
var ErrNoSession = errors.New("no ws session")

const (
	EventNewRequest    = "new_request"
	EventAccepted      = "request_accepted"
	EventStatusChanged = "request_status_changed"
)
