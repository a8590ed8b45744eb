package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/observability"
)

const defaultConcurrency = 16

// Broadcaster fans request events out over websocket and push. Delivery is
// best effort: failures are logged and counted, never returned.
type Broadcaster struct {
	emitter     Emitter
	push        PushSender
	users       UserLookup
	concurrency int
	logger      *slog.Logger
}

type BroadcasterConfig struct {
	Emitter     Emitter
	Push        PushSender // nil disables push
	Users       UserLookup
	Concurrency int
	Logger      *slog.Logger
}

func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		emitter:     cfg.Emitter,
		push:        cfg.Push,
		users:       cfg.Users,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

type notification struct {
	event   string
	payload any
	title   string
	body    string
	data    map[string]string
}

// BroadcastNewRequest alerts every user in users. Websocket events go to all of
// them; push goes only to users whose preference for the request type is on.
func (b *Broadcaster) BroadcastNewRequest(ctx context.Context, req *models.Request, users []models.User) {
	if len(users) == 0 {
		return
	}
	n := notification{
		event:   EventNewRequest,
		payload: req,
		title:   newRequestTitle(req.Type),
		body:    summary(req),
		data: map[string]string{
			"type":         EventNewRequest,
			"request_id":   req.ID,
			"request_type": string(req.Type),
			"priority":     string(req.Priority),
		},
	}

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, u := range users {
		u := u
		g.Go(func() error {
			b.deliver(ctx, u, n, u.Prefs.Allows(req.Type))
			return nil
		})
	}
	_ = g.Wait()
	b.logger.Info("request broadcast", "request_id", req.ID, "recipients", len(users))
}

// RequestAccepted tells the requester someone picked up their request.
func (b *Broadcaster) RequestAccepted(ctx context.Context, req *models.Request, acceptorID string, conv *models.Conversation) {
	requester, err := b.users.Get(ctx, req.RequesterID)
	if err != nil {
		b.logger.Warn("requester lookup failed", "request_id", req.ID, "error", err)
		return
	}
	payload := map[string]any{
		"request":     req,
		"acceptor_id": acceptorID,
	}
	data := map[string]string{
		"type":        EventAccepted,
		"request_id":  req.ID,
		"acceptor_id": acceptorID,
	}
	if conv != nil {
		payload["conversation_id"] = conv.ID
		data["conversation_id"] = conv.ID
	}
	b.deliver(ctx, *requester, notification{
		event:   EventAccepted,
		payload: payload,
		title:   "Your request was accepted",
		body:    summary(req),
		data:    data,
	}, true)
}

// RequestStatusChanged tells every current acceptor about a completion or cancellation.
func (b *Broadcaster) RequestStatusChanged(ctx context.Context, req *models.Request) {
	ids := req.AcceptorIDs()
	if len(ids) == 0 {
		return
	}
	acceptors, err := b.users.GetMany(ctx, ids)
	if err != nil {
		b.logger.Warn("acceptor lookup failed", "request_id", req.ID, "error", err)
		return
	}
	n := notification{
		event:   EventStatusChanged,
		payload: req,
		title:   "Request " + string(req.Status),
		body:    summary(req),
		data: map[string]string{
			"type":       EventStatusChanged,
			"request_id": req.ID,
			"status":     string(req.Status),
		},
	}
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, u := range acceptors {
		u := u
		g.Go(func() error {
			b.deliver(ctx, u, n, true)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Broadcaster) deliver(ctx context.Context, u models.User, n notification, pushAllowed bool) {
	if b.emitter != nil {
		err := b.emitter.Emit(u.ID, n.event, n.payload)
		switch {
		case err == nil:
			observability.BroadcastRecipients.WithLabelValues("ws", "sent").Inc()
		case errors.Is(err, ErrNoSession):
			observability.BroadcastRecipients.WithLabelValues("ws", "offline").Inc()
		default:
			observability.BroadcastRecipients.WithLabelValues("ws", "error").Inc()
			b.logger.Warn("ws emit failed", "user_id", u.ID, "event", n.event, "error", err)
		}
	}

	if b.push == nil || !pushAllowed || len(u.DeviceTokens) == 0 {
		return
	}
	if _, err := b.push.SendToTokens(ctx, u.DeviceTokens, n.title, n.body, n.data); err != nil {
		observability.BroadcastRecipients.WithLabelValues("push", "error").Inc()
		b.logger.Warn("push failed", "user_id", u.ID, "event", n.event, "error", err)
		return
	}
	observability.BroadcastRecipients.WithLabelValues("push", "sent").Inc()
}

func newRequestTitle(t models.RequestType) string {
	switch t {
	case models.TypeEmergency:
		return "Emergency nearby"
	case models.TypeSocial:
		return "New social request nearby"
	default:
		return "Someone nearby needs help"
	}
}

func summary(req *models.Request) string {
	if req.Title != "" {
		return req.Title
	}
	const maxLen = 120
	d := req.Description
	if len(d) <= maxLen {
		return d
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(d[cut]) {
		cut--
	}
	return d[:cut] + "..."
}
