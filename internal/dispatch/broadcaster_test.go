package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/help-matching/internal/apperr"
	"github.com/example/help-matching/internal/models"
)

type emitted struct {
	user  string
	event string
}

type fakeEmitter struct {
	mu      sync.Mutex
	online  map[string]bool
	fail    map[string]bool
	emitted []emitted
}

func (f *fakeEmitter) Emit(userID, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[userID] {
		return errors.New("write: broken pipe")
	}
	if !f.online[userID] {
		return ErrNoSession
	}
	f.emitted = append(f.emitted, emitted{user: userID, event: event})
	return nil
}

func (f *fakeEmitter) users() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.emitted {
		out = append(out, e.user)
	}
	sort.Strings(out)
	return out
}

type fakePush struct {
	mu     sync.Mutex
	tokens []string
	titles []string
	err    error
}

func (f *fakePush) SendToTokens(_ context.Context, tokens []string, title, _ string, _ map[string]string) ([]PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tokens...)
	f.titles = append(f.titles, title)
	return nil, f.err
}

func (f *fakePush) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.tokens...)
	sort.Strings(out)
	return out
}

type fakeUsers map[string]models.User

func (f fakeUsers) Get(_ context.Context, id string) (*models.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	return &u, nil
}

func (f fakeUsers) GetMany(_ context.Context, ids []string) ([]models.User, error) {
	var out []models.User
	for _, id := range ids {
		if u, ok := f[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func user(id string, prefs models.NotificationPrefs, tokens ...string) models.User {
	return models.User{ID: id, IsActive: true, LocationSharing: true, Prefs: prefs, DeviceTokens: tokens}
}

var allPrefs = models.NotificationPrefs{Emergency: true, Help: true, Social: true}

func TestBroadcastNewRequestRespectsPushPrefs(t *testing.T) {
	em := &fakeEmitter{online: map[string]bool{"a": true, "b": true, "c": true}}
	push := &fakePush{}
	b := NewBroadcaster(BroadcasterConfig{Emitter: em, Push: push, Concurrency: 2})

	req := &models.Request{ID: "r1", RequesterID: "req", Type: models.TypeSocial, Title: "board games tonight"}
	b.BroadcastNewRequest(context.Background(), req, []models.User{
		user("a", allPrefs, "tok-a"),
		user("b", models.NotificationPrefs{Emergency: true, Help: true}, "tok-b"),
		user("c", allPrefs),
	})

	assert.Equal(t, []string{"a", "b", "c"}, em.users())
	assert.Equal(t, []string{"tok-a"}, push.sent())
	assert.Equal(t, []string{"New social request nearby"}, push.titles)
}

func TestBroadcastNewRequestEmptyIsNoop(t *testing.T) {
	em := &fakeEmitter{}
	push := &fakePush{}
	b := NewBroadcaster(BroadcasterConfig{Emitter: em, Push: push})
	b.BroadcastNewRequest(context.Background(), &models.Request{ID: "r1"}, nil)
	assert.Empty(t, em.users())
	assert.Empty(t, push.sent())
}

func TestBroadcastSurvivesDeliveryFailures(t *testing.T) {
	em := &fakeEmitter{online: map[string]bool{"b": true}, fail: map[string]bool{"a": true}}
	push := &fakePush{err: errors.New("push down")}
	b := NewBroadcaster(BroadcasterConfig{Emitter: em, Push: push})

	req := &models.Request{ID: "r1", Type: models.TypeEmergency}
	b.BroadcastNewRequest(context.Background(), req, []models.User{
		user("a", allPrefs, "tok-a"),
		user("b", allPrefs, "tok-b"),
		user("offline", allPrefs, "tok-o"),
	})

	assert.Equal(t, []string{"b"}, em.users())
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-o"}, push.sent())
}

func TestBroadcastWithoutPushSender(t *testing.T) {
	em := &fakeEmitter{online: map[string]bool{"a": true}}
	b := NewBroadcaster(BroadcasterConfig{Emitter: em})
	b.BroadcastNewRequest(context.Background(), &models.Request{ID: "r1", Type: models.TypeHelp},
		[]models.User{user("a", allPrefs, "tok-a")})
	assert.Equal(t, []string{"a"}, em.users())
}

func TestRequestAcceptedNotifiesRequester(t *testing.T) {
	em := &fakeEmitter{online: map[string]bool{"req": true}}
	push := &fakePush{}
	// the requester muted help alerts; acceptance notices still go out
	users := fakeUsers{"req": user("req", models.NotificationPrefs{}, "tok-req")}
	b := NewBroadcaster(BroadcasterConfig{Emitter: em, Push: push, Users: users})

	req := &models.Request{ID: "r1", RequesterID: "req", Type: models.TypeHelp}
	b.RequestAccepted(context.Background(), req, "helper", &models.Conversation{ID: "c1"})

	require.Len(t, em.emitted, 1)
	assert.Equal(t, emitted{user: "req", event: EventAccepted}, em.emitted[0])
	assert.Equal(t, []string{"tok-req"}, push.sent())
}

func TestRequestAcceptedUnknownRequester(t *testing.T) {
	em := &fakeEmitter{}
	b := NewBroadcaster(BroadcasterConfig{Emitter: em, Users: fakeUsers{}})
	b.RequestAccepted(context.Background(), &models.Request{ID: "r1", RequesterID: "ghost"}, "helper", nil)
	assert.Empty(t, em.emitted)
}

func TestRequestStatusChangedNotifiesAcceptors(t *testing.T) {
	em := &fakeEmitter{online: map[string]bool{"h1": true, "h2": true, "req": true}}
	push := &fakePush{}
	users := fakeUsers{
		"h1":  user("h1", allPrefs, "tok-h1"),
		"h2":  user("h2", allPrefs),
		"req": user("req", allPrefs, "tok-req"),
	}
	b := NewBroadcaster(BroadcasterConfig{Emitter: em, Push: push, Users: users})

	req := &models.Request{
		ID:          "r1",
		RequesterID: "req",
		Status:      models.StatusCompleted,
		AcceptedBy:  []models.Acceptance{{UserID: "h1"}, {UserID: "h2"}},
	}
	b.RequestStatusChanged(context.Background(), req)

	assert.Equal(t, []string{"h1", "h2"}, em.users())
	assert.Equal(t, []string{"tok-h1"}, push.sent())
	assert.Equal(t, []string{"Request completed"}, push.titles)
}

func TestSummaryTruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "sofa", summary(&models.Request{Title: "sofa", Description: "ignored"}))
	assert.Equal(t, "short", summary(&models.Request{Description: "short"}))

	ascii := strings.Repeat("a", 130)
	assert.Equal(t, strings.Repeat("a", 120)+"...", summary(&models.Request{Description: ascii}))

	// 119 ASCII bytes then a 3-byte rune straddling the limit.
	mixed := strings.Repeat("a", 119) + strings.Repeat("€", 5)
	got := summary(&models.Request{Description: mixed})
	assert.True(t, utf8.ValidString(got), got)
	assert.Equal(t, strings.Repeat("a", 119)+"...", got)

	cyrillic := strings.Repeat("ж", 100)
	got = summary(&models.Request{Description: cyrillic})
	assert.True(t, utf8.ValidString(got), got)
	assert.Equal(t, strings.Repeat("ж", 60)+"...", got)
}
