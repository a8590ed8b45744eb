package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/help-matching/internal/apperr"
	"github.com/example/help-matching/internal/geo"
	"github.com/example/help-matching/internal/models"
)

// MemoryRequests is an in-process RequestStore. A single mutex serialises all
// writes, which trivially gives per-request atomicity.
type MemoryRequests struct {
	mu       sync.RWMutex
	requests map[string]*models.Request
}

func NewMemoryRequests() *MemoryRequests {
	return &MemoryRequests{requests: make(map[string]*models.Request)}
}

func (m *MemoryRequests) Create(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRequests) Get(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	return r.Clone(), nil
}

func (m *MemoryRequests) Mutate(_ context.Context, id string, fn MutateFunc) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.RequesterID = cur.ID, cur.RequesterID
	next.Version = cur.Version + 1
	m.requests[id] = next
	return next.Clone(), nil
}

func (m *MemoryRequests) Delete(_ context.Context, id string, guard func(r *models.Request) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[id]
	if !ok {
		return apperr.NotFound("request", id)
	}
	if guard != nil {
		if err := guard(cur.Clone()); err != nil {
			return err
		}
	}
	delete(m.requests, id)
	return nil
}

func (m *MemoryRequests) ListByRequester(_ context.Context, requesterID string) ([]*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Request
	for _, r := range m.requests {
		if r.RequesterID == requesterID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRequests) ExpireActive(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Reconcile(now) {
			r.Version++
			n++
		}
	}
	return n, nil
}

type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]*models.User)}
}

func copyUser(u *models.User) *models.User {
	c := *u
	if u.Location != nil {
		p := *u.Location
		c.Location = &p
	}
	c.DeviceTokens = append([]string(nil), u.DeviceTokens...)
	return &c
}

func (m *MemoryUsers) Get(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	return copyUser(u), nil
}

// GetMany returns the known users among ids in the order given; unknown ids are skipped.
func (m *MemoryUsers) GetMany(_ context.Context, ids []string) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, *copyUser(u))
		}
	}
	return out, nil
}

func (m *MemoryUsers) Upsert(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *MemoryUsers) UpdateLocation(_ context.Context, id string, pos models.Position, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user", id)
	}
	u.Location = &pos
	u.LocationUpdatedAt = at
	return nil
}

// NearbyUserIDs scans every user; results are ordered by distance.
func (m *MemoryUsers) NearbyUserIDs(_ context.Context, origin models.Position, radiusKm float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for _, u := range m.users {
		if !u.Eligible() || u.Location == nil {
			continue
		}
		if d := geo.DistanceKm(origin, *u.Location); d <= radiusKm {
			hits = append(hits, hit{u.ID, d})
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

type MemoryConversations struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{convs: make(map[string]*models.Conversation)}
}

func (m *MemoryConversations) FindOrCreate(_ context.Context, requestID, a, b string) (*models.Conversation, bool, error) {
	pair := models.ParticipantPair(a, b)
	key := requestID + "|" + pair[0] + "|" + pair[1]
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[key]; ok {
		cp := *c
		return &cp, false, nil
	}
	c := &models.Conversation{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		Participants: pair,
		CreatedAt:    time.Now().UTC(),
	}
	m.convs[key] = c
	cp := *c
	return &cp, true, nil
}
