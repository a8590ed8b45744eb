package models

import (
	"time"

	"github.com/google/uuid"
)

type RequestType string

const (
	TypeEmergency RequestType = "emergency"
	TypeHelp      RequestType = "help"
	TypeSocial    RequestType = "social"
)

type RequestStatus string

const (
	StatusActive    RequestStatus = "active"
	StatusAccepted  RequestStatus = "accepted"
	StatusCompleted RequestStatus = "completed"
	StatusExpired   RequestStatus = "expired"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

const (
	EmergencyTTL = 4 * time.Hour
	DefaultTTL   = 24 * time.Hour
)

type AcceptanceStatus string

const (
	AcceptancePending AcceptanceStatus = "pending"
)

type Acceptance struct {
	UserID     string           `json:"user_id"`
	AcceptedAt time.Time        `json:"accepted_at"`
	Status     AcceptanceStatus `json:"status"`
}

type Response struct {
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Request struct {
	ID           string        `json:"id"`
	RequesterID  string        `json:"requester_id"`
	Type         RequestType   `json:"type"`
	Status       RequestStatus `json:"status"`
	Priority     Priority      `json:"priority"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Origin       Position      `json:"origin"`
	RadiusKm     float64       `json:"radius_km"`
	MaxAcceptors int           `json:"max_acceptors"`
	AcceptedBy   []Acceptance  `json:"accepted_by"`
	Responses    []Response    `json:"responses"`
	ExpiresAt    time.Time     `json:"expires_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Rating       *int          `json:"rating,omitempty"`
	Feedback     string        `json:"feedback,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Version      int64         `json:"-"`
}

// RequestAttrs are the validated attributes a request is built from.
type RequestAttrs struct {
	Type         RequestType
	Priority     Priority
	Title        string
	Description  string
	Origin       Position
	RadiusKm     float64
	MaxAcceptors int
}

// NewRequest builds a fully populated active request. Priority and expiry are
// derived from the type here and nowhere else.
func NewRequest(requesterID string, attrs RequestAttrs, now time.Time) *Request {
	priority := attrs.Priority
	ttl := DefaultTTL
	if attrs.Type == TypeEmergency {
		priority = PriorityEmergency
		ttl = EmergencyTTL
	} else if priority == "" {
		priority = PriorityMedium
	}
	return &Request{
		ID:           uuid.NewString(),
		RequesterID:  requesterID,
		Type:         attrs.Type,
		Status:       StatusActive,
		Priority:     priority,
		Title:        attrs.Title,
		Description:  attrs.Description,
		Origin:       attrs.Origin,
		RadiusKm:     attrs.RadiusKm,
		MaxAcceptors: attrs.MaxAcceptors,
		AcceptedBy:   []Acceptance{},
		Responses:    []Response{},
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Reconcile moves an active request past its expiry to expired. It returns
// true when the status changed and the request needs to be persisted.
func (r *Request) Reconcile(now time.Time) bool {
	if r.Status == StatusActive && !now.Before(r.ExpiresAt) {
		r.Status = StatusExpired
		r.UpdatedAt = now
		return true
	}
	return false
}

func (r *Request) HasAcceptor(userID string) bool {
	for _, a := range r.AcceptedBy {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Request) Full() bool { return len(r.AcceptedBy) >= r.MaxAcceptors }

// AcceptorIDs returns the ids of all current acceptors in acceptance order.
func (r *Request) AcceptorIDs() []string {
	out := make([]string, 0, len(r.AcceptedBy))
	for _, a := range r.AcceptedBy {
		out = append(out, a.UserID)
	}
	return out
}

// Clone returns a deep copy so stores never share slices with callers.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.AcceptedBy = append([]Acceptance{}, r.AcceptedBy...)
	c.Responses = append([]Response{}, r.Responses...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	return &c
}
