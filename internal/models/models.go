package models

import (
	"fmt"
	"time"
)

// Position is a WGS84 coordinate pair.
type Position struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

func (p Position) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %f out of range", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %f out of range", p.Lon)
	}
	return nil
}

type NotificationPrefs struct {
	Emergency bool `json:"emergency_notifications"`
	Help      bool `json:"help_notifications"`
	Social    bool `json:"social_notifications"`
}

// Allows reports whether the user opted in to pushes for requests of type t.
func (p NotificationPrefs) Allows(t RequestType) bool {
	switch t {
	case TypeEmergency:
		return p.Emergency
	case TypeHelp:
		return p.Help
	case TypeSocial:
		return p.Social
	default:
		return false
	}
}

type User struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	IsActive          bool              `json:"is_active"`
	LocationSharing   bool              `json:"location_sharing"`
	Location          *Position         `json:"location,omitempty"`
	LocationUpdatedAt time.Time         `json:"location_updated_at,omitempty"`
	Prefs             NotificationPrefs `json:"notification_prefs"`
	DeviceTokens      []string          `json:"-"`
}

// Eligible reports whether the user may be matched against nearby requests.
func (u User) Eligible() bool { return u.IsActive && u.LocationSharing }

type Conversation struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// ParticipantPair orders two user ids so a pair has a single representation.
func ParticipantPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// Event is the envelope pushed to websocket clients.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// LocationReport is the message published to the location topic.
type LocationReport struct {
	UserID     string    `json:"user_id"`
	Position   Position  `json:"position"`
	ReportedAt time.Time `json:"reported_at"`
}
