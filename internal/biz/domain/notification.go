package domain

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a notification for display only
type Category string

const (
	CategoryService Category = "service"
	CategoryOrder   Category = "order"
	CategoryPayment Category = "payment"
	CategoryOther   Category = "other"
)

// ParseCategory maps a backend category string onto a known Category.
// Unknown or empty values become CategoryOther.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryService:
		return CategoryService
	case CategoryOrder:
		return CategoryOrder
	case CategoryPayment:
		return CategoryPayment
	default:
		return CategoryOther
	}
}

// Notification represents a diner-originated message awaiting staff attention
type Notification struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"` // table or session identifier
	Text            string    `json:"text"`
	Category        Category  `json:"category"`
	OriginName      string    `json:"originName"`
	CreatedAt       time.Time `json:"createdAt"` // server clock
	Resolved        bool      `json:"resolved"`
	ResolvedAt      time.Time `json:"resolvedAt,omitzero"`
}

// Age returns how long the notification has been outstanding at now
func (n *Notification) Age(now time.Time) time.Duration {
	if n.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(n.CreatedAt)
}

// StaffIdentity identifies the staff member sending a response
type StaffIdentity struct {
	ID   string `json:"staffId"`
	Name string `json:"staffName"`
}

// AttemptState is the lifecycle of a pending response send
type AttemptState int

const (
	AttemptDrafted AttemptState = iota
	AttemptInFlight
	AttemptFailed
)

func (s AttemptState) String() string {
	switch s {
	case AttemptDrafted:
		return "drafted"
	case AttemptInFlight:
		return "in_flight"
	case AttemptFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s AttemptState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AttemptState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "drafted":
		*s = AttemptDrafted
	case "in_flight":
		*s = AttemptInFlight
	case "failed":
		*s = AttemptFailed
	default:
		return fmt.Errorf("unknown attempt state %q", b)
	}
	return nil
}

// PendingResponse is a staff reply bound to a notification that has not
// yet been acknowledged by the backend
type PendingResponse struct {
	NotificationID string       `json:"notificationId"`
	ResponseText   string       `json:"responseText"`
	Attempt        AttemptState `json:"attempt"`
	LastError      string       `json:"lastError,omitempty"`
}
