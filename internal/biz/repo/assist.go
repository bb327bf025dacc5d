package repo

import (
	"context"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

// ReplySuggester ranks canned replies for a notification
type ReplySuggester interface {
	// Suggest returns the index into candidates of the best reply
	Suggest(ctx context.Context, n domain.Notification, candidates []string) (int, error)
}

// StaffNotifier posts escalation text to a staff group chat
type StaffNotifier interface {
	SendText(ctx context.Context, chatID, text string) error
}
