package repo

import (
	"context"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

// MessageAPI is the backend HTTP API interface
type MessageAPI interface {
	// FetchBacklog returns unresolved notifications (GET /messages/backlog?status=unresolved)
	FetchBacklog(ctx context.Context) ([]domain.Notification, error)

	// Respond posts a staff response bound to a notification id.
	// Failures are returned as *domain.ResponseSendError.
	Respond(ctx context.Context, id string, req domain.ResponseRequest) error
}
