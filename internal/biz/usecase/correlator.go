package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/repo"
)

// DefaultSendTimeout bounds a single response POST
const DefaultSendTimeout = 10 * time.Second

// CorrelatorConfig configures the response correlator
type CorrelatorConfig struct {
	SendTimeout time.Duration
}

// CorrelatorUsecase binds staff responses to notification ids. A successful
// send retires the notification from both the unread index and the
// presenter; a failed send keeps the pending response for retry.
type CorrelatorUsecase struct {
	api       repo.MessageAPI
	unread    *UnreadIndexUsecase
	presenter *PresenterUsecase
	log       *zap.Logger
	timeout   time.Duration

	mu       sync.Mutex
	pending  map[string]*domain.PendingResponse
	inFlight map[string]struct{}
}

// NewCorrelatorUsecase creates a response correlator
func NewCorrelatorUsecase(api repo.MessageAPI, unread *UnreadIndexUsecase, presenter *PresenterUsecase, logger *zap.Logger, cfg CorrelatorConfig) *CorrelatorUsecase {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorrelatorUsecase{
		api:       api,
		unread:    unread,
		presenter: presenter,
		log:       logger.Named("correlator"),
		timeout:   cfg.SendTimeout,
		pending:   make(map[string]*domain.PendingResponse),
		inFlight:  make(map[string]struct{}),
	}
}

// SelectReply records a drafted response for id without sending it
func (c *CorrelatorUsecase) SelectReply(id, text string) (domain.PendingResponse, error) {
	if strings.TrimSpace(text) == "" {
		return domain.PendingResponse{}, errors.New("response text is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return domain.PendingResponse{}, &domain.DuplicateResponseError{NotificationID: id}
	}
	pr := &domain.PendingResponse{NotificationID: id, ResponseText: text, Attempt: domain.AttemptDrafted}
	c.pending[id] = pr
	return *pr, nil
}

// SendResponse posts text as the response to notification id.
// On success the notification is resolved and retired and onDone (if
// non-nil) is called. On failure a *domain.ResponseSendError is returned and
// the pending response is kept. A second call for the same id while one is
// in flight fails immediately with *domain.DuplicateResponseError.
func (c *CorrelatorUsecase) SendResponse(ctx context.Context, id, text string, staff domain.StaffIdentity, onDone func(id string)) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("response text is required")
	}

	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		c.log.Info("rejected duplicate send", zap.String("id", id))
		return &domain.DuplicateResponseError{NotificationID: id}
	}
	c.inFlight[id] = struct{}{}
	pr, ok := c.pending[id]
	if !ok {
		pr = &domain.PendingResponse{NotificationID: id}
		c.pending[id] = pr
	}
	pr.ResponseText = text
	pr.Attempt = domain.AttemptInFlight
	pr.LastError = ""
	c.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.api.Respond(sendCtx, id, domain.ResponseRequest{
		ResponseText: text,
		StaffID:      staff.ID,
		StaffName:    staff.Name,
	})
	cancel()

	if err != nil {
		sendErr := asSendError(id, err)
		stillUnread := c.unread.IsUnread(id)
		c.mu.Lock()
		delete(c.inFlight, id)
		// Forget may have dropped the draft while we were sending. A draft for
		// a notification resolved elsewhere is not kept for retry.
		if cur, ok := c.pending[id]; ok {
			if stillUnread {
				cur.Attempt = domain.AttemptFailed
				cur.LastError = sendErr.Error()
			} else {
				delete(c.pending, id)
			}
		}
		c.mu.Unlock()

		c.log.Warn("response send failed",
			zap.String("id", id),
			zap.Int("status", sendErr.StatusCode),
			zap.Bool("temporary", sendErr.Temporary),
			zap.Error(sendErr.Err))
		return sendErr
	}

	c.mu.Lock()
	delete(c.inFlight, id)
	delete(c.pending, id)
	c.mu.Unlock()

	// Either may already be gone (server-response echo, manual mark-read);
	// both calls are no-ops then.
	c.unread.Resolve(ctx, id)
	c.presenter.Retire(id)

	c.log.Info("response sent", zap.String("id", id), zap.String("staff", staff.ID))
	if onDone != nil {
		onDone(id)
	}
	return nil
}

// Retry resends the kept pending response for id. A draft whose
// notification is no longer unread is dropped instead.
func (c *CorrelatorUsecase) Retry(ctx context.Context, id string, staff domain.StaffIdentity, onDone func(id string)) error {
	if !c.unread.IsUnread(id) {
		c.Forget(id)
		return domain.ErrNotFound
	}

	c.mu.Lock()
	pr, ok := c.pending[id]
	var text string
	if ok {
		text = pr.ResponseText
	}
	c.mu.Unlock()

	if !ok || text == "" {
		return domain.ErrNotFound
	}
	return c.SendResponse(ctx, id, text, staff, onDone)
}

// Pending returns the pending response for id
func (c *CorrelatorUsecase) Pending(id string) (domain.PendingResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[id]
	if !ok {
		return domain.PendingResponse{}, false
	}
	return *pr, true
}

// PendingAll returns every pending response
func (c *CorrelatorUsecase) PendingAll() []domain.PendingResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PendingResponse, 0, len(c.pending))
	for _, pr := range c.pending {
		out = append(out, *pr)
	}
	return out
}

// Cancel discards the draft for id. An in-flight send cannot be cancelled.
func (c *CorrelatorUsecase) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return false
	}
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Forget drops any draft for id because the notification was resolved
// elsewhere. An in-flight send completes normally.
func (c *CorrelatorUsecase) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Release drops the draft for id unless a send is in flight; the in-flight
// send settles it. Reports whether a draft was dropped.
func (c *CorrelatorUsecase) Release(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return false
	}
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// InFlight reports whether a send for id is in progress
func (c *CorrelatorUsecase) InFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

func asSendError(id string, err error) *domain.ResponseSendError {
	var se *domain.ResponseSendError
	if errors.As(err, &se) {
		if se.NotificationID == "" {
			se.NotificationID = id
		}
		return se
	}
	temporary := errors.Is(err, context.DeadlineExceeded)
	return &domain.ResponseSendError{NotificationID: id, Temporary: temporary, Err: err}
}
