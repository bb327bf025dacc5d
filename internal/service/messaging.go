package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/repo"
	"github.com/tableside/staff-bridge/internal/biz/usecase"
	"github.com/tableside/staff-bridge/internal/clock"
	"github.com/tableside/staff-bridge/internal/infra/stream"
)

// EventSource is the connection the service listens on.
// *stream.Manager implements it.
type EventSource interface {
	On(event string, fn stream.Handler) stream.SubscriptionID
	Off(event string, id stream.SubscriptionID)
	OnStateChange(fn func(domain.ConnState))
	Connect(ctx context.Context, tokens domain.TokenProvider) error
	Disconnect()
	State() domain.ConnState
}

// MessagingService connects the event stream to the unread index, the
// presenter and the correlator, and is the API the staff UI talks to
type MessagingService struct {
	source     EventSource
	backend    repo.MessageAPI
	unreadUC   *usecase.UnreadIndexUsecase
	presenter  *usecase.PresenterUsecase
	correlator *usecase.CorrelatorUsecase
	suggestUC  *usecase.SuggestUsecase
	staff      domain.StaffIdentity
	clock      clock.Clock
	log        *zap.Logger
	validate   *validator.Validate

	mu         sync.Mutex
	tokens     domain.TokenProvider
	subs       map[string]stream.SubscriptionID
	hydrations int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	authMu        sync.Mutex
	authListeners []func(reason string)
}

// NewMessagingService creates a new messaging service
func NewMessagingService(
	source EventSource,
	backend repo.MessageAPI,
	unreadUC *usecase.UnreadIndexUsecase,
	presenter *usecase.PresenterUsecase,
	correlator *usecase.CorrelatorUsecase,
	suggestUC *usecase.SuggestUsecase,
	staff domain.StaffIdentity,
	clk clock.Clock,
	logger *zap.Logger,
) *MessagingService {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MessagingService{
		source:     source,
		backend:    backend,
		unreadUC:   unreadUC,
		presenter:  presenter,
		correlator: correlator,
		suggestUC:  suggestUC,
		staff:      staff,
		clock:      clk,
		log:        logger.Named("service"),
		validate:   validator.New(),
		subs:       make(map[string]stream.SubscriptionID),
	}
	source.OnStateChange(s.onStateChange)
	return s
}

// Start loads the persisted unread index, subscribes to the stream and
// connects. A storage failure is logged and startup continues with an empty
// index. The returned error is the Connect result; the service keeps running
// after a connection or auth failure so Reconnect can be used.
func (s *MessagingService) Start(ctx context.Context, tokens domain.TokenProvider) error {
	if err := s.unreadUC.Load(ctx); err != nil {
		s.log.Warn("unread index not restored", zap.Error(err))
	}

	s.mu.Lock()
	if s.cancel == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.subs[domain.EventNewMessage] = s.source.On(domain.EventNewMessage, s.handleNewMessage)
		s.subs[domain.EventServerResponse] = s.source.On(domain.EventServerResponse, s.handleServerResponse)
		s.subs[domain.EventAuthError] = s.source.On(domain.EventAuthError, s.handleAuthError)
	}
	s.tokens = tokens
	s.mu.Unlock()

	s.log.Info("starting",
		zap.Int("unread", s.unreadUC.TotalUnread()),
		zap.String("staff", s.staff.ID))
	return s.source.Connect(ctx, tokens)
}

// Reconnect connects again with the last token provider, or with tokens if
// non-nil
func (s *MessagingService) Reconnect(ctx context.Context, tokens domain.TokenProvider) error {
	s.mu.Lock()
	if tokens != nil {
		s.tokens = tokens
	}
	tokens = s.tokens
	s.mu.Unlock()
	if tokens == nil {
		return errors.New("service not started")
	}
	return s.source.Connect(ctx, tokens)
}

// Stop disconnects, waits for background hydration and flushes the index
func (s *MessagingService) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	subs := s.subs
	s.subs = make(map[string]stream.SubscriptionID)
	s.mu.Unlock()

	for event, id := range subs {
		s.source.Off(event, id)
	}
	s.source.Disconnect()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.presenter.Clear()
	if err := s.unreadUC.Persist(ctx); err != nil {
		s.log.Warn("final persist failed", zap.Error(err))
	}
	s.log.Info("stopped")
}

// ConnectionState returns the stream connection state
func (s *MessagingService) ConnectionState() domain.ConnState {
	return s.source.State()
}

// OnCurrentChanged subscribes to presenter changes
func (s *MessagingService) OnCurrentChanged(fn func(usecase.PresenterView)) {
	s.presenter.OnChange(fn)
}

// OnUnreadChanged subscribes to total unread count changes
func (s *MessagingService) OnUnreadChanged(fn func(total int)) {
	s.unreadUC.OnChange(fn)
}

// OnConnectionChanged subscribes to connection state changes
func (s *MessagingService) OnConnectionChanged(fn func(domain.ConnState)) {
	s.source.OnStateChange(fn)
}

// OnAuthError subscribes to authentication failures
func (s *MessagingService) OnAuthError(fn func(reason string)) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authListeners = append(s.authListeners, fn)
}

// Current returns what the presenter is showing
func (s *MessagingService) Current() usecase.PresenterView {
	return s.presenter.View()
}

// TotalUnread returns the unread count
func (s *MessagingService) TotalUnread() int {
	return s.unreadUC.TotalUnread()
}

// Conversations lists conversations with unread notifications
func (s *MessagingService) Conversations() []usecase.ConversationSummary {
	return s.unreadUC.Conversations()
}

// UnreadFor lists unread notifications of one conversation
func (s *MessagingService) UnreadFor(conversationKey string) []domain.Notification {
	return s.unreadUC.UnreadFor(conversationKey)
}

// Unresolved lists every unread notification, oldest first
func (s *MessagingService) Unresolved() []domain.Notification {
	return s.unreadUC.Unresolved()
}

// History lists recently resolved notifications
func (s *MessagingService) History() []domain.Notification {
	return s.unreadUC.History()
}

// Notification returns a notification known to the index
func (s *MessagingService) Notification(id string) (domain.Notification, error) {
	n, ok := s.unreadUC.Get(id)
	if !ok {
		return domain.Notification{}, domain.ErrNotFound
	}
	return n, nil
}

// Pending returns the kept draft for id
func (s *MessagingService) Pending(id string) (domain.PendingResponse, bool) {
	return s.correlator.Pending(id)
}

// PendingAll lists all drafts
func (s *MessagingService) PendingAll() []domain.PendingResponse {
	return s.correlator.PendingAll()
}

// SelectReply drafts text as the response for an unread notification
func (s *MessagingService) SelectReply(id, text string) (domain.PendingResponse, error) {
	if !s.unreadUC.IsUnread(id) {
		return domain.PendingResponse{}, domain.ErrNotFound
	}
	return s.correlator.SelectReply(id, text)
}

// SendResponse posts text as the response to id on behalf of the
// configured staff member
func (s *MessagingService) SendResponse(ctx context.Context, id, text string) error {
	if _, ok := s.unreadUC.Get(id); !ok {
		return domain.ErrNotFound
	}
	return s.correlator.SendResponse(ctx, id, text, s.staff, s.onResponded)
}

// Retry resends the kept draft for id
func (s *MessagingService) Retry(ctx context.Context, id string) error {
	return s.correlator.Retry(ctx, id, s.staff, s.onResponded)
}

// CancelDraft discards the draft for id. It fails while a send is in flight.
func (s *MessagingService) CancelDraft(id string) error {
	if s.correlator.InFlight(id) {
		return &domain.DuplicateResponseError{NotificationID: id}
	}
	if !s.correlator.Cancel(id) {
		return domain.ErrNotFound
	}
	return nil
}

// DismissCurrent hides the visible notification without resolving it
func (s *MessagingService) DismissCurrent() bool {
	return s.presenter.Dismiss()
}

// OpenConversation resolves every unread notification of the conversation
// and removes them from the presenter. Returns the resolved ids.
func (s *MessagingService) OpenConversation(ctx context.Context, conversationKey string) []string {
	ids := s.unreadUC.ResolveAll(ctx, conversationKey)
	s.presenter.RetireConversation(conversationKey)
	for _, id := range ids {
		s.correlator.Release(id)
	}
	s.log.Info("conversation opened",
		zap.String("conversation", conversationKey),
		zap.Int("resolved", len(ids)))
	return ids
}

// MarkRead resolves a single notification without responding. A send
// already in flight for it is left to finish.
func (s *MessagingService) MarkRead(ctx context.Context, id string) error {
	if !s.unreadUC.Resolve(ctx, id) {
		return domain.ErrNotFound
	}
	s.presenter.Retire(id)
	s.correlator.Release(id)
	return nil
}

// Suggestions returns reply candidates for an unread notification
func (s *MessagingService) Suggestions(ctx context.Context, id string) ([]string, error) {
	n, ok := s.unreadUC.Get(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.suggestUC.Replies(ctx, n), nil
}

func (s *MessagingService) onResponded(id string) {
	s.log.Debug("responded", zap.String("id", id))
}

func (s *MessagingService) handleNewMessage(data json.RawMessage) {
	var p domain.NewMessagePayload
	if err := s.decode(data, &p); err != nil {
		s.log.Warn("dropping malformed new-message", zap.Error(err))
		return
	}
	s.ingest(s.baseContext(), p.ToNotification(), true)
}

func (s *MessagingService) handleServerResponse(data json.RawMessage) {
	var p domain.ServerResponsePayload
	if err := s.decode(data, &p); err != nil {
		s.log.Warn("dropping malformed server-response", zap.Error(err))
		return
	}
	id := p.ClientMessageID
	resolved := s.unreadUC.Resolve(s.baseContext(), id)
	s.presenter.Retire(id)
	s.correlator.Release(id)
	s.log.Debug("server response", zap.String("id", id), zap.Bool("resolved", resolved))
}

func (s *MessagingService) handleAuthError(data json.RawMessage) {
	var p struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(data, &p)
	s.log.Warn("authentication rejected", zap.String("reason", p.Reason))

	s.authMu.Lock()
	listeners := append([]func(string){}, s.authListeners...)
	s.authMu.Unlock()
	for _, fn := range listeners {
		fn(p.Reason)
	}
}

func (s *MessagingService) decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// ingest adds n to the index and, when it is new and present is set, queues
// it for display. The first payload seen for an id wins.
func (s *MessagingService) ingest(ctx context.Context, n domain.Notification, present bool) bool {
	if strings.TrimSpace(n.ID) == "" || strings.TrimSpace(n.ConversationKey) == "" {
		return false
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.clock.Now()
	}
	if !s.unreadUC.Add(ctx, n) {
		return false
	}
	if present {
		s.presenter.Enqueue(n)
	}
	return true
}

func (s *MessagingService) onStateChange(state domain.ConnState) {
	if state != domain.StateAuthenticated {
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.hydrations++
	present := s.hydrations > 1
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.hydrate(ctx, present)
	}()
}

// hydrate merges the server backlog into the index. Items only found on a
// re-authentication were missed live and are presented.
func (s *MessagingService) hydrate(ctx context.Context, present bool) {
	backlog, err := s.backend.FetchBacklog(ctx)
	if err != nil {
		s.log.Warn("backlog fetch failed", zap.Error(err))
		return
	}
	added := 0
	for _, n := range backlog {
		if s.ingest(ctx, n, present) {
			added++
		}
	}
	s.log.Info("backlog merged",
		zap.Int("fetched", len(backlog)),
		zap.Int("new", added),
		zap.Bool("presented", present))
}

func (s *MessagingService) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
