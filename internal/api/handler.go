// Package api serves the local staff UI: JSON endpoints over the messaging
// service and a websocket event push channel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/usecase"
)

// Messaging is what the API needs from the messaging service
type Messaging interface {
	ConnectionState() domain.ConnState
	Reconnect(ctx context.Context, tokens domain.TokenProvider) error

	OnCurrentChanged(fn func(usecase.PresenterView))
	OnUnreadChanged(fn func(total int))
	OnConnectionChanged(fn func(domain.ConnState))
	OnAuthError(fn func(reason string))

	Current() usecase.PresenterView
	TotalUnread() int
	Conversations() []usecase.ConversationSummary
	UnreadFor(conversationKey string) []domain.Notification
	Unresolved() []domain.Notification
	History() []domain.Notification
	Notification(id string) (domain.Notification, error)
	PendingAll() []domain.PendingResponse

	SelectReply(id, text string) (domain.PendingResponse, error)
	SendResponse(ctx context.Context, id, text string) error
	Retry(ctx context.Context, id string) error
	CancelDraft(id string) error
	DismissCurrent() bool
	OpenConversation(ctx context.Context, conversationKey string) []string
	MarkRead(ctx context.Context, id string) error
	Suggestions(ctx context.Context, id string) ([]string, error)
}

// Server provides the HTTP API for the staff UI and the MCP tools
type Server struct {
	svc      Messaging
	hub      *Hub
	log      *zap.Logger
	validate *validator.Validate

	server *http.Server
	port   int
}

// replyRequest is the body of reply and respond calls
type replyRequest struct {
	ResponseText string `json:"responseText" validate:"required,max=4000"`
}

// badRequest marks client input errors
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

// NewServer creates a new API server and subscribes the event hub to svc
func NewServer(svc Messaging, logger *zap.Logger, port int) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("api")
	s := &Server{
		svc:      svc,
		hub:      NewHub(log),
		log:      log,
		validate: validator.New(),
		port:     port,
	}

	svc.OnCurrentChanged(func(v usecase.PresenterView) {
		s.hub.Broadcast(Event{Event: EventCurrentChanged, Data: v})
	})
	svc.OnUnreadChanged(func(total int) {
		s.hub.Broadcast(Event{Event: EventUnreadChanged, Data: map[string]int{"total": total}})
	})
	svc.OnConnectionChanged(func(state domain.ConnState) {
		s.hub.Broadcast(Event{Event: EventConnectionChanged, Data: map[string]string{"state": state.String()}})
	})
	svc.OnAuthError(func(reason string) {
		s.hub.Broadcast(Event{Event: EventAuthError, Data: map[string]string{"reason": reason}})
	})
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/connection/reconnect", s.handleReconnect)

	// Presenter
	mux.HandleFunc("GET /api/current", s.handleCurrent)
	mux.HandleFunc("POST /api/current/dismiss", s.handleDismiss)

	// Unread index
	mux.HandleFunc("GET /api/unread", s.handleUnread)
	mux.HandleFunc("GET /api/unread/{key}", s.handleUnreadFor)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/conversations/{key}/open", s.handleOpenConversation)

	// Responses
	mux.HandleFunc("GET /api/notifications/{id}", s.handleNotification)
	mux.HandleFunc("GET /api/notifications/{id}/suggestions", s.handleSuggestions)
	mux.HandleFunc("POST /api/notifications/{id}/reply", s.handleSelectReply)
	mux.HandleFunc("DELETE /api/notifications/{id}/reply", s.handleCancelDraft)
	mux.HandleFunc("POST /api/notifications/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /api/notifications/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /api/drafts", s.handleDrafts)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("starting HTTP server", zap.Int("port", s.port))
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// GetPort returns the server port
func (s *Server) GetPort() int {
	return s.port
}

// ============ State Handlers ============

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view := s.svc.Current()
	s.writeJSON(w, map[string]interface{}{
		"connection": s.svc.ConnectionState().String(),
		"unread":     s.svc.TotalUnread(),
		"current":    view.Current,
		"waiting":    view.Waiting,
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.svc.Reconnect(ctx, nil); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"connection": s.svc.ConnectionState().String()})
}

// ============ Presenter Handlers ============

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.svc.Current())
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	dismissed := s.svc.DismissCurrent()
	view := s.svc.Current()
	s.writeJSON(w, map[string]interface{}{
		"dismissed": dismissed,
		"current":   view.Current,
		"waiting":   view.Waiting,
	})
}

// ============ Unread Handlers ============

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"total":         s.svc.TotalUnread(),
		"conversations": s.svc.Conversations(),
		"notifications": s.svc.Unresolved(),
	})
}

func (s *Server) handleUnreadFor(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.writeJSON(w, map[string]interface{}{
		"conversationKey": key,
		"notifications":   s.svc.UnreadFor(key),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"notifications": s.svc.History()})
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	ids := s.svc.OpenConversation(r.Context(), r.PathValue("key"))
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, map[string]interface{}{"resolved": ids})
}

// ============ Response Handlers ============

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Notification(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, n)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	replies, err := s.svc.Suggestions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"replies": replies})
}

func (s *Server) handleSelectReply(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeReply(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pr, err := s.svc.SelectReply(r.PathValue("id"), req.ResponseText)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, pr)
}

func (s *Server) handleCancelDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelDraft(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeReply(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.svc.SendResponse(r.Context(), id, req.ResponseText); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "sent", "id": id})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Retry(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "sent", "id": id})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleDrafts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"drafts": s.svc.PendingAll()})
}

// ============ Events ============

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.serveEvents(w, r, func() []Event {
		return []Event{
			{Event: EventConnectionChanged, Data: map[string]string{"state": s.svc.ConnectionState().String()}},
			{Event: EventUnreadChanged, Data: map[string]int{"total": s.svc.TotalUnread()}},
			{Event: EventCurrentChanged, Data: s.svc.Current()},
		}
	})
}

// ============ Helpers ============

func (s *Server) decodeReply(r *http.Request) (*replyRequest, error) {
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &badRequest{msg: "invalid JSON body: " + err.Error()}
	}
	if err := s.validate.Struct(&req); err != nil {
		return nil, &badRequest{msg: "responseText is required (max 4000 characters)"}
	}
	return &req, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		bad  *badRequest
		dup  *domain.DuplicateResponseError
		send *domain.ResponseSendError
		auth *domain.AuthError
		conn *domain.ConnectionError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &dup):
		return http.StatusConflict
	case errors.As(err, &send):
		if send.StatusCode >= 400 && send.StatusCode < 500 && send.StatusCode != http.StatusTooManyRequests {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &conn), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
