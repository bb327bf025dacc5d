package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/api"
	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/service"
)

// connectWait bounds how long Start waits for the first authentication.
// The stream keeps retrying in the background after that.
const connectWait = 30 * time.Second

// BridgeServer runs the messaging service, the escalation scheduler and the
// local API together
type BridgeServer struct {
	svc        *service.MessagingService
	escalation *service.EscalationScheduler
	apiServer  *api.Server
	tokens     domain.TokenProvider
	log        *zap.Logger
}

// NewBridgeServer creates a new bridge server
func NewBridgeServer(
	svc *service.MessagingService,
	escalation *service.EscalationScheduler,
	apiServer *api.Server,
	tokens domain.TokenProvider,
	logger *zap.Logger,
) *BridgeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeServer{
		svc:        svc,
		escalation: escalation,
		apiServer:  apiServer,
		tokens:     tokens,
		log:        logger.Named("server"),
	}
}

// Start starts every component and blocks until ctx is done or the API
// server fails
func (s *BridgeServer) Start(ctx context.Context) error {
	apiErr := make(chan error, 1)
	go func() {
		if err := s.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErr <- err
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, connectWait)
	err := s.svc.Start(connectCtx, s.tokens)
	cancel()
	switch {
	case err == nil:
		s.log.Info("connected to backend")
	case domain.IsAuthError(err):
		// Stays disconnected until the UI asks for a reconnect
		s.log.Error("backend rejected credentials", zap.Error(err))
	case ctx.Err() != nil:
		return nil
	default:
		s.log.Warn("backend not reachable yet, retrying in background", zap.Error(err))
	}

	if s.escalation != nil {
		s.escalation.Start(ctx)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-apiErr:
		return err
	}
}

// Stop stops every component
func (s *BridgeServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.escalation != nil {
		s.escalation.Stop()
	}
	if err := s.apiServer.Stop(ctx); err != nil {
		s.log.Warn("API shutdown", zap.Error(err))
	}
	s.svc.Stop(ctx)
}
