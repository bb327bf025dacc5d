package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/repo"
	"github.com/tableside/staff-bridge/internal/biz/usecase"
	"github.com/tableside/staff-bridge/internal/clock"
)

// EscalationConfig configures the escalation scheduler
type EscalationConfig struct {
	ChatID   string
	After    time.Duration // age at which an unread notification is escalated
	Interval time.Duration // how often to check
}

// EscalationScheduler posts notifications that stayed unread too long to a
// staff group chat. Each notification is escalated at most once.
type EscalationScheduler struct {
	unreadUC *usecase.UnreadIndexUsecase
	notifier repo.StaffNotifier
	cfg      EscalationConfig
	clock    clock.Clock
	log      *zap.Logger

	mu        sync.Mutex
	escalated map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEscalationScheduler creates a new escalation scheduler
func NewEscalationScheduler(
	unreadUC *usecase.UnreadIndexUsecase,
	notifier repo.StaffNotifier,
	cfg EscalationConfig,
	clk clock.Clock,
	logger *zap.Logger,
) *EscalationScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscalationScheduler{
		unreadUC:  unreadUC,
		notifier:  notifier,
		cfg:       cfg,
		clock:     clk,
		log:       logger.Named("escalation"),
		escalated: make(map[string]struct{}),
	}
}

// Enabled reports whether there is somewhere to escalate to
func (s *EscalationScheduler) Enabled() bool {
	return s.notifier != nil && s.cfg.ChatID != "" && s.cfg.After > 0
}

// Start starts the scheduler loop. It does nothing when not Enabled.
func (s *EscalationScheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		s.log.Info("escalation disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info("started",
		zap.Duration("after", s.cfg.After),
		zap.Duration("interval", s.cfg.Interval))
}

// Stop stops the scheduler
func (s *EscalationScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *EscalationScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check escalates every unread notification older than After that has not
// been escalated yet. Returns how many were posted.
func (s *EscalationScheduler) check(ctx context.Context) int {
	now := s.clock.Now()
	unread := s.unreadUC.Unresolved()

	s.mu.Lock()
	live := make(map[string]struct{}, len(unread))
	var stale []domain.Notification
	for _, n := range unread {
		live[n.ID] = struct{}{}
		if _, done := s.escalated[n.ID]; done {
			continue
		}
		if n.Age(now) >= s.cfg.After {
			stale = append(stale, n)
		}
	}
	// Resolved ids no longer need tracking
	for id := range s.escalated {
		if _, ok := live[id]; !ok {
			delete(s.escalated, id)
		}
	}
	s.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}

	text := buildEscalationText(stale, now)
	if err := s.notifier.SendText(ctx, s.cfg.ChatID, text); err != nil {
		s.log.Warn("escalation failed, will retry", zap.Int("count", len(stale)), zap.Error(err))
		return 0
	}

	s.mu.Lock()
	for _, n := range stale {
		s.escalated[n.ID] = struct{}{}
	}
	s.mu.Unlock()

	s.log.Info("escalated", zap.Int("count", len(stale)))
	return len(stale)
}

func buildEscalationText(stale []domain.Notification, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d guest message(s) waiting for a response:\n", len(stale)))
	for _, n := range stale {
		origin := n.OriginName
		if origin == "" {
			origin = n.ConversationKey
		}
		sb.WriteString(fmt.Sprintf("- [%s] %s (%s): %s\n",
			n.Category, origin, n.Age(now).Truncate(time.Minute), n.Text))
	}
	return sb.String()
}
