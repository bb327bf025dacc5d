package usecase

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/clock"
)

// DefaultDismissAfter is how long a notification stays visible without
// interaction
const DefaultDismissAfter = 5 * time.Second

// PresenterConfig configures the notification presenter
type PresenterConfig struct {
	DismissAfter time.Duration
}

// PresenterView is what the UI renders
type PresenterView struct {
	Current *domain.Notification `json:"current"`
	Waiting int                  `json:"waiting"` // queued behind current
}

// PresenterUsecase is the ephemeral FIFO of notifications shown one at a
// time. It is either Empty or Showing the queue head; a Showing slot is
// dismissed by the user, by Retire, or by the auto-dismiss timer.
type PresenterUsecase struct {
	clock clock.Clock
	log   *zap.Logger
	ttl   time.Duration

	mu      sync.Mutex
	queue   []domain.Notification // queue[0] is showing when non-empty
	timer   *clock.Timer
	showSeq uint64 // identifies the current Showing entry for timer callbacks

	listenersMu sync.Mutex
	listeners   []func(PresenterView)
}

// NewPresenterUsecase creates an empty presenter
func NewPresenterUsecase(clk clock.Clock, logger *zap.Logger, cfg PresenterConfig) *PresenterUsecase {
	if cfg.DismissAfter <= 0 {
		cfg.DismissAfter = DefaultDismissAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PresenterUsecase{
		clock: clk,
		log:   logger.Named("presenter"),
		ttl:   cfg.DismissAfter,
	}
}

// OnChange registers fn to be called whenever the current item or the
// waiting count changes
func (p *PresenterUsecase) OnChange(fn func(PresenterView)) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Enqueue appends n. If nothing is showing, n is shown immediately.
// A notification already queued is ignored.
func (p *PresenterUsecase) Enqueue(n domain.Notification) bool {
	p.mu.Lock()
	for _, q := range p.queue {
		if q.ID == n.ID {
			p.mu.Unlock()
			return false
		}
	}
	p.queue = append(p.queue, n)
	if len(p.queue) == 1 {
		p.showHeadLocked()
	}
	view := p.viewLocked()
	p.mu.Unlock()

	p.log.Debug("enqueued", zap.String("id", n.ID), zap.Int("waiting", view.Waiting))
	p.notify(view)
	return true
}

// Dismiss hides the current notification and shows the next one.
// Returns false when nothing is showing.
func (p *PresenterUsecase) Dismiss() bool {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return false
	}
	id := p.queue[0].ID
	p.advanceLocked()
	view := p.viewLocked()
	p.mu.Unlock()

	p.log.Debug("dismissed", zap.String("id", id))
	p.notify(view)
	return true
}

// Retire removes id from the queue wherever it is. If it is showing, the
// slot advances to the next entry. Returns false if id was not queued.
func (p *PresenterUsecase) Retire(id string) bool {
	p.mu.Lock()
	idx := -1
	for i, q := range p.queue {
		if q.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	if idx == 0 {
		p.advanceLocked()
	} else {
		p.queue = append(p.queue[:idx:idx], p.queue[idx+1:]...)
	}
	view := p.viewLocked()
	p.mu.Unlock()

	p.log.Debug("retired", zap.String("id", id), zap.Bool("was_showing", idx == 0))
	p.notify(view)
	return true
}

// RetireConversation removes every queued entry of a conversation
func (p *PresenterUsecase) RetireConversation(conversationKey string) int {
	p.mu.Lock()
	var ids []string
	for _, q := range p.queue {
		if q.ConversationKey == conversationKey {
			ids = append(ids, q.ID)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Retire(id)
	}
	return len(ids)
}

// Current returns the showing notification, if any
func (p *PresenterUsecase) Current() (domain.Notification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return domain.Notification{}, false
	}
	return p.queue[0], true
}

// Waiting returns the number of notifications queued behind the current one
func (p *PresenterUsecase) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked().Waiting
}

// View returns the current snapshot
func (p *PresenterUsecase) View() PresenterView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

// Clear drops every entry and cancels the timer
func (p *PresenterUsecase) Clear() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.showSeq++
	p.queue = nil
	view := p.viewLocked()
	p.mu.Unlock()
	p.notify(view)
}

func (p *PresenterUsecase) advanceLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.queue = nil
		p.showSeq++
		return
	}
	p.showHeadLocked()
}

func (p *PresenterUsecase) showHeadLocked() {
	p.showSeq++
	seq := p.showSeq
	p.timer = p.clock.AfterFunc(p.ttl, func() { p.expire(seq) })
}

// expire runs from the dismiss timer. A stale timer (its entry already
// dismissed or retired) does nothing.
func (p *PresenterUsecase) expire(seq uint64) {
	p.mu.Lock()
	if seq != p.showSeq || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	id := p.queue[0].ID
	p.timer = nil
	p.advanceLocked()
	view := p.viewLocked()
	p.mu.Unlock()

	p.log.Debug("auto-dismissed", zap.String("id", id))
	p.notify(view)
}

func (p *PresenterUsecase) viewLocked() PresenterView {
	if len(p.queue) == 0 {
		return PresenterView{}
	}
	cur := p.queue[0]
	return PresenterView{Current: &cur, Waiting: len(p.queue) - 1}
}

func (p *PresenterUsecase) notify(view PresenterView) {
	p.listenersMu.Lock()
	listeners := append([]func(PresenterView){}, p.listeners...)
	p.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(view)
	}
}
