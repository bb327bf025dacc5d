package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/repo"
	"github.com/tableside/staff-bridge/internal/clock"
)

const (
	// UnreadIndexKey is the fixed storage key of the unread index snapshot
	UnreadIndexKey = "unread-index.v1"

	DefaultHistoryLimit = 50

	snapshotVersion = 1
)

// UnreadConfig configures the unread index
type UnreadConfig struct {
	HistoryLimit int // resolved entries kept for redelivery detection and display
}

// ConversationSummary is a per-conversation unread count
type ConversationSummary struct {
	ConversationKey string `json:"conversationKey"`
	Unread          int    `json:"unread"`
}

type unreadSnapshot struct {
	Version       int                              `json:"version"`
	Conversations map[string][]domain.Notification `json:"conversations"`
	History       []domain.Notification            `json:"history"`
}

// UnreadIndexUsecase is the durable conversation -> unread notifications index.
// Every mutation is written through to the KV store under UnreadIndexKey.
// A failed write is logged and the in-memory state stays authoritative; the
// next successful write repairs the stored copy.
type UnreadIndexUsecase struct {
	store repo.KVStore
	clock clock.Clock
	log   *zap.Logger
	limit int

	mu      sync.Mutex
	byConv  map[string][]domain.Notification
	convOf  map[string]string // unresolved id -> conversation key
	history []domain.Notification
	seen    map[string]struct{} // ids in history
	total   int
	gen     uint64

	listenersMu sync.Mutex
	listeners   []func(total int)

	writeMu    sync.Mutex
	writtenGen uint64
	lastErr    error
}

// NewUnreadIndexUsecase creates an empty unread index. Call Load to restore
// persisted state.
func NewUnreadIndexUsecase(store repo.KVStore, clk clock.Clock, logger *zap.Logger, cfg UnreadConfig) *UnreadIndexUsecase {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &UnreadIndexUsecase{
		store:  store,
		clock:  clk,
		log:    logger.Named("unread"),
		limit:  cfg.HistoryLimit,
		byConv: make(map[string][]domain.Notification),
		convOf: make(map[string]string),
		seen:   make(map[string]struct{}),
	}
}

// OnChange registers fn to be called with the new total after every mutation
func (u *UnreadIndexUsecase) OnChange(fn func(total int)) {
	u.listenersMu.Lock()
	defer u.listenersMu.Unlock()
	u.listeners = append(u.listeners, fn)
}

// Add records an unresolved notification. Returns false if the id is
// already unread or was recently resolved; the first-seen payload is kept.
func (u *UnreadIndexUsecase) Add(ctx context.Context, n domain.Notification) bool {
	if n.ID == "" || n.Resolved {
		return false
	}

	u.mu.Lock()
	if _, ok := u.convOf[n.ID]; ok {
		u.mu.Unlock()
		return false
	}
	if _, ok := u.seen[n.ID]; ok {
		u.mu.Unlock()
		return false
	}
	u.byConv[n.ConversationKey] = append(u.byConv[n.ConversationKey], n)
	u.convOf[n.ID] = n.ConversationKey
	u.total++
	u.gen++
	total := u.total
	u.mu.Unlock()

	u.log.Debug("notification added",
		zap.String("id", n.ID),
		zap.String("conversation", n.ConversationKey),
		zap.Int("total", total))
	u.commit(ctx)
	return true
}

// Resolve marks the notification resolved and moves it to history.
// Returns false if the id is not currently unread.
func (u *UnreadIndexUsecase) Resolve(ctx context.Context, id string) bool {
	u.mu.Lock()
	ok := u.resolveLocked(id)
	if ok {
		u.gen++
	}
	total := u.total
	u.mu.Unlock()

	if ok {
		u.log.Debug("notification resolved", zap.String("id", id), zap.Int("total", total))
		u.commit(ctx)
	}
	return ok
}

// ResolveAll resolves every unread notification of a conversation and
// returns the resolved ids in arrival order
func (u *UnreadIndexUsecase) ResolveAll(ctx context.Context, conversationKey string) []string {
	u.mu.Lock()
	list := u.byConv[conversationKey]
	ids := make([]string, 0, len(list))
	for _, n := range list {
		ids = append(ids, n.ID)
	}
	for _, id := range ids {
		u.resolveLocked(id)
	}
	if len(ids) > 0 {
		u.gen++
	}
	total := u.total
	u.mu.Unlock()

	if len(ids) > 0 {
		u.log.Debug("conversation resolved",
			zap.String("conversation", conversationKey),
			zap.Int("count", len(ids)),
			zap.Int("total", total))
		u.commit(ctx)
	}
	return ids
}

func (u *UnreadIndexUsecase) resolveLocked(id string) bool {
	key, ok := u.convOf[id]
	if !ok {
		return false
	}
	list := u.byConv[key]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		n := list[i]
		n.Resolved = true
		n.ResolvedAt = u.clock.Now()

		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(u.byConv, key)
		} else {
			u.byConv[key] = list
		}
		delete(u.convOf, id)
		u.total--
		u.pushHistoryLocked(n)
		return true
	}
	return false
}

func (u *UnreadIndexUsecase) pushHistoryLocked(n domain.Notification) {
	u.history = append(u.history, n)
	u.seen[n.ID] = struct{}{}
	for len(u.history) > u.limit {
		delete(u.seen, u.history[0].ID)
		u.history = u.history[1:]
	}
}

// UnreadFor returns a copy of the unread notifications of a conversation,
// oldest first
func (u *UnreadIndexUsecase) UnreadFor(conversationKey string) []domain.Notification {
	u.mu.Lock()
	defer u.mu.Unlock()
	list := u.byConv[conversationKey]
	out := make([]domain.Notification, len(list))
	copy(out, list)
	return out
}

// TotalUnread returns the number of unread notifications across conversations
func (u *UnreadIndexUsecase) TotalUnread() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// Get returns the unread notification with id
func (u *UnreadIndexUsecase) Get(id string) (domain.Notification, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key, ok := u.convOf[id]
	if !ok {
		return domain.Notification{}, false
	}
	for _, n := range u.byConv[key] {
		if n.ID == id {
			return n, true
		}
	}
	return domain.Notification{}, false
}

// IsUnread reports whether id is currently unread
func (u *UnreadIndexUsecase) IsUnread(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.convOf[id]
	return ok
}

// Conversations returns per-conversation unread counts sorted by key
func (u *UnreadIndexUsecase) Conversations() []ConversationSummary {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]ConversationSummary, 0, len(u.byConv))
	for key, list := range u.byConv {
		out = append(out, ConversationSummary{ConversationKey: key, Unread: len(list)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationKey < out[j].ConversationKey })
	return out
}

// Unresolved returns every unread notification ordered by creation time
func (u *UnreadIndexUsecase) Unresolved() []domain.Notification {
	u.mu.Lock()
	out := make([]domain.Notification, 0, u.total)
	for _, list := range u.byConv {
		out = append(out, list...)
	}
	u.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns resolved notifications, most recent last
func (u *UnreadIndexUsecase) History() []domain.Notification {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]domain.Notification, len(u.history))
	copy(out, u.history)
	return out
}

// Load replaces the in-memory state with the persisted snapshot. An absent
// key yields an empty index. On a decode error the index is left empty and a
// *domain.StorageError is returned.
func (u *UnreadIndexUsecase) Load(ctx context.Context) error {
	data, err := u.store.Get(ctx, UnreadIndexKey)
	if err != nil {
		return u.storageErr("get", err)
	}

	var snap unreadSnapshot
	if data != nil {
		if err := json.Unmarshal(data, &snap); err != nil {
			u.writeMu.Lock()
			u.reset(nil)
			u.writeMu.Unlock()
			return u.storageErr("decode", err)
		}
	}

	// The loaded state is what is stored.
	u.writeMu.Lock()
	u.writtenGen = u.reset(&snap)
	u.lastErr = nil
	u.writeMu.Unlock()

	total := u.TotalUnread()
	u.log.Info("unread index loaded",
		zap.Int("unread", total),
		zap.Int("history", len(snap.History)))
	u.notify(total)
	return nil
}

// reset replaces the state under mu and returns the new generation.
// Callers hold writeMu.
func (u *UnreadIndexUsecase) reset(snap *unreadSnapshot) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.byConv = make(map[string][]domain.Notification)
	u.convOf = make(map[string]string)
	u.history = nil
	u.seen = make(map[string]struct{})
	u.total = 0
	u.gen++

	if snap == nil {
		return u.gen
	}
	for _, n := range snap.History {
		u.pushHistoryLocked(n)
	}
	for key, list := range snap.Conversations {
		for _, n := range list {
			if n.ID == "" || n.Resolved {
				continue
			}
			if _, dup := u.convOf[n.ID]; dup {
				continue
			}
			n.ConversationKey = key
			u.byConv[key] = append(u.byConv[key], n)
			u.convOf[n.ID] = key
			u.total++
		}
	}
	return u.gen
}

// Persist writes the current state to the store
func (u *UnreadIndexUsecase) Persist(ctx context.Context) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	u.mu.Lock()
	gen := u.gen
	if gen == u.writtenGen && u.lastErr == nil {
		u.mu.Unlock()
		return nil
	}
	snap := unreadSnapshot{
		Version:       snapshotVersion,
		Conversations: make(map[string][]domain.Notification, len(u.byConv)),
		History:       append([]domain.Notification(nil), u.history...),
	}
	for key, list := range u.byConv {
		snap.Conversations[key] = append([]domain.Notification(nil), list...)
	}
	u.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		u.lastErr = u.storageErr("encode", err)
		return u.lastErr
	}
	if err := u.store.Set(ctx, UnreadIndexKey, data); err != nil {
		u.lastErr = u.storageErr("set", err)
		return u.lastErr
	}
	u.writtenGen = gen
	u.lastErr = nil
	return nil
}

// LastStorageError returns the error of the most recent failed write, or nil
// once a write has succeeded again
func (u *UnreadIndexUsecase) LastStorageError() error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return u.lastErr
}

func (u *UnreadIndexUsecase) commit(ctx context.Context) {
	if err := u.Persist(ctx); err != nil {
		u.log.Warn("unread index write failed, keeping in-memory state", zap.Error(err))
	}
	u.notify(u.TotalUnread())
}

func (u *UnreadIndexUsecase) notify(total int) {
	u.listenersMu.Lock()
	listeners := append([]func(int){}, u.listeners...)
	u.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(total)
	}
}

func (u *UnreadIndexUsecase) storageErr(op string, err error) error {
	var se *domain.StorageError
	if errors.As(err, &se) {
		return se
	}
	return &domain.StorageError{Op: op, Key: UnreadIndexKey, Err: err}
}
