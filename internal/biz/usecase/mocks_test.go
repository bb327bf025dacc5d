package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

var testEpoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

// mockKVStore is an in-memory repo.KVStore with switchable write failures
type mockKVStore struct {
	data     map[string][]byte
	failSet  bool
	setCalls int
	mu       sync.Mutex
}

func newMockKVStore() *mockKVStore {
	return &mockKVStore{data: make(map[string][]byte)}
}

func (m *mockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *mockKVStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.failSet {
		return errors.New("disk full")
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mockKVStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mockKVStore) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSet = fail
}

// mockMessageAPI is a scriptable repo.MessageAPI
type mockMessageAPI struct {
	backlog   []domain.Notification
	respondFn func(ctx context.Context, id string, req domain.ResponseRequest) error
	responses []domain.ResponseRequest
	mu        sync.Mutex
}

func (m *mockMessageAPI) FetchBacklog(ctx context.Context) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Notification(nil), m.backlog...), nil
}

func (m *mockMessageAPI) Respond(ctx context.Context, id string, req domain.ResponseRequest) error {
	m.mu.Lock()
	fn := m.respondFn
	m.responses = append(m.responses, req)
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, req)
	}
	return nil
}

func (m *mockMessageAPI) responseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses)
}

func note(id, conv string, offset time.Duration) domain.Notification {
	return domain.Notification{
		ID:              id,
		ConversationKey: conv,
		Text:            fmt.Sprintf("request %s", id),
		Category:        domain.CategoryService,
		OriginName:      "Table " + conv,
		CreatedAt:       testEpoch.Add(offset),
	}
}
