package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/usecase"
	"github.com/tableside/staff-bridge/internal/clock"
	"github.com/tableside/staff-bridge/internal/infra/stream"
)

var testEpoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

var testStaff = domain.StaffIdentity{ID: "s1", Name: "Dana"}

// Mock implementations

type mockStream struct {
	mu        sync.Mutex
	state     domain.ConnState
	subs      map[string]map[stream.SubscriptionID]stream.Handler
	order     []stream.SubscriptionID
	nextID    stream.SubscriptionID
	listeners []func(domain.ConnState)
	connectFn func(tokens domain.TokenProvider) error
	connects  int
}

func newMockStream() *mockStream {
	return &mockStream{subs: make(map[string]map[stream.SubscriptionID]stream.Handler)}
}

func (m *mockStream) On(event string, fn stream.Handler) stream.SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if m.subs[event] == nil {
		m.subs[event] = make(map[stream.SubscriptionID]stream.Handler)
	}
	m.subs[event][m.nextID] = fn
	m.order = append(m.order, m.nextID)
	return m.nextID
}

func (m *mockStream) Off(event string, id stream.SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[event], id)
}

func (m *mockStream) OnStateChange(fn func(domain.ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *mockStream) Connect(ctx context.Context, tokens domain.TokenProvider) error {
	m.mu.Lock()
	m.connects++
	fn := m.connectFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(tokens); err != nil {
			return err
		}
	}
	m.setState(domain.StateAuthenticated)
	return nil
}

func (m *mockStream) Disconnect() {
	m.setState(domain.StateDisconnected)
}

func (m *mockStream) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockStream) setState(s domain.ConnState) {
	m.mu.Lock()
	m.state = s
	listeners := append([]func(domain.ConnState){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// emit delivers an event the way the read goroutine would
func (m *mockStream) emit(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	var handlers []stream.Handler
	for _, id := range m.order {
		if fn, ok := m.subs[event][id]; ok {
			handlers = append(handlers, fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
}

func (m *mockStream) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		n += len(s)
	}
	return n
}

type mockKVStore struct {
	data map[string][]byte
	mu   sync.Mutex
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
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mockKVStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type mockMessageAPI struct {
	backlog    []domain.Notification
	backlogErr error
	respondFn  func(ctx context.Context, id string) error
	responded  []string
	fetches    int
	mu         sync.Mutex
}

func (m *mockMessageAPI) FetchBacklog(ctx context.Context) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.backlogErr != nil {
		return nil, m.backlogErr
	}
	return append([]domain.Notification(nil), m.backlog...), nil
}

func (m *mockMessageAPI) Respond(ctx context.Context, id string, req domain.ResponseRequest) error {
	m.mu.Lock()
	fn := m.respondFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.responded = append(m.responded, id)
	m.mu.Unlock()
	return nil
}

func (m *mockMessageAPI) setBacklog(ns ...domain.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlog = ns
}

func (m *mockMessageAPI) respondedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.responded...)
}

type mockNotifier struct {
	sent []string
	fail bool
	mu   sync.Mutex
}

func (m *mockNotifier) SendText(ctx context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("feishu unavailable")
	}
	m.sent = append(m.sent, text)
	return nil
}

// fixture wires a MessagingService over mocks and a fake clock
type fixture struct {
	clk       *clock.FakeClock
	stream    *mockStream
	api       *mockMessageAPI
	unread    *usecase.UnreadIndexUsecase
	presenter *usecase.PresenterUsecase
	svc       *MessagingService
}

func newFixture() *fixture {
	clk := clock.Fake(testEpoch)
	src := newMockStream()
	api := &mockMessageAPI{}
	unread := usecase.NewUnreadIndexUsecase(newMockKVStore(), clk, nil, usecase.UnreadConfig{})
	presenter := usecase.NewPresenterUsecase(clk, nil, usecase.PresenterConfig{})
	corr := usecase.NewCorrelatorUsecase(api, unread, presenter, nil, usecase.CorrelatorConfig{SendTimeout: time.Second})
	suggest := usecase.NewSuggestUsecase(map[domain.Category][]string{
		domain.CategoryService: {"On my way", "Be right there"},
		domain.CategoryOther:   {"Thanks, noted"},
	}, nil, nil)
	svc := NewMessagingService(src, api, unread, presenter, corr, suggest, testStaff, clk, nil)
	return &fixture{clk: clk, stream: src, api: api, unread: unread, presenter: presenter, svc: svc}
}

// start starts the service and waits for the startup backlog merge
func (f *fixture) start() error {
	err := f.svc.Start(context.Background(), domain.StaticToken("token"))
	f.svc.wg.Wait()
	return err
}

// reconnect simulates a dropped and re-established connection
func (f *fixture) reconnect() {
	f.stream.setState(domain.StateConnecting)
	f.stream.setState(domain.StateConnected)
	f.stream.setState(domain.StateAuthenticated)
	f.svc.wg.Wait()
}

func newMessage(id, conv, text string) map[string]any {
	return map[string]any{
		"messageId":       id,
		"conversationKey": conv,
		"text":            text,
		"category":        "service",
		"originName":      "Table " + conv,
		"timestamp":       testEpoch.UnixMilli(),
	}
}

func notification(id, conv string) domain.Notification {
	return domain.Notification{
		ID:              id,
		ConversationKey: conv,
		Text:            "request " + id,
		Category:        domain.CategoryService,
		CreatedAt:       testEpoch,
	}
}

func currentID(svc *MessagingService) string {
	v := svc.Current()
	if v.Current == nil {
		return ""
	}
	return v.Current.ID
}
