// Package stream maintains the authenticated, auto-reconnecting websocket
// connection to the backend event stream and dispatches named events to
// subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/clock"
)

// ErrDisconnected is delivered to pending Connect calls when Disconnect is called
var ErrDisconnected = errors.New("disconnected")

// Config configures the connection manager
type Config struct {
	URL          string
	Header       http.Header // extra handshake headers
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	AuthTimeout  time.Duration // wait for auth-ok after dialing
	PingInterval time.Duration
	ReadTimeout  time.Duration // extended by every pong or frame
	ReadLimit    int64
}

func (c *Config) fillDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// Handler receives the raw data of an event
type Handler func(data json.RawMessage)

// SubscriptionID identifies a handler registered with On
type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	fn Handler
}

// Manager owns one logical connection to the backend event stream.
// Events are dispatched only while Authenticated, from the read goroutine,
// in arrival order; handlers for one event run in subscription order.
type Manager struct {
	cfg     Config
	dialer  *websocket.Dialer
	clock   clock.Clock
	log     *zap.Logger
	backoff Backoff

	mu      sync.Mutex
	state   domain.ConnState
	tokens  domain.TokenProvider
	session uint64             // bumped by Disconnect and by each new run
	cancel  context.CancelFunc // non-nil while a run loop is active
	waiters []chan error

	subsMu sync.RWMutex
	subs   map[string][]subscription
	nextID SubscriptionID

	stateMu        sync.Mutex
	stateListeners []func(domain.ConnState)
}

// NewManager creates a disconnected manager
func NewManager(cfg Config, clk clock.Clock, logger *zap.Logger) *Manager {
	cfg.fillDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		clock:   clk,
		log:     logger.Named("stream"),
		backoff: Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		state:   domain.StateDisconnected,
		subs:    make(map[string][]subscription),
	}
}

// On subscribes fn to a named event
func (m *Manager) On(event string, fn Handler) SubscriptionID {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.nextID++
	m.subs[event] = append(m.subs[event], subscription{id: m.nextID, fn: fn})
	return m.nextID
}

// Off removes a subscription. Unknown ids are ignored.
func (m *Manager) Off(event string, id SubscriptionID) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	list := m.subs[event]
	for i, s := range list {
		if s.id == id {
			m.subs[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// OnStateChange registers fn for every state transition
func (m *Manager) OnStateChange(fn func(domain.ConnState)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.stateListeners = append(m.stateListeners, fn)
}

// State returns the current connection state
func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection if it is not already running and waits
// until it is Authenticated (nil), authentication fails (*domain.AuthError),
// or ctx is done. Transport failures do not end the wait; the manager keeps
// retrying with backoff in the background until Disconnect.
// tokens replaces the provider used for subsequent attempts.
func (m *Manager) Connect(ctx context.Context, tokens domain.TokenProvider) error {
	if tokens == nil {
		return errors.New("stream: nil token provider")
	}

	m.mu.Lock()
	m.tokens = tokens
	if m.state == domain.StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	m.waiters = append(m.waiters, ch)
	if m.cancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.session++
		go m.run(runCtx, m.session)
	}
	m.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		m.dropWaiter(ch)
		return ctx.Err()
	}
}

// Disconnect tears down the connection, cancels any pending reconnect and
// moves to Disconnected
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.session++
	waiters := m.waiters
	m.waiters = nil
	changed := m.state != domain.StateDisconnected
	m.state = domain.StateDisconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range waiters {
		ch <- &domain.ConnectionError{Op: "connect", Err: ErrDisconnected}
	}
	if changed {
		m.log.Info("disconnected")
		m.notifyState(domain.StateDisconnected)
	}
}

func (m *Manager) run(ctx context.Context, session uint64) {
	attempt := 0
	for {
		if !m.setState(session, domain.StateConnecting) {
			return
		}

		authed, err := m.connectOnce(ctx, session)
		if ctx.Err() != nil {
			return
		}
		if authed {
			attempt = 0
		}

		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			m.failAuth(session, authErr)
			return
		}

		delay := m.backoff.Next(attempt)
		m.log.Warn("connection lost, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		attempt++

		if !m.setState(session, domain.StateConnecting) {
			return
		}
		if !m.sleep(ctx, delay) {
			return
		}
	}
}

// sleep waits d on the manager clock. Returns false if ctx ended first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	timer := m.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

// connectOnce dials, authenticates and reads until the connection fails.
// authed reports whether Authenticated was reached.
func (m *Manager) connectOnce(ctx context.Context, session uint64) (authed bool, err error) {
	m.mu.Lock()
	tokens := m.tokens
	m.mu.Unlock()

	token, err := tokens(ctx)
	if err != nil {
		return false, &domain.AuthError{Reason: "token provider failed", Err: err}
	}
	if err := CheckToken(token, m.clock.Now()); err != nil {
		return false, err
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, &domain.AuthError{Reason: fmt.Sprintf("handshake rejected with status %d", resp.StatusCode)}
		}
		return false, &domain.ConnectionError{Op: "dial", Err: err}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	if !m.setState(session, domain.StateConnected) {
		return false, &domain.ConnectionError{Op: "connect", Err: ErrDisconnected}
	}
	conn.SetReadLimit(m.cfg.ReadLimit)

	if err := m.authenticate(conn, token); err != nil {
		return false, err
	}
	if !m.setState(session, domain.StateAuthenticated) {
		return true, &domain.ConnectionError{Op: "connect", Err: ErrDisconnected}
	}
	m.log.Info("authenticated", zap.String("url", m.cfg.URL))
	m.releaseWaiters(nil)

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	})

	ticker := m.clock.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			return true, &domain.ConnectionError{Op: "read", Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		if frame.Event == frameAuthError {
			return true, &domain.AuthError{Reason: authErrorReason(frame.Data)}
		}
		if !m.isCurrent(session, domain.StateAuthenticated) {
			return true, &domain.ConnectionError{Op: "read", Err: ErrDisconnected}
		}
		m.dispatch(frame)
	}
}

// authenticate sends the auth frame and waits for the verdict. Frames
// arriving before auth-ok are discarded.
func (m *Manager) authenticate(conn *websocket.Conn, token string) error {
	msg, err := newFrame(frameAuth, authData{Token: token})
	if err != nil {
		return &domain.AuthError{Reason: "encode auth frame", Err: err}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return &domain.ConnectionError{Op: "auth", Err: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout))
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return &domain.ConnectionError{Op: "auth", Err: err}
		}
		switch frame.Event {
		case frameAuthOK:
			return nil
		case frameAuthError:
			return &domain.AuthError{Reason: authErrorReason(frame.Data)}
		default:
			m.log.Debug("discarding frame before authentication", zap.String("event", frame.Event))
		}
	}
}

func readFrame(conn *websocket.Conn) (Frame, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			continue
		}
		return f, nil
	}
}

func authErrorReason(data json.RawMessage) string {
	var d authErrorData
	if err := json.Unmarshal(data, &d); err != nil || d.Reason == "" {
		return "rejected by server"
	}
	return d.Reason
}

func (m *Manager) dispatch(f Frame) {
	m.subsMu.RLock()
	list := append([]subscription(nil), m.subs[f.Event]...)
	m.subsMu.RUnlock()

	for _, s := range list {
		m.safeCall(f.Event, s.fn, f.Data)
	}
}

func (m *Manager) safeCall(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn(data)
}

// failAuth ends the session after an authentication failure. The manager
// stays usable: a later Connect starts a new session.
func (m *Manager) failAuth(session uint64, authErr *domain.AuthError) {
	m.mu.Lock()
	if session != m.session {
		m.mu.Unlock()
		return
	}
	m.cancel = nil
	m.session++
	m.state = domain.StateDisconnected
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	m.log.Warn("authentication failed", zap.String("reason", authErr.Reason))
	data, _ := json.Marshal(authErrorData{Reason: authErr.Reason})
	m.dispatch(Frame{Event: domain.EventAuthError, Data: data})
	m.notifyState(domain.StateDisconnected)
	for _, ch := range waiters {
		ch <- authErr
	}
}

func (m *Manager) releaseWaiters(err error) {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}

func (m *Manager) dropWaiter(ch chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i:i], m.waiters[i+1:]...)
			return
		}
	}
}

// setState moves to s if session is still current. Returns false when the
// session has been superseded.
func (m *Manager) setState(session uint64, s domain.ConnState) bool {
	m.mu.Lock()
	if session != m.session {
		m.mu.Unlock()
		return false
	}
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		m.log.Debug("state changed", zap.Stringer("state", s))
		m.notifyState(s)
	}
	return true
}

func (m *Manager) isCurrent(session uint64, s domain.ConnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return session == m.session && m.state == s
}

func (m *Manager) notifyState(s domain.ConnState) {
	m.stateMu.Lock()
	listeners := append([]func(domain.ConnState){}, m.stateListeners...)
	m.stateMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}
