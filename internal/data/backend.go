package data

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

// BackendConfig configures the backend HTTP client
type BackendConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64 // outbound rate limit, 0 disables
	Burst          int
}

// BackendClient implements repo.MessageAPI over HTTP
type BackendClient struct {
	base    *url.URL
	http    *http.Client
	tokens  domain.TokenProvider
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewBackendClient creates a backend API client
func NewBackendClient(cfg BackendConfig, tokens domain.TokenProvider, logger *zap.Logger) (*BackendClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return &BackendClient{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: limiter,
		log:     logger.Named("backend"),
	}, nil
}

// FetchBacklog returns unresolved notifications
func (c *BackendClient) FetchBacklog(ctx context.Context) ([]domain.Notification, error) {
	resp, err := c.do(ctx, http.MethodGet, "/messages/backlog", url.Values{"status": {"unresolved"}}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch backlog: status %d: %s", resp.StatusCode, snippet(body))
	}

	payloads, err := decodeBacklog(body)
	if err != nil {
		return nil, fmt.Errorf("decode backlog: %w", err)
	}

	out := make([]domain.Notification, 0, len(payloads))
	for _, p := range payloads {
		if p.MessageID == "" || p.ConversationKey == "" {
			c.log.Warn("skipping malformed backlog entry", zap.String("id", p.MessageID))
			continue
		}
		out = append(out, p.ToNotification())
	}
	return out, nil
}

// decodeBacklog accepts a bare array or an object wrapping it under
// "messages"
func decodeBacklog(body []byte) ([]domain.NewMessagePayload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var payloads []domain.NewMessagePayload
	if body[0] == '[' {
		err := json.Unmarshal(body, &payloads)
		return payloads, err
	}
	var wrapped struct {
		Messages []domain.NewMessagePayload `json:"messages"`
	}
	err := json.Unmarshal(body, &wrapped)
	return wrapped.Messages, err
}

// Respond posts a staff response. Every failure is a *domain.ResponseSendError:
// 4xx are permanent, 5xx, timeouts and network errors are temporary.
func (c *BackendClient) Respond(ctx context.Context, id string, req domain.ResponseRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &domain.ResponseSendError{NotificationID: id, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(id)+"/respond", nil, body)
	if err != nil {
		return &domain.ResponseSendError{NotificationID: id, Temporary: isTemporary(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &domain.ResponseSendError{
		NotificationID: id,
		StatusCode:     resp.StatusCode,
		Temporary:      resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:            errors.New(snippet(msg)),
	}
}

func (c *BackendClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	// path arrives escaped; keep both forms so ids with reserved characters survive.
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	u := *c.base
	u.Path = c.base.Path + unescaped
	u.RawPath = c.base.EscapedPath() + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, &domain.AuthError{Reason: "token unavailable", Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, err
	}
	c.log.Debug("request done",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))
	return resp, nil
}

func isTemporary(err error) bool {
	if domain.IsAuthError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
