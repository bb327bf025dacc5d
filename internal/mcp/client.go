package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/usecase"
)

// Client is the HTTP client for the bridge's local API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// State is the bridge summary
type State struct {
	Connection string               `json:"connection"`
	Unread     int                  `json:"unread"`
	Current    *domain.Notification `json:"current"`
	Waiting    int                  `json:"waiting"`
}

// Unread is the unread listing
type Unread struct {
	Total         int                           `json:"total"`
	Conversations []usecase.ConversationSummary `json:"conversations"`
	Notifications []domain.Notification         `json:"notifications"`
}

// APIError is a non-2xx answer from the bridge
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ============ Read ============

// GetState gets the connection and presenter summary
func (c *Client) GetState(ctx context.Context) (*State, error) {
	var s State
	if err := c.get(ctx, "/api/state", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetUnread lists unread notifications, optionally for one conversation
func (c *Client) GetUnread(ctx context.Context, conversationKey string) (*Unread, error) {
	if conversationKey == "" {
		var u Unread
		if err := c.get(ctx, "/api/unread", &u); err != nil {
			return nil, err
		}
		return &u, nil
	}

	var result struct {
		Notifications []domain.Notification `json:"notifications"`
	}
	if err := c.get(ctx, "/api/unread/"+url.PathEscape(conversationKey), &result); err != nil {
		return nil, err
	}
	return &Unread{Total: len(result.Notifications), Notifications: result.Notifications}, nil
}

// GetSuggestions gets canned replies for a notification
func (c *Client) GetSuggestions(ctx context.Context, id string) ([]string, error) {
	var result struct {
		Replies []string `json:"replies"`
	}
	if err := c.get(ctx, "/api/notifications/"+url.PathEscape(id)+"/suggestions", &result); err != nil {
		return nil, err
	}
	return result.Replies, nil
}

// ============ Write ============

// SendResponse posts a response for a notification
func (c *Client) SendResponse(ctx context.Context, id, text string) error {
	body := map[string]string{"responseText": text}
	return c.post(ctx, "/api/notifications/"+url.PathEscape(id)+"/respond", body, nil)
}

// OpenConversation resolves every unread notification of a conversation
func (c *Client) OpenConversation(ctx context.Context, conversationKey string) ([]string, error) {
	var result struct {
		Resolved []string `json:"resolved"`
	}
	if err := c.post(ctx, "/api/conversations/"+url.PathEscape(conversationKey)+"/open", nil, &result); err != nil {
		return nil, err
	}
	return result.Resolved, nil
}

// DismissCurrent hides the visible notification
func (c *Client) DismissCurrent(ctx context.Context) (bool, error) {
	var result struct {
		Dismissed bool `json:"dismissed"`
	}
	if err := c.post(ctx, "/api/current/dismiss", nil, &result); err != nil {
		return false, err
	}
	return result.Dismissed, nil
}

// ============ Helpers ============

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP %s failed: %w", req.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
