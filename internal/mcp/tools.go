package mcp

import (
	"context"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

// ToolServer exposes the bridge's staff operations as MCP tools
type ToolServer struct {
	client *Client
	server *sdk.Server
}

// NewToolServer creates the MCP server and registers every tool
func NewToolServer(client *Client, version string) *ToolServer {
	s := &ToolServer{
		client: client,
		server: sdk.NewServer(&sdk.Implementation{
			Name:    "staff-bridge",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Run serves over stdio until ctx is done or the client disconnects
func (s *ToolServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdk.StdioTransport{})
}

func (s *ToolServer) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "staff_list_unread",
		Description: "List unread guest messages. Pass conversation_key to limit the list to one table or session.",
	}, s.handleListUnread)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "staff_get_current",
		Description: "Get the connection state and the notification currently shown to staff, with how many are waiting behind it.",
	}, s.handleGetCurrent)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "staff_suggest_replies",
		Description: "Get canned reply suggestions for a notification, best first.",
	}, s.handleSuggestReplies)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "staff_send_response",
		Description: "Send a response to a guest message. The message is marked resolved when the backend accepts it.",
	}, s.handleSendResponse)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "staff_open_conversation",
		Description: "Open a conversation, marking all of its unread messages as read.",
	}, s.handleOpenConversation)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "staff_dismiss_current",
		Description: "Dismiss the notification currently shown without resolving it.",
	}, s.handleDismissCurrent)
}

// NotificationView is a notification as shown to the assistant
type NotificationView struct {
	ID              string `json:"id"`
	ConversationKey string `json:"conversation_key"`
	Text            string `json:"text"`
	Category        string `json:"category"`
	OriginName      string `json:"origin_name,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

func toView(n domain.Notification) NotificationView {
	v := NotificationView{
		ID:              n.ID,
		ConversationKey: n.ConversationKey,
		Text:            n.Text,
		Category:        string(n.Category),
		OriginName:      n.OriginName,
	}
	if !n.CreatedAt.IsZero() {
		v.CreatedAt = n.CreatedAt.Format(time.RFC3339)
	}
	return v
}

// ListUnreadInput filters the unread listing
type ListUnreadInput struct {
	ConversationKey string `json:"conversation_key,omitempty" jsonschema:"Optional table or session key"`
}

// ListUnreadOutput contains unread notifications
type ListUnreadOutput struct {
	Total         int                `json:"total"`
	Notifications []NotificationView `json:"notifications"`
	Error         string             `json:"error,omitempty"`
}

func (s *ToolServer) handleListUnread(ctx context.Context, req *sdk.CallToolRequest, input ListUnreadInput) (*sdk.CallToolResult, ListUnreadOutput, error) {
	u, err := s.client.GetUnread(ctx, strings.TrimSpace(input.ConversationKey))
	if err != nil {
		return nil, ListUnreadOutput{Error: err.Error()}, nil
	}
	views := make([]NotificationView, 0, len(u.Notifications))
	for _, n := range u.Notifications {
		views = append(views, toView(n))
	}
	return nil, ListUnreadOutput{Total: u.Total, Notifications: views}, nil
}

// GetCurrentInput is empty - no input needed
type GetCurrentInput struct{}

// GetCurrentOutput is the bridge summary
type GetCurrentOutput struct {
	Connection string            `json:"connection"`
	Unread     int               `json:"unread"`
	Current    *NotificationView `json:"current,omitempty"`
	Waiting    int               `json:"waiting"`
	Error      string            `json:"error,omitempty"`
}

func (s *ToolServer) handleGetCurrent(ctx context.Context, req *sdk.CallToolRequest, input GetCurrentInput) (*sdk.CallToolResult, GetCurrentOutput, error) {
	st, err := s.client.GetState(ctx)
	if err != nil {
		return nil, GetCurrentOutput{Error: err.Error()}, nil
	}
	out := GetCurrentOutput{
		Connection: st.Connection,
		Unread:     st.Unread,
		Waiting:    st.Waiting,
	}
	if st.Current != nil {
		v := toView(*st.Current)
		out.Current = &v
	}
	return nil, out, nil
}

// SuggestRepliesInput names the notification
type SuggestRepliesInput struct {
	NotificationID string `json:"notification_id" jsonschema:"The notification id"`
}

// SuggestRepliesOutput contains reply candidates
type SuggestRepliesOutput struct {
	Replies []string `json:"replies"`
	Error   string   `json:"error,omitempty"`
}

func (s *ToolServer) handleSuggestReplies(ctx context.Context, req *sdk.CallToolRequest, input SuggestRepliesInput) (*sdk.CallToolResult, SuggestRepliesOutput, error) {
	if input.NotificationID == "" {
		return nil, SuggestRepliesOutput{Error: "notification_id is required"}, nil
	}
	replies, err := s.client.GetSuggestions(ctx, input.NotificationID)
	if err != nil {
		return nil, SuggestRepliesOutput{Error: err.Error()}, nil
	}
	return nil, SuggestRepliesOutput{Replies: replies}, nil
}

// SendResponseInput is the input for the send response tool
type SendResponseInput struct {
	NotificationID string `json:"notification_id" jsonschema:"The notification id to respond to"`
	ResponseText   string `json:"response_text" jsonschema:"The text sent to the guest"`
}

// SendResponseOutput is the output
type SendResponseOutput struct {
	Success   bool   `json:"success"`
	Retryable bool   `json:"retryable,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *ToolServer) handleSendResponse(ctx context.Context, req *sdk.CallToolRequest, input SendResponseInput) (*sdk.CallToolResult, SendResponseOutput, error) {
	if input.NotificationID == "" || strings.TrimSpace(input.ResponseText) == "" {
		return nil, SendResponseOutput{Error: "notification_id and response_text are required"}, nil
	}
	if err := s.client.SendResponse(ctx, input.NotificationID, input.ResponseText); err != nil {
		out := SendResponseOutput{Error: err.Error()}
		if apiErr, ok := err.(*APIError); ok {
			out.Retryable = apiErr.StatusCode == 409 || apiErr.StatusCode >= 500
		}
		return nil, out, nil
	}
	return nil, SendResponseOutput{Success: true}, nil
}

// OpenConversationInput names the conversation
type OpenConversationInput struct {
	ConversationKey string `json:"conversation_key" jsonschema:"The table or session key"`
}

// OpenConversationOutput lists what was resolved
type OpenConversationOutput struct {
	Resolved []string `json:"resolved"`
	Error    string   `json:"error,omitempty"`
}

func (s *ToolServer) handleOpenConversation(ctx context.Context, req *sdk.CallToolRequest, input OpenConversationInput) (*sdk.CallToolResult, OpenConversationOutput, error) {
	if input.ConversationKey == "" {
		return nil, OpenConversationOutput{Error: "conversation_key is required"}, nil
	}
	ids, err := s.client.OpenConversation(ctx, input.ConversationKey)
	if err != nil {
		return nil, OpenConversationOutput{Error: err.Error()}, nil
	}
	return nil, OpenConversationOutput{Resolved: ids}, nil
}

// DismissCurrentInput is empty - no input needed
type DismissCurrentInput struct{}

// DismissCurrentOutput reports whether something was dismissed
type DismissCurrentOutput struct {
	Dismissed bool   `json:"dismissed"`
	Error     string `json:"error,omitempty"`
}

func (s *ToolServer) handleDismissCurrent(ctx context.Context, req *sdk.CallToolRequest, input DismissCurrentInput) (*sdk.CallToolResult, DismissCurrentOutput, error) {
	dismissed, err := s.client.DismissCurrent(ctx)
	if err != nil {
		return nil, DismissCurrentOutput{Error: err.Error()}, nil
	}
	return nil, DismissCurrentOutput{Dismissed: dismissed}, nil
}
