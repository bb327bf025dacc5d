package data

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// FeishuNotifier implements repo.StaffNotifier by posting text messages to
// a Feishu group chat
type FeishuNotifier struct {
	client *lark.Client
}

// NewFeishuNotifier returns nil when credentials are missing
func NewFeishuNotifier(appID, appSecret string) *FeishuNotifier {
	if appID == "" || appSecret == "" {
		return nil
	}
	return &FeishuNotifier{client: lark.NewClient(appID, appSecret)}
}

// SendText sends a plain text message to chatID
func (n *FeishuNotifier) SendText(ctx context.Context, chatID, text string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(larkim.MsgTypeText).
			Content(textContent(text)).
			Build()).
		Build()

	resp, err := n.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu send: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu send: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

func textContent(text string) string {
	b, _ := json.Marshal(map[string]string{"text": text})
	return string(b)
}
