package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NewMessagePayload is the data of a new-message event and of a backlog entry
type NewMessagePayload struct {
	MessageID       string    `json:"messageId" validate:"required"`
	ConversationKey string    `json:"conversationKey" validate:"required"`
	Text            string    `json:"text"`
	Category        string    `json:"category"`
	OriginName      string    `json:"originName"`
	Timestamp       Timestamp `json:"timestamp"`
}

// ToNotification converts the wire payload into a fresh unresolved notification
func (p *NewMessagePayload) ToNotification() Notification {
	return Notification{
		ID:              p.MessageID,
		ConversationKey: p.ConversationKey,
		Text:            p.Text,
		Category:        ParseCategory(p.Category),
		OriginName:      p.OriginName,
		CreatedAt:       p.Timestamp.Time,
	}
}

// ServerResponsePayload is the data of a server-response event
type ServerResponsePayload struct {
	ClientMessageID string `json:"clientMessageId" validate:"required"`
}

// Timestamp accepts RFC 3339 strings or epoch milliseconds
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}

	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", b, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// ResponseRequest is the body of POST /messages/{id}/respond
type ResponseRequest struct {
	ResponseText string `json:"responseText"`
	StaffID      string `json:"staffId"`
	StaffName    string `json:"staffName"`
}
