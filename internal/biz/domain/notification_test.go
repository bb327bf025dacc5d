package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"service", CategoryService},
		{"ORDER", CategoryOrder},
		{" payment ", CategoryPayment},
		{"other", CategoryOther},
		{"", CategoryOther},
		{"refill", CategoryOther},
	}

	for _, tt := range tests {
		if got := ParseCategory(tt.in); got != tt.want {
			t.Errorf("ParseCategory(%q) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}

func TestNewMessagePayloadDecode(t *testing.T) {
	raw := `{"messageId":"m1","conversationKey":"T7","text":"Water please","category":"service","originName":"Table 7","timestamp":"2026-03-01T18:30:00Z"}`

	var p NewMessagePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	n := p.ToNotification()
	if n.ID != "m1" || n.ConversationKey != "T7" {
		t.Errorf("Unexpected identity: %+v", n)
	}
	if n.Category != CategoryService {
		t.Errorf("Expected category service, got %s", n.Category)
	}
	want := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)
	if !n.CreatedAt.Equal(want) {
		t.Errorf("Expected createdAt %v, got %v", want, n.CreatedAt)
	}
	if n.Resolved {
		t.Error("New notification should be unresolved")
	}
}

func TestTimestampEpochMillis(t *testing.T) {
	for _, raw := range []string{`1767225600000`, `"1767225600000"`} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", raw, err)
		}
		if ts.UnixMilli() != 1767225600000 {
			t.Errorf("Unmarshal(%s): expected 1767225600000, got %d", raw, ts.UnixMilli())
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Error("Expected error for unparseable timestamp")
	}
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Errorf("Expected null to give zero time, got %v (%v)", ts, err)
	}
}

func TestPendingResponseJSON(t *testing.T) {
	pr := PendingResponse{NotificationID: "m1", ResponseText: "On my way", Attempt: AttemptFailed}
	b, err := json.Marshal(pr)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	if m["attempt"] != "failed" {
		t.Errorf("Expected attempt=failed, got %v", m["attempt"])
	}
}

func TestNotificationJSONOmitsUnsetResolvedAt(t *testing.T) {
	n := Notification{ID: "m1", ConversationKey: "t5", CreatedAt: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	if _, ok := m["resolvedAt"]; ok {
		t.Errorf("Expected no resolvedAt for an unread notification, got %s", b)
	}

	n.Resolved = true
	n.ResolvedAt = n.CreatedAt.Add(time.Minute)
	b, _ = json.Marshal(n)
	var back Notification
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.ResolvedAt.Equal(n.ResolvedAt) {
		t.Errorf("Expected resolvedAt %v, got %v", n.ResolvedAt, back.ResolvedAt)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")

	var sendErr error = &ResponseSendError{NotificationID: "m1", StatusCode: 503, Temporary: true, Err: base}
	if !errors.Is(sendErr, base) {
		t.Error("ResponseSendError should unwrap to its cause")
	}

	wrapped := fmt.Errorf("outer: %w", &DuplicateResponseError{NotificationID: "m1"})
	if !IsDuplicateResponse(wrapped) {
		t.Error("Expected IsDuplicateResponse through wrapping")
	}
	if IsAuthError(wrapped) {
		t.Error("Duplicate error is not an auth error")
	}

	var storageErr error = &StorageError{Op: "set", Key: "k", Err: base}
	var se *StorageError
	if !errors.As(storageErr, &se) || se.Key != "k" {
		t.Error("Expected errors.As to find StorageError")
	}
}

func TestConnStateString(t *testing.T) {
	if StateAuthenticated.String() != "authenticated" {
		t.Errorf("Unexpected string %q", StateAuthenticated.String())
	}
	if ConnState(42).String() != "unknown" {
		t.Error("Expected unknown for out-of-range state")
	}
}
