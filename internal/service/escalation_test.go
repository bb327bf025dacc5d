package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tableside/staff-bridge/internal/biz/usecase"
	"github.com/tableside/staff-bridge/internal/clock"
)

func newEscalationFixture(notifier *mockNotifier) (*clock.FakeClock, *usecase.UnreadIndexUsecase, *EscalationScheduler) {
	clk := clock.Fake(testEpoch)
	unread := usecase.NewUnreadIndexUsecase(newMockKVStore(), clk, nil, usecase.UnreadConfig{})
	s := NewEscalationScheduler(unread, notifier, EscalationConfig{
		ChatID:   "oc_staff",
		After:    10 * time.Minute,
		Interval: time.Minute,
	}, clk, nil)
	return clk, unread, s
}

func TestEscalationPostsStaleOnce(t *testing.T) {
	notifier := &mockNotifier{}
	clk, unread, s := newEscalationFixture(notifier)
	ctx := context.Background()

	old := notification("m1", "t5")
	old.OriginName = "Table 5"
	unread.Add(ctx, old)
	fresh := notification("m2", "t6")
	fresh.CreatedAt = testEpoch.Add(8 * time.Minute)
	unread.Add(ctx, fresh)

	clk.Advance(10 * time.Minute)
	if n := s.check(ctx); n != 1 {
		t.Fatalf("Expected 1 escalated, got %d", n)
	}
	if !strings.Contains(notifier.sent[0], "Table 5") {
		t.Errorf("Expected origin in text, got %q", notifier.sent[0])
	}

	if n := s.check(ctx); n != 0 {
		t.Errorf("Expected no repeat escalation, got %d", n)
	}

	clk.Advance(8 * time.Minute)
	if n := s.check(ctx); n != 1 {
		t.Errorf("Expected m2 escalated once stale, got %d", n)
	}
	if len(notifier.sent) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(notifier.sent))
	}
}

func TestEscalationRetriesAfterFailure(t *testing.T) {
	notifier := &mockNotifier{fail: true}
	clk, unread, s := newEscalationFixture(notifier)
	ctx := context.Background()

	unread.Add(ctx, notification("m1", "t5"))
	clk.Advance(time.Hour)

	if n := s.check(ctx); n != 0 {
		t.Errorf("Expected nothing escalated while failing, got %d", n)
	}
	notifier.fail = false
	if n := s.check(ctx); n != 1 {
		t.Errorf("Expected escalation on retry, got %d", n)
	}
}

func TestEscalationSkipsResolved(t *testing.T) {
	notifier := &mockNotifier{}
	clk, unread, s := newEscalationFixture(notifier)
	ctx := context.Background()

	unread.Add(ctx, notification("m1", "t5"))
	unread.Resolve(ctx, "m1")
	clk.Advance(time.Hour)

	if n := s.check(ctx); n != 0 {
		t.Errorf("Resolved notification escalated: %d", n)
	}
}

func TestEscalationDisabled(t *testing.T) {
	clk := clock.Fake(testEpoch)
	unread := usecase.NewUnreadIndexUsecase(newMockKVStore(), clk, nil, usecase.UnreadConfig{})
	s := NewEscalationScheduler(unread, nil, EscalationConfig{ChatID: "oc_staff", After: time.Minute}, clk, nil)
	if s.Enabled() {
		t.Error("Expected disabled without a notifier")
	}
	s.Start(context.Background())
	s.Stop()
}

func TestEscalationLoopRunsOnTick(t *testing.T) {
	notifier := &mockNotifier{}
	clk, unread, s := newEscalationFixture(notifier)
	unread.Add(context.Background(), notification("m1", "t5"))

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(time.Hour)
		notifier.mu.Lock()
		n := len(notifier.sent)
		notifier.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Expected escalation from the ticker loop")
}
