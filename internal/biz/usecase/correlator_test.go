package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/clock"
)

var testStaff = domain.StaffIdentity{ID: "s1", Name: "Dana"}

type correlatorFixture struct {
	api       *mockMessageAPI
	unread    *UnreadIndexUsecase
	presenter *PresenterUsecase
	corr      *CorrelatorUsecase
}

func newCorrelatorFixture() *correlatorFixture {
	clk := clock.Fake(testEpoch)
	api := &mockMessageAPI{}
	unread := NewUnreadIndexUsecase(newMockKVStore(), clk, nil, UnreadConfig{})
	presenter := NewPresenterUsecase(clk, nil, PresenterConfig{})
	return &correlatorFixture{
		api:       api,
		unread:    unread,
		presenter: presenter,
		corr:      NewCorrelatorUsecase(api, unread, presenter, nil, CorrelatorConfig{SendTimeout: 200 * time.Millisecond}),
	}
}

func (f *correlatorFixture) deliver(n domain.Notification) {
	if f.unread.Add(context.Background(), n) {
		f.presenter.Enqueue(n)
	}
}

func TestSendResponseSuccess(t *testing.T) {
	f := newCorrelatorFixture()
	ctx := context.Background()

	f.deliver(note("m1", "T7", 0))
	f.deliver(note("m2", "T7", time.Second))

	var done []string
	err := f.corr.SendResponse(ctx, "m1", "On my way", testStaff, func(id string) { done = append(done, id) })
	if err != nil {
		t.Fatalf("SendResponse failed: %v", err)
	}

	if f.unread.IsUnread("m1") {
		t.Error("Expected m1 resolved in unread index")
	}
	if currentID(f.presenter) != "m2" {
		t.Errorf("Expected m1 retired from presenter, current is %q", currentID(f.presenter))
	}
	if len(done) != 1 || done[0] != "m1" {
		t.Errorf("Expected onDone(m1), got %v", done)
	}
	if _, ok := f.corr.Pending("m1"); ok {
		t.Error("Pending response should be destroyed on success")
	}

	req := f.api.responses[0]
	if req.ResponseText != "On my way" || req.StaffID != "s1" || req.StaffName != "Dana" {
		t.Errorf("Unexpected request body: %+v", req)
	}
}

func TestSendResponseFailureKeepsDraft(t *testing.T) {
	f := newCorrelatorFixture()
	ctx := context.Background()
	f.deliver(note("m1", "T7", 0))

	f.api.respondFn = func(ctx context.Context, id string, req domain.ResponseRequest) error {
		return &domain.ResponseSendError{NotificationID: id, StatusCode: 503, Temporary: true, Err: errors.New("unavailable")}
	}

	called := false
	err := f.corr.SendResponse(ctx, "m1", "Coming", testStaff, func(string) { called = true })

	var se *domain.ResponseSendError
	if !errors.As(err, &se) {
		t.Fatalf("Expected ResponseSendError, got %v", err)
	}
	if se.StatusCode != 503 || !se.Temporary {
		t.Errorf("Unexpected error detail: %+v", se)
	}
	if called {
		t.Error("onDone must not be called on failure")
	}
	if !f.unread.IsUnread("m1") {
		t.Error("Notification must stay unread after a failed send")
	}
	if currentID(f.presenter) != "m1" {
		t.Error("Notification must stay queued after a failed send")
	}

	pr, ok := f.corr.Pending("m1")
	if !ok {
		t.Fatal("Expected pending response to be kept")
	}
	if pr.ResponseText != "Coming" || pr.Attempt != domain.AttemptFailed || pr.LastError == "" {
		t.Errorf("Unexpected pending response: %+v", pr)
	}

	// One-tap retry with the kept text.
	f.api.respondFn = nil
	if err := f.corr.Retry(ctx, "m1", testStaff, nil); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if f.unread.IsUnread("m1") {
		t.Error("Expected m1 resolved after retry")
	}
	if f.api.responses[1].ResponseText != "Coming" {
		t.Errorf("Retry should resend kept text, got %q", f.api.responses[1].ResponseText)
	}
}

func TestSendResponsePlainErrorIsWrapped(t *testing.T) {
	f := newCorrelatorFixture()
	f.deliver(note("m1", "T7", 0))

	f.api.respondFn = func(ctx context.Context, id string, req domain.ResponseRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := f.corr.SendResponse(context.Background(), "m1", "Coming", testStaff, nil)
	var se *domain.ResponseSendError
	if !errors.As(err, &se) {
		t.Fatalf("Expected ResponseSendError, got %v", err)
	}
	if !se.Temporary || se.NotificationID != "m1" {
		t.Errorf("Expected temporary timeout for m1, got %+v", se)
	}
}

func TestSendResponseDuplicateInFlight(t *testing.T) {
	f := newCorrelatorFixture()
	f.deliver(note("m1", "T7", 0))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.respondFn = func(ctx context.Context, id string, req domain.ResponseRequest) error {
		close(entered)
		<-release
		return nil
	}

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- f.corr.SendResponse(context.Background(), "m1", "first", testStaff, nil)
	}()
	<-entered

	err := f.corr.SendResponse(context.Background(), "m1", "second", testStaff, nil)
	if !domain.IsDuplicateResponse(err) {
		t.Errorf("Expected DuplicateResponseError, got %v", err)
	}
	if _, err := f.corr.SelectReply("m1", "third"); !domain.IsDuplicateResponse(err) {
		t.Errorf("Expected SelectReply to be rejected while in flight, got %v", err)
	}
	if f.corr.Cancel("m1") {
		t.Error("In-flight send should not be cancellable")
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	if f.api.responseCount() != 1 {
		t.Errorf("Expected exactly one POST, got %d", f.api.responseCount())
	}
}

func TestSendResponseAfterExternalRetireIsSafe(t *testing.T) {
	f := newCorrelatorFixture()
	ctx := context.Background()
	f.deliver(note("m1", "T7", 0))

	release := make(chan struct{})
	f.api.respondFn = func(ctx context.Context, id string, req domain.ResponseRequest) error {
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- f.corr.SendResponse(ctx, "m1", "hi", testStaff, nil)
	}()

	// The server-response echo lands while our POST is still outstanding.
	for !f.corr.InFlight("m1") {
		time.Sleep(time.Millisecond)
	}
	f.unread.Resolve(ctx, "m1")
	f.presenter.Retire("m1")
	f.corr.Forget("m1")

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Late completion should succeed, got %v", err)
	}
	if f.unread.TotalUnread() != 0 || currentID(f.presenter) != "" {
		t.Error("Late completion should leave state unchanged")
	}
}

func TestSelectReplyAndCancel(t *testing.T) {
	f := newCorrelatorFixture()

	if _, err := f.corr.SelectReply("m1", "   "); err == nil {
		t.Error("Expected error for blank reply")
	}

	pr, err := f.corr.SelectReply("m1", "Be right there")
	if err != nil {
		t.Fatalf("SelectReply failed: %v", err)
	}
	if pr.Attempt != domain.AttemptDrafted {
		t.Errorf("Expected drafted, got %s", pr.Attempt)
	}
	if len(f.corr.PendingAll()) != 1 {
		t.Errorf("Expected 1 pending, got %d", len(f.corr.PendingAll()))
	}
	if !f.corr.Cancel("m1") {
		t.Error("Expected cancel to succeed")
	}
	if err := f.corr.Retry(context.Background(), "m1", testStaff, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on retry after cancel, got %v", err)
	}
}

func TestFailedSendForResolvedNotificationDropsDraft(t *testing.T) {
	f := newCorrelatorFixture()
	ctx := context.Background()
	f.deliver(note("m1", "T7", 0))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.respondFn = func(ctx context.Context, id string, req domain.ResponseRequest) error {
		close(entered)
		<-release
		return &domain.ResponseSendError{NotificationID: id, StatusCode: 504, Temporary: true, Err: errors.New("gateway timeout")}
	}

	done := make(chan error, 1)
	go func() {
		done <- f.corr.SendResponse(ctx, "m1", "Coming", testStaff, nil)
	}()
	<-entered

	// Another device answered while our POST was outstanding.
	f.unread.Resolve(ctx, "m1")
	f.presenter.Retire("m1")
	if f.corr.Release("m1") {
		t.Error("Release must not drop a draft under an in-flight send")
	}

	close(release)
	if err := <-done; err == nil {
		t.Fatal("Expected the send to fail")
	}
	if pr, ok := f.corr.Pending("m1"); ok {
		t.Errorf("Expected no draft kept for a resolved notification, got %+v", pr)
	}

	f.api.respondFn = nil
	if err := f.corr.Retry(ctx, "m1", testStaff, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on retry, got %v", err)
	}
	if f.api.responseCount() != 1 {
		t.Errorf("Expected exactly one POST, got %d", f.api.responseCount())
	}
}

func TestRetryDropsDraftOfResolvedNotification(t *testing.T) {
	f := newCorrelatorFixture()
	ctx := context.Background()
	f.deliver(note("m1", "T7", 0))

	if _, err := f.corr.SelectReply("m1", "Coming"); err != nil {
		t.Fatalf("SelectReply failed: %v", err)
	}
	f.unread.Resolve(ctx, "m1")

	if err := f.corr.Retry(ctx, "m1", testStaff, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, ok := f.corr.Pending("m1"); ok {
		t.Error("Expected draft dropped")
	}
	if f.api.responseCount() != 0 {
		t.Errorf("Expected no POST, got %d", f.api.responseCount())
	}
}

func TestRelease(t *testing.T) {
	f := newCorrelatorFixture()
	if f.corr.Release("m1") {
		t.Error("Release without a draft should report false")
	}
	if _, err := f.corr.SelectReply("m1", "Coming"); err != nil {
		t.Fatalf("SelectReply failed: %v", err)
	}
	if !f.corr.Release("m1") {
		t.Error("Expected idle draft to be released")
	}
	if _, ok := f.corr.Pending("m1"); ok {
		t.Error("Expected draft gone")
	}
}
