package history_test

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/errors"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
	"github.com/sgopi888/neuroheart-chat-api/pkg/history"
)

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *history.Store, userUID string, contents ...string) (string, []int64) {
	t.Helper()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, userUID, "test")
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	ids := make([]int64, 0, len(contents))
	for i, c := range contents {
		role := message.RoleUser
		if i%2 == 1 {
			role = message.RoleAssistant
		}
		id, err := s.InsertMessage(ctx, userUID, conv.ID, role, c, nil)
		if err != nil {
			t.Fatalf("failed to insert message: %v", err)
		}
		ids = append(ids, id)
	}
	return conv.ID, ids
}

func TestStore_AssertOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, _ := seedConversation(t, s, "alice", "hi")

	if err := s.AssertOwner(ctx, "alice", convID); err != nil {
		t.Errorf("expected owner check to pass, got %v", err)
	}
	if err := s.AssertOwner(ctx, "bob", convID); !stderrors.Is(err, errors.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound for foreign caller, got %v", err)
	}
	if err := s.AssertOwner(ctx, "alice", "missing"); !stderrors.Is(err, errors.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound for missing conversation, got %v", err)
	}
}

func TestStore_MessageIDsMonotonic(t *testing.T) {
	s := newTestStore(t)

	_, ids := seedConversation(t, s, "alice", "a", "b", "c", "d")

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected strictly increasing ids, got %v", ids)
		}
	}
}

func TestStore_FetchRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, ids := seedConversation(t, s, "alice", "a", "b", "c", "d", "e")

	msgs, err := s.FetchRecent(ctx, convID, 3, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// 最近 3 条，升序
	if msgs[0].Content != "c" || msgs[2].Content != "e" {
		t.Errorf("expected c..e ascending, got %q..%q", msgs[0].Content, msgs[2].Content)
	}

	// beforeID 排除新插入的本轮消息
	msgs, err = s.FetchRecent(ctx, convID, 10, ids[4])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages before id %d, got %d", ids[4], len(msgs))
	}
	for _, m := range msgs {
		if m.ID >= ids[4] {
			t.Errorf("message %d should be excluded by beforeID", m.ID)
		}
	}
}

func TestStore_FetchRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, ids := seedConversation(t, s, "alice", "a", "b", "c", "d", "e")

	// (ids[0], ids[3]) 开区间
	msgs, err := s.FetchRange(ctx, convID, ids[0], ids[3])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "b" || msgs[1].Content != "c" {
		t.Errorf("expected b, c, got %q, %q", msgs[0].Content, msgs[1].Content)
	}

	// 左端无界
	msgs, err = s.FetchRange(ctx, convID, 0, ids[2])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestStore_SummaryLazyCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, _ := seedConversation(t, s, "alice", "hi")

	sum, err := s.GetOrCreateSummary(ctx, "alice", convID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sum.Summary != "" {
		t.Errorf("expected empty summary, got %q", sum.Summary)
	}
	if sum.Watermark != nil {
		t.Errorf("expected nil watermark, got %d", *sum.Watermark)
	}

	// 再次读取返回同一行
	sum, err = s.GetOrCreateSummary(ctx, "alice", convID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sum.Watermark != nil {
		t.Error("expected watermark still nil")
	}
}

func TestStore_UpdateSummaryWatermarkMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, _ := seedConversation(t, s, "alice", "hi")
	if _, err := s.GetOrCreateSummary(ctx, "alice", convID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := s.UpdateSummary(ctx, convID, 10, "first"); err != nil {
		t.Fatalf("expected first update to succeed, got %v", err)
	}

	// 相等或更小的水位线被拒绝
	if err := s.UpdateSummary(ctx, convID, 10, "same"); !stderrors.Is(err, errors.ErrStaleWatermark) {
		t.Errorf("expected ErrStaleWatermark for equal watermark, got %v", err)
	}
	if err := s.UpdateSummary(ctx, convID, 5, "older"); !stderrors.Is(err, errors.ErrStaleWatermark) {
		t.Errorf("expected ErrStaleWatermark for smaller watermark, got %v", err)
	}

	sum, err := s.GetOrCreateSummary(ctx, "alice", convID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sum.Summary != "first" {
		t.Errorf("stale writes must not change the summary, got %q", sum.Summary)
	}
	if sum.Watermark == nil || *sum.Watermark != 10 {
		t.Errorf("expected watermark 10, got %v", sum.Watermark)
	}

	// 更大的水位线推进
	if err := s.UpdateSummary(ctx, convID, 20, "second"); err != nil {
		t.Fatalf("expected advance to succeed, got %v", err)
	}
	sum, _ = s.GetOrCreateSummary(ctx, "alice", convID)
	if sum.Watermark == nil || *sum.Watermark != 20 {
		t.Errorf("expected watermark 20, got %v", sum.Watermark)
	}
}

func TestStore_CountAndRecentIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, ids := seedConversation(t, s, "alice", "a", "b", "c", "d")

	n, err := s.CountMessages(ctx, convID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 messages, got %d", n)
	}

	recent, err := s.FetchRecentIDs(ctx, convID, 2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(recent) != 2 || recent[0] != ids[2] || recent[1] != ids[3] {
		t.Errorf("expected last two ids ascending, got %v", recent)
	}
}

func TestStore_ListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedConversation(t, s, "alice", "hi")
	seedConversation(t, s, "alice", "hello")
	seedConversation(t, s, "bob", "hey")

	items, err := s.ListConversations(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 conversations for alice, got %d", len(items))
	}
	for _, c := range items {
		if c.UserUID != "alice" {
			t.Errorf("expected only alice's conversations, got %q", c.UserUID)
		}
	}
}
