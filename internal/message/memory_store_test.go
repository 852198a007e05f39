package message

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	messages := []*Message{
		{ID: "m1", UserID: "alice", Text: "supply 10 usdc", Status: StatusPending, MaxRetries: 3},
		{ID: "m2", UserID: "bob", Text: "borrow 5 weth", Status: StatusFailed, MaxRetries: 3},
		{ID: "m3", UserID: "alice", Text: "repay everything", Status: StatusSucceeded, MaxRetries: 3},
	}

	for _, msg := range messages {
		if err := store.Create(ctx, msg); err != nil {
			t.Fatalf("create message %s: %v", msg.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "m2", CodeMessageProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "m3", Outcome{Reply: "已全部偿还", ActionID: "repay"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.messages["m1"].UpdatedAt = base.Unix()
	store.messages["m2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.messages["m3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}
	if all[0].ID != "m3" {
		t.Fatalf("expected newest message first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "m2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	succeeded, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != "m3" {
		t.Fatalf("unexpected result list: %+v", succeeded)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 messages to match since filter, got %d", len(recent))
	}

	byUser, err := store.List(ctx, buildListOptions([]ListOption{WithUser("alice")}))
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("expected 2 messages for alice, got %d", len(byUser))
	}

	byQuery, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("borrow")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "m2" {
		t.Fatalf("unexpected query list: %+v", byQuery)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	messages := []*Message{
		{ID: "a", Text: "supply", Status: StatusPending, MaxRetries: 3},
		{ID: "b", Text: "borrow", Status: StatusPending, MaxRetries: 3},
		{ID: "c", Text: "repay", Status: StatusPending, MaxRetries: 3},
	}

	for _, msg := range messages {
		if err := store.Create(ctx, msg); err != nil {
			t.Fatalf("create message %s: %v", msg.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", CodeMessageProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", Outcome{Reply: "已偿还"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.messages["a"].UpdatedAt = base.Unix()
	store.messages["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.messages["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("stats with result: %v", err)
	}
	if withResults.Total != 1 || withResults.Succeeded != 1 {
		t.Fatalf("unexpected stats with result: %+v", withResults)
	}

	withoutResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := &Message{ID: "m1", Text: "supply 1 weth", Status: StatusPending, MaxRetries: 2}
	if err := store.Create(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "m1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed message: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "m1"); err != ErrMessageConflict {
		t.Fatalf("expected conflict on running message, got %v", err)
	}

	if err := store.MarkFailed(ctx, "m1", CodeMessageProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "m1"); err != nil {
		t.Fatalf("expected second claim to succeed, got %v", err)
	}
	if err := store.MarkFailed(ctx, "m1", CodeMessageProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if _, err := store.Claim(ctx, "m1"); err != ErrMessageExhausted {
		t.Fatalf("expected retries exhausted, got %v", err)
	}

	if err := store.MarkSucceeded(ctx, "m1", Outcome{Reply: "存入成功"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "m1"); err != ErrMessageCompleted {
		t.Fatalf("expected completed, got %v", err)
	}
}
