package archive_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/soulerr"
)

func openTestStore(t *testing.T) *archive.Store {
	t.Helper()
	store, err := archive.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendEventHashChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e1, err := store.AppendEvent(ctx, nil, time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		"lmtlss:agent1:01ARZ3NDEKTSV4RRFFQ69G5FAV", archive.TypeAuthorMessage, "agent1", nil, nil, nil,
		json.RawMessage(`{"msg":1}`))
	if err != nil {
		t.Fatalf("AppendEvent e1: %v", err)
	}

	parent := e1.EventHash
	e2, err := store.AppendEvent(ctx, &parent, time.Date(2026, 7, 31, 12, 0, 1, 0, time.UTC),
		"lmtlss:agent1:01ARZ3NDEKTSV4RRFFQ69G5FAV", archive.TypeAssistantMessage, "agent1", nil, nil, nil,
		json.RawMessage(`{"msg":2}`))
	if err != nil {
		t.Fatalf("AppendEvent e2: %v", err)
	}

	if e1.EventHash == e2.EventHash {
		t.Error("E1.hash == E2.hash, want distinct")
	}

	got, ok, err := store.GetByHash(ctx, e2.EventHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if !ok {
		t.Fatal("GetByHash: not found")
	}
	if got.ParentHash == nil || *got.ParentHash != e1.EventHash {
		t.Errorf("E2.parent_hash = %v, want %s", got.ParentHash, e1.EventHash)
	}
}

func TestGetByHashRoundTripsPayloadAndLocators(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	appended, err := store.AppendEvent(ctx, nil, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		"lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV", archive.TypeHeartbeat, "a", nil, nil, nil,
		json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	got, ok, err := store.GetByHash(ctx, appended.EventHash)
	if err != nil || !ok {
		t.Fatalf("GetByHash: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != `{"ok":true}` {
		t.Errorf("Payload = %s, want {\"ok\":true}", got.Payload)
	}
	if got.PayloadLine != 1 {
		t.Errorf("PayloadLine = %d, want 1", got.PayloadLine)
	}
}

func TestWorldActionGating(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.AppendEvent(ctx, nil, time.Now(), "lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV",
		archive.TypeWorldAction, "a", nil, nil, nil, json.RawMessage(`{"action":"deploy"}`))
	if err == nil {
		t.Fatal("expected POLICY error for unapproved world_action")
	}
	if kind, ok := soulerr.Of(err); !ok || kind != soulerr.Policy {
		t.Errorf("error kind = %v, want POLICY", kind)
	}

	_, err = store.AppendEvent(ctx, nil, time.Now(), "lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV",
		archive.TypeWorldAction, "a", nil, nil, nil,
		json.RawMessage(`{"action":"deploy","approvalId":"appr_123","approved":true}`))
	if err != nil {
		t.Fatalf("expected success for approved world_action, got %v", err)
	}
}

func TestLegacyEventTypeNormalized(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e, err := store.AppendEvent(ctx, nil, time.Now(), "lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"user_message", "a", nil, nil, nil, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if e.EventType != archive.TypeAuthorMessage {
		t.Errorf("EventType = %s, want %s", e.EventType, archive.TypeAuthorMessage)
	}
}

func TestGetRecentOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, nil, base.Add(time.Duration(i)*time.Minute),
			"lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV", archive.TypeHeartbeat, "a", nil, nil, nil,
			json.RawMessage(`{"n":1}`))
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	events, err := store.GetRecent(ctx, 2)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Timestamp < events[1].Timestamp {
		t.Errorf("GetRecent not newest-first: %v", events)
	}
}

func TestDayPartitionBoundary(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e1, err := store.AppendEvent(ctx, nil, time.Date(2026, 7, 31, 23, 59, 59, 999000000, time.UTC),
		"lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV", archive.TypeHeartbeat, "a", nil, nil, nil,
		json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("AppendEvent e1: %v", err)
	}
	e2, err := store.AppendEvent(ctx, nil, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		"lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV", archive.TypeHeartbeat, "a", nil, nil, nil,
		json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("AppendEvent e2: %v", err)
	}
	if e1.PayloadFile == e2.PayloadFile {
		t.Errorf("expected distinct day partitions, got %s for both", e1.PayloadFile)
	}

	got1, ok, err := store.GetByHash(ctx, e1.EventHash)
	if err != nil || !ok {
		t.Fatalf("GetByHash e1: ok=%v err=%v", ok, err)
	}
	got2, ok, err := store.GetByHash(ctx, e2.EventHash)
	if err != nil || !ok {
		t.Fatalf("GetByHash e2: ok=%v err=%v", ok, err)
	}
	_ = got1
	_ = got2
}

func TestSearchTextMatchesMirroredField(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e, err := store.AppendEvent(ctx, nil, time.Now(), "lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV",
		archive.TypeAuthorMessage, "a", nil, nil, nil, json.RawMessage(`{"text":"the secret plan"}`))
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	hashes, err := store.SearchText(ctx, "secret", 10)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	found := false
	for _, h := range hashes {
		if h == e.EventHash {
			found = true
		}
	}
	if !found {
		t.Errorf("SearchText did not return %s among %v", e.EventHash, hashes)
	}
}

func TestInvalidSessionKeyRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.AppendEvent(ctx, nil, time.Now(), "not-a-valid-key",
		archive.TypeHeartbeat, "a", nil, nil, nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected validation error for malformed session key")
	}
}

func TestRecoverOnFullyIndexedDayRecoversNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if _, err := store.AppendEvent(ctx, nil, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		"lmtlss:a:01ARZ3NDEKTSV4RRFFQ69G5FAV", archive.TypeHeartbeat, "a", nil, nil, nil,
		json.RawMessage(`{}`)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	n, err := store.Recover(ctx, "2026-07-31")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Errorf("Recover on a fully-indexed day = %d, want 0", n)
	}
}
