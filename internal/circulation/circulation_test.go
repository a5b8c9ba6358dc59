package circulation_test

import (
	"context"
	"testing"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/circulation"
	"github.com/lmtlss/soulmemory/internal/lattice"
)

func openTestCore(t *testing.T) *circulation.Core {
	t.Helper()
	a, err := archive.Open(t.TempDir())
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	l, err := lattice.Open(t.TempDir())
	if err != nil {
		t.Fatalf("lattice.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return &circulation.Core{Archive: a, Lattice: l, AgentName: "soulmemory", Role: "assistant"}
}

func TestRunEmptyCycleAppendsThreeEventsAndOneNode(t *testing.T) {
	core := openTestCore(t)
	ctx := context.Background()

	invoke := func(prompt string) (string, error) {
		return `Hello! <lattice_update>{"add":[{"premise":"Author says hello","nodeType":"premise","weight":{}}]}</lattice_update>`, nil
	}

	result, err := core.Run(ctx, "Hello world", circulation.Context{AgentID: "agent1"}, invoke)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reply != "Hello!" {
		t.Errorf("Reply = %q, want %q", result.Reply, "Hello!")
	}
	if result.Proposal == nil || len(result.Proposal.Add) != 1 {
		t.Fatalf("Proposal = %+v, want one addition", result.Proposal)
	}

	count, err := core.Archive.Count(ctx)
	if err != nil {
		t.Fatalf("Archive.Count: %v", err)
	}
	if count != 3 {
		t.Errorf("Archive.Count() = %d, want 3", count)
	}

	nodeCount, err := core.Lattice.NodeCount(ctx)
	if err != nil {
		t.Fatalf("Lattice.NodeCount: %v", err)
	}
	if nodeCount != 1 {
		t.Errorf("Lattice.NodeCount() = %d, want 1", nodeCount)
	}

	presence, ok, err := core.Archive.GetByHash(ctx, result.PresenceEventHash)
	if err != nil || !ok {
		t.Fatalf("GetByHash presence: ok=%v err=%v", ok, err)
	}
	if presence.EventType != archive.TypeIdentityCheck {
		t.Errorf("presence.EventType = %s, want %s", presence.EventType, archive.TypeIdentityCheck)
	}

	author, ok, err := core.Archive.GetByHash(ctx, result.AuthorEventHash)
	if err != nil || !ok {
		t.Fatalf("GetByHash author: ok=%v err=%v", ok, err)
	}
	if author.ParentHash == nil || *author.ParentHash != presence.EventHash {
		t.Errorf("author.ParentHash = %v, want %s", author.ParentHash, presence.EventHash)
	}

	assistant, ok, err := core.Archive.GetByHash(ctx, result.AssistantEventHash)
	if err != nil || !ok {
		t.Fatalf("GetByHash assistant: ok=%v err=%v", ok, err)
	}
	if assistant.ParentHash == nil || *assistant.ParentHash != author.EventHash {
		t.Errorf("assistant.ParentHash = %v, want %s", assistant.ParentHash, author.EventHash)
	}
}

func TestRunMalformedProposalStillEmitsReply(t *testing.T) {
	core := openTestCore(t)
	ctx := context.Background()

	invoke := func(prompt string) (string, error) {
		return `Ok. <lattice_update>{ invalid json </lattice_update>`, nil
	}

	result, err := core.Run(ctx, "Hello world", circulation.Context{AgentID: "agent1"}, invoke)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reply != "Ok." {
		t.Errorf("Reply = %q, want %q", result.Reply, "Ok.")
	}
	if result.Proposal != nil {
		t.Errorf("Proposal = %+v, want nil for a malformed block", result.Proposal)
	}

	count, err := core.Archive.Count(ctx)
	if err != nil {
		t.Fatalf("Archive.Count: %v", err)
	}
	if count != 3 {
		t.Errorf("Archive.Count() = %d, want 3", count)
	}
	nodeCount, err := core.Lattice.NodeCount(ctx)
	if err != nil {
		t.Fatalf("Lattice.NodeCount: %v", err)
	}
	if nodeCount != 0 {
		t.Errorf("Lattice.NodeCount() = %d, want 0 (lattice unchanged)", nodeCount)
	}
}

func TestRunModelFailureAppendsCirculationAbortedEvent(t *testing.T) {
	core := openTestCore(t)
	ctx := context.Background()

	invoke := func(prompt string) (string, error) {
		return "", errModelUnavailable
	}

	_, err := core.Run(ctx, "Hello world", circulation.Context{AgentID: "agent1"}, invoke)
	if err == nil {
		t.Fatal("Run: want error on model failure")
	}

	events, err := core.Archive.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	foundAbort := false
	for _, e := range events {
		if e.EventType == archive.TypeCirculationAbort {
			foundAbort = true
		}
	}
	if !foundAbort {
		t.Errorf("expected a circulation_aborted event among %v", events)
	}
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const errModelUnavailable = staticErr("model unavailable")
