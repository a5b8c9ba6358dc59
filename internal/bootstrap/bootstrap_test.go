package bootstrap_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/bootstrap"
	"github.com/lmtlss/soulmemory/internal/lattice"
	"github.com/lmtlss/soulmemory/internal/weight"
)

func openTestStores(t *testing.T) (*archive.Store, *lattice.Store) {
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
	return a, l
}

func TestIsSparseTrueForEmptyLattice(t *testing.T) {
	_, l := openTestStores(t)
	ctx := context.Background()

	sparse, err := bootstrap.IsSparse(ctx, l)
	if err != nil {
		t.Fatalf("IsSparse: %v", err)
	}
	if !sparse {
		t.Error("IsSparse() = false, want true for an empty lattice")
	}
}

func TestIsSparseFalseAtFiveNodes(t *testing.T) {
	_, l := openTestStores(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.CreateNode(ctx, "premise", lattice.NodePremise, weight.Vector{}, "agent1", "", nil, nil); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}

	sparse, err := bootstrap.IsSparse(ctx, l)
	if err != nil {
		t.Fatalf("IsSparse: %v", err)
	}
	if sparse {
		t.Error("IsSparse() = true, want false once node_count reaches 5")
	}
}

func TestGetBootstrapContextGenesisPromptWhenBothEmpty(t *testing.T) {
	a, l := openTestStores(t)
	ctx := context.Background()

	text, ok, err := bootstrap.GetBootstrapContext(ctx, a, l, 50)
	if err != nil {
		t.Fatalf("GetBootstrapContext: %v", err)
	}
	if !ok {
		t.Fatal("GetBootstrapContext() ok = false, want true for a sparse lattice")
	}
	if text == "" {
		t.Error("GetBootstrapContext() returned empty genesis prompt")
	}
}

func TestGetBootstrapContextFormatsRecentEvents(t *testing.T) {
	a, l := openTestStores(t)
	ctx := context.Background()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if _, err := a.AppendEvent(ctx, nil, now, "lmtlss:agent1:01ARZ3NDEKTSV4RRFFQ69G5FAV",
		archive.TypeAuthorMessage, "agent1", nil, nil, nil, []byte(`{"text":"hello there"}`)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	text, ok, err := bootstrap.GetBootstrapContext(ctx, a, l, 50)
	if err != nil {
		t.Fatalf("GetBootstrapContext: %v", err)
	}
	if !ok {
		t.Fatal("GetBootstrapContext() ok = false, want true for a sparse lattice")
	}
	if !strings.Contains(text, "hello there") {
		t.Errorf("GetBootstrapContext() = %q, want it to contain the event text", text)
	}
}

func TestGetBootstrapContextNoneWhenNotSparse(t *testing.T) {
	_, l := openTestStores(t)
	a, _ := archive.Open(t.TempDir())
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.CreateNode(ctx, "premise", lattice.NodePremise, weight.Vector{}, "agent1", "", nil, nil); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}

	_, ok, err := bootstrap.GetBootstrapContext(ctx, a, l, 50)
	if err != nil {
		t.Fatalf("GetBootstrapContext: %v", err)
	}
	if ok {
		t.Error("GetBootstrapContext() ok = true, want false once the lattice is no longer sparse")
	}
}

func TestBootstrapSoulCreatesBirthEventIdentityAndPremise(t *testing.T) {
	a, l := openTestStores(t)
	ctx := context.Background()

	birthday := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := bootstrap.BootstrapSoul(ctx, a, l, "agent1", birthday)
	if err != nil {
		t.Fatalf("BootstrapSoul: %v", err)
	}

	birthEvent, ok, err := a.GetByHash(ctx, result.BirthEventHash)
	if err != nil || !ok {
		t.Fatalf("GetByHash birth event: ok=%v err=%v", ok, err)
	}
	if birthEvent.EventType != archive.TypeSystemEvent {
		t.Errorf("birth event type = %s, want %s", birthEvent.EventType, archive.TypeSystemEvent)
	}

	identityNode, ok, err := l.GetNode(ctx, result.IdentityNodeID)
	if err != nil || !ok {
		t.Fatalf("GetNode identity: ok=%v err=%v", ok, err)
	}
	if identityNode.NodeType != lattice.NodeIdentity {
		t.Errorf("identity node type = %s, want %s", identityNode.NodeType, lattice.NodeIdentity)
	}
	if identityNode.Weight.Salience != 1 || identityNode.Weight.Commitment != 1 || identityNode.Weight.Uncertainty != 0 {
		t.Errorf("identity node weight = %+v, want salience=1 commitment=1 uncertainty=0", identityNode.Weight)
	}

	premiseNode, ok, err := l.GetNode(ctx, result.PremiseNodeID)
	if err != nil || !ok {
		t.Fatalf("GetNode premise: ok=%v err=%v", ok, err)
	}
	if premiseNode.NodeType != lattice.NodePremise {
		t.Errorf("premise node type = %s, want %s", premiseNode.NodeType, lattice.NodePremise)
	}

	evidence, err := l.GetEvidence(ctx, premiseNode.ID)
	if err != nil {
		t.Fatalf("GetEvidence: %v", err)
	}
	if len(evidence) != 1 || evidence[0].LinkType != lattice.LinkOrigin || evidence[0].EventHash != result.BirthEventHash {
		t.Errorf("evidence = %+v, want one origin link to the birth event", evidence)
	}

	nodeCount, err := l.NodeCount(ctx)
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if nodeCount != 2 {
		t.Errorf("NodeCount() = %d, want 2 (identity + premise)", nodeCount)
	}
}

