package lattice_test

import (
	"context"
	"testing"

	"github.com/lmtlss/soulmemory/internal/lattice"
	"github.com/lmtlss/soulmemory/internal/soulerr"
	"github.com/lmtlss/soulmemory/internal/weight"
)

func openTestStore(t *testing.T) *lattice.Store {
	t.Helper()
	store, err := lattice.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateNode(t *testing.T, store *lattice.Store, premise, nodeType string) lattice.Node {
	t.Helper()
	n, err := store.CreateNode(context.Background(), premise, nodeType, weight.Vector{}, "agent1", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return n
}

func TestCreateNodeDefaultsStatusAndClampsWeight(t *testing.T) {
	store := openTestStore(t)
	n, err := store.CreateNode(context.Background(), "likes quiet mornings", lattice.NodePreference,
		weight.Vector{Salience: 1.5, Uncertainty: -1}, "agent1", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if n.Status != lattice.StatusProvisional {
		t.Errorf("Status = %q, want provisional", n.Status)
	}
	if n.Weight.Salience != 1 {
		t.Errorf("Salience = %v, want clamped to 1", n.Weight.Salience)
	}
	if n.Weight.Uncertainty != 0 {
		t.Errorf("Uncertainty = %v, want clamped to 0", n.Weight.Uncertainty)
	}

	got, ok, err := store.GetNode(context.Background(), n.ID)
	if err != nil || !ok {
		t.Fatalf("GetNode: ok=%v err=%v", ok, err)
	}
	if got.Premise != n.Premise {
		t.Errorf("Premise = %q, want %q", got.Premise, n.Premise)
	}
}

func TestUpdateNodeWeightPartialNoOpStillBumpsUpdatedAt(t *testing.T) {
	store := openTestStore(t)
	n := mustCreateNode(t, store, "a premise", lattice.NodePremise)

	updated, err := store.UpdateNodeWeight(context.Background(), n.ID, weight.PartialUpdate{})
	if err != nil {
		t.Fatalf("UpdateNodeWeight: %v", err)
	}
	if updated.Weight != n.Weight {
		t.Errorf("empty partial changed weight: got %+v, want %+v", updated.Weight, n.Weight)
	}
	if !updated.UpdatedAt.After(n.CreatedAt) && !updated.UpdatedAt.Equal(n.CreatedAt) {
		t.Errorf("UpdatedAt did not advance: %v vs %v", updated.UpdatedAt, n.CreatedAt)
	}
}

func TestUpdateNodeWeightUnknownNodeIsReferential(t *testing.T) {
	store := openTestStore(t)
	_, err := store.UpdateNodeWeight(context.Background(), "does-not-exist", weight.PartialUpdate{})
	if kind, ok := soulerr.Of(err); !ok || kind != soulerr.Referential {
		t.Errorf("error kind = %v, want REFERENTIAL", kind)
	}
}

func TestCreateEdgeSelfLoopRejected(t *testing.T) {
	store := openTestStore(t)
	n := mustCreateNode(t, store, "premise", lattice.NodePremise)

	_, err := store.CreateEdge(context.Background(), n.ID, n.ID, lattice.RelationSupports, 1.0)
	if kind, ok := soulerr.Of(err); !ok || kind != soulerr.Referential {
		t.Errorf("error kind = %v, want REFERENTIAL", kind)
	}
}

func TestCreateEdgeMissingEndpointRejected(t *testing.T) {
	store := openTestStore(t)
	n := mustCreateNode(t, store, "premise", lattice.NodePremise)

	_, err := store.CreateEdge(context.Background(), n.ID, "missing-node", lattice.RelationSupports, 1.0)
	if kind, ok := soulerr.Of(err); !ok || kind != soulerr.Referential {
		t.Errorf("error kind = %v, want REFERENTIAL", kind)
	}
}

func TestGetEdgesForNodesRequiresBothEndpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreateNode(t, store, "a", lattice.NodePremise)
	b := mustCreateNode(t, store, "b", lattice.NodePremise)
	c := mustCreateNode(t, store, "c", lattice.NodePremise)

	if _, err := store.CreateEdge(ctx, a.ID, b.ID, lattice.RelationSupports, 1.0); err != nil {
		t.Fatalf("CreateEdge a-b: %v", err)
	}
	if _, err := store.CreateEdge(ctx, a.ID, c.ID, lattice.RelationRelatedTo, 0.5); err != nil {
		t.Fatalf("CreateEdge a-c: %v", err)
	}

	edges, err := store.GetEdgesForNodes(ctx, []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("GetEdgesForNodes: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("len(edges) = %d, want 1", len(edges))
	}
	if edges[0].TargetID != b.ID {
		t.Errorf("edge target = %s, want %s", edges[0].TargetID, b.ID)
	}
}

func TestAddEvidenceAndGetEvidence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	n := mustCreateNode(t, store, "premise", lattice.NodePremise)

	if err := store.AddEvidence(ctx, n.ID, "deadbeef", lattice.LinkOrigin); err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}
	ev, err := store.GetEvidence(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetEvidence: %v", err)
	}
	if len(ev) != 1 || ev[0].EventHash != "deadbeef" {
		t.Errorf("GetEvidence = %+v, want one link to deadbeef", ev)
	}
}

func TestSearchNodesMatchesPremise(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	mustCreateNode(t, store, "prefers dark roast coffee", lattice.NodePreference)
	mustCreateNode(t, store, "dislikes loud music", lattice.NodePreference)

	nodes, err := store.SearchNodes(ctx, "coffee", 10)
	if err != nil {
		t.Fatalf("SearchNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Premise != "prefers dark roast coffee" {
		t.Errorf("SearchNodes = %+v, want one coffee match", nodes)
	}
}

func TestGetTopSalienceExcludesArchivedAndOrdersDescending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	low, err := store.CreateNode(ctx, "low salience", lattice.NodePremise, weight.Vector{Salience: 0.2}, "a", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateNode low: %v", err)
	}
	high, err := store.CreateNode(ctx, "high salience", lattice.NodePremise, weight.Vector{Salience: 0.9}, "a", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateNode high: %v", err)
	}
	archived, err := store.CreateNode(ctx, "archived but salient", lattice.NodePremise, weight.Vector{Salience: 1.0}, "a", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateNode archived: %v", err)
	}
	if err := store.UpdateStatus(ctx, archived.ID, lattice.StatusArchived); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	top, err := store.GetTopSalience(ctx, 10)
	if err != nil {
		t.Fatalf("GetTopSalience: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("len(top) = %d, want 2 (archived excluded)", len(top))
	}
	if top[0].ID != high.ID || top[1].ID != low.ID {
		t.Errorf("GetTopSalience order = [%s, %s], want [%s, %s]", top[0].ID, top[1].ID, high.ID, low.ID)
	}
}

func TestNodeCountIncludesArchived(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	n := mustCreateNode(t, store, "premise", lattice.NodePremise)
	if err := store.UpdateStatus(ctx, n.ID, lattice.StatusArchived); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	count, err := store.NodeCount(ctx)
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if count != 1 {
		t.Errorf("NodeCount = %d, want 1", count)
	}
}
