package lattice

import (
	"context"
	"database/sql"

	"github.com/lmtlss/soulmemory/internal/soulerr"
	"github.com/lmtlss/soulmemory/internal/weight"
)

// Tx scopes node and edge mutations to one underlying sqlite
// transaction, so a multi-step caller like the Compiler can
// roll every step back atomically on failure.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside one transaction against the Lattice, holding
// the store's write lock for the duration. fn's error (if any) rolls
// the transaction back; otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return soulerr.New(soulerr.IO, "lattice.WithTx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return soulerr.New(soulerr.IO, "lattice.WithTx", err)
	}
	return nil
}

// GetNode is the transaction-scoped equivalent of Store.GetNode.
func (t *Tx) GetNode(ctx context.Context, id string) (Node, bool, error) {
	return getNode(ctx, t.tx, id)
}

// CreateNode is the transaction-scoped equivalent of Store.CreateNode.
func (t *Tx) CreateNode(ctx context.Context, premise, nodeType string, w weight.Vector,
	createdBy, status string, spatial *Spatial, temporal *Temporal) (Node, error) {
	return createNode(ctx, t.tx, premise, nodeType, w, createdBy, status, spatial, temporal)
}

// UpdateNodeWeight is the transaction-scoped equivalent of Store.UpdateNodeWeight.
func (t *Tx) UpdateNodeWeight(ctx context.Context, id string, p weight.PartialUpdate) (Node, error) {
	return updateNodeWeight(ctx, t.tx, id, p)
}

// CreateEdge is the transaction-scoped equivalent of Store.CreateEdge.
func (t *Tx) CreateEdge(ctx context.Context, source, target, relation string, strength float64) (Edge, error) {
	return createEdge(ctx, t.tx, source, target, relation, strength)
}
