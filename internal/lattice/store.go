// Package lattice implements the Lattice Store: the typed,
// weighted belief graph backing Recall and the Capsule Builder.
package lattice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lmtlss/soulmemory/internal/identity"
	"github.com/lmtlss/soulmemory/internal/soulerr"
	"github.com/lmtlss/soulmemory/internal/weight"
)

// Store is the Lattice Store. Writers are serialized internally: the
// Lattice is sole-writer per process, same as the Archive.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting the node,
// edge, and evidence helpers run either standalone or as part of a
// caller-managed transaction (the Compiler's multi-step compile needs
// the latter).
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the lattice database at dir/soul.db.
func Open(dir string) (*Store, error) {
	db, err := openDB(dir + "/soul.db")
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.Open", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store's database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateNode inserts a new node, defaulting status to provisional and
// clamping every supplied weight component to [0, 1].
func (s *Store) CreateNode(ctx context.Context, premise, nodeType string, w weight.Vector,
	createdBy, status string, spatial *Spatial, temporal *Temporal) (Node, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Node{}, soulerr.New(soulerr.IO, "lattice.CreateNode", err)
	}
	defer func() { _ = tx.Rollback() }()

	node, err := createNode(ctx, tx, premise, nodeType, w, createdBy, status, spatial, temporal)
	if err != nil {
		return Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return Node{}, soulerr.New(soulerr.IO, "lattice.CreateNode", err)
	}
	return node, nil
}

func createNode(ctx context.Context, q querier, premise, nodeType string, w weight.Vector,
	createdBy, status string, spatial *Spatial, temporal *Temporal) (Node, error) {

	if !IsValidNodeType(nodeType) {
		return Node{}, soulerr.New(soulerr.Validation, "lattice.CreateNode", fmt.Errorf("unknown node type %q", nodeType))
	}
	if status == "" {
		status = StatusProvisional
	}
	if !IsValidStatus(status) {
		return Node{}, soulerr.New(soulerr.Validation, "lattice.CreateNode", fmt.Errorf("unknown status %q", status))
	}

	now := time.Now().UTC()
	node := Node{
		ID:        identity.NewULID(now),
		NodeType:  nodeType,
		Premise:   premise,
		Status:    status,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
		Weight:    weight.Clamp(w),
		Spatial:   spatial,
		Temporal:  temporal,
	}

	if err := insertNode(ctx, q, node); err != nil {
		return Node{}, soulerr.New(soulerr.IO, "lattice.CreateNode", err)
	}
	return node, nil
}

func insertNode(ctx context.Context, q querier, n Node) error {
	var spatialName, spatialLat, spatialLng, temporalStart, temporalEnd any
	if n.Spatial != nil {
		spatialName = n.Spatial.Name
		spatialLat = n.Spatial.Lat
		spatialLng = n.Spatial.Lng
	}
	if n.Temporal != nil {
		if n.Temporal.Start != nil {
			temporalStart = n.Temporal.Start.UTC().Format(time.RFC3339Nano)
		}
		if n.Temporal.End != nil {
			temporalEnd = n.Temporal.End.UTC().Format(time.RFC3339Nano)
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO nodes (node_id, node_type, premise, status, created_by, created_at, updated_at,
		                    salience, valence, arousal, commitment, uncertainty, resonance,
		                    spatial_name, spatial_lat, spatial_lng, temporal_start, temporal_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.NodeType, n.Premise, n.Status, n.CreatedBy,
		n.CreatedAt.UTC().Format(time.RFC3339Nano), n.UpdatedAt.UTC().Format(time.RFC3339Nano),
		n.Weight.Salience, n.Weight.Valence, n.Weight.Arousal,
		n.Weight.Commitment, n.Weight.Uncertainty, n.Weight.Resonance,
		spatialName, spatialLat, spatialLng, temporalStart, temporalEnd)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}

	if _, err := q.ExecContext(ctx, `INSERT INTO nodes_fts (node_id, premise) VALUES (?, ?)`,
		n.ID, n.Premise); err != nil {
		return fmt.Errorf("insert nodes_fts: %w", err)
	}
	return nil
}

const nodeColumns = `node_id, node_type, premise, status, created_by, created_at, updated_at,
	salience, valence, arousal, commitment, uncertainty, resonance,
	spatial_name, spatial_lat, spatial_lng, temporal_start, temporal_end`

func scanNode(row interface {
	Scan(dest ...any) error
}) (Node, error) {
	var (
		n                                          Node
		createdAt, updatedAt                       string
		spatialName, temporalStart, temporalEnd    sql.NullString
		spatialLat, spatialLng                     sql.NullFloat64
	)
	if err := row.Scan(&n.ID, &n.NodeType, &n.Premise, &n.Status, &n.CreatedBy, &createdAt, &updatedAt,
		&n.Weight.Salience, &n.Weight.Valence, &n.Weight.Arousal,
		&n.Weight.Commitment, &n.Weight.Uncertainty, &n.Weight.Resonance,
		&spatialName, &spatialLat, &spatialLng, &temporalStart, &temporalEnd); err != nil {
		return Node{}, fmt.Errorf("scan node: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Node{}, fmt.Errorf("parse created_at: %w", err)
	}
	n.CreatedAt = ts
	ts, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Node{}, fmt.Errorf("parse updated_at: %w", err)
	}
	n.UpdatedAt = ts

	if spatialName.Valid {
		n.Spatial = &Spatial{Name: spatialName.String, Lat: spatialLat.Float64, Lng: spatialLng.Float64}
	}
	if temporalStart.Valid || temporalEnd.Valid {
		t := &Temporal{}
		if temporalStart.Valid {
			v, err := time.Parse(time.RFC3339Nano, temporalStart.String)
			if err != nil {
				return Node{}, fmt.Errorf("parse temporal_start: %w", err)
			}
			t.Start = &v
		}
		if temporalEnd.Valid {
			v, err := time.Parse(time.RFC3339Nano, temporalEnd.String)
			if err != nil {
				return Node{}, fmt.Errorf("parse temporal_end: %w", err)
			}
			t.End = &v
		}
		n.Temporal = t
	}
	return n, nil
}

// GetNode returns the node with the given id, or (Node{}, false, nil) if
// it does not exist.
func (s *Store) GetNode(ctx context.Context, id string) (Node, bool, error) {
	return getNode(ctx, s.db, id)
}

func getNode(ctx context.Context, q querier, id string) (Node, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, soulerr.New(soulerr.IO, "lattice.GetNode", err)
	}
	return n, true, nil
}

// UpdateNodeWeight applies a coordinate-wise partial update and bumps
// updated_at, even when p carries no overrides.
func (s *Store) UpdateNodeWeight(ctx context.Context, id string, p weight.PartialUpdate) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateNodeWeight(ctx, s.db, id, p)
}

func updateNodeWeight(ctx context.Context, q querier, id string, p weight.PartialUpdate) (Node, error) {
	node, ok, err := getNode(ctx, q, id)
	if err != nil {
		return Node{}, err
	}
	if !ok {
		return Node{}, soulerr.New(soulerr.Referential, "lattice.UpdateNodeWeight", fmt.Errorf("node %q not found", id))
	}

	node.Weight = weight.ApplyPartial(node.Weight, p)
	node.UpdatedAt = time.Now().UTC()

	_, err = q.ExecContext(ctx, `
		UPDATE nodes SET salience=?, valence=?, arousal=?, commitment=?, uncertainty=?, resonance=?, updated_at=?
		WHERE node_id = ?
	`, node.Weight.Salience, node.Weight.Valence, node.Weight.Arousal,
		node.Weight.Commitment, node.Weight.Uncertainty, node.Weight.Resonance,
		node.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return Node{}, soulerr.New(soulerr.IO, "lattice.UpdateNodeWeight", err)
	}
	return node, nil
}

// UpdateStatus transitions a node's lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	if !IsValidStatus(status) {
		return soulerr.New(soulerr.Validation, "lattice.UpdateStatus", fmt.Errorf("unknown status %q", status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET status=?, updated_at=? WHERE node_id=?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return soulerr.New(soulerr.IO, "lattice.UpdateStatus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return soulerr.New(soulerr.IO, "lattice.UpdateStatus", err)
	}
	if n == 0 {
		return soulerr.New(soulerr.Referential, "lattice.UpdateStatus", fmt.Errorf("node %q not found", id))
	}
	return nil
}

// CreateEdge inserts a typed relation between two existing nodes.
// Fails with REFERENTIAL when an endpoint is missing or source equals
// target.
func (s *Store) CreateEdge(ctx context.Context, source, target, relation string, strength float64) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createEdge(ctx, s.db, source, target, relation, strength)
}

func createEdge(ctx context.Context, q querier, source, target, relation string, strength float64) (Edge, error) {
	if !IsValidRelation(relation) {
		return Edge{}, soulerr.New(soulerr.Validation, "lattice.CreateEdge", fmt.Errorf("unknown relation %q", relation))
	}
	if source == target {
		return Edge{}, soulerr.New(soulerr.Referential, "lattice.CreateEdge",
			fmt.Errorf("SELF_LOOP: source and target both %q", source))
	}

	for _, id := range []string{source, target} {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE node_id = ?`, id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return Edge{}, soulerr.New(soulerr.Referential, "lattice.CreateEdge",
					fmt.Errorf("REFERENTIAL: endpoint %q does not exist", id))
			}
			return Edge{}, soulerr.New(soulerr.IO, "lattice.CreateEdge", err)
		}
	}

	now := time.Now().UTC()
	edge := Edge{
		ID:        identity.NewULID(now),
		SourceID:  source,
		TargetID:  target,
		Relation:  relation,
		Strength:  strength,
		CreatedAt: now,
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO edges (edge_id, source_id, target_id, relation, strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, edge.ID, edge.SourceID, edge.TargetID, edge.Relation, edge.Strength, edge.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Edge{}, soulerr.New(soulerr.IO, "lattice.CreateEdge", err)
	}
	return edge, nil
}

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	var edges []Edge
	for rows.Next() {
		var (
			e         Edge
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Strength, &createdAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse edge created_at: %w", err)
		}
		e.CreatedAt = ts
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const edgeColumns = `edge_id, source_id, target_id, relation, strength, created_at`

// GetEdges returns every edge with either endpoint equal to nodeID.
func (s *Store) GetEdges(ctx context.Context, nodeID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE source_id = ? OR target_id = ? ORDER BY created_at ASC`,
		nodeID, nodeID)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.GetEdges", err)
	}
	defer func() { _ = rows.Close() }()
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.GetEdges", err)
	}
	return edges, nil
}

// GetEdgesForNodes returns edges whose both endpoints lie in ids, used by
// the Capsule Builder to render only in-capsule relations.
func (s *Store) GetEdgesForNodes(ctx context.Context, ids []string) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	set := indexSet(ids)

	rows, err := s.db.QueryContext(ctx, `SELECT `+edgeColumns+` FROM edges ORDER BY created_at ASC`)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.GetEdgesForNodes", err)
	}
	defer func() { _ = rows.Close() }()
	all, err := scanEdges(rows)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.GetEdgesForNodes", err)
	}

	var edges []Edge
	for _, e := range all {
		if set[e.SourceID] && set[e.TargetID] {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

// AddEvidence binds a node to an archive event hash.
func (s *Store) AddEvidence(ctx context.Context, nodeID, eventHash, linkType string) error {
	if !IsValidLinkType(linkType) {
		return soulerr.New(soulerr.Validation, "lattice.AddEvidence", fmt.Errorf("unknown link type %q", linkType))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE node_id = ?`, nodeID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return soulerr.New(soulerr.Referential, "lattice.AddEvidence", fmt.Errorf("node %q not found", nodeID))
		}
		return soulerr.New(soulerr.IO, "lattice.AddEvidence", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO evidence (node_id, event_hash, link_type, created_at) VALUES (?, ?, ?, ?)
	`, nodeID, eventHash, linkType, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return soulerr.New(soulerr.IO, "lattice.AddEvidence", err)
	}
	return nil
}

// GetEvidence returns every evidence link for a node.
func (s *Store) GetEvidence(ctx context.Context, nodeID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, event_hash, link_type, created_at FROM evidence WHERE node_id = ? ORDER BY created_at ASC`,
		nodeID)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.GetEvidence", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Evidence
	for rows.Next() {
		var (
			e         Evidence
			createdAt string
		)
		if err := rows.Scan(&e.NodeID, &e.EventHash, &e.LinkType, &createdAt); err != nil {
			return nil, soulerr.New(soulerr.IO, "lattice.GetEvidence", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, soulerr.New(soulerr.IO, "lattice.GetEvidence", err)
		}
		e.CreatedAt = ts
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchNodes runs an FTS5 match over node premises, ranked by FTS score
// then by salience descending.
func (s *Store) SearchNodes(ctx context.Context, query string, limit int) ([]Node, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedNodeColumns("n")+`
		FROM nodes_fts JOIN nodes n ON n.node_id = nodes_fts.node_id
		WHERE nodes_fts MATCH ?
		ORDER BY bm25(nodes_fts) ASC, n.salience DESC
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.SearchNodes", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, soulerr.New(soulerr.IO, "lattice.SearchNodes", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func prefixedNodeColumns(alias string) string {
	cols := []string{"node_id", "node_type", "premise", "status", "created_by", "created_at", "updated_at",
		"salience", "valence", "arousal", "commitment", "uncertainty", "resonance",
		"spatial_name", "spatial_lat", "spatial_lng", "temporal_start", "temporal_end"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

// GetTopSalience returns up to limit active/provisional nodes ordered by
// salience descending, tie-broken by updated_at descending then node_id
// ascending; archived nodes are excluded. The Capsule Builder draws its
// top-salience pool from this.
func (s *Store) GetTopSalience(ctx context.Context, limit int) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE status != ?
		ORDER BY salience DESC, updated_at DESC, node_id ASC
		LIMIT ?
	`, StatusArchived, limit)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.GetTopSalience", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, soulerr.New(soulerr.IO, "lattice.GetTopSalience", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodeCount returns the total number of nodes, including archived ones —
// bootstrap's is_sparse() check counts every node.
func (s *Store) NodeCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return 0, soulerr.New(soulerr.IO, "lattice.NodeCount", err)
	}
	return n, nil
}

// Checkpoint flushes the write-ahead log state.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return soulerr.New(soulerr.IO, "lattice.Checkpoint", err)
	}
	return nil
}

// Optimize performs compaction and statistics refresh.
func (s *Store) Optimize(ctx context.Context) error {
	for _, stmt := range []string{`PRAGMA optimize`, `ANALYZE`, `VACUUM`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return soulerr.New(soulerr.IO, "lattice.Optimize", fmt.Errorf("%s: %w", stmt, err))
		}
	}
	return nil
}

// DecayAll applies the per-hour multiplicative decay to every
// non-archived node's salience and arousal, in one statement. This is
// the daily maintenance job's global decay step.
// Commitment and resonance are untouched: time alone never erodes them,
// only Contradict does.
func (s *Store) DecayAll(ctx context.Context, dtHours, lambdaSalience, lambdaArousal float64) (int64, error) {
	if dtHours <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	salienceFactor := 1 - lambdaSalience*dtHours
	if salienceFactor < 0 {
		salienceFactor = 0
	}
	arousalFactor := 1 - lambdaArousal*dtHours
	if arousalFactor < 0 {
		arousalFactor = 0
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET salience = salience * ?, arousal = arousal * ?, updated_at = ?
		WHERE status != ?
	`, salienceFactor, arousalFactor, time.Now().UTC().Format(time.RFC3339Nano), StatusArchived)
	if err != nil {
		return 0, soulerr.New(soulerr.IO, "lattice.DecayAll", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, soulerr.New(soulerr.IO, "lattice.DecayAll", err)
	}
	return n, nil
}

// PromoteEligible transitions every provisional node meeting the
// promotion predicate (commitment >= 0.7 and uncertainty <= 0.3) to
// active, returning the promoted node IDs.
func (s *Store) PromoteEligible(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id FROM nodes WHERE status = ? AND commitment >= 0.7 AND uncertainty <= 0.3
	`, StatusProvisional)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.PromoteEligible", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, soulerr.New(soulerr.IO, "lattice.PromoteEligible", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, soulerr.New(soulerr.IO, "lattice.PromoteEligible", err)
	}
	_ = rows.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE nodes SET status = ?, updated_at = ? WHERE node_id = ?`,
			StatusActive, now, id); err != nil {
			return nil, soulerr.New(soulerr.IO, "lattice.PromoteEligible", err)
		}
	}
	return ids, nil
}
