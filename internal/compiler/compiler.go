// Package compiler validates and applies a Proposal to the Lattice:
// contradictions, then additions, then reinforcements, then edges, all
// collapsing into one logical unit of work.
package compiler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lmtlss/soulmemory/internal/capsule"
	"github.com/lmtlss/soulmemory/internal/lattice"
	"github.com/lmtlss/soulmemory/internal/proposal"
	"github.com/lmtlss/soulmemory/internal/soulerr"
	"github.com/lmtlss/soulmemory/internal/weight"
)

// Result summarizes one compile(), for callers that want to report what
// happened without re-deriving it from the Lattice.
type Result struct {
	ContradictedIDs []string
	AddedIDs        []string
	ReinforcedIDs   []string
	CreatedEdgeIDs  []string
}

// Validate checks a proposal's structural invariants without
// touching the Lattice. All errors are collected; any error aborts
// application, so callers should check len(errs) == 0 before Compile.
func Validate(p proposal.Proposal) []error {
	var errs []error

	for i, n := range p.Add {
		if n.Premise == "" {
			errs = append(errs, fmt.Errorf("add[%d].premise is empty", i))
		}
		if !lattice.IsValidNodeType(n.NodeType) {
			errs = append(errs, fmt.Errorf("add[%d].node_type %q is not in the node-type enum", i, n.NodeType))
		}
	}
	for i, id := range p.Reinforce {
		if id == "" {
			errs = append(errs, fmt.Errorf("reinforce[%d] is empty", i))
		}
	}
	for i, id := range p.Contradict {
		if id == "" {
			errs = append(errs, fmt.Errorf("contradict[%d] is empty", i))
		}
	}
	for i, e := range p.Edges {
		if e.Source == "" {
			errs = append(errs, fmt.Errorf("edges[%d].source is empty", i))
		}
		if e.Target == "" {
			errs = append(errs, fmt.Errorf("edges[%d].target is empty", i))
		}
		if !lattice.IsValidRelation(e.Relation) {
			errs = append(errs, fmt.Errorf("edges[%d].relation %q is not in the relation enum", i, e.Relation))
		}
	}
	return errs
}

func weightFromMap(m map[string]any) weight.PartialUpdate {
	get := func(key string) *float64 {
		v, ok := m[key]
		if !ok {
			return nil
		}
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		return &f
	}
	return weight.PartialUpdate{
		Salience:    get("salience"),
		Valence:     get("valence"),
		Arousal:     get("arousal"),
		Commitment:  get("commitment"),
		Uncertainty: get("uncertainty"),
		Resonance:   get("resonance"),
	}
}

// Compile validates p, then applies it to store in a fixed order:
// contradictions, additions, reinforcements,
// edges, all inside one Lattice transaction. A referential-integrity
// failure on any edge aborts the entire compilation, rolling back every
// prior step.
func Compile(ctx context.Context, store *lattice.Store, p proposal.Proposal, agentID string) (Result, error) {
	if errs := Validate(p); len(errs) > 0 {
		return Result{}, soulerr.New(soulerr.Validation, "compiler.Compile", joinErrors(errs))
	}

	var result Result
	err := store.WithTx(ctx, func(tx *lattice.Tx) error {
		for _, id := range p.Contradict {
			node, ok, err := tx.GetNode(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			contradicted := weight.Contradict(node.Weight)
			if _, err := tx.UpdateNodeWeight(ctx, id, vectorToPartial(contradicted)); err != nil {
				return err
			}
			result.ContradictedIDs = append(result.ContradictedIDs, id)
		}

		for _, n := range p.Add {
			created, err := tx.CreateNode(ctx, n.Premise, n.NodeType, weightFromVectorDefaults(n.Weight),
				agentID, lattice.StatusProvisional, nil, nil)
			if err != nil {
				return err
			}
			result.AddedIDs = append(result.AddedIDs, created.ID)
		}

		for _, id := range p.Reinforce {
			node, ok, err := tx.GetNode(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			reinforced := weight.Reinforce(node.Weight)
			if _, err := tx.UpdateNodeWeight(ctx, id, vectorToPartial(reinforced)); err != nil {
				return err
			}
			result.ReinforcedIDs = append(result.ReinforcedIDs, id)
		}

		for _, e := range p.Edges {
			edge, err := tx.CreateEdge(ctx, e.Source, e.Target, e.Relation, e.Strength)
			if err != nil {
				return err
			}
			result.CreatedEdgeIDs = append(result.CreatedEdgeIDs, edge.ID)
		}

		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func weightFromVectorDefaults(m map[string]any) weight.Vector {
	p := weightFromMap(m)
	return weight.ApplyPartial(weight.Vector{}, p)
}

func vectorToPartial(w weight.Vector) weight.PartialUpdate {
	salience, valence, arousal, commitment, uncertainty, resonance :=
		w.Salience, w.Valence, w.Arousal, w.Commitment, w.Uncertainty, w.Resonance
	return weight.PartialUpdate{
		Salience:    &salience,
		Valence:     &valence,
		Arousal:     &arousal,
		Commitment:  &commitment,
		Uncertainty: &uncertainty,
		Resonance:   &resonance,
	}
}

// RegenerateCapsule rebuilds the Capsule document from the Lattice's
// current state and, when path is non-empty, writes it to disk. Callers
// needing the rendered text without a write pass an empty path.
func RegenerateCapsule(ctx context.Context, store *lattice.Store, maxChars int, path string) (string, error) {
	rendered, err := capsule.Build(ctx, store, time.Now().UTC(), maxChars)
	if err != nil {
		return "", soulerr.New(soulerr.IO, "compiler.RegenerateCapsule", err)
	}
	if path == "" {
		return rendered, nil
	}
	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return rendered, soulerr.New(soulerr.IO, "compiler.RegenerateCapsule", fmt.Errorf("write capsule: %w", err))
	}
	return rendered, nil
}

func joinErrors(errs []error) error {
	msg := fmt.Sprintf("%d validation error(s)", len(errs))
	for _, e := range errs {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
