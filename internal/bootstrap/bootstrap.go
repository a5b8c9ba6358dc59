// Package bootstrap implements Bootstrap & Genesis: sparse-
// lattice detection and the SOUL_BIRTH flow that seeds a brand-new
// Archive/Lattice pair with its first identity and premise nodes.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/identity"
	"github.com/lmtlss/soulmemory/internal/lattice"
	"github.com/lmtlss/soulmemory/internal/soulerr"
	"github.com/lmtlss/soulmemory/internal/weight"
)

// sparseThreshold is the node_count() below which the Lattice is
// considered sparse.
const sparseThreshold = 5

// genesisPrompt is emitted by GetBootstrapContext when both stores are
// empty: there is no history at all to summarize.
const genesisPrompt = "This is the first moment. There is no history yet — only the present utterance and whatever is said next."

// IsSparse reports whether the Lattice has fewer than 5 nodes.
func IsSparse(ctx context.Context, latticeStore *lattice.Store) (bool, error) {
	n, err := latticeStore.NodeCount(ctx)
	if err != nil {
		return false, err
	}
	return n < sparseThreshold, nil
}

// GetBootstrapContext returns a synthesized context string when the
// Lattice is sparse: recent Archive events formatted into prose, or the
// Genesis Prompt when the Archive is also empty. Returns ("", false,
// nil) when the Lattice is not sparse — there is nothing to bootstrap.
func GetBootstrapContext(ctx context.Context, archiveStore *archive.Store, latticeStore *lattice.Store, limit int) (string, bool, error) {
	sparse, err := IsSparse(ctx, latticeStore)
	if err != nil {
		return "", false, err
	}
	if !sparse {
		return "", false, nil
	}
	if limit <= 0 {
		limit = 50
	}

	events, err := archiveStore.GetRecent(ctx, limit)
	if err != nil {
		return "", false, err
	}
	if len(events) == 0 {
		return genesisPrompt, true, nil
	}

	var b strings.Builder
	b.WriteString("Recent history, oldest first:\n")
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		text, ok := extractText(e.Payload)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Timestamp, e.AgentID, text)
	}
	return b.String(), true, nil
}

func extractText(payload json.RawMessage) (string, bool) {
	var v struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &v); err != nil || v.Text == "" {
		return "", false
	}
	return v.Text, true
}

// Result carries the identifiers BootstrapSoul produced, for callers
// that want to log or display them.
type Result struct {
	BirthEventHash string
	IdentityNodeID string
	PremiseNodeID  string
}

// BootstrapSoul performs the SOUL_BIRTH flow: a system_event
// recording the birth, an identity node stating the birth facts with
// weight {salience:1, commitment:1, uncertainty:0}, a premise node
// holding the birth memory, and an origin evidence link from the
// premise node back to the birth event.
func BootstrapSoul(ctx context.Context, archiveStore *archive.Store, latticeStore *lattice.Store, agentID string, birthday time.Time) (Result, error) {
	sessionKey := identity.NewSessionKey(agentID, birthday)

	payload, err := json.Marshal(map[string]any{
		"action":   "SOUL_BIRTH",
		"birthday": birthday.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "bootstrap.BootstrapSoul", err)
	}

	birth, err := archiveStore.AppendEvent(ctx, nil, birthday, sessionKey, archive.TypeSystemEvent, agentID, nil, nil, nil, payload)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "bootstrap.BootstrapSoul", fmt.Errorf("append birth event: %w", err))
	}

	birthWeight := weight.Vector{Salience: 1, Commitment: 1, Uncertainty: 0}
	identityNode, err := latticeStore.CreateNode(ctx,
		fmt.Sprintf("Born %s", birthday.UTC().Format(time.RFC3339)),
		lattice.NodeIdentity, birthWeight, agentID, lattice.StatusActive, nil, nil)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "bootstrap.BootstrapSoul", fmt.Errorf("create identity node: %w", err))
	}

	premiseNode, err := latticeStore.CreateNode(ctx,
		"The first memory: coming into being.",
		lattice.NodePremise, birthWeight, agentID, lattice.StatusActive, nil, nil)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "bootstrap.BootstrapSoul", fmt.Errorf("create premise node: %w", err))
	}

	if err := latticeStore.AddEvidence(ctx, premiseNode.ID, birth.EventHash, lattice.LinkOrigin); err != nil {
		return Result{}, soulerr.New(soulerr.IO, "bootstrap.BootstrapSoul", fmt.Errorf("add origin evidence: %w", err))
	}

	return Result{
		BirthEventHash: birth.EventHash,
		IdentityNodeID: identityNode.ID,
		PremiseNodeID:  premiseNode.ID,
	}, nil
}
