// Package capsule builds the bounded-length Markdown summary of the
// Lattice's most salient nodes that the Identity Digest embeds verbatim
// into every model prompt.
package capsule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lmtlss/soulmemory/internal/lattice"
)

// DefaultMaxChars is the Capsule's default truncation budget.
const DefaultMaxChars = 8000

// topSaliencePoolSize is the fixed top-salience pool the Capsule draws
// from, independent of max_chars.
const topSaliencePoolSize = 100

const truncationSuffix = "\n... [truncated]"

// Build renders the Capsule for the given lattice at instant `at`,
// grouping nodes by the fixed type order and truncating to maxChars (0
// selects DefaultMaxChars).
func Build(ctx context.Context, store *lattice.Store, at time.Time, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	nodes, err := store.GetTopSalience(ctx, topSaliencePoolSize)
	if err != nil {
		return "", err
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	edges, err := store.GetEdgesForNodes(ctx, ids)
	if err != nil {
		return "", err
	}
	outgoing := make(map[string][]lattice.Edge, len(ids))
	for _, e := range edges {
		outgoing[e.SourceID] = append(outgoing[e.SourceID], e)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Soul Capsule — %s\n", at.UTC().Format(time.RFC3339))

	if len(nodes) == 0 {
		b.WriteString("\n(No nodes active)\n")
		return truncate(b.String(), maxChars), nil
	}

	byType := make(map[string][]lattice.Node, len(lattice.NodeTypeOrder))
	for _, n := range nodes {
		byType[n.NodeType] = append(byType[n.NodeType], n)
	}

	for _, nodeType := range lattice.NodeTypeOrder {
		group := byType[nodeType]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", nodeType)
		for _, n := range group {
			writeNodeLine(&b, n)
			for _, e := range outgoing[n.ID] {
				fmt.Fprintf(&b, "  -> %s [%s]\n", e.Relation, e.TargetID)
			}
		}
	}

	return truncate(b.String(), maxChars), nil
}

func writeNodeLine(b *strings.Builder, n lattice.Node) {
	fmt.Fprintf(b, "- [%s] (%.2f) %s", n.ID, n.Weight.Salience, n.Premise)
	if n.Spatial != nil {
		fmt.Fprintf(b, " (@ %s %g, %g)", n.Spatial.Name, n.Spatial.Lat, n.Spatial.Lng)
	}
	if n.Temporal != nil {
		fmt.Fprintf(b, " (# from: %s to: %s)", formatTemporalBound(n.Temporal.Start), formatTemporalBound(n.Temporal.End))
	}
	b.WriteString("\n")
}

func formatTemporalBound(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	budget := maxChars - len(truncationSuffix)
	if budget < 0 {
		budget = 0
	}
	cut := strings.LastIndexByte(s[:budget], '\n')
	if cut < 0 {
		cut = budget
	}
	return s[:cut] + truncationSuffix
}
