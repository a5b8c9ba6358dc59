// Package recall implements the Recall engine: merging a
// chronological slice of the Archive with a semantic slice surfaced by
// the Lattice's full-text search.
package recall

import (
	"context"
	"sort"
	"time"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/lattice"
)

// Options parameterize one recall() call.
type Options struct {
	RecentCount   int
	SemanticCount int
	TimeRange     *TimeRange
	AgentID       string
}

// TimeRange bounds a recall to events between Start and End, inclusive.
// Supplying it expands the chronological slice to every event in range
// and makes RecentCount moot.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// DefaultOptions is the standard window: five recent events plus five
// semantic matches.
func DefaultOptions() Options {
	return Options{RecentCount: 5, SemanticCount: 5}
}

func normalize(opts Options) Options {
	if opts.RecentCount <= 0 {
		opts.RecentCount = 5
	}
	if opts.SemanticCount <= 0 {
		opts.SemanticCount = 5
	}
	return opts
}

// Recall merges the chronological and semantic slices into one history
// ordered by timestamp ascending.
func Recall(ctx context.Context, archiveStore *archive.Store, latticeStore *lattice.Store,
	query string, opts Options) ([]archive.Event, error) {

	opts = normalize(opts)

	chronological, err := chronologicalSlice(ctx, archiveStore, opts)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(chronological))
	for _, e := range chronological {
		seen[e.EventHash] = true
	}

	var semantic []archive.Event
	if query != "" && opts.SemanticCount > 0 {
		semantic, err = semanticSlice(ctx, archiveStore, latticeStore, query, opts.SemanticCount, seen)
		if err != nil {
			return nil, err
		}
	}

	merged := append(chronological, semantic...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].EventHash < merged[j].EventHash
	})
	return merged, nil
}

func chronologicalSlice(ctx context.Context, archiveStore *archive.Store, opts Options) ([]archive.Event, error) {
	if opts.TimeRange != nil {
		events, err := archiveStore.GetByTimeRange(ctx, opts.TimeRange.Start, opts.TimeRange.End)
		if err != nil {
			return nil, err
		}
		return filterByAgent(events, opts.AgentID), nil
	}

	var (
		events []archive.Event
		err    error
	)
	if opts.AgentID != "" {
		events, err = archiveStore.GetRecentForAgent(ctx, opts.AgentID, opts.RecentCount)
	} else {
		events, err = archiveStore.GetRecent(ctx, opts.RecentCount)
	}
	if err != nil {
		return nil, err
	}

	// GetRecent/GetRecentForAgent return newest-first; the chronological
	// slice is oldest-first within itself.
	reversed := make([]archive.Event, len(events))
	for i, e := range events {
		reversed[len(events)-1-i] = e
	}
	return reversed, nil
}

func filterByAgent(events []archive.Event, agentID string) []archive.Event {
	if agentID == "" {
		return events
	}
	out := make([]archive.Event, 0, len(events))
	for _, e := range events {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

func semanticSlice(ctx context.Context, archiveStore *archive.Store, latticeStore *lattice.Store,
	query string, semanticCount int, exclude map[string]bool) ([]archive.Event, error) {

	k := semanticCount * 3
	hits, err := latticeStore.SearchNodes(ctx, query, k)
	if err != nil {
		return nil, err
	}

	var out []archive.Event
	for _, node := range hits {
		if len(out) >= semanticCount {
			break
		}
		evidence, err := latticeStore.GetEvidence(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		for _, ev := range evidence {
			if len(out) >= semanticCount {
				break
			}
			if exclude[ev.EventHash] {
				continue
			}
			event, ok, err := archiveStore.GetByHash(ctx, ev.EventHash)
			if err != nil {
				return nil, err
			}
			if !ok {
				// Evidence points at an event hash the Archive no longer
				// carries; skip rather than fail the whole recall.
				continue
			}
			exclude[ev.EventHash] = true
			out = append(out, event)
		}
	}
	return out, nil
}
