// Package proposal extracts and parses <lattice_update> blocks emitted
// by the model inside a reply.
package proposal

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
)

// blockPattern matches both the current <lattice_update> delimiter and
// the legacy <index_update> alias, case-insensitively, across lines,
// non-greedily so back-to-back blocks are extracted separately.
var blockPattern = regexp.MustCompile(`(?is)<(lattice_update|index_update)>(.*?)</(?:lattice_update|index_update)>`)

// ProposedNode is one entry of a proposal's "add" array.
type ProposedNode struct {
	Premise  string         `json:"premise"`
	NodeType string         `json:"nodeType"`
	Weight   map[string]any `json:"weight"`
}

// EdgeSpec is one entry of a proposal's "edges" array.
type EdgeSpec struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Strength float64 `json:"strength"`
}

// Proposal is one parsed <lattice_update> JSON body.
type Proposal struct {
	Add        []ProposedNode `json:"add"`
	Reinforce  []string       `json:"reinforce"`
	Contradict []string       `json:"contradict"`
	Edges      []EdgeSpec     `json:"edges"`
}

// rawProposal lets strength default to 1.0 when the field is absent,
// matching create_edge's strength?=1.0 default.
type rawProposal struct {
	Add        []ProposedNode `json:"add"`
	Reinforce  []string       `json:"reinforce"`
	Contradict []string       `json:"contradict"`
	Edges      []rawEdgeSpec  `json:"edges"`
}

type rawEdgeSpec struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Relation string   `json:"relation"`
	Strength *float64 `json:"strength"`
}

// ExtractBlocks returns the raw JSON bodies of every <lattice_update> or
// <index_update> block found in text, in order of appearance.
func ExtractBlocks(text string) []string {
	matches := blockPattern.FindAllStringSubmatch(text, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[2]))
	}
	return blocks
}

// StripBlocks removes every proposal block from text, returning the
// visible reply.
func StripBlocks(text string) string {
	return strings.TrimSpace(blockPattern.ReplaceAllString(text, ""))
}

func parseBody(body string) (Proposal, error) {
	var raw rawProposal
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Proposal{}, fmt.Errorf("parse proposal body: %w", err)
	}

	edges := make([]EdgeSpec, 0, len(raw.Edges))
	for _, e := range raw.Edges {
		strength := 1.0
		if e.Strength != nil {
			strength = *e.Strength
		}
		edges = append(edges, EdgeSpec{Source: e.Source, Target: e.Target, Relation: e.Relation, Strength: strength})
	}

	return Proposal{
		Add:        raw.Add,
		Reinforce:  raw.Reinforce,
		Contradict: raw.Contradict,
		Edges:      edges,
	}, nil
}

// ParseFirst returns the first valid proposal in text, or (Proposal{},
// false) if none of the extracted blocks parse.
func ParseFirst(text string) (Proposal, bool) {
	for _, body := range ExtractBlocks(text) {
		if p, err := parseBody(body); err == nil {
			return p, true
		}
	}
	return Proposal{}, false
}

// ParseAllResult holds every successfully parsed proposal, in block
// order, and the number of malformed blocks that were skipped.
type ParseAllResult struct {
	Proposals []Proposal
	Skipped   int
}

// ParseAll parses every extracted block, skipping malformed ones rather
// than aborting — a malformed block never prevents later blocks in the
// same text from being parsed.
func ParseAll(text string) ParseAllResult {
	var result ParseAllResult
	for _, body := range ExtractBlocks(text) {
		p, err := parseBody(body)
		if err != nil {
			log.Printf("[proposal] skipping malformed block: %v", err)
			result.Skipped++
			continue
		}
		result.Proposals = append(result.Proposals, p)
	}
	return result
}
