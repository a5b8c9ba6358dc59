// Package lattice implements the typed, weighted belief graph: nodes
// with a six-dimensional weight vector, typed edges, evidence links
// back to the Archive, and full-text search over node premises.
package lattice

import (
	"time"

	"github.com/lmtlss/soulmemory/internal/weight"
)

// Node types.
const (
	NodeIdentity     = "identity"
	NodePremise      = "premise"
	NodeRelationship = "relationship"
	NodePreference   = "preference"
	NodeGoal         = "goal"
	NodeValue        = "value"
	NodeOperational  = "operational"
	NodeSpatial      = "spatial"
	NodeTemporal     = "temporal"
)

// NodeTypeOrder is the fixed rendering order used by the Capsule
// Builder.
var NodeTypeOrder = []string{
	NodeIdentity, NodeGoal, NodeValue, NodePremise,
	NodeRelationship, NodePreference, NodeSpatial, NodeTemporal, NodeOperational,
}

var validNodeTypes = indexSet(NodeTypeOrder)

// Node statuses.
const (
	StatusProvisional = "provisional"
	StatusActive      = "active"
	StatusArchived    = "archived"
)

var validStatuses = indexSet([]string{StatusProvisional, StatusActive, StatusArchived})

// Edge relations.
const (
	RelationSupports   = "supports"
	RelationContradicts = "contradicts"
	RelationRefines    = "refines"
	RelationDependsOn  = "depends_on"
	RelationRelatedTo  = "related_to"
	RelationCausedBy   = "caused_by"
)

var validRelations = indexSet([]string{
	RelationSupports, RelationContradicts, RelationRefines,
	RelationDependsOn, RelationRelatedTo, RelationCausedBy,
})

// Evidence link types.
const (
	LinkOrigin      = "origin"
	LinkSupports    = "supports"
	LinkContradicts = "contradicts"
)

var validLinkTypes = indexSet([]string{LinkOrigin, LinkSupports, LinkContradicts})

func indexSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// IsValidNodeType reports whether t is a recognized node type.
func IsValidNodeType(t string) bool { return validNodeTypes[t] }

// IsValidStatus reports whether s is a recognized node status.
func IsValidStatus(s string) bool { return validStatuses[s] }

// IsValidRelation reports whether r is a recognized edge relation.
func IsValidRelation(r string) bool { return validRelations[r] }

// IsValidLinkType reports whether l is a recognized evidence link type.
func IsValidLinkType(l string) bool { return validLinkTypes[l] }

// Spatial annotates a node with a named location.
type Spatial struct {
	Name string
	Lat  float64
	Lng  float64
}

// Temporal annotates a node with a validity window.
type Temporal struct {
	Start *time.Time
	End   *time.Time
}

// Node is one Lattice entry.
type Node struct {
	ID        string
	NodeType  string
	Premise   string
	Status    string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Weight    weight.Vector

	Spatial  *Spatial
	Temporal *Temporal
}

// Edge is one typed relation between two nodes.
type Edge struct {
	ID        string
	SourceID  string
	TargetID  string
	Relation  string
	Strength  float64
	CreatedAt time.Time
}

// Evidence binds a node to an archive event hash.
type Evidence struct {
	NodeID    string
	EventHash string
	LinkType  string
	CreatedAt time.Time
}
