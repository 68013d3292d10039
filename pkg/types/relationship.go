package types

import "time"

// RelationshipMetadata carries directionality information for a relationship.
type RelationshipMetadata struct {
	Bidirectional bool   `json:"bidirectional"`
	Inverse       string `json:"inverse,omitempty"`
}

// Relationship is a directed, typed edge between two LTM memory ids.
// Edges are bidirectionally indexed by the knowledge-graph backend: a
// lookup by either endpoint must return the edge.
type Relationship struct {
	ID     string `json:"id"`
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Type   string `json:"type"`

	// Weight is the optional edge weight from add_edge(from, to, type, weight?).
	Weight float64 `json:"weight,omitempty"`

	// Strength is a derived confidence score, distinct from Weight (the
	// caller-supplied edge weight); kept for compatibility with confidence
	// scoring that predates the weight field.
	Strength float64 `json:"strength,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RelationshipMetadata RelationshipMetadata `json:"relationship_metadata"`

	Metadata map[string]any `json:"metadata,omitempty"`
	Evidence []string       `json:"evidence,omitempty"`
}

// IsBidirectional returns true if this relationship is symmetric.
func (r *Relationship) IsBidirectional() bool {
	return r.RelationshipMetadata.Bidirectional
}

// GetInverse returns the inverse relationship type, if any.
func (r *Relationship) GetInverse() string {
	return r.RelationshipMetadata.Inverse
}
