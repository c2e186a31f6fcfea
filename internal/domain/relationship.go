package domain

import "time"

// RelationshipType names an edge between records.
type RelationshipType string

const (
	HasDigitalMedia    RelationshipType = "hasDigitalMedia"
	HasDigitalSpecimen RelationshipType = "hasDigitalSpecimen"
)

// EntityRelationship is one append-only row of the relationship log. The
// active set for a source is the latest row per key that is not tombstoned.
type EntityRelationship struct {
	ID            string           `json:"id"`
	SourcePID     string           `json:"sourceId"`
	Type          RelationshipType `json:"relationshipType"`
	RelatedPID    string           `json:"relatedResourceId"`
	RelatedURI    string           `json:"relatedResourceUri"`
	Agent         string           `json:"agent"`
	EstablishedAt time.Time        `json:"establishedAt"`
	Tombstoned    bool             `json:"tombstoned,omitempty"`
}

// RelationshipKey identifies a link within one source's set.
type RelationshipKey struct {
	Type       RelationshipType
	RelatedPID string
}

func (r EntityRelationship) Key() RelationshipKey {
	return RelationshipKey{Type: r.Type, RelatedPID: r.RelatedPID}
}

// ResolvableURI renders a PID as a resolvable link.
func ResolvableURI(pid string) string {
	if pid == "" {
		return ""
	}
	return "https://doi.org/" + pid
}
