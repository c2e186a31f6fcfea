package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes the two record families handled by the processor.
type Kind string

const (
	KindSpecimen Kind = "digital_specimen"
	KindMedia    Kind = "digital_media"
)

// ParseKind accepts the canonical kind names.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.TrimSpace(s)) {
	case KindSpecimen:
		return KindSpecimen, nil
	case KindMedia:
		return KindMedia, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

func (k Kind) String() string { return string(k) }

// Attributes is the normalized attribute payload of a specimen or media object.
type Attributes map[string]any

// String returns the value under key rendered as a string. Missing and null
// values render as "".
func (a Attributes) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Has reports whether key carries a usable value: present, non-null, and not
// an empty or whitespace-only string.
func (a Attributes) Has(key string) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Wrapper carries the identity and payload of a specimen or media object as
// delivered by ingestion and as stored.
type Wrapper struct {
	// NaturalKey is the physical specimen id for specimens and the access
	// URI for media, exactly as received.
	NaturalKey         string          `json:"naturalKey"`
	Type               string          `json:"type"`
	Attributes         Attributes      `json:"attributes"`
	OriginalAttributes json.RawMessage `json:"originalAttributes,omitempty"`
}

// NormalizeKey is the lookup form of a natural key.
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// Record is a persisted, versioned specimen or media record.
type Record struct {
	PID              string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Version          int       `json:"version"`
	MidsLevel        int       `json:"midsLevel"`
	Created          time.Time `json:"created"`
	Wrapper          Wrapper   `json:"wrapper"`
	MasIDs           []string  `json:"masIds,omitempty"`
	ForceMasSchedule bool      `json:"forceMasSchedule,omitempty"`
	Tombstoned       bool      `json:"tombstoned,omitempty"`
}

func (r Record) NaturalKey() string     { return NormalizeKey(r.Wrapper.NaturalKey) }
func (r Record) Attributes() Attributes { return r.Wrapper.Attributes }
func (r Record) EntityKind() Kind       { return r.Kind }

// WithVersion returns a copy of r at version v.
func (r Record) WithVersion(v int) Record {
	r.Version = v
	return r
}

// WithPID returns a copy of r bound to pid.
func (r Record) WithPID(pid string) Record {
	r.PID = pid
	return r
}

// Entity is the shared surface of incoming events and stored records used by
// evaluators and profile builders.
type Entity interface {
	EntityKind() Kind
	NaturalKey() string
	Attributes() Attributes
}

var (
	_ Entity = Record{}
	_ Entity = Event{}
)
