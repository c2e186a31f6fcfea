// Package fdo turns specimen and media attributes into the fixed-index profile
// requests understood by the PID registrar.
package fdo

import (
	"maps"
	"sort"
	"strconv"
	"strings"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
)

// DefaultIssuingAgent is the ROR of the organisation that issues the PIDs.
const DefaultIssuingAgent = "https://ror.org/0566bfb96"

// PID status values written at IndexPIDStatus.
const (
	PIDStatusActive     = "ACTIVE"
	PIDStatusTombstoned = "TOMBSTONED"
)

// notTypeStatus are type-status values that do not mark a specimen as a type.
var notTypeStatus = map[string]struct{}{
	"":         {},
	"false":    {},
	"specimen": {},
	"type":     {},
}

// HandleAttribute is one positional field of a profile.
type HandleAttribute struct {
	Index  int
	Type   string
	Data   []byte
	Handle string
}

// ProfileRequest is the registrar payload for one record.
type ProfileRequest struct {
	Kind       domain.Kind
	NaturalKey string
	PID        string
	Attributes []HandleAttribute
}

// Value returns the data stored at index.
func (r ProfileRequest) Value(index int) (string, bool) {
	for _, a := range r.Attributes {
		if a.Index == index {
			return string(a.Data), true
		}
	}
	return "", false
}

// WithPID binds the request and its attributes to pid.
func (r ProfileRequest) WithPID(pid string) ProfileRequest {
	r.PID = pid
	attrs := make([]HandleAttribute, len(r.Attributes))
	for i, a := range r.Attributes {
		a.Handle = pid
		attrs[i] = a
	}
	r.Attributes = attrs
	return r
}

// Builder builds profile requests.
type Builder struct {
	issuingAgent string
}

type Option func(*Builder)

// WithIssuingAgent overrides the issuing agent written into every profile.
func WithIssuingAgent(agent string) Option {
	return func(b *Builder) {
		if agent != "" {
			b.issuingAgent = agent
		}
	}
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{issuingAgent: DefaultIssuingAgent}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates the mandatory home organisation and returns the profile
// request for a specimen or media wrapper.
func (b *Builder) Build(kind domain.Kind, w domain.Wrapper) (ProfileRequest, error) {
	p, ok := profiles[kind]
	if !ok {
		return ProfileRequest{}, dErrors.Newf(dErrors.CodeValidation, "no profile for kind %q", kind)
	}
	if !w.Attributes.Has(p.hostAttribute) {
		return ProfileRequest{}, dErrors.Newf(dErrors.CodeValidation, "missing mandatory field %s", p.hostAttribute)
	}
	if domain.NormalizeKey(w.NaturalKey) == "" {
		return ProfileRequest{}, dErrors.New(dErrors.CodeValidation, "missing natural key")
	}
	return b.Snapshot(kind, w, ""), nil
}

// Snapshot builds a profile without validation. It is used to restore the
// registrar to a record's previous state.
func (b *Builder) Snapshot(kind domain.Kind, w domain.Wrapper, pid string) ProfileRequest {
	values := b.values(kind, w)
	indices := make([]int, 0, len(values))
	for idx := range values {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	req := ProfileRequest{Kind: kind, NaturalKey: domain.NormalizeKey(w.NaturalKey)}
	for _, idx := range indices {
		req.Attributes = append(req.Attributes, HandleAttribute{
			Index: idx,
			Type:  FieldName(kind, idx),
			Data:  []byte(values[idx]),
		})
	}
	if pid != "" {
		req = req.WithPID(pid)
	}
	return req
}

// Tombstone returns the profile marking pid as retired.
func (b *Builder) Tombstone(kind domain.Kind, pid string) ProfileRequest {
	return ProfileRequest{
		Kind: kind,
		PID:  pid,
		Attributes: []HandleAttribute{{
			Index:  IndexPIDStatus,
			Type:   FieldName(kind, IndexPIDStatus),
			Data:   []byte(PIDStatusTombstoned),
			Handle: pid,
		}},
	}
}

// Restore returns the profile that brings a tombstoned pid back to the
// record held in w. The registrar patches fields, so the status is written
// explicitly.
func (b *Builder) Restore(kind domain.Kind, w domain.Wrapper, pid string) ProfileRequest {
	req := b.Snapshot(kind, w, pid)
	req.Attributes = append(req.Attributes, HandleAttribute{
		Index:  IndexPIDStatus,
		Type:   FieldName(kind, IndexPIDStatus),
		Data:   []byte(PIDStatusActive),
		Handle: pid,
	})
	sort.SliceStable(req.Attributes, func(i, j int) bool {
		return req.Attributes[i].Index < req.Attributes[j].Index
	})
	return req
}

// NeedsProfileUpdate reports whether moving from old to updated changes
// anything the registrar holds.
func (b *Builder) NeedsProfileUpdate(kind domain.Kind, old, updated domain.Wrapper) bool {
	if old.NaturalKey != updated.NaturalKey {
		return true
	}
	return !maps.Equal(b.values(kind, old), b.values(kind, updated))
}

func (b *Builder) values(kind domain.Kind, w domain.Wrapper) map[int]string {
	p := profiles[kind]
	out := map[int]string{
		IndexProfile:      p.profileID,
		IndexObjectType:   p.objectType,
		IndexIssuingAgent: b.issuingAgent,
		IndexPrimaryID:    domain.NormalizeKey(w.NaturalKey),
	}
	if w.Attributes.Has(p.hostAttribute) {
		out[IndexHost] = w.Attributes.String(p.hostAttribute)
	}
	for attr, idx := range p.optional {
		if !w.Attributes.Has(attr) {
			continue
		}
		v := w.Attributes.String(attr)
		if attr == AttrLivingOrPres {
			v = strings.ToLower(v)
		}
		out[idx] = v
	}
	if kind == domain.KindSpecimen {
		if _, present := w.Attributes[AttrTypeStatus]; present {
			out[IndexMarkedAsType] = strconv.FormatBool(markedAsType(w.Attributes.String(AttrTypeStatus)))
		}
	}
	return out
}

func markedAsType(typeStatus string) bool {
	_, notType := notTypeStatus[strings.ToLower(strings.TrimSpace(typeStatus))]
	return !notType
}
