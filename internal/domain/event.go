package domain

import (
	"encoding/json"
	"time"
)

// Event is an incoming create-or-update request for a specimen or a media
// object. A specimen event may carry its linked media events; together they
// form one envelope that succeeds or fails as a unit.
type Event struct {
	Kind             Kind
	Wrapper          Wrapper
	EnrichmentList   []string
	ForceMasSchedule bool

	// LinkedMedia is nil when the envelope says nothing about media, and
	// non-nil (possibly empty) when it carries the full media set.
	LinkedMedia []Event

	// SpecimenKey is the natural key of the specimen a media event belongs
	// to. Empty means no link.
	SpecimenKey string

	// Raw is the payload the event was decoded from, kept for dead-lettering.
	Raw json.RawMessage
}

func (e Event) NaturalKey() string     { return NormalizeKey(e.Wrapper.NaturalKey) }
func (e Event) Attributes() Attributes { return e.Wrapper.Attributes }
func (e Event) EntityKind() Kind       { return e.Kind }

// HasMediaSet reports whether the envelope carries an explicit media set.
func (e Event) HasMediaSet() bool { return e.LinkedMedia != nil }

// DeleteRequest asks for a record to be tombstoned.
type DeleteRequest struct {
	Kind Kind
	PID  string
	Raw  json.RawMessage
}

// Action is the kind of change announced by a notification.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionRollback Action = "rollback"
)

// Notification announces a record change to downstream consumers.
type Notification struct {
	ID      string          `json:"id"`
	Action  Action          `json:"action"`
	Kind    Kind            `json:"kind"`
	PID     string          `json:"pid"`
	Version int             `json:"version"`
	Agent   string          `json:"agent"`
	At      time.Time       `json:"timestamp"`
	Record  *Record         `json:"record,omitempty"`
	Patch   json.RawMessage `json:"patch,omitempty"`
	// Reverts names the notification a rollback compensates for.
	Reverts string `json:"reverts,omitempty"`
}

// AnnotationRequest asks an annotation service to run against a record.
type AnnotationRequest struct {
	ID         string    `json:"id"`
	MasID      string    `json:"masId"`
	TargetPID  string    `json:"targetId"`
	TargetKind Kind      `json:"targetType"`
	Agent      string    `json:"agent"`
	Batching   bool      `json:"batchingRequested"`
	At         time.Time `json:"timestamp"`
}

// DeadLetter is the terminal record of an event that could not be processed.
type DeadLetter struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	NaturalKey string          `json:"naturalKey,omitempty"`
	PID        string          `json:"pid,omitempty"`
	Stage      string          `json:"stage"`
	Code       string          `json:"code"`
	Reason     string          `json:"reason"`
	MasIDs     []string        `json:"masIds,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	At         time.Time       `json:"timestamp"`
}

// RawPayload returns raw as a JSON value. Bytes that are not valid JSON are
// carried as a JSON string so undecodable input can still be dead-lettered.
func RawPayload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
