package domain

import "encoding/json"

// Unchanged pairs an incoming event with an identical stored record.
type Unchanged struct {
	Index   int
	Current Record
	Event   Event
}

// Changed pairs an incoming event with the stored record it differs from.
type Changed struct {
	Index   int
	Current Record
	Event   Event
	// Patch is the JSON patch from the stored attributes to the incoming ones.
	Patch json.RawMessage
	// KeyChanged is set when the raw natural key or type moved.
	KeyChanged bool
}

// New is an incoming event with no stored counterpart.
type New struct {
	Index int
	Event Event
}

// ProcessResult partitions a batch. Every input index lands in exactly one list.
type ProcessResult struct {
	Unchanged []Unchanged
	Changed   []Changed
	New       []New
}

func (r ProcessResult) Len() int {
	return len(r.Unchanged) + len(r.Changed) + len(r.New)
}

// VersionedRecord is a record staged for persistence. PreviousVersion is zero
// for records that do not exist yet.
type VersionedRecord struct {
	Record          Record
	PreviousVersion int
}

// BulkResult reports per-document outcomes of a bulk index call.
type BulkResult struct {
	Failed map[string]error
}

func (b BulkResult) HasFailures() bool { return len(b.Failed) > 0 }
