// Package classify partitions incoming events into new, changed and unchanged
// against the records currently stored for their natural keys.
package classify

import (
	"encoding/json"

	"gomodules.xyz/jsonpatch/v2"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
)

// Classify compares every event with current, which is keyed by normalized
// natural key. Attribute payloads are compared structurally; a change of the
// raw natural key or of the type tag alone also counts as a change.
func Classify(events []domain.Event, current map[string]domain.Record) (domain.ProcessResult, error) {
	var res domain.ProcessResult
	for i, ev := range events {
		cur, ok := current[ev.NaturalKey()]
		if !ok {
			res.New = append(res.New, domain.New{Index: i, Event: ev})
			continue
		}

		patch, err := Diff(cur.Wrapper.Attributes, ev.Wrapper.Attributes)
		if err != nil {
			return domain.ProcessResult{}, dErrors.Wrap(err, dErrors.CodeValidation, "compare attributes of "+ev.NaturalKey())
		}
		keyChanged := cur.Wrapper.NaturalKey != ev.Wrapper.NaturalKey || cur.Wrapper.Type != ev.Wrapper.Type
		if len(patch) == 0 && !keyChanged {
			res.Unchanged = append(res.Unchanged, domain.Unchanged{Index: i, Current: cur, Event: ev})
			continue
		}

		raw, err := json.Marshal(patch)
		if err != nil {
			return domain.ProcessResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "encode patch")
		}
		res.Changed = append(res.Changed, domain.Changed{
			Index:      i,
			Current:    cur,
			Event:      ev,
			Patch:      raw,
			KeyChanged: keyChanged,
		})
	}
	return res, nil
}

// Diff returns the JSON patch that turns old into updated. An empty patch
// means the two are structurally equal.
func Diff(old, updated domain.Attributes) ([]jsonpatch.Operation, error) {
	a, err := canonical(old)
	if err != nil {
		return nil, err
	}
	b, err := canonical(updated)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreatePatch(a, b)
}

func canonical(attrs domain.Attributes) ([]byte, error) {
	if attrs == nil {
		attrs = domain.Attributes{}
	}
	return json.Marshal(attrs)
}
