package processor

import (
	"encoding/json"
	"sync"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/saga"
)

type status int

const (
	statusPending status = iota
	statusNew
	statusChanged
	statusUnchanged
)

func (s status) String() string {
	switch s {
	case statusNew:
		return "new"
	case statusChanged:
		return "changed"
	case statusUnchanged:
		return "unchanged"
	}
	return "pending"
}

// item is one record-to-be inside an envelope.
type item struct {
	env   *envelope
	event domain.Event

	status     status
	current    domain.Record
	patch      json.RawMessage
	keyChanged bool

	pid    string
	reused bool
	record domain.Record
}

func (it *item) kind() domain.Kind { return it.event.Kind }
func (it *item) key() string       { return it.event.NaturalKey() }

// writes reports whether the item produces a new version.
func (it *item) writes() bool {
	return it.status == statusNew || it.status == statusChanged
}

// envelope is the unit of compensation: a root event and the media nested in
// it succeed or fail together.
type envelope struct {
	items []*item
	undo  saga.Stack

	failedAt Stage
	err      error
}

func (e *envelope) root() *item { return e.items[0] }

func (e *envelope) failed() bool { return e.err != nil }

func (e *envelope) media() []*item { return e.items[1:] }

// round is the set of envelopes driven through the stages together.
type round struct {
	mu        sync.Mutex
	envelopes []*envelope
	stage     Stage
}

// fail marks the envelopes owning items as failed at the current stage. The
// first failure of an envelope wins.
func (r *round) fail(err error, items ...*item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		if it.env.err == nil {
			it.env.err = err
			it.env.failedAt = r.stage
		}
	}
}

// failAll marks every live envelope as failed.
func (r *round) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.envelopes {
		if env.err == nil {
			env.err = err
			env.failedAt = r.stage
		}
	}
}

// live returns the items of envelopes that have not failed, optionally
// filtered by kind.
func (r *round) live(kind domain.Kind) []*item {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*item
	for _, env := range r.envelopes {
		if env.err != nil {
			continue
		}
		for _, it := range env.items {
			if kind == "" || it.kind() == kind {
				out = append(out, it)
			}
		}
	}
	return out
}

func (r *round) liveEnvelopes() []*envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*envelope
	for _, env := range r.envelopes {
		if env.err == nil {
			out = append(out, env)
		}
	}
	return out
}

// buildEnvelopes turns root events into envelopes. Linked media repeated
// within one envelope are kept once. Envelopes that touch a natural key
// already claimed by an earlier envelope are returned in deferred so they
// classify against committed state in a later round.
func buildEnvelopes(events []domain.Event) (envs []*envelope, deferred []domain.Event) {
	type claim struct {
		kind domain.Kind
		key  string
	}
	claimed := map[claim]struct{}{}

	for _, ev := range events {
		env := &envelope{}
		env.items = append(env.items, &item{env: env, event: ev})

		local := map[claim]struct{}{{ev.Kind, ev.NaturalKey()}: {}}
		for _, m := range ev.LinkedMedia {
			m.Kind = domain.KindMedia
			if m.SpecimenKey == "" {
				m.SpecimenKey = ev.Wrapper.NaturalKey
			}
			c := claim{m.Kind, m.NaturalKey()}
			if _, dup := local[c]; dup {
				continue
			}
			local[c] = struct{}{}
			env.items = append(env.items, &item{env: env, event: m})
		}

		conflict := false
		for c := range local {
			if _, taken := claimed[c]; taken {
				conflict = true
				break
			}
		}
		if conflict {
			deferred = append(deferred, ev)
			continue
		}
		for c := range local {
			claimed[c] = struct{}{}
		}
		envs = append(envs, env)
	}
	return envs, deferred
}
