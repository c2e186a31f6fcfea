package processor

import (
	"context"
	"fmt"
	"sync"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/fdo"
	"dsprocessor/internal/store/memory"
)

// fakeRegistrar mints sequential PIDs and remembers the profile held for
// every live PID.
type fakeRegistrar struct {
	mu  sync.Mutex
	seq int

	byKey    map[string]string
	profiles map[string]fdo.ProfileRequest

	createCalls      int
	updates          []fdo.ProfileRequest
	rolledBack       []string
	rollbackUpdates  []fdo.ProfileRequest
	tombstoned       []string
	secondary        []string
	createErrForKind map[domain.Kind]error
	updateErr        error
	tombstoneErr     error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		byKey:            map[string]string{},
		profiles:         map[string]fdo.ProfileRequest{},
		createErrForKind: map[domain.Kind]error{},
	}
}

func (f *fakeRegistrar) Create(_ context.Context, reqs []fdo.ProfileRequest) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(reqs) > 0 {
		if err := f.createErrForKind[reqs[0].Kind]; err != nil {
			return nil, err
		}
	}
	out := make(map[string]string, len(reqs))
	for _, req := range reqs {
		f.seq++
		pid := fmt.Sprintf("20.5000.1025/%03d", f.seq)
		f.byKey[req.NaturalKey] = pid
		f.profiles[pid] = req.WithPID(pid)
		out[req.NaturalKey] = pid
	}
	return out, nil
}

func (f *fakeRegistrar) Update(_ context.Context, reqs []fdo.ProfileRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	for _, req := range reqs {
		f.updates = append(f.updates, req)
		f.patch(req)
	}
	return nil
}

func (f *fakeRegistrar) Resolve(_ context.Context, naturalKeys []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, k := range naturalKeys {
		if pid, ok := f.byKey[k]; ok {
			out[k] = pid
		}
	}
	return out, nil
}

func (f *fakeRegistrar) RollbackCreate(_ context.Context, pids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pid := range pids {
		f.rolledBack = append(f.rolledBack, pid)
		delete(f.profiles, pid)
		for k, v := range f.byKey {
			if v == pid {
				delete(f.byKey, k)
			}
		}
	}
	return nil
}

func (f *fakeRegistrar) RollbackUpdate(_ context.Context, previous []fdo.ProfileRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range previous {
		f.rollbackUpdates = append(f.rollbackUpdates, req)
		f.patch(req)
	}
	return nil
}

func (f *fakeRegistrar) Tombstone(_ context.Context, reqs []fdo.ProfileRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tombstoneErr != nil {
		return f.tombstoneErr
	}
	for _, req := range reqs {
		f.tombstoned = append(f.tombstoned, req.PID)
		f.patch(req)
	}
	return nil
}

func (f *fakeRegistrar) RegisterSecondaryID(_ context.Context, pids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secondary = append(f.secondary, pids...)
	return nil
}

// patch overwrites the fields present in req and keeps the rest, the way
// the registrar applies PATCH requests. Callers hold f.mu.
func (f *fakeRegistrar) patch(req fdo.ProfileRequest) {
	cur := f.profiles[req.PID]
	cur.Kind, cur.PID = req.Kind, req.PID
	if req.NaturalKey != "" {
		cur.NaturalKey = req.NaturalKey
	}
	attrs := append([]fdo.HandleAttribute(nil), cur.Attributes...)
	for _, a := range req.Attributes {
		replaced := false
		for i := range attrs {
			if attrs[i].Index == a.Index {
				attrs[i], replaced = a, true
				break
			}
		}
		if !replaced {
			attrs = append(attrs, a)
		}
	}
	cur.Attributes = attrs
	f.profiles[req.PID] = cur
}

func (f *fakeRegistrar) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

func (f *fakeRegistrar) profile(pid string) (fdo.ProfileRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[pid]
	return p, ok
}

// fakeSearch holds indexed documents by PID. Documents whose natural key is
// in reject are refused individually.
type fakeSearch struct {
	mu         sync.Mutex
	docs       map[string]domain.Record
	reject     map[string]error
	err        error
	indexCalls int
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{docs: map[string]domain.Record{}, reject: map[string]error{}}
}

func (f *fakeSearch) IndexBatch(_ context.Context, _ domain.Kind, records []domain.Record) (domain.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexCalls++
	if f.err != nil {
		return domain.BulkResult{}, f.err
	}
	res := domain.BulkResult{Failed: map[string]error{}}
	for _, rec := range records {
		if err, ok := f.reject[rec.NaturalKey()]; ok {
			res.Failed[rec.PID] = err
			continue
		}
		f.docs[rec.PID] = rec
	}
	return res, nil
}

func (f *fakeSearch) RollbackDocument(_ context.Context, _ domain.Kind, pid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, pid)
	return nil
}

func (f *fakeSearch) RollbackToVersion(_ context.Context, prev domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[prev.PID] = prev
	return nil
}

func (f *fakeSearch) doc(pid string) (domain.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[pid]
	return d, ok
}

func (f *fakeSearch) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexCalls
}

// faultyStore fails bulk upserts and relationship appends on demand. Errors
// queued in upsertErrs and appendErrs are consumed one per call; upsertErr
// fails every call.
type faultyStore struct {
	*memory.Store

	mu          sync.Mutex
	upsertErrs  []error
	upsertErr   error
	upsertCalls int
	appendErrs  []error
	appendCalls int
}

func (f *faultyStore) AppendRelationships(ctx context.Context, rels []domain.EntityRelationship) error {
	f.mu.Lock()
	f.appendCalls++
	var err error
	if len(f.appendErrs) > 0 {
		err, f.appendErrs = f.appendErrs[0], f.appendErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.AppendRelationships(ctx, rels)
}

func (f *faultyStore) UpsertBatch(ctx context.Context, kind domain.Kind, records []domain.VersionedRecord) (int64, error) {
	f.mu.Lock()
	f.upsertCalls++
	err := f.upsertErr
	if err == nil && len(f.upsertErrs) > 0 {
		err, f.upsertErrs = f.upsertErrs[0], f.upsertErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Store.UpsertBatch(ctx, kind, records)
}
