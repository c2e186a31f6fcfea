package processor

import (
	"errors"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/fdo"
	dErrors "dsprocessor/pkg/domain-errors"
)

func (s *ProcessorSuite) tombstone(reqs ...domain.DeleteRequest) Report {
	report, err := s.proc.Process(s.ctx, Batch{Deletes: reqs})
	s.Require().NoError(err)
	return report
}

func (s *ProcessorSuite) seedLinkedSpecimen() (specPID, mediaPID string) {
	ev := specimenEvent("S-1", org("ORG1"))
	ev.LinkedMedia = []domain.Event{mediaEvent("https://img.example/1.jpg", "")}
	s.process(ev)
	return s.mustPID(domain.KindSpecimen, "S-1"), s.mustPID(domain.KindMedia, "https://img.example/1.jpg")
}

func (s *ProcessorSuite) TestTombstoneRetiresRecordEverywhere() {
	specPID, mediaPID := s.seedLinkedSpecimen()

	report := s.tombstone(domain.DeleteRequest{Kind: domain.KindSpecimen, PID: specPID})

	s.Equal(Report{Tombstoned: 1}, report)
	rec, _ := s.stored(domain.KindSpecimen, "S-1")
	s.True(rec.Tombstoned)
	_, indexed := s.search.doc(specPID)
	s.False(indexed)

	profile, _ := s.registrar.profile(specPID)
	status, _ := profile.Value(fdo.IndexPIDStatus)
	s.Equal(fdo.PIDStatusTombstoned, status)

	active, err := s.store.ActiveRelationships(s.ctx, []string{specPID, mediaPID})
	s.Require().NoError(err)
	s.Empty(active[specPID])
	s.Len(active[mediaPID], 1, "inbound links of other records stay")

	deleted := s.notifications(domain.ActionDelete)
	s.Require().Len(deleted, 1)
	s.Equal(specPID, deleted[0].PID)
}

func (s *ProcessorSuite) TestTombstoneUnknownPID() {
	report := s.tombstone(domain.DeleteRequest{
		Kind: domain.KindSpecimen,
		PID:  "20.5000.1025/NOPE",
		Raw:  []byte(`{"pid":"20.5000.1025/NOPE"}`),
	})

	s.Equal(Report{DeadLettered: 1}, report)
	dead := s.deadLettered()
	s.Require().Len(dead, 1)
	s.Equal(string(StageTombstone), dead[0].Stage)
	s.Equal(string(dErrors.CodeNotFound), dead[0].Code)
	s.Equal("20.5000.1025/NOPE", dead[0].PID)
	s.JSONEq(`{"pid":"20.5000.1025/NOPE"}`, string(dead[0].Payload))
}

func (s *ProcessorSuite) TestTombstoneInvalidRequest() {
	report := s.tombstone(domain.DeleteRequest{Kind: "annotation", PID: "x"})

	s.Equal(Report{DeadLettered: 1}, report)
	s.Equal(string(dErrors.CodeValidation), s.deadLettered()[0].Code)
}

func (s *ProcessorSuite) TestTombstoneTwiceIsNoop() {
	specPID, _ := s.seedLinkedSpecimen()
	req := domain.DeleteRequest{Kind: domain.KindSpecimen, PID: specPID}
	s.tombstone(req)

	report := s.tombstone(req)

	s.Equal(Report{}, report)
	s.Len(s.registrar.tombstoned, 1)
	s.Len(s.notifications(domain.ActionDelete), 1)
}

func (s *ProcessorSuite) TestTombstonePublishFailureRestoresRecord() {
	specPID, _ := s.seedLinkedSpecimen()
	before := len(s.store.Relationships())
	s.publishErr = func(n domain.Notification) error {
		if n.Action == domain.ActionDelete {
			return errors.New("broker unreachable")
		}
		return nil
	}

	report := s.tombstone(domain.DeleteRequest{Kind: domain.KindSpecimen, PID: specPID})

	s.Equal(Report{DeadLettered: 1}, report)
	rec, _ := s.stored(domain.KindSpecimen, "S-1")
	s.False(rec.Tombstoned)
	doc, indexed := s.search.doc(specPID)
	s.Require().True(indexed)
	s.Equal(rec.Version, doc.Version)
	s.Len(s.store.Relationships(), before)

	s.Require().Len(s.registrar.rollbackUpdates, 1)
	profile, _ := s.registrar.profile(specPID)
	status, _ := profile.Value(fdo.IndexPIDStatus)
	s.Equal(fdo.PIDStatusActive, status, "restored pid is active again")
	host, _ := profile.Value(fdo.IndexHost)
	s.Equal("ORG1", host)

	dead := s.deadLettered()
	s.Require().Len(dead, 1)
	s.Equal(string(StageTombstone), dead[0].Stage)
}

func (s *ProcessorSuite) TestTombstoneRegistrarFailureTouchesNothing() {
	specPID, _ := s.seedLinkedSpecimen()
	s.registrar.tombstoneErr = dErrors.New(dErrors.CodeRegistrarUnavailable, "registrar answered 502")

	report := s.tombstone(domain.DeleteRequest{Kind: domain.KindSpecimen, PID: specPID})

	s.Equal(Report{DeadLettered: 1}, report)
	rec, _ := s.stored(domain.KindSpecimen, "S-1")
	s.False(rec.Tombstoned)
	s.Equal(string(dErrors.CodeRegistrarUnavailable), s.deadLettered()[0].Code)
}

func (s *ProcessorSuite) TestTombstoneRetriesTransientRelationshipAppend() {
	specPID, _ := s.seedLinkedSpecimen()
	s.store.appendErrs = []error{dErrors.New(dErrors.CodeTransient, "connection reset")}
	calls := s.store.appendCalls

	report := s.tombstone(domain.DeleteRequest{Kind: domain.KindSpecimen, PID: specPID})

	s.Equal(Report{Tombstoned: 1}, report)
	s.Equal(calls+2, s.store.appendCalls)
	active, err := s.store.ActiveRelationships(s.ctx, []string{specPID})
	s.Require().NoError(err)
	s.Empty(active[specPID])
	s.Empty(s.deadLettered())
}
