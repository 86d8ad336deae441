package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/trialvisits/internal/config"
	"github.com/ehr/trialvisits/internal/domain/draft"
	"github.com/ehr/trialvisits/internal/platform/audit"
	"github.com/ehr/trialvisits/internal/platform/middleware"
)

type captureSink struct {
	access []audit.AccessEvent
}

func (s *captureSink) RecordDeviation(context.Context, audit.DeviationEvent) error   { return nil }
func (s *captureSink) RecordSubmission(context.Context, audit.SubmissionEvent) error { return nil }
func (s *captureSink) RecordAccess(_ context.Context, ev audit.AccessEvent) error {
	s.access = append(s.access, ev)
	return nil
}

func TestAccessRecorder_ForwardsEntry(t *testing.T) {
	sink := &captureSink{}
	d := audit.NewDispatcher(sink, zerolog.Nop(), 4)
	d.Start(context.Background())

	at := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	err := accessRecorder(d).RecordAccess(middleware.AccessEntry{
		UserID:       "examiner-1",
		UserRoles:    []string{"examiner"},
		TenantID:     "acme",
		ResourceType: "visits",
		ResourceID:   "abc",
		Action:       "submit",
		Method:       "POST",
		Path:         "/api/v1/visits/abc/submit",
		StatusCode:   200,
		RequestID:    "req-1",
		Timestamp:    at,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Close()

	if len(sink.access) != 1 {
		t.Fatalf("expected 1 access event, got %d", len(sink.access))
	}
	ev := sink.access[0]
	if ev.TenantID != "acme" || ev.UserID != "examiner-1" || ev.Action != "submit" || !ev.AccessedAt.Equal(at) {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestNewDraftStore_Memory(t *testing.T) {
	store, pinger, closeFn, err := newDraftStore(&config.Config{DraftStore: config.DraftStoreMemory}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*draft.MemoryStore); !ok {
		t.Errorf("expected *draft.MemoryStore, got %T", store)
	}
	if pinger != nil {
		t.Error("memory store should not register a health pinger")
	}
}
