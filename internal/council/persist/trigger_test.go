package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datacendia/council/internal/council/event"
	"github.com/datacendia/council/internal/council/session"
	"github.com/datacendia/council/internal/storage"
)

type fakeRecordStore struct {
	mu    sync.Mutex
	saved []storage.DeliberationRecord
	err   error
}

func (f *fakeRecordStore) SaveDeliberation(_ context.Context, record storage.DeliberationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeRecordStore) GetDeliberation(context.Context, string) (storage.DeliberationRecord, error) {
	return storage.DeliberationRecord{}, storage.ErrNotFound
}

func (f *fakeRecordStore) ListDeliberations(context.Context, int) ([]storage.DeliberationRecord, error) {
	return nil, nil
}

type fakeMemoryStore struct {
	mu     sync.Mutex
	stored []storage.DecisionContext
}

func (f *fakeMemoryStore) StoreDecisionContext(_ context.Context, decision storage.DecisionContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, decision)
	return nil
}

func (f *fakeMemoryStore) GetDecisionContext(context.Context, string) (storage.DecisionContext, error) {
	return storage.DecisionContext{}, storage.ErrNotFound
}

type fakeLedgerStore struct {
	mu      sync.Mutex
	entries []storage.LedgerEntry
}

func (f *fakeLedgerStore) AppendLedgerEntry(_ context.Context, entry storage.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLedgerStore) ListLedgerEntries(context.Context, string, int) ([]storage.LedgerEntry, error) {
	return nil, nil
}

func completedSnapshot() session.Session {
	r := session.Reducer{Clock: func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }}
	s := session.New("sess-1", "Should we expand?", []string{"atlas"}, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	s = r.Apply(s, event.AgentStartedPayload{Agent: event.AgentIdentity{ID: "atlas", DisplayName: "Atlas"}})
	s = r.Apply(s, event.AgentCompletedPayload{AgentID: "atlas", FinalText: "Expand.", DurationMs: 900})
	s = r.Apply(s, event.CompletedPayload{SynthesisText: "Expand, phased.", Confidence: 82})
	return s
}

func TestFireCallsAllCollaborators(t *testing.T) {
	records := &fakeRecordStore{}
	memory := &fakeMemoryStore{}
	ledger := &fakeLedgerStore{}
	trigger := &Trigger{Records: records, Memory: memory, Ledger: ledger, Logf: t.Logf}

	trigger.Fire(completedSnapshot())
	trigger.Wait()

	if len(records.saved) != 1 {
		t.Fatalf("saved records = %d, want 1", len(records.saved))
	}
	if records.saved[0].SynthesisText != "Expand, phased." {
		t.Fatalf("record synthesis = %q", records.saved[0].SynthesisText)
	}
	if records.saved[0].AgentCount != 1 {
		t.Fatalf("agent count = %d, want 1", records.saved[0].AgentCount)
	}
	if len(records.saved[0].SessionJSON) == 0 {
		t.Fatal("expected frozen session payload")
	}

	if len(memory.stored) != 1 {
		t.Fatalf("stored contexts = %d, want 1", len(memory.stored))
	}
	if !strings.Contains(string(memory.stored[0].PayloadJSON), `"decision_context"`) {
		t.Fatalf("unexpected decision payload: %s", memory.stored[0].PayloadJSON)
	}

	if len(ledger.entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(ledger.entries))
	}
	if ledger.entries[0].Action != LedgerActionCompleted {
		t.Fatalf("ledger action = %q", ledger.entries[0].Action)
	}
}

func TestFireFailureIsLoggedNotPropagated(t *testing.T) {
	var mu sync.Mutex
	var logged []string
	records := &fakeRecordStore{err: errors.New("backend down")}
	ledger := &fakeLedgerStore{}
	trigger := &Trigger{
		Records: records,
		Ledger:  ledger,
		Logf: func(format string, args ...any) {
			mu.Lock()
			defer mu.Unlock()
			logged = append(logged, fmt.Sprintf(format, args...))
		},
	}

	trigger.Fire(completedSnapshot())
	trigger.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(logged) != 1 {
		t.Fatalf("logged = %d lines, want 1", len(logged))
	}
	if !strings.Contains(logged[0], "backend down") {
		t.Fatalf("log line = %q, want cause included", logged[0])
	}
	// The independent ledger call still went through.
	if len(ledger.entries) != 1 {
		t.Fatalf("ledger entries = %d, want failure isolation", len(ledger.entries))
	}
}

func TestFireSkipsNilCollaborators(t *testing.T) {
	ledger := &fakeLedgerStore{}
	trigger := &Trigger{Ledger: ledger, Logf: t.Logf}

	trigger.Fire(completedSnapshot())
	trigger.Wait()

	if len(ledger.entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(ledger.entries))
	}
}
