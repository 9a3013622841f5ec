package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/datacendia/council/internal/council/event"
	"github.com/datacendia/council/internal/council/session"
)

func newSnapshot(id string, completed bool) session.Session {
	snapshot := session.New(id, "question", nil, time.Now().UTC())
	if completed {
		snapshot.Phase = event.PhaseCompleted
	}
	return snapshot
}

func TestPutAndGet(t *testing.T) {
	r := New(4)
	r.Put(newSnapshot("sess-1", false))

	snapshot, ok := r.Get("sess-1")
	if !ok {
		t.Fatal("expected stored session")
	}
	if snapshot.ID != "sess-1" {
		t.Fatalf("id = %q, want sess-1", snapshot.ID)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected miss for unknown id")
	}
}

func TestPutReplacesWithoutDuplicatingOrder(t *testing.T) {
	r := New(4)
	first := newSnapshot("sess-1", false)
	r.Put(first)
	first.Revision = 7
	r.Put(first)

	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	snapshot, _ := r.Get("sess-1")
	if snapshot.Revision != 7 {
		t.Fatalf("revision = %d, want replacement to win", snapshot.Revision)
	}
}

func TestEvictsOldestCompleted(t *testing.T) {
	r := New(2)
	r.Put(newSnapshot("sess-1", true))
	r.Put(newSnapshot("sess-2", true))
	r.Put(newSnapshot("sess-3", false))

	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
	if _, ok := r.Get("sess-1"); ok {
		t.Fatal("expected oldest completed session to be evicted")
	}
	if _, ok := r.Get("sess-3"); !ok {
		t.Fatal("expected newest session to survive")
	}
}

func TestEvictionSkipsInFlightSessions(t *testing.T) {
	r := New(2)
	r.Put(newSnapshot("sess-1", false))
	r.Put(newSnapshot("sess-2", true))
	r.Put(newSnapshot("sess-3", false))

	if _, ok := r.Get("sess-1"); !ok {
		t.Fatal("in-flight session must not be evicted")
	}
	if _, ok := r.Get("sess-2"); ok {
		t.Fatal("expected completed session to be evicted instead")
	}
}

func TestEvictionYieldsWhenAllInFlight(t *testing.T) {
	r := New(2)
	for i := 1; i <= 4; i++ {
		r.Put(newSnapshot(fmt.Sprintf("sess-%d", i), false))
	}
	if r.Len() != 4 {
		t.Fatalf("len = %d, want bound to yield for live sessions", r.Len())
	}
}

func TestListNewestFirst(t *testing.T) {
	r := New(4)
	r.Put(newSnapshot("sess-1", true))
	r.Put(newSnapshot("sess-2", false))
	r.Put(newSnapshot("sess-3", false))

	listed := r.List()
	if len(listed) != 3 {
		t.Fatalf("listed = %d, want 3", len(listed))
	}
	if listed[0].ID != "sess-3" || listed[2].ID != "sess-1" {
		t.Fatalf("unexpected order: %s, %s, %s", listed[0].ID, listed[1].ID, listed[2].ID)
	}
}
