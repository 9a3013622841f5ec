package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datacendia/council/internal/council/event"
	"github.com/datacendia/council/internal/council/persist"
	"github.com/datacendia/council/internal/council/registry"
	"github.com/datacendia/council/internal/council/session"
	"github.com/datacendia/council/internal/orchestrator"
	"github.com/datacendia/council/internal/storage"
)

type fakeQueue struct {
	mu          sync.Mutex
	submissions []orchestrator.Submission
	submitted   chan orchestrator.Submission
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{submitted: make(chan orchestrator.Submission, 4)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, submission orchestrator.Submission) (string, error) {
	q.mu.Lock()
	q.submissions = append(q.submissions, submission)
	q.mu.Unlock()
	q.submitted <- submission
	return "job-1", nil
}

type fakeStream struct {
	events  chan event.Envelope
	once    sync.Once
	stopped chan struct{}
}

type fakeSource struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(map[string]*fakeStream)}
}

func (s *fakeSource) Subscribe(ctx context.Context, sessionID string) (<-chan event.Envelope, func(), error) {
	stream := &fakeStream{
		events:  make(chan event.Envelope, 32),
		stopped: make(chan struct{}),
	}
	s.mu.Lock()
	s.streams[sessionID] = stream
	s.mu.Unlock()
	stop := func() {
		stream.once.Do(func() {
			close(stream.stopped)
			close(stream.events)
		})
	}
	return stream.events, stop, nil
}

func (s *fakeSource) emit(t *testing.T, sessionID string, envelopes ...event.Envelope) {
	t.Helper()
	s.mu.Lock()
	stream, ok := s.streams[sessionID]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("no stream for session %s", sessionID)
	}
	for _, envelope := range envelopes {
		stream.events <- envelope
	}
}

func (s *fakeSource) stream(t *testing.T, sessionID string) *fakeStream {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[sessionID]
	if !ok {
		t.Fatalf("no stream for session %s", sessionID)
	}
	return stream
}

type recordingStore struct {
	mu    sync.Mutex
	saved []storage.DeliberationRecord
}

func (s *recordingStore) SaveDeliberation(ctx context.Context, record storage.DeliberationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, record)
	return nil
}

func (s *recordingStore) GetDeliberation(ctx context.Context, sessionID string) (storage.DeliberationRecord, error) {
	return storage.DeliberationRecord{}, storage.ErrNotFound
}

func (s *recordingStore) ListDeliberations(ctx context.Context, limit int) ([]storage.DeliberationRecord, error) {
	return nil, nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func envelope(t *testing.T, sessionID string, eventType event.Type, payload any) event.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Envelope{Type: eventType, SessionID: sessionID, Payload: raw}
}

type harness struct {
	dispatcher *Dispatcher
	queue      *fakeQueue
	source     *fakeSource
	records    *recordingStore
}

func newHarness(t *testing.T, adjust func(*Config)) *harness {
	t.Helper()
	queue := newFakeQueue()
	source := newFakeSource()
	records := &recordingStore{}
	cfg := Config{
		Registry: registry.New(registry.DefaultCapacity),
		Queue:    queue,
		Source:   source,
		Trigger:  &persist.Trigger{Records: records, Logf: t.Logf},
		Logf:     t.Logf,
	}
	if adjust != nil {
		adjust(&cfg)
	}
	dispatcher, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(dispatcher.Close)
	return &harness{dispatcher: dispatcher, queue: queue, source: source, records: records}
}

// watch subscribes to sessionID and returns a channel of snapshots plus
// the cancel function.
func (h *harness) watch(sessionID string) (chan session.Session, func()) {
	snapshots := make(chan session.Session, 64)
	cancel := h.dispatcher.Subscribe(sessionID, func(snapshot session.Session) {
		snapshots <- snapshot
	})
	return snapshots, cancel
}

func waitFor(t *testing.T, snapshots chan session.Session, describe string, match func(session.Session) bool) session.Session {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-snapshots:
			if match(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", describe)
		}
	}
}

func TestSubmitDeliberationCreatesSession(t *testing.T) {
	h := newHarness(t, nil)

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Should we expand into APAC?", []string{"strategist", "skeptic"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("SubmitDeliberation() returned empty session id")
	}

	snapshot, ok := h.dispatcher.GetSession(sessionID)
	if !ok {
		t.Fatalf("GetSession(%q) missing", sessionID)
	}
	if snapshot.Phase != event.PhaseInitialAnalysis {
		t.Errorf("Phase = %v, want %v", snapshot.Phase, event.PhaseInitialAnalysis)
	}
	if snapshot.Question != "Should we expand into APAC?" {
		t.Errorf("Question = %q", snapshot.Question)
	}
	if len(snapshot.AgentIDs) != 2 {
		t.Errorf("AgentIDs = %v, want 2 entries", snapshot.AgentIDs)
	}

	select {
	case submission := <-h.queue.submitted:
		if submission.SessionID != sessionID {
			t.Errorf("submission.SessionID = %q, want %q", submission.SessionID, sessionID)
		}
		if submission.Question != snapshot.Question {
			t.Errorf("submission.Question = %q", submission.Question)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue submission")
	}
}

func TestSubmitDeliberationRejectsEmptyInput(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.dispatcher.SubmitDeliberation(t.Context(), "  ", []string{"strategist"}); err == nil {
		t.Error("SubmitDeliberation() with blank question: expected error")
	}
	if _, err := h.dispatcher.SubmitDeliberation(t.Context(), "Question?", nil); err == nil {
		t.Error("SubmitDeliberation() with no agents: expected error")
	}
}

func TestDispatchAppliesStreamInOrder(t *testing.T) {
	h := newHarness(t, nil)

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Adopt the new pricing model?", []string{"strategist"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentStarted, event.AgentStartedPayload{Agent: event.AgentIdentity{ID: "strategist", DisplayName: "Strategist"}}),
		envelope(t, sessionID, event.TypeAgentToken, event.AgentTokenPayload{AgentID: "strategist", Token: "Yes, "}),
		envelope(t, sessionID, event.TypeAgentToken, event.AgentTokenPayload{AgentID: "strategist", Token: "with guardrails."}),
	)

	snapshot := waitFor(t, snapshots, "accumulated tokens", func(s session.Session) bool {
		response, ok := s.Response("strategist")
		return ok && response.Text == "Yes, with guardrails."
	})
	if response, _ := snapshot.Response("strategist"); !response.IsStreaming {
		t.Error("response.IsStreaming = false before completion")
	}

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentCompleted, event.AgentCompletedPayload{AgentID: "strategist", FinalText: "Yes, with guardrails.", DurationMs: 1200}),
		envelope(t, sessionID, event.TypeCompleted, event.CompletedPayload{SynthesisText: "Adopt it gradually.", Confidence: 82}),
	)

	final := waitFor(t, snapshots, "completed session", session.Session.Completed)
	if final.SynthesisText != "Adopt it gradually." {
		t.Errorf("SynthesisText = %q", final.SynthesisText)
	}
	if final.Confidence != 82 {
		t.Errorf("Confidence = %d, want 82", final.Confidence)
	}
}

func TestCompletionFiresPersistenceOnce(t *testing.T) {
	h := newHarness(t, nil)

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Ship on Friday?", []string{"skeptic"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	// A duplicate completion is queued behind the first; it must not
	// re-fire persistence or advance the revision.
	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeCompleted, event.CompletedPayload{SynthesisText: "No.", Confidence: 90}),
		envelope(t, sessionID, event.TypeCompleted, event.CompletedPayload{SynthesisText: "Actually yes.", Confidence: 10}),
	)

	final := waitFor(t, snapshots, "completed session", session.Session.Completed)

	stream := h.source.stream(t, sessionID)
	select {
	case <-stream.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream teardown after completion")
	}
	h.dispatcher.trigger.Wait()

	if got := h.records.count(); got != 1 {
		t.Fatalf("saved records = %d, want 1", got)
	}
	if final.SynthesisText != "No." {
		t.Errorf("SynthesisText = %q, want first completion kept", final.SynthesisText)
	}

	persisted, _ := h.dispatcher.GetSession(sessionID)
	if persisted.Revision != final.Revision {
		t.Errorf("Revision = %d, want %d after duplicate completion", persisted.Revision, final.Revision)
	}
}

func TestDispatchDropsMalformedEvents(t *testing.T) {
	h := newHarness(t, nil)

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Keep the monolith?", []string{"pragmatist"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	h.source.emit(t, sessionID,
		event.Envelope{Type: "agent.shrugged", SessionID: sessionID},
		envelope(t, sessionID, event.TypeAgentToken, event.AgentTokenPayload{AgentID: "", Token: "lost"}),
		envelope(t, sessionID, event.TypeAgentToken, event.AgentTokenPayload{AgentID: "pragmatist", Token: "For now."}),
	)

	snapshot := waitFor(t, snapshots, "token after dropped events", func(s session.Session) bool {
		response, ok := s.Response("pragmatist")
		return ok && response.Text == "For now."
	})
	if snapshot.Revision != 1 {
		t.Errorf("Revision = %d, want 1 (dropped events must not count)", snapshot.Revision)
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Renew the contract?", []string{"analyst"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentToken, event.AgentTokenPayload{AgentID: "analyst", Token: "Likely."}),
	)
	waitFor(t, snapshots, "first notification", func(s session.Session) bool { return s.Revision == 1 })

	cancel()
	cancel()

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentToken, event.AgentTokenPayload{AgentID: "analyst", Token: " Yes."}),
	)
	deadline := time.After(200 * time.Millisecond)
	select {
	case snapshot := <-snapshots:
		t.Fatalf("received snapshot after cancel: revision %d", snapshot.Revision)
	case <-deadline:
	}

	// State keeps advancing without observers.
	latest, _ := h.dispatcher.GetSession(sessionID)
	if response, _ := latest.Response("analyst"); !strings.HasSuffix(response.Text, " Yes.") {
		t.Errorf("response.Text = %q, want token applied after unsubscribe", response.Text)
	}
}

func TestAbandonStopsStream(t *testing.T) {
	h := newHarness(t, nil)

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Sunset the beta?", []string{"skeptic"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentToken, event.AgentTokenPayload{AgentID: "skeptic", Token: "Not yet."}),
	)
	waitFor(t, snapshots, "first token", func(s session.Session) bool { return s.Revision == 1 })

	h.dispatcher.Abandon(sessionID)

	stream := h.source.stream(t, sessionID)
	select {
	case <-stream.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream teardown after Abandon")
	}

	// Applied state is kept as-is, without rollback or synthetic completion.
	latest, ok := h.dispatcher.GetSession(sessionID)
	if !ok {
		t.Fatal("session evicted by Abandon")
	}
	if latest.Completed() {
		t.Error("Abandon must not complete the session")
	}
	if response, _ := latest.Response("skeptic"); response.Text != "Not yet." {
		t.Errorf("response.Text = %q, want partial text retained", response.Text)
	}
	if h.records.count() != 0 {
		t.Errorf("saved records = %d, want 0 after Abandon", h.records.count())
	}
}

// waitForRelease polls until the per-session resources are gone.
func waitForRelease(t *testing.T, d *Dispatcher, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		_, inFlight := d.flights[sessionID]
		_, marked := d.persisted[sessionID]
		d.mu.Unlock()
		if !inFlight && !marked {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s resources still retained", sessionID)
}

func TestAbandonReleasesSessionResources(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.AgentDeadline = time.Hour
	})

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Pause the rollout?", []string{"strategist"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	// An agent-deadline timer must exist before the abandon.
	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentStarted, event.AgentStartedPayload{Agent: event.AgentIdentity{ID: "strategist"}}),
	)
	waitFor(t, snapshots, "agent start", func(s session.Session) bool { return s.Revision == 1 })

	h.dispatcher.Abandon(sessionID)

	stream := h.source.stream(t, sessionID)
	select {
	case <-stream.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream teardown after Abandon")
	}
	waitForRelease(t, h.dispatcher, sessionID)
}

func TestSourceCloseReleasesSessionResources(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.AgentDeadline = time.Hour
	})

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Rotate the keys?", []string{"skeptic"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentStarted, event.AgentStartedPayload{Agent: event.AgentIdentity{ID: "skeptic"}}),
	)
	waitFor(t, snapshots, "agent start", func(s session.Session) bool { return s.Revision == 1 })

	// The backend disappears mid-deliberation without a completion event.
	stream := h.source.stream(t, sessionID)
	stream.once.Do(func() {
		close(stream.stopped)
		close(stream.events)
	})

	waitForRelease(t, h.dispatcher, sessionID)

	// State stays as applied; the session is still readable and non-terminal.
	latest, ok := h.dispatcher.GetSession(sessionID)
	if !ok {
		t.Fatal("session evicted by source close")
	}
	if latest.Completed() {
		t.Error("source close must not complete the session")
	}
	if h.records.count() != 0 {
		t.Errorf("saved records = %d, want 0 after source close", h.records.count())
	}
}

func TestPhaseChangedCannotTerminate(t *testing.T) {
	h := newHarness(t, nil)

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Freeze the schema?", []string{"analyst"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	// A phase transition carrying the terminal phase is dropped at the
	// decode boundary; only deliberation.completed may terminate.
	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypePhaseChanged, event.PhaseChangedPayload{Phase: event.PhaseCompleted}),
		envelope(t, sessionID, event.TypePhaseChanged, event.PhaseChangedPayload{Phase: event.PhaseCrossExamination}),
	)

	snapshot := waitFor(t, snapshots, "phase transition", func(s session.Session) bool {
		return s.Phase == event.PhaseCrossExamination
	})
	if snapshot.Completed() {
		t.Fatal("phase.changed terminated the session")
	}
	if h.records.count() != 0 {
		t.Fatalf("saved records = %d, want 0 without a completion event", h.records.count())
	}

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeCompleted, event.CompletedPayload{SynthesisText: "Freeze it.", Confidence: 91}),
	)
	waitFor(t, snapshots, "completed session", session.Session.Completed)
	h.dispatcher.trigger.Wait()
	if h.records.count() != 1 {
		t.Fatalf("saved records = %d, want 1 after completion", h.records.count())
	}
}

func TestAgentDeadlineMarksTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.AgentDeadline = 20 * time.Millisecond
	})

	sessionID, err := h.dispatcher.SubmitDeliberation(t.Context(), "Is the vendor reliable?", []string{"strategist", "skeptic"})
	if err != nil {
		t.Fatalf("SubmitDeliberation() error: %v", err)
	}
	snapshots, cancel := h.watch(sessionID)
	defer cancel()

	h.source.emit(t, sessionID,
		envelope(t, sessionID, event.TypeAgentStarted, event.AgentStartedPayload{Agent: event.AgentIdentity{ID: "strategist"}}),
		envelope(t, sessionID, event.TypeAgentStarted, event.AgentStartedPayload{Agent: event.AgentIdentity{ID: "skeptic"}}),
		envelope(t, sessionID, event.TypeAgentCompleted, event.AgentCompletedPayload{AgentID: "skeptic", FinalText: "No.", DurationMs: 5}),
	)

	snapshot := waitFor(t, snapshots, "stalled agent timeout", func(s session.Session) bool {
		response, ok := s.Response("strategist")
		return ok && response.TimedOut
	})
	if response, _ := snapshot.Response("strategist"); response.IsStreaming {
		t.Error("timed-out response still marked streaming")
	}
	if response, _ := snapshot.Response("skeptic"); response.TimedOut {
		t.Error("completed agent marked timed out")
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatcher.Close()
	if _, err := h.dispatcher.SubmitDeliberation(context.Background(), "One more?", []string{"analyst"}); err == nil {
		t.Error("SubmitDeliberation() after Close: expected error")
	}
}
