// Package dispatch connects the orchestration event stream to the
// deliberation reducer and fans resulting snapshots out to observers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/datacendia/council/internal/council/event"
	"github.com/datacendia/council/internal/council/persist"
	"github.com/datacendia/council/internal/council/registry"
	"github.com/datacendia/council/internal/council/session"
	"github.com/datacendia/council/internal/orchestrator"
	"github.com/datacendia/council/internal/platform/id"
	"github.com/datacendia/council/internal/platform/timeouts"
)

// Config assembles a Dispatcher.
type Config struct {
	Reducer  session.Reducer
	Registry *registry.Registry
	Queue    orchestrator.Queue
	Source   orchestrator.Source
	Trigger  *persist.Trigger

	// AgentDeadline bounds how long one agent may stream without
	// completing before it is marked timed out. Zero disables the
	// deadline. Negative values fall back to the default.
	AgentDeadline time.Duration
	// Logf records dropped events and background failures. Defaults to
	// log.Printf.
	Logf func(format string, args ...any)
}

// Dispatcher owns the per-session apply loops.
//
// All state transitions for one session funnel through a single writer
// path, so observers always see a complete snapshot and events apply
// strictly in arrival order.
type Dispatcher struct {
	reducer       session.Reducer
	registry      *registry.Registry
	queue         orchestrator.Queue
	source        orchestrator.Source
	trigger       *persist.Trigger
	agentDeadline time.Duration
	logf          func(format string, args ...any)

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	flights     map[string]*flight
	subscribers map[string]map[uint64]func(session.Session)
	nextSubID   uint64
	persisted   map[string]bool
	loops       sync.WaitGroup
}

type flight struct {
	cancel context.CancelFunc
	stop   func()
	timers map[string]*time.Timer
}

// New creates a dispatcher. Registry and Source are required; Queue and
// Trigger may be nil in offline paths and tests.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if cfg.AgentDeadline < 0 {
		cfg.AgentDeadline = timeouts.AgentDeadline
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		reducer:       cfg.Reducer,
		registry:      cfg.Registry,
		queue:         cfg.Queue,
		source:        cfg.Source,
		trigger:       cfg.Trigger,
		agentDeadline: cfg.AgentDeadline,
		logf:          cfg.Logf,
		ctx:           ctx,
		cancel:        cancel,
		flights:       make(map[string]*flight),
		subscribers:   make(map[string]map[uint64]func(session.Session)),
		persisted:     make(map[string]bool),
	}, nil
}

// SubmitDeliberation creates a session in the initial analysis phase,
// registers the job with the orchestration backend, and begins applying
// its event stream.
func (d *Dispatcher) SubmitDeliberation(ctx context.Context, question string, agentIDs []string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	if len(agentIDs) == 0 {
		return "", fmt.Errorf("at least one agent is required")
	}
	if err := d.ctx.Err(); err != nil {
		return "", fmt.Errorf("dispatcher is closed")
	}

	sessionID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("assign session id: %w", err)
	}

	snapshot := session.New(sessionID, question, agentIDs, time.Now().UTC())
	d.registry.Put(snapshot)

	streamCtx, cancelStream := context.WithCancel(d.ctx)
	events, stop, err := d.source.Subscribe(streamCtx, sessionID)
	if err != nil {
		cancelStream()
		return "", fmt.Errorf("subscribe to event stream: %w", err)
	}

	d.mu.Lock()
	d.flights[sessionID] = &flight{
		cancel: cancelStream,
		stop:   stop,
		timers: make(map[string]*time.Timer),
	}
	d.mu.Unlock()

	d.loops.Add(1)
	go d.applyLoop(sessionID, events)

	// Registering intent with the backend is not awaited for correctness;
	// the stream is the source of truth.
	if d.queue != nil {
		submission := orchestrator.Submission{
			SessionID: sessionID,
			Question:  question,
			AgentIDs:  agentIDs,
		}
		go func() {
			jobID, err := d.queue.Enqueue(context.WithoutCancel(ctx), submission)
			if err != nil {
				d.logf("council dispatch: enqueue session %s: %v", sessionID, err)
				return
			}
			d.logf("council dispatch: session %s queued as job %s", sessionID, jobID)
		}()
	}

	return sessionID, nil
}

// GetSession returns the latest snapshot for sessionID.
func (d *Dispatcher) GetSession(sessionID string) (session.Session, bool) {
	return d.registry.Get(sessionID)
}

// ListSessions returns retained snapshots newest-first.
func (d *Dispatcher) ListSessions() []session.Session {
	return d.registry.List()
}

// Subscribe registers a state-change observer for sessionID. The callback
// receives each new snapshot in apply order. The returned cancel function
// is idempotent.
func (d *Dispatcher) Subscribe(sessionID string, callback func(session.Session)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs, ok := d.subscribers[sessionID]
	if !ok {
		subs = make(map[uint64]func(session.Session))
		d.subscribers[sessionID] = subs
	}
	d.nextSubID++
	subID := d.nextSubID
	subs[subID] = callback

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if subs, ok := d.subscribers[sessionID]; ok {
				delete(subs, subID)
				if len(subs) == 0 {
					delete(d.subscribers, sessionID)
				}
			}
		})
	}
}

// Abandon tears down the stream subscription for sessionID without
// rolling back any state already applied.
func (d *Dispatcher) Abandon(sessionID string) {
	d.releaseFlight(sessionID)
}

// releaseFlight tears down the per-session resources: the stream
// subscription, its context watcher, the agent-deadline timers, and the
// persisted marker. Idempotent; called on completion, abandonment, and
// apply-loop exit.
func (d *Dispatcher) releaseFlight(sessionID string) {
	d.mu.Lock()
	f := d.flights[sessionID]
	delete(d.flights, sessionID)
	delete(d.persisted, sessionID)
	d.mu.Unlock()
	if f == nil {
		return
	}
	f.cancel()
	f.stop()
	for _, timer := range f.timers {
		timer.Stop()
	}
}

// Close abandons every in-flight session and waits for apply loops and
// pending persistence calls to settle.
func (d *Dispatcher) Close() {
	d.cancel()
	d.mu.Lock()
	for _, f := range d.flights {
		f.stop()
		for _, timer := range f.timers {
			timer.Stop()
		}
	}
	d.mu.Unlock()
	d.loops.Wait()
	if d.trigger != nil {
		d.trigger.Wait()
	}
}

func (d *Dispatcher) applyLoop(sessionID string, events <-chan event.Envelope) {
	defer d.loops.Done()
	// The source may close without a completion event (backend crash); the
	// flight and its timers must not outlive the stream either way.
	defer d.releaseFlight(sessionID)
	for envelope := range events {
		payload, err := event.Decode(envelope)
		if err != nil {
			if errors.Is(err, event.ErrUnknownType) {
				d.logf("council dispatch: session %s: drop %v", sessionID, err)
			} else {
				d.logf("council dispatch: session %s: drop malformed %s event: %v", sessionID, envelope.Type, err)
			}
			continue
		}
		d.apply(sessionID, payload)
	}
}

// apply folds one decoded payload into the session under the dispatcher
// lock, then notifies observers outside it.
func (d *Dispatcher) apply(sessionID string, payload any) {
	d.mu.Lock()
	snapshot, ok := d.registry.Get(sessionID)
	if !ok {
		d.mu.Unlock()
		d.logf("council dispatch: session %s: event for unknown session", sessionID)
		return
	}

	next := d.reducer.Apply(snapshot, payload)
	if next.Revision == snapshot.Revision {
		d.mu.Unlock()
		return
	}
	d.registry.Put(next)
	d.adjustDeadlines(sessionID, payload, next)

	var callbacks []func(session.Session)
	if subs, ok := d.subscribers[sessionID]; ok {
		callbacks = make([]func(session.Session), 0, len(subs))
		for _, callback := range subs {
			callbacks = append(callbacks, callback)
		}
	}

	fireTrigger := false
	if !snapshot.Completed() && next.Completed() && !d.persisted[sessionID] {
		d.persisted[sessionID] = true
		fireTrigger = true
	}
	d.mu.Unlock()

	for _, callback := range callbacks {
		callback(next)
	}

	if fireTrigger {
		d.releaseFlight(sessionID)
		if d.trigger != nil {
			d.trigger.Fire(next)
		}
	}
}

// adjustDeadlines maintains per-agent liveness timers. Caller holds d.mu.
func (d *Dispatcher) adjustDeadlines(sessionID string, payload any, snapshot session.Session) {
	if d.agentDeadline <= 0 {
		return
	}
	f, ok := d.flights[sessionID]
	if !ok {
		return
	}

	startTimer := func(agentID string) {
		if timer, ok := f.timers[agentID]; ok {
			timer.Stop()
		}
		f.timers[agentID] = time.AfterFunc(d.agentDeadline, func() {
			d.logf("council dispatch: session %s: agent %s exceeded deadline", sessionID, agentID)
			d.apply(sessionID, event.AgentTimedOutPayload{AgentID: agentID})
		})
	}
	stopTimer := func(agentID string) {
		if timer, ok := f.timers[agentID]; ok {
			timer.Stop()
			delete(f.timers, agentID)
		}
	}

	switch p := payload.(type) {
	case event.AgentStartedPayload:
		if response, ok := snapshot.Response(p.Agent.ID); ok && response.IsStreaming {
			startTimer(p.Agent.ID)
		}
	case event.AgentTokenPayload:
		if _, ok := f.timers[p.AgentID]; !ok {
			if response, ok := snapshot.Response(p.AgentID); ok && response.IsStreaming {
				startTimer(p.AgentID)
			}
		}
	case event.AgentCompletedPayload:
		stopTimer(p.AgentID)
	case event.AgentTimedOutPayload:
		stopTimer(p.AgentID)
	}
}
