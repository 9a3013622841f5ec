// Package persist fires the one-shot side effects owed when a deliberation
// completes: saving the record, storing decision memory, and appending the
// audit ledger entry.
package persist

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/datacendia/council/internal/council/session"
	"github.com/datacendia/council/internal/platform/timeouts"
	"github.com/datacendia/council/internal/storage"
)

// LedgerActionCompleted is the audit action recorded for a finished deliberation.
const LedgerActionCompleted = "deliberation.completed"

// Trigger issues the completion side effects. Each call is fire-and-forget:
// a failure is logged and never surfaces into session state. A nil
// collaborator is skipped.
type Trigger struct {
	Records storage.DeliberationStore
	Memory  storage.MemoryStore
	Ledger  storage.LedgerStore

	// CallTimeout bounds each detached call. Defaults to
	// timeouts.PersistenceCall.
	CallTimeout time.Duration
	// Logf records failures. Defaults to log.Printf.
	Logf func(format string, args ...any)

	wg sync.WaitGroup
}

type decisionContextPayload struct {
	Kind          string   `json:"kind"`
	SessionID     string   `json:"session_id"`
	Question      string   `json:"question"`
	SynthesisText string   `json:"synthesis_text"`
	Confidence    int      `json:"confidence"`
	AgentIDs      []string `json:"agent_ids"`
}

type ledgerDetail struct {
	Confidence int `json:"confidence"`
	AgentCount int `json:"agent_count"`
	Challenges int `json:"challenges"`
}

// Fire launches the three persistence calls for a completed session. The
// dispatcher guarantees at most one Fire per session id.
func (t *Trigger) Fire(snapshot session.Session) {
	if t == nil {
		return
	}

	sessionJSON, err := json.Marshal(snapshot)
	if err != nil {
		t.logf("council persist: encode session %s: %v", snapshot.ID, err)
		return
	}

	if t.Records != nil {
		record := storage.DeliberationRecord{
			SessionID:     snapshot.ID,
			Question:      snapshot.Question,
			SynthesisText: snapshot.SynthesisText,
			Confidence:    snapshot.Confidence,
			AgentCount:    len(snapshot.AgentResponses),
			SessionJSON:   sessionJSON,
			CompletedAt:   snapshot.CompletedAt,
		}
		t.detach(snapshot.ID, "save deliberation", func(ctx context.Context) error {
			return t.Records.SaveDeliberation(ctx, record)
		})
	}

	if t.Memory != nil {
		payload, err := json.Marshal(decisionContextPayload{
			Kind:          "decision_context",
			SessionID:     snapshot.ID,
			Question:      snapshot.Question,
			SynthesisText: snapshot.SynthesisText,
			Confidence:    snapshot.Confidence,
			AgentIDs:      snapshot.AgentOrder,
		})
		if err != nil {
			t.logf("council persist: encode decision context %s: %v", snapshot.ID, err)
		} else {
			decision := storage.DecisionContext{
				SessionID:   snapshot.ID,
				Question:    snapshot.Question,
				Summary:     snapshot.SynthesisText,
				PayloadJSON: payload,
				CreatedAt:   snapshot.CompletedAt,
			}
			t.detach(snapshot.ID, "store decision context", func(ctx context.Context) error {
				return t.Memory.StoreDecisionContext(ctx, decision)
			})
		}
	}

	if t.Ledger != nil {
		detail, err := json.Marshal(ledgerDetail{
			Confidence: snapshot.Confidence,
			AgentCount: len(snapshot.AgentResponses),
			Challenges: len(snapshot.CrossExaminations),
		})
		if err != nil {
			t.logf("council persist: encode ledger detail %s: %v", snapshot.ID, err)
			detail = nil
		}
		entry := storage.LedgerEntry{
			SessionID:  snapshot.ID,
			Action:     LedgerActionCompleted,
			DetailJSON: detail,
			CreatedAt:  snapshot.CompletedAt,
		}
		t.detach(snapshot.ID, "append ledger entry", func(ctx context.Context) error {
			return t.Ledger.AppendLedgerEntry(ctx, entry)
		})
	}
}

// Wait blocks until in-flight persistence calls settle. Used at shutdown
// and in tests; correctness never depends on it.
func (t *Trigger) Wait() {
	if t == nil {
		return
	}
	t.wg.Wait()
}

func (t *Trigger) detach(sessionID, operation string, call func(context.Context) error) {
	timeout := t.CallTimeout
	if timeout <= 0 {
		timeout = timeouts.PersistenceCall
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := call(ctx); err != nil {
			t.logf("council persist: %s for session %s: %v", operation, sessionID, err)
		}
	}()
}

func (t *Trigger) logf(format string, args ...any) {
	if t.Logf != nil {
		t.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
