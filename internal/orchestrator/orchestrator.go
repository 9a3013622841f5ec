// Package orchestrator defines the contracts for the external
// agent-orchestration engine that produces deliberation event streams.
// The engine itself is a black box; this service only registers intent
// and consumes the ordered event channel it emits.
package orchestrator

import (
	"context"

	"github.com/datacendia/council/internal/council/event"
)

// Submission registers a deliberation job with the orchestration backend.
type Submission struct {
	SessionID string   `json:"session_id"`
	Question  string   `json:"question"`
	AgentIDs  []string `json:"agent_ids"`
	Context   string   `json:"context,omitempty"`
	Priority  string   `json:"priority,omitempty"`
}

// Queue accepts deliberation jobs. The returned job id is informational;
// session correctness never depends on it.
type Queue interface {
	Enqueue(ctx context.Context, submission Submission) (jobID string, err error)
}

// Source delivers the ordered event stream for one session. The channel
// closes when the stream ends or ctx is done; the returned stop function
// releases the subscription and is safe to call more than once.
type Source interface {
	Subscribe(ctx context.Context, sessionID string) (events <-chan event.Envelope, stop func(), err error)
}
