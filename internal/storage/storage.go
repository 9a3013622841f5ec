// Package storage defines the persistence contracts the council service
// calls once a deliberation completes. Implementations never influence
// session state; failures are logged at the trigger boundary and dropped.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// DeliberationRecord is the durable form of one completed deliberation.
type DeliberationRecord struct {
	SessionID     string
	Question      string
	SynthesisText string
	Confidence    int
	AgentCount    int
	// SessionJSON holds the frozen final session payload.
	SessionJSON []byte
	CompletedAt time.Time
}

// DeliberationStore persists completed deliberation records.
type DeliberationStore interface {
	SaveDeliberation(ctx context.Context, record DeliberationRecord) error
	GetDeliberation(ctx context.Context, sessionID string) (DeliberationRecord, error)
	ListDeliberations(ctx context.Context, limit int) ([]DeliberationRecord, error)
}

// DecisionContext is the embedding payload stored for agent memory.
type DecisionContext struct {
	SessionID string
	Question  string
	Summary   string
	// PayloadJSON is the opaque decision-context structure handed to the
	// vector-memory collaborator.
	PayloadJSON []byte
	CreatedAt   time.Time
}

// MemoryStore persists decision-context embeddings for agent memory.
type MemoryStore interface {
	StoreDecisionContext(ctx context.Context, decision DecisionContext) error
	GetDecisionContext(ctx context.Context, sessionID string) (DecisionContext, error)
}

// LedgerEntry is one append-only audit record.
type LedgerEntry struct {
	// Seq is assigned by storage on append, per session.
	Seq       int64
	SessionID string
	Action    string
	// DetailJSON holds action-specific data.
	DetailJSON []byte
	CreatedAt  time.Time
}

// LedgerStore appends audit-ledger entries.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error
	ListLedgerEntries(ctx context.Context, sessionID string, limit int) ([]LedgerEntry, error)
}
