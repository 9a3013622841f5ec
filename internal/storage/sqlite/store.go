// Package sqlite provides SQLite-backed persistence for completed
// deliberations, decision memory, and the audit ledger.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/datacendia/council/internal/platform/storage/sqlitemigrate"
	"github.com/datacendia/council/internal/storage"
	"github.com/datacendia/council/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed council persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a council SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveDeliberation persists one completed deliberation record. Saving the
// same session id again replaces the prior record, which keeps retried
// completion side effects idempotent.
func (s *Store) SaveDeliberation(ctx context.Context, record storage.DeliberationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	record.SessionID = strings.TrimSpace(record.SessionID)
	if record.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(record.Question) == "" {
		return fmt.Errorf("question is required")
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO deliberations (
	session_id,
	question,
	synthesis_text,
	confidence,
	agent_count,
	session_json,
	completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		record.SessionID,
		record.Question,
		record.SynthesisText,
		record.Confidence,
		record.AgentCount,
		record.SessionJSON,
		record.CompletedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save deliberation: %w", err)
	}
	return nil
}

// GetDeliberation loads one deliberation record.
func (s *Store) GetDeliberation(ctx context.Context, sessionID string) (storage.DeliberationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.DeliberationRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.DeliberationRecord{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.DeliberationRecord{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, question, synthesis_text, confidence, agent_count, session_json, completed_at
FROM deliberations
WHERE session_id = ?
`, sessionID)
	return scanDeliberation(row)
}

// ListDeliberations lists newest-first deliberation records.
func (s *Store) ListDeliberations(ctx context.Context, limit int) ([]storage.DeliberationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, question, synthesis_text, confidence, agent_count, session_json, completed_at
FROM deliberations
ORDER BY completed_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliberations: %w", err)
	}
	defer rows.Close()

	var records []storage.DeliberationRecord
	for rows.Next() {
		record, err := scanDeliberation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliberations: %w", err)
	}
	return records, nil
}

// StoreDecisionContext persists the decision-context embedding payload.
func (s *Store) StoreDecisionContext(ctx context.Context, decision storage.DecisionContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	decision.SessionID = strings.TrimSpace(decision.SessionID)
	if decision.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO decision_memory (
	session_id,
	question,
	summary,
	payload_json,
	created_at
) VALUES (?, ?, ?, ?, ?)
`,
		decision.SessionID,
		decision.Question,
		decision.Summary,
		decision.PayloadJSON,
		decision.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store decision context: %w", err)
	}
	return nil
}

// GetDecisionContext loads the stored decision context for a session.
func (s *Store) GetDecisionContext(ctx context.Context, sessionID string) (storage.DecisionContext, error) {
	if err := ctx.Err(); err != nil {
		return storage.DecisionContext{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.DecisionContext{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.DecisionContext{}, fmt.Errorf("session id is required")
	}

	var decision storage.DecisionContext
	var createdAt int64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, question, summary, payload_json, created_at
FROM decision_memory
WHERE session_id = ?
`, sessionID)
	err := row.Scan(&decision.SessionID, &decision.Question, &decision.Summary, &decision.PayloadJSON, &createdAt)
	if err == sql.ErrNoRows {
		return storage.DecisionContext{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DecisionContext{}, fmt.Errorf("get decision context: %w", err)
	}
	decision.CreatedAt = time.UnixMilli(createdAt).UTC()
	return decision, nil
}

// AppendLedgerEntry records one append-only audit entry.
func (s *Store) AppendLedgerEntry(ctx context.Context, entry storage.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	entry.SessionID = strings.TrimSpace(entry.SessionID)
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if entry.Action == "" {
		return fmt.Errorf("action is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ledger_entries (session_id, action, detail_json, created_at)
VALUES (?, ?, ?, ?)
`,
		entry.SessionID,
		entry.Action,
		entry.DetailJSON,
		entry.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// ListLedgerEntries lists entries for a session in append order.
func (s *Store) ListLedgerEntries(ctx context.Context, sessionID string, limit int) ([]storage.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, action, detail_json, created_at
FROM ledger_entries
WHERE session_id = ?
ORDER BY id ASC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []storage.LedgerEntry
	for rows.Next() {
		var entry storage.LedgerEntry
		var createdAt int64
		if err := rows.Scan(&entry.Seq, &entry.SessionID, &entry.Action, &entry.DetailJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

type deliberationScanner interface {
	Scan(dest ...any) error
}

func scanDeliberation(row deliberationScanner) (storage.DeliberationRecord, error) {
	var record storage.DeliberationRecord
	var completedAt int64
	err := row.Scan(
		&record.SessionID,
		&record.Question,
		&record.SynthesisText,
		&record.Confidence,
		&record.AgentCount,
		&record.SessionJSON,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return storage.DeliberationRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DeliberationRecord{}, fmt.Errorf("scan deliberation: %w", err)
	}
	record.CompletedAt = time.UnixMilli(completedAt).UTC()
	return record, nil
}
