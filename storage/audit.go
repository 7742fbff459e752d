// Package storage persists the audit journal of ledger-mutating actions. The
// journal is informational; ledger state is always re-read from the ledger.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Outcome of a mutating action.
const (
	OutcomeSettled  = "settled"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// Mutation is one journal entry.
type Mutation struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	SessionID string    `json:"sessionId,omitempty"`
	DisputeID string    `json:"disputeId,omitempty"`
	DealID    string    `json:"dealId,omitempty"`
	Caller    string    `json:"caller"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MutationFilter narrows RecentMutations. Zero fields are ignored.
type MutationFilter struct {
	Caller    string
	DisputeID string
	Limit     int
}

// AuditLog is a SQLite-backed mutation journal.
type AuditLog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenAuditLog opens or creates the journal at path. Use ":memory:" for an
// ephemeral journal.
func OpenAuditLog(path string) (*AuditLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: audit path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open audit log: %w", err)
	}
	// SQLite has a single writer, and each pooled ":memory:" connection would
	// see its own empty database.
	db.SetMaxOpenConns(1)
	log := &AuditLog{db: db, now: time.Now}
	if err := log.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *AuditLog) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS mutations (
            id TEXT PRIMARY KEY,
            action TEXT NOT NULL,
            session_id TEXT,
            dispute_id TEXT,
            deal_id TEXT,
            caller TEXT NOT NULL,
            outcome TEXT NOT NULL,
            reason TEXT,
            tx_hash TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS mutations_caller_idx ON mutations(caller, created_at);`,
		`CREATE INDEX IF NOT EXISTS mutations_dispute_idx ON mutations(dispute_id, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: init audit schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (l *AuditLog) Close() error {
	return l.db.Close()
}

// RecordMutation appends m, assigning an id and timestamp when absent.
func (l *AuditLog) RecordMutation(ctx context.Context, m Mutation) error {
	if strings.TrimSpace(m.Action) == "" {
		return errors.New("storage: mutation action required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.now().UTC()
	}
	const stmt = `INSERT INTO mutations(id, action, session_id, dispute_id, deal_id, caller, outcome, reason, tx_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, stmt, m.ID, m.Action, m.SessionID, m.DisputeID, m.DealID, strings.ToLower(m.Caller), m.Outcome, m.Reason, m.TxHash, m.CreatedAt)
	return err
}

// RecentMutations returns journal entries, newest first.
func (l *AuditLog) RecentMutations(ctx context.Context, filter MutationFilter) ([]Mutation, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Caller != "" {
		clauses = append(clauses, "caller = ?")
		args = append(args, strings.ToLower(filter.Caller))
	}
	if filter.DisputeID != "" {
		clauses = append(clauses, "dispute_id = ?")
		args = append(args, filter.DisputeID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, action, session_id, dispute_id, deal_id, caller, outcome, reason, tx_hash, created_at FROM mutations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mutation
	for rows.Next() {
		var (
			m                                      Mutation
			session, dispute, deal, reason, txHash sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Action, &session, &dispute, &deal, &m.Caller, &m.Outcome, &reason, &txHash, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SessionID, m.DisputeID, m.DealID = session.String, dispute.String, deal.String
		m.Reason, m.TxHash = reason.String, txHash.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
