package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/iliyamo/contract-drafting/internal/model"
)

// ContractArchive stores built and completed contracts in MySQL so they
// outlive the session TTL of the hot store. One row per session, upserted
// on every build and sign; json_body carries the full session snapshot
// for audit and re-listing.
type ContractArchive struct {
	db *sql.DB
}

// NewContractArchive returns an archive bound to the provided database.
func NewContractArchive(db *sql.DB) *ContractArchive { return &ContractArchive{db: db} }

// EnsureSchema creates the contracts table when it does not exist yet.
// Called once at startup.
func (a *ContractArchive) EnsureSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS contracts (
		session_id    VARCHAR(255) PRIMARY KEY,
		owner_user_id VARCHAR(255) NOT NULL,
		category_id   VARCHAR(255),
		template_id   VARCHAR(255),
		state         VARCHAR(64),
		json_body     JSON NOT NULL,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	) CHARACTER SET utf8mb4`
	_, err := a.db.ExecContext(ctx, ddl)
	return err
}

// Upsert inserts or refreshes the archived row for a session.
func (a *ContractArchive) Upsert(ctx context.Context, s *model.Session) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	const q = `INSERT INTO contracts
		(session_id, owner_user_id, category_id, template_id, state, json_body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		owner_user_id=VALUES(owner_user_id),
		category_id=VALUES(category_id),
		template_id=VALUES(template_id),
		state=VALUES(state),
		json_body=VALUES(json_body),
		updated_at=VALUES(updated_at)`
	_, err = a.db.ExecContext(ctx, q,
		s.SessionID, s.OwnerUserID, s.CategoryID, s.TemplateID, string(s.State), body, now, now)
	return err
}

// ListByOwner returns archived contract summaries for a user, newest
// first.
func (a *ContractArchive) ListByOwner(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	const q = `SELECT session_id, category_id, template_id, state, updated_at
		FROM contracts WHERE owner_user_id = ? ORDER BY updated_at DESC`
	rows, err := a.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionSummary
	for rows.Next() {
		var s model.SessionSummary
		var state string
		if err := rows.Scan(&s.SessionID, &s.CategoryID, &s.TemplateID, &state, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.State = model.SessionState(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get loads one archived session snapshot.
func (a *ContractArchive) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	const q = `SELECT json_body FROM contracts WHERE session_id = ? LIMIT 1`
	var body []byte
	if err := a.db.QueryRowContext(ctx, q, sessionID).Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var s model.Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	s.EnsureMaps()
	return &s, nil
}
