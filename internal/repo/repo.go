// Package repo is the persistence adapter: an opaque keyed store of raw
// snapshot JSON plus the audit and API-key tables. The engine treats it as
// last-write-wins; transactional guarantees beyond a single save are not its
// concern.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"biasflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// SaveSession inserts or replaces the stored snapshot for a session.
func (r Repo) SaveSession(ctx context.Context, info domain.SessionInfo, snapshotJSON string) error {
	return r.saveSession(ctx, r.DB, nil, info, snapshotJSON)
}

// SaveSessionTx is SaveSession inside an existing transaction.
func (r Repo) SaveSessionTx(ctx context.Context, tx *sql.Tx, info domain.SessionInfo, snapshotJSON string) error {
	return r.saveSession(ctx, nil, tx, info, snapshotJSON)
}

func (r Repo) saveSession(ctx context.Context, db *sql.DB, tx *sql.Tx, info domain.SessionInfo, snapshotJSON string) error {
	if info.ID == "" {
		return fmt.Errorf("session id required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO sessions(id,name,deck_id,deck_version,snapshot_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, deck_id=excluded.deck_id, deck_version=excluded.deck_version,
snapshot_json=excluded.snapshot_json, updated_at=excluded.updated_at`,
		info.ID, info.Name, info.DeckID, info.DeckVersion, snapshotJSON, info.CreatedAt, info.UpdatedAt)
	return err
}

// LoadSession returns the raw stored snapshot JSON for a session id. The
// payload may be any supported generation; callers route it through the
// converter.
func (r Repo) LoadSession(ctx context.Context, id string) (string, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot_json FROM sessions WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

// GetSessionInfo returns the listing row for a session.
func (r Repo) GetSessionInfo(ctx context.Context, id string) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,name,deck_id,deck_version,created_at,updated_at FROM sessions WHERE id=?`, id).
		Scan(&info.ID, &info.Name, &info.DeckID, &info.DeckVersion, &info.CreatedAt, &info.UpdatedAt)
	if err == sql.ErrNoRows {
		return info, ErrNotFound
	}
	return info, err
}

// ListSessions returns stored sessions newest first.
func (r Repo) ListSessions(ctx context.Context) ([]domain.SessionInfo, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,name,deck_id,deck_version,created_at,updated_at FROM sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SessionInfo
	for rows.Next() {
		var info domain.SessionInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.DeckID, &info.DeckVersion, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SingleSession returns the only stored session, erroring when zero or more
// than one exist. Mirrors the CLI convention of omitting --session in a
// one-session workspace.
func (r Repo) SingleSession(ctx context.Context) (domain.SessionInfo, error) {
	sessions, err := r.ListSessions(ctx)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	if len(sessions) == 0 {
		return domain.SessionInfo{}, ErrNotFound
	}
	if len(sessions) > 1 {
		return domain.SessionInfo{}, fmt.Errorf("multiple sessions exist; specify --session")
	}
	return sessions[0], nil
}

// DeleteSession removes a stored session wholesale. Individual item records
// are never deleted; this is the only removal path.
func (r Repo) DeleteSessionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns audit entries for a session, newest first, with an
// optional keyset cursor on the event id.
func (r Repo) ListEvents(ctx context.Context, sessionID string, limit int, cursorID int64) ([]domain.Event, error) {
	clauses := []string{"session_id=?"}
	args := []any{sessionID}
	if cursorID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, cursorID)
	}
	query := `SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
