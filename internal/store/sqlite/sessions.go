// Package sqlite provides a durable SessionRepo backed by an embedded
// SQLite database. It exists to prove the storage port against a real
// backend; the in-memory repo remains the default.
package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	guild_id         TEXT NOT NULL,
	requester_id     TEXT NOT NULL,
	channel_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	provider         TEXT NOT NULL,
	model            TEXT NOT NULL,
	mcp_enabled      INTEGER NOT NULL,
	mcp_profile_name TEXT NOT NULL DEFAULT '',
	subagent_name    TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	ended_at         TEXT NOT NULL DEFAULT ''
);
`

// SessionRepo persists sessions in SQLite. Serialization of concurrent
// mutations is delegated to the database; conditional UPDATEs enforce the
// ended-session write fence.
type SessionRepo struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*SessionRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "open sqlite database", err)
	}
	// modernc's driver is not safe for concurrent writes on one conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.CodeInternal, "migrate sqlite schema", err)
	}
	return &SessionRepo{db: db}, nil
}

// Close releases the database handle.
func (r *SessionRepo) Close() error { return r.db.Close() }

func (r *SessionRepo) Create(guildID, requesterID string, cfg store.SessionConfig) (store.Session, error) {
	session := store.Session{
		ID:          uuid.NewString(),
		GuildID:     guildID,
		RequesterID: requesterID,
		Status:      store.StatusActive,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.db.Exec(`
		INSERT INTO sessions (session_id, guild_id, requester_id, channel_id, status,
			provider, model, mcp_enabled, mcp_profile_name, subagent_name, created_at)
		VALUES (?, ?, ?, '', ?, ?, ?, ?, ?, '', ?)`,
		session.ID, session.GuildID, session.RequesterID, session.Status,
		cfg.Provider, cfg.Model, boolToInt(cfg.MCPEnabled), cfg.MCPProfileName,
		session.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return store.Session{}, apperr.Wrap(apperr.CodeInternal, "insert session", err)
	}
	return session, nil
}

func (r *SessionRepo) Get(sessionID string) (store.Session, error) {
	row := r.db.QueryRow(`
		SELECT session_id, guild_id, requester_id, channel_id, status,
			provider, model, mcp_enabled, mcp_profile_name, subagent_name,
			created_at, ended_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row, sessionID)
}

func (r *SessionRepo) BindChannel(sessionID, channelID string) (store.Session, error) {
	return r.update(sessionID, `UPDATE sessions SET channel_id = ?
		WHERE session_id = ? AND status != ?`, channelID, sessionID, store.StatusEnded)
}

func (r *SessionRepo) End(sessionID string) (store.Session, error) {
	_, err := r.db.Exec(`UPDATE sessions SET status = ?, ended_at = ?
		WHERE session_id = ? AND status != ?`,
		store.StatusEnded, time.Now().UTC().Format(time.RFC3339Nano),
		sessionID, store.StatusEnded)
	if err != nil {
		return store.Session{}, apperr.Wrap(apperr.CodeInternal, "end session", err)
	}
	return r.Get(sessionID)
}

func (r *SessionRepo) SetProvider(sessionID, provider string) (store.Session, error) {
	return r.update(sessionID, `UPDATE sessions SET provider = ?
		WHERE session_id = ? AND status != ?`, provider, sessionID, store.StatusEnded)
}

func (r *SessionRepo) SetModel(sessionID, model string) (store.Session, error) {
	return r.update(sessionID, `UPDATE sessions SET model = ?
		WHERE session_id = ? AND status != ?`, model, sessionID, store.StatusEnded)
}

func (r *SessionRepo) SetMCP(sessionID string, enabled bool, profileName string) (store.Session, error) {
	return r.update(sessionID, `UPDATE sessions SET mcp_enabled = ?, mcp_profile_name = ?
		WHERE session_id = ? AND status != ?`,
		boolToInt(enabled), profileName, sessionID, store.StatusEnded)
}

func (r *SessionRepo) SetSubagent(sessionID, name string) (store.Session, error) {
	return r.update(sessionID, `UPDATE sessions SET subagent_name = ?
		WHERE session_id = ? AND status != ?`, name, sessionID, store.StatusEnded)
}

// update runs a conditional UPDATE; zero rows means the session is either
// missing or ended, disambiguated by a follow-up read.
func (r *SessionRepo) update(sessionID, query string, args ...any) (store.Session, error) {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return store.Session{}, apperr.Wrap(apperr.CodeInternal, "update session", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		session, err := r.Get(sessionID)
		if err != nil {
			return store.Session{}, err
		}
		if session.Status == store.StatusEnded {
			return store.Session{}, apperr.Newf(apperr.CodeSessionEnded, "session %s has ended", sessionID)
		}
		return store.Session{}, apperr.Newf(apperr.CodeInternal, "session %s update applied no rows", sessionID)
	}
	return r.Get(sessionID)
}

func scanSession(row *sql.Row, sessionID string) (store.Session, error) {
	var s store.Session
	var mcpEnabled int
	var createdAt, endedAt string
	err := row.Scan(&s.ID, &s.GuildID, &s.RequesterID, &s.ChannelID, &s.Status,
		&s.Config.Provider, &s.Config.Model, &mcpEnabled, &s.Config.MCPProfileName,
		&s.Config.SubagentName, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, apperr.Newf(apperr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return store.Session{}, apperr.Wrap(apperr.CodeInternal, "scan session", err)
	}
	s.Config.MCPEnabled = mcpEnabled != 0
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if endedAt != "" {
		s.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
