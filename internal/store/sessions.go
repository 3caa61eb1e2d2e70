// Package store holds the storage ports for sessions, turns, and
// idempotency records, plus their in-memory implementations.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

// Session status values.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// SessionConfig is the per-session generation configuration. Defaults come
// from AGENTS.md at create time; after that the session owns its config.
type SessionConfig struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	MCPEnabled     bool   `json:"mcp_enabled"`
	MCPProfileName string `json:"mcp_profile_name,omitempty"`
	SubagentName   string `json:"subagent_name,omitempty"`
}

// Session is one agent session bound to a Discord channel.
type Session struct {
	ID          string        `json:"session_id"`
	GuildID     string        `json:"guild_id"`
	RequesterID string        `json:"requester_id"`
	ChannelID   string        `json:"channel_id,omitempty"`
	Status      string        `json:"status"`
	Config      SessionConfig `json:"config"`
	CreatedAt   time.Time     `json:"created_at"`
	EndedAt     time.Time     `json:"ended_at,omitzero"`
}

// SessionRepo is the session storage port. Implementations serialize
// mutations per session and reject writes to ended sessions.
type SessionRepo interface {
	Create(guildID, requesterID string, cfg SessionConfig) (Session, error)
	Get(sessionID string) (Session, error)
	BindChannel(sessionID, channelID string) (Session, error)
	// End transitions active → ended. Ending an ended session is a no-op.
	End(sessionID string) (Session, error)
	SetProvider(sessionID, provider string) (Session, error)
	SetModel(sessionID, model string) (Session, error)
	SetMCP(sessionID string, enabled bool, profileName string) (Session, error)
	SetSubagent(sessionID, name string) (Session, error)
}

type sessionEntry struct {
	mu      sync.Mutex
	session Session
}

// MemorySessionRepo is the in-process SessionRepo. A coarse map lock
// guards insert/lookup; a per-session mutex serializes mutations.
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewMemorySessionRepo creates an empty repo.
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{sessions: make(map[string]*sessionEntry)}
}

func (r *MemorySessionRepo) Create(guildID, requesterID string, cfg SessionConfig) (Session, error) {
	session := Session{
		ID:          uuid.NewString(),
		GuildID:     guildID,
		RequesterID: requesterID,
		Status:      StatusActive,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[session.ID] = &sessionEntry{session: session}
	r.mu.Unlock()
	return session, nil
}

func (r *MemorySessionRepo) Get(sessionID string) (Session, error) {
	entry, err := r.entry(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session, nil
}

func (r *MemorySessionRepo) BindChannel(sessionID, channelID string) (Session, error) {
	return r.mutate(sessionID, func(s *Session) {
		s.ChannelID = channelID
	})
}

func (r *MemorySessionRepo) End(sessionID string) (Session, error) {
	entry, err := r.entry(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Status != StatusEnded {
		entry.session.Status = StatusEnded
		entry.session.EndedAt = time.Now().UTC()
	}
	return entry.session, nil
}

func (r *MemorySessionRepo) SetProvider(sessionID, provider string) (Session, error) {
	return r.mutate(sessionID, func(s *Session) {
		s.Config.Provider = provider
	})
}

func (r *MemorySessionRepo) SetModel(sessionID, model string) (Session, error) {
	return r.mutate(sessionID, func(s *Session) {
		s.Config.Model = model
	})
}

func (r *MemorySessionRepo) SetMCP(sessionID string, enabled bool, profileName string) (Session, error) {
	return r.mutate(sessionID, func(s *Session) {
		s.Config.MCPEnabled = enabled
		s.Config.MCPProfileName = profileName
	})
}

func (r *MemorySessionRepo) SetSubagent(sessionID, name string) (Session, error) {
	return r.mutate(sessionID, func(s *Session) {
		s.Config.SubagentName = name
	})
}

func (r *MemorySessionRepo) entry(sessionID string) (*sessionEntry, error) {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	return entry, nil
}

// mutate applies fn under the per-session lock, rejecting ended sessions.
func (r *MemorySessionRepo) mutate(sessionID string, fn func(*Session)) (Session, error) {
	entry, err := r.entry(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Status == StatusEnded {
		return Session{}, apperr.Newf(apperr.CodeSessionEnded, "session %s has ended", sessionID)
	}
	fn(&entry.session)
	return entry.session, nil
}
