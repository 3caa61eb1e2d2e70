package store

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/providers"
)

// Turn status values.
const (
	TurnQueued    = "queued"
	TurnRunning   = "running"
	TurnCompleted = "completed"
	TurnFailed    = "failed"
)

// Turn is one accepted user request inside a session. It is owned by the
// store while queued and by the executing worker while running.
type Turn struct {
	ID             string                 `json:"turn_id"`
	SessionID      string                 `json:"session_id"`
	UserID         string                 `json:"user_id"`
	ChannelID      string                 `json:"channel_id,omitempty"`
	Text           string                 `json:"text"`
	Attachments    []providers.Attachment `json:"attachments,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	TraceID        string                 `json:"trace_id"`
	Status         string                 `json:"status"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      time.Time              `json:"started_at,omitzero"`
	EndedAt        time.Time              `json:"ended_at,omitzero"`
}

// TurnRepo tracks turn records through their lifecycle.
type TurnRepo interface {
	Create(turn Turn) error
	Get(turnID string) (Turn, error)
	MarkRunning(turnID string) error
	// MarkDone sets the terminal status; errorCode is empty on success.
	MarkDone(turnID, status, errorCode string) error
}

// MemoryTurnRepo is the in-process TurnRepo.
type MemoryTurnRepo struct {
	mu    sync.RWMutex
	turns map[string]*Turn
}

// NewMemoryTurnRepo creates an empty repo.
func NewMemoryTurnRepo() *MemoryTurnRepo {
	return &MemoryTurnRepo{turns: make(map[string]*Turn)}
}

func (r *MemoryTurnRepo) Create(turn Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := turn
	r.turns[turn.ID] = &copied
	return nil
}

func (r *MemoryTurnRepo) Get(turnID string) (Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.turns[turnID]; ok {
		return *t, nil
	}
	return Turn{}, apperr.Newf(apperr.CodeSessionNotFound, "turn %s not found", turnID)
}

func (r *MemoryTurnRepo) MarkRunning(turnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[turnID]
	if !ok {
		return apperr.Newf(apperr.CodeSessionNotFound, "turn %s not found", turnID)
	}
	t.Status = TurnRunning
	t.StartedAt = time.Now().UTC()
	return nil
}

func (r *MemoryTurnRepo) MarkDone(turnID, status, errorCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[turnID]
	if !ok {
		return apperr.Newf(apperr.CodeSessionNotFound, "turn %s not found", turnID)
	}
	t.Status = status
	t.ErrorCode = errorCode
	t.EndedAt = time.Now().UTC()
	return nil
}
