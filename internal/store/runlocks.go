package store

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

type runState struct {
	sem    chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	refs   int // holders (waiting or running); state is pruned at zero
}

// RunRegistry serializes turn execution per session and lets session end
// cancel the in-flight turn. One session never runs two turns at once.
type RunRegistry struct {
	mu     sync.Mutex
	states map[string]*runState
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{states: make(map[string]*runState)}
}

// Acquire blocks until the session's run slot is free, then returns a
// cancellable context for the turn and a release function. Cancel on the
// same session aborts the returned context.
func (r *RunRegistry) Acquire(ctx context.Context, sessionID string) (context.Context, func(), error) {
	state := r.retain(sessionID)

	select {
	case state.sem <- struct{}{}:
	case <-ctx.Done():
		r.unretain(sessionID, state)
		return nil, nil, apperr.Wrap(apperr.CodeCancelled, "waiting for session run slot", ctx.Err())
	}

	runCtx, cancel := context.WithCancel(ctx)
	state.mu.Lock()
	state.cancel = cancel
	state.mu.Unlock()

	release := func() {
		state.mu.Lock()
		state.cancel = nil
		state.mu.Unlock()
		cancel()
		<-state.sem
		r.unretain(sessionID, state)
	}
	return runCtx, release, nil
}

// Cancel aborts the session's in-flight turn, if any.
func (r *RunRegistry) Cancel(sessionID string) {
	r.mu.Lock()
	state, ok := r.states[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	cancel := state.cancel
	state.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *RunRegistry) retain(sessionID string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[sessionID]
	if !ok {
		state = &runState{sem: make(chan struct{}, 1)}
		r.states[sessionID] = state
	}
	state.refs++
	return state
}

func (r *RunRegistry) unretain(sessionID string, state *runState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state.refs--
	if state.refs == 0 {
		delete(r.states, sessionID)
	}
}
