package turns

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/events"
	"github.com/nextlevelbuilder/codial/internal/providers"
	"github.com/nextlevelbuilder/codial/internal/store"
)

type poolFixture struct {
	pool     *Pool
	sessions store.SessionRepo
	turns    store.TurnRepo
	sink     *captureSink
	bridge   *scriptedBridge
}

func newPoolFixture(t *testing.T, workers, capacity int, script func(providers.Request) (*providers.Response, error)) *poolFixture {
	t.Helper()
	bridge := &scriptedBridge{script: script}
	engine, sink, _ := newTestEngine(t, bridge, 0)

	sessions := store.NewMemorySessionRepo()
	turns := store.NewMemoryTurnRepo()
	pool := NewPool(PoolConfig{
		Capacity:     capacity,
		Workers:      workers,
		DrainTimeout: 2 * time.Second,
		Sessions:     sessions,
		Turns:        turns,
		Runs:         store.NewRunRegistry(),
		Engine:       engine,
	})
	return &poolFixture{pool: pool, sessions: sessions, turns: turns, sink: sink, bridge: bridge}
}

func (f *poolFixture) submit(t *testing.T, turnID string) store.Turn {
	t.Helper()
	session, err := f.sessions.Create("guild-1", "user-1", testSessionConfig())
	if err != nil {
		t.Fatal(err)
	}
	turn := store.Turn{
		ID:        turnID,
		SessionID: session.ID,
		UserID:    "user-1",
		Text:      "hello",
		TraceID:   "trace-" + turnID,
		Status:    store.TurnQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.turns.Create(turn); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.TryEnqueue(turn); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	return turn
}

func (f *poolFixture) waitDone(t *testing.T, turnID string) store.Turn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		turn, err := f.turns.Get(turnID)
		if err != nil {
			t.Fatal(err)
		}
		if turn.Status == store.TurnCompleted || turn.Status == store.TurnFailed {
			return turn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("turn %s never finished", turnID)
	return store.Turn{}
}

func TestPoolCompletesTurn(t *testing.T) {
	f := newPoolFixture(t, 1, 8, func(req providers.Request) (*providers.Response, error) {
		return finalResponse("hi"), nil
	})
	f.pool.Start(context.Background())
	defer f.pool.Stop()

	turn := f.submit(t, "t1")
	done := f.waitDone(t, turn.ID)

	if done.Status != store.TurnCompleted {
		t.Fatalf("status = %s (%s)", done.Status, done.ErrorCode)
	}
	if done.StartedAt.IsZero() || done.EndedAt.IsZero() {
		t.Errorf("timestamps not set: %+v", done)
	}
	got := f.sink.types(turn.ID)
	if len(got) == 0 || got[0] != events.TypePlan || got[len(got)-1] != events.TypeFinal {
		t.Errorf("event types = %v", got)
	}
}

func TestPoolQueueFull(t *testing.T) {
	// Never started: nothing dequeues.
	f := newPoolFixture(t, 1, 1, func(req providers.Request) (*providers.Response, error) {
		return finalResponse("hi"), nil
	})

	session, err := f.sessions.Create("guild-1", "user-1", testSessionConfig())
	if err != nil {
		t.Fatal(err)
	}
	first := store.Turn{ID: "q1", SessionID: session.ID}
	second := store.Turn{ID: "q2", SessionID: session.ID}

	if err := f.pool.TryEnqueue(first); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err = f.pool.TryEnqueue(second)
	if apperr.Code(err) != apperr.CodeQueueFull {
		t.Fatalf("err = %v", err)
	}
	if !apperr.IsRetryable(err) {
		t.Error("queue full must be retryable")
	}
}

func TestPoolFailsTurnOnEndedSession(t *testing.T) {
	f := newPoolFixture(t, 1, 8, func(req providers.Request) (*providers.Response, error) {
		return finalResponse("hi"), nil
	})

	session, err := f.sessions.Create("guild-1", "user-1", testSessionConfig())
	if err != nil {
		t.Fatal(err)
	}
	turn := store.Turn{ID: "t-ended", SessionID: session.ID, TraceID: "trace-x"}
	if err := f.turns.Create(turn); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.TryEnqueue(turn); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sessions.End(session.ID); err != nil {
		t.Fatal(err)
	}

	f.pool.Start(context.Background())
	defer f.pool.Stop()

	done := f.waitDone(t, turn.ID)
	if done.Status != store.TurnFailed || done.ErrorCode != apperr.CodeSessionEnded {
		t.Fatalf("turn = %+v", done)
	}
	errs := f.sink.payloads(turn.ID, events.TypeError)
	if len(errs) != 1 || errs[0]["error_code"] != apperr.CodeSessionEnded {
		t.Errorf("error events = %v", errs)
	}
}

func TestPoolRecordsEngineFailure(t *testing.T) {
	f := newPoolFixture(t, 1, 8, func(req providers.Request) (*providers.Response, error) {
		return nil, apperr.New(apperr.CodeBridgeProtocol, "bad payload")
	})
	f.pool.Start(context.Background())
	defer f.pool.Stop()

	turn := f.submit(t, "t-fail")
	done := f.waitDone(t, turn.ID)

	if done.Status != store.TurnFailed || done.ErrorCode != apperr.CodeBridgeProtocol {
		t.Fatalf("turn = %+v", done)
	}
	if len(f.sink.payloads(turn.ID, events.TypeError)) != 1 {
		t.Error("missing error event")
	}
}

func TestPoolInterleavedTurnsKeepOrder(t *testing.T) {
	f := newPoolFixture(t, 2, 8, func(req providers.Request) (*providers.Response, error) {
		if req.ToolCallRound == 0 {
			time.Sleep(20 * time.Millisecond)
			return toolResponse("glob", map[string]any{"pattern": "*.md"}), nil
		}
		return finalResponse("done"), nil
	})
	f.pool.Start(context.Background())
	defer f.pool.Stop()

	a := f.submit(t, "ta")
	b := f.submit(t, "tb")

	for _, turn := range []store.Turn{a, b} {
		done := f.waitDone(t, turn.ID)
		if done.Status != store.TurnCompleted {
			t.Fatalf("turn %s = %+v", turn.ID, done)
		}
		got := f.sink.types(turn.ID)
		if got[0] != events.TypePlan {
			t.Errorf("turn %s first event = %s", turn.ID, got[0])
		}
		if got[len(got)-1] != events.TypeFinal {
			t.Errorf("turn %s last event = %s", turn.ID, got[len(got)-1])
		}
		finals := 0
		for _, typ := range got {
			if typ == events.TypeFinal {
				finals++
			}
		}
		if finals != 1 {
			t.Errorf("turn %s finals = %d", turn.ID, finals)
		}
	}
}

func TestPoolStopDrainsAndRejects(t *testing.T) {
	f := newPoolFixture(t, 1, 8, func(req providers.Request) (*providers.Response, error) {
		time.Sleep(30 * time.Millisecond)
		return finalResponse("slow"), nil
	})
	f.pool.Start(context.Background())

	turn := f.submit(t, "t-drain")
	f.pool.Stop()

	done, err := f.turns.Get(turn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != store.TurnCompleted {
		t.Fatalf("queued turn not drained: %+v", done)
	}

	err = f.pool.TryEnqueue(store.Turn{ID: "late", SessionID: turn.SessionID})
	if apperr.Code(err) != apperr.CodeShutdown {
		t.Fatalf("err = %v", err)
	}
}

// endAfterGetRepo ends the session right after its first status read,
// landing the end in the window before the worker holds the run slot.
type endAfterGetRepo struct {
	store.SessionRepo
	mu    sync.Mutex
	fired bool
}

func (r *endAfterGetRepo) Get(id string) (store.Session, error) {
	session, err := r.SessionRepo.Get(id)
	r.mu.Lock()
	fire := err == nil && !r.fired
	if fire {
		r.fired = true
	}
	r.mu.Unlock()
	if fire {
		if _, endErr := r.SessionRepo.End(id); endErr != nil {
			return store.Session{}, endErr
		}
	}
	return session, err
}

func TestPoolRechecksSessionAfterAcquire(t *testing.T) {
	bridge := &scriptedBridge{script: func(req providers.Request) (*providers.Response, error) {
		return finalResponse("must never run"), nil
	}}
	engine, sink, _ := newTestEngine(t, bridge, 0)

	sessions := &endAfterGetRepo{SessionRepo: store.NewMemorySessionRepo()}
	turns := store.NewMemoryTurnRepo()
	pool := NewPool(PoolConfig{
		Capacity:     8,
		Workers:      1,
		DrainTimeout: 2 * time.Second,
		Sessions:     sessions,
		Turns:        turns,
		Runs:         store.NewRunRegistry(),
		Engine:       engine,
	})
	f := &poolFixture{pool: pool, sessions: sessions, turns: turns, sink: sink, bridge: bridge}
	f.pool.Start(context.Background())
	defer f.pool.Stop()

	turn := f.submit(t, "t-race")
	done := f.waitDone(t, turn.ID)

	if done.Status != store.TurnFailed || done.ErrorCode != apperr.CodeSessionEnded {
		t.Fatalf("turn = %+v", done)
	}
	if n := bridge.callCount(); n != 0 {
		t.Errorf("bridge called %d times on an ended session", n)
	}
}

func TestPoolStopDuringEnqueueBursts(t *testing.T) {
	f := newPoolFixture(t, 2, 4, func(req providers.Request) (*providers.Response, error) {
		return finalResponse("ok"), nil
	})
	f.pool.Start(context.Background())

	session, err := f.sessions.Create("guild-1", "user-1", testSessionConfig())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; ; j++ {
				turn := store.Turn{ID: fmt.Sprintf("t-%d-%d", n, j), SessionID: session.ID}
				if apperr.Code(f.pool.TryEnqueue(turn)) == apperr.CodeShutdown {
					return
				}
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	f.pool.Stop()
	wg.Wait()

	err = f.pool.TryEnqueue(store.Turn{ID: "late", SessionID: session.ID})
	if apperr.Code(err) != apperr.CodeShutdown {
		t.Fatalf("post-stop enqueue = %v", err)
	}
}

func TestPoolCancelAbortsInFlightTurn(t *testing.T) {
	f := newPoolFixture(t, 1, 8, func(req providers.Request) (*providers.Response, error) {
		time.Sleep(500 * time.Millisecond)
		return finalResponse("slow"), nil
	})
	runs := f.pool.cfg.Runs
	f.pool.Start(context.Background())
	defer f.pool.Stop()

	turn := f.submit(t, "t-cancel")
	// Let the worker pick it up, then cancel the session's run slot the
	// way session end does.
	time.Sleep(50 * time.Millisecond)
	runs.Cancel(turn.SessionID)

	done := f.waitDone(t, turn.ID)
	if done.Status != store.TurnFailed || done.ErrorCode != apperr.CodeCancelled {
		t.Fatalf("turn = %+v", done)
	}
}
