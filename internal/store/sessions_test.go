package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

func newActiveSession(t *testing.T, repo *MemorySessionRepo) Session {
	t.Helper()
	s, err := repo.Create("g1", "u1", SessionConfig{
		Provider: "github-copilot-sdk",
		Model:    "gpt-5",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	repo := NewMemorySessionRepo()
	s := newActiveSession(t, repo)

	if s.Status != StatusActive || s.ID == "" {
		t.Fatalf("session = %+v", s)
	}

	s, err := repo.BindChannel(s.ID, "chan-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.ChannelID != "chan-1" {
		t.Errorf("channel = %q", s.ChannelID)
	}

	s, err = repo.End(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusEnded || s.EndedAt.IsZero() {
		t.Errorf("ended session = %+v", s)
	}

	// End is idempotent and keeps the original timestamp.
	first := s.EndedAt
	s, err = repo.End(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !s.EndedAt.Equal(first) {
		t.Error("second End must not move ended_at")
	}
}

func TestEndedSessionRejectsWrites(t *testing.T) {
	repo := NewMemorySessionRepo()
	s := newActiveSession(t, repo)
	if _, err := repo.End(s.ID); err != nil {
		t.Fatal(err)
	}

	writes := map[string]func() error{
		"provider": func() error { _, err := repo.SetProvider(s.ID, "x"); return err },
		"model":    func() error { _, err := repo.SetModel(s.ID, "x"); return err },
		"mcp":      func() error { _, err := repo.SetMCP(s.ID, true, "p"); return err },
		"subagent": func() error { _, err := repo.SetSubagent(s.ID, "x"); return err },
		"channel":  func() error { _, err := repo.BindChannel(s.ID, "c"); return err },
	}
	for name, write := range writes {
		if err := write(); apperr.Code(err) != apperr.CodeSessionEnded {
			t.Errorf("%s write on ended session: code = %v", name, apperr.Code(err))
		}
	}

	// Reads still work on ended sessions.
	if _, err := repo.Get(s.ID); err != nil {
		t.Errorf("Get on ended session: %v", err)
	}
}

func TestUnknownSession(t *testing.T) {
	repo := NewMemorySessionRepo()
	if _, err := repo.Get("nope"); apperr.Code(err) != apperr.CodeSessionNotFound {
		t.Errorf("code = %v, want SESSION_NOT_FOUND", apperr.Code(err))
	}
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	repo := NewMemorySessionRepo()
	s := newActiveSession(t, repo)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.SetModel(s.ID, "m"); err != nil {
				t.Errorf("SetModel: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := repo.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Config.Model != "m" {
		t.Errorf("model = %q", got.Config.Model)
	}
}

func TestRunRegistrySerializesPerSession(t *testing.T) {
	reg := NewRunRegistry()

	ctx1, release1, err := reg.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	_ = ctx1

	// A second acquire on the same session blocks until release.
	acquired := make(chan struct{})
	go func() {
		_, release2, err := reg.Acquire(context.Background(), "s1")
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait for the first release")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded")
	}

	// A different session is independent.
	_, releaseOther, err := reg.Acquire(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	releaseOther()
}

func TestRunRegistryCancelAbortsInFlight(t *testing.T) {
	reg := NewRunRegistry()

	runCtx, release, err := reg.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	reg.Cancel("s1")
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("Cancel must abort the run context")
	}
}

func TestRunRegistryPrunesIdleSessions(t *testing.T) {
	reg := NewRunRegistry()
	states := func() int {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.states)
	}

	_, release, err := reg.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got := states(); got != 1 {
		t.Fatalf("states while held = %d", got)
	}
	release()
	if got := states(); got != 0 {
		t.Errorf("states after release = %d", got)
	}

	// An abandoned wait also drops its entry.
	_, release, err = reg.Acquire(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := reg.Acquire(ctx, "s2"); err == nil {
		t.Fatal("Acquire must fail when the wait is cancelled")
	}
	release()
	if got := states(); got != 0 {
		t.Errorf("states after cancelled wait = %d", got)
	}

	// Pruning does not break later reuse of the same session.
	_, release, err = reg.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	release()
}
