package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	idx := NewIdempotencyIndex(time.Minute)

	var calls int32
	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "first", nil
	}

	resp, cached, err := idx.Do(ScopeSessionCreate, "k1", fn)
	if err != nil || cached || resp != "first" {
		t.Fatalf("first call: resp=%v cached=%v err=%v", resp, cached, err)
	}

	resp, cached, err = idx.Do(ScopeSessionCreate, "k1", fn)
	if err != nil || !cached || resp != "first" {
		t.Fatalf("repeat call: resp=%v cached=%v err=%v", resp, cached, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
}

func TestIdempotencyScopesAreIndependent(t *testing.T) {
	idx := NewIdempotencyIndex(time.Minute)

	idx.Do(ScopeSessionCreate, "k", func() (any, error) { return "session", nil })
	resp, cached, _ := idx.Do(ScopeTurnSubmit, "k", func() (any, error) { return "turn", nil })
	if cached || resp != "turn" {
		t.Errorf("same key in other scope must not hit: resp=%v cached=%v", resp, cached)
	}
}

func TestIdempotencyDoesNotCacheFailures(t *testing.T) {
	idx := NewIdempotencyIndex(time.Minute)

	boom := errors.New("boom")
	if _, _, err := idx.Do(ScopeTurnSubmit, "k", func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	resp, cached, err := idx.Do(ScopeTurnSubmit, "k", func() (any, error) { return "ok", nil })
	if err != nil || cached || resp != "ok" {
		t.Errorf("failure must not be cached: resp=%v cached=%v err=%v", resp, cached, err)
	}
}

func TestIdempotencyExpiry(t *testing.T) {
	idx := NewIdempotencyIndex(time.Minute)
	now := time.Now()
	idx.nowFn = func() time.Time { return now }

	idx.Do(ScopeSessionCreate, "k", func() (any, error) { return "v1", nil })

	now = now.Add(2 * time.Minute)
	resp, cached, _ := idx.Do(ScopeSessionCreate, "k", func() (any, error) { return "v2", nil })
	if cached || resp != "v2" {
		t.Errorf("expired record served: resp=%v cached=%v", resp, cached)
	}
}

func TestIdempotencyCollapsesConcurrentDuplicates(t *testing.T) {
	idx := NewIdempotencyIndex(time.Minute)

	var calls int32
	start := make(chan struct{})
	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "winner", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			resp, _, err := idx.Do(ScopeTurnSubmit, "dup", fn)
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[n] = resp
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn ran %d times, want 1", got)
	}
	for _, resp := range results {
		if resp != "winner" {
			t.Errorf("result = %v", resp)
		}
	}
}

func TestIdempotencyEmptyKeyBypasses(t *testing.T) {
	idx := NewIdempotencyIndex(time.Minute)

	var calls int32
	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "x", nil
	}
	idx.Do(ScopeTurnSubmit, "", fn)
	idx.Do(ScopeTurnSubmit, "", fn)
	if calls != 2 {
		t.Errorf("empty key must not dedupe: calls = %d", calls)
	}
}
