package turns

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/store"
)

const (
	// DefaultQueueCapacity bounds how many turns may wait for a worker.
	DefaultQueueCapacity = 256
	// DefaultWorkers is the pool size when the config leaves it unset.
	DefaultWorkers = 2
	// DefaultDrainTimeout is how long Stop waits for in-flight turns.
	DefaultDrainTimeout = 30 * time.Second
)

// PoolConfig wires the worker pool.
type PoolConfig struct {
	Capacity     int
	Workers      int
	DrainTimeout time.Duration

	Sessions store.SessionRepo
	Turns    store.TurnRepo
	Runs     *store.RunRegistry
	Engine   *Engine
}

// Pool runs accepted turns on a fixed set of workers fed by a bounded
// queue. Enqueue never blocks the caller; a full queue is an error.
type Pool struct {
	cfg   PoolConfig
	queue chan store.Turn

	mu       sync.Mutex
	draining bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a stopped pool; call Start before enqueueing.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultQueueCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Pool{cfg: cfg, queue: make(chan store.Turn, cfg.Capacity)}
}

// Start launches the workers. Cancelling ctx aborts in-flight turns.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	slog.Info("turns.pool_started", "workers", p.cfg.Workers, "capacity", p.cfg.Capacity)
}

// TryEnqueue hands a turn to the pool without blocking. A full queue
// yields QUEUE_FULL; a draining pool yields SHUTDOWN. The send happens
// under the mutex so Stop cannot close the queue mid-enqueue.
func (p *Pool) TryEnqueue(turn store.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return apperr.New(apperr.CodeShutdown, "service is shutting down, not accepting turns")
	}

	select {
	case p.queue <- turn:
		return nil
	default:
		return apperr.Transient(apperr.CodeQueueFull, "turn queue is full, retry shortly")
	}
}

// Depth reports how many turns are waiting for a worker.
func (p *Pool) Depth() int { return len(p.queue) }

// Stop drains the queue, waiting up to DrainTimeout for in-flight and
// queued turns; past the deadline remaining work is cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("turns.pool_drained")
	case <-time.After(p.cfg.DrainTimeout):
		slog.Warn("turns.pool_drain_timeout", "timeout", p.cfg.DrainTimeout)
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for turn := range p.queue {
		p.runTurn(turn)
	}
	slog.Debug("turns.worker_exit", "worker", id)
}

func (p *Pool) runTurn(turn store.Turn) {
	log := slog.With("session_id", turn.SessionID, "turn_id", turn.ID, "trace_id", turn.TraceID)

	session, err := p.cfg.Sessions.Get(turn.SessionID)
	if err != nil {
		p.finishFailed(turn, err, log)
		return
	}
	if session.Status == store.StatusEnded {
		p.finishFailed(turn, apperr.Newf(apperr.CodeSessionEnded,
			"session %s ended before the turn could run", turn.SessionID), log)
		return
	}

	if err := p.cfg.Turns.MarkRunning(turn.ID); err != nil {
		log.Error("turns.mark_running_failed", "error", err)
		return
	}

	runCtx, release, err := p.cfg.Runs.Acquire(p.baseCtx, turn.SessionID)
	if err != nil {
		p.finishFailed(turn, p.shutdownAware(err), log)
		return
	}
	// Re-check now that the run slot is held: an end racing the first read
	// either lands before this read or cancels runCtx via the registry.
	session, err = p.cfg.Sessions.Get(turn.SessionID)
	if err != nil {
		release()
		p.finishFailed(turn, err, log)
		return
	}
	if session.Status == store.StatusEnded {
		release()
		p.finishFailed(turn, apperr.Newf(apperr.CodeSessionEnded,
			"session %s ended before the turn could run", turn.SessionID), log)
		return
	}

	started := time.Now()
	err = p.cfg.Engine.Process(runCtx, turn, session.Config)
	release()

	if err != nil {
		p.finishFailed(turn, p.shutdownAware(err), log)
		return
	}
	if markErr := p.cfg.Turns.MarkDone(turn.ID, store.TurnCompleted, ""); markErr != nil {
		log.Error("turns.mark_done_failed", "error", markErr)
	}
	log.Info("turns.completed", "duration", time.Since(started))
}

// shutdownAware rewrites cancellations caused by pool shutdown so clients
// can tell service restarts apart from session-level cancellations.
func (p *Pool) shutdownAware(err error) error {
	if p.baseCtx.Err() != nil && apperr.Code(err) == apperr.CodeCancelled {
		return apperr.Wrap(apperr.CodeShutdown, "turn aborted by shutdown", err)
	}
	return err
}

func (p *Pool) finishFailed(turn store.Turn, err error, log *slog.Logger) {
	code := apperr.Code(err)
	log.Warn("turns.failed", "error_code", code, "error", err)
	if markErr := p.cfg.Turns.MarkDone(turn.ID, store.TurnFailed, code); markErr != nil {
		log.Error("turns.mark_done_failed", "error", markErr)
	}
	// Error events go out on a background context so publication survives
	// the cancelled run context.
	emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.cfg.Engine.EmitError(emitCtx, turn, err)
}
