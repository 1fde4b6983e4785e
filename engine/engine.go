// Package engine exposes the public single-step forward API plus the
// submit/cancel/shutdown surface, owning the Model, Arena, Pager and
// Scheduler wiring and the single background worker goroutine. The worker is
// the only caller of the attention kernels and the only mutator of
// Arena/Pager state once running; that single-writer discipline is what
// keeps handing raw block references to kernels safe without fine-grained
// locking.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pagedkv/engine/arena"
	"github.com/pagedkv/engine/config"
	"github.com/pagedkv/engine/eviction"
	"github.com/pagedkv/engine/kernel"
	"github.com/pagedkv/engine/model"
	"github.com/pagedkv/engine/pager"
	"github.com/pagedkv/engine/scheduler"
	"github.com/pagedkv/engine/stats"
)

// ErrShuttingDown is returned by Submit once Shutdown has been called.
var ErrShuttingDown = errors.New("engine: shutting down")

// ErrQueueFull is returned by Submit when the number of admitted-but-
// unfinished requests already reached Config.SubmitQueueHighWaterMark; the
// caller retries rather than blocking.
var ErrQueueFull = errors.New("engine: submission queue full")

// tickIdleSleep bounds how long the worker sleeps when no request is
// runnable before re-checking its queues.
const tickIdleSleep = time.Millisecond

// InferenceCache is the opaque per-request handle threaded through the
// forward calls: it carries the seq_id whose page table the forward pass
// reads. The scheduler assigns the seq_id at admission; the engine treats
// the handle as a token.
type InferenceCache struct {
	SeqID int
}

// Engine owns Model, Arena, Pager, Scheduler and Eviction wiring, plus the
// single worker goroutine driving them.
type Engine struct {
	cfg   config.Config
	model *model.Model
	rope  *kernel.RoPETable

	arena   *arena.Arena
	pager   *pager.Pager
	evictor *eviction.Policy
	sched   *scheduler.Scheduler
	sampler scheduler.Sampler

	collector *stats.Collector
	sem       *semaphore.Weighted
	log       *slog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	workAvailable bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	shuttingDown bool
}

// Option configures optional Engine construction parameters.
type Option func(*Engine)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an Engine: a fresh Arena sized from cfg.NumBlocks and the
// model's layer/head geometry, a Pager over that Arena, an LRU eviction
// policy, and a Scheduler wired to all three. sampler is the injected
// next-token function; detok may be nil to disable stop-string matching.
func New(cfg config.Config, m *model.Model, rope *kernel.RoPETable, sampler scheduler.Sampler, detok scheduler.Detokenizer, opts ...Option) *Engine {
	headLayer := m.Layers[0].Attn
	shape := arena.Shape{
		NumLayers:  len(m.Layers),
		BlockSize:  cfg.BlockSizeTokens,
		NumKVHeads: headLayer.NumKVHeads,
		HeadDim:    headLayer.HeadDim,
	}
	// SlidingWindowSize is one engine-wide knob; propagate it to every
	// layer so the decode dispatch can read it (kernel parameters carry no
	// reference back to Config).
	for _, block := range m.Layers {
		block.Attn.SlidingWindowSize = cfg.SlidingWindowSize
	}
	a := arena.New(cfg.NumBlocks, shape)
	p := pager.New(a, cfg.BlockSizeTokens)
	evictor := eviction.New()
	sched := scheduler.New(p, evictor, cfg, detok)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		model:     m,
		rope:      rope,
		arena:     a,
		pager:     p,
		evictor:   evictor,
		sched:     sched,
		sampler:   sampler,
		collector: stats.NewCollector(),
		sem:       semaphore.NewWeighted(int64(cfg.SubmitQueueHighWaterMark)),
		log:       slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.cond = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the background worker goroutine. Submit/Cancel/Stats may be
// called from any goroutine before or after Start.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Submit enqueues a new request. Thread-safe. Fails fast with ErrQueueFull
// once SubmitQueueHighWaterMark admitted-but-unfinished requests are
// outstanding; the semaphore weight is released by the request's terminal
// callback.
func (e *Engine) Submit(promptTokens []int, params scheduler.SamplingParams, cb scheduler.TokenCallback) (string, error) {
	e.mu.Lock()
	down := e.shuttingDown
	e.mu.Unlock()
	if down {
		return "", ErrShuttingDown
	}
	if !e.sem.TryAcquire(1) {
		return "", ErrQueueFull
	}

	var once sync.Once
	release := func() { once.Do(func() { e.sem.Release(1) }) }
	wrapped := func(tokenID int, finished bool, reason scheduler.StopReason) {
		if finished {
			release()
		}
		cb(tokenID, finished, reason)
	}

	id, err := e.sched.Submit(promptTokens, params, wrapped)
	if err != nil {
		release()
		return "", err
	}
	e.wake()
	return id, nil
}

// Cancel transitions requestID toward CANCELLED. A still-waiting request is
// dequeued synchronously; an executing one is finalized at the next tick
// boundary, after its in-flight token (if any) is delivered.
func (e *Engine) Cancel(requestID string) bool {
	ok := e.sched.Cancel(requestID)
	if ok {
		e.wake()
	}
	return ok
}

// ForwardPrefill runs one prefill pass over promptTokens for cache's
// sequence and returns logits for the last prompt token. It is the worker's
// dispatch primitive, not a generation loop: Pager/Arena mutation (reserving
// blocks for promptTokens) already happened at admission time in
// Scheduler.FormBatch, so this only reads Pager state via Model.Forward.
func (e *Engine) ForwardPrefill(promptTokens []int, cache *InferenceCache) ([]float32, error) {
	return e.model.Forward(promptTokens, &cache.SeqID, 0, e.pager, e.arena, e.rope)
}

// ForwardDecode runs a single decode step for lastToken against cache's
// sequence and returns logits for that position. The position to write
// lastToken's K/V at is cached_length-1: the scheduler already reserved
// this tick's slot before building the batch item that led here.
func (e *Engine) ForwardDecode(lastToken int, cache *InferenceCache) ([]float32, error) {
	cached, err := e.pager.CachedLength(cache.SeqID)
	if err != nil {
		return nil, err
	}
	return e.model.Forward([]int{lastToken}, &cache.SeqID, cached-1, e.pager, e.arena, e.rope)
}

// Shutdown drains the scheduler, cancels in-flight requests, and stops the
// worker. Idempotent.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.shuttingDown = true
		e.mu.Unlock()
		e.sched.CancelAll()
		e.wake()
		e.cancel()
		e.wg.Wait()
	})
}

// Stats returns a point-in-time counter snapshot.
func (e *Engine) Stats() stats.Snapshot {
	as := e.arena.Stats()
	ss := e.sched.Stats()
	return e.collector.Update(
		as.BlocksAllocated, as.BlocksFree, as.BlocksTotal,
		ss.ActiveRequests, ss.WaitingRequests, ss.DecodingRequests,
		ss.TokensGeneratedTotal, ss.PrefillTokensTotal, ss.PreemptionsTotal,
	)
}

// wake signals the worker's run-loop gate immediately instead of waiting
// out tickIdleSleep, used on Submit/Cancel/Shutdown so new work or a
// cancellation is picked up on the next scheduler tick rather than after a
// full idle sleep.
func (e *Engine) wake() {
	e.mu.Lock()
	e.workAvailable = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// waitForWork blocks on the cond gate until either wake() fires or
// tickIdleSleep elapses. sync.Cond has no built-in timed wait, so a
// one-shot timer broadcasts the same cond if nothing else does first.
func (e *Engine) waitForWork() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workAvailable || e.ctx.Err() != nil {
		e.workAvailable = false
		return
	}
	timer := time.AfterFunc(tickIdleSleep, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()
	e.cond.Wait()
	e.workAvailable = false
}

// run is the worker's tick loop: form a batch, dispatch it, repeat; sleep
// between ticks only when nothing is runnable.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		if e.ctx.Err() != nil {
			// One final batch formation flushes the cancellations
			// Shutdown's CancelAll marked on executing requests, so every
			// in-flight request still receives its terminal callback
			// before the worker exits.
			e.sched.FormBatch()
			return
		}
		batch := e.sched.FormBatch()
		if len(batch.Items) == 0 {
			e.waitForWork()
			continue
		}
		e.dispatch(batch)
	}
}

// dispatch runs one tick's batch items through the model and advances each
// request's state machine. A single request's forward failure fails only
// that request; the worker keeps servicing the rest.
func (e *Engine) dispatch(batch scheduler.Batch) {
	for _, item := range batch.Items {
		cache := &InferenceCache{SeqID: item.Req.SeqID}

		var logits []float32
		var err error
		if item.IsPrefill {
			logits, err = e.ForwardPrefill(item.Tokens, cache)
		} else {
			logits, err = e.ForwardDecode(item.Tokens[0], cache)
		}
		if err != nil {
			e.log.Error("forward failed", "request_id", item.Req.RequestID, "seq_id", item.Req.SeqID, "err", err)
			e.sched.Fail(item.Req)
			continue
		}

		token := e.sampler(logits, item.Req)
		e.sched.Advance(item.Req, token)
	}
}
