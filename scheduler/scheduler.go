// Package scheduler implements continuous-batching orchestration: the
// request state machine, the waiting-prefill and active-decode FIFO queues,
// admission and preemption over a fixed block pool, and in-order token
// callback delivery. Batch formation walks the decode queue round-robin,
// starting each tick one entry after the previous tick's starting point, so a
// later sequence is never starved behind an always-ready earlier one.
package scheduler

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pagedkv/engine/config"
	"github.com/pagedkv/engine/eviction"
	"github.com/pagedkv/engine/pager"
)

// ErrInvalidRequest marks a bad submission (empty prompt, missing callback),
// checked synchronously at Submit time.
var ErrInvalidRequest = errors.New("scheduler: invalid request")

// State is one position in the request lifecycle.
type State int

const (
	StateWaiting State = iota
	StatePrefilling
	StateDecoding
	StatePreempted
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StatePreempted:
		return "preempted"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StopReason is the advisory reason attached to a request's final callback.
type StopReason string

const (
	StopNone       StopReason = ""
	StopEOS        StopReason = "eos"
	StopLength     StopReason = "length"
	StopString     StopReason = "stop"
	StopCancelled  StopReason = "cancelled"
	StopCapacity   StopReason = "capacity"
	StopError      StopReason = "error"
	StopRequestErr StopReason = "invalid"
)

// SamplingParams configures one request's generation.
type SamplingParams struct {
	MaxTokens   int
	StopTokens  []int
	StopStrings []string

	// AllowTruncation permits an over-long prompt to be admitted truncated
	// instead of completing immediately with a length stop: the first
	// NumKeep tokens are kept, the middle is discarded, and the most recent
	// tokens fill the rest of the context window.
	AllowTruncation bool
	NumKeep         int
}

// TokenCallback is invoked once per generated token, strictly in generation
// order per request. The call that closes out the request has finished=true:
// when the request stops on a generated token, that token is delivered in
// this same final call; when it ends without a new token (cancelled while
// queued or between ticks, capacity or forward failure), the final call
// carries tokenID 0. A partial stream is always terminated by a final
// finished=true call.
type TokenCallback func(tokenID int, finished bool, stopReason StopReason)

// Sampler picks the next token from a logits vector. Injected by the caller;
// context is the owning Request.
type Sampler func(logits []float32, req *Request) int

// Detokenizer renders a single generated token id to text, used only for
// stop-string matching; nil disables it.
type Detokenizer func(tokenID int) string

// Request is the scheduler-facing view of a sequence.
type Request struct {
	RequestID       string
	SeqID           int
	PromptTokens    []int
	GeneratedTokens []int
	Params          SamplingParams
	State           State
	StopReason      StopReason
	Callback        TokenCallback

	cancelRequested bool
	stopBuf         string
}

// Scheduler owns the admission queues and request registry. It is driven by
// a single worker goroutine: FormBatch and Advance/Fail are not safe for
// concurrent use; Submit, Cancel and Stats may be called from any goroutine.
type Scheduler struct {
	mu sync.Mutex

	pager   *pager.Pager
	evictor *eviction.Policy
	cfg     config.Config
	detok   Detokenizer

	waitingPrefill []*Request
	activeDecode   []*Request
	registry       map[string]*Request
	nextDecodeIdx  int
	tick           uint64

	activeRequests       atomic.Int64
	waitingRequests      atomic.Int64
	decodingRequests     atomic.Int64
	tokensGeneratedTotal atomic.Uint64
	prefillTokensTotal   atomic.Uint64
	preemptionsTotal     atomic.Uint64
}

// New builds a Scheduler over the given Pager/Policy/Config. detok may be
// nil, which disables stop-string matching.
func New(p *pager.Pager, evictor *eviction.Policy, cfg config.Config, detok Detokenizer) *Scheduler {
	return &Scheduler{
		pager:    p,
		evictor:  evictor,
		cfg:      cfg,
		detok:    detok,
		registry: make(map[string]*Request),
	}
}

// Submit enqueues a new request in WAITING state and returns its request_id.
func (s *Scheduler) Submit(promptTokens []int, params SamplingParams, cb TokenCallback) (string, error) {
	if len(promptTokens) == 0 || cb == nil {
		return "", ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req := &Request{
		RequestID:    uuid.NewString(),
		SeqID:        -1,
		PromptTokens: append([]int(nil), promptTokens...),
		Params:       params,
		State:        StateWaiting,
		Callback:     cb,
	}
	s.waitingPrefill = append(s.waitingPrefill, req)
	s.registry[req.RequestID] = req
	s.activeRequests.Add(1)
	s.waitingRequests.Add(1)
	return req.RequestID, nil
}

// Cancel transitions requestID to CANCELLED. WAITING and PREEMPTED requests
// are dequeued and finalized synchronously; PREFILLING/DECODING requests are
// marked and finalized at the next tick boundary, after any in-flight token
// is delivered.
func (s *Scheduler) Cancel(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.registry[requestID]
	if !ok {
		return false
	}

	switch req.State {
	case StateWaiting, StatePreempted:
		for i, r := range s.waitingPrefill {
			if r == req {
				s.waitingPrefill = append(s.waitingPrefill[:i], s.waitingPrefill[i+1:]...)
				break
			}
		}
		s.finalize(req, StateCancelled, StopCancelled)
		req.Callback(0, true, StopCancelled)
		return true
	case StatePrefilling, StateDecoding:
		req.cancelRequested = true
		return true
	default:
		return false
	}
}

// CancelAll marks every request not already in a terminal state as
// cancelled. WAITING/PREEMPTED requests finalize synchronously, like Cancel;
// PREFILLING/DECODING requests finalize at the worker's next tick.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.registry))
	for id := range s.registry {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(id)
	}
}

// Batch is one tick's dispatch plan: prefill items first, then decode items.
type Batch struct {
	Items []BatchItem
}

// BatchItem is one request's contribution to the current tick.
type BatchItem struct {
	Req           *Request
	IsPrefill     bool
	Tokens        []int
	StartPosition int
}

// FormBatch selects this tick's work. Config.DecodePriority decides which
// queue gets first claim on TotalTokenBudget; regardless of draining order,
// the returned Batch always lists prefill items before decode items, which
// is the order the worker issues them in.
func (s *Scheduler) FormBatch() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++

	totalBudget := s.cfg.TotalTokenBudget
	selected := make(map[int]bool)

	var decodeItems, prefillItems []BatchItem
	if s.cfg.DecodePriority {
		decodeItems, totalBudget = s.drainDecode(totalBudget, selected)
		prefillItems, _ = s.drainPrefill(totalBudget, selected, len(decodeItems))
	} else {
		prefillItems, totalBudget = s.drainPrefill(totalBudget, selected, 0)
		decodeItems, _ = s.drainDecode(totalBudget, selected)
	}

	items := make([]BatchItem, 0, len(prefillItems)+len(decodeItems))
	items = append(items, prefillItems...)
	items = append(items, decodeItems...)
	return Batch{Items: items}
}

// drainDecode pulls from active_decode until MaxDecodeTokens or totalBudget
// is exhausted, triggering preemption on block pressure. Caller holds s.mu.
func (s *Scheduler) drainDecode(totalBudget int, selected map[int]bool) ([]BatchItem, int) {
	var items []BatchItem
	decodeTokenBudget := s.cfg.MaxDecodeTokens

	// Iterate a snapshot rather than s.activeDecode directly: preempt() may
	// flip a not-yet-visited entry's state mid-loop (when it is chosen as a
	// victim for an earlier entry's block pressure), and a request preempted
	// either before or after its own turn in this loop must end up excluded
	// from the rebuilt queue either way. The State check below and the final
	// filter pass both enforce that regardless of visit order.
	snapshot := append([]*Request(nil), s.activeDecode...)
	n := len(snapshot)
	if n > 0 {
		start := s.nextDecodeIdx % n
		for i := 0; i < n; i++ {
			req := snapshot[(start+i)%n]
			if req.State != StateDecoding {
				continue
			}
			if req.cancelRequested {
				s.finalize(req, StateCancelled, StopCancelled)
				req.Callback(0, true, StopCancelled)
				continue
			}
			if decodeTokenBudget <= 0 || totalBudget <= 0 {
				continue
			}

			if err := s.pager.AppendTokens(req.SeqID, 1); err != nil {
				if !errors.Is(err, pager.ErrMaxPosition) && s.preempt(req.SeqID, selected) {
					err = s.pager.AppendTokens(req.SeqID, 1)
				}
				if err != nil {
					stop := StopCapacity
					if errors.Is(err, pager.ErrMaxPosition) {
						stop = StopLength
					}
					s.finalize(req, StateFailed, stop)
					req.Callback(0, true, stop)
					continue
				}
			}

			cached, err := s.pager.CachedLength(req.SeqID)
			if err != nil {
				s.finalize(req, StateFailed, StopError)
				req.Callback(0, true, StopError)
				continue
			}
			last := req.GeneratedTokens[len(req.GeneratedTokens)-1]
			s.evictor.Touch(req.SeqID, s.tick)
			items = append(items, BatchItem{Req: req, Tokens: []int{last}, StartPosition: cached - 1})
			selected[req.SeqID] = true
			decodeTokenBudget--
			totalBudget--
		}
		s.nextDecodeIdx = (start + 1) % n
	}
	// The rebuilt queue keeps the snapshot's order, so advancing the start
	// index by one per tick rotates the first-served entry through the queue.
	filtered := snapshot[:0]
	for _, req := range snapshot {
		if req.State == StateDecoding {
			filtered = append(filtered, req)
		}
	}
	s.activeDecode = filtered

	return items, totalBudget
}

// drainPrefill admits from waiting_prefill while MaxPrefillTokens,
// MaxBatchRequests and totalBudget allow, triggering preemption on block
// pressure. alreadyBatched is the count of sequences the other queue already
// committed to this tick, so MaxBatchRequests bounds the combined per-tick
// sequence count regardless of which queue was drained first. Caller holds
// s.mu.
func (s *Scheduler) drainPrefill(totalBudget int, selected map[int]bool, alreadyBatched int) ([]BatchItem, int) {
	var items []BatchItem
	var prefillTokens int
admit:
	for len(s.waitingPrefill) > 0 && alreadyBatched+len(items) < s.cfg.MaxBatchRequests && totalBudget > 0 {
		req := s.waitingPrefill[0]

		if req.cancelRequested {
			s.waitingPrefill = s.waitingPrefill[1:]
			s.finalize(req, StateCancelled, StopCancelled)
			req.Callback(0, true, StopCancelled)
			continue
		}

		// A request re-entering here after preempt() carries its prior
		// GeneratedTokens forward (SeqID reset to -1); replaying
		// prompt+generated as one prefill pass rebuilds the KV for every
		// position it already committed before eviction, so the decode step
		// that follows predicts the same next token it would have without
		// the preemption, instead of restarting from an empty generation
		// history.
		contextTokens := req.PromptTokens
		if len(req.GeneratedTokens) > 0 {
			contextTokens = append(append([]int(nil), req.PromptTokens...), req.GeneratedTokens...)
		}
		promptLen := len(contextTokens)
		if promptLen > s.cfg.MaxContextTokens {
			if !req.Params.AllowTruncation {
				s.waitingPrefill = s.waitingPrefill[1:]
				s.finalize(req, StateCompleted, StopLength)
				req.Callback(0, true, StopLength)
				continue
			}
			req.PromptTokens = truncatePrompt(req.PromptTokens, req.Params.NumKeep, s.cfg.MaxContextTokens)
			contextTokens = req.PromptTokens
			promptLen = len(contextTokens)
		}
		if prefillTokens+promptLen > s.cfg.MaxPrefillTokens || promptLen > totalBudget {
			break
		}

		blocksNeeded := ceilDiv(promptLen, s.cfg.BlockSizeTokens)
		if blocksNeeded > s.cfg.NumBlocks {
			// Could never fit even with every block free; eviction cannot
			// help, so this is a terminal capacity failure.
			s.waitingPrefill = s.waitingPrefill[1:]
			s.finalize(req, StateFailed, StopCapacity)
			req.Callback(0, true, StopCapacity)
			continue
		}

		// Dequeue before any preemption: preempt() re-enqueues its victim at
		// the head of waiting_prefill, and the victim must land behind this
		// request, not be mistaken for it.
		s.waitingPrefill = s.waitingPrefill[1:]
		for !s.pager.CanAllocate(blocksNeeded) {
			if !s.preempt(-1, selected) {
				// No eviction candidate left this tick. Reject admission
				// rather than failing the request: put it back at the head
				// and retry once the sequences holding blocks finish.
				s.waitingPrefill = append([]*Request{req}, s.waitingPrefill...)
				break admit
			}
		}

		if req.SeqID < 0 {
			req.SeqID = s.pager.NewSequence(s.cfg.MaxContextTokens)
		}
		if err := s.pager.AppendTokens(req.SeqID, promptLen); err != nil {
			stop := StopCapacity
			if errors.Is(err, pager.ErrMaxPosition) {
				stop = StopLength
			}
			s.finalize(req, StateFailed, stop)
			req.Callback(0, true, stop)
			continue
		}

		req.State = StatePrefilling
		s.waitingRequests.Add(-1)
		s.evictor.Touch(req.SeqID, s.tick)
		items = append(items, BatchItem{Req: req, IsPrefill: true, Tokens: contextTokens})
		prefillTokens += promptLen
		totalBudget -= promptLen
	}
	s.prefillTokensTotal.Add(uint64(prefillTokens))

	return items, totalBudget
}

// preempt evicts the least-recently-touched decoding sequence not in
// excludeSeqID (the set already committed into this tick's batch, plus
// optionally the triggering request's own seq_id via victimExclude). Returns
// true if a victim was evicted.
func (s *Scheduler) preempt(victimExclude int, excludeSeqID map[int]bool) bool {
	candidates := make([]int, 0, len(s.activeDecode))
	bySeq := make(map[int]*Request, len(s.activeDecode))
	for _, req := range s.activeDecode {
		if req.State != StateDecoding || req.SeqID == victimExclude || excludeSeqID[req.SeqID] {
			continue
		}
		candidates = append(candidates, req.SeqID)
		bySeq[req.SeqID] = req
	}
	victimSeq, ok := eviction.ChooseVictim(s.evictor, candidates)
	if !ok {
		return false
	}
	victim := bySeq[victimSeq]

	s.pager.DestroySequence(victim.SeqID)
	s.evictor.Forget(victim.SeqID)
	victim.SeqID = -1
	// GeneratedTokens survives: drainPrefill's re-admission replays
	// prompt+generated as one prefill pass to rebuild the KV this victim
	// already has callbacks out for, so a resumed request neither repeats
	// nor drops any token already delivered.
	// Flipping State away from StateDecoding is what excludes victim from
	// the decode queue FormBatch rebuilds after this tick's loop, whether
	// victim's own turn in that loop already passed or is still ahead.
	victim.State = StatePreempted
	s.waitingPrefill = append([]*Request{victim}, s.waitingPrefill...)
	s.waitingRequests.Add(1)
	s.decodingRequests.Add(-1)
	s.preemptionsTotal.Add(1)
	return true
}

// Advance records a sampled token for req, invokes its callback, and moves
// the request to DECODING while more tokens are wanted, or to COMPLETED when
// a stop condition fires (CANCELLED when a cancellation was pending).
func (s *Scheduler) Advance(req *Request, tokenID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.GeneratedTokens = append(req.GeneratedTokens, tokenID)
	s.tokensGeneratedTotal.Add(1)

	finished, reason := s.checkStop(req, tokenID)
	if req.cancelRequested {
		finished, reason = true, StopCancelled
	}

	wasPrefilling := req.State == StatePrefilling
	if finished {
		state := StateCompleted
		if reason == StopCancelled {
			state = StateCancelled
		}
		s.finalize(req, state, reason)
		req.Callback(tokenID, true, reason)
		return
	}

	req.Callback(tokenID, false, StopNone)
	if wasPrefilling {
		req.State = StateDecoding
		s.activeDecode = append(s.activeDecode, req)
		s.decodingRequests.Add(1)
	}
}

// Fail finalizes req after an unrecoverable forward error (kernel or
// dimension failures surfaced by the engine). The scheduler itself stays
// live and keeps servicing other requests.
func (s *Scheduler) Fail(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalize(req, StateFailed, StopError)
	req.Callback(0, true, StopError)
}

func (s *Scheduler) checkStop(req *Request, tokenID int) (bool, StopReason) {
	if len(req.GeneratedTokens) >= req.Params.MaxTokens {
		return true, StopLength
	}
	// Every prompt and generated token claims one logical context position.
	// Check that total right as this token is recorded rather than waiting
	// for a later tick's Pager.AppendTokens to report the overflow: decode
	// reserves a token's cache slot one tick after the token itself is
	// computed, so the Pager-side check alone would let one extra token slip
	// out past the context ceiling.
	if len(req.PromptTokens)+len(req.GeneratedTokens) >= s.cfg.MaxContextTokens {
		return true, StopLength
	}
	for _, t := range req.Params.StopTokens {
		if t == tokenID {
			return true, StopEOS
		}
	}
	if s.detok != nil && len(req.Params.StopStrings) > 0 {
		req.stopBuf += s.detok(tokenID)
		for _, stop := range req.Params.StopStrings {
			if strings.Contains(req.stopBuf, stop) {
				return true, StopString
			}
		}
	}
	return false, StopNone
}

// finalize moves req to its terminal state, updates the request gauges, and
// releases its block/page-table resources. It does not remove req from a
// queue (callers dequeue it, or the decode queue's rebuild drops it) and the
// registry keeps the request. Caller holds s.mu.
func (s *Scheduler) finalize(req *Request, state State, reason StopReason) {
	if req.State == StateDecoding {
		s.decodingRequests.Add(-1)
	}
	if req.State == StateWaiting || req.State == StatePreempted {
		s.waitingRequests.Add(-1)
	}
	req.State = state
	req.StopReason = reason
	if req.SeqID >= 0 {
		s.pager.DestroySequence(req.SeqID)
		s.evictor.Forget(req.SeqID)
		req.SeqID = -1
	}
	s.activeRequests.Add(-1)
}

// SchedulerStats is a read-only counter snapshot.
type SchedulerStats struct {
	ActiveRequests       int64
	WaitingRequests      int64
	DecodingRequests     int64
	TokensGeneratedTotal uint64
	PrefillTokensTotal   uint64
	PreemptionsTotal     uint64
}

// Stats reads the atomic counters; safe for any goroutine.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		ActiveRequests:       s.activeRequests.Load(),
		WaitingRequests:      s.waitingRequests.Load(),
		DecodingRequests:     s.decodingRequests.Load(),
		TokensGeneratedTotal: s.tokensGeneratedTotal.Load(),
		PrefillTokensTotal:   s.prefillTokensTotal.Load(),
		PreemptionsTotal:     s.preemptionsTotal.Load(),
	}
}

// truncatePrompt keeps the first numKeep tokens (a system-prompt-style
// prefix) and as many of the most recent tokens as fit in maxContext,
// discarding the middle. numKeep is clamped to [0, maxContext].
func truncatePrompt(tokens []int, numKeep, maxContext int) []int {
	if numKeep < 0 {
		numKeep = 0
	}
	if numKeep > maxContext {
		numKeep = maxContext
	}
	tailLen := maxContext - numKeep
	tailStart := len(tokens) - tailLen
	out := make([]int, 0, maxContext)
	out = append(out, tokens[:numKeep]...)
	out = append(out, tokens[tailStart:]...)
	return out
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}
