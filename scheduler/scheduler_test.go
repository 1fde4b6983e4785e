package scheduler

import (
	"testing"

	"github.com/pagedkv/engine/arena"
	"github.com/pagedkv/engine/config"
	"github.com/pagedkv/engine/eviction"
	"github.com/pagedkv/engine/pager"
)

type harness struct {
	arena *arena.Arena
	pager *pager.Pager
	evict *eviction.Policy
	sched *Scheduler
}

func newHarness(numBlocks, blockSize int, cfg config.Config) *harness {
	a := arena.New(numBlocks, arena.Shape{NumLayers: 1, BlockSize: blockSize, NumKVHeads: 1, HeadDim: 4})
	p := pager.New(a, blockSize)
	ev := eviction.New()
	s := New(p, ev, cfg, nil)
	return &harness{arena: a, pager: p, evict: ev, sched: s}
}

// TestPreemptionUnderBlockPressure: with num_blocks=2, block_size=16, two
// sequences each hold one block while decoding; when the first (R1) needs to
// grow into a second block and none is free, the scheduler preempts the other
// decoding sequence (R2, the only eligible victim not already serviced this
// tick), reclaiming its block. R2 transitions to PREEMPTED (not dropped), is
// re-admitted once R1 later completes and frees both blocks, and both
// requests eventually finish.
func TestPreemptionUnderBlockPressure(t *testing.T) {
	cfg := config.New(2, 1024, config.WithBlockSizeTokens(16), config.WithMaxPrefillTokens(1024), config.WithTotalTokenBudget(1024), config.WithMaxBatchRequests(4))
	h := newHarness(2, 16, cfg)

	finishedReason := map[string]StopReason{}
	callCounts := map[string]int{}
	record := func(id *string) TokenCallback {
		return func(tokenID int, finished bool, reason StopReason) {
			callCounts[*id]++
			if finished {
				finishedReason[*id] = reason
			}
		}
	}

	var r1ID, r2ID string
	r1ID, err := h.sched.Submit(
		[]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SamplingParams{MaxTokens: 16},
		record(&r1ID))
	if err != nil {
		t.Fatalf("Submit(R1) error = %v", err)
	}
	r2ID, err = h.sched.Submit([]int{99}, SamplingParams{MaxTokens: 2}, record(&r2ID))
	if err != nil {
		t.Fatalf("Submit(R2) error = %v", err)
	}

	// Tick 1: both prompts fit (one block each, 2 free); decode queue is
	// still empty so nothing competes for blocks yet.
	batch := h.sched.FormBatch()
	if len(batch.Items) != 2 {
		t.Fatalf("tick1 batch = %+v, want 2 prefill items", batch.Items)
	}
	if h.arena.FreeCount() != 0 {
		t.Fatalf("FreeCount() after admitting both prompts = %d, want 0", h.arena.FreeCount())
	}
	for _, item := range batch.Items {
		h.sched.Advance(item.Req, 1000) // -> DECODING for both
	}

	// Tick 2: R1 (processed first in round-robin) must grow past its one
	// block; R2's block is the only reclaimable one.
	batch2 := h.sched.FormBatch()

	st := h.sched.Stats()
	if st.PreemptionsTotal != 1 {
		t.Fatalf("PreemptionsTotal = %d, want 1", st.PreemptionsTotal)
	}
	if _, done := finishedReason[r2ID]; done {
		t.Fatal("R2 received a finished callback on preemption; want it merely paused")
	}
	r2 := h.sched.registry[r2ID]
	if r2.State != StatePreempted {
		t.Fatalf("R2.State after preemption = %v, want preempted", r2.State)
	}

	foundR1Decode := false
	for _, item := range batch2.Items {
		if item.Req.RequestID == r1ID {
			foundR1Decode = true
			h.sched.Advance(item.Req, 1001)
		}
	}
	if !foundR1Decode {
		t.Fatalf("tick2 batch = %+v, want R1's decode item present (succeeded via preempting R2)", batch2.Items)
	}

	// Drive remaining ticks until R1 completes (it alone now owns both
	// blocks, reaching its exact 32-token/2-block ceiling) and, afterward,
	// R2 is re-admitted from the head of waiting_prefill and completes too.
	for i := 0; i < 40; i++ {
		if _, done := finishedReason[r1ID]; done {
			if _, done2 := finishedReason[r2ID]; done2 {
				break
			}
		}
		b := h.sched.FormBatch()
		for _, item := range b.Items {
			h.sched.Advance(item.Req, 1100+i)
		}
	}

	if reason := finishedReason[r1ID]; reason != StopLength {
		t.Fatalf("R1 StopReason = %v, want length", reason)
	}
	if reason := finishedReason[r2ID]; reason != StopLength {
		t.Fatalf("R2 StopReason = %v, want length", reason)
	}
	if h.arena.FreeCount() != h.arena.Capacity() {
		t.Fatalf("FreeCount() = %d after both complete, want %d", h.arena.FreeCount(), h.arena.Capacity())
	}
	// R2's MaxTokens=2 must bound its *total* callback count across the
	// whole run, preemption included: if re-admission ever replayed only
	// PromptTokens (dropping the token already generated before eviction),
	// R2's resumed generation would restart from an empty GeneratedTokens
	// count and could emit up to 2 further tokens on top of the one already
	// delivered.
	if callCounts[r2ID] != 2 {
		t.Fatalf("R2 total callback count = %d, want exactly 2 (MaxTokens=2, no duplicate delivery across preemption)", callCounts[r2ID])
	}
}

// TestPreemptionResumeThenCancelYieldsOneFinalCallback: R2 is preempted
// mid-decode, resumes once R1 frees both blocks, and is then cancelled.
// Exactly one terminal callback must follow the cancellation — proving
// GeneratedTokens survived preemption rather than the resumed sequence
// silently re-delivering or dropping tokens already sent to the caller.
func TestPreemptionResumeThenCancelYieldsOneFinalCallback(t *testing.T) {
	cfg := config.New(2, 1024, config.WithBlockSizeTokens(16), config.WithMaxPrefillTokens(1024), config.WithTotalTokenBudget(1024), config.WithMaxBatchRequests(4))
	h := newHarness(2, 16, cfg)

	var r2Calls int
	var r2Finished bool
	var r2Reason StopReason

	_, err := h.sched.Submit(
		[]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SamplingParams{MaxTokens: 16},
		func(int, bool, StopReason) {})
	if err != nil {
		t.Fatalf("Submit(R1) error = %v", err)
	}
	r2ID, err := h.sched.Submit([]int{99}, SamplingParams{MaxTokens: 10}, func(tokenID int, finished bool, reason StopReason) {
		r2Calls++
		if finished {
			r2Finished = true
			r2Reason = reason
		}
	})
	if err != nil {
		t.Fatalf("Submit(R2) error = %v", err)
	}

	batch := h.sched.FormBatch()
	for _, item := range batch.Items {
		h.sched.Advance(item.Req, 1000) // -> DECODING for both
	}
	if r2Calls != 1 {
		t.Fatalf("r2Calls after first token = %d, want 1", r2Calls)
	}

	// Tick 2: R1 grows past its one block, preempting R2.
	h.sched.FormBatch()
	r2 := h.sched.registry[r2ID]
	if r2.State != StatePreempted || len(r2.GeneratedTokens) != 1 {
		t.Fatalf("R2 after preemption: state=%v generated=%v, want preempted with 1 token preserved", r2.State, r2.GeneratedTokens)
	}

	// Drive R1 to completion so both blocks free and R2 is re-admitted and
	// resumes decoding.
	resumed := false
	for i := 0; i < 40 && !resumed; i++ {
		b := h.sched.FormBatch()
		for _, item := range b.Items {
			if item.Req.RequestID == r2ID && !item.IsPrefill {
				resumed = true
			}
			h.sched.Advance(item.Req, 2000+i)
		}
	}
	if !resumed {
		t.Fatal("R2 never resumed decoding after R1 completed")
	}
	if r2Finished {
		t.Fatal("R2 finished before being cancelled")
	}
	callsBeforeCancel := r2Calls
	if callsBeforeCancel < 2 {
		t.Fatalf("r2Calls before cancel = %d, want at least 2 (pre-preemption token + resumed token)", callsBeforeCancel)
	}

	if !h.sched.Cancel(r2ID) {
		t.Fatal("Cancel(R2) = false, want true")
	}
	h.sched.FormBatch() // flushes the pending cancellation at the next tick

	if !r2Finished || r2Reason != StopCancelled {
		t.Fatalf("R2 finished=%v reason=%v, want finished=true reason=cancelled", r2Finished, r2Reason)
	}
	if r2Calls != callsBeforeCancel+1 {
		t.Fatalf("r2Calls after cancellation = %d, want exactly %d (one additional terminal callback, no duplicates)", r2Calls, callsBeforeCancel+1)
	}
}

// TestPreemptedRequestIsNotFailedWhileBlocksStayScarce: a preempted request
// sitting at the head of waiting_prefill must stay queued (not be failed
// with a capacity stop) while every block is still held by the sequence
// that preempted it, and the surviving sequence keeps decoding meanwhile.
func TestPreemptedRequestIsNotFailedWhileBlocksStayScarce(t *testing.T) {
	cfg := config.New(2, 1024, config.WithBlockSizeTokens(16), config.WithMaxPrefillTokens(1024), config.WithTotalTokenBudget(1024), config.WithMaxBatchRequests(4))
	h := newHarness(2, 16, cfg)

	var r2FinishedReason *StopReason
	r1ID, err := h.sched.Submit(
		[]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SamplingParams{MaxTokens: 16},
		func(int, bool, StopReason) {})
	if err != nil {
		t.Fatalf("Submit(R1) error = %v", err)
	}
	r2ID, err := h.sched.Submit([]int{99}, SamplingParams{MaxTokens: 10}, func(tokenID int, finished bool, reason StopReason) {
		if finished {
			r2FinishedReason = &reason
		}
	})
	if err != nil {
		t.Fatalf("Submit(R2) error = %v", err)
	}

	batch := h.sched.FormBatch()
	for _, item := range batch.Items {
		h.sched.Advance(item.Req, 1000)
	}

	// Several ticks of R1 monopolizing both blocks: R2 must neither finish
	// nor disappear from the waiting queue.
	for i := 0; i < 5; i++ {
		b := h.sched.FormBatch()
		foundR1 := false
		for _, item := range b.Items {
			if item.Req.RequestID == r1ID {
				foundR1 = true
			}
			h.sched.Advance(item.Req, 1100+i)
		}
		if !foundR1 {
			t.Fatalf("tick %d: R1's decode item missing", i)
		}
		if r2FinishedReason != nil {
			t.Fatalf("tick %d: R2 finished with %v while merely preempted", i, *r2FinishedReason)
		}
	}
	r2 := h.sched.registry[r2ID]
	if r2.State != StatePreempted {
		t.Fatalf("R2.State = %v, want preempted while blocks stay scarce", r2.State)
	}
	if len(h.sched.waitingPrefill) != 1 || h.sched.waitingPrefill[0] != r2 {
		t.Fatalf("waiting_prefill = %d entries, want R2 alone still queued", len(h.sched.waitingPrefill))
	}
}

// TestPromptFillsContextMinusOneGeneratesExactlyOneToken: a prompt that
// fills the context to max_context_tokens-1 terminates after generating
// exactly one token. The request's own prompt+generated length crosses
// max_context_tokens as soon as the first token is recorded, so the request
// must finish right there instead of living long enough for a second decode
// tick to compute (and deliver) a token from a slot nothing could ever
// store.
func TestPromptFillsContextMinusOneGeneratesExactlyOneToken(t *testing.T) {
	const maxContext = 8
	cfg := config.New(4, maxContext, config.WithBlockSizeTokens(16))
	h := newHarness(4, 16, cfg)

	prompt := make([]int, maxContext-1) // 7 tokens: exactly one slot of headroom
	var calls int
	var finished bool
	var reason StopReason
	id, err := h.sched.Submit(prompt, SamplingParams{MaxTokens: 100}, func(tokenID int, fin bool, r StopReason) {
		calls++
		if fin {
			finished = true
			reason = r
		}
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	batch := h.sched.FormBatch()
	if len(batch.Items) != 1 || !batch.Items[0].IsPrefill {
		t.Fatalf("batch = %+v, want one prefill item", batch.Items)
	}
	h.sched.Advance(batch.Items[0].Req, 1)

	if calls != 1 {
		t.Fatalf("callback invocations = %d, want exactly 1 (one generated token then stop)", calls)
	}
	if !finished || reason != StopLength {
		t.Fatalf("finished=%v reason=%v, want finished=true reason=length", finished, reason)
	}
	req := h.sched.registry[id]
	if len(req.GeneratedTokens) != 1 {
		t.Fatalf("GeneratedTokens = %v, want exactly 1 token", req.GeneratedTokens)
	}

	// The request must never have entered the decode queue: a second tick
	// must not compute (let alone deliver) a further token for it.
	b := h.sched.FormBatch()
	for _, item := range b.Items {
		if item.Req.RequestID == id {
			t.Fatalf("request reappeared in a later batch after terminating: %+v", item)
		}
	}
	if calls != 1 {
		t.Fatalf("callback invocations after a further tick = %d, want still 1", calls)
	}
}

// TestMultiSequenceBatchingNoStarvation: four simultaneously-submitted
// prompts of increasing length all complete, and none is starved by FIFO
// admission plus round-robin decode draining.
func TestMultiSequenceBatchingNoStarvation(t *testing.T) {
	cfg := config.New(16, 1024, config.WithBlockSizeTokens(16), config.WithMaxBatchRequests(4), config.WithTotalTokenBudget(64), config.WithMaxPrefillTokens(64), config.WithMaxDecodeTokens(64))
	h := newHarness(16, 16, cfg)

	lengths := []int{4, 8, 12, 16}
	finished := make(map[string]bool)
	reasons := make(map[string]StopReason)

	for _, n := range lengths {
		prompt := make([]int, n)
		for i := range prompt {
			prompt[i] = i + 1
		}
		var reqID string
		id, err := h.sched.Submit(prompt, SamplingParams{MaxTokens: 3}, func(tokenID int, fin bool, reason StopReason) {
			if fin {
				finished[reqID] = true
				reasons[reqID] = reason
			}
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		reqID = id
		finished[id] = false
	}

	allPrefilled := false
	for tick := 0; tick < 2 && !allPrefilled; tick++ {
		b := h.sched.FormBatch()
		for _, item := range b.Items {
			if item.IsPrefill {
				h.sched.Advance(item.Req, 500+tick)
			}
		}
		if len(h.sched.waitingPrefill) == 0 {
			allPrefilled = true
		}
	}
	if !allPrefilled {
		t.Fatalf("not all 4 prefills admitted within 2 ticks (waiting=%d)", len(h.sched.waitingPrefill))
	}

	allDone := false
	for i := 0; i < 50 && !allDone; i++ {
		b := h.sched.FormBatch()
		for _, item := range b.Items {
			h.sched.Advance(item.Req, 600+i)
		}
		allDone = true
		for _, done := range finished {
			if !done {
				allDone = false
			}
		}
	}
	if !allDone {
		t.Fatalf("not all requests finished: %+v", finished)
	}
	for id, reason := range reasons {
		if reason != StopLength {
			t.Fatalf("request %s StopReason = %v, want length", id, reason)
		}
	}
}

// TestFormBatchBlockAccountingInvariant: blocks_allocated + blocks_free ==
// blocks_total at a tick boundary spanning a prefill-then-decode transition.
func TestFormBatchBlockAccountingInvariant(t *testing.T) {
	cfg := config.New(4, 1024, config.WithBlockSizeTokens(16))
	h := newHarness(4, 16, cfg)

	if _, err := h.sched.Submit([]int{1, 2, 3}, SamplingParams{MaxTokens: 2}, func(int, bool, StopReason) {}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	b := h.sched.FormBatch()
	for _, item := range b.Items {
		h.sched.Advance(item.Req, 42)
	}

	st := h.arena.Stats()
	if st.BlocksAllocated+st.BlocksFree != st.BlocksTotal {
		t.Fatalf("blocks_allocated(%d) + blocks_free(%d) != blocks_total(%d)", st.BlocksAllocated, st.BlocksFree, st.BlocksTotal)
	}
}

// TestPromptExceedsContextWithoutTruncationFails: a prompt longer than
// max_context_tokens, with truncation not permitted, completes immediately
// with stop_reason=length rather than being admitted.
func TestPromptExceedsContextWithoutTruncationFails(t *testing.T) {
	cfg := config.New(4, 8, config.WithBlockSizeTokens(16))
	h := newHarness(4, 16, cfg)

	var finished bool
	var reason StopReason
	prompt := make([]int, 10) // exceeds max_context_tokens=8
	if _, err := h.sched.Submit(prompt, SamplingParams{MaxTokens: 5}, func(tokenID int, fin bool, r StopReason) {
		if fin {
			finished = true
			reason = r
		}
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	h.sched.FormBatch()
	if !finished || reason != StopLength {
		t.Fatalf("finished=%v reason=%v, want finished=true reason=length", finished, reason)
	}
}

// TestPromptTruncationKeepsPrefixAndTail: when AllowTruncation is set, an
// over-long prompt is admitted truncated to max_context_tokens, keeping the
// first NumKeep tokens and the most recent tail tokens.
func TestPromptTruncationKeepsPrefixAndTail(t *testing.T) {
	cfg := config.New(4, 8, config.WithBlockSizeTokens(16))
	h := newHarness(4, 16, cfg)

	prompt := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} // 10 tokens, maxContext=8
	id, err := h.sched.Submit(prompt, SamplingParams{MaxTokens: 1, AllowTruncation: true, NumKeep: 2}, func(int, bool, StopReason) {})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	batch := h.sched.FormBatch()
	if len(batch.Items) != 1 || !batch.Items[0].IsPrefill {
		t.Fatalf("batch = %+v, want one prefill item", batch.Items)
	}
	req := h.sched.registry[id]
	// Keep first 2 (NumKeep) + last 6 (maxContext-NumKeep) tokens: [1,2,5,6,7,8,9,10].
	want := []int{1, 2, 5, 6, 7, 8, 9, 10}
	if len(req.PromptTokens) != len(want) {
		t.Fatalf("truncated PromptTokens = %v, want length %d", req.PromptTokens, len(want))
	}
	for i, v := range want {
		if req.PromptTokens[i] != v {
			t.Fatalf("truncated PromptTokens = %v, want %v", req.PromptTokens, want)
		}
	}
}

// TestDecodePriorityGatesBudgetOrder: with decode_priority false,
// waiting_prefill claims totalBudget ahead of active_decode, so a tight
// per-tick budget that could serve only one side goes to the prefill queue
// instead of decode.
func TestDecodePriorityGatesBudgetOrder(t *testing.T) {
	cfg := config.New(8, 1024, config.WithBlockSizeTokens(16), config.WithTotalTokenBudget(1), config.WithMaxPrefillTokens(8), config.WithMaxDecodeTokens(8), config.WithDecodePriority(false))
	h := newHarness(8, 16, cfg)

	decodingID, err := h.sched.Submit([]int{1}, SamplingParams{MaxTokens: 5}, func(int, bool, StopReason) {})
	if err != nil {
		t.Fatalf("Submit(decoding) error = %v", err)
	}
	firstBatch := h.sched.FormBatch()
	if len(firstBatch.Items) != 1 || !firstBatch.Items[0].IsPrefill {
		t.Fatalf("tick1 batch = %+v, want one prefill item", firstBatch.Items)
	}
	h.sched.Advance(firstBatch.Items[0].Req, 900) // -> DECODING

	waitingID, err := h.sched.Submit([]int{2}, SamplingParams{MaxTokens: 1}, func(int, bool, StopReason) {})
	if err != nil {
		t.Fatalf("Submit(waiting) error = %v", err)
	}

	batch := h.sched.FormBatch()
	if len(batch.Items) != 1 {
		t.Fatalf("tick2 batch = %+v, want exactly one item (totalBudget=1)", batch.Items)
	}
	got := batch.Items[0]
	if !got.IsPrefill || got.Req.RequestID != waitingID {
		t.Fatalf("tick2 batch item = %+v, want the waiting prompt's prefill (decode_priority=false)", got)
	}
	if got.Req.RequestID == decodingID {
		t.Fatal("decode item claimed the single token of budget despite decode_priority=false")
	}
}

// TestCancelWaitingIsSynchronous: cancelling a still-waiting request
// dequeues and finalizes it immediately, without waiting for a tick.
func TestCancelWaitingIsSynchronous(t *testing.T) {
	cfg := config.New(4, 1024)
	h := newHarness(4, 32, cfg)

	var gotFinal bool
	var reason StopReason
	id, err := h.sched.Submit([]int{1, 2}, SamplingParams{MaxTokens: 1}, func(tokenID int, finished bool, r StopReason) {
		if finished {
			gotFinal = true
			reason = r
		}
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !h.sched.Cancel(id) {
		t.Fatal("Cancel() = false, want true")
	}
	if !gotFinal || reason != StopCancelled {
		t.Fatalf("gotFinal=%v reason=%v, want true/cancelled", gotFinal, reason)
	}
	b := h.sched.FormBatch()
	if len(b.Items) != 0 {
		t.Fatalf("FormBatch() after cancelling the only request = %+v, want empty", b.Items)
	}
}
