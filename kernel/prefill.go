package kernel

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// PrefillInput bundles one prefill call's tensors. Q/K/V are flat row-major
// buffers: Q is [seq_len, NumQHeads, HeadDim], K and V are
// [seq_len, NumKVHeads, HeadDim]. RoPE is applied to Q and K in place.
type PrefillInput struct {
	Q, K, V []float32
	SeqLen  int
	KBlocks [][]float16.Float16
	VBlocks [][]float16.Float16
}

// Prefill processes a window of tokens: for each position it rotates Q/K
// with RoPE, stores the rotated K/V into the paged cache, then computes
// causal attention against every cached position up to and including the
// current one (which, per storeKV's read-after-write ordering, already
// includes the token just stored). Returns context shaped
// [seq_len, NumQHeads, HeadDim].
func Prefill(p Params, shape BlockShape, rope *RoPETable, in PrefillInput) ([]float32, error) {
	if in.SeqLen == 0 {
		return nil, nil
	}
	context := make([]float32, in.SeqLen*p.NumQHeads*p.HeadDim)

	for t := 0; t < in.SeqLen; t++ {
		pos := p.PositionOffset + t
		if pos >= len(rope.Cos) {
			return nil, fmt.Errorf("kernel: position %d exceeds rope table size %d", pos, len(rope.Cos))
		}
		cosRow, sinRow := rope.Cos[pos], rope.Sin[pos]

		for h := 0; h < p.NumQHeads; h++ {
			ApplyRoPE(headSlice(in.Q, t, h, p.NumQHeads, p.HeadDim), cosRow, sinRow)
		}
		for kvh := 0; kvh < p.NumKVHeads; kvh++ {
			kVec := headSlice(in.K, t, kvh, p.NumKVHeads, p.HeadDim)
			ApplyRoPE(kVec, cosRow, sinRow)
			vVec := headSlice(in.V, t, kvh, p.NumKVHeads, p.HeadDim)
			if err := storeKV(in.KBlocks, shape, p.LayerIdx, pos, kvh, kVec); err != nil {
				return nil, err
			}
			if err := storeKV(in.VBlocks, shape, p.LayerIdx, pos, kvh, vVec); err != nil {
				return nil, err
			}
		}

		for h := 0; h < p.NumQHeads; h++ {
			kvh := p.gqaHead(h)
			qVec := headSlice(in.Q, t, h, p.NumQHeads, p.HeadDim)
			out := headSlice(context, t, h, p.NumQHeads, p.HeadDim)
			streamingAttend(p, shape, in.KBlocks, in.VBlocks, kvh, qVec, 0, pos, out)
		}
	}

	return context, nil
}

// headSlice returns the head_dim-length view of buf for token index t and
// head h, given the buffer's head count (row-major [*, heads, headDim]).
func headSlice(buf []float32, t, h, heads, headDim int) []float32 {
	base := (t*heads + h) * headDim
	return buf[base : base+headDim]
}

// streamingAttend computes softmax(q·k̃ × scale)·ṽ over context positions
// [lo, hi] inclusive, reading K/V from cache block storage, with a 32-bit
// running max and normaliser so 16-bit storage never degrades the softmax
// statistic. Writes the HeadDim-length result into out.
func streamingAttend(p Params, shape BlockShape, kBlocks, vBlocks [][]float16.Float16, kvHead int, q []float32, lo, hi int, out []float32) {
	headDim := p.HeadDim
	kVec := make([]float32, headDim)
	vVec := make([]float32, headDim)

	runningMax := float32(math.Inf(-1))
	var normaliser float32
	acc := make([]float32, headDim)

	windowLo := lo
	if p.UseSlidingWindow {
		windowLo = max(lo, hi-p.SlidingWindowSize+1)
	}

	for c := windowLo; c <= hi; c++ {
		readKV(kBlocks, shape, p.LayerIdx, c, kvHead, kVec)
		var score float32
		for d := 0; d < headDim; d++ {
			score += q[d] * kVec[d]
		}
		score *= p.Scale

		newMax := score
		if runningMax > newMax {
			newMax = runningMax
		}
		correction := float32(math.Exp(float64(runningMax - newMax)))
		weight := float32(math.Exp(float64(score - newMax)))

		normaliser = normaliser*correction + weight
		readKV(vBlocks, shape, p.LayerIdx, c, kvHead, vVec)
		for d := 0; d < headDim; d++ {
			acc[d] = acc[d]*correction + weight*vVec[d]
		}
		runningMax = newMax
	}

	if normaliser == 0 {
		return
	}
	for d := 0; d < headDim; d++ {
		out[d] = acc[d] / normaliser
	}
}
