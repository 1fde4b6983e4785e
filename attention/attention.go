// Package attention implements the per-layer wrapper the model forward pass
// invokes for every transformer layer: projections in, a dispatch to either
// the paged fused kernel or a simple non-cached path, projection out. The
// two paths replace what would otherwise be a hierarchy of cached/uncached
// attention variants: the cache handle is just an optional seq_id.
package attention

import (
	"errors"

	"github.com/pagedkv/engine/arena"
	"github.com/pagedkv/engine/kernel"
	"github.com/pagedkv/engine/ml"
	"github.com/pagedkv/engine/pager"
)

// ErrDimensionMismatch marks a programming error (bad page table indices,
// shape mismatch); such failures abort the request rather than degrade.
var ErrDimensionMismatch = errors.New("attention: dimension mismatch")

// Layer holds one transformer layer's attention weights and head geometry.
// Weight tensors follow the Linear convention [out_features, in_features],
// consumed via ml.Tensor.Mulmat.
type Layer struct {
	LayerIdx   int
	NumQHeads  int
	NumKVHeads int
	HeadDim    int

	// SlidingWindowSize enables windowed decode; 0 means disabled. Set once
	// at Engine construction, uniformly across every layer.
	SlidingWindowSize int

	WQ, WK, WV, WO *ml.Tensor
}

// Forward computes one layer's attention for a window of tokens. x is
// [hidden, seqLen]. When seqID is nil, it runs the simple non-cached
// reference path (used by the parity tests; the engine always passes a
// seqID); otherwise it dispatches to the paged kernel, using startPosition as
// the window's first logical position and writing the window's K/V into the
// blocks already reserved in the sequence's page table.
func (l *Layer) Forward(x *ml.Tensor, seqLen int, seqID *int, startPosition int, p *pager.Pager, a *arena.Arena, rope *kernel.RoPETable) (*ml.Tensor, error) {
	q := x.Mulmat(l.WQ)
	k := x.Mulmat(l.WK)
	v := x.Mulmat(l.WV)

	scale := float32(1)
	if l.HeadDim > 0 {
		scale = invSqrt(float32(l.HeadDim))
	}

	var contextFlat []float32
	var err error
	if seqID == nil {
		contextFlat, err = l.forwardUncached(q, k, v, seqLen, startPosition, rope, scale)
	} else {
		contextFlat, err = l.forwardPaged(q, k, v, seqLen, *seqID, startPosition, p, a, rope, scale)
	}
	if err != nil {
		return nil, err
	}

	ctxTensor := ml.FromFloats(contextFlat, l.NumQHeads*l.HeadDim, seqLen)
	return ctxTensor.Mulmat(l.WO), nil
}

// forwardPaged writes this layer's K/V for the window [startPosition,
// startPosition+seqLen) into blocks the caller has already reserved.
// Reserving page-table capacity (Pager.AppendTokens) happens once per batch
// item at admission time — not once per layer, since one page table's
// blocks already span every layer. forwardPaged only reads Pager state.
func (l *Layer) forwardPaged(q, k, v *ml.Tensor, seqLen, seqID, startPosition int, p *pager.Pager, a *arena.Arena, rope *kernel.RoPETable, scale float32) ([]float32, error) {
	maxBlocksPerSeq := ceilDiv(startPosition+seqLen, a.Shape().BlockSize)
	pageTable, err := p.PageTable(seqID, maxBlocksPerSeq)
	if err != nil {
		return nil, err
	}
	liveBlocks := liveBlockIDs(pageTable)

	kBlocks, err := a.KBlocks(liveBlocks)
	if err != nil {
		return nil, err
	}
	vBlocks, err := a.VBlocks(liveBlocks)
	if err != nil {
		return nil, err
	}

	params := kernel.Params{
		NumQHeads:  l.NumQHeads,
		NumKVHeads: l.NumKVHeads,
		HeadDim:    l.HeadDim,
		LayerIdx:   l.LayerIdx,
		Scale:      scale,
	}
	shape := kernel.BlockShape{Shape: a.Shape()}

	if seqLen == 1 {
		params.PositionOffset = startPosition
		if l.SlidingWindowSize > 0 {
			params.UseSlidingWindow = true
			params.SlidingWindowSize = l.SlidingWindowSize
		}
		ctx, err := kernel.Decode(params, shape, rope, kernel.DecodeInput{
			Q:         q.Floats(),
			NewK:      k.Floats(),
			NewV:      v.Floats(),
			SeqLength: startPosition,
			KBlocks:   kBlocks,
			VBlocks:   vBlocks,
		})
		if err != nil {
			return nil, err
		}
		for _, id := range liveBlocks {
			_ = a.Touch(id)
		}
		return ctx, nil
	}

	params.PositionOffset = startPosition
	ctx, err := kernel.Prefill(params, shape, rope, kernel.PrefillInput{
		Q: q.Floats(), K: k.Floats(), V: v.Floats(), SeqLen: seqLen,
		KBlocks: kBlocks, VBlocks: vBlocks,
	})
	if err != nil {
		return nil, err
	}
	for _, id := range liveBlocks {
		_ = a.Touch(id)
	}
	return ctx, nil
}

// forwardUncached is the reference, non-paged path used for correctness
// parity tests: one growing K/V buffer in plain memory, no Arena/Pager
// involvement.
func (l *Layer) forwardUncached(q, k, v *ml.Tensor, seqLen, startPosition int, rope *kernel.RoPETable, scale float32) ([]float32, error) {
	group := l.NumQHeads / l.NumKVHeads
	qFlat, kFlat, vFlat := q.Floats(), k.Floats(), v.Floats()

	kHist := make([][]float32, seqLen)
	vHist := make([][]float32, seqLen)
	for t := 0; t < seqLen; t++ {
		pos := startPosition + t
		if pos >= len(rope.Cos) {
			return nil, ErrDimensionMismatch
		}
		for kvh := 0; kvh < l.NumKVHeads; kvh++ {
			kernel.ApplyRoPE(headSlice(kFlat, t, kvh, l.NumKVHeads, l.HeadDim), rope.Cos[pos], rope.Sin[pos])
		}
		kHist[t] = append([]float32(nil), kFlat[t*l.NumKVHeads*l.HeadDim:(t+1)*l.NumKVHeads*l.HeadDim]...)
		vHist[t] = append([]float32(nil), vFlat[t*l.NumKVHeads*l.HeadDim:(t+1)*l.NumKVHeads*l.HeadDim]...)
	}

	context := make([]float32, seqLen*l.NumQHeads*l.HeadDim)
	for t := 0; t < seqLen; t++ {
		pos := startPosition + t
		for h := 0; h < l.NumQHeads; h++ {
			kvh := h / group
			qVec := headSlice(qFlat, t, h, l.NumQHeads, l.HeadDim)
			kernel.ApplyRoPE(qVec, rope.Cos[pos], rope.Sin[pos])
			out := headSlice(context, t, h, l.NumQHeads, l.HeadDim)
			plainAttend(qVec, kHist[:t+1], vHist[:t+1], kvh, l.NumKVHeads, l.HeadDim, scale, out)
		}
	}
	return context, nil
}

func plainAttend(q []float32, kHist, vHist [][]float32, kvHead, numKVHeads, headDim int, scale float32, out []float32) {
	scores := make([]float32, len(kHist))
	maxScore := float32(0)
	for c, kRow := range kHist {
		kVec := headSlice(kRow, 0, kvHead, numKVHeads, headDim)
		var s float32
		for d := 0; d < headDim; d++ {
			s += q[d] * kVec[d]
		}
		s *= scale
		scores[c] = s
		if c == 0 || s > maxScore {
			maxScore = s
		}
	}
	var sum float32
	weights := make([]float32, len(scores))
	for c, s := range scores {
		w := expf(s - maxScore)
		weights[c] = w
		sum += w
	}
	if sum == 0 {
		return
	}
	for c, w := range weights {
		vVec := headSlice(vHist[c], 0, kvHead, numKVHeads, headDim)
		norm := w / sum
		for d := 0; d < headDim; d++ {
			out[d] += norm * vVec[d]
		}
	}
}

func headSlice(buf []float32, t, h, heads, headDim int) []float32 {
	base := (t*heads + h) * headDim
	return buf[base : base+headDim]
}

func liveBlockIDs(pageTable []int) []int {
	out := make([]int, 0, len(pageTable))
	for _, id := range pageTable {
		if id < 0 {
			break
		}
		out = append(out, id)
	}
	return out
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}
