package kernel

import (
	"fmt"

	"github.com/x448/float16"
)

// DecodeInput bundles one decode step's tensors. Q is [NumQHeads, HeadDim] —
// one new token. NewK/NewV are [NumKVHeads, HeadDim], the new token's
// not-yet-cached K/V for this layer; the kernel rotates and stores them in
// its preamble, before the scores pass.
type DecodeInput struct {
	Q          []float32
	NewK, NewV []float32
	SeqLength  int // cached_length before this token is appended
	KBlocks    [][]float16.Float16
	VBlocks    [][]float16.Float16
}

// Decode rotates and stores the new token's K/V, then streams a causal
// softmax(QKᵀ)V over every cached position including the one just stored.
// Returns context shaped [NumQHeads, HeadDim].
func Decode(p Params, shape BlockShape, rope *RoPETable, in DecodeInput) ([]float32, error) {
	pos := in.SeqLength
	if pos >= len(rope.Cos) {
		return nil, fmt.Errorf("kernel: position %d exceeds rope table size %d", pos, len(rope.Cos))
	}
	cosRow, sinRow := rope.Cos[pos], rope.Sin[pos]

	for h := 0; h < p.NumQHeads; h++ {
		ApplyRoPE(headSlice(in.Q, 0, h, p.NumQHeads, p.HeadDim), cosRow, sinRow)
	}
	for kvh := 0; kvh < p.NumKVHeads; kvh++ {
		kVec := headSlice(in.NewK, 0, kvh, p.NumKVHeads, p.HeadDim)
		ApplyRoPE(kVec, cosRow, sinRow)
		vVec := headSlice(in.NewV, 0, kvh, p.NumKVHeads, p.HeadDim)
		if err := storeKV(in.KBlocks, shape, p.LayerIdx, pos, kvh, kVec); err != nil {
			return nil, err
		}
		if err := storeKV(in.VBlocks, shape, p.LayerIdx, pos, kvh, vVec); err != nil {
			return nil, err
		}
	}

	context := make([]float32, p.NumQHeads*p.HeadDim)
	for h := 0; h < p.NumQHeads; h++ {
		kvh := p.gqaHead(h)
		qVec := headSlice(in.Q, 0, h, p.NumQHeads, p.HeadDim)
		out := headSlice(context, 0, h, p.NumQHeads, p.HeadDim)
		streamingAttend(p, shape, in.KBlocks, in.VBlocks, kvh, qVec, 0, pos, out)
	}
	return context, nil
}
