package kernel

import "github.com/pagedkv/engine/arena"

// Params carries the scalar configuration passed alongside the tensor
// arguments: head counts, dimensions, and this call's layer and position
// offset.
type Params struct {
	NumQHeads  int
	NumKVHeads int
	HeadDim    int
	LayerIdx   int

	// PositionOffset is the logical position of the first token in this
	// call's window (0 for a fresh prefill; cached_length for a decode step
	// or a continuation prefill).
	PositionOffset int

	Scale float32

	// UseSlidingWindow and SlidingWindowSize enable windowed decode:
	// context positions with index < cached_length - SlidingWindowSize are
	// skipped.
	UseSlidingWindow  bool
	SlidingWindowSize int
}

// gqaHead maps query head h to its KV head: the group size is
// NumQHeads/NumKVHeads and head h reads from KV head h/group.
func (p Params) gqaHead(h int) int {
	group := p.NumQHeads / p.NumKVHeads
	return h / group
}

// BlockShape carries the Arena's per-block layout, which storeKV/readKV need
// to compute offsets within a block's flat K/V slice. The block references
// themselves (one slice per page-table entry, in order) are passed
// separately as [][]float16.Float16 so Prefill/Decode don't need to import
// arena.Arena itself — the caller already holds references obtained from
// the Arena.
type BlockShape struct {
	Shape arena.Shape
}

func (b BlockShape) locate(position int) (blockIdx, slot int) {
	blockSize := b.Shape.BlockSize
	return position / blockSize, position % blockSize
}
