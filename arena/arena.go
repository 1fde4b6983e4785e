// Package arena owns the paged KV cache's physical storage: a fixed pool of
// blocks, each a tile of key/value memory for block_size contiguous token
// slots across every model layer and KV head. Blocks are fixed-size, handed
// out by id, and never reallocated while referenced, which is what makes a
// block reference safe to hand to a kernel without copying.
package arena

import (
	"errors"
	"sync/atomic"

	"github.com/x448/float16"
)

// ErrOutOfBlocks is returned by Allocate when the free list is empty. It is
// not fatal: the scheduler treats it as a signal to preempt and retry.
var ErrOutOfBlocks = errors.New("arena: out of blocks")

// ErrInvalidBlock is returned by Free, KBlock, VBlock and Touch when the
// given block id is not currently allocated.
var ErrInvalidBlock = errors.New("arena: invalid block id")

// Block is a fixed-size tile of KV storage, shaped
// [num_layers, block_size, num_kv_heads, head_dim] for both K and V.
// Elements are 16-bit floats; the kernel package widens to float32 on read
// for softmax accumulation.
type Block struct {
	K []float16.Float16
	V []float16.Float16

	allocated bool
	lastTouch uint64
}

// Shape describes the logical dimensions shared by every block's K and V
// storage.
type Shape struct {
	NumLayers  int
	BlockSize  int
	NumKVHeads int
	HeadDim    int
}

func (s Shape) elemCount() int {
	return s.NumLayers * s.BlockSize * s.NumKVHeads * s.HeadDim
}

// Offset returns the starting index, within a block's flat K or V slice, of
// the head_dim-length vector for the given layer, in-block slot, and KV
// head. Callers add d ∈ [0, HeadDim) to read or write a single element.
func (s Shape) Offset(layerIdx, slot, kvHead int) int {
	return ((layerIdx*s.BlockSize+slot)*s.NumKVHeads + kvHead) * s.HeadDim
}

// Shape returns the Arena's per-block layout, needed by callers (the kernel
// package) to compute offsets into block storage.
func (a *Arena) Shape() Shape {
	return a.shape
}

// Arena owns a fixed pool of blocks and a free list. It is the sole owner of
// KV tensor memory: every other component (Pager, Sequence, kernel argument
// buffers) holds only block_id integers, never a pointer into the storage
// graph, so block lifetimes stay auditable.
type Arena struct {
	shape  Shape
	blocks []Block
	free   []int

	// touchClock is bumped by Touch and used as the logical time for
	// per-block last_touch bookkeeping, readable through Arena.LastTouch.
	// The eviction package does not read it; it keeps its own per-sequence
	// ticks.
	touchClock uint64

	allocated atomic.Int64
}

// New builds an Arena of numBlocks blocks with the given per-block shape.
// Every block's storage is allocated up front; blocks are never resized or
// moved for the lifetime of the Arena.
func New(numBlocks int, shape Shape) *Arena {
	a := &Arena{
		shape:  shape,
		blocks: make([]Block, numBlocks),
		free:   make([]int, numBlocks),
	}
	n := shape.elemCount()
	for i := range a.blocks {
		a.blocks[i].K = make([]float16.Float16, n)
		a.blocks[i].V = make([]float16.Float16, n)
		a.free[i] = numBlocks - 1 - i
	}
	return a
}

// Allocate returns a block id off the free list, O(1).
func (a *Arena) Allocate() (int, error) {
	if len(a.free) == 0 {
		return 0, ErrOutOfBlocks
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.blocks[id].allocated = true
	a.allocated.Add(1)
	return id, nil
}

// Free returns a block to the free list. Freeing an id that is not currently
// allocated is an error, not a silent no-op, so callers catch double-frees.
func (a *Arena) Free(id int) error {
	if err := a.checkID(id); err != nil {
		return err
	}
	if !a.blocks[id].allocated {
		return ErrInvalidBlock
	}
	a.blocks[id].allocated = false
	a.free = append(a.free, id)
	a.allocated.Add(-1)
	return nil
}

// KBlock returns a reference to block id's key storage, not a copy.
func (a *Arena) KBlock(id int) ([]float16.Float16, error) {
	if err := a.checkAllocated(id); err != nil {
		return nil, err
	}
	return a.blocks[id].K, nil
}

// VBlock returns a reference to block id's value storage, not a copy.
func (a *Arena) VBlock(id int) ([]float16.Float16, error) {
	if err := a.checkAllocated(id); err != nil {
		return nil, err
	}
	return a.blocks[id].V, nil
}

// KBlocks is the vector form of KBlock, used by batch kernel dispatch to
// gather every block referenced by a page table in one call.
func (a *Arena) KBlocks(ids []int) ([][]float16.Float16, error) {
	out := make([][]float16.Float16, len(ids))
	for i, id := range ids {
		k, err := a.KBlock(id)
		if err != nil {
			return nil, err
		}
		out[i] = k
	}
	return out, nil
}

// VBlocks is the vector form of VBlock.
func (a *Arena) VBlocks(ids []int) ([][]float16.Float16, error) {
	out := make([][]float16.Float16, len(ids))
	for i, id := range ids {
		v, err := a.VBlock(id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// FreeCount returns the number of unallocated blocks.
func (a *Arena) FreeCount() int {
	return len(a.free)
}

// Capacity returns the total number of blocks the Arena was built with.
func (a *Arena) Capacity() int {
	return len(a.blocks)
}

// Touch bumps block id's last-touch counter, the bookkeeping the eviction
// policy reads to compute a sequence's last_touch as the maximum over its
// blocks.
func (a *Arena) Touch(id int) error {
	if err := a.checkAllocated(id); err != nil {
		return err
	}
	a.touchClock++
	a.blocks[id].lastTouch = a.touchClock
	return nil
}

// LastTouch returns block id's last-touch counter.
func (a *Arena) LastTouch(id int) (uint64, error) {
	if err := a.checkAllocated(id); err != nil {
		return 0, err
	}
	return a.blocks[id].lastTouch, nil
}

func (a *Arena) checkID(id int) error {
	if id < 0 || id >= len(a.blocks) {
		return ErrInvalidBlock
	}
	return nil
}

func (a *Arena) checkAllocated(id int) error {
	if err := a.checkID(id); err != nil {
		return err
	}
	if !a.blocks[id].allocated {
		return ErrInvalidBlock
	}
	return nil
}

// Stats is a snapshot of block accounting.
type Stats struct {
	BlocksAllocated int
	BlocksFree      int
	BlocksTotal     int
}

// Stats returns a point-in-time snapshot of block accounting.
func (a *Arena) Stats() Stats {
	return Stats{
		BlocksAllocated: int(a.allocated.Load()),
		BlocksFree:      a.FreeCount(),
		BlocksTotal:     a.Capacity(),
	}
}
