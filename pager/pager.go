// Package pager maintains one page table per active sequence and translates
// logical token positions into (block_id, slot) pairs. It is the only
// component that allocates or frees Arena blocks on a sequence's behalf, so
// the set of block ids across live sequences stays disjoint by construction.
package pager

import (
	"errors"

	"github.com/pagedkv/engine/arena"
)

// ErrMaxPosition is returned by AppendTokens when growth would exceed the
// sequence's configured ceiling.
var ErrMaxPosition = errors.New("pager: sequence would exceed max position")

// ErrUnknownSequence is returned when an operation names a seq_id the Pager
// has no record of (already destroyed, or never created).
var ErrUnknownSequence = errors.New("pager: unknown sequence")

// Sequence is a logical request's page table plus bookkeeping.
type Sequence struct {
	SeqID        int
	PageTable    []int
	CachedLength int
	MaxPosition  int
}

// Pager owns every live Sequence's lifecycle.
type Pager struct {
	arena     *arena.Arena
	blockSize int

	sequences map[int]*Sequence
	nextSeqID int
}

// New builds a Pager backed by the given Arena. blockSize must match the
// Arena's Shape.BlockSize.
func New(a *arena.Arena, blockSize int) *Pager {
	return &Pager{
		arena:     a,
		blockSize: blockSize,
		sequences: make(map[int]*Sequence),
	}
}

// NewSequence allocates an empty Sequence with the given position ceiling
// and returns its seq_id.
func (p *Pager) NewSequence(maxPosition int) int {
	id := p.nextSeqID
	p.nextSeqID++
	p.sequences[id] = &Sequence{SeqID: id, MaxPosition: maxPosition}
	return id
}

// DestroySequence returns every block in the sequence's page table to the
// Arena and forgets the sequence. Idempotent: destroying an already-unknown
// seq_id is a no-op.
func (p *Pager) DestroySequence(seqID int) {
	seq, ok := p.sequences[seqID]
	if !ok {
		return
	}
	for _, blockID := range seq.PageTable {
		// A double-destroy or a concurrent structural bug could already
		// have freed this block; Free's own ErrInvalidBlock is not useful
		// to the caller here since destruction must proceed regardless.
		_ = p.arena.Free(blockID)
	}
	delete(p.sequences, seqID)
}

// CachedLength returns the sequence's committed token count.
func (p *Pager) CachedLength(seqID int) (int, error) {
	seq, ok := p.sequences[seqID]
	if !ok {
		return 0, ErrUnknownSequence
	}
	return seq.CachedLength, nil
}

// CanAllocate reports whether n additional blocks are currently available in
// the Arena, the check the scheduler's admission path runs before reserving
// a prompt's worth of blocks.
func (p *Pager) CanAllocate(n int) bool {
	return p.arena.FreeCount() >= n
}

// AppendTokens extends seqID's logical length by n, allocating fresh blocks
// from the Arena as needed. The operation is atomic: if it fails partway
// through with ErrOutOfBlocks, every block it allocated on this call is
// freed before returning.
func (p *Pager) AppendTokens(seqID int, n int) error {
	seq, ok := p.sequences[seqID]
	if !ok {
		return ErrUnknownSequence
	}
	if n == 0 {
		return nil
	}
	if seq.CachedLength+n > seq.MaxPosition {
		return ErrMaxPosition
	}

	newLength := seq.CachedLength + n
	blocksNeeded := ceilDiv(newLength, p.blockSize)
	blocksToAllocate := blocksNeeded - len(seq.PageTable)

	allocated := make([]int, 0, blocksToAllocate)
	for i := 0; i < blocksToAllocate; i++ {
		id, err := p.arena.Allocate()
		if err != nil {
			for _, a := range allocated {
				_ = p.arena.Free(a)
			}
			return err
		}
		allocated = append(allocated, id)
	}

	seq.PageTable = append(seq.PageTable, allocated...)
	seq.CachedLength = newLength
	return nil
}

// PageTable returns seqID's page table padded with sentinel -1 to length
// padTo, suitable for direct use as a kernel argument buffer.
func (p *Pager) PageTable(seqID int, padTo int) ([]int, error) {
	seq, ok := p.sequences[seqID]
	if !ok {
		return nil, ErrUnknownSequence
	}
	out := make([]int, padTo)
	for i := range out {
		if i < len(seq.PageTable) {
			out[i] = seq.PageTable[i]
		} else {
			out[i] = -1
		}
	}
	return out, nil
}

// Locate translates a token position to its owning block id and in-block
// slot.
func (p *Pager) Locate(seqID int, position int) (blockID int, slot int, err error) {
	seq, ok := p.sequences[seqID]
	if !ok {
		return 0, 0, ErrUnknownSequence
	}
	idx := position / p.blockSize
	if idx < 0 || idx >= len(seq.PageTable) {
		return 0, 0, errors.New("pager: position out of range")
	}
	return seq.PageTable[idx], position % p.blockSize, nil
}

// Truncate shrinks cached_length to newLength, freeing any block whose
// entire token range falls past newLength.
func (p *Pager) Truncate(seqID int, newLength int) error {
	seq, ok := p.sequences[seqID]
	if !ok {
		return ErrUnknownSequence
	}
	if newLength > seq.CachedLength {
		return errors.New("pager: truncate cannot grow a sequence")
	}

	keepBlocks := ceilDiv(newLength, p.blockSize)
	for i := keepBlocks; i < len(seq.PageTable); i++ {
		if err := p.arena.Free(seq.PageTable[i]); err != nil {
			return err
		}
	}
	seq.PageTable = seq.PageTable[:keepBlocks]
	seq.CachedLength = newLength
	return nil
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}
