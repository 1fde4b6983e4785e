package kernel

import (
	"fmt"

	"github.com/x448/float16"
)

// storeKV writes a rotated k or v vector (length head_dim) for kvHead into
// the cache block owning logical position. blockRefs[i] is the K or V
// storage for the i-th page-table entry (obtained by the caller via
// Arena.KBlocks / Arena.VBlocks) — references, not copies.
//
// Both kernels call this before reading any cached value back, so a read
// immediately after a store always observes that store; that is what lets
// the "current window" and "cached" data share a single read path in the
// scores pass rather than needing two code paths.
func storeKV(blockRefs [][]float16.Float16, bs BlockShape, layerIdx, position, kvHead int, vec []float32) error {
	blockIdx, slot := bs.locate(position)
	if blockIdx >= len(blockRefs) {
		return fmt.Errorf("kernel: position %d has no allocated block in page table", position)
	}
	off := bs.Shape.Offset(layerIdx, slot, kvHead)
	block := blockRefs[blockIdx]
	for d, v := range vec {
		block[off+d] = float16.Fromfloat32(v)
	}
	return nil
}

// readKV reads the head_dim vector for kvHead at logical position back out
// of cache block storage into dst (which must have length head_dim).
func readKV(blockRefs [][]float16.Float16, bs BlockShape, layerIdx, position, kvHead int, dst []float32) {
	blockIdx, slot := bs.locate(position)
	off := bs.Shape.Offset(layerIdx, slot, kvHead)
	block := blockRefs[blockIdx]
	for d := range dst {
		dst[d] = block[off+d].Float32()
	}
}
