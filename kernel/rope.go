// Package kernel implements the fused prefill and decode attention math
// against the paged KV layout: RoPE rotation, in-place cache stores, GQA
// head mapping, and a streaming softmax with 32-bit accumulation over 16-bit
// storage. The functions here are the reference CPU realization of the
// kernel contracts; an accelerated backend would keep the same inputs and
// outputs.
package kernel

import "math"

// RoPETable holds precomputed rotation coefficients for every position up
// to maxPosition, one (cos, sin) pair per pair-of-dimensions in head_dim/2.
type RoPETable struct {
	HeadDim int
	Cos     [][]float32
	Sin     [][]float32
}

// NewRoPETable builds the standard rotary embedding table: frequencies
// theta_i = base^(-2i/head_dim), angle(pos, i) = pos * theta_i.
func NewRoPETable(maxPosition, headDim int, base float64) *RoPETable {
	half := headDim / 2
	t := &RoPETable{
		HeadDim: headDim,
		Cos:     make([][]float32, maxPosition),
		Sin:     make([][]float32, maxPosition),
	}
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
	}
	for pos := 0; pos < maxPosition; pos++ {
		cosRow := make([]float32, half)
		sinRow := make([]float32, half)
		for i, f := range freqs {
			angle := float64(pos) * f
			cosRow[i] = float32(math.Cos(angle))
			sinRow[i] = float32(math.Sin(angle))
		}
		t.Cos[pos] = cosRow
		t.Sin[pos] = sinRow
	}
	return t
}

// ApplyRoPE rotates vec (length head_dim) in place, pairing dimension i with
// i+head_dim/2 — the "split halves" rotation convention, as opposed to
// interleaved pairs.
func ApplyRoPE(vec []float32, cosRow, sinRow []float32) {
	half := len(vec) / 2
	for i := 0; i < half; i++ {
		x0, x1 := vec[i], vec[i+half]
		c, s := cosRow[i], sinRow[i]
		vec[i] = x0*c - x1*s
		vec[i+half] = x0*s + x1*c
	}
}
