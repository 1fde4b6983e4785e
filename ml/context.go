package ml

import (
	"fmt"
	"math"
)

// Tensor is a dense flat array with a shape. Activations are shaped
// [features, batch] and store each batch column's features contiguously
// (shape[0] varies fastest); weights are shaped [out_features, in_features]
// and store each output row contiguously. Shape() returns the shape as given,
// e.g. []int{hidden, batch}.
type Tensor struct {
	data  []float32
	shape []int
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{data: make([]float32, n), shape: append([]int{}, shape...)}
}

// FromFloats wraps an existing buffer; it does not copy.
func FromFloats(data []float32, shape ...int) *Tensor {
	return &Tensor{data: data, shape: append([]int{}, shape...)}
}

func (t *Tensor) Shape() []int { return t.shape }

func (t *Tensor) Dim(n int) int {
	if n < 0 || n >= len(t.shape) {
		return 1
	}
	return t.shape[n]
}

func (t *Tensor) Floats() []float32 { return t.data }

func (t *Tensor) numel() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// Reshape returns a view over the same backing array with a new shape. The
// element count must match.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != t.numel() {
		panic(fmt.Sprintf("ml: reshape element count mismatch: %d -> %v", t.numel(), shape))
	}
	return &Tensor{data: t.data, shape: append([]int{}, shape...)}
}

// Add returns t + t2 element-wise.
func (t *Tensor) Add(t2 *Tensor) *Tensor {
	out := make([]float32, len(t.data))
	for i := range out {
		out[i] = t.data[i] + t2.data[i%len(t2.data)]
	}
	return &Tensor{data: out, shape: t.shape}
}

// Scale multiplies every element by s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := make([]float32, len(t.data))
	for i, v := range t.data {
		out[i] = v * s
	}
	return &Tensor{data: out, shape: t.shape}
}

// RMSNorm normalizes over the feature dimension (shape[0], matching
// Mulmat's [features, batch] layout) and scales by weight.
func (t *Tensor) RMSNorm(weight *Tensor, eps float32) *Tensor {
	hidden := t.shape[0]
	rows := t.numel() / hidden
	out := make([]float32, len(t.data))
	for r := 0; r < rows; r++ {
		row := t.data[r*hidden : (r+1)*hidden]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		scale := float32(1) / float32(math.Sqrt(float64(ss/float32(hidden)+eps)))
		dst := out[r*hidden : (r+1)*hidden]
		for i, v := range row {
			dst[i] = v * scale * weight.data[i]
		}
	}
	return &Tensor{data: out, shape: t.shape}
}

// SILU applies x*sigmoid(x) to t, multiplied elementwise by up when
// provided — the gated form used by SwiGLU feed-forward blocks.
func (t *Tensor) SILU(up *Tensor) *Tensor {
	out := make([]float32, len(t.data))
	for i, v := range t.data {
		s := v / (1 + float32(math.Exp(float64(-v))))
		if up != nil {
			s *= up.data[i]
		}
		out[i] = s
	}
	return &Tensor{data: out, shape: t.shape}
}

// Mulmat computes t @ weight^T for a [out, in] weight tensor against a
// [in, batch] input tensor, returning [out, batch] — the Linear convention
// of weights stored as [out_features, in_features].
func (t *Tensor) Mulmat(weight *Tensor) *Tensor {
	in := t.shape[0]
	batch := t.numel() / in
	out := weight.shape[0]
	if weight.shape[1] != in {
		panic(fmt.Sprintf("ml: mulmat shape mismatch in=%d weight=%v", in, weight.shape))
	}
	res := make([]float32, out*batch)
	for b := 0; b < batch; b++ {
		x := t.data[b*in : (b+1)*in]
		for o := 0; o < out; o++ {
			w := weight.data[o*in : (o+1)*in]
			var acc float32
			for i := 0; i < in; i++ {
				acc += x[i] * w[i]
			}
			res[b*out+o] = acc
		}
	}
	return &Tensor{data: res, shape: []int{out, batch}}
}
