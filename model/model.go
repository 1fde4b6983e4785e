// Package model composes N attention layers with RMSNorm and SwiGLU
// feed-forward blocks into a causal decoder stack: one
// Forward(tokens, seqID, startPosition) entry returning logits for the last
// token position only.
package model

import (
	"github.com/pagedkv/engine/arena"
	"github.com/pagedkv/engine/attention"
	"github.com/pagedkv/engine/kernel"
	"github.com/pagedkv/engine/ml"
	"github.com/pagedkv/engine/pager"
)

// MLP is the SwiGLU feed-forward block: gate projection through SiLU,
// multiplied elementwise by the up projection, then projected back down.
type MLP struct {
	Gate, Up, Down *ml.Tensor
}

// Forward applies the MLP to x (shape [hidden, seqLen]).
func (m *MLP) Forward(x *ml.Tensor) *ml.Tensor {
	gate := x.Mulmat(m.Gate)
	up := x.Mulmat(m.Up)
	h := gate.SILU(up)
	return h.Mulmat(m.Down)
}

// Block is one transformer layer: pre-attention RMSNorm, the attention
// layer, a residual add, post-attention RMSNorm, the MLP, and a second
// residual add.
type Block struct {
	InputNorm    *ml.Tensor
	PostAttnNorm *ml.Tensor
	Attn         *attention.Layer
	MLP          *MLP
	Eps          float32
}

// Forward runs one layer over x (shape [hidden, seqLen]).
func (b *Block) Forward(x *ml.Tensor, seqLen int, seqID *int, startPosition int, p *pager.Pager, a *arena.Arena, rope *kernel.RoPETable) (*ml.Tensor, error) {
	h := x.RMSNorm(b.InputNorm, b.Eps)
	attnOut, err := b.Attn.Forward(h, seqLen, seqID, startPosition, p, a, rope)
	if err != nil {
		return nil, err
	}
	x = x.Add(attnOut)

	h = x.RMSNorm(b.PostAttnNorm, b.Eps)
	mlpOut := b.MLP.Forward(h)
	return x.Add(mlpOut), nil
}

// Model is the full decoder stack: token embedding, N Blocks, a final norm,
// and an LM head projection to vocabulary logits.
type Model struct {
	// EmbedRows holds one row of length Hidden per vocabulary token,
	// EmbedRows[tok] being that token's embedding vector — a plain slice of
	// rows rather than one flat ml.Tensor, since lookup is a row gather, not
	// a matmul.
	EmbedRows [][]float32
	Layers    []*Block
	FinalNorm *ml.Tensor
	LMHead    *ml.Tensor
	Eps       float32
	Hidden    int
}

// Forward runs the stack over tokens. Prefill vs decode is determined by
// len(tokens): more than one token is a prefill window, exactly one is a
// decode step. Returns logits for the last token position only, shape
// [vocab]; callers sample before issuing the next forward call, since the
// returned slice may share storage with intermediate buffers.
func (m *Model) Forward(tokens []int, seqID *int, startPosition int, p *pager.Pager, a *arena.Arena, rope *kernel.RoPETable) ([]float32, error) {
	seqLen := len(tokens)
	xData := make([]float32, m.Hidden*seqLen)
	for t, tok := range tokens {
		copy(xData[t*m.Hidden:(t+1)*m.Hidden], m.EmbedRows[tok])
	}
	x := ml.FromFloats(xData, m.Hidden, seqLen)

	var err error
	for _, layer := range m.Layers {
		x, err = layer.Forward(x, seqLen, seqID, startPosition, p, a, rope)
		if err != nil {
			return nil, err
		}
	}

	x = x.RMSNorm(m.FinalNorm, m.Eps)
	lastHidden := ml.FromFloats(x.Floats()[(seqLen-1)*m.Hidden:seqLen*m.Hidden], m.Hidden, 1)
	logits := lastHidden.Mulmat(m.LMHead)
	return logits.Floats(), nil
}
