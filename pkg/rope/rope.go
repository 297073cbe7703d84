// Package rope implements rotary positional encoding (RoFormer,
// https://arxiv.org/abs/2104.09864) for attention queries and keys.
//
// The head dimension is split into two halves which are rotated against each
// other ("split-halves" style). For head dimension d and base b the k-th
// frequency is
//
//	theta[k] = b^(-2k/d)    for k in [0, d/2)
//
// and the token at 1-indexed position p is rotated by the angles p*theta,
// duplicated to cover both halves:
//
//	out = x*cos(angles) + [-x2, x1]*sin(angles)
//
// Rotation carries no learned parameters, so it is never part of a state
// dict.
package rope

import (
	"fmt"
	"math"

	"minigpt/pkg/errdefs"
	"minigpt/pkg/tensor"
)

// PhaseCache holds the sine and cosine tables for a run of consecutive
// positions, each shaped (seq_len, head_dim).
type PhaseCache struct {
	Sin     []float32
	Cos     []float32
	SeqLen  int
	HeadDim int
	// Offset is the 0-based index of the first token covered; its phase
	// position is Offset+1.
	Offset int
}

// NewPhaseCache computes the tables for tokens offset..offset+seqLen-1.
func NewPhaseCache(headDim, seqLen, offset int, base float64) (*PhaseCache, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("%w: rotary head dimension must be positive and even, got %d", errdefs.ErrConfiguration, headDim)
	}
	if base <= 0 {
		return nil, fmt.Errorf("%w: rotary base must be positive, got %g", errdefs.ErrConfiguration, base)
	}
	if seqLen < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: invalid position range [%d, %d)", errdefs.ErrShape, offset, offset+seqLen)
	}

	half := headDim / 2
	theta := make([]float64, half)
	for k := range theta {
		theta[k] = math.Pow(base, -float64(2*k)/float64(headDim))
	}

	c := &PhaseCache{
		Sin:     make([]float32, seqLen*headDim),
		Cos:     make([]float32, seqLen*headDim),
		SeqLen:  seqLen,
		HeadDim: headDim,
		Offset:  offset,
	}
	for s := 0; s < seqLen; s++ {
		pos := float64(offset + s + 1)
		row := s * headDim
		for k, th := range theta {
			sin, cos := math.Sincos(pos * th)
			c.Sin[row+k], c.Sin[row+k+half] = float32(sin), float32(sin)
			c.Cos[row+k], c.Cos[row+k+half] = float32(cos), float32(cos)
		}
	}
	return c, nil
}

// Encoder rotates query and key heads of a fixed dimension.
type Encoder struct {
	HeadDim int
	Base    float64
}

// NewEncoder validates the head dimension and base.
func NewEncoder(headDim int, base float64) (*Encoder, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("%w: rotary head dimension must be positive and even, got %d", errdefs.ErrConfiguration, headDim)
	}
	if base <= 0 {
		return nil, fmt.Errorf("%w: rotary base must be positive, got %g", errdefs.ErrConfiguration, base)
	}
	return &Encoder{HeadDim: headDim, Base: base}, nil
}

// Rotate applies the rotation to x, whose last two dimensions are
// (seq_len, head_dim); any leading batch or head dimensions are broadcast
// over. offset is the 0-based index of the first token, used when x holds
// only the newest tokens of a longer sequence.
//
// The phase tables are rebuilt on every call for exactly the positions
// present in x.
func (e *Encoder) Rotate(x *tensor.Tensor, offset int) (*tensor.Tensor, error) {
	if x.NumDims() < 2 {
		return nil, fmt.Errorf("%w: rotary input needs (..., seq_len, head_dim), got %v", errdefs.ErrShape, x.Shape)
	}
	if x.Dim(-1) != e.HeadDim {
		return nil, fmt.Errorf("%w: head_dim mismatch: tensor has %d, encoder expects %d", errdefs.ErrShape, x.Dim(-1), e.HeadDim)
	}

	seqLen := x.Dim(-2)
	cache, err := NewPhaseCache(e.HeadDim, seqLen, offset, e.Base)
	if err != nil {
		return nil, err
	}

	out := tensor.NewTensor(x.Shape)
	half := e.HeadDim / 2
	plane := seqLen * e.HeadDim
	for base := 0; base < len(x.Data); base += plane {
		for s := 0; s < seqLen; s++ {
			row := base + s*e.HeadDim
			phase := s * e.HeadDim
			for i := 0; i < half; i++ {
				x1, x2 := x.Data[row+i], x.Data[row+i+half]
				sin, cos := cache.Sin[phase+i], cache.Cos[phase+i]
				out.Data[row+i] = x1*cos - x2*sin
				out.Data[row+i+half] = x2*cos + x1*sin
			}
		}
	}
	return out, nil
}
