package nn

import (
	"fmt"
	"math"

	"minigpt/pkg/tensor"
)

// DefaultEps is the LayerNorm epsilon used throughout the model.
const DefaultEps = 1e-5

// LayerNorm implements layer normalization with learnable scale and shift.
//
// LayerNorm normalizes the input across the last dimension (feature dimension)
// and applies a learned scale (gamma) and shift (beta) transformation.
//
// Formula:
//
//	mean = mean(x, dim=-1, keepdim=True)
//	var = var(x, dim=-1, keepdim=True)  (biased)
//	x_norm = (x - mean) / sqrt(var + eps)
//	output = x_norm * scale + shift
type LayerNorm struct {
	Scale *tensor.Tensor // (dim,) - gamma, stored as "weight"
	Shift *tensor.Tensor // (dim,) - beta, stored as "bias"
	Eps   float32
}

// NewLayerNorm creates a LayerNorm with scale=1 and shift=0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		Scale: tensor.Full([]int{dim}, 1),
		Shift: tensor.NewTensor([]int{dim}),
		Eps:   eps,
	}
}

// Forward applies layer normalization to the input.
//
// Input shape: (batch, seq, dim) or any shape where last dim is dim
// Output shape: same as input
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.NumDims() == 0 {
		return nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor")
	}

	dim := x.Dim(-1)
	if dim != len(ln.Scale.Data) {
		return nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d",
			dim, len(ln.Scale.Data))
	}

	result := tensor.NewTensor(x.Shape)
	for off := 0; off < len(x.Data); off += dim {
		row := x.Data[off : off+dim]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)

		invStd := 1 / math.Sqrt(variance+float64(ln.Eps))
		out := result.Data[off : off+dim]
		for i, v := range row {
			out[i] = float32((float64(v)-mean)*invStd)*ln.Scale.Data[i] + ln.Shift.Data[i]
		}
	}

	return result, nil
}

// Params returns scale and shift under their PyTorch names.
func (ln *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Name: Join(prefix, "weight"), Kind: NormWeight, Value: ln.Scale},
		{Name: Join(prefix, "bias"), Kind: Bias, Value: ln.Shift},
	}
}
