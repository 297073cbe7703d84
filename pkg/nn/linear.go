package nn

import (
	"fmt"

	"minigpt/pkg/tensor"
)

// Linear is an affine map y = x W^T + b.
type Linear struct {
	Weight *tensor.Tensor // (out, in)
	Bias   *tensor.Tensor // (out,), nil when the layer has no bias
}

// NewLinear creates a zero-initialized linear layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{Weight: tensor.NewTensor([]int{out, in})}
	if bias {
		l.Bias = tensor.NewTensor([]int{out})
	}
	return l
}

// In returns the input width.
func (l *Linear) In() int { return l.Weight.Shape[1] }

// Out returns the output width.
func (l *Linear) Out() int { return l.Weight.Shape[0] }

// Forward applies the map to the last dimension of x.
//
// Input shape: (..., in)
// Output shape: (..., out)
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.NumDims() == 0 || x.Dim(-1) != l.In() {
		return nil, fmt.Errorf("input shape %v doesn't match linear input dimension %d", x.Shape, l.In())
	}

	y, err := tensor.MatmulTransposed(x, l.Weight)
	if err != nil {
		return nil, fmt.Errorf("failed to compute projection: %w", err)
	}
	if l.Bias == nil {
		return y, nil
	}

	out := l.Out()
	for off := 0; off < len(y.Data); off += out {
		row := y.Data[off : off+out]
		for j, b := range l.Bias.Data {
			row[j] += b
		}
	}
	return y, nil
}

// Init draws the weight from N(0, std^2) and zeroes the bias.
func (l *Linear) Init(init *Initializer, std float64) {
	init.Normal(l.Weight, std)
	if l.Bias != nil {
		clear(l.Bias.Data)
	}
}

// Params returns the weight and bias under prefix.
func (l *Linear) Params(prefix string) []Param {
	params := []Param{{Name: Join(prefix, "weight"), Kind: ProjectionWeight, Value: l.Weight}}
	if l.Bias != nil {
		params = append(params, Param{Name: Join(prefix, "bias"), Kind: Bias, Value: l.Bias})
	}
	return params
}
