package tensor

import "math"

// GELU applies the Gaussian Error Linear Unit activation function.
//
// The GELU function is defined as:
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
//
// This is the tanh approximation used by GPT-2 and by the transformer
// feed-forward sub-layer.
//
// Reference: https://arxiv.org/abs/1606.08415
func (t *Tensor) GELU() *Tensor {
	result := NewTensor(t.Shape)

	const coeff = 0.044715
	sqrt2OverPi := math.Sqrt(2 / math.Pi)

	for i, v := range t.Data {
		x := float64(v)
		inner := sqrt2OverPi * (x + coeff*x*x*x)
		result.Data[i] = float32(0.5 * x * (1 + math.Tanh(inner)))
	}

	return result
}

// GELU is a standalone function that applies GELU to a tensor.
func GELU(t *Tensor) *Tensor {
	return t.GELU()
}
