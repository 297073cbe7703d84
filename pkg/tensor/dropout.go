package tensor

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// Dropout zeroes each element with probability p and scales the survivors
// by 1/(1-p) (inverted dropout), drawing from rng.
//
// A nil rng or p == 0 means inference mode: t is returned unchanged.
func (t *Tensor) Dropout(p float32, rng *rand.Rand) *Tensor {
	if rng == nil || p == 0 {
		return t
	}
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout probability must be in [0, 1), got %g", p))
	}

	result := NewTensor(t.Shape)
	scale := 1 / (1 - p)
	for i, v := range t.Data {
		if rng.Float32() >= p {
			result.Data[i] = v * scale
		}
	}
	return result
}
