package nn

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"minigpt/pkg/tensor"
)

// Initializer fills parameters from a single seeded random stream, so a
// given seed always produces the same weights.
type Initializer struct {
	src rand.Source
}

// NewInitializer returns an Initializer seeded with seed.
func NewInitializer(seed uint64) *Initializer {
	return &Initializer{src: rand.NewSource(seed)}
}

// Normal overwrites t with samples from N(0, std^2).
func (i *Initializer) Normal(t *tensor.Tensor, std float64) {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: i.src}
	for j := range t.Data {
		t.Data[j] = float32(dist.Rand())
	}
}

// Uint64 draws a value from the stream, used to derive per-layer seeds.
func (i *Initializer) Uint64() uint64 {
	return i.src.Uint64()
}

// InitStd is the standard deviation of every freshly initialized linear and
// embedding weight.
const InitStd = 0.02

// ResidualStd is the standard deviation for the output projections that
// write into the residual stream, scaled down with depth.
func ResidualStd(nLayer int) float64 {
	if nLayer <= 0 {
		return InitStd
	}
	return InitStd / math.Sqrt(2*float64(nLayer))
}
