package nn

import (
	"fmt"

	"minigpt/pkg/errdefs"
	"minigpt/pkg/tensor"
)

// Embedding is a lookup table of learned vectors.
type Embedding struct {
	Weight *tensor.Tensor // (num, dim)
}

// NewEmbedding creates a zero-initialized table of num vectors of width dim.
func NewEmbedding(num, dim int) *Embedding {
	return &Embedding{Weight: tensor.NewTensor([]int{num, dim})}
}

// Num returns the number of rows in the table.
func (e *Embedding) Num() int { return e.Weight.Shape[0] }

// Dim returns the vector width.
func (e *Embedding) Dim() int { return e.Weight.Shape[1] }

// Forward looks up every id of a rectangular batch.
//
// Input: ids (batch, seq)
// Output shape: (batch, seq, dim)
func (e *Embedding) Forward(ids [][]int) (*tensor.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty batch", errdefs.ErrShape)
	}
	seqLen := len(ids[0])
	dim := e.Dim()
	result := tensor.NewTensor([]int{len(ids), seqLen, dim})

	for b, row := range ids {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: row %d has length %d, expected %d", errdefs.ErrShape, b, len(row), seqLen)
		}
		for t, id := range row {
			if id < 0 || id >= e.Num() {
				return nil, fmt.Errorf("%w: id %d at [%d, %d] out of range [0, %d)", errdefs.ErrShape, id, b, t, e.Num())
			}
			dst := (b*seqLen + t) * dim
			copy(result.Data[dst:dst+dim], e.Weight.Data[id*dim:(id+1)*dim])
		}
	}
	return result, nil
}

// Rows returns a copy of rows [start, start+n) shaped (1, n, dim), ready to
// broadcast over a batch.
func (e *Embedding) Rows(start, n int) (*tensor.Tensor, error) {
	rows, err := e.Weight.Narrow(0, start, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrShape, err)
	}
	return rows.View([]int{1, n, e.Dim()})
}

// Init draws the table from N(0, std^2).
func (e *Embedding) Init(init *Initializer, std float64) {
	init.Normal(e.Weight, std)
}

// Params returns the table under prefix.
func (e *Embedding) Params(prefix string) []Param {
	return []Param{{Name: Join(prefix, "weight"), Kind: EmbeddingWeight, Value: e.Weight}}
}
