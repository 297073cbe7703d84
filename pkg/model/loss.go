package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"minigpt/pkg/errdefs"
	"minigpt/pkg/tensor"
)

// IgnoreIndex marks a target position that does not contribute to the loss.
const IgnoreIndex = -1

// ForwardWithLoss computes logits for idx and the mean cross-entropy
// against targets, which must have the same shape as idx. Positions whose
// target is IgnoreIndex are left out of the mean; when every position is
// ignored the loss is NaN.
func (m *GPT) ForwardWithLoss(idx, targets [][]int) (*tensor.Tensor, float32, error) {
	if len(targets) != len(idx) {
		return nil, 0, fmt.Errorf("%w: %d target rows for %d input rows", errdefs.ErrShape, len(targets), len(idx))
	}
	for b := range targets {
		if len(targets[b]) != len(idx[b]) {
			return nil, 0, fmt.Errorf("%w: target row %d has length %d, input has %d",
				errdefs.ErrShape, b, len(targets[b]), len(idx[b]))
		}
	}

	logits, err := m.Forward(idx)
	if err != nil {
		return nil, 0, err
	}
	loss, err := crossEntropy(logits, targets)
	if err != nil {
		return nil, 0, err
	}
	return logits, loss, nil
}

// crossEntropy averages -log softmax(logits)[target] over the positions
// that are not ignored.
func crossEntropy(logits *tensor.Tensor, targets [][]int) (float32, error) {
	vocab := logits.Dim(-1)
	row := make([]float64, vocab)

	var sum float64
	count := 0
	for b, seq := range targets {
		for t, target := range seq {
			if target == IgnoreIndex {
				continue
			}
			if target < 0 || target >= vocab {
				return 0, fmt.Errorf("%w: target %d at [%d, %d] out of range [0, %d)",
					errdefs.ErrShape, target, b, t, vocab)
			}
			off := (b*len(seq) + t) * vocab
			for i, v := range logits.Data[off : off+vocab] {
				row[i] = float64(v)
			}
			sum += floats.LogSumExp(row) - row[target]
			count++
		}
	}
	if count == 0 {
		return float32(math.NaN()), nil
	}
	return float32(sum / float64(count)), nil
}
