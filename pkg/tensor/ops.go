package tensor

import (
	"fmt"
	"math"
)

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i, v := range t.Data {
		result.Data[i] = v * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (tensor method version).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x + y })
}

// Mul performs element-wise multiplication with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x * y })
}

// elementWiseOp performs an element-wise operation with numpy-style broadcasting.
func elementWiseOp(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	if SameShape(a.Shape, b.Shape) {
		result := NewTensor(a.Shape)
		for i := range a.Data {
			result.Data[i] = op(a.Data[i], b.Data[i])
		}
		return result, nil
	}

	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}

	result := NewTensor(outShape)
	if len(result.Data) == 0 {
		return result, nil
	}
	aStrides := broadcastStrides(a.Shape, outShape)
	bStrides := broadcastStrides(b.Shape, outShape)

	idx := make([]int, len(outShape))
	ai, bi := 0, 0
	for i := range result.Data {
		result.Data[i] = op(a.Data[ai], b.Data[bi])
		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			ai += aStrides[d]
			bi += bStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			ai -= aStrides[d] * idx[d]
			bi -= bStrides[d] * idx[d]
			idx[d] = 0
		}
	}
	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes
func broadcastShapes(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)

	for i := 0; i < maxLen; i++ {
		dimA := 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		dimB := 1
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}

		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, fmt.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}
		if dimA == 1 {
			result[maxLen-1-i] = dimB
		} else {
			result[maxLen-1-i] = dimA
		}
	}

	return result, nil
}

// broadcastStrides returns strides of inShape aligned to outShape, with zero
// stride on every broadcast dimension.
func broadcastStrides(inShape, outShape []int) []int {
	inStrides := computeStrides(inShape)
	strides := make([]int, len(outShape))
	diff := len(outShape) - len(inShape)
	for i := range inShape {
		if inShape[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

// Softmax applies a numerically stable softmax along the last dimension.
func Softmax(t *Tensor) *Tensor {
	result := NewTensor(t.Shape)
	if len(t.Shape) == 0 || len(t.Data) == 0 {
		return result
	}
	n := t.Dim(-1)
	for off := 0; off < len(t.Data); off += n {
		softmaxRow(t.Data[off:off+n], result.Data[off:off+n])
	}
	return result
}

// softmaxRow writes softmax(src) into dst, subtracting the row maximum first.
func softmaxRow(src, dst []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}

	var sum float64
	for i, v := range src {
		e := math.Exp(float64(v - maxVal))
		dst[i] = float32(e)
		sum += e
	}
	for i := range dst {
		dst[i] = float32(float64(dst[i]) / sum)
	}
}

// CausalMask creates a lower triangular mask of ones (allowed) and zeros
// (masked), shaped [seqLen, seqLen].
func CausalMask(seqLen int) *Tensor {
	mask := NewTensor([]int{seqLen, seqLen})
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= i; j++ {
			mask.Data[i*seqLen+j] = 1
		}
	}
	return mask
}

// ApplyCausalMask returns a copy of scores (..., tq, tk) with every entry
// set to -inf where the mask is zero. The mask is read from its last two
// dimensions, starting at row offset; query i of scores lines up with mask
// row offset+i and key j with mask column j.
func ApplyCausalMask(scores, mask *Tensor, offset int) (*Tensor, error) {
	if len(scores.Shape) < 2 || len(mask.Shape) < 2 {
		return nil, fmt.Errorf("causal mask needs at least 2D tensors, got %v and %v", scores.Shape, mask.Shape)
	}
	tq, tk := scores.Dim(-2), scores.Dim(-1)
	rows, cols := mask.Dim(-2), mask.Dim(-1)
	if offset < 0 || offset+tq > rows || tk > cols {
		return nil, fmt.Errorf("scores %v at offset %d exceed mask %v", scores.Shape, offset, mask.Shape)
	}
	if len(mask.Data) != rows*cols {
		return nil, fmt.Errorf("mask %v must have unit leading dimensions", mask.Shape)
	}

	negInf := float32(math.Inf(-1))
	result := scores.Clone()
	plane := tq * tk
	for base := 0; base < len(result.Data); base += plane {
		for i := 0; i < tq; i++ {
			maskRow := mask.Data[(offset+i)*cols : (offset+i)*cols+tk]
			row := result.Data[base+i*tk : base+(i+1)*tk]
			for j, allowed := range maskRow {
				if allowed == 0 {
					row[j] = negInf
				}
			}
		}
	}
	return result, nil
}
