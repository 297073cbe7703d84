package attention

import (
	"fmt"

	"minigpt/pkg/errdefs"
	"minigpt/pkg/tensor"
)

// KVCache stores the rotated keys and values of one attention layer during
// incremental decoding, so each step only projects the newest tokens.
//
// Shapes:
//   - K: (batch, n_kv_head, max_length, head_dim)
//   - V: (batch, n_kv_head, max_length, head_dim)
//
// Cached entries are tied to absolute positions. Once a sequence outgrows
// max_length its window slides, every position shifts, and the cache must be
// cleared.
type KVCache struct {
	K          *tensor.Tensor
	V          *tensor.Tensor
	CurrentPos int // Next position to write (0 = empty)
	MaxLength  int

	batchSize  int
	numKVHeads int
	headDim    int
}

// NewKVCache creates an empty cache with room for maxLength positions.
func NewKVCache(batchSize, numKVHeads, maxLength, headDim int) *KVCache {
	shape := []int{batchSize, numKVHeads, maxLength, headDim}
	return &KVCache{
		K:          tensor.NewTensor(shape),
		V:          tensor.NewTensor(shape),
		MaxLength:  maxLength,
		batchSize:  batchSize,
		numKVHeads: numKVHeads,
		headDim:    headDim,
	}
}

// Len returns the number of cached positions. A nil cache is empty.
func (c *KVCache) Len() int {
	if c == nil {
		return 0
	}
	return c.CurrentPos
}

// Update appends newK and newV, each (batch, n_kv_head, new_tokens,
// head_dim), and returns copies of everything cached so far.
func (c *KVCache) Update(newK, newV *tensor.Tensor) (k, v *tensor.Tensor, err error) {
	want := []int{c.batchSize, c.numKVHeads, -1, c.headDim}
	for _, t := range []*tensor.Tensor{newK, newV} {
		if t.NumDims() != 4 || t.Dim(0) != want[0] || t.Dim(1) != want[1] || t.Dim(3) != want[3] {
			return nil, nil, fmt.Errorf("%w: expected (%d, %d, seq, %d), got %v",
				errdefs.ErrShape, want[0], want[1], want[3], t.Shape)
		}
	}
	if !newK.ShapeEquals(newV) {
		return nil, nil, fmt.Errorf("%w: keys %v and values %v differ", errdefs.ErrShape, newK.Shape, newV.Shape)
	}

	n := newK.Dim(2)
	if c.CurrentPos+n > c.MaxLength {
		return nil, nil, fmt.Errorf("%w: cache overflow: cannot add %d tokens at position %d (max %d)",
			errdefs.ErrShape, n, c.CurrentPos, c.MaxLength)
	}

	// Each (batch, head) row of the cache is contiguous over positions.
	rows := c.batchSize * c.numKVHeads
	chunk := n * c.headDim
	for r := 0; r < rows; r++ {
		dst := (r*c.MaxLength + c.CurrentPos) * c.headDim
		copy(c.K.Data[dst:dst+chunk], newK.Data[r*chunk:(r+1)*chunk])
		copy(c.V.Data[dst:dst+chunk], newV.Data[r*chunk:(r+1)*chunk])
	}
	c.CurrentPos += n

	if k, err = c.K.Narrow(2, 0, c.CurrentPos); err != nil {
		return nil, nil, err
	}
	if v, err = c.V.Narrow(2, 0, c.CurrentPos); err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// Clear empties the cache.
func (c *KVCache) Clear() {
	c.CurrentPos = 0
	clear(c.K.Data)
	clear(c.V.Data)
}

// Bytes returns the memory held by the cache.
func (c *KVCache) Bytes() int {
	return (len(c.K.Data) + len(c.V.Data)) * 4
}
