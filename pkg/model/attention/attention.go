// Package attention implements the masked self-attention layers of a
// decoder-only transformer and the pre-norm block that wraps them.
//
// Two variants share one interface: CausalSelfAttention, where every query
// head has its own key/value head, and GroupedQueryAttention, where
// consecutive query heads share a key/value head. NewBlock picks one from
// the configuration.
package attention

import (
	"fmt"
	"math"

	"minigpt/pkg/config"
	"minigpt/pkg/errdefs"
	"minigpt/pkg/nn"
	"minigpt/pkg/rope"
	"minigpt/pkg/tensor"
)

// Attention maps hidden states (batch, seq, n_embd) to hidden states of the
// same shape. Position i only ever reads positions j <= i.
type Attention interface {
	// Forward attends over the whole input sequence.
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)

	// ForwardCached treats x as the tokens that follow those already held by
	// cache, appends their keys and values, and attends over all of them.
	ForwardCached(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error)

	// Params lists the projections and the causal mask buffer under prefix.
	Params(prefix string) []nn.Param
}

// New returns grouped-query attention when the configuration has fewer
// key/value heads than query heads and causal self-attention otherwise.
func New(cfg config.Config, mode *nn.Mode, init *nn.Initializer) (Attention, error) {
	if cfg.Grouped() {
		return NewGroupedQueryAttention(cfg, mode, init)
	}
	return NewCausalSelfAttention(cfg, mode, init)
}

// heads holds what both attention variants share: the four projections,
// dropout, the optional rotary encoder and the causal mask.
type heads struct {
	QProj   *nn.Linear // (n_embd, n_embd)
	KProj   *nn.Linear // (n_kv_head * head_dim, n_embd)
	VProj   *nn.Linear // (n_kv_head * head_dim, n_embd)
	OutProj *nn.Linear // (n_embd, n_embd)

	AttnDrop  *nn.Dropout
	ResidDrop *nn.Dropout

	// Rotary is nil when rotary encoding is disabled.
	Rotary *rope.Encoder

	// Mask is the lower triangular (block_size, block_size) mask, with unit
	// leading dimensions so it broadcasts over batch and heads.
	Mask *tensor.Tensor

	NEmbd     int
	NHead     int
	NKVHead   int
	HeadDim   int
	BlockSize int
}

func newHeads(cfg config.Config, nKVHead int, maskShape []int, mode *nn.Mode, init *nn.Initializer) (*heads, error) {
	if cfg.NEmbd <= 0 || cfg.NQueryHead <= 0 || cfg.NEmbd%cfg.NQueryHead != 0 {
		return nil, fmt.Errorf("%w: n_embd (%d) must be a positive multiple of n_query_head (%d)",
			errdefs.ErrConfiguration, cfg.NEmbd, cfg.NQueryHead)
	}
	if nKVHead <= 0 || cfg.NQueryHead%nKVHead != 0 {
		return nil, fmt.Errorf("%w: n_query_head (%d) must be divisible by n_kv_head (%d)",
			errdefs.ErrConfiguration, cfg.NQueryHead, nKVHead)
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("%w: block_size must be positive, got %d", errdefs.ErrConfiguration, cfg.BlockSize)
	}

	headDim := cfg.NEmbd / cfg.NQueryHead
	h := &heads{
		QProj:     nn.NewLinear(cfg.NEmbd, cfg.NEmbd, true),
		KProj:     nn.NewLinear(cfg.NEmbd, nKVHead*headDim, true),
		VProj:     nn.NewLinear(cfg.NEmbd, nKVHead*headDim, true),
		OutProj:   nn.NewLinear(cfg.NEmbd, cfg.NEmbd, true),
		Mask:      tensor.CausalMask(cfg.BlockSize).Reshape(maskShape),
		NEmbd:     cfg.NEmbd,
		NHead:     cfg.NQueryHead,
		NKVHead:   nKVHead,
		HeadDim:   headDim,
		BlockSize: cfg.BlockSize,
	}
	if cfg.Rope {
		enc, err := rope.NewEncoder(headDim, cfg.Base())
		if err != nil {
			return nil, err
		}
		h.Rotary = enc
	}

	h.QProj.Init(init, nn.InitStd)
	h.KProj.Init(init, nn.InitStd)
	h.VProj.Init(init, nn.InitStd)
	h.OutProj.Init(init, nn.ResidualStd(cfg.NLayer))
	h.AttnDrop = nn.NewDropout(cfg.AttnPdrop, init.Uint64(), mode)
	h.ResidDrop = nn.NewDropout(cfg.ResidPdrop, init.Uint64(), mode)
	return h, nil
}

// checkInput validates x (batch, seq, n_embd) placed at position offset.
func (h *heads) checkInput(x *tensor.Tensor, offset int) error {
	if x.NumDims() != 3 || x.Dim(2) != h.NEmbd {
		return fmt.Errorf("%w: expected input (batch, seq, %d), got %v", errdefs.ErrShape, h.NEmbd, x.Shape)
	}
	if t := x.Dim(1); t == 0 || offset+t > h.BlockSize {
		return fmt.Errorf("%w: cannot attend over %d positions, block size is only %d",
			errdefs.ErrShape, offset+t, h.BlockSize)
	}
	return nil
}

// project computes queries (batch, n_head, seq, head_dim) and keys and
// values (batch, n_kv_head, seq, head_dim), rotating queries and keys when
// rotary encoding is enabled.
func (h *heads) project(x *tensor.Tensor, offset int) (q, k, v *tensor.Tensor, err error) {
	b, t := x.Dim(0), x.Dim(1)

	if q, err = h.QProj.Forward(x); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	if k, err = h.KProj.Forward(x); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compute K: %w", err)
	}
	if v, err = h.VProj.Forward(x); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compute V: %w", err)
	}

	// (batch, seq, heads * head_dim) -> (batch, heads, seq, head_dim)
	if q, err = splitHeads(q, b, t, h.NHead, h.HeadDim); err != nil {
		return nil, nil, nil, err
	}
	if k, err = splitHeads(k, b, t, h.NKVHead, h.HeadDim); err != nil {
		return nil, nil, nil, err
	}
	if v, err = splitHeads(v, b, t, h.NKVHead, h.HeadDim); err != nil {
		return nil, nil, nil, err
	}

	if h.Rotary != nil {
		if q, err = h.Rotary.Rotate(q, offset); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to rotate Q: %w", err)
		}
		if k, err = h.Rotary.Rotate(k, offset); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to rotate K: %w", err)
		}
	}
	return q, k, v, nil
}

// attend computes softmax(q k^T / sqrt(head_dim)) v under the causal mask.
//
// Input shapes:
//   - q: (batch, n_kv_head, [group,] seq_q, head_dim)
//   - k, v: (batch, n_kv_head, seq_k, head_dim)
//
// Output shape: same as q.
//
// Query row i sits at absolute position offset+i, so it may read keys
// 0..offset+i. Every query of a group reads the same key/value head.
func (h *heads) attend(q, k, v *tensor.Tensor, offset int) (*tensor.Tensor, error) {
	b, kv := q.Dim(0), q.Dim(1)
	d := q.Dim(-1)
	tk := k.Dim(-2)
	rows := q.Size() / (b * kv * d)

	// Fold the group axis into the query rows so one batched matmul per
	// key/value head covers the whole group.
	qf, err := q.View([]int{b, kv, rows, d})
	if err != nil {
		return nil, err
	}
	scores, err := tensor.MatmulTransposed(qf, k) // (b, kv, rows, seq_k)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = scores.Scale(float32(1 / math.Sqrt(float64(d))))

	scoreShape := append(append([]int{}, q.Shape[:q.NumDims()-1]...), tk)
	if scores, err = scores.View(scoreShape); err != nil {
		return nil, err
	}
	if scores, err = tensor.ApplyCausalMask(scores, h.Mask, offset); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrShape, err)
	}

	weights := h.AttnDrop.Forward(tensor.Softmax(scores))
	if weights, err = weights.View([]int{b, kv, rows, tk}); err != nil {
		return nil, err
	}

	y, err := tensor.Matmul(weights, v) // (b, kv, rows, head_dim)
	if err != nil {
		return nil, fmt.Errorf("failed to apply attention to V: %w", err)
	}
	return y.View(q.Shape)
}

// finish applies the output projection and residual dropout to the merged
// heads (batch, seq, n_embd).
func (h *heads) finish(y *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := h.OutProj.Forward(y)
	if err != nil {
		return nil, fmt.Errorf("failed to apply output projection: %w", err)
	}
	return h.ResidDrop.Forward(out), nil
}

func (h *heads) params(prefix string) []nn.Param {
	var params []nn.Param
	params = append(params, h.QProj.Params(nn.Join(prefix, "q_proj"))...)
	params = append(params, h.KProj.Params(nn.Join(prefix, "k_proj"))...)
	params = append(params, h.VProj.Params(nn.Join(prefix, "v_proj"))...)
	params = append(params, h.OutProj.Params(nn.Join(prefix, "out_proj"))...)
	return append(params, nn.Param{Name: nn.Join(prefix, "bias"), Kind: nn.Buffer, Value: h.Mask})
}

func splitHeads(x *tensor.Tensor, b, t, n, d int) (*tensor.Tensor, error) {
	v, err := x.View([]int{b, t, n, d})
	if err != nil {
		return nil, err
	}
	return v.Permute(0, 2, 1, 3)
}
