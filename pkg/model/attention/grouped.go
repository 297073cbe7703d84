package attention

import (
	"fmt"

	"minigpt/pkg/config"
	"minigpt/pkg/errdefs"
	"minigpt/pkg/nn"
	"minigpt/pkg/tensor"
)

// GroupedQueryAttention implements Grouped Query Attention (GQA).
//
// Queries keep n_query_head heads while keys and values are projected to
// only n_kv_head heads of the same width. Query head h reads key/value head
// h / GroupSize, so each run of GroupSize consecutive query heads shares one
// key/value head.
//
// Benefits:
//   - Smaller key/value projections and KV cache (n_kv_head vs n_query_head)
//   - Same external contract as CausalSelfAttention
type GroupedQueryAttention struct {
	*heads
	GroupSize int
}

// NewGroupedQueryAttention creates a GQA layer initialized from init. The
// causal mask buffer has shape (1, 1, 1, block_size, block_size) so it
// broadcasts over the group axis.
func NewGroupedQueryAttention(cfg config.Config, mode *nn.Mode, init *nn.Initializer) (*GroupedQueryAttention, error) {
	nKV := cfg.KVHeads()
	if nKV <= 0 || cfg.NQueryHead%nKV != 0 {
		return nil, fmt.Errorf("%w: n_query_head (%d) must be divisible by n_kv_head (%d)",
			errdefs.ErrConfiguration, cfg.NQueryHead, nKV)
	}
	h, err := newHeads(cfg, nKV, []int{1, 1, 1, cfg.BlockSize, cfg.BlockSize}, mode, init)
	if err != nil {
		return nil, err
	}
	return &GroupedQueryAttention{heads: h, GroupSize: cfg.NQueryHead / nKV}, nil
}

// Forward computes grouped query attention.
//
// Input shape: (batch, seq, n_embd), seq <= block_size
// Output shape: (batch, seq, n_embd)
//
// Steps:
//  1. Project Q (batch, n_query_head, seq, head_dim) and
//     K, V (batch, n_kv_head, seq, head_dim); rotate Q and K if enabled
//  2. Regroup Q as (batch, n_kv_head, group, seq, head_dim)
//  3. Scores (batch, n_kv_head, group, seq, seq) against the shared K head,
//     mask broadcast over the group axis, softmax, attention dropout
//  4. Weighted sum of the shared V head
//  5. (batch, seq, n_kv_head, group, head_dim) -> (batch, seq, n_embd)
//  6. Output projection and residual dropout
func (g *GroupedQueryAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return g.forward(x, nil)
}

// ForwardCached computes attention for the new tokens in x against the
// keys and values already held by cache.
func (g *GroupedQueryAttention) ForwardCached(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	return g.forward(x, cache)
}

func (g *GroupedQueryAttention) forward(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	offset := cache.Len()
	if err := g.checkInput(x, offset); err != nil {
		return nil, err
	}
	b, t := x.Dim(0), x.Dim(1)

	q, k, v, err := g.project(x, offset)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if k, v, err = cache.Update(k, v); err != nil {
			return nil, fmt.Errorf("failed to update kv cache: %w", err)
		}
	}

	// Query head kv*GroupSize + i becomes [kv, i].
	if q, err = q.View([]int{b, g.NKVHead, g.GroupSize, t, g.HeadDim}); err != nil {
		return nil, err
	}

	y, err := g.attend(q, k, v, offset) // (batch, n_kv_head, group, seq, head_dim)
	if err != nil {
		return nil, err
	}

	if y, err = y.Permute(0, 3, 1, 2, 4); err != nil {
		return nil, err
	}
	return g.finish(y.Reshape([]int{b, t, g.NEmbd}))
}

// Params lists q_proj, k_proj, v_proj, out_proj and the mask buffer "bias".
func (g *GroupedQueryAttention) Params(prefix string) []nn.Param {
	return g.params(prefix)
}
