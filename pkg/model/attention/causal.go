package attention

import (
	"fmt"

	"minigpt/pkg/config"
	"minigpt/pkg/nn"
	"minigpt/pkg/tensor"
)

// CausalSelfAttention is masked multi-head self-attention where every query
// head has its own key and value head.
type CausalSelfAttention struct {
	*heads
}

// NewCausalSelfAttention creates a layer with n_query_head heads of width
// n_embd / n_query_head, initialized from init. The causal mask buffer has
// shape (1, 1, block_size, block_size).
func NewCausalSelfAttention(cfg config.Config, mode *nn.Mode, init *nn.Initializer) (*CausalSelfAttention, error) {
	h, err := newHeads(cfg, cfg.NQueryHead, []int{1, 1, cfg.BlockSize, cfg.BlockSize}, mode, init)
	if err != nil {
		return nil, err
	}
	return &CausalSelfAttention{heads: h}, nil
}

// Forward computes causal self-attention.
//
// Input shape: (batch, seq, n_embd), seq <= block_size
// Output shape: (batch, seq, n_embd)
//
// Steps:
//  1. Project x to Q, K, V and split into heads (batch, n_head, seq, head_dim)
//  2. Rotate Q and K if rotary encoding is enabled
//  3. Scores Q K^T / sqrt(head_dim), masked so j > i is -inf
//  4. Softmax over keys, attention dropout
//  5. Weighted sum of V, merge heads back to (batch, seq, n_embd)
//  6. Output projection and residual dropout
func (a *CausalSelfAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return a.forward(x, nil)
}

// ForwardCached computes attention for the new tokens in x against the
// keys and values already held by cache.
func (a *CausalSelfAttention) ForwardCached(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	return a.forward(x, cache)
}

func (a *CausalSelfAttention) forward(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	offset := cache.Len()
	if err := a.checkInput(x, offset); err != nil {
		return nil, err
	}
	b, t := x.Dim(0), x.Dim(1)

	q, k, v, err := a.project(x, offset)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if k, v, err = cache.Update(k, v); err != nil {
			return nil, fmt.Errorf("failed to update kv cache: %w", err)
		}
	}

	y, err := a.attend(q, k, v, offset) // (batch, n_head, seq, head_dim)
	if err != nil {
		return nil, err
	}

	// (batch, n_head, seq, head_dim) -> (batch, seq, n_embd)
	if y, err = y.Permute(0, 2, 1, 3); err != nil {
		return nil, err
	}
	return a.finish(y.Reshape([]int{b, t, a.NEmbd}))
}

// Params lists q_proj, k_proj, v_proj, out_proj and the mask buffer "bias".
func (a *CausalSelfAttention) Params(prefix string) []nn.Param {
	return a.params(prefix)
}
