package attention

import (
	"fmt"

	"minigpt/pkg/config"
	"minigpt/pkg/nn"
	"minigpt/pkg/tensor"
)

// FeedForward is the position-wise MLP of a block.
//
// Architecture:
//  1. c_fc: (batch, seq, n_embd) -> (batch, seq, 4*n_embd)
//  2. GELU (tanh approximation)
//  3. c_proj: -> (batch, seq, n_embd)
//  4. Residual dropout
type FeedForward struct {
	CFc   *nn.Linear
	CProj *nn.Linear
	Drop  *nn.Dropout
}

// NewFeedForward creates the MLP; c_proj writes into the residual stream
// and gets the depth-scaled initialization.
func NewFeedForward(cfg config.Config, mode *nn.Mode, init *nn.Initializer) *FeedForward {
	ff := &FeedForward{
		CFc:   nn.NewLinear(cfg.NEmbd, 4*cfg.NEmbd, true),
		CProj: nn.NewLinear(4*cfg.NEmbd, cfg.NEmbd, true),
	}
	ff.CFc.Init(init, nn.InitStd)
	ff.CProj.Init(init, nn.ResidualStd(cfg.NLayer))
	ff.Drop = nn.NewDropout(cfg.ResidPdrop, init.Uint64(), mode)
	return ff
}

// Forward computes the feed-forward transformation.
func (ff *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	hidden, err := ff.CFc.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute c_fc projection: %w", err)
	}
	out, err := ff.CProj.Forward(hidden.GELU())
	if err != nil {
		return nil, fmt.Errorf("failed to compute c_proj projection: %w", err)
	}
	return ff.Drop.Forward(out), nil
}

// Params lists c_fc and c_proj under prefix.
func (ff *FeedForward) Params(prefix string) []nn.Param {
	return append(ff.CFc.Params(nn.Join(prefix, "c_fc")), ff.CProj.Params(nn.Join(prefix, "c_proj"))...)
}

// Block is one pre-norm transformer layer.
//
// Architecture (per block):
//  1. x = x + Attn(LN1(x))
//  2. x = x + MLP(LN2(x))
type Block struct {
	LN1  *nn.LayerNorm
	Attn Attention
	LN2  *nn.LayerNorm
	MLP  *FeedForward
}

// NewBlock builds a block whose attention variant is fixed here, once, from
// the head counts in cfg.
func NewBlock(cfg config.Config, mode *nn.Mode, init *nn.Initializer) (*Block, error) {
	attn, err := New(cfg, mode, init)
	if err != nil {
		return nil, err
	}
	return &Block{
		LN1:  nn.NewLayerNorm(cfg.NEmbd, nn.DefaultEps),
		Attn: attn,
		LN2:  nn.NewLayerNorm(cfg.NEmbd, nn.DefaultEps),
		MLP:  NewFeedForward(cfg, mode, init),
	}, nil
}

// Forward computes one transformer block.
//
// Input shape: (batch, seq, n_embd)
// Output shape: (batch, seq, n_embd)
func (b *Block) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return b.forward(x, func(h *tensor.Tensor) (*tensor.Tensor, error) {
		return b.Attn.Forward(h)
	})
}

// ForwardCached is Forward for the new tokens of an incrementally decoded
// sequence.
func (b *Block) ForwardCached(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	return b.forward(x, func(h *tensor.Tensor) (*tensor.Tensor, error) {
		return b.Attn.ForwardCached(h, cache)
	})
}

func (b *Block) forward(x *tensor.Tensor, attend func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	normed, err := b.LN1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply ln_1: %w", err)
	}
	attnOut, err := attend(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention: %w", err)
	}
	if x, err = tensor.Add(x, attnOut); err != nil {
		return nil, fmt.Errorf("failed to add attention residual: %w", err)
	}

	if normed, err = b.LN2.Forward(x); err != nil {
		return nil, fmt.Errorf("failed to apply ln_2: %w", err)
	}
	ffOut, err := b.MLP.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute feed-forward: %w", err)
	}
	out, err := tensor.Add(x, ffOut)
	if err != nil {
		return nil, fmt.Errorf("failed to add feed-forward residual: %w", err)
	}
	return out, nil
}

// Params lists the block's tensors in state dict order.
func (b *Block) Params(prefix string) []nn.Param {
	var params []nn.Param
	params = append(params, b.LN1.Params(nn.Join(prefix, "ln_1"))...)
	params = append(params, b.Attn.Params(nn.Join(prefix, "attn"))...)
	params = append(params, b.LN2.Params(nn.Join(prefix, "ln_2"))...)
	return append(params, b.MLP.Params(nn.Join(prefix, "mlp"))...)
}
