// Package model assembles the decoder-only language model: token and
// positional embeddings, a stack of transformer blocks, the final norm and
// the vocabulary head, plus loss, generation and parameter import.
package model

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"

	"minigpt/pkg/config"
	"minigpt/pkg/errdefs"
	"minigpt/pkg/model/attention"
	"minigpt/pkg/nn"
	"minigpt/pkg/tensor"
)

// GPT is the complete language model.
//
// Architecture:
//  1. Token embeddings wte (vocab_size, n_embd)
//  2. Learned positional embeddings wpe (block_size, n_embd), only when
//     rotary encoding is disabled
//  3. Embedding dropout
//  4. n_layer transformer blocks
//  5. Final layer norm ln_f
//  6. Vocabulary head lm_head (n_embd -> vocab_size), no bias
//
// A new model is in evaluation mode; call Train to enable dropout.
type GPT struct {
	Config config.Config

	Wte    *nn.Embedding
	Wpe    *nn.Embedding // nil when Config.Rope is set
	Drop   *nn.Dropout
	Blocks []*attention.Block
	LnF    *nn.LayerNorm
	LMHead *nn.Linear

	// OnBlock, when set, is called after every block of a forward pass with
	// the block index and the time it took.
	OnBlock func(layer int, elapsed time.Duration)

	mode *nn.Mode

	mu      sync.Mutex
	sampler rand.Source
}

// New builds a model from cfg with weights drawn from a stream seeded by
// cfg.Seed.
func New(cfg config.Config) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	init := nn.NewInitializer(cfg.Seed)
	mode := &nn.Mode{}

	m := &GPT{
		Config: cfg,
		Wte:    nn.NewEmbedding(cfg.VocabSize, cfg.NEmbd),
		Blocks: make([]*attention.Block, cfg.NLayer),
		LnF:    nn.NewLayerNorm(cfg.NEmbd, nn.DefaultEps),
		LMHead: nn.NewLinear(cfg.NEmbd, cfg.VocabSize, false),
		mode:   mode,
	}
	m.Wte.Init(init, nn.InitStd)
	if !cfg.Rope {
		m.Wpe = nn.NewEmbedding(cfg.BlockSize, cfg.NEmbd)
		m.Wpe.Init(init, nn.InitStd)
	}
	m.Drop = nn.NewDropout(cfg.EmbdPdrop, init.Uint64(), mode)

	for i := range m.Blocks {
		block, err := attention.NewBlock(cfg, mode, init)
		if err != nil {
			return nil, fmt.Errorf("failed to create block %d: %w", i, err)
		}
		m.Blocks[i] = block
	}
	m.LMHead.Init(init, nn.InitStd)
	m.sampler = rand.NewSource(init.Uint64())

	log.Info().Msgf("number of parameters: %.2fM", float64(m.NumParams())/1e6)
	log.Debug().
		Int("n_layer", cfg.NLayer).
		Int("n_embd", cfg.NEmbd).
		Int("n_query_head", cfg.NQueryHead).
		Int("n_kv_head", cfg.KVHeads()).
		Bool("rope", cfg.Rope).
		Msg("model created")
	return m, nil
}

// Train enables dropout.
func (m *GPT) Train() { m.mode.SetTraining(true) }

// Eval disables dropout.
func (m *GPT) Eval() { m.mode.SetTraining(false) }

// Training reports whether dropout is active.
func (m *GPT) Training() bool { return m.mode.Training() }

// SeedSampler resets the random stream used by sampled generation.
func (m *GPT) SeedSampler(seed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampler = rand.NewSource(seed)
}

// Forward computes next-token logits for every position.
//
// Input: idx (batch, seq) token ids, seq <= block_size
// Output shape: (batch, seq, vocab_size)
func (m *GPT) Forward(idx [][]int) (*tensor.Tensor, error) {
	return m.forward(idx, nil)
}

// forward runs the network over idx. With caches, idx holds the tokens that
// follow the ones already cached and positions start at the cached length.
func (m *GPT) forward(idx [][]int, caches []*attention.KVCache) (*tensor.Tensor, error) {
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: empty batch", errdefs.ErrShape)
	}
	offset := 0
	if caches != nil {
		offset = caches[0].Len()
	}
	t := len(idx[0])
	if t == 0 {
		return nil, fmt.Errorf("%w: empty sequence", errdefs.ErrShape)
	}
	if offset+t > m.Config.BlockSize {
		return nil, fmt.Errorf("%w: cannot forward sequence of length %d, block size is only %d",
			errdefs.ErrShape, offset+t, m.Config.BlockSize)
	}

	x, err := m.Wte.Forward(idx)
	if err != nil {
		return nil, fmt.Errorf("failed to embed tokens: %w", err)
	}
	if !m.Config.Rope {
		if m.Wpe == nil {
			return nil, fmt.Errorf("%w: rotary encoding is disabled and there is no positional table",
				errdefs.ErrConfiguration)
		}
		pos, err := m.Wpe.Rows(offset, t)
		if err != nil {
			return nil, fmt.Errorf("failed to slice positional embeddings: %w", err)
		}
		if x, err = tensor.Add(x, pos); err != nil {
			return nil, fmt.Errorf("failed to add positional embeddings: %w", err)
		}
	}
	x = m.Drop.Forward(x)

	for i, block := range m.Blocks {
		start := time.Now()
		if caches != nil {
			x, err = block.ForwardCached(x, caches[i])
		} else {
			x, err = block.Forward(x)
		}
		if err != nil {
			return nil, fmt.Errorf("failed in transformer block %d: %w", i, err)
		}
		if m.OnBlock != nil {
			m.OnBlock(i, time.Since(start))
		}
	}

	if x, err = m.LnF.Forward(x); err != nil {
		return nil, fmt.Errorf("failed to apply final layer norm: %w", err)
	}
	logits, err := m.LMHead.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute output logits: %w", err)
	}
	return logits, nil
}

// newCaches allocates one key/value cache per block for a batch.
func (m *GPT) newCaches(batch int) []*attention.KVCache {
	caches := make([]*attention.KVCache, len(m.Blocks))
	for i := range caches {
		caches[i] = attention.NewKVCache(batch, m.Config.KVHeads(), m.Config.BlockSize, m.Config.HeadDim())
	}
	return caches
}

// tensors lists every tensor of the model, buffers included, in state dict
// order.
func (m *GPT) tensors() []nn.Param {
	var params []nn.Param
	params = append(params, m.Wte.Params("transformer.wte")...)
	if m.Wpe != nil {
		params = append(params, m.Wpe.Params("transformer.wpe")...)
	}
	for i, block := range m.Blocks {
		params = append(params, block.Params(fmt.Sprintf("transformer.h.%d", i))...)
	}
	params = append(params, m.LnF.Params("transformer.ln_f")...)
	return append(params, m.LMHead.Params("lm_head")...)
}

// Parameters lists the learned tensors with their kinds. The causal mask
// buffers are not included.
func (m *GPT) Parameters() []nn.Param {
	var params []nn.Param
	for _, p := range m.tensors() {
		if p.Kind != nn.Buffer {
			params = append(params, p)
		}
	}
	return params
}

// NumParams counts the learned values inside the transformer, leaving out
// the vocabulary head.
func (m *GPT) NumParams() int {
	n := 0
	for _, p := range m.Parameters() {
		if strings.HasPrefix(p.Name, "transformer.") {
			n += p.Value.Size()
		}
	}
	return n
}
