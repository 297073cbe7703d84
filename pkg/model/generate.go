package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat/distuv"

	"minigpt/pkg/errdefs"
	"minigpt/pkg/model/attention"
	"minigpt/pkg/tensor"
)

// GenerateOptions controls autoregressive decoding.
type GenerateOptions struct {
	// MaxNewTokens is the number of tokens appended to every sequence.
	MaxNewTokens int

	// Temperature divides the logits before normalization. It must be
	// positive.
	Temperature float64

	// DoSample draws the next token from the distribution instead of taking
	// the most likely one.
	DoSample bool

	// TopK keeps only the TopK most likely tokens. Zero disables the filter.
	TopK int

	// UseCache keeps per-layer keys and values between steps so that each
	// step only processes the newest token.
	UseCache bool
}

// DefaultGenerateOptions returns greedy decoding at temperature 1.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{MaxNewTokens: 1, Temperature: 1.0}
}

// Generate extends every sequence of idx by opts.MaxNewTokens tokens.
//
// Each step:
//  1. Crop the sequences to the trailing block_size window
//  2. Forward and keep the logits of the last position
//  3. Divide by the temperature and apply the top-k filter
//  4. Softmax, then sample or take the argmax
//  5. Append the chosen token
//
// Input: idx (batch, t0)
// Output: (batch, t0 + MaxNewTokens); idx is not modified
func (m *GPT) Generate(idx [][]int, opts GenerateOptions) ([][]int, error) {
	if !(opts.Temperature > 0) {
		return nil, fmt.Errorf("%w: temperature must be positive, got %v", errdefs.ErrNumericPolicy, opts.Temperature)
	}
	if opts.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", errdefs.ErrNumericPolicy, opts.TopK)
	}
	if opts.MaxNewTokens < 0 {
		return nil, fmt.Errorf("%w: max_new_tokens must not be negative, got %d", errdefs.ErrNumericPolicy, opts.MaxNewTokens)
	}
	if len(idx) == 0 || len(idx[0]) == 0 {
		return nil, fmt.Errorf("%w: generation needs a non-empty prompt", errdefs.ErrShape)
	}

	seqs := make([][]int, len(idx))
	for b, row := range idx {
		if len(row) != len(idx[0]) {
			return nil, fmt.Errorf("%w: prompt row %d has length %d, expected %d", errdefs.ErrShape, b, len(row), len(idx[0]))
		}
		seqs[b] = make([]int, len(row), len(row)+opts.MaxNewTokens)
		copy(seqs[b], row)
	}

	var caches []*attention.KVCache
	if opts.UseCache {
		caches = m.newCaches(len(seqs))
	}
	blockSize := m.Config.BlockSize

	for step := 0; step < opts.MaxNewTokens; step++ {
		n := len(seqs[0])

		var logits *tensor.Tensor
		var err error
		switch {
		case caches != nil && n <= blockSize:
			logits, err = m.forward(window(seqs, caches[0].Len(), n), caches)
		default:
			if caches != nil {
				// Positions shift once the window slides, so cached keys no
				// longer line up.
				log.Trace().Int("step", step).Msg("context window full, dropping kv cache")
				caches = nil
			}
			logits, err = m.forward(window(seqs, max(0, n-blockSize), n), nil)
		}
		if err != nil {
			return nil, fmt.Errorf("model forward pass failed at step %d: %w", step, err)
		}

		t, vocab := logits.Dim(1), logits.Dim(2)
		for b := range seqs {
			off := (b*t + t - 1) * vocab
			seqs[b] = append(seqs[b], m.nextToken(logits.Data[off:off+vocab], opts))
		}
		log.Trace().Int("step", step).Int("length", len(seqs[0])).Msg("generated token")
	}
	return seqs, nil
}

// window returns columns [start, end) of every sequence.
func window(seqs [][]int, start, end int) [][]int {
	out := make([][]int, len(seqs))
	for b, s := range seqs {
		out[b] = s[start:end]
	}
	return out
}

// nextToken picks the next token from the last-position logits of one
// sequence.
func (m *GPT) nextToken(logits []float32, opts GenerateOptions) int {
	probs := nextDistribution(logits, opts.Temperature, opts.TopK)
	if !opts.DoSample {
		return argmax(probs)
	}

	weights := make([]float64, len(probs))
	for i, p := range probs {
		weights[i] = float64(p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return int(distuv.NewCategorical(weights, m.sampler).Rand())
}

// nextDistribution scales logits by 1/temperature, keeps the topK largest
// (all of them when topK is zero) and normalizes with softmax.
func nextDistribution(logits []float32, temperature float64, topK int) []float32 {
	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = float32(float64(v) / temperature)
	}
	if topK > 0 && topK < len(scaled) {
		keepTopK(scaled, topK)
	}
	return tensor.Softmax(tensor.MustFromSlice(scaled, []int{len(scaled)})).Data
}

// keepTopK sets every entry smaller than the k-th largest to -inf. Entries
// tied with the k-th largest are kept.
func keepTopK(values []float32, k int) {
	sorted := append([]float32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[k-1]

	negInf := float32(math.Inf(-1))
	for i, v := range values {
		if v < threshold {
			values[i] = negInf
		}
	}
}

// argmax returns the index of the largest value, the lowest index on ties.
func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
