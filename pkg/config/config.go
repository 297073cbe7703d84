// Package config holds the hyperparameters of the decoder-only transformer.
//
// A Config is a plain value: it is built once, validated, and then shared
// read-only by every layer of the model.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"minigpt/pkg/errdefs"
)

// DefaultRopeBase is the base of the rotary frequency schedule.
const DefaultRopeBase = 10000.0

// Config holds the model hyperparameters.
type Config struct {
	// VocabSize is the number of distinct token ids. It has no default and
	// must be set from the dataset.
	VocabSize int `yaml:"vocab_size"`

	// BlockSize is the maximum sequence length the model can process. It has
	// no default and must be set from the dataset.
	BlockSize int `yaml:"block_size"`

	// NEmbd is the width of the residual stream.
	NEmbd int `yaml:"n_embd"`

	// NLayer is the number of transformer blocks.
	NLayer int `yaml:"n_layer"`

	// NQueryHead is the number of query heads.
	NQueryHead int `yaml:"n_query_head"`

	// NKVHead is the number of key/value heads. Zero means one key/value
	// head per query head, which selects plain causal self-attention.
	NKVHead int `yaml:"n_kv_head"`

	// Dropout probabilities.
	EmbdPdrop  float32 `yaml:"embd_pdrop"`
	ResidPdrop float32 `yaml:"resid_pdrop"`
	AttnPdrop  float32 `yaml:"attn_pdrop"`

	// Rope enables rotary positional encoding of queries and keys and
	// removes the learned absolute positional table.
	Rope bool `yaml:"rope"`

	// RopeBase is the base of the rotary frequency schedule. Zero means
	// DefaultRopeBase.
	RopeBase float64 `yaml:"rope_base"`

	// Seed drives parameter initialization, dropout and sampling.
	Seed uint64 `yaml:"seed"`
}

// Default returns a gpt-mini sized configuration. VocabSize and BlockSize
// are left unset.
func Default() Config {
	return Config{
		NEmbd:      192,
		NLayer:     6,
		NQueryHead: 6,
		EmbdPdrop:  0.1,
		ResidPdrop: 0.1,
		AttnPdrop:  0.1,
		RopeBase:   DefaultRopeBase,
		Seed:       3407,
	}
}

// Load reads a YAML configuration file on top of Default and validates the
// result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errdefs.ErrConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that the configuration is complete and consistent.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"block_size", c.BlockSize},
		{"n_embd", c.NEmbd},
		{"n_layer", c.NLayer},
		{"n_query_head", c.NQueryHead},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", errdefs.ErrConfiguration, p.name, p.value)
		}
	}
	if c.NKVHead < 0 {
		return fmt.Errorf("%w: n_kv_head must not be negative, got %d", errdefs.ErrConfiguration, c.NKVHead)
	}
	if c.NEmbd%c.NQueryHead != 0 {
		return fmt.Errorf("%w: n_embd (%d) must be divisible by n_query_head (%d)",
			errdefs.ErrConfiguration, c.NEmbd, c.NQueryHead)
	}
	if c.NQueryHead%c.KVHeads() != 0 {
		return fmt.Errorf("%w: n_query_head (%d) must be divisible by n_kv_head (%d)",
			errdefs.ErrConfiguration, c.NQueryHead, c.KVHeads())
	}
	if c.Rope && c.HeadDim()%2 != 0 {
		return fmt.Errorf("%w: rotary encoding needs an even head dimension, got %d",
			errdefs.ErrConfiguration, c.HeadDim())
	}
	if c.RopeBase < 0 {
		return fmt.Errorf("%w: rope_base must not be negative, got %g", errdefs.ErrConfiguration, c.RopeBase)
	}
	for name, p := range map[string]float32{
		"embd_pdrop":  c.EmbdPdrop,
		"resid_pdrop": c.ResidPdrop,
		"attn_pdrop":  c.AttnPdrop,
	} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%w: %s must be in [0, 1), got %g", errdefs.ErrConfiguration, name, p)
		}
	}
	return nil
}

// HeadDim returns the dimension of a single attention head.
func (c Config) HeadDim() int {
	return c.NEmbd / c.NQueryHead
}

// KVHeads returns the effective number of key/value heads.
func (c Config) KVHeads() int {
	if c.NKVHead == 0 {
		return c.NQueryHead
	}
	return c.NKVHead
}

// GroupSize returns how many query heads share one key/value head.
func (c Config) GroupSize() int {
	return c.NQueryHead / c.KVHeads()
}

// Grouped reports whether blocks use grouped-query attention.
func (c Config) Grouped() bool {
	return c.KVHeads() != c.NQueryHead
}

// Base returns the rotary base, falling back to DefaultRopeBase.
func (c Config) Base() float64 {
	if c.RopeBase == 0 {
		return DefaultRopeBase
	}
	return c.RopeBase
}
