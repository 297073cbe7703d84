// Package nn provides the parameterized layers the transformer is built from:
// linear maps, embeddings, layer normalization and dropout.
//
// Weights follow the PyTorch layout so that state dicts can be exchanged by
// name: a Linear weight is [out, in] and y = x W^T + b.
package nn

import (
	"fmt"

	"minigpt/pkg/tensor"
)

// Kind classifies a named tensor for external consumers such as optimizers
// that apply weight decay to projection weights only.
type Kind int

const (
	ProjectionWeight Kind = iota
	Bias
	NormWeight
	EmbeddingWeight
	// Buffer marks non-learned state that still travels with a state dict,
	// such as the causal mask.
	Buffer
)

func (k Kind) String() string {
	switch k {
	case ProjectionWeight:
		return "projection"
	case Bias:
		return "bias"
	case NormWeight:
		return "norm"
	case EmbeddingWeight:
		return "embedding"
	case Buffer:
		return "buffer"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Decay reports whether parameters of this kind take weight decay.
func (k Kind) Decay() bool {
	return k == ProjectionWeight
}

// Param is a named tensor owned by a layer. Value is shared with the layer,
// so writing into Value.Data updates the model.
type Param struct {
	Name  string
	Kind  Kind
	Value *tensor.Tensor
}

// Join builds a dotted parameter name, skipping an empty prefix.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
