package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"minigpt/pkg/errdefs"
	"minigpt/pkg/nn"
	"minigpt/pkg/tensor"
)

// StateDict maps every tensor name, causal mask buffers included, to the
// live tensor. Callers must not modify the tensors.
func (m *GPT) StateDict() map[string]*tensor.Tensor {
	sd := make(map[string]*tensor.Tensor)
	for _, p := range m.tensors() {
		sd[p.Name] = p.Value
	}
	return sd
}

// LoadStateDict copies the tensors of sd into the model.
//
// Names the model does not have are skipped. The positional table
// transformer.wpe.weight and the causal masks transformer.h.N.attn.bias may
// come from a model with a smaller block size: only the overlapping prefix
// is copied and the remaining rows keep their current values. Every other
// tensor must match exactly. Nothing is copied unless every tensor fits.
func (m *GPT) LoadStateDict(sd map[string]*tensor.Tensor) error {
	type copyOp struct {
		name     string
		dst, src *tensor.Tensor
		prefix   bool
	}

	own := m.StateDict()
	var ops []copyOp
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := sd[name]
		dst, ok := own[name]
		if !ok {
			log.Debug().Str("name", name).Msg("skipping unknown tensor")
			continue
		}
		switch {
		case dst.ShapeEquals(src):
			ops = append(ops, copyOp{name: name, dst: dst, src: src})
		case narrower(name, dst, src):
			log.Debug().Str("name", name).Ints("from", src.Shape).Ints("to", dst.Shape).Msg("copying overlapping block")
			ops = append(ops, copyOp{name: name, dst: dst, src: src, prefix: true})
		default:
			return fmt.Errorf("%w: %s has shape %v, expected %v", errdefs.ErrShape, name, src.Shape, dst.Shape)
		}
	}
	for name := range own {
		if _, ok := sd[name]; !ok {
			log.Debug().Str("name", name).Msg("tensor missing from state dict, keeping current value")
		}
	}

	for _, op := range ops {
		if op.prefix {
			copyPrefix(op.dst, op.src)
		} else {
			copy(op.dst.Data, op.src.Data)
		}
	}
	return nil
}

// narrower reports whether src is a position-indexed table or mask from a
// model with a smaller block size than dst.
func narrower(name string, dst, src *tensor.Tensor) bool {
	if src.NumDims() != dst.NumDims() {
		return false
	}
	switch {
	case name == "transformer.wpe.weight":
		return src.Dim(0) < dst.Dim(0) && src.Dim(1) == dst.Dim(1)
	case strings.HasPrefix(name, "transformer.h.") && strings.HasSuffix(name, ".attn.bias"):
		n := src.NumDims()
		if !tensor.SameShape(src.Shape[:n-2], dst.Shape[:n-2]) {
			return false
		}
		return src.Dim(-1) == src.Dim(-2) && src.Dim(-1) < dst.Dim(-1)
	}
	return false
}

// copyPrefix writes src into the leading corner of dst. For a 2D table that
// is the first rows; for a mask it is the top-left (old, old) square.
func copyPrefix(dst, src *tensor.Tensor) {
	if src.NumDims() == 2 {
		copy(dst.Data, src.Data)
		return
	}
	rows, cols := src.Dim(-2), src.Dim(-1)
	dstCols := dst.Dim(-1)
	for i := 0; i < rows; i++ {
		copy(dst.Data[i*dstCols:i*dstCols+cols], src.Data[i*cols:(i+1)*cols])
	}
}

// ParamGroups splits the learned tensors into those an optimizer should
// apply weight decay to (linear weights) and those it should not (biases,
// norm and embedding weights). Both lists are sorted.
func (m *GPT) ParamGroups() (decay, noDecay []string) {
	for _, p := range m.Parameters() {
		if p.Kind.Decay() {
			decay = append(decay, p.Name)
		} else {
			noDecay = append(noDecay, p.Name)
		}
	}
	sort.Strings(decay)
	sort.Strings(noDecay)
	return decay, noDecay
}

// ParamCount pairs a parameter with its number of values.
type ParamCount struct {
	nn.Param
	Count int
}

// ParamSummary lists every learned tensor with its size.
func (m *GPT) ParamSummary() []ParamCount {
	params := m.Parameters()
	out := make([]ParamCount, len(params))
	for i, p := range params {
		out[i] = ParamCount{Param: p, Count: p.Value.Size()}
	}
	return out
}
