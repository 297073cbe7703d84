// Package checkpoint reads and writes model weights: PyTorch state dicts
// saved with torch.save, and native gob snapshots that also carry the
// configuration.
package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/rs/zerolog/log"

	"minigpt/pkg/tensor"
)

// LoadPyTorch reads a state dict saved with torch.save(model.state_dict(),
// path) and converts every tensor to float32.
func LoadPyTorch(filename string) (map[string]*tensor.Tensor, error) {
	torchModel, err := pytorch.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load torch model %q: %w", filename, err)
	}
	sd, err := FromPickled(torchModel)
	if err != nil {
		return nil, fmt.Errorf("failed to read model params: %w", err)
	}
	log.Debug().Str("file", filename).Int("tensors", len(sd)).Msg("loaded pytorch state dict")
	return sd, nil
}

// FromPickled converts an unpickled state dict (an ordered dict of name to
// tensor) to tensors.
func FromPickled(obj any) (map[string]*tensor.Tensor, error) {
	od, err := cast[*types.OrderedDict](obj)
	if err != nil {
		return nil, err
	}

	sd := make(map[string]*tensor.Tensor, od.Len())
	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		pt, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		t, err := convert(pt)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %q: %w", name, err)
		}
		sd[name] = t
	}
	return sd, nil
}

// convert copies a possibly strided torch tensor into a contiguous one.
func convert(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	data, err := storageData(pt.Source)
	if err != nil {
		return nil, err
	}

	shape := append([]int(nil), pt.Size...)
	stride := append([]int(nil), pt.Stride...)
	if len(shape) == 0 {
		shape, stride = []int{1}, []int{1}
	}
	if len(stride) != len(shape) {
		return nil, fmt.Errorf("tensor has %d sizes but %d strides", len(shape), len(stride))
	}

	out := tensor.NewTensor(shape)
	if len(out.Data) == 0 {
		return out, nil
	}

	last := pt.StorageOffset
	for i, n := range shape {
		last += (n - 1) * stride[i]
	}
	if pt.StorageOffset < 0 || last >= len(data) {
		return nil, fmt.Errorf("tensor %v at offset %d exceeds storage of %d values", shape, pt.StorageOffset, len(data))
	}

	idx := make([]int, len(shape))
	src := pt.StorageOffset
	for i := range out.Data {
		out.Data[i] = data[src]
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			src += stride[d]
			if idx[d] < shape[d] {
				break
			}
			src -= stride[d] * idx[d]
			idx[d] = 0
		}
	}
	return out, nil
}

func storageData(s pytorch.StorageInterface) ([]float32, error) {
	switch st := s.(type) {
	case *pytorch.FloatStorage:
		return st.Data, nil
	case *pytorch.HalfStorage:
		return st.Data, nil
	case *pytorch.BFloat16Storage:
		return st.Data, nil
	case *pytorch.DoubleStorage:
		data := make([]float32, len(st.Data))
		for i, v := range st.Data {
			data[i] = float32(v)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %T", s)
	}
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}
