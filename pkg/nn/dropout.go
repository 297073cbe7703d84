package nn

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"minigpt/pkg/tensor"
)

// Mode is the train/eval switch shared by every dropout layer of a model.
// The zero value is evaluation mode.
type Mode struct {
	training atomic.Bool
}

// SetTraining switches between training and evaluation.
func (m *Mode) SetTraining(on bool) { m.training.Store(on) }

// Training reports whether dropout is active.
func (m *Mode) Training() bool { return m != nil && m.training.Load() }

// Dropout applies inverted dropout while its Mode is training and is the
// identity otherwise.
type Dropout struct {
	P    float32
	mode *Mode

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDropout creates a dropout layer with its own random stream.
func NewDropout(p float32, seed uint64, mode *Mode) *Dropout {
	return &Dropout{
		P:    p,
		mode: mode,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Forward returns x unchanged in evaluation mode.
func (d *Dropout) Forward(x *tensor.Tensor) *tensor.Tensor {
	if d.P == 0 || !d.mode.Training() {
		return x
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return x.Dropout(d.P, d.rng)
}
