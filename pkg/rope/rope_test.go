package rope

import (
	"math"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"minigpt/pkg/errdefs"
	"minigpt/pkg/tensor"
)

type rotaryFixture struct {
	Base      float64   `yaml:"base"`
	Shape     []int     `yaml:"shape"`
	Input     []float32 `yaml:"input"`
	Expected  []float32 `yaml:"expected"`
	Tolerance float64   `yaml:"tolerance"`
}

func loadFixture(t *testing.T, path string) rotaryFixture {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var f rotaryFixture
	require.NoError(t, yaml.Unmarshal(data, &f))
	return f
}

func TestRotate_Reference(t *testing.T) {
	f := loadFixture(t, "testdata/rotary.yaml")

	x, err := tensor.FromSlice(f.Input, f.Shape)
	require.NoError(t, err)
	enc, err := NewEncoder(f.Shape[len(f.Shape)-1], f.Base)
	require.NoError(t, err)

	got, err := enc.Rotate(x, 0)
	require.NoError(t, err)

	assert.Equal(t, f.Shape, got.Shape)
	if diff := cmp.Diff(f.Expected, got.Data, cmpopts.EquateApprox(0, f.Tolerance)); diff != "" {
		t.Errorf("Rotate mismatch (-want +got):\n%s", diff)
	}
}

func TestRotate_ClosedForm(t *testing.T) {
	// head_dim 2 has one frequency, base^0 = 1, so position p rotates by p radians.
	x := tensor.MustFromSlice([]float32{1.0, 0.8, 0.5, 0.3}, []int{1, 1, 2, 2})
	enc, err := NewEncoder(2, 10000)
	require.NoError(t, err)

	got, err := enc.Rotate(x, 0)
	require.NoError(t, err)

	rot := func(x1, x2, angle float64) (float32, float32) {
		return float32(x1*math.Cos(angle) - x2*math.Sin(angle)), float32(x2*math.Cos(angle) + x1*math.Sin(angle))
	}
	a0, b0 := rot(1.0, 0.8, 1)
	a1, b1 := rot(0.5, 0.3, 2)
	if diff := cmp.Diff([]float32{a0, b0, a1, b1}, got.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("Rotate mismatch (-want +got):\n%s", diff)
	}
}

func TestRotate_Deterministic(t *testing.T) {
	x := tensor.MustFromSlice([]float32{
		0.1, -0.2, 0.3, 0.4,
		0.5, 0.6, -0.7, 0.8,
		-0.9, 1.0, 1.1, -1.2,
	}, []int{1, 3, 4})
	enc, err := NewEncoder(4, 10000)
	require.NoError(t, err)

	a, err := enc.Rotate(x, 0)
	require.NoError(t, err)
	b, err := enc.Rotate(x, 0)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, float32(0.1), x.Data[0], "input must not change")
}

func TestRotate_PreservesNorm(t *testing.T) {
	x := tensor.MustFromSlice([]float32{3, -1, 4, 1, 5, 9, 2, -6}, []int{2, 4})
	enc, err := NewEncoder(4, 10000)
	require.NoError(t, err)

	got, err := enc.Rotate(x, 3)
	require.NoError(t, err)

	for s := 0; s < 2; s++ {
		// each (i, i+half) pair is rotated rigidly
		for i := 0; i < 2; i++ {
			in := math.Hypot(float64(x.Get(s, i)), float64(x.Get(s, i+2)))
			out := math.Hypot(float64(got.Get(s, i)), float64(got.Get(s, i+2)))
			assert.InDelta(t, in, out, 1e-5)
		}
	}
}

func TestRotate_Offset(t *testing.T) {
	full := tensor.MustFromSlice([]float32{
		0.3, 0.1, -0.5, 0.2,
		0.7, -0.4, 0.6, 0.9,
		-0.8, 0.5, 0.1, -0.3,
	}, []int{1, 1, 3, 4})
	enc, err := NewEncoder(4, 500)
	require.NoError(t, err)

	whole, err := enc.Rotate(full, 0)
	require.NoError(t, err)

	last, err := full.Narrow(2, 2, 1)
	require.NoError(t, err)
	tail, err := enc.Rotate(last, 2)
	require.NoError(t, err)

	want, err := whole.Narrow(2, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, want.Data, tail.Data)
}

func TestRotate_FiveDimensional(t *testing.T) {
	// grouped queries (b, kv, g, t, d) rotate exactly like (b, h, t, d)
	data := make([]float32, 2*2*3*4)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	enc, err := NewEncoder(4, 10000)
	require.NoError(t, err)

	four, err := enc.Rotate(tensor.MustFromSlice(data, []int{1, 4, 3, 4}), 0)
	require.NoError(t, err)
	five, err := enc.Rotate(tensor.MustFromSlice(data, []int{1, 2, 2, 3, 4}), 0)
	require.NoError(t, err)
	assert.Equal(t, four.Data, five.Data)
}

func TestPhaseCache(t *testing.T) {
	c, err := NewPhaseCache(4, 2, 0, 100)
	require.NoError(t, err)

	// theta = [1, 0.1]; positions 1 and 2
	wantAngles := []float64{1, 0.1, 1, 0.1, 2, 0.2, 2, 0.2}
	for i, a := range wantAngles {
		assert.InDelta(t, math.Sin(a), c.Sin[i], 1e-6)
		assert.InDelta(t, math.Cos(a), c.Cos[i], 1e-6)
	}
}

func TestEncoderErrors(t *testing.T) {
	_, err := NewEncoder(3, 10000)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = NewEncoder(4, 0)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = NewPhaseCache(5, 2, 0, 10000)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	enc, err := NewEncoder(4, 10000)
	require.NoError(t, err)
	_, err = enc.Rotate(tensor.NewTensor([]int{1, 2, 6}), 0)
	assert.ErrorIs(t, err, errdefs.ErrShape)
	_, err = enc.Rotate(tensor.NewTensor([]int{4}), 0)
	assert.ErrorIs(t, err, errdefs.ErrShape)
}

func BenchmarkRotate(b *testing.B) {
	x := tensor.Full([]int{8, 6, 128, 32}, 0.5)
	enc, err := NewEncoder(32, 10000)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := enc.Rotate(x, 0); err != nil {
			b.Fatal(err)
		}
	}
}
