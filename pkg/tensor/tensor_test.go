package tensor

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

// TestNewTensor tests tensor creation
func TestNewTensor(t *testing.T) {
	tests := []struct {
		name     string
		shape    []int
		expected int
		strides  []int
	}{
		{"1D", []int{5}, 5, []int{1}},
		{"2D", []int{3, 4}, 12, []int{4, 1}},
		{"3D", []int{2, 3, 4}, 24, []int{12, 4, 1}},
		{"empty dim", []int{2, 0}, 0, []int{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor := NewTensor(tt.shape)

			assert.Equal(t, tt.shape, tensor.Shape)
			assert.Equal(t, tt.strides, tensor.Strides)
			assert.Len(t, tensor.Data, tt.expected)
			for _, v := range tensor.Data {
				assert.Zero(t, v)
			}
		})
	}
}

// TestFromSlice tests creating tensor from slice
func TestFromSlice(t *testing.T) {
	tests := []struct {
		name      string
		data      []float32
		shape     []int
		errString string
	}{
		{name: "valid 2D", data: []float32{1, 2, 3, 4, 5, 6}, shape: []int{2, 3}},
		{name: "valid 3D", data: []float32{1, 2, 3, 4, 5, 6, 7, 8}, shape: []int{2, 2, 2}},
		{name: "size mismatch", data: []float32{1, 2, 3}, shape: []int{2, 3}, errString: "data size 3 does not match shape"},
		{name: "negative dimension", data: []float32{1, 2, 3, 4}, shape: []int{2, -2}, errString: "invalid dimension"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := FromSlice(tt.data, tt.shape)
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.shape, tensor.Shape)
			assert.Equal(t, tt.data, tensor.Data)

			// the tensor owns a copy
			tt.data[0] = 100
			assert.NotEqual(t, float32(100), tensor.Data[0])
		})
	}
}

// TestView tests tensor reshaping
func TestView(t *testing.T) {
	tests := []struct {
		name      string
		shape     []int
		newShape  []int
		want      []int
		errString string
	}{
		{name: "2x3 to 3x2", shape: []int{2, 3}, newShape: []int{3, 2}, want: []int{3, 2}},
		{name: "to 1D", shape: []int{2, 3}, newShape: []int{6}, want: []int{6}},
		{name: "inferred dimension", shape: []int{2, 3}, newShape: []int{3, -1}, want: []int{3, 2}},
		{name: "size mismatch", shape: []int{2, 3}, newShape: []int{4, 2}, errString: "cannot view tensor of size 6"},
		{name: "negative dimension", shape: []int{2, 3}, newShape: []int{-2, 3}, errString: "invalid dimension"},
		{name: "two inferred", shape: []int{2, 3}, newShape: []int{-1, -1}, errString: "invalid dimension"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor := MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, tt.shape)
			view, err := tensor.View(tt.newShape)
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, view.Shape)
			assert.Same(t, &tensor.Data[0], &view.Data[0], "view should share data")
		})
	}
}

func TestPermute(t *testing.T) {
	// [2, 3, 2] with value = 100*i + 10*j + k
	src := NewTensor([]int{2, 3, 2})
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 2; k++ {
				src.Set(float32(100*i+10*j+k), i, j, k)
			}
		}
	}

	got, err := src.Permute(2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, got.Shape)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 2; k++ {
				assert.Equal(t, src.Get(i, j, k), got.Get(k, i, j))
			}
		}
	}

	_, err = src.Permute(0, 0, 1)
	assert.Error(t, err)
	_, err = src.Permute(0, 1)
	assert.Error(t, err)
}

// TestTranspose tests dimension swapping
func TestTranspose(t *testing.T) {
	tests := []struct {
		name       string
		data       []float32
		shape      []int
		dim1, dim2 int
		want       []float32
		wantShape  []int
		wantErr    bool
	}{
		{
			name:  "2D",
			data:  []float32{1, 2, 3, 4, 5, 6},
			shape: []int{2, 3}, dim1: 0, dim2: 1,
			want:      []float32{1, 4, 2, 5, 3, 6},
			wantShape: []int{3, 2},
		},
		{
			name:  "last two of 3D",
			data:  []float32{1, 2, 3, 4, 5, 6, 7, 8},
			shape: []int{2, 2, 2}, dim1: 1, dim2: 2,
			want:      []float32{1, 3, 2, 4, 5, 7, 6, 8},
			wantShape: []int{2, 2, 2},
		},
		{
			name:  "same dimension",
			data:  []float32{1, 2, 3, 4},
			shape: []int{2, 2}, dim1: 1, dim2: 1,
			want:      []float32{1, 2, 3, 4},
			wantShape: []int{2, 2},
		},
		{
			name:  "out of range",
			data:  []float32{1, 2, 3, 4},
			shape: []int{2, 2}, dim1: 0, dim2: 2,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MustFromSlice(tt.data, tt.shape).Transpose(tt.dim1, tt.dim2)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, got.Shape)
			assert.Equal(t, tt.want, got.Data)
		})
	}
}

func TestNarrow(t *testing.T) {
	src := MustFromSlice([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		10, 11, 12,
	}, []int{2, 2, 3})

	tests := []struct {
		name          string
		dim, start, n int
		want          []float32
		wantShape     []int
		wantErr       bool
	}{
		{name: "first dim", dim: 0, start: 1, n: 1, want: []float32{7, 8, 9, 10, 11, 12}, wantShape: []int{1, 2, 3}},
		{name: "middle dim", dim: 1, start: 1, n: 1, want: []float32{4, 5, 6, 10, 11, 12}, wantShape: []int{2, 1, 3}},
		{name: "last dim", dim: 2, start: 1, n: 2, want: []float32{2, 3, 5, 6, 8, 9, 11, 12}, wantShape: []int{2, 2, 2}},
		{name: "empty", dim: 2, start: 3, n: 0, want: []float32{}, wantShape: []int{2, 2, 0}},
		{name: "past end", dim: 1, start: 1, n: 2, wantErr: true},
		{name: "bad dim", dim: 3, start: 0, n: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := src.Narrow(tt.dim, tt.start, tt.n)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, got.Shape)
			assert.Equal(t, tt.want, got.Data)
		})
	}
}

func TestConcatenate(t *testing.T) {
	a := MustFromSlice([]float32{1, 2, 3, 4}, []int{2, 2})
	b := MustFromSlice([]float32{5, 6}, []int{2, 1})
	c := MustFromSlice([]float32{7, 8}, []int{1, 2})

	got, err := Concatenate([]*Tensor{a, b}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape)
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, got.Data)

	got, err = Concatenate([]*Tensor{a, c}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, got.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 7, 8}, got.Data)

	_, err = Concatenate([]*Tensor{a, b}, 0)
	assert.Error(t, err)
	_, err = Concatenate(nil, 0)
	assert.Error(t, err)
}

func TestMatmul(t *testing.T) {
	tests := []struct {
		name      string
		a, b      *Tensor
		want      []float32
		wantShape []int
		wantErr   bool
	}{
		{
			name:      "2D",
			a:         MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3}),
			b:         MustFromSlice([]float32{7, 8, 9, 10, 11, 12}, []int{3, 2}),
			want:      []float32{58, 64, 139, 154},
			wantShape: []int{2, 2},
		},
		{
			name:      "3D by 2D",
			a:         MustFromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, []int{2, 2, 2}),
			b:         MustFromSlice([]float32{1, 0, 0, 1}, []int{2, 2}),
			want:      []float32{1, 2, 3, 4, 5, 6, 7, 8},
			wantShape: []int{2, 2, 2},
		},
		{
			name:      "batched",
			a:         MustFromSlice([]float32{1, 2, 3, 4, 1, 0, 0, 1}, []int{2, 2, 2}),
			b:         MustFromSlice([]float32{1, 1, 1, 1, 2, 3, 4, 5}, []int{2, 2, 2}),
			want:      []float32{3, 3, 7, 7, 2, 3, 4, 5},
			wantShape: []int{2, 2, 2},
		},
		{
			name:    "inner mismatch",
			a:       NewTensor([]int{2, 3}),
			b:       NewTensor([]int{2, 2}),
			wantErr: true,
		},
		{
			name:    "batch mismatch",
			a:       NewTensor([]int{2, 2, 2}),
			b:       NewTensor([]int{3, 2, 2}),
			wantErr: true,
		},
		{
			name:    "1D",
			a:       NewTensor([]int{2}),
			b:       NewTensor([]int{2, 2}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Matmul(tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, got.Shape)
			if diff := cmp.Diff(tt.want, got.Data, approx); diff != "" {
				t.Errorf("Matmul mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatmulTransposed(t *testing.T) {
	a := MustFromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, []int{2, 2, 3})
	b := MustFromSlice([]float32{1, 0, 1, 0, 1, 0, 2, 2, 2, 1, -1, 0}, []int{2, 2, 3})

	got, err := MatmulTransposed(a, b)
	require.NoError(t, err)

	bt, err := b.Transpose(1, 2)
	require.NoError(t, err)
	want, err := Matmul(a, bt)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 2}, got.Shape)
	if diff := cmp.Diff(want.Data, got.Data, approx); diff != "" {
		t.Errorf("MatmulTransposed mismatch (-want +got):\n%s", diff)
	}

	// linear layout: [rows, in] x [out, in]^T
	w := MustFromSlice([]float32{1, 1, 1, 0, 0, 1}, []int{2, 3})
	got, err = MatmulTransposed(a, w)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, got.Shape)
	assert.Equal(t, []float32{6, 3, 15, 6, 24, 9, 33, 12}, got.Data)
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name      string
		a, b      *Tensor
		want      []float32
		wantShape []int
		wantErr   bool
	}{
		{
			name:      "same shape",
			a:         MustFromSlice([]float32{1, 2, 3, 4}, []int{2, 2}),
			b:         MustFromSlice([]float32{10, 20, 30, 40}, []int{2, 2}),
			want:      []float32{11, 22, 33, 44},
			wantShape: []int{2, 2},
		},
		{
			name:      "broadcast row",
			a:         MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3}),
			b:         MustFromSlice([]float32{10, 20, 30}, []int{3}),
			want:      []float32{11, 22, 33, 14, 25, 36},
			wantShape: []int{2, 3},
		},
		{
			name:      "broadcast column",
			a:         MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3}),
			b:         MustFromSlice([]float32{10, 20}, []int{2, 1}),
			want:      []float32{11, 12, 13, 24, 25, 26},
			wantShape: []int{2, 3},
		},
		{
			name:      "broadcast both",
			a:         MustFromSlice([]float32{1, 2}, []int{2, 1}),
			b:         MustFromSlice([]float32{10, 20, 30}, []int{1, 3}),
			want:      []float32{11, 21, 31, 12, 22, 32},
			wantShape: []int{2, 3},
		},
		{
			name:    "incompatible",
			a:       NewTensor([]int{2, 3}),
			b:       NewTensor([]int{2}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Add(tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, got.Shape)
			assert.Equal(t, tt.want, got.Data)
		})
	}
}

func TestMul(t *testing.T) {
	a := MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3})
	b := MustFromSlice([]float32{2, 0, -1}, []int{3})

	got, err := Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0, -3, 8, 0, -6}, got.Data)
	assert.Equal(t, []float32{6, 12}, Scale(MustFromSlice([]float32{2, 4}, []int{2}), 3).Data)
}

func TestSoftmax(t *testing.T) {
	x := MustFromSlice([]float32{1, 2, 3, 1, 1, 1}, []int{2, 3})
	got := Softmax(x)

	e1, e2, e3 := math.Exp(1), math.Exp(2), math.Exp(3)
	sum := e1 + e2 + e3
	want := []float32{
		float32(e1 / sum), float32(e2 / sum), float32(e3 / sum),
		1.0 / 3, 1.0 / 3, 1.0 / 3,
	}
	if diff := cmp.Diff(want, got.Data, approx); diff != "" {
		t.Errorf("Softmax mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmaxNumericalStability(t *testing.T) {
	negInf := float32(math.Inf(-1))
	x := MustFromSlice([]float32{1000, 1001, 1002, 5, negInf, negInf}, []int{2, 3})
	got := Softmax(x)

	for _, v := range got.Data {
		assert.False(t, math.IsNaN(float64(v)))
		assert.False(t, math.IsInf(float64(v), 0))
	}
	assert.InDelta(t, 1, got.Data[0]+got.Data[1]+got.Data[2], 1e-5)
	assert.Equal(t, []float32{1, 0, 0}, got.Data[3:])
}

func TestCausalMask(t *testing.T) {
	assert.Equal(t, []float32{
		1, 0, 0,
		1, 1, 0,
		1, 1, 1,
	}, CausalMask(3).Data)
}

func TestApplyCausalMask(t *testing.T) {
	negInf := float32(math.Inf(-1))
	mask := CausalMask(4).Reshape([]int{1, 1, 4, 4})

	scores := Full([]int{2, 3, 3}, 1)
	got, err := ApplyCausalMask(scores, mask, 0)
	require.NoError(t, err)
	for b := 0; b < 2; b++ {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				if j > i {
					assert.Equal(t, negInf, got.Get(b, i, j))
				} else {
					assert.Equal(t, float32(1), got.Get(b, i, j))
				}
			}
		}
	}
	assert.Equal(t, float32(1), scores.Get(0, 0, 2), "input must not change")

	// one new query at absolute position 2 sees keys 0..2
	row := Full([]int{1, 1, 1, 4}, 1)
	got, err = ApplyCausalMask(row, mask, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, negInf}, got.Data)

	_, err = ApplyCausalMask(Full([]int{5, 5}, 1), mask, 0)
	assert.Error(t, err)
	_, err = ApplyCausalMask(row, mask, 4)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	s := MustFromSlice([]float32{1, 2, 3, 4}, []int{2, 2}).String()
	assert.True(t, strings.HasPrefix(s, "Tensor[2, 2]"))
	assert.Contains(t, s, "[[1, 2], [3, 4]]")
}

func BenchmarkMatmulTransposed(b *testing.B) {
	x := Full([]int{8, 64, 192}, 0.5)
	w := Full([]int{576, 192}, 0.25)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := MatmulTransposed(x, w); err != nil {
			b.Fatal(err)
		}
	}
}
