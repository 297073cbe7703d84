// Package tensor provides the dense float32 arrays the transformer layers
// operate on.
//
// Tensors are always contiguous and row-major. Operations return fresh
// tensors unless documented otherwise; View and Reshape share storage.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, heads, seq, dim])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, shapeSize(shape)),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// Full creates a tensor with every element set to value.
func Full(shape []int, value float32) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromSlice creates a tensor from a copy of data with the given shape.
// Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if expected := shapeSize(shape); len(data) != expected {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expected)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// MustFromSlice is like FromSlice but panics on error.
func MustFromSlice(data []float32, shape []int) *Tensor {
	t, err := FromSlice(data, shape)
	if err != nil {
		panic(err)
	}
	return t
}

// View returns a tensor with a different shape sharing the same data.
// A single -1 dimension is inferred from the remaining ones.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	infer := -1
	known := 1
	for i, dim := range shape {
		switch {
		case dim == -1 && infer < 0:
			infer = i
		case dim < 0:
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, newShape)
		default:
			known *= dim
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension of shape %v for tensor of size %d", newShape, len(t.Data))
		}
		shape[infer] = len(t.Data) / known
	}

	if newSize := shapeSize(shape); newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   shape,
		Strides: computeStrides(shape),
	}, nil
}

// Reshape is like View but panics on error.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Permute reorders the dimensions of the tensor, copying the data.
// dims[i] names the source dimension that becomes dimension i.
func (t *Tensor) Permute(dims ...int) (*Tensor, error) {
	if len(dims) != len(t.Shape) {
		return nil, fmt.Errorf("permutation %v does not match tensor with %d dimensions", dims, len(t.Shape))
	}
	seen := make([]bool, len(dims))
	newShape := make([]int, len(dims))
	srcStrides := make([]int, len(dims))
	for i, d := range dims {
		if d < 0 || d >= len(dims) || seen[d] {
			return nil, fmt.Errorf("invalid permutation %v", dims)
		}
		seen[d] = true
		newShape[i] = t.Shape[d]
		srcStrides[i] = t.Strides[d]
	}

	result := NewTensor(newShape)
	if len(result.Data) == 0 {
		return result, nil
	}

	// Walk the destination in order, advancing an odometer over its indices
	// and tracking the matching source offset.
	idx := make([]int, len(newShape))
	src := 0
	for dst := range result.Data {
		result.Data[dst] = t.Data[src]
		for d := len(newShape) - 1; d >= 0; d-- {
			idx[d]++
			src += srcStrides[d]
			if idx[d] < newShape[d] {
				break
			}
			src -= srcStrides[d] * idx[d]
			idx[d] = 0
		}
	}
	return result, nil
}

// Transpose exchanges two dimensions of the tensor.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if dim1 < 0 || dim1 >= len(t.Shape) || dim2 < 0 || dim2 >= len(t.Shape) {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, len(t.Shape))
	}
	dims := make([]int, len(t.Shape))
	for i := range dims {
		dims[i] = i
	}
	dims[dim1], dims[dim2] = dims[dim2], dims[dim1]
	return t.Permute(dims...)
}

// Narrow returns a copy of the range [start, start+length) of dimension dim.
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}
	if start < 0 || length < 0 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("invalid range [%d, %d) for dimension %d with size %d",
			start, start+length, dim, t.Shape[dim])
	}

	newShape := copyShape(t.Shape)
	newShape[dim] = length
	result := NewTensor(newShape)

	// Every outer index copies one contiguous chunk of length*inner values.
	outer := shapeSize(t.Shape[:dim])
	inner := t.Strides[dim]
	chunk := length * inner
	for o := 0; o < outer; o++ {
		src := o*t.Shape[dim]*inner + start*inner
		copy(result.Data[o*chunk:(o+1)*chunk], t.Data[src:src+chunk])
	}
	return result, nil
}

// Concatenate joins tensors along a dimension. All other dimensions must
// agree.
func Concatenate(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate empty list of tensors")
	}
	if dim < 0 || dim >= len(tensors[0].Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(tensors[0].Shape))
	}

	outShape := copyShape(tensors[0].Shape)
	concatSize := tensors[0].Shape[dim]
	for i := 1; i < len(tensors); i++ {
		t := tensors[i]
		if len(t.Shape) != len(outShape) {
			return nil, fmt.Errorf("tensor %d has %d dimensions, expected %d", i, len(t.Shape), len(outShape))
		}
		for j := range outShape {
			if j == dim {
				concatSize += t.Shape[j]
			} else if t.Shape[j] != outShape[j] {
				return nil, fmt.Errorf("tensor %d has shape %v, incompatible with %v at dimension %d", i, t.Shape, outShape, j)
			}
		}
	}
	outShape[dim] = concatSize
	result := NewTensor(outShape)

	outer := shapeSize(outShape[:dim])
	inner := result.Strides[dim]
	dst := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			chunk := t.Shape[dim] * inner
			copy(result.Data[dst:dst+chunk], t.Data[o*chunk:(o+1)*chunk])
			dst += chunk
		}
	}
	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return shapeSize(t.Shape)
}

// NumDims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) NumDims() int {
	return len(t.Shape)
}

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i := range t.Shape {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices ...int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	dataCopy := make([]float32, len(t.Data))
	copy(dataCopy, t.Data)
	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(t.Shape),
		Strides: computeStrides(t.Shape),
	}
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return SameShape(t.Shape, other.Shape)
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor[")
	for i, dim := range t.Shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", dim)
	}
	sb.WriteString("]: ")
	if len(t.Data) > 0 {
		sb.WriteString(formatData(t.Shape, t.Data, 0))
	} else {
		sb.WriteString("[]")
	}
	return sb.String()
}

// formatData recursively formats tensor data, eliding long dimensions.
func formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	var sb strings.Builder
	sb.WriteString("[")
	if len(shape) == 1 {
		for i := 0; i < shape[0] && i < 6; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%g", data[offset+i])
		}
		if shape[0] > 6 {
			sb.WriteString(", ...")
		}
		sb.WriteString("]")
		return sb.String()
	}

	subSize := shapeSize(shape[1:])
	for i := 0; i < shape[0] && i < 3; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatData(shape[1:], data, offset+i*subSize))
	}
	if shape[0] > 3 {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

func checkShape(shape []int) error {
	for _, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	return nil
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
