package tensor

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// A 2D right operand is broadcast over every leading dimension of a.
func Matmul(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, false)
}

// MatmulTransposed multiplies a by the transpose of b's last two
// dimensions without materializing it: (..., m, n) x (..., p, n) -> (..., m, p).
// This is the layout of linear weights [out, in] and of attention keys.
func MatmulTransposed(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, true)
}

func matmul(a, b *Tensor, transB bool) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	m, n := a.Dim(-2), a.Dim(-1)
	bn, p := b.Dim(-2), b.Dim(-1)
	if transB {
		bn, p = p, bn
	}
	if n != bn {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, bn)
	}

	// (..., m, n) @ (n, p): fold every leading dimension into the rows.
	if len(b.Shape) == 2 {
		outShape := append(copyShape(a.Shape[:len(a.Shape)-1]), p)
		result := NewTensor(outShape)
		gemm(transB, len(a.Data)/max(n, 1), p, n, a.Data, b.Data, result.Data)
		return result, nil
	}

	if !SameShape(a.Shape[:len(a.Shape)-2], b.Shape[:len(b.Shape)-2]) {
		return nil, fmt.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
	}

	outShape := append(copyShape(a.Shape[:len(a.Shape)-2]), m, p)
	result := NewTensor(outShape)
	batch := shapeSize(a.Shape[:len(a.Shape)-2])

	// Every batch slice writes a disjoint region of result.
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < batch; i++ {
		i := i
		g.Go(func() error {
			gemm(transB, m, p, n,
				a.Data[i*m*n:(i+1)*m*n],
				b.Data[i*n*p:(i+1)*n*p],
				result.Data[i*m*p:(i+1)*m*p])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// gemm computes c = a x b (or a x b^T) for row-major a [m, k], c [m, n].
func gemm(transB bool, m, n, k int, a, b, c []float32) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	bm := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	tB := blas.NoTrans
	if transB {
		bm = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
		tB = blas.Trans
	}
	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		bm,
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
}
