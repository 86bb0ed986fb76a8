// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

// Clip range for probabilities passed to the log loss
const lossEpsilon = 1e-7

// Function which may be called via the queue
type Function struct {
	name string
	fn   func()
}

func args(name string, fn func()) Function {
	return Function{name: name, fn: fn}
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return args("copy", func() {
		switch d := data.(type) {
		case []float32:
			copy(d, f32(a))
		case []int32:
			copy(d, i32(a))
		default:
			panic(fmt.Sprintf("Read: invalid slice type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return args("copy", func() {
		switch d := data.(type) {
		case []float32:
			copy(f32(a), d)
		case []int32:
			copy(i32(a), d)
		default:
			panic(fmt.Sprintf("Write: invalid slice type %T", data))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func() {
		if a.Dtype() == Int32 {
			d := i32(a)
			for i := range d {
				d[i] = int32(scalar)
			}
			return
		}
		d := f32(a)
		for i := range d {
			d[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled column wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	switch {
	case SameShape(ddim, sdim) || Prod(ddim) == Prod(sdim):
		return args("copy", func() {
			if dst.Dtype() == Int32 {
				copy(i32(dst), i32(src))
			} else {
				copy(f32(dst), f32(src))
			}
		})
	case len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[0]:
		return args("tile", func() {
			d, s := f32(dst), f32(src)
			for col := 0; col < ddim[1]; col++ {
				copy(d[col*ddim[0]:(col+1)*ddim[0]], s)
			}
		})
	default:
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return args("neq", func() {
		xd, yd, rd := i32(x), i32(y), i32(res)
		for i := range rd {
			if xd[i] != yd[i] {
				rd[i] = 1
			} else {
				rd[i] = 0
			}
		}
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return args("onehot", func() {
		xd, yd := i32(x), f32(y)
		for i := range yd {
			yd[i] = 0
		}
		for col, label := range xd {
			if label < 0 || int(label) >= classes {
				panic(fmt.Sprintf("Onehot: label %d out of range", label))
			}
			yd[col*classes+int(label)] = 1
		}
	})
}

// Convert from OneHot format back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return args("unhot", func() {
		xd, yd := f32(x), i32(y)
		rows := xdim[0]
		for col := range yd {
			vec := xd[col*rows : (col+1)*rows]
			best := 0
			for row, val := range vec {
				if val > vec[best] {
					best = row
				}
			}
			yd[col] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return args("scale", func() {
		blas32.Scal(alpha, vector(f32(x)))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return args("axpy", func() {
		blas32.Axpy(alpha, vector(f32(x)), vector(f32(y)))
	})
}

// Transpose sets mB to a copy of mA with the data transposed.
func Transpose(mA, mB Array) Function {
	adim, bdim := mA.Dims(), mB.Dims()
	if len(adim) != 2 || len(bdim) != 2 {
		panic("Transpose: arrays must be 2D")
	}
	if adim[0] != bdim[1] || adim[1] != bdim[0] {
		panic("Transpose: destination matrix is wrong shape")
	}
	return args("trans", func() {
		a, b := f32(mA), f32(mB)
		rows, cols := adim[0], adim[1]
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				b[c+r*cols] = a[r+c*rows]
			}
		}
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func() {
		sum := float32(0)
		if a.Dtype() == Int32 {
			for _, v := range i32(a) {
				sum += float32(v)
			}
		} else {
			for _, v := range f32(a) {
				sum += v
			}
		}
		f32(total)[0] = sum * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	return args("gemv", func() {
		// column major m x n matrix is the row major n x m transpose
		t := blas.Trans
		if aTrans == Trans {
			t = blas.NoTrans
		}
		blas32.Implementation().Sgemv(t, n, m, alpha, f32(mA), m, f32(x), 1, beta, f32(y), 1)
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func() {
		gemm(aTrans == Trans, bTrans == Trans, m, n, k, alpha, f32(mA), adim[0], f32(mB), bdim[0], beta, f32(mC), m)
	})
}

// gemm computes C = alpha*op(A)*op(B) + beta*C for column major data where C is m x n and op(A) is m x k.
// This is the row major product Ct = op(B)t * op(A)t so the arguments are swapped over.
func gemm(aTrans, bTrans bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	blas32.Implementation().Sgemm(trans(bTrans), trans(aTrans), n, m, k, alpha, b, ldb, a, lda, beta, c, ldc)
}

func trans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, func(v float32) float32 {
		return 1 / (1 + math32.Exp(-v))
	})
}

func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(v, g float32) float32 {
		s := 1 / (1 + math32.Exp(-v))
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, math32.Tanh)
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(v, g float32) float32 {
		t := math32.Tanh(v)
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(v, g float32) float32 {
		if v > 0 {
			return g
		}
		return 0
	})
}

// Softmax activation function applied to each column of the matrix
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	return args("softmax", func() {
		xd, rd := f32(x), f32(res)
		rows := xdim[0]
		for col := 0; col < xdim[1]; col++ {
			in := xd[col*rows : (col+1)*rows]
			out := rd[col*rows : (col+1)*rows]
			max := in[0]
			for _, v := range in {
				max = math32.Max(max, v)
			}
			sum := float32(0)
			for i, v := range in {
				out[i] = math32.Exp(v - max)
				sum += out[i]
			}
			for i := range out {
				out[i] /= sum
			}
		}
	})
}

// Sparse categorical cross entropy loss given predicted probabilities and the integer class labels.
// Probabilities are clipped to [eps, 1-eps] before taking the log.
func SoftmaxLoss(yPred, y, res Array) Function {
	if yPred.Dtype() != Float32 || y.Dtype() != Int32 || res.Dtype() != Float32 {
		panic("SoftmaxLoss: incorrect datatype")
	}
	pdim, ydim, rdim := yPred.Dims(), y.Dims(), res.Dims()
	if len(pdim) != 2 || len(ydim) != 1 || !SameShape(ydim, rdim) || ydim[0] != pdim[1] {
		panic("SoftmaxLoss: invalid array shape")
	}
	return args("softmax_loss", func() {
		pd, yd, rd := f32(yPred), i32(y), f32(res)
		rows := pdim[0]
		for col, label := range yd {
			p := pd[col*rows+int(label)]
			if p < lossEpsilon {
				p = lossEpsilon
			} else if p > 1-lossEpsilon {
				p = 1 - lossEpsilon
			}
			rd[col] = -math32.Log(p)
		}
	})
}

// Dropout sets y to x with a random subset of ratio of the elements set to zero and the rest scaled by 1/(1-ratio).
// The mask array records the scale factor applied to each element for use in the backward pass.
func Dropout(x, y, mask Array, ratio float32, rng *rand.Rand) Function {
	if !SameShape(x.Dims(), y.Dims()) || !SameShape(x.Dims(), mask.Dims()) {
		panic("Dropout: arrays must be same shape")
	}
	return args("dropout", func() {
		xd, yd, md := f32(x), f32(y), f32(mask)
		scale := 1 / (1 - ratio)
		for i := range md {
			if rng.Float32() < ratio {
				md[i] = 0
			} else {
				md[i] = scale
			}
			yd[i] = xd[i] * md[i]
		}
	})
}

func DropoutD(grad, mask, y Array) Function {
	return binaryFunc("dropout_d", grad, mask, y, func(g, m float32) float32 { return g * m })
}

// Adam optimizer update for a single parameter array, step is the 1 based iteration count.
// w <- w - lr_t * m / (sqrt(v) + eps) where lr_t = lr * sqrt(1-beta2^t) / (1-beta1^t)
func Adam(w, dw, m, v Array, lr, beta1, beta2, eps float32, step int) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("Adam: arrays must be same shape")
	}
	return args("adam", func() {
		t := float32(step)
		lrt := lr * math32.Sqrt(1-math32.Pow(beta2, t)) / (1 - math32.Pow(beta1, t))
		wd, gd, md, vd := f32(w), f32(dw), f32(m), f32(v)
		for i, g := range gd {
			md[i] = beta1*md[i] + (1-beta1)*g
			vd[i] = beta2*vd[i] + (1-beta2)*g*g
			wd[i] -= lrt * md[i] / (math32.Sqrt(vd[i]) + eps)
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("UnaryFunc: arrays must be same size")
	}
	return args(name, func() {
		xd, yd := f32(x), f32(y)
		for i, v := range xd {
			yd[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(a, b float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("BinaryFunc: arrays must be same size")
	}
	return args(name, func() {
		xd, yd, zd := f32(x), f32(y), f32(z)
		for i := range zd {
			zd[i] = fn(xd[i], yd[i])
		}
	})
}
