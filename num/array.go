package num

import (
	"fmt"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array interface is a general n dimensional tensor similar to a numpy ndarray
// data is stored internally in column major order
type Array interface {
	// Dims returns the shape of the array in rows, cols, ... order
	Dims() []int
	// Size is total number of elements
	Size() int
	// Dtype returns the data type of the elements in the array
	Dtype() DataType
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Formatted output
	String(q Queue) string
	// Release any allocated memory
	Release()
}

// array resident in main memory
type arrayCPU struct {
	arrayBase
	f []float32
	i []int32
}

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	return newArrayCPU(dtype, dims)
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return newArrayCPU(a.Dtype(), a.Dims())
}

func newArrayCPU(dtype DataType, dims []int) *arrayCPU {
	dims = append([]int{}, dims...)
	a := &arrayCPU{arrayBase: arrayBase{size: Prod(dims), dims: dims, dtype: dtype}}
	switch dtype {
	case Float32:
		a.f = make([]float32, a.size)
	case Int32:
		a.i = make([]int32, a.size)
	default:
		panic(fmt.Sprintf("NewArray: invalid data type %d", dtype))
	}
	return a
}

func (a *arrayCPU) Release() {}

func (a *arrayCPU) Reshape(dims ...int) Array {
	return &arrayCPU{arrayBase: a.reshape(dims), f: a.f, i: a.i}
}

func (a *arrayCPU) String(q Queue) string { return toString(a, q) }

// float32 data for array, panics if wrong type
func f32(a Array) []float32 {
	arr, ok := a.(*arrayCPU)
	if !ok || arr.dtype != Float32 {
		panic(fmt.Sprintf("expecting float32 array, got %T", a))
	}
	return arr.f
}

// int32 data for array, panics if wrong type
func i32(a Array) []int32 {
	arr, ok := a.(*arrayCPU)
	if !ok || arr.dtype != Int32 {
		panic(fmt.Sprintf("expecting int32 array, got %T", a))
	}
	return arr.i
}

// common array functions
type arrayBase struct {
	size  int
	dims  []int
	dtype DataType
}

func (a arrayBase) Size() int { return a.size }

func (a arrayBase) Dims() []int { return a.dims }

func (a arrayBase) Dtype() DataType { return a.dtype }

func (a arrayBase) reshape(dims []int) arrayBase {
	dims = append([]int{}, dims...)
	n := a.size
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic("reshape must be to array of same size")
	}
	return arrayBase{size: n, dims: dims, dtype: a.dtype}
}

func toString(a Array, q Queue) string {
	var data interface{}
	if a.Dtype() == Int32 {
		data = make([]int32, a.Size())
	} else {
		data = make([]float32, a.Size())
	}
	q.Call(Read(a, data)).Finish()
	return format(a.Dims(), data, 0, 1, "", false)
}

func format(dims []int, data interface{}, at, stride int, indent string, dots bool) string {
	var s string
	switch len(dims) {
	case 0:
		if dots {
			s = "    ... "
		} else {
			switch d := data.(type) {
			case []int32:
				s = fmt.Sprintf("%5d ", d[at])
			case []float32:
				val := d[at]
				if abs(val) < 1 {
					val = float32(int(10000*val+0.5)) / 10000
				}
				s = fmt.Sprintf("%7.5g ", val)
			}
		}
	case 1:
		s = "["
		for i := 0; i < dims[0]; i++ {
			dots2 := dims[0] > PrintThreshold+1 && i == PrintEdgeitems
			s += format([]int{}, data, at+i*stride, 1, "", dots || dots2)
			if dots2 {
				i = dims[0] - PrintEdgeitems - 1
			}
		}
		s += "]"
	case 2:
		var pre, post string
		for i := 0; i < dims[0]; i++ {
			if i == 0 {
				pre = "["
			} else {
				pre = " "
			}
			if i < dims[0]-1 {
				post = "\n"
			} else {
				post = "]\n"
			}
			dots := dims[0] > PrintThreshold+1 && i == PrintEdgeitems
			s += indent + pre + format(dims[1:], data, at+i, dims[0], "", dots) + post
			if dots {
				i = dims[0] - PrintEdgeitems - 1
			}
		}
	default:
		d := len(dims) - 1
		bsize := Prod(dims[:d])
		s = indent + "[\n"
		for i := 0; i < dims[d]; i++ {
			if dims[d] > PrintThreshold+1 && i == PrintEdgeitems {
				s += "   ...  ...   \n"
				i = dims[d] - PrintEdgeitems - 1
			} else {
				s += format(dims[:d], data, at+bsize*i, 1, indent+" ", false)
			}
		}
		s += indent + "]\n"
	}
	return s
}

func abs(x float32) float32 {
	if x >= 0 {
		return x
	}
	return -x
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}

// Release one or more arrays
func Release(arr ...Array) {
	for _, a := range arr {
		if a != nil {
			a.Release()
		}
	}
}
