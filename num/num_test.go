package num

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func newQueue(t testing.TB) Queue {
	return NewDevice(false).NewQueue()
}

func TestDevice(t *testing.T) {
	if dev := NewDevice(true); dev.Name() != NewDevice(false).Name() {
		t.Error("expecting fallback to CPU device, got", dev.Name())
	}
	q := newQueue(t)
	t.Log(q.Dev().Name())
	if len(GPUDevices()) != 0 {
		t.Error("no GPU devices expected")
	}
}

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	q := newQueue(t)
	x := q.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	y := x.Reshape(3, -1)
	if dim := y.Dims(); !reflect.DeepEqual(dim, []int{3, 2}) {
		t.Error("dims invalid: got", dim)
	}
	q.Call(Fill(y, 7), Read(x, res)).Finish()
	for _, v := range res {
		if v != 7 {
			t.Fatal("reshaped array should share data: got", res)
		}
	}
	t.Logf("x\n%s", x.String(q))
}

func TestCopy(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Float32, 2, 3)
	y := q.NewArray(Float32, 2)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{1, 2}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{1, 2, 1, 2, 1, 2}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	z := q.NewArray(Float32, 2, 3)
	q.Call(
		Write(z, []float32{3, 3, 2, 2, 1, 1}),
		Copy(x, z),
		Read(x, res),
	).Finish()
	expect = []float32{3, 3, 2, 2, 1, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestOnehot(t *testing.T) {
	q := newQueue(t)
	y := q.NewArray(Int32, 4)
	y1h := q.NewArray(Float32, 3, 4)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	expect := []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	res2 := make([]int32, 4)
	q.Call(
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	if !reflect.DeepEqual(res2, vec) {
		t.Error("got", res2, "expect", vec)
	}
}

func TestNeq(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Int32, 4)
	y := q.NewArray(Int32, 4)
	diff := q.NewArray(Int32, 4)
	total := q.NewArray(Float32)
	res := []float32{0}
	q.Call(
		Write(x, []int32{1, 2, 3, 4}),
		Write(y, []int32{1, 0, 3, 0}),
		Neq(x, y, diff),
		Sum(diff, total, 1),
		Read(total, res),
	).Finish()
	if res[0] != 2 {
		t.Error("got", res[0], "expect", 2)
	}
}

func TestTranspose(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Float32, 2, 3)
	y := q.NewArray(Float32, 3, 2)
	res1 := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Transpose(x, y),
		Read(y, res1),
	).Finish()
	t.Logf("x\n%v", x.String(q))
	t.Logf("y\n%v", y.String(q))
	xT := []float32{1, 2, 3, 1, 2, 3}
	if !reflect.DeepEqual(res1, xT) {
		t.Error("got", res1, "expect", xT)
	}
}

func TestAxpy(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Float32, 2, 3)
	y := q.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Scale(2, y),
		Read(y, res),
	).Finish()
	expect := []float32{5, 5, 9, 9, 13, 13}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSum(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Float32, 2, 3)
	sum := q.NewArray(Float32)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	if res[0] != 3.5 {
		t.Error("got", res[0], "expect", 3.5)
	}
	// sum for each column
	sum = q.NewArray(Float32, 3)
	res = make([]float32, 3)
	ones := q.NewArray(Float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, Trans),
		Read(sum, res),
	).Finish()
	expect := []float32{3, 7, 11}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	// sum for each row
	sum = q.NewArray(Float32, 2)
	res = make([]float32, 2)
	ones = q.NewArray(Float32, 3)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, NoTrans),
		Read(sum, res),
	).Finish()
	expect = []float32{9, 12}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestGemm(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Float32, 2, 3)
	y := q.NewArray(Float32, 3, 2)
	z := q.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		expect := []float32{58, 139, 64, 154}
		if !reflect.DeepEqual(res, expect) {
			t.Error("got", res, "expect", expect)
		}
	}
	// xT x
	xtx := q.NewArray(Float32, 3, 3)
	res = make([]float32, 9)
	q.Call(
		Gemm(1, 0, x, x, xtx, Trans, NoTrans),
		Read(xtx, res),
	).Finish()
	expect := []float32{17, 22, 27, 22, 29, 36, 27, 36, 45}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSoftmax(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Float32, 3, 2)
	y := q.NewArray(Float32, 3, 2)
	labels := q.NewArray(Int32, 2)
	loss := q.NewArray(Float32, 2)
	res := make([]float32, 6)
	lossRes := make([]float32, 2)
	q.Call(
		Write(x, []float32{1, 2, 3, 1000, 0, 0}),
		Write(labels, []int32{2, 1}),
		Softmax(x, y),
		SoftmaxLoss(y, labels, loss),
		Read(y, res),
		Read(loss, lossRes),
	).Finish()
	t.Logf("softmax\n%s", y.String(q))
	sum := res[0] + res[1] + res[2]
	if math.Abs(float64(sum)-1) > 1e-6 || res[2] <= res[1] || res[1] <= res[0] {
		t.Error("invalid softmax output", res[:3])
	}
	expect := -math.Log(float64(res[2]))
	if math.Abs(float64(lossRes[0])-expect) > 1e-5 {
		t.Error("got loss", lossRes[0], "expect", expect)
	}
	// probability of zero is clipped
	expect = -math.Log(1e-7)
	if math.Abs(float64(lossRes[1])-expect) > 1e-3 {
		t.Error("got loss", lossRes[1], "expect", expect)
	}
}

func TestActivation(t *testing.T) {
	q := newQueue(t)
	x := q.NewArray(Float32, 4)
	y := q.NewArray(Float32, 4)
	grad := q.NewArray(Float32, 4)
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{-2, -0.5, 0.5, 2}),
		Relu(x, y),
		Read(y, res),
	).Finish()
	if expect := []float32{0, 0, 0.5, 2}; !reflect.DeepEqual(res, expect) {
		t.Error("relu got", res, "expect", expect)
	}
	q.Call(
		Fill(grad, 3),
		ReluD(x, grad, y),
		Read(y, res),
	).Finish()
	if expect := []float32{0, 0, 3, 3}; !reflect.DeepEqual(res, expect) {
		t.Error("relu deriv got", res, "expect", expect)
	}
	q.Call(
		Fill(grad, 1),
		SigmoidD(x, grad, y),
		Read(y, res),
	).Finish()
	if math.Abs(float64(res[3])-0.104994) > 1e-5 {
		t.Error("sigmoid deriv got", res[3])
	}
}

func TestDropout(t *testing.T) {
	q := newQueue(t)
	n := 10000
	x := q.NewArray(Float32, n)
	y := q.NewArray(Float32, n)
	mask := q.NewArray(Float32, n)
	res := make([]float32, n)
	rng := rand.New(rand.NewSource(42))
	q.Call(
		Fill(x, 1),
		Dropout(x, y, mask, 0.5, rng),
		Read(y, res),
	).Finish()
	zeros := 0
	for _, v := range res {
		if v == 0 {
			zeros++
		} else if v != 2 {
			t.Fatal("expecting kept values to be scaled by 2, got", v)
		}
	}
	t.Logf("dropped %d of %d", zeros, n)
	if zeros < 4500 || zeros > 5500 {
		t.Error("dropout ratio out of range")
	}
}

func TestAdam(t *testing.T) {
	q := newQueue(t)
	w := q.NewArray(Float32, 2)
	dw := q.NewArray(Float32, 2)
	m := q.NewArray(Float32, 2)
	v := q.NewArray(Float32, 2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, 1}),
		Write(dw, []float32{0.5, -2}),
		Adam(w, dw, m, v, 0.001, 0.9, 0.999, 1e-7, 1),
		Read(w, res),
	).Finish()
	// first step moves each weight by lr against the gradient sign
	expect := []float64{0.999, 1.001}
	for i := range res {
		if math.Abs(float64(res[i])-expect[i]) > 1e-6 {
			t.Error("got", res, "expect", expect)
		}
	}
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	q := newQueue(b)
	x := q.NewArray(Float32, size, size)
	y := q.NewArray(Float32, size, size)
	z := q.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}
