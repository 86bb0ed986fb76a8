package num

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Layer interface type represents a DNN layer. Arrays are in column major order with the batch as the last
// dimension. Calling SetSrc with a different batch size reallocates the layer work buffers.
type Layer interface {
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
	HasParams() bool
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
}

// BatchNormLayer normalises each channel over the batch. The weight and bias params are the scale and shift.
type BatchNormLayer interface {
	Layer
	// Moving mean and variance used in inference mode
	Stats() (mean, variance Array)
	// Use batch statistics and update moving statistics if training is set
	SetTraining(on bool)
}

// cpu implementation of each layer type
type cpuLayer interface {
	fwd()
	bData()
	bFilter()
	bBias()
}

// Forward propagation
func Fprop(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(layer.Type()+"_fprop", l.fwd)
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(layer.Type()+"_bprop_data", l.bData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(layer.Type()+"_bprop_filter", l.bFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(layer.Type()+"_bprop_bias", l.bBias)
}

// common layer fields
type layerBase struct {
	typ      string
	inShape  []int
	outShape []int
	src      *arrayCPU
	dst      *arrayCPU
	diffSrc  *arrayCPU
	diffDst  *arrayCPU
}

func (l *layerBase) Type() string { return l.typ }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.diffSrc }

func (l *layerBase) SetDiffDst(a Array) {
	if !SameShape(a.Dims(), l.outShape) {
		panic(fmt.Sprintf("%s: diffDst shape %v should be %v", l.typ, a.Dims(), l.outShape))
	}
	l.diffDst = a.(*arrayCPU)
}

// set source array, returns true if the batch size has changed
func (l *layerBase) setSrc(a Array) bool {
	dims := a.Dims()
	if len(dims) != len(l.inShape) || !SameShape(dims[:len(dims)-1], l.inShape[:len(dims)-1]) {
		panic(fmt.Sprintf("%s: src shape %v should be %v", l.typ, dims, l.inShape))
	}
	l.src = a.(*arrayCPU)
	nBatch := dims[len(dims)-1]
	if nBatch == l.inShape[len(dims)-1] && l.dst != nil {
		return false
	}
	l.inShape[len(l.inShape)-1] = nBatch
	l.outShape[len(l.outShape)-1] = nBatch
	l.dst = newArrayCPU(Float32, l.outShape)
	l.diffSrc = newArrayCPU(Float32, l.inShape)
	return true
}

func (l *layerBase) String() string {
	return fmt.Sprintf("%s: %v => %v\n", l.typ, l.inShape, l.outShape)
}

// weights and bias for layers with parameters
type paramBase struct {
	w, b, dw, db *arrayCPU
}

func (p *paramBase) HasParams() bool { return true }

func (p *paramBase) SetParams(W, B, dW, dB Array) {
	p.w, p.b = W.(*arrayCPU), B.(*arrayCPU)
	p.dw, p.db = dW.(*arrayCPU), dB.(*arrayCPU)
}

type noParams struct{}

func (noParams) HasParams() bool { return false }

func (noParams) SetParams(W, B, dW, dB Array) {}

func (noParams) FilterShape() []int { return nil }

func (noParams) BiasShape() []int { return nil }

func (noParams) bFilter() {}

func (noParams) bBias() {}

// Convolution layer using im2col and a matrix multiply per sample
type convLayer struct {
	layerBase
	paramBase
	size, stride, pad int
	col               []float32
	dcol              []float32
}

// Create new convolution layer, input shape is [w,h,depth,nBatch]
func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	l := &convLayer{size: size, stride: stride, pad: pad}
	wOut, err1 := convOutSize(w, size, stride, pad)
	hOut, err2 := convOutSize(h, size, stride, pad)
	if err1 != nil || err2 != nil {
		panic(fmt.Sprintf("ConvLayer: invalid input shape %dx%d for filter %d stride %d pad %d", w, h, size, stride, pad))
	}
	l.layerBase = layerBase{
		typ:      "conv",
		inShape:  []int{w, h, depth, nBatch},
		outShape: []int{wOut, hOut, nFeats, nBatch},
	}
	return l
}

func (l *convLayer) FilterShape() []int {
	return []int{l.size, l.size, l.inShape[2], l.outShape[2]}
}

func (l *convLayer) BiasShape() []int {
	return []int{l.outShape[2]}
}

func (l *convLayer) SetSrc(a Array) {
	if l.setSrc(a) {
		k, p := l.colShape()
		l.col = make([]float32, k*p*l.inShape[3])
		l.dcol = make([]float32, k*p)
	}
}

// rows and columns of the im2col matrix for one sample
func (l *convLayer) colShape() (k, p int) {
	return l.size * l.size * l.inShape[2], l.outShape[0] * l.outShape[1]
}

func (l *convLayer) fwd() {
	k, p := l.colShape()
	nFeats := l.outShape[2]
	inSize, outSize := Prod(l.inShape[:3]), p*nFeats
	for n := 0; n < l.inShape[3]; n++ {
		col := l.col[n*k*p : (n+1)*k*p]
		out := l.dst.f[n*outSize : (n+1)*outSize]
		l.im2col(l.src.f[n*inSize:(n+1)*inSize], col)
		for f, bias := range l.b.f {
			fill(out[f*p:(f+1)*p], bias)
		}
		gemm(true, false, p, nFeats, k, 1, col, k, l.w.f, k, 1, out, p)
	}
}

func (l *convLayer) bData() {
	k, p := l.colShape()
	nFeats := l.outShape[2]
	inSize, outSize := Prod(l.inShape[:3]), p*nFeats
	for n := 0; n < l.inShape[3]; n++ {
		grad := l.diffDst.f[n*outSize : (n+1)*outSize]
		gemm(false, true, k, p, nFeats, 1, l.w.f, k, grad, p, 0, l.dcol, k)
		l.col2im(l.dcol, l.diffSrc.f[n*inSize:(n+1)*inSize])
	}
}

func (l *convLayer) bFilter() {
	k, p := l.colShape()
	nFeats := l.outShape[2]
	outSize := p * nFeats
	fill(l.dw.f, 0)
	for n := 0; n < l.inShape[3]; n++ {
		col := l.col[n*k*p : (n+1)*k*p]
		grad := l.diffDst.f[n*outSize : (n+1)*outSize]
		gemm(false, false, k, nFeats, p, 1, col, k, grad, p, 1, l.dw.f, k)
	}
}

func (l *convLayer) bBias() {
	p := l.outShape[0] * l.outShape[1]
	nFeats := l.outShape[2]
	fill(l.db.f, 0)
	for n := 0; n < l.outShape[3]; n++ {
		for f := 0; f < nFeats; f++ {
			off := (n*nFeats + f) * p
			for _, g := range l.diffDst.f[off : off+p] {
				l.db.f[f] += g
			}
		}
	}
}

// unroll the input patches for one sample into columns of a k x p matrix
func (l *convLayer) im2col(src, col []float32) {
	w, h, depth := l.inShape[0], l.inShape[1], l.inShape[2]
	wOut, hOut := l.outShape[0], l.outShape[1]
	k := l.size * l.size * depth
	for oy := 0; oy < hOut; oy++ {
		for ox := 0; ox < wOut; ox++ {
			pos := (ox + oy*wOut) * k
			row := 0
			for c := 0; c < depth; c++ {
				for ky := 0; ky < l.size; ky++ {
					iy := oy*l.stride + ky - l.pad
					for kx := 0; kx < l.size; kx++ {
						ix := ox*l.stride + kx - l.pad
						if ix < 0 || ix >= w || iy < 0 || iy >= h {
							col[pos+row] = 0
						} else {
							col[pos+row] = src[ix+w*(iy+h*c)]
						}
						row++
					}
				}
			}
		}
	}
}

// inverse of im2col: sums the gradient from each column back into the source position
func (l *convLayer) col2im(col, dsrc []float32) {
	w, h, depth := l.inShape[0], l.inShape[1], l.inShape[2]
	wOut, hOut := l.outShape[0], l.outShape[1]
	k := l.size * l.size * depth
	fill(dsrc, 0)
	for oy := 0; oy < hOut; oy++ {
		for ox := 0; ox < wOut; ox++ {
			pos := (ox + oy*wOut) * k
			row := 0
			for c := 0; c < depth; c++ {
				for ky := 0; ky < l.size; ky++ {
					iy := oy*l.stride + ky - l.pad
					for kx := 0; kx < l.size; kx++ {
						ix := ox*l.stride + kx - l.pad
						if ix >= 0 && ix < w && iy >= 0 && iy < h {
							dsrc[ix+w*(iy+h*c)] += col[pos+row]
						}
						row++
					}
				}
			}
		}
	}
}

// Max pooling layer, output size is rounded down if the input does not divide exactly
type poolLayer struct {
	layerBase
	noParams
	size, stride int
	index        []int32
}

// Create new max pooling layer, input shape is [w,h,depth,nBatch]
func (d cpuDevice) MaxPoolLayer(in []int, size, stride int) Layer {
	if len(in) != 4 || in[0] < size || in[1] < size {
		panic(fmt.Sprintf("MaxPoolLayer: invalid input shape %v for size %d", in, size))
	}
	l := &poolLayer{size: size, stride: stride}
	l.layerBase = layerBase{
		typ:      "maxpool",
		inShape:  append([]int{}, in...),
		outShape: []int{poolOutSize(in[0], size, stride), poolOutSize(in[1], size, stride), in[2], in[3]},
	}
	return l
}

func (l *poolLayer) SetSrc(a Array) {
	if l.setSrc(a) {
		l.index = make([]int32, Prod(l.outShape))
	}
}

func (l *poolLayer) fwd() {
	w, h := l.inShape[0], l.inShape[1]
	wOut, hOut := l.outShape[0], l.outShape[1]
	planes := l.inShape[2] * l.inShape[3]
	for pl := 0; pl < planes; pl++ {
		in := l.src.f[pl*w*h : (pl+1)*w*h]
		for oy := 0; oy < hOut; oy++ {
			for ox := 0; ox < wOut; ox++ {
				best := -1
				for ky := 0; ky < l.size; ky++ {
					for kx := 0; kx < l.size; kx++ {
						ix := ox*l.stride + kx + w*(oy*l.stride+ky)
						if best < 0 || in[ix] > in[best] {
							best = ix
						}
					}
				}
				pos := ox + wOut*(oy+hOut*pl)
				l.dst.f[pos] = in[best]
				l.index[pos] = int32(best + pl*w*h)
			}
		}
	}
}

func (l *poolLayer) bData() {
	fill(l.diffSrc.f, 0)
	for pos, ix := range l.index {
		l.diffSrc.f[ix] += l.diffDst.f[pos]
	}
}

// Batch normalisation layer
type batchNormLayer struct {
	layerBase
	paramBase
	momentum, epsilon float32
	training          bool
	mean, variance    *arrayCPU
	invStd            []float32
	xhat              []float32
}

// Create new batch normalisation layer. Input may be 4 dimensional [w,h,c,n] with statistics per channel
// or 2 dimensional [c,n].
func (d cpuDevice) BatchNormLayer(in []int, momentum, epsilon float64) BatchNormLayer {
	if len(in) != 2 && len(in) != 4 {
		panic(fmt.Sprintf("BatchNormLayer: invalid input shape %v", in))
	}
	l := &batchNormLayer{momentum: float32(momentum), epsilon: float32(epsilon), training: true}
	l.layerBase = layerBase{typ: "batchnorm", inShape: append([]int{}, in...), outShape: append([]int{}, in...)}
	nChan := l.channels()
	l.mean = newArrayCPU(Float32, []int{nChan})
	l.variance = newArrayCPU(Float32, []int{nChan})
	fill(l.variance.f, 1)
	l.invStd = make([]float32, nChan)
	return l
}

func (l *batchNormLayer) channels() int {
	return l.inShape[len(l.inShape)-2]
}

// no. of values per channel for each sample
func (l *batchNormLayer) spatial() int {
	return Prod(l.inShape[:len(l.inShape)-2])
}

func (l *batchNormLayer) FilterShape() []int { return []int{l.channels()} }

func (l *batchNormLayer) BiasShape() []int { return []int{l.channels()} }

func (l *batchNormLayer) Stats() (mean, variance Array) { return l.mean, l.variance }

func (l *batchNormLayer) SetTraining(on bool) { l.training = on }

func (l *batchNormLayer) SetSrc(a Array) {
	if l.setSrc(a) {
		l.xhat = make([]float32, Prod(l.inShape))
	}
}

// call fn with the offset of each run of spatial values for channel c
func (l *batchNormLayer) each(c int, fn func(off, size int)) {
	s, nChan := l.spatial(), l.channels()
	for n := 0; n < l.inShape[len(l.inShape)-1]; n++ {
		fn((n*nChan+c)*s, s)
	}
}

func (l *batchNormLayer) fwd() {
	x, y := l.src.f, l.dst.f
	count := float32(l.spatial() * l.inShape[len(l.inShape)-1])
	for c := range l.invStd {
		mean, variance := l.mean.f[c], l.variance.f[c]
		if l.training {
			sum := float32(0)
			l.each(c, func(off, size int) {
				for _, v := range x[off : off+size] {
					sum += v
				}
			})
			mean = sum / count
			sum2 := float32(0)
			l.each(c, func(off, size int) {
				for _, v := range x[off : off+size] {
					sum2 += (v - mean) * (v - mean)
				}
			})
			variance = sum2 / count
			l.mean.f[c] = l.momentum*l.mean.f[c] + (1-l.momentum)*mean
			l.variance.f[c] = l.momentum*l.variance.f[c] + (1-l.momentum)*variance
		}
		invStd := 1 / math32.Sqrt(variance+l.epsilon)
		l.invStd[c] = invStd
		gamma, beta := l.w.f[c], l.b.f[c]
		l.each(c, func(off, size int) {
			for i := off; i < off+size; i++ {
				l.xhat[i] = (x[i] - mean) * invStd
				y[i] = gamma*l.xhat[i] + beta
			}
		})
	}
}

func (l *batchNormLayer) bData() {
	dy, dx := l.diffDst.f, l.diffSrc.f
	count := float32(l.spatial() * l.inShape[len(l.inShape)-1])
	for c, invStd := range l.invStd {
		sumDy, sumDyXhat := float32(0), float32(0)
		l.each(c, func(off, size int) {
			for i := off; i < off+size; i++ {
				sumDy += dy[i]
				sumDyXhat += dy[i] * l.xhat[i]
			}
		})
		scale := l.w.f[c] * invStd / count
		l.each(c, func(off, size int) {
			for i := off; i < off+size; i++ {
				dx[i] = scale * (count*dy[i] - sumDy - l.xhat[i]*sumDyXhat)
			}
		})
	}
}

func (l *batchNormLayer) bFilter() {
	dy := l.diffDst.f
	for c := range l.invStd {
		sum := float32(0)
		l.each(c, func(off, size int) {
			for i := off; i < off+size; i++ {
				sum += dy[i] * l.xhat[i]
			}
		})
		l.dw.f[c] = sum
	}
}

func (l *batchNormLayer) bBias() {
	dy := l.diffDst.f
	for c := range l.invStd {
		sum := float32(0)
		l.each(c, func(off, size int) {
			for _, g := range dy[off : off+size] {
				sum += g
			}
		})
		l.db.f[c] = sum
	}
}

func convOutSize(in, filter, stride, pad int) (int, error) {
	if pad == 0 {
		out, _, err := getOutSize(in, filter, stride, false)
		return out, err
	}
	if filter > in+2*pad {
		return 0, fmt.Errorf("filter size %d > padded input size %d", filter, in+2*pad)
	}
	return 1 + (in+2*pad-filter)/stride, nil
}

// Get output size and padding for a convolution. If padding is set the output covers the whole input,
// otherwise the filter and stride must divide the input exactly.
func getOutSize(in, filter, stride int, padding bool) (out, pad int, err error) {
	if filter > in {
		err = fmt.Errorf("filter size %d > input size %d", filter, in)
		return
	}
	var end int
	if padding {
		out = in / stride
		end = filter + (out-1)*stride
		if end < in {
			out++
			end += stride
		}
		pad = (end - in) / 2
		if (end-in)%2 != 0 {
			pad++
		}
	} else {
		out = 1 + (in-filter)/stride
		end = filter + (out-1)*stride
		if end != in {
			err = fmt.Errorf("filter %d and stride %d does not divide input %d", filter, stride, in)
		}
	}
	return
}

func poolOutSize(in, size, stride int) int {
	return 1 + (in-size)/stride
}

func fill(data []float32, val float32) {
	for i := range data {
		data[i] = val
	}
}
