package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/cifar10cnn/num"
)

// Layer interface type represents one layer of the neural net. Shapes have the batch size as the last dimension.
// If train is not set then Fprop runs in inference mode: no dropout and batch norm uses the moving statistics.
type Layer interface {
	Init(q num.Queue, inShape []int, rng *rand.Rand) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array, train bool) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
}

// StateLayer has state which is updated in training but not by the optimiser, e.g. batch norm moving statistics.
type StateLayer interface {
	Layer
	State() []num.Array
	SetState(state ...num.Array)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(labels, yPred num.Array) num.Array
	InputGrad(yOneHot, yPred num.Array) num.Array
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	var cfg interface {
		unmarshal(data json.RawMessage) (Layer, error)
	}
	switch l.Type {
	case "conv":
		cfg = new(Conv)
	case "maxPool":
		cfg = new(MaxPool)
	case "batchNorm":
		cfg = new(BatchNorm)
	case "linear":
		cfg = new(Linear)
	case "activation":
		cfg = new(Activation)
	case "dropout":
		cfg = new(Dropout)
	case "softmax":
		return &softmax{}, nil
	case "flatten":
		return &flatten{}, nil
	default:
		return nil, fmt.Errorf("invalid layer type: %q", l.Type)
	}
	return cfg.unmarshal(l.Data)
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nfeats <= 0 || c.Size <= 0 || c.Stride <= 0 {
		return nil, fmt.Errorf("invalid conv layer config: %+v", *c)
	}
	return &convDNN{Conv: *c}, nil
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c *MaxPool) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Size <= 0 || c.Stride <= 0 {
		return nil, fmt.Errorf("invalid maxPool layer config: %+v", *c)
	}
	return &poolDNN{MaxPool: *c}, nil
}

// Batch normalisation layer, implements ParamLayer and StateLayer interfaces.
type BatchNorm struct {
	Momentum, Epsilon float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Momentum == 0 {
		c.Momentum = 0.99
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.001
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

func (c *BatchNorm) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	return &batchNormDNN{BatchNorm: *c}, nil
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nout <= 0 {
		return nil, fmt.Errorf("invalid linear layer config: %+v", *c)
	}
	return &linear{Linear: *c}, nil
}

// Sigmoid, tanh or relu activation layer
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		return nil, fmt.Errorf("activation type %s invalid", c.Atype)
	}
	return layer, nil
}

// Dropout layer zeros a random fraction of its inputs when training.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

func (c *Dropout) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Ratio < 0 || c.Ratio >= 1 {
		return nil, fmt.Errorf("dropout ratio %g must be in range [0,1)", c.Ratio)
	}
	return &dropout{Dropout: *c}, nil
}

// Softmax output layer used with the cross entropy loss function.
type Softmax struct{}

func (c Softmax) Marshal() LayerConfig {
	return LayerConfig{Type: "softmax"}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// linear layer implementation
type linear struct {
	Linear
	layerBase
	paramBase
	ones num.Array
	nIn  int
}

func (l *linear) OutShape(inShape []int) []int {
	return []int{l.Nout, inShape[len(inShape)-1]}
}

func (l *linear) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	if len(inShape) != 2 {
		panic("Linear: expect 2 dimensional input")
	}
	l.nIn = inShape[0]
	l.layerBase = layerBase{queue: q}
	l.paramBase = newParams(q, []int{l.nIn, l.Nout}, []int{l.Nout})
	return l
}

func (l *linear) InitParams(rng *rand.Rand) {
	l.initGlorot(rng, l.nIn, l.Nout)
}

func (l *linear) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	if l.alloc(in, l.OutShape(in.Dims())) {
		num.Release(l.ones)
		l.ones = l.queue.NewArray(num.Float32, in.Dims()[1])
		l.queue.Call(num.Fill(l.ones, 1))
	}
	l.queue.Call(
		num.Copy(l.dst, l.b),
		num.Gemm(1, 1, l.w, l.src, l.dst, num.Trans, num.NoTrans),
	)
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.w, grad, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

// convolutional layer implementation
type convDNN struct {
	Conv
	paramBase
	*layerDNN
}

func (l *convDNN) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	if len(inShape) != 4 {
		panic("ConvDNN: expect 4 dimensional input")
	}
	n, d, h, w := inShape[3], inShape[2], inShape[1], inShape[0]
	layer := q.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.paramBase = newParams(q, layer.FilterShape(), layer.BiasShape())
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(q, layer)
	return l
}

func (l *convDNN) InitParams(rng *rand.Rand) {
	fshape := l.layer.FilterShape()
	recept := fshape[0] * fshape[1]
	l.initGlorot(rng, recept*fshape[2], recept*fshape[3])
}

// pool layer implentation
type poolDNN struct {
	MaxPool
	*layerDNN
}

func (l *poolDNN) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	if len(inShape) != 4 {
		panic("PoolDNN: expect 4 dimensional input")
	}
	l.layerDNN = newLayerDNN(q, q.MaxPoolLayer(inShape, l.Size, l.Stride))
	return l
}

// batch normalisation implementation
type batchNormDNN struct {
	BatchNorm
	paramBase
	*layerDNN
	bn num.BatchNormLayer
}

func (l *batchNormDNN) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	l.bn = q.BatchNormLayer(inShape, l.Momentum, l.Epsilon)
	l.paramBase = newParams(q, l.bn.FilterShape(), l.bn.BiasShape())
	l.bn.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(q, l.bn)
	return l
}

func (l *batchNormDNN) InitParams(rng *rand.Rand) {
	mean, variance := l.bn.Stats()
	l.queue.Call(
		num.Fill(l.w, 1),
		num.Fill(l.b, 0),
		num.Fill(mean, 0),
		num.Fill(variance, 1),
	)
}

func (l *batchNormDNN) Fprop(in num.Array, train bool) num.Array {
	l.bn.SetTraining(train)
	return l.layerDNN.Fprop(in, train)
}

func (l *batchNormDNN) State() []num.Array {
	mean, variance := l.bn.Stats()
	return []num.Array{mean, variance}
}

func (l *batchNormDNN) SetState(state ...num.Array) {
	mean, variance := l.bn.Stats()
	l.queue.Call(num.Copy(mean, state[0]), num.Copy(variance, state[1]))
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
}

func (l *activation) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	l.layerBase = layerBase{queue: q}
	return l
}

func (l *activation) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.alloc(in, in.Dims())
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

// dropout layer
type dropout struct {
	Dropout
	layerBase
	mask num.Array
	rng  *rand.Rand
}

func (l *dropout) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	l.layerBase = layerBase{queue: q}
	l.rng = rng
	return l
}

func (l *dropout) Fprop(in num.Array, train bool) num.Array {
	if !train || l.Ratio == 0 {
		return in
	}
	l.src = in
	if l.alloc(in, in.Dims()) {
		num.Release(l.mask)
		l.mask = l.queue.NewArray(num.Float32, in.Dims()...)
	}
	l.queue.Call(num.Dropout(l.src, l.dst, l.mask, float32(l.Ratio), l.rng))
	return l.dst
}

func (l *dropout) Bprop(grad num.Array) num.Array {
	if l.Ratio == 0 {
		return grad
	}
	l.queue.Call(num.DropoutD(grad, l.mask, l.dsrc))
	return l.dsrc
}

// softmax output layer
type softmax struct {
	layerBase
	loss num.Array
	grad num.Array
}

func (l *softmax) ToString() string { return "softmax" }

func (l *softmax) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	if len(inShape) != 2 {
		panic("Softmax: expect 2 dimensional input")
	}
	l.layerBase = layerBase{queue: q}
	return l
}

func (l *softmax) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	if l.alloc(in, in.Dims()) {
		num.Release(l.loss, l.grad)
		l.loss = l.queue.NewArray(num.Float32, in.Dims()[1])
		l.grad = l.queue.NewArray(num.Float32, in.Dims()...)
	}
	l.queue.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

// gradient from InputGrad already includes the softmax derivative
func (l *softmax) Bprop(grad num.Array) num.Array {
	return grad
}

// Loss returns the cross entropy loss for each sample in the batch
func (l *softmax) Loss(labels, yPred num.Array) num.Array {
	l.queue.Call(num.SoftmaxLoss(yPred, labels, l.loss))
	return l.loss
}

// InputGrad returns the gradient of the mean loss with respect to the softmax input: (yPred - yOneHot) / batchSize
func (l *softmax) InputGrad(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(
		num.Copy(l.grad, yPred),
		num.Axpy(-1, yOneHot, l.grad),
		num.Scale(1/float32(yPred.Dims()[1]), l.grad),
	)
	return l.grad
}

type flatten struct {
	inShape []int
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	n := len(inShape) - 1
	return []int{num.Prod(inShape[:n]), inShape[n]}
}

func (l *flatten) Init(q num.Queue, inShape []int, rng *rand.Rand) Layer {
	return l
}

func (l *flatten) Fprop(in num.Array, train bool) num.Array {
	l.inShape = in.Dims()
	return in.Reshape(l.OutShape(l.inShape)...)
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	return grad.Reshape(l.inShape...)
}

// base blas layer type
type layerBase struct {
	queue num.Queue
	src   num.Array
	dst   num.Array
	dsrc  num.Array
}

func (l *layerBase) OutShape(inShape []int) []int { return inShape }

// allocate output and gradient arrays if the batch size has changed, returns true if allocated
func (l *layerBase) alloc(in num.Array, outShape []int) bool {
	if l.dst != nil && num.SameShape(l.dst.Dims(), outShape) {
		return false
	}
	num.Release(l.dst, l.dsrc)
	l.dst = l.queue.NewArray(num.Float32, outShape...)
	l.dsrc = l.queue.NewArray(num.Float32, in.Dims()...)
	return true
}

// wrapper for layers which implement the num.Layer interface
type layerDNN struct {
	queue num.Queue
	layer num.Layer
}

func newLayerDNN(q num.Queue, layer num.Layer) *layerDNN {
	return &layerDNN{queue: q, layer: layer}
}

func (l *layerDNN) OutShape(inShape []int) []int {
	out := append([]int{}, l.layer.OutShape()...)
	out[len(out)-1] = inShape[len(inShape)-1]
	return out
}

func (l *layerDNN) Fprop(in num.Array, train bool) num.Array {
	l.layer.SetSrc(in)
	l.queue.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.queue.Call(num.BpropData(l.layer))
	if l.layer.HasParams() {
		l.queue.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	return l.layer.DiffSrc()
}

// weight and bias parameters
type paramBase struct {
	que    num.Queue
	w, b   num.Array
	dw, db num.Array
}

func newParams(q num.Queue, wShape, bShape []int) paramBase {
	return paramBase{
		que: q,
		w:   q.NewArray(num.Float32, wShape...),
		b:   q.NewArray(num.Float32, bShape...),
		dw:  q.NewArray(num.Float32, wShape...),
		db:  q.NewArray(num.Float32, bShape...),
	}
}

func (p paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

func (p paramBase) SetParams(W, B num.Array) {
	p.que.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

// Glorot uniform initialisation: weights in +/- sqrt(6/(fanIn+fanOut)) and zero bias.
func (p paramBase) initGlorot(rng *rand.Rand, fanIn, fanOut int) {
	limit := float32(math.Sqrt(6 / float64(fanIn+fanOut)))
	weights := make([]float32, p.w.Size())
	for i := range weights {
		weights[i] = (2*rng.Float32() - 1) * limit
	}
	p.que.Call(
		num.Write(p.w, weights),
		num.Fill(p.b, 0),
	)
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error decoding layer config: %w", err)
	}
	return nil
}
