// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jnb666/cifar10cnn/num"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	queue     num.Queue
	classes   num.Array
	diffs     num.Array
	total     num.Array
	batchErr  num.Array
	batchLoss num.Array
	totalLoss num.Array
	inShape   []int
}

// New function creates a new network with the given layers. inShape is the shape of a single input sample.
func New(q num.Queue, conf Config, batchSize int, inShape []int, rng *rand.Rand) (*Network, error) {
	n := &Network{Config: conf, queue: q}
	n.inShape = append(append([]int{}, inShape...), batchSize)
	shape := n.inShape
	for i, l := range conf.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if err = initLayer(layer, q, shape, rng); err != nil {
			return nil, fmt.Errorf("layer %d %s: %w", i, layer.ToString(), err)
		}
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
		if conf.DebugLevel >= 1 {
			fmt.Printf("layer %2d: %-40s => %v\n", i, layer.ToString(), shape)
		}
	}
	if len(n.Layers) == 0 {
		return nil, fmt.Errorf("network has no layers")
	}
	if _, ok := n.Layers[len(n.Layers)-1].(OutputLayer); !ok {
		return nil, fmt.Errorf("last layer must be an output layer")
	}
	return n, nil
}

// shape errors from the num package are raised as panics
func initLayer(layer Layer, q num.Queue, shape []int, rng *rand.Rand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	layer.Init(q, shape, rng)
	return nil
}

// Initialise network weights using Glorot uniform distribution and zero bias.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(rng)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights, bias and layer state to destination net
func (n *Network) CopyTo(net *Network) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).SetParams(W, B)
		}
		if l, ok := layer.(StateLayer); ok {
			net.Layers[i].(StateLayer).SetState(l.State()...)
		}
	}
}

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Queue used for the network operations
func (n *Network) Queue() num.Queue {
	return n.queue
}

// Input shape of a single sample
func (n *Network) InShape() []int {
	return n.inShape[:len(n.inShape)-1]
}

// Feed forward the input to get the predicted output
func (n *Network) Fprop(input num.Array, train bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 && pred != nil {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, train)
	}
	return pred
}

// Back propagate the gradient from the output layer to compute the parameter gradients
func (n *Network) Bprop(grad num.Array) {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
		if n.DebugLevel >= 3 && grad != nil {
			fmt.Printf("layer %d bprop output:\n%s", i, grad.String(n.queue))
		}
	}
}

// Predict output given input data in inference mode, sets classes to the index of the highest probability.
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 2 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Unhot(yPred, classes))
	return yPred
}

// Evaluate returns the mean loss and the accuracy of the network on the data set in inference mode.
// If pred slice is not nil then also return the predicted output classes.
func (n *Network) Evaluate(dset *Dataset, pred []int32) (loss, accuracy float64) {
	q := n.queue
	n.allocTotals()
	q.Call(num.Fill(n.total, 0), num.Fill(n.totalLoss, 0))
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, _ := dset.NextBatch()
		size := y.Dims()[0]
		n.allocArrays(size)
		yPred := n.Predict(x, n.classes)
		losses := n.OutLayer().Loss(y, yPred)
		q.Call(
			num.Neq(n.classes, y, n.diffs),
			num.Sum(n.diffs, n.batchErr, 1),
			num.Axpy(1, n.batchErr, n.total),
			num.Sum(losses, n.batchLoss, 1),
			num.Axpy(1, n.batchLoss, n.totalLoss),
		)
		if pred != nil {
			start := batch * dset.BatchSize
			q.Call(num.Read(n.classes, pred[start:start+size]))
		}
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			fmt.Printf("batch %d error =%s\n", batch, n.batchErr.String(q))
		}
	}
	res := []float32{0, 0}
	q.Call(num.Read(n.total, res[:1]), num.Read(n.totalLoss, res[1:])).Finish()
	samples := float64(dset.Samples)
	return float64(res[1]) / samples, 1 - float64(res[0])/samples
}

// Summary lists the layers with their output shape and no. of parameters
func (n *Network) Summary() string {
	s := []string{fmt.Sprintf("%-3s %-42s %-18s %s", "", "Layer", "Output shape", "Params")}
	shape := n.inShape
	total := 0
	for i, layer := range n.Layers {
		shape = layer.OutShape(shape)
		params := 0
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			params = W.Size() + B.Size()
		}
		if l, ok := layer.(StateLayer); ok {
			for _, arr := range l.State() {
				params += arr.Size()
			}
		}
		total += params
		s = append(s, fmt.Sprintf("%2d: %-42s %-18s %d", i, layer.ToString(), fmt.Sprint(shape[:len(shape)-1]), params))
	}
	s = append(s, fmt.Sprintf("total params: %d", total))
	return strings.Join(s, "\n")
}

// Print network description
func (n *Network) String() string {
	return n.Config.String() + "\n== Summary ==\n" + n.Summary()
}

// Print network weights
func (n *Network) PrintWeights() {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			fmt.Printf("== Layer %d weights ==\n%s %s\n", i, W.String(n.queue), B.String(n.queue))
		}
	}
}

func (n *Network) allocTotals() {
	if n.total == nil {
		n.total = n.queue.NewArray(num.Float32)
		n.totalLoss = n.queue.NewArray(num.Float32)
		n.batchErr = n.queue.NewArray(num.Float32)
		n.batchLoss = n.queue.NewArray(num.Float32)
	}
}

func (n *Network) allocArrays(size int) {
	if n.classes == nil || n.classes.Dims()[0] != size {
		num.Release(n.classes, n.diffs)
		n.classes = n.queue.NewArray(num.Int32, size)
		n.diffs = n.queue.NewArray(num.Int32, size)
	}
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	fmt.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
