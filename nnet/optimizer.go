package nnet

import (
	"fmt"

	"github.com/jnb666/cifar10cnn/num"
)

// Optimizer updates the network parameters from the gradients computed in the last backward pass.
type Optimizer interface {
	Update(net *Network)
	String() string
}

// Adam optimizer with one set of first and second moment arrays per parameter array.
type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	Step         int
	moments      []adamState
}

type adamState struct {
	w, dw num.Array
	m, v  num.Array
}

// NewAdam creates an Adam optimizer using the learning rate and decay settings from the config.
func NewAdam(conf Config) *Adam {
	return &Adam{
		LearningRate: float32(conf.Eta),
		Beta1:        float32(conf.Beta1),
		Beta2:        float32(conf.Beta2),
		Epsilon:      float32(conf.Epsilon),
	}
}

func (o *Adam) String() string {
	return fmt.Sprintf("adam lr=%g beta1=%g beta2=%g eps=%g", o.LearningRate, o.Beta1, o.Beta2, o.Epsilon)
}

// Update applies one Adam step to every weight and bias array. Moments are allocated on the first call.
func (o *Adam) Update(net *Network) {
	q := net.queue
	if o.moments == nil {
		o.init(net)
	}
	o.Step++
	for _, s := range o.moments {
		q.Call(num.Adam(s.w, s.dw, s.m, s.v, o.LearningRate, o.Beta1, o.Beta2, o.Epsilon, o.Step))
	}
}

// Reset clears the moments and step count
func (o *Adam) Reset() {
	o.Release()
	o.moments = nil
	o.Step = 0
}

// Release allocated moment arrays
func (o *Adam) Release() {
	for _, s := range o.moments {
		num.Release(s.m, s.v)
	}
}

func (o *Adam) init(net *Network) {
	q := net.queue
	for _, layer := range net.Layers {
		l, ok := layer.(ParamLayer)
		if !ok {
			continue
		}
		W, B := l.Params()
		dW, dB := l.ParamGrads()
		for _, p := range [][2]num.Array{{W, dW}, {B, dB}} {
			s := adamState{w: p[0], dw: p[1], m: q.NewArrayLike(p[0]), v: q.NewArrayLike(p[0])}
			q.Call(num.Fill(s.m, 0), num.Fill(s.v, 0))
			o.moments = append(o.moments, s)
		}
	}
}
