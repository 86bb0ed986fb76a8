package nnet

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jnb666/cifar10cnn/num"
)

// State of a training run
type State int

const (
	Running State = iota
	EarlyStopped
	Completed
	Stopped
)

func (s State) String() string {
	return [...]string{"running", "early stopped", "completed", "stopped"}[s]
}

// Training statistics for one epoch. Loss and accuracy are averaged over the training batches
// with dropout enabled, the validation values are computed in inference mode.
type Stats struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Improved    bool
	Wait        int
	Elapsed     time.Duration
}

// StatsHeaders are the column names used when the stats are shown as a table.
var StatsHeaders = []string{"loss", "accuracy", "val loss", "val accuracy"}

func (s Stats) Format() []string {
	return []string{
		fmt.Sprintf("%7.4f", s.Loss),
		fmt.Sprintf("%6.2f%%", s.Accuracy*100),
		fmt.Sprintf("%7.4f", s.ValLoss),
		fmt.Sprintf("%6.2f%%", s.ValAccuracy*100),
	}
}

// Tester interface to evaluate the performance after each epoch, returns Running if training should continue.
type Tester interface {
	Test(net *Network, epoch int, loss, accuracy float64, start time.Time) State
}

// Tester which evaluates the loss and accuracy on the validation set and implements early stopping.
// A copy of the weights is saved each time the validation loss improves. If there is no improvement
// for StopAfter epochs then training stops. The best weights are copied back to the network when
// training ends, either by early stopping or on reaching MaxEpoch.
type TestBase struct {
	Best      *Network
	Valid     *Dataset
	Stats     []Stats
	State     State
	BestEpoch int
	BestLoss  float64
	wait      int
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}, BestLoss: math.Inf(1)}
}

// Initialise the validation dataset and the network used to hold the best weights.
func (t *TestBase) Init(queue num.Queue, conf Config, valid Data, rng *rand.Rand) (*TestBase, error) {
	if conf.DebugLevel >= 1 {
		fmt.Printf("init tester: samples=%d batch size=%d\n", valid.Len(), conf.TestBatch)
	}
	t.Valid = NewDataset(queue.Dev(), valid, conf.TestBatch, rng)
	var err error
	t.Best, err = New(queue, conf, t.Valid.BatchSize, valid.Shape(), rng)
	return t, err
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
	t.State = Running
	t.BestEpoch = 0
	t.BestLoss = math.Inf(1)
	t.wait = 0
}

// Release the validation data buffers
func (t *TestBase) Release() {
	t.Valid.Release()
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss, accuracy float64, start time.Time) State {
	if net.DebugLevel >= 1 {
		fmt.Printf("== TEST EPOCH %d ==\n", epoch)
	}
	s := Stats{Epoch: epoch, Loss: loss, Accuracy: accuracy}
	s.ValLoss, s.ValAccuracy = net.Evaluate(t.Valid, nil)
	s.Elapsed = time.Since(start)
	return t.update(net, s)
}

// record stats and check for early stopping
func (t *TestBase) update(net *Network, s Stats) State {
	if s.ValLoss < t.BestLoss {
		t.BestLoss = s.ValLoss
		t.BestEpoch = s.Epoch
		t.wait = 0
		s.Improved = true
		net.CopyTo(t.Best)
	} else {
		t.wait++
	}
	s.Wait = t.wait
	t.Stats = append(t.Stats, s)
	switch {
	case net.StopAfter > 0 && t.wait >= net.StopAfter:
		t.Restore(net)
		t.State = EarlyStopped
	case s.Epoch >= net.MaxEpoch:
		t.Restore(net)
		t.State = Completed
	default:
		t.State = Running
	}
	return t.State
}

// Restore copies the best weights back to the network if they are not from the last epoch.
// Returns true if the weights were updated.
func (t *TestBase) Restore(net *Network) bool {
	if t.BestEpoch == 0 || len(t.Stats) == 0 || t.BestEpoch == t.Stats[len(t.Stats)-1].Epoch {
		return false
	}
	t.Best.CopyTo(net)
	return true
}

// History returns the per epoch metrics recorded so far
func (t *TestBase) History() History {
	return NewHistory(t.Stats)
}

// TestLogger is a tester which logs stats to stdout.
type TestLogger struct {
	*TestBase
}

// Create a new tester which logs stats to stdout.
func NewTestLogger(queue num.Queue, conf Config, valid Data, rng *rand.Rand) (TestLogger, error) {
	base, err := NewTestBase().Init(queue, conf, valid, rng)
	return TestLogger{TestBase: base}, err
}

func (t TestLogger) Test(net *Network, epoch int, loss, accuracy float64, start time.Time) State {
	state := t.TestBase.Test(net, epoch, loss, accuracy, start)
	s := t.Stats[len(t.Stats)-1]
	if state != Running || net.LogEvery == 0 || epoch%net.LogEvery == 0 {
		msg := fmt.Sprintf("epoch %3d/%d:", epoch, net.MaxEpoch)
		for i, val := range s.Format() {
			msg += fmt.Sprintf("  %s =%s", StatsHeaders[i], val)
		}
		if s.Improved {
			msg += " *"
		} else {
			msg += fmt.Sprintf(" [%d]", s.Wait)
		}
		fmt.Println(msg)
	}
	if state == EarlyStopped {
		fmt.Printf("early stopping at epoch %d: restored weights from epoch %d with val loss %.4f\n",
			epoch, t.BestEpoch, t.BestLoss)
	} else if state == Completed && t.BestEpoch != epoch {
		fmt.Printf("restored weights from epoch %d with val loss %.4f\n", t.BestEpoch, t.BestLoss)
	}
	if state != Running {
		fmt.Printf("run time: %s\n", s.Elapsed.Round(10*time.Millisecond))
	}
	return state
}

// Train the network on the given training set by updating the weights. Returns the final state.
func Train(net *Network, dset *Dataset, opt Optimizer, test Tester) State {
	state := Running
	start := time.Now()
	for epoch := 1; state == Running; epoch++ {
		loss, accuracy := TrainEpoch(net, dset, opt)
		state = test.Test(net, epoch, loss, accuracy, start)
	}
	return state
}

// Perform one training epoch on dataset, returns the mean loss and accuracy over the batches
// computed prior to each weight update.
func TrainEpoch(net *Network, dset *Dataset, opt Optimizer) (loss, accuracy float64) {
	q := net.queue
	net.allocTotals()
	q.Call(num.Fill(net.total, 0), num.Fill(net.totalLoss, 0))
	if net.Shuffle {
		dset.Shuffle()
	}
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		x, y, yOneHot := dset.NextBatch()
		net.allocArrays(y.Dims()[0])
		yPred := net.Fprop(x, true)
		if net.DebugLevel >= 2 {
			fmt.Printf("yOneHot:\n%s", yOneHot.String(q))
			fmt.Printf("yPred:\n%s", yPred.String(q))
		}
		losses := net.OutLayer().Loss(y, yPred)
		q.Call(
			num.Unhot(yPred, net.classes),
			num.Neq(net.classes, y, net.diffs),
			num.Sum(net.diffs, net.batchErr, 1),
			num.Axpy(1, net.batchErr, net.total),
			num.Sum(losses, net.batchLoss, 1),
			num.Axpy(1, net.batchLoss, net.totalLoss),
		)
		grad := net.OutLayer().InputGrad(yOneHot, yPred)
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("input grad:\n%s", grad.String(q))
		}
		net.Bprop(grad)
		opt.Update(net)
		if net.DebugLevel >= 3 || (batch == dset.Batches-1 && net.DebugLevel >= 2) {
			net.PrintWeights()
		}
	}
	res := []float32{0, 0}
	q.Call(num.Read(net.total, res[:1]), num.Read(net.totalLoss, res[1:])).Finish()
	samples := float64(dset.Samples)
	return float64(res[1]) / samples, 1 - float64(res[0])/samples
}
