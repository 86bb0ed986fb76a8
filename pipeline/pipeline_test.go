package pipeline

import (
	"math"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/jnb666/cifar10cnn/img"
	"github.com/jnb666/cifar10cnn/nnet"
	"github.com/jnb666/cifar10cnn/num"
)

func testOptions(t *testing.T, epochs int) Options {
	opts := DefaultOptions()
	opts.OutDir = t.TempDir()
	opts.Config.MaxEpoch = epochs
	opts.Train = img.Synthetic(100, img.CIFAR10Classes, 1)
	opts.Test = img.Synthetic(20, img.CIFAR10Classes, 2)
	return opts
}

func TestRun(t *testing.T) {
	opts := testOptions(t, 2)
	res, err := Run(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("state=%s test accuracy=%.3f history=%s", res.State, res.TestAccuracy, res.History)
	for _, name := range []string{ClassDistFile, SampleImagesFile, ConfusionFile, HistoryPlotFile,
		MisclassifiedFile, HistoryFile, ReportFile, ModelFile} {
		info, err := os.Stat(opts.Path(name))
		if err != nil {
			t.Error(err)
		} else if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}
	if len(res.Files) != 8 {
		t.Errorf("expecting 8 output files, got %d", len(res.Files))
	}
	if res.Matrix.Total() != 20 {
		t.Error("confusion matrix total should equal test size", res.Matrix.Total())
	}
	for i, n := range res.Matrix.Support() {
		if n != 2 {
			t.Errorf("class %d: expecting 2 test samples, got %d", i, n)
		}
	}
	if res.History.Epochs() < 1 || res.History.Epochs() > 2 {
		t.Error("invalid number of epochs", res.History.Epochs())
	}
	if math.Abs(res.Matrix.Accuracy()-res.TestAccuracy) > 1e-6 {
		t.Error("accuracy mismatch")
	}
	data, err := os.ReadFile(opts.Path(HistoryFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "{'loss': [") || !strings.Contains(string(data), "'val_accuracy': [") {
		t.Error("invalid history file", string(data))
	}
	if !opts.Train.Scaled || !opts.Test.Scaled {
		t.Error("data should be scaled")
	}
	if min, max := opts.Test.Range(); min < 0 || max > 1 {
		t.Error("scaled test data out of range")
	}

	// reload the model and check it gives the same predictions
	dev := num.NewDevice(false)
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(1))
	net, err := nnet.LoadModel(q, opts.Path(ModelFile), 32, opts.Test.Shape(), rng)
	if err != nil {
		t.Fatal(err)
	}
	dset := nnet.NewDataset(dev, opts.Test, 32, rng)
	pred := make([]int32, opts.Test.Len())
	loss, acc := net.Evaluate(dset, pred)
	t.Logf("reloaded model: loss=%.4f accuracy=%.3f", loss, acc)
	if math.Abs(loss-res.TestLoss) > 1e-5 || acc != res.TestAccuracy {
		t.Error("reloaded model gives different results")
	}
	for i := range pred {
		if pred[i] != res.Pred[i] {
			t.Fatal("prediction mismatch for image", i)
		}
	}
}

func TestStop(t *testing.T) {
	opts := testOptions(t, 3)
	// falls back to the CPU device
	opts.Config.UseGPU = true
	epochs := 0
	opts.OnEpoch = func(s nnet.Stats) bool {
		epochs++
		return false
	}
	res, err := Run(opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != nnet.Stopped || epochs != 1 || res.History.Epochs() != 1 {
		t.Errorf("expecting stop after first epoch: state=%s epochs=%d", res.State, epochs)
	}
}

func TestInvalidConfig(t *testing.T) {
	opts := testOptions(t, 1)
	opts.Config.TrainBatch = 0
	if _, err := Run(opts); err == nil {
		t.Error("expecting error for zero batch size")
	} else {
		t.Log(err)
	}
}

func TestSplitSizes(t *testing.T) {
	d := img.Synthetic(100, img.CIFAR10Classes, 1)
	train, valid, err := d.Split(0.2, 42)
	if err != nil {
		t.Fatal(err)
	}
	if train.Len() != 80 || valid.Len() != 20 {
		t.Errorf("expecting 80/20 split, got %d/%d", train.Len(), valid.Len())
	}
}
