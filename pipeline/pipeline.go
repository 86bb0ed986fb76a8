// Package pipeline runs the complete CIFAR-10 experiment: load and preprocess the data, build and train
// the network, evaluate it on the test set and write the plots, report, history and model to disk.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jnb666/cifar10cnn/img"
	"github.com/jnb666/cifar10cnn/nnet"
	"github.com/jnb666/cifar10cnn/num"
	"github.com/jnb666/cifar10cnn/plots"
	"github.com/jnb666/cifar10cnn/report"
)

// Output files relative to the results directory
const (
	PlotDir           = "plots"
	ModelDir          = "saved_models"
	ClassDistFile     = "class_distribution.png"
	SampleImagesFile  = "sample_images.png"
	ConfusionFile     = "confusion_matrix.png"
	HistoryPlotFile   = "training_history.png"
	MisclassifiedFile = "misclassified_images.png"
	HistoryFile       = "training_history.txt"
	ModelFile         = "cnn_cifar10.h5"
	ReportFile        = "classification_report.txt"
)

// Options for a run. If Train and Test are nil then the CIFAR-10 data is loaded from Config.DataDir.
type Options struct {
	Config  nnet.Config
	OutDir  string
	Train   *img.Data
	Test    *img.Data
	Samples int
	// OnEpoch is called after each epoch with the latest stats, training is stopped if it returns false.
	OnEpoch func(s nnet.Stats) bool
}

// DefaultOptions returns the standard configuration with output to ./results
func DefaultOptions() Options {
	return Options{Config: nnet.DefaultConfig(), OutDir: "./results", Samples: 9}
}

// Result of a run
type Result struct {
	Net           *nnet.Network
	State         nnet.State
	History       nnet.History
	TestLoss      float64
	TestAccuracy  float64
	Classes       []string
	Labels        []int32
	Pred          []int32
	Matrix        *report.Matrix
	Report        report.Report
	Misclassified []int
	Files         []string
	Elapsed       time.Duration
}

// Path returns the location of an output file
func (o Options) Path(name string) string {
	if name == ModelFile {
		return filepath.Join(o.OutDir, ModelDir, name)
	}
	return filepath.Join(o.OutDir, PlotDir, name)
}

// Run executes each stage in turn, any error aborts the run.
func Run(opts Options) (*Result, error) {
	start := time.Now()
	conf := opts.Config
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	dev := num.NewDevice(conf.UseGPU)
	fmt.Println("device:", dev.Name())
	fmt.Println("GPUs available:", len(num.GPUDevices()))
	q := dev.NewQueue()
	defer q.Shutdown()
	q.Profiling(conf.Profile)

	for _, dir := range []string{PlotDir, ModelDir} {
		if err := os.MkdirAll(filepath.Join(opts.OutDir, dir), 0755); err != nil {
			return nil, err
		}
	}
	res := &Result{}
	save := func(name string, fn func(file string) error) error {
		file := opts.Path(name)
		if err := fn(file); err != nil {
			return err
		}
		fmt.Println("saved", file)
		res.Files = append(res.Files, file)
		return nil
	}

	// load and preprocess
	train, test, err := loadData(opts)
	if err != nil {
		return nil, err
	}
	res.Classes = train.Classes()
	err = save(ClassDistFile, func(file string) error {
		p, err := plots.ClassDistribution(train.Classes(), train.ClassCounts())
		if err != nil {
			return err
		}
		return plots.Save(p, plots.Width, plots.Height, file)
	})
	if err != nil {
		return nil, err
	}
	if !train.Scaled {
		train.Scale(1.0 / 255)
	}
	if !test.Scaled {
		test.Scale(1.0 / 255)
	}
	mean, std := img.GetStats(train.Images)
	fmt.Printf("scaled pixel mean=%.3f stddev=%.3f\n", mean, std)
	err = save(SampleImagesFile, func(file string) error {
		n := min(10, train.Len())
		captions := make([]string, n)
		for i, label := range train.Labels[:n] {
			captions[i] = train.Class[label]
		}
		grid, err := plots.ImageGrid(train.Images[:n], captions, 2, 5)
		if err != nil {
			return err
		}
		w, h := plots.GridSize(grid)
		return plots.SaveGrid(grid, w, h, file)
	})
	if err != nil {
		return nil, err
	}
	printOnehot(train)
	train, valid, err := train.Split(conf.ValidFrac, conf.RandSeed)
	if err != nil {
		return nil, err
	}
	fmt.Printf("split: train=%d validation=%d test=%d\n", train.Len(), valid.Len(), test.Len())

	// build model
	rng := nnet.SetSeed(conf.RandSeed)
	net, err := nnet.New(q, conf, conf.TrainBatch, train.Shape(), rng)
	if err != nil {
		return nil, err
	}
	net.InitWeights(rng)
	fmt.Println(net)
	res.Net = net

	// train
	tester, err := nnet.NewTestLogger(q, conf, valid, rng)
	if err != nil {
		return nil, err
	}
	defer tester.Release()
	dset := nnet.NewDataset(dev, train, conf.TrainBatch, rng)
	defer dset.Release()
	opt := nnet.NewAdam(conf)
	defer opt.Release()
	fmt.Println("optimizer:", opt)
	res.State = nnet.Train(net, dset, opt, monitor{TestLogger: tester, onEpoch: opts.OnEpoch})
	res.History = tester.History()
	fmt.Println("training", res.State)

	// evaluate
	testSet := nnet.NewDataset(dev, test, conf.TestBatch, rng)
	defer testSet.Release()
	res.Labels = test.Labels
	res.Pred = make([]int32, test.Len())
	res.TestLoss, res.TestAccuracy = net.Evaluate(testSet, res.Pred)
	fmt.Printf("test loss: %.4f  test accuracy: %.4f\n", res.TestLoss, res.TestAccuracy)
	if res.Matrix, err = report.ConfusionMatrix(test.Classes(), test.Labels, res.Pred); err != nil {
		return nil, err
	}
	res.Report = report.ClassificationReport(res.Matrix)
	fmt.Printf("\nclassification report:\n%s\n", res.Report)
	res.Misclassified = report.Misclassified(test.Labels, res.Pred)
	fmt.Printf("%d of %d test images misclassified\n", len(res.Misclassified), test.Len())

	// save plots and model
	err = save(ConfusionFile, func(file string) error {
		p, err := plots.ConfusionMatrix(res.Matrix)
		if err != nil {
			return err
		}
		return plots.Save(p, plots.MatrixSize, plots.MatrixSize, file)
	})
	if err != nil {
		return nil, err
	}
	err = save(HistoryPlotFile, func(file string) error {
		grid, err := plots.TrainingHistory(res.History)
		if err != nil {
			return err
		}
		return plots.SaveGrid(grid, plots.HistWidth, plots.HistHeight, file)
	})
	if err != nil {
		return nil, err
	}
	err = save(MisclassifiedFile, func(file string) error {
		return saveMisclassified(test, res, opts.Samples, file)
	})
	if err != nil {
		return nil, err
	}
	err = save(ReportFile, func(file string) error {
		return os.WriteFile(file, []byte(res.Report.String()), 0644)
	})
	if err != nil {
		return nil, err
	}
	if err = save(HistoryFile, res.History.WriteFile); err != nil {
		return nil, err
	}
	err = save(ModelFile, func(file string) error {
		return nnet.SaveModel(net, file)
	})
	if err != nil {
		return nil, err
	}
	if conf.Profile {
		fmt.Print(q.Profile())
	}
	res.Elapsed = time.Since(start)
	fmt.Printf("total run time: %s\n", res.Elapsed.Round(10*time.Millisecond))
	return res, nil
}

func loadData(opts Options) (train, test *img.Data, err error) {
	if opts.Train != nil && opts.Test != nil {
		train, test = opts.Train, opts.Test
	} else if train, test, err = img.LoadCIFAR10(opts.Config.DataDir); err != nil {
		return nil, nil, err
	}
	for _, d := range []*img.Data{train, test} {
		if err = d.Validate(); err != nil {
			return nil, nil, err
		}
	}
	fmt.Printf("train images: %s labels: (%d,)\n", shapeString(train), train.Len())
	fmt.Printf("test images:  %s labels: (%d,)\n", shapeString(test), test.Len())
	return train, test, nil
}

// shape as samples, height, width, channels
func shapeString(d *img.Data) string {
	s := d.Shape()
	return fmt.Sprintf("(%d, %d, %d, %d)", d.Len(), s[1], s[0], s[2])
}

// show the one hot encoding for each class
func printOnehot(d *img.Data) {
	fmt.Println("one hot labels:")
	n := len(d.Classes())
	for i, name := range d.Classes() {
		vec := make([]string, n)
		for j := range vec {
			vec[j] = "0"
		}
		vec[i] = "1"
		fmt.Printf("  %d %-12s [%s]\n", i, name, strings.Join(vec, " "))
	}
}

func saveMisclassified(test *img.Data, res *Result, samples int, file string) error {
	n := min(samples, len(res.Misclassified))
	images := make([]*img.Image, n)
	captions := make([]string, n)
	for i, ix := range res.Misclassified[:n] {
		images[i] = test.Images[ix]
		captions[i] = fmt.Sprintf("True: %s, Pred: %s", test.Class[test.Labels[ix]], test.Class[res.Pred[ix]])
	}
	grid, err := plots.ImageGrid(images, captions, 3, 3)
	if err != nil {
		return err
	}
	w, h := plots.GridSize(grid)
	return plots.SaveGrid(grid, w, h, file)
}

// monitor passes the stats to the OnEpoch callback and requests a stop if it returns false.
type monitor struct {
	nnet.TestLogger
	onEpoch func(s nnet.Stats) bool
}

func (m monitor) Test(net *nnet.Network, epoch int, loss, accuracy float64, start time.Time) nnet.State {
	state := m.TestLogger.Test(net, epoch, loss, accuracy, start)
	if m.onEpoch != nil && !m.onEpoch(m.Stats[len(m.Stats)-1]) && state == nnet.Running {
		fmt.Println("training stopped at epoch", epoch)
		if m.Restore(net) {
			fmt.Printf("restored weights from epoch %d with val loss %.4f\n", m.BestEpoch, m.BestLoss)
		}
		return nnet.Stopped
	}
	return state
}
