// Train the CIFAR-10 classifier and write the plots, report and model to the results directory.
package main

import (
	"flag"
	"fmt"

	"github.com/jnb666/cifar10cnn/nnet"
	"github.com/jnb666/cifar10cnn/pipeline"
)

func main() {
	opts := pipeline.DefaultOptions()
	var set nnet.Config
	confFile := flag.String("config", "", "load config from JSON file")
	flag.StringVar(&opts.OutDir, "out", opts.OutDir, "output directory")
	flag.IntVar(&opts.Samples, "samples", opts.Samples, "number of misclassified images to plot")
	flag.StringVar(&set.DataDir, "data", opts.Config.DataDir, "data directory")
	flag.Float64Var(&set.Eta, "eta", opts.Config.Eta, "learning rate")
	flag.Int64Var(&set.RandSeed, "seed", opts.Config.RandSeed, "random number seed")
	flag.IntVar(&set.MaxEpoch, "epochs", opts.Config.MaxEpoch, "max epochs")
	flag.IntVar(&set.StopAfter, "patience", opts.Config.StopAfter, "stop if val loss does not improve for this many epochs")
	flag.IntVar(&set.TrainBatch, "batch", opts.Config.TrainBatch, "train batch size")
	flag.IntVar(&set.TestBatch, "testbatch", opts.Config.TestBatch, "test batch size")
	flag.IntVar(&set.DebugLevel, "debug", opts.Config.DebugLevel, "debug logging level")
	flag.BoolVar(&set.Profile, "profile", opts.Config.Profile, "print profiling info")
	flag.Parse()

	if *confFile != "" {
		conf, err := nnet.LoadConfig(*confFile)
		nnet.CheckErr(err)
		opts.Config = conf
	}
	// override config settings from command line
	var err error
	flag.Visit(func(f *flag.Flag) {
		if key, ok := configFlags[f.Name]; ok && err == nil {
			opts.Config, err = opts.Config.SetString(key, fmt.Sprint(set.Get(key)))
		}
	})
	nnet.CheckErr(err)

	res, err := pipeline.Run(opts)
	nnet.CheckErr(err)
	fmt.Printf("%s: test accuracy %.2f%%\n", res.State, 100*res.TestAccuracy)
}

// command line flags which map to config fields
var configFlags = map[string]string{
	"data":      "DataDir",
	"eta":       "Eta",
	"seed":      "RandSeed",
	"epochs":    "MaxEpoch",
	"patience":  "StopAfter",
	"batch":     "TrainBatch",
	"testbatch": "TestBatch",
	"debug":     "DebugLevel",
	"profile":   "Profile",
}
