// Download and decode the CIFAR-10 data set, save the cached copy and print a summary.
package main

import (
	"flag"
	"fmt"

	"github.com/jnb666/cifar10cnn/img"
	"github.com/jnb666/cifar10cnn/nnet"
)

func main() {
	dataDir := flag.String("data", nnet.DefaultConfig().DataDir, "data directory")
	flag.Parse()

	train, test, err := img.LoadCIFAR10(*dataDir)
	nnet.CheckErr(err)
	for _, d := range []struct {
		name string
		data *img.Data
	}{{"train", train}, {"test", test}} {
		nnet.CheckErr(d.data.Validate())
		min, max := d.data.Range()
		mean, std := img.GetStats(d.data.Images)
		fmt.Printf("%s: %d images %v range=%g:%g mean=%.2f std=%.2f\n", d.name, d.data.Len(), d.data.Shape(), min, max, mean, std)
		for i, n := range d.data.ClassCounts() {
			fmt.Printf("  %d %-12s %d\n", i, d.data.Class[i], n)
		}
	}
}
