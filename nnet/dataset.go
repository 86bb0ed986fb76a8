package nnet

import (
	"math/rand"
	"sync"

	"github.com/jnb666/cifar10cnn/num"
)

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training, test or validation data.
// The next batch is loaded in the background while the current one is processed.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	last      [3]num.Array
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size.
// If the batch size does not divide the number of samples the final batch is smaller.
func NewDataset(dev num.Device, data Data, batchSize int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		d.x[i], d.y[i], d.y1H[i] = d.newArrays(dev, d.BatchSize)
	}
	if rem := d.Samples % d.BatchSize; rem != 0 {
		d.last[0], d.last[1], d.last[2] = d.newArrays(dev, rem)
		d.Batches++
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue()
	return d
}

func (d *Dataset) newArrays(dev num.Device, size int) (x, y, y1H num.Array) {
	x = dev.NewArray(num.Float32, append(append([]int{}, d.Shape()...), size)...)
	y = dev.NewArray(num.Int32, size)
	y1H = dev.NewArray(num.Float32, len(d.Classes()), size)
	return
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
	num.Release(d.last[:]...)
}

// arrays to hold the given batch
func (d *Dataset) arrays(batch, buf int) (x, y, y1H num.Array) {
	if batch == d.Batches-1 && d.last[0] != nil {
		return d.last[0], d.last[1], d.last[2]
	}
	return d.x[buf], d.y[buf], d.y1H[buf]
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	x, y, y1H := d.arrays(d.batch, d.buf)
	start := d.batch * d.BatchSize
	end := start + d.BatchSize
	if end > d.Samples {
		end = d.Samples
	}
	index := d.indexes[start:end]
	go func() {
		xBuf, yBuf := d.xBuffer[:len(index)*num.Prod(d.Shape())], d.yBuffer[:len(index)]
		d.Input(index, xBuf)
		d.Label(index, yBuf)
		d.queue.Call(
			num.Write(x, xBuf),
			num.Write(y, yBuf),
			num.Onehot(y, y1H, len(d.Classes())),
		)
		d.queue.Finish()
		d.Done()
	}()
}

// Get next batch of data, the following batch in the epoch is then loaded in the background.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array) {
	d.Wait()
	x, y, yOneHot = d.arrays(d.batch, d.buf)
	d.batch++
	d.buf = (d.buf + 1) % 2
	if d.batch < d.Batches {
		d.loadBatch()
	}
	return
}

// Rewind to start of data and load the first batch
func (d *Dataset) Rewind() {
	d.Wait()
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Samples)
}

// Index returns the sample numbers in the order in which they are returned
func (d *Dataset) Index() []int {
	return d.indexes
}
