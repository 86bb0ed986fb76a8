package nnet

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/jnb666/cifar10cnn/num"
)

func readBatch(q num.Queue, y, yOneHot num.Array) (labels []int32, onehot []float32) {
	labels = make([]int32, y.Size())
	onehot = make([]float32, yOneHot.Size())
	q.Call(num.Read(y, labels), num.Read(yOneHot, onehot)).Finish()
	return
}

func TestDataset(t *testing.T) {
	q := newQueue(t)
	rng := rand.New(rand.NewSource(42))
	data := newVecData(rng, 10, 3, 4)
	dset := NewDataset(q.Dev(), data, 4, rng)
	defer dset.Release()
	if dset.Batches != 3 || dset.BatchSize != 4 || dset.Samples != 10 {
		t.Fatalf("invalid dataset: batches=%d size=%d samples=%d", dset.Batches, dset.BatchSize, dset.Samples)
	}
	for epoch := 0; epoch < 2; epoch++ {
		dset.Rewind()
		var all []int32
		for batch := 0; batch < dset.Batches; batch++ {
			x, y, yOneHot := dset.NextBatch()
			labels, onehot := readBatch(q, y, yOneHot)
			t.Logf("batch %d: x=%v labels=%v", batch, x.Dims(), labels)
			if batch == 2 && len(labels) != 2 {
				t.Error("expecting 2 samples in last batch")
			}
			for i, label := range labels {
				if onehot[i*4+int(label)] != 1 {
					t.Error("onehot mismatch")
				}
			}
			all = append(all, labels...)
		}
		if !reflect.DeepEqual(all, data.y) {
			t.Error("labels not in order", all)
		}
	}
}

func TestShuffle(t *testing.T) {
	q := newQueue(t)
	rng := rand.New(rand.NewSource(42))
	data := newVecData(rng, 20, 2, 5)
	dset := NewDataset(q.Dev(), data, 8, rng)
	dset.Shuffle()
	dset.Rewind()
	var all []int
	for batch := 0; batch < dset.Batches; batch++ {
		_, y, yOneHot := dset.NextBatch()
		labels, _ := readBatch(q, y, yOneHot)
		for i, label := range labels {
			ix := dset.Index()[batch*dset.BatchSize+i]
			if label != data.y[ix] {
				t.Errorf("label mismatch for sample %d", ix)
			}
			all = append(all, ix)
		}
	}
	t.Log(all)
	sort.Ints(all)
	for i, ix := range all {
		if i != ix {
			t.Fatal("shuffled index is not a permutation")
		}
	}
}

func TestFullBatch(t *testing.T) {
	q := newQueue(t)
	rng := rand.New(rand.NewSource(1))
	dset := NewDataset(q.Dev(), newVecData(rng, 5, 2, 2), 0, rng)
	if dset.Batches != 1 || dset.BatchSize != 5 {
		t.Errorf("expecting single batch of 5, got %d x %d", dset.Batches, dset.BatchSize)
	}
}
