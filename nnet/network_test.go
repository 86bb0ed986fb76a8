package nnet

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jnb666/cifar10cnn/num"
)

func newQueue(t testing.TB) num.Queue {
	return num.NewDevice(false).NewQueue()
}

func newNetwork(t testing.TB, q num.Queue, conf Config, batch int, inShape []int, rng *rand.Rand) *Network {
	net, err := New(q, conf, batch, inShape, rng)
	if err != nil {
		t.Fatal(err)
	}
	net.InitWeights(rng)
	return net
}

// vector data set with values in [-1,1]
type vecData struct {
	classes []string
	x       [][]float32
	y       []int32
}

func newVecData(rng *rand.Rand, samples, nIn, nClass int) *vecData {
	d := &vecData{}
	for i := 0; i < nClass; i++ {
		d.classes = append(d.classes, string(rune('a'+i)))
	}
	for i := 0; i < samples; i++ {
		v := make([]float32, nIn)
		for j := range v {
			v[j] = 2*rng.Float32() - 1
		}
		d.x = append(d.x, v)
		d.y = append(d.y, int32(i%nClass))
	}
	return d
}

func (d *vecData) Len() int          { return len(d.y) }
func (d *vecData) Classes() []string { return d.classes }
func (d *vecData) Shape() []int      { return []int{len(d.x[0])} }

func (d *vecData) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.y[ix]
	}
}

func (d *vecData) Input(index []int, buf []float32) {
	n := len(d.x[0])
	for i, ix := range index {
		copy(buf[i*n:], d.x[ix])
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	t.Log(c)
	if len(c.Layers) != 18 {
		t.Errorf("expecting 18 layers, got %d", len(c.Layers))
	}
	if c.TrainBatch != 32 || c.MaxEpoch != 10 || c.StopAfter != 3 || c.ValidFrac != 0.2 || c.RandSeed != 42 {
		t.Error("unexpected training settings")
	}
	file := filepath.Join(t.TempDir(), "net.conf")
	if err := c.Save(file); err != nil {
		t.Fatal(err)
	}
	c2, err := LoadConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	if c.String() != c2.String() {
		t.Error("config mismatch after load")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "partial.json")
	if err := os.WriteFile(file, []byte(`{"MaxEpoch": 5, "DataDir": "/tmp/cifar"}`), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(c)
	if c.MaxEpoch != 5 || c.DataDir != "/tmp/cifar" {
		t.Error("settings from file not applied")
	}
	if c.ValidFrac != 0.2 || c.TrainBatch != 32 || c.TestBatch != 32 || c.StopAfter != 3 || len(c.Layers) != 18 {
		t.Error("missing fields should keep default values")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"ValidFrac": 1.5}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Error("expecting error for ValidFrac out of range")
	} else {
		t.Log(err)
	}
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"Layers": []}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(empty); err == nil {
		t.Error("expecting error for empty layer list")
	}
}

func TestSetConfig(t *testing.T) {
	c, err := DefaultConfig().SetString("MaxEpoch", "5")
	if err != nil || c.MaxEpoch != 5 {
		t.Error("SetString failed", err)
	}
	if c, err = c.SetString("Eta", "0.01"); err != nil || c.Eta != 0.01 {
		t.Error("SetString failed", err)
	}
	if c, err = c.SetBool("Shuffle", false); err != nil || c.Shuffle {
		t.Error("SetBool failed", err)
	}
	if _, err = c.SetString("Bogus", "1"); err == nil {
		t.Error("expecting error for invalid key")
	}
	if _, err = c.SetString("MaxEpoch", "x"); err == nil {
		t.Error("expecting error for invalid value")
	}
}

func TestInvalidLayer(t *testing.T) {
	q := newQueue(t)
	rng := rand.New(rand.NewSource(1))
	c := Config{}.AddLayers(Linear{Nout: 4})
	if _, err := New(q, c, 2, []int{3}, rng); err == nil {
		t.Error("expecting error if no output layer")
	}
	c = Config{}.AddLayers(Conv{Nfeats: 4, Size: 3}, Flatten{}, Linear{Nout: 2}, Softmax{})
	if _, err := New(q, c, 2, []int{3}, rng); err == nil {
		t.Error("expecting error for conv layer with vector input")
	}
	c = Config{Layers: []LayerConfig{{Type: "bogus"}}}
	_, err := New(q, c, 2, []int{3}, rng)
	t.Log(err)
	if err == nil {
		t.Error("expecting error for invalid layer type")
	}
}

func TestSummary(t *testing.T) {
	q := newQueue(t)
	rng := rand.New(rand.NewSource(42))
	net := newNetwork(t, q, DefaultConfig(), 4, []int{32, 32, 3}, rng)
	s := net.Summary()
	t.Log("\n" + s)
	if !strings.HasSuffix(s, "total params: 127626") {
		t.Error("wrong number of parameters")
	}
	shape := net.inShape
	for _, l := range net.Layers {
		shape = l.OutShape(shape)
	}
	if !reflect.DeepEqual(shape, []int{10, 4}) {
		t.Error("wrong output shape", shape)
	}
}

func TestGlorot(t *testing.T) {
	q := newQueue(t)
	rng := rand.New(rand.NewSource(42))
	net := newNetwork(t, q, DefaultConfig(), 4, []int{32, 32, 3}, rng)
	W, B := net.Layers[0].(ParamLayer).Params()
	w := make([]float32, W.Size())
	b := make([]float32, B.Size())
	q.Call(num.Read(W, w), num.Read(B, b))
	limit := float32(math.Sqrt(6.0 / (27 + 288)))
	for _, v := range w {
		if v < -limit || v > limit {
			t.Fatalf("weight %g outside +/-%g", v, limit)
		}
	}
	for _, v := range b {
		if v != 0 {
			t.Fatal("expecting zero bias")
		}
	}
}

// mean loss over the batch
func batchLoss(net *Network, x, y num.Array) float64 {
	yPred := net.Fprop(x, true)
	losses := net.OutLayer().Loss(y, yPred)
	res := make([]float32, losses.Size())
	net.queue.Call(num.Read(losses, res))
	sum := 0.0
	for _, v := range res {
		sum += float64(v)
	}
	return sum / float64(len(res))
}

func TestGradient(t *testing.T) {
	const batch, nIn, nClass = 4, 5, 3
	q := newQueue(t)
	rng := rand.New(rand.NewSource(42))
	conf := Config{}.AddLayers(Linear{Nout: 6}, Activation{Atype: "tanh"}, Linear{Nout: nClass}, Softmax{})
	net := newNetwork(t, q, conf, batch, []int{nIn}, rng)
	dset := NewDataset(q.Dev(), newVecData(rng, batch, nIn, nClass), batch, rng)
	dset.Rewind()
	x, y, yOneHot := dset.NextBatch()

	yPred := net.Fprop(x, true)
	net.Bprop(net.OutLayer().InputGrad(yOneHot, yPred))

	for _, ix := range []int{0, 2} {
		l := net.Layers[ix].(ParamLayer)
		W, _ := l.Params()
		dW, _ := l.ParamGrads()
		grad := make([]float32, dW.Size())
		w := make([]float32, W.Size())
		q.Call(num.Read(dW, grad), num.Read(W, w))
		const h = 1e-2
		for i := range w {
			save := w[i]
			w[i] = save + h
			q.Call(num.Write(W, w))
			lossPlus := batchLoss(net, x, y)
			w[i] = save - h
			q.Call(num.Write(W, w))
			lossMinus := batchLoss(net, x, y)
			w[i] = save
			q.Call(num.Write(W, w))
			numeric := (lossPlus - lossMinus) / (2 * h)
			if math.Abs(numeric-float64(grad[i])) > 2e-3 {
				t.Errorf("layer %d W[%d]: gradient %.5f numeric %.5f", ix, i, grad[i], numeric)
			}
		}
	}
}

func TestEvaluate(t *testing.T) {
	q := newQueue(t)
	rng := rand.New(rand.NewSource(42))
	data := newVecData(rng, 10, 4, 2)
	conf := Config{}.AddLayers(Linear{Nout: 2}, Softmax{})
	net := newNetwork(t, q, conf, 4, []int{4}, rng)
	dset := NewDataset(q.Dev(), data, 4, rng)
	pred := make([]int32, dset.Samples)
	loss, acc := net.Evaluate(dset, pred)
	t.Logf("loss=%.4f accuracy=%.3f pred=%v", loss, acc, pred)
	correct := 0
	for i, p := range pred {
		if p == data.y[i] {
			correct++
		}
	}
	if math.Abs(acc-float64(correct)/10) > 1e-6 {
		t.Error("accuracy does not match predictions")
	}
	if loss <= 0 || math.IsNaN(loss) {
		t.Error("invalid loss")
	}
}
