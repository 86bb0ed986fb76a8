package nnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/jnb666/cifar10cnn/num"
	"google.golang.org/protobuf/encoding/protowire"
)

// Model checkpoint file layout in protobuf wire format:
//
//	message Checkpoint { bytes config = 1; repeated Tensor tensors = 2; string created = 3; }
//	message Tensor { string name = 1; repeated uint64 shape = 2 [packed]; repeated fixed32 data = 3 [packed]; }
const (
	ckptConfig  = 1
	ckptTensor  = 2
	ckptCreated = 3
	tensorName  = 1
	tensorShape = 2
	tensorData  = 3
)

// Tensor is a named array of float32 values read from or written to a checkpoint
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Checkpoint has the network definition together with the trained weights and batch norm statistics.
type Checkpoint struct {
	Config  Config
	Tensors []Tensor
	Created time.Time
}

// NewCheckpoint copies the current network parameters from the device
func NewCheckpoint(net *Network) *Checkpoint {
	c := &Checkpoint{Config: net.Config, Created: time.Now().UTC()}
	add := func(name string, a num.Array) {
		t := Tensor{Name: name, Shape: append([]int{}, a.Dims()...), Data: make([]float32, a.Size())}
		net.queue.Call(num.Read(a, t.Data))
		c.Tensors = append(c.Tensors, t)
	}
	for i, layer := range net.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			add(fmt.Sprintf("layer%d/W", i), W)
			add(fmt.Sprintf("layer%d/B", i), B)
		}
		if l, ok := layer.(StateLayer); ok {
			state := l.State()
			add(fmt.Sprintf("layer%d/mean", i), state[0])
			add(fmt.Sprintf("layer%d/var", i), state[1])
		}
	}
	net.queue.Finish()
	return c
}

// Apply copies the weights from the checkpoint to the network, which must have the same layers.
func (c *Checkpoint) Apply(net *Network) error {
	tensors := make(map[string]Tensor)
	for _, t := range c.Tensors {
		tensors[t.Name] = t
	}
	set := func(name string, a num.Array) error {
		t, ok := tensors[name]
		if !ok {
			return fmt.Errorf("checkpoint has no tensor %s", name)
		}
		if !num.SameShape(t.Shape, a.Dims()) {
			return fmt.Errorf("tensor %s: shape %v does not match network %v", name, t.Shape, a.Dims())
		}
		net.queue.Call(num.Write(a, t.Data))
		return nil
	}
	for i, layer := range net.Layers {
		var arrays []num.Array
		var names []string
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			arrays = append(arrays, W, B)
			names = append(names, "W", "B")
		}
		if l, ok := layer.(StateLayer); ok {
			arrays = append(arrays, l.State()...)
			names = append(names, "mean", "var")
		}
		for j, a := range arrays {
			if err := set(fmt.Sprintf("layer%d/%s", i, names[j]), a); err != nil {
				return err
			}
		}
	}
	net.queue.Finish()
	return nil
}

// Marshal encodes the checkpoint in protobuf wire format
func (c *Checkpoint) Marshal() ([]byte, error) {
	conf, err := json.Marshal(c.Config)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, ckptConfig, protowire.BytesType)
	b = protowire.AppendBytes(b, conf)
	for _, t := range c.Tensors {
		b = protowire.AppendTag(b, ckptTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, t.marshal())
	}
	b = protowire.AppendTag(b, ckptCreated, protowire.BytesType)
	b = protowire.AppendString(b, c.Created.Format(time.RFC3339))
	return b, nil
}

func (t Tensor) marshal() []byte {
	var b, packed []byte
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	for _, d := range t.Shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	packed = packed[:0]
	for _, v := range t.Data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// Unmarshal decodes a checkpoint from protobuf wire format. Unknown fields are skipped.
func (c *Checkpoint) Unmarshal(b []byte) error {
	*c = Checkpoint{}
	haveConfig := false
	for len(b) > 0 {
		fnum, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(fnum, typ, b); n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch fnum {
		case ckptConfig:
			if err := json.Unmarshal(val, &c.Config); err != nil {
				return fmt.Errorf("error decoding config: %w", err)
			}
			haveConfig = true
		case ckptTensor:
			var t Tensor
			if err := t.unmarshal(val); err != nil {
				return fmt.Errorf("tensor %d: %w", len(c.Tensors), err)
			}
			c.Tensors = append(c.Tensors, t)
		case ckptCreated:
			c.Created, _ = time.Parse(time.RFC3339, string(val))
		}
	}
	if !haveConfig {
		return errors.New("checkpoint has no network config")
	}
	return nil
}

func (t *Tensor) unmarshal(b []byte) error {
	for len(b) > 0 {
		fnum, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(fnum, typ, b); n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch fnum {
		case tensorName:
			t.Name = string(val)
		case tensorShape:
			for len(val) > 0 {
				d, n := protowire.ConsumeVarint(val)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(d))
				val = val[n:]
			}
		case tensorData:
			if len(val)%4 != 0 {
				return fmt.Errorf("tensor %s: data length %d is not a multiple of 4", t.Name, len(val))
			}
			t.Data = make([]float32, 0, len(val)/4)
			for len(val) > 0 {
				v, n := protowire.ConsumeFixed32(val)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(v))
				val = val[n:]
			}
		}
	}
	if num.Prod(t.Shape) != len(t.Data) {
		return fmt.Errorf("tensor %s: shape %v does not match %d values", t.Name, t.Shape, len(t.Data))
	}
	return nil
}

// SaveModel writes the network config and weights to filePath.
func SaveModel(net *Network, filePath string) error {
	data, err := NewCheckpoint(net).Marshal()
	if err != nil {
		return err
	}
	tmpFile := filePath + ".tmp"
	if err = os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, filePath)
}

// LoadModel reads a checkpoint file and constructs a new network with the saved weights.
func LoadModel(q num.Queue, filePath string, batchSize int, inShape []int, rng *rand.Rand) (*Network, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	c := new(Checkpoint)
	if err = c.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	net, err := New(q, c.Config, batchSize, inShape, rng)
	if err != nil {
		return nil, err
	}
	if err = c.Apply(net); err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return net, nil
}
