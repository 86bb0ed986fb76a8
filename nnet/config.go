package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Training configuration settings
type Config struct {
	DataSet    string
	DataDir    string
	Eta        float64
	Beta1      float64
	Beta2      float64
	Epsilon    float64
	ValidFrac  float64
	TrainBatch int
	TestBatch  int
	MaxEpoch   int
	StopAfter  int
	LogEvery   int
	RandSeed   int64
	Shuffle    bool
	DebugLevel int
	UseGPU     bool
	Profile    bool
	Layers     []LayerConfig
}

// DefaultConfig returns the settings and network definition for the CIFAR-10 classifier:
// three conv blocks of width 32, 64 and 128, dense 64, dropout 0.5 and softmax output.
func DefaultConfig() Config {
	c := Config{
		DataSet:    "cifar10",
		DataDir:    "./data",
		Eta:        0.001,
		Beta1:      0.9,
		Beta2:      0.999,
		Epsilon:    1e-7,
		ValidFrac:  0.2,
		TrainBatch: 32,
		TestBatch:  32,
		MaxEpoch:   10,
		StopAfter:  3,
		LogEvery:   1,
		RandSeed:   42,
		Shuffle:    true,
	}
	for _, nfeat := range []int{32, 64, 128} {
		c = c.AddLayers(
			Conv{Nfeats: nfeat, Size: 3},
			Activation{Atype: "relu"},
			BatchNorm{},
			MaxPool{Size: 2},
		)
	}
	return c.AddLayers(
		Flatten{},
		Linear{Nout: 64},
		Activation{Atype: "relu"},
		Dropout{Ratio: 0.5},
		Linear{Nout: 10},
		Softmax{},
	)
}

// Load network from json file. Fields which are not in the file keep their default values,
// the default layers are used if no layers are given.
func LoadConfig(filePath string) (c Config, err error) {
	var f *os.File
	if f, err = os.Open(filePath); err != nil {
		return
	}
	defer f.Close()
	fmt.Println("loading network config from", filePath)
	c = DefaultConfig()
	layers := c.Layers
	c.Layers = nil
	dec := json.NewDecoder(f)
	if err = dec.Decode(&c); err != nil {
		return c, fmt.Errorf("error decoding %s: %w", filePath, err)
	}
	if c.Layers == nil {
		c.Layers = layers
	}
	if err = c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", filePath, err)
	}
	return c, nil
}

// Validate checks the training settings are in range.
func (c Config) Validate() error {
	switch {
	case c.ValidFrac <= 0 || c.ValidFrac >= 1:
		return fmt.Errorf("ValidFrac must be between 0 and 1, got %g", c.ValidFrac)
	case c.TrainBatch <= 0 || c.TestBatch <= 0:
		return fmt.Errorf("batch size must be positive, got %d, %d", c.TrainBatch, c.TestBatch)
	case c.MaxEpoch <= 0:
		return fmt.Errorf("MaxEpoch must be positive, got %d", c.MaxEpoch)
	case c.StopAfter < 0:
		return fmt.Errorf("StopAfter must not be negative, got %d", c.StopAfter)
	case len(c.Layers) == 0:
		return fmt.Errorf("no layers defined")
	}
	return nil
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	c.Layers = append([]LayerConfig{}, c.Layers...)
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save config to JSON file, writes to a temp file first and then renames it.
func (c Config) Save(filePath string) error {
	tmpFile := filePath + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpFile, filePath)
}

// Fields returns the config setting names, excluding the layers.
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, fmt.Errorf("invalid config key: %s", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	default:
		return c, fmt.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, fmt.Errorf("invalid config key: %s", key)
	}
	if f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, fmt.Errorf("invalid type for SetBool: %v", f.Type().Kind())
}
