package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue() Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new DNN layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
	BatchNormLayer(inShape []int, momentum, epsilon float64) BatchNormLayer
	// Description of the device for logging
	Name() string
}

// Initialise new compute device. Only the CPU backend is compiled in, if a GPU is requested
// then a message is logged and the CPU device is returned.
func NewDevice(useGPU bool) Device {
	if useGPU && len(GPUDevices()) == 0 {
		fmt.Println("GPU device requested but no GPU backend is available: using CPU")
	}
	return cpuDevice{}
}

// List of accelerator devices which could be used for training.
func GPUDevices() []string {
	return []string{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Function call - executed in order on the device
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// cpuDevice runs all operations in the calling goroutine using the gonum blas routines
type cpuDevice struct{}

func (d cpuDevice) Name() string {
	return fmt.Sprintf("cpu %s/%s GOMAXPROCS=%d", runtime.GOOS, runtime.GOARCH, runtime.GOMAXPROCS(0))
}

type cpuQueue struct {
	cpuDevice
	*profile
}

func (d cpuDevice) NewQueue() Queue {
	return &cpuQueue{cpuDevice: d, profile: newProfile()}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, f := range args {
		if q.enabled {
			start := time.Now()
			f.fn()
			q.add(f.name, time.Since(start))
		} else {
			f.fn()
		}
	}
	return q
}

func (q *cpuQueue) Finish() {}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.enabled {
		fmt.Print(q.Profile())
	}
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += elapsed.Seconds() * 1000
	p.prof[name] = r
}

func (p *profile) Profile() string {
	if len(p.prof) == 0 {
		return ""
	}
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	s := []string{"== Profile =="}
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", r.name, r.calls, r.msec))
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", "TOTAL", totalCalls, totalMsec))
	return strings.Join(s, "\n") + "\n"
}
