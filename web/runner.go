// Package web has a web based interface to run the training pipeline and view the results.
package web

import (
	"errors"
	"fmt"
	"html/template"
	"log"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jnb666/cifar10cnn/img"
	"github.com/jnb666/cifar10cnn/nnet"
	"github.com/jnb666/cifar10cnn/pipeline"
)

// Runner executes the pipeline in the background and holds the latest state for the web pages.
// Callers should hold the lock when accessing the exported fields.
type Runner struct {
	Conf    nnet.Config
	OutDir  string
	Data    map[string]*img.Data
	Stats   []nnet.Stats
	Epoch   int
	Result  *pipeline.Result
	Err     error
	conn    *websocket.Conn
	done    chan struct{}
	running bool
	stop    bool
	sync.Mutex
}

// NewRunner creates a new runner. If train and test are nil the CIFAR-10 data is loaded from conf.DataDir.
// Images are scaled to [0,1] up front so the pipeline does not modify them while they are being served.
func NewRunner(conf nnet.Config, outDir string, train, test *img.Data) (*Runner, error) {
	var err error
	if train == nil || test == nil {
		if train, test, err = img.LoadCIFAR10(conf.DataDir); err != nil {
			return nil, err
		}
	}
	for _, d := range []*img.Data{train, test} {
		if err = d.Validate(); err != nil {
			return nil, err
		}
		if !d.Scaled {
			d.Scale(1.0 / 255)
		}
	}
	log.Printf("init runner: train=%d test=%d images output=%s", train.Len(), test.Len(), outDir)
	return &Runner{
		Conf:   conf,
		OutDir: outDir,
		Data:   map[string]*img.Data{"train": train, "test": test},
	}, nil
}

// Start a new training run, the lock should be held by the caller.
func (r *Runner) Start() error {
	if r.running {
		return errors.New("training is already running")
	}
	r.running, r.stop = true, false
	r.Stats, r.Epoch, r.Result, r.Err = nil, 0, nil, nil
	r.done = make(chan struct{})
	opts := r.Options()
	opts.OnEpoch = r.nextEpoch
	log.Printf("train: start maxEpoch=%d batch=%d eta=%g", r.Conf.MaxEpoch, r.Conf.TrainBatch, r.Conf.Eta)
	go func() {
		res, err := pipeline.Run(opts)
		r.Lock()
		r.Result, r.Err = res, err
		r.running, r.stop = false, false
		close(r.done)
		r.Unlock()
		if err != nil {
			log.Println("train: error:", err)
		} else {
			log.Println("train: end -", res.State)
		}
		r.notify("done")
	}()
	return nil
}

// Stop requests that training ends after the current epoch, the lock should be held by the caller.
func (r *Runner) Stop() {
	if r.running {
		log.Println("train: stop requested")
		r.stop = true
	}
}

// Wait blocks until the current run has finished.
func (r *Runner) Wait() {
	r.Lock()
	done := r.done
	r.Unlock()
	if done != nil {
		<-done
	}
}

// Running returns true if training is in progress.
func (r *Runner) Running() bool {
	return r.running
}

// Options returns the pipeline options for a run with the current config.
func (r *Runner) Options() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Config = r.Conf
	opts.OutDir = r.OutDir
	opts.Train, opts.Test = r.Data["train"], r.Data["test"]
	return opts
}

// Pred returns the predicted classes for the given dataset or nil if not available.
func (r *Runner) Pred(dset string) []int32 {
	if dset != "test" || r.Result == nil {
		return nil
	}
	return r.Result.Pred
}

func (r *Runner) nextEpoch(s nnet.Stats) bool {
	r.Lock()
	r.Stats = append(r.Stats, s)
	r.Epoch = s.Epoch
	stop := r.stop
	r.Unlock()
	r.notify("epoch:" + strconv.Itoa(s.Epoch))
	return !stop
}

// notify via websocket
func (r *Runner) notify(msg string) {
	r.Lock()
	conn := r.conn
	r.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		log.Println("notify: error writing to websocket", err)
	}
}

func (r *Runner) setConn(conn *websocket.Conn) {
	r.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.conn = conn
	r.Unlock()
}

func (r *Runner) heading() template.HTML {
	state := "idle"
	switch {
	case r.running:
		state = "running"
	case r.Err != nil:
		state = "error"
	case r.Result != nil:
		state = r.Result.State.String()
	}
	s := fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d <span id="state">[%s]</span>`,
		r.Conf.DataSet, r.Epoch, r.Conf.MaxEpoch, state)
	return template.HTML(s)
}
