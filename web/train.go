package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/cifar10cnn/nnet"
	"github.com/jnb666/cifar10cnn/plots"
	"github.com/jnb666/cifar10cnn/stats"
	"gonum.org/v1/plot"
)

const statsRows = 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	run *Runner
}

// Base data for handler functions to perform network training and display the stats
func NewTrainPage(t *Templates, run *Runner) *TrainPage {
	p := &TrainPage{run: run}
	p.Templates = t.Select("/train")
	p.AddOption(Link{Name: "start", Url: "/train/start"})
	p.AddOption(Link{Name: "stop", Url: "/train/stop"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := mux.Vars(r)["cmd"]
		p.run.Lock()
		defer p.run.Unlock()
		switch cmd {
		case "start":
			if err := p.run.Start(); err != nil {
				log.Println("skip start:", err)
			}
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		case "stop":
			p.run.Stop()
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		default:
			if p.run.Running() {
				p.SelectOptions("start")
			} else {
				p.SelectOptions()
			}
			p.Exec(w, "train", p)
		}
	}
}

// Handler function for the stats frame
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		p.Exec(w, "stats", p)
	}
}

// Handler function for websocket connection
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket:", err)
			return
		}
		p.run.setConn(conn)
	}
}

func (p *TrainPage) Headers() []string {
	return append([]string{"epoch"}, nnet.StatsHeaders...)
}

// LatestStats returns up to n rows of formatted stats, most recent first.
func (p *TrainPage) LatestStats(n int) [][]string {
	stats := p.run.Stats
	var res [][]string
	for i := len(stats) - 1; i >= 0 && i >= len(stats)-n; i-- {
		row := append([]string{fmt.Sprint(stats[i].Epoch)}, stats[i].Format()...)
		if stats[i].Improved {
			row[0] += " *"
		}
		res = append(res, row)
	}
	return res
}

func (p *TrainPage) Rows() int { return statsRows }

func (p *TrainPage) RunTime() string {
	if len(p.run.Stats) == 0 {
		return ""
	}
	elapsed := p.run.Stats[len(p.run.Stats)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

// EpochTime has the mean and spread of the time per epoch and an estimate of the time remaining.
func (p *TrainPage) EpochTime() template.HTML {
	var avg stats.Average
	var ema stats.EMA
	var prev time.Duration
	for _, s := range p.run.Stats {
		secs := (s.Elapsed - prev).Seconds()
		prev = s.Elapsed
		avg.Add(secs)
		ema = stats.EMA(ema.Add(secs, 3))
	}
	if avg.Count == 0 {
		return ""
	}
	text := "epoch time: " + string(avg.HTML()) + "s"
	if p.run.Running() {
		remain := time.Duration(float64(p.run.Conf.MaxEpoch-p.run.Epoch) * float64(ema) * float64(time.Second))
		text += fmt.Sprintf("  max remaining: %s", remain.Round(time.Second))
	}
	return template.HTML(text)
}

// Summary of the final test results, empty while running.
func (p *TrainPage) Summary() string {
	switch {
	case p.run.Err != nil:
		return "error: " + p.run.Err.Error()
	case p.run.Result != nil:
		res := p.run.Result
		return fmt.Sprintf("%s after %d epochs: test loss %.4f  test accuracy %.2f%%",
			res.State, res.History.Epochs(), res.TestLoss, 100*res.TestAccuracy)
	}
	return ""
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	return p.plot(plots.Loss, width, height)
}

func (p *TrainPage) AccuracyPlot(width, height int) template.HTML {
	return p.plot(plots.Accuracy, width, height)
}

func (p *TrainPage) plot(fn func(nnet.History) (*plot.Plot, error), width, height int) template.HTML {
	if len(p.run.Stats) == 0 {
		return ""
	}
	plt, err := fn(nnet.NewHistory(p.run.Stats))
	if err != nil {
		log.Println("plot error:", err)
		return ""
	}
	data, err := plots.SVG(plt, width, height)
	if err != nil {
		log.Println("error writing plot:", err)
		return ""
	}
	return template.HTML(data)
}
