package web

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/jnb666/cifar10cnn/pipeline"
)

// plot files which can be served
var plotFiles = []string{
	pipeline.ClassDistFile,
	pipeline.SampleImagesFile,
	pipeline.HistoryPlotFile,
	pipeline.ConfusionFile,
	pipeline.MisclassifiedFile,
	pipeline.HistoryFile,
	pipeline.ReportFile,
}

type ReportPage struct {
	*Templates
	run *Runner
}

// Base data for handler functions to show the classification report and plots
func NewReportPage(t *Templates, run *Runner) *ReportPage {
	p := &ReportPage{run: run}
	p.Templates = t.Select("/report")
	return p
}

// Handler function for the report template
func (p *ReportPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		p.Exec(w, "report", p)
	}
}

// Handler function to serve one of the generated plot files from the output directory
func (p *ReportPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if !contains(plotFiles, name) {
			http.NotFound(w, r)
			return
		}
		p.run.Lock()
		file := p.run.Options().Path(name)
		p.run.Unlock()
		if _, err := os.Stat(file); err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, file)
	}
}

// Available returns true if results from a completed run are available
func (p *ReportPage) Available() bool {
	return p.run.Result != nil && p.run.Result.Matrix != nil
}

// Report is the formatted classification report
func (p *ReportPage) Report() string {
	if !p.Available() {
		return ""
	}
	return p.run.Result.Report.String()
}

func (p *ReportPage) Classes() []string {
	if !p.Available() {
		return nil
	}
	return p.run.Result.Matrix.Classes
}

// Matrix returns the confusion matrix rows with the class name in the first column
func (p *ReportPage) Matrix() []matrixRow {
	if !p.Available() {
		return nil
	}
	m := p.run.Result.Matrix
	rows := make([]matrixRow, len(m.Classes))
	for i, name := range m.Classes {
		rows[i] = matrixRow{Class: name, Row: i, Counts: m.Counts[i]}
	}
	return rows
}

// Plots lists the images to show
func (p *ReportPage) Plots() []string {
	return []string{pipeline.HistoryPlotFile, pipeline.ConfusionFile, pipeline.MisclassifiedFile,
		pipeline.ClassDistFile, pipeline.SampleImagesFile}
}

type matrixRow struct {
	Class  string
	Row    int
	Counts []int
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
