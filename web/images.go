package web

import (
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/cifar10cnn/img"
)

type ImagePage struct {
	*Templates
	Rows   []int
	Cols   []int
	Width  int
	Height int
	run    *Runner
}

// Per request view of a page of images
type imageView struct {
	*ImagePage
	Dset     string
	Page     int
	Pages    int
	Total    int
	Errors   bool
	Channel  string
	labels   []int32
	pred     []int32
	classes  []string
	selected []int
}

// Base data for handler functions to view the input images with their predicted class
func NewImagePage(t *Templates, run *Runner, scale float64, rows, cols int) *ImagePage {
	p := &ImagePage{Templates: t, run: run}
	for _, name := range []string{"all", "errors", "prev", "next"} {
		p.AddOption(Link{Name: name, Url: "./" + name})
	}
	if d := run.Data["test"]; d != nil && len(d.Shape()) >= 2 {
		dims := d.Shape()
		p.Width = int(float64(dims[0]) * scale)
		p.Height = int(float64(dims[1]) * scale)
	}
	p.Rows = seq(rows)
	p.Cols = seq(cols)
	return p
}

// Handler function for the main image page
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		dset := mux.Vars(r)["dset"]
		if _, ok := p.run.Data[dset]; !ok {
			http.NotFound(w, r)
			return
		}
		v := p.view(r, dset)
		p.Select("/images/")
		if v.Errors {
			p.SelectOptions("errors")
		} else {
			p.SelectOptions("all")
		}
		p.Exec(w, "images", v)
	}
}

// Set option from top menu, the settings are saved in the session.
func (p *ImagePage) Setopt() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		vars := mux.Vars(r)
		dset := vars["dset"]
		if _, ok := p.run.Data[dset]; !ok {
			http.NotFound(w, r)
			return
		}
		v := p.view(r, dset)
		switch vars["opt"] {
		case "all":
			v.Errors, v.Page = false, 1
		case "errors":
			v.Errors, v.Page = true, 1
		case "prev":
			v.Page = mod(v.Page-1, 1, v.Pages)
		case "next":
			v.Page = mod(v.Page+1, 1, v.Pages)
		}
		s := p.session(r)
		s.Values["errors"] = v.Errors
		s.Values["page"] = v.Page
		if err := s.Save(r, w); err != nil {
			log.Println("error saving session:", err)
		}
		http.Redirect(w, r, "/images/"+dset+"/", http.StatusFound)
	}
}

// Handler function for the image data. Misclassified images have a red border, if the ch form value
// is set to r, g or b then only that colour channel is shown.
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		vars := mux.Vars(r)
		dset := vars["dset"]
		id, _ := strconv.Atoi(vars["id"])
		data, ok := p.run.Data[dset]
		if !ok || id < 1 || id > data.Len() {
			http.NotFound(w, r)
			return
		}
		image := data.Image(id-1, r.FormValue("ch"))
		pred := p.run.Pred(dset)
		image = img.Highlight(image, pred != nil && pred[id-1] != data.Labels[id-1])
		w.Header().Set("Content-type", "image/png")
		if err := png.Encode(w, image); err != nil {
			log.Println("error encoding image:", err)
		}
	}
}

func (p *ImagePage) view(r *http.Request, dset string) *imageView {
	data := p.run.Data[dset]
	v := &imageView{
		ImagePage: p,
		Dset:      dset,
		Page:      1,
		Channel:   r.FormValue("ch"),
		labels:    data.Labels,
		pred:      p.run.Pred(dset),
		classes:   data.Classes(),
	}
	s := p.session(r)
	if errors, ok := s.Values["errors"].(bool); ok {
		v.Errors = errors
	}
	if page, ok := s.Values["page"].(int); ok {
		v.Page = page
	}
	for i := range v.labels {
		if v.showImage(i) {
			v.selected = append(v.selected, i)
		}
	}
	v.Total = len(v.selected)
	perPage := len(p.Rows) * len(p.Cols)
	v.Pages = max(1, (v.Total+perPage-1)/perPage)
	if v.Page < 1 || v.Page > v.Pages {
		v.Page = 1
	}
	return v
}

func (v *imageView) showImage(i int) bool {
	if !v.Errors {
		return true
	}
	return v.pred != nil && v.pred[i] != v.labels[i]
}

// Index returns the image number at the given grid position starting from 1, or 0 if none.
func (v *imageView) Index(row, col int) int {
	ix := (v.Page-1)*len(v.Rows)*len(v.Cols) + row*len(v.Cols) + col
	if ix >= len(v.selected) {
		return 0
	}
	return v.selected[ix] + 1
}

// Label has the true class and the prediction if it is wrong.
func (v *imageView) Label(i int) string {
	if i < 1 || i > len(v.labels) {
		return ""
	}
	text := v.classes[v.labels[i-1]]
	if v.pred != nil && v.pred[i-1] != v.labels[i-1] {
		text += fmt.Sprintf(" => %s", v.classes[v.pred[i-1]])
	}
	return text
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func mod(i, min, max int) int {
	if i < min {
		i = max
	}
	if i > max {
		i = min
	}
	return i
}
