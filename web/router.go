package web

import (
	"net/http"

	"github.com/gorilla/mux"
)

const (
	imageScale = 3
	imageRows  = 8
	imageCols  = 10
)

// NewRouter sets up the handlers for each page. If auth is not nil every request must be authenticated.
func NewRouter(run *Runner, auth *AuthMiddleware) (*mux.Router, error) {
	t, err := NewTemplates(run)
	if err != nil {
		return nil, err
	}
	trainPage := NewTrainPage(t.Clone(), run)
	imagePage := NewImagePage(t.Clone(), run, imageScale, imageRows, imageCols)
	reportPage := NewReportPage(t.Clone(), run)
	configPage := NewConfigPage(t.Clone(), run)

	r := mux.NewRouter()
	if auth != nil {
		r.Use(auth.Middleware)
	}
	r.Handle("/", http.RedirectHandler("/train/stats", http.StatusFound))

	r.Handle("/train", http.RedirectHandler("/train/stats", http.StatusFound))
	r.HandleFunc("/train/{cmd:(?:stats|start|stop)}", trainPage.Base())
	r.HandleFunc("/stats", trainPage.Stats())
	r.HandleFunc("/ws", trainPage.Websocket())

	r.Handle("/images", http.RedirectHandler("/images/test/", http.StatusFound))
	r.HandleFunc("/images/{dset}/", imagePage.Base())
	r.HandleFunc("/images/{dset}/{opt:(?:all|errors|prev|next)}", imagePage.Setopt())
	r.HandleFunc("/img/{dset}/{id:[0-9]+}", imagePage.Image())

	r.HandleFunc("/report", reportPage.Base())
	r.HandleFunc("/plots/{name}", reportPage.Plot())

	r.HandleFunc("/config", configPage.Base())
	r.HandleFunc("/config/save", configPage.Save()).Methods("POST")
	r.HandleFunc("/config/reset", configPage.Reset())
	return r, nil
}
