package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

//go:embed templates/*.html
var assets embed.FS

const sessionName = "cifar10cnn"

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu    []Link
	Options []Link
	store   sessions.Store
	run     *Runner
}

type Link struct {
	Url      string
	Name     string
	Selected bool
	Submit   bool
}

// Load and parse templates and initialise main menu
func NewTemplates(run *Runner) (*Templates, error) {
	var err error
	t := &Templates{run: run}
	t.Template, err = template.ParseFS(assets, "templates/*.html")
	if err != nil {
		return nil, err
	}
	t.store = sessions.NewCookieStore(securecookie.GenerateRandomKey(32))
	t.AddMenuItem(Link{Name: "train", Url: "/train/stats"})
	t.AddMenuItem(Link{Name: "images", Url: "/images/test/"})
	t.AddMenuItem(Link{Name: "report", Url: "/report"})
	t.AddMenuItem(Link{Name: "config", Url: "/config"})
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		Options:  append([]Link{}, t.Options...),
		store:    t.store,
		run:      t.run,
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(key.Url, url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func (t *Templates) AddOption(l Link) *Templates {
	t.Options = append(t.Options, l)
	return t
}

func (t *Templates) SelectOptions(names ...string) *Templates {
	for i, key := range t.Options {
		t.Options[i].Selected = false
		for _, name := range names {
			if key.Name == name {
				t.Options[i].Selected = true
			}
		}
	}
	return t
}

// Heading has the current epoch and run state
func (t *Templates) Heading() template.HTML {
	if t.run == nil {
		return ""
	}
	return t.run.heading()
}

// Exec renders the template to a buffer first so that errors are reported with a 500 status.
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

// session returns the browser session, a new one is created if the cookie is missing or invalid.
func (t *Templates) session(r *http.Request) *sessions.Session {
	s, err := t.store.Get(r, sessionName)
	if err != nil {
		log.Println("session:", err)
	}
	return s
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
