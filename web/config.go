package web

import (
	"fmt"
	"log"
	"net/http"
	"path/filepath"

	"github.com/jnb666/cifar10cnn/nnet"
)

// ConfigFile is the name of the saved config in the output directory
const ConfigFile = "config.json"

type ConfigPage struct {
	*Templates
	Fields []Field
	Layers []Layer
	run    *Runner
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

type Layer struct {
	Index int
	Desc  string
}

// Base data for handler functions to view and update the network config
func NewConfigPage(t *Templates, run *Runner) *ConfigPage {
	p := &ConfigPage{run: run}
	p.Templates = t.Select("/config")
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	p.AddOption(Link{Name: "reset", Url: "/config/reset"})
	p.Fields = getFields(run.Conf)
	p.Layers = getLayers(run.Conf)
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		p.Exec(w, "config", p)
	}
}

// Handler function for the config form save action. Changes are applied to the next run and
// written to the output directory.
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		if err := r.ParseForm(); err != nil {
			logError(w, err)
			return
		}
		haveErrors := false
		conf := p.run.Conf
		for i, fld := range p.Fields {
			val := r.Form.Get(fld.Name)
			var err error
			if fld.Boolean {
				p.Fields[i].On = (val == "true")
				conf, err = conf.SetBool(fld.Name, p.Fields[i].On)
			} else {
				p.Fields[i].Value = val
				conf, err = conf.SetString(fld.Name, val)
			}
			p.Fields[i].Error = ""
			if err != nil {
				p.Fields[i].Error = "invalid syntax"
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := p.setConfig(conf); err != nil {
				logError(w, err)
				return
			}
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Handler function to restore the default config
func (p *ConfigPage) Reset() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.run.Lock()
		defer p.run.Unlock()
		conf := nnet.DefaultConfig()
		conf.DataDir = p.run.Conf.DataDir
		if err := p.setConfig(conf); err != nil {
			logError(w, err)
			return
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Running is true if the config cannot be changed
func (p *ConfigPage) Running() bool {
	return p.run.Running()
}

func (p *ConfigPage) setConfig(conf nnet.Config) error {
	if p.run.Running() {
		return fmt.Errorf("cannot update config while training is running")
	}
	file := filepath.Join(p.run.OutDir, ConfigFile)
	if err := conf.Save(file); err != nil {
		return err
	}
	log.Println("saved config to", file)
	p.run.Conf = conf
	p.Fields = getFields(conf)
	p.Layers = getLayers(conf)
	return nil
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		if key != "UseGPU" {
			f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
			f.On, f.Boolean = conf.Get(key).(bool)
			flds = append(flds, f)
		}
	}
	return flds
}

func getLayers(conf nnet.Config) []Layer {
	layers := make([]Layer, len(conf.Layers))
	for i, l := range conf.Layers {
		layers[i].Index = i
		layers[i].Desc = l.String()
	}
	return layers
}
