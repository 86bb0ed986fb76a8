// Web interface to run training and browse the results.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jnb666/cifar10cnn/nnet"
	"github.com/jnb666/cifar10cnn/pipeline"
	"github.com/jnb666/cifar10cnn/web"
)

func main() {
	log.SetFlags(0)
	opts := pipeline.DefaultOptions()
	addr := flag.String("addr", ":8080", "address to listen on")
	user := flag.String("user", "", "user name for basic auth, disabled if blank")
	password := flag.String("password", "", "password for basic auth")
	flag.StringVar(&opts.OutDir, "out", opts.OutDir, "output directory")
	flag.StringVar(&opts.Config.DataDir, "data", opts.Config.DataDir, "data directory")
	flag.Parse()

	// use the config saved from the web page if there is one
	conf := opts.Config
	if c, err := nnet.LoadConfig(filepath.Join(opts.OutDir, web.ConfigFile)); err == nil {
		c.DataDir = conf.DataDir
		conf = c
	} else if !os.IsNotExist(err) {
		log.Println("using default config:", err)
	}
	run, err := web.NewRunner(conf, opts.OutDir, nil, nil)
	nnet.CheckErr(err)

	var auth *web.AuthMiddleware
	if *user != "" {
		mw := web.NewAuthMiddleware(*user, *password)
		auth = &mw
	}
	r, err := web.NewRouter(run, auth)
	nnet.CheckErr(err)

	log.Printf("serving web page at http://localhost%s", *addr)
	log.Fatal(http.ListenAndServe(*addr, r))
}
