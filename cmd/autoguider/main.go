package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/autoguider/autoguider"
	"github.jpl.nasa.gov/bdube/autoguider/calib"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/config"
	"github.jpl.nasa.gov/bdube/autoguider/generichttp"
	aghttp "github.jpl.nasa.gov/bdube/autoguider/generichttp/autoguider"
	"github.jpl.nasa.gov/bdube/autoguider/imgrec"
	"github.jpl.nasa.gov/bdube/autoguider/metrics"
	"github.jpl.nasa.gov/bdube/autoguider/object"
	"github.jpl.nasa.gov/bdube/autoguider/server/middleware/locker"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "autoguider-server.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root" koanf:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	// Enabled records every field and guide frame from startup
	Enabled bool `yaml:"Enabled" koanf:"Enabled"`
}

type simulator struct {
	NCols     int           `yaml:"NCols" koanf:"NCols"`
	NRows     int           `yaml:"NRows" koanf:"NRows"`
	Seed      int64         `yaml:"Seed" koanf:"Seed"`
	ReadNoise float64       `yaml:"ReadNoise" koanf:"ReadNoise"`
	RealTime  bool          `yaml:"RealTime" koanf:"RealTime"`
	Stars     []camera.Star `yaml:"Stars" koanf:"Stars"`
}

type serverConfig struct {
	Addr      string    `yaml:"Addr" koanf:"Addr"`
	Root      string    `yaml:"Root" koanf:"Root"`
	Engine    string    `yaml:"Engine" koanf:"Engine"`
	Metrics   bool      `yaml:"Metrics" koanf:"Metrics"`
	Recorder  recorder  `yaml:"Recorder" koanf:"Recorder"`
	Simulator simulator `yaml:"Simulator" koanf:"Simulator"`
}

func setupconfig() {
	k.Load(structs.Provider(serverConfig{
		Addr:    ":8000",
		Root:    "/",
		Engine:  "autoguider.yml",
		Metrics: true,
		Recorder: recorder{
			Root:   "/tmp/autoguider",
			Prefix: "ag"},
		Simulator: simulator{
			NCols:     1024,
			NRows:     1024,
			Seed:      1,
			ReadNoise: 5,
			RealTime:  true,
			Stars: []camera.Star{
				{X: 512, Y: 512, Flux: 2e5, Sigma: 1.5},
				{X: 300, Y: 700, Flux: 8e4, Sigma: 1.5}}}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `autoguider acquires a guide star, keeps it centred in a small window,
and reports the error to the telescope control system.  It is controlled
over HTTP.

Usage:
	autoguider <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `autoguider is amenable to configuration via two .yaml files.  For a primer on YAML, see
https://yaml.org/start.html

autoguider-server.yml holds the server settings (address, URL root, image
recorder, camera simulator).  When it is missing, the defaults are used.  The
command mkconf generates it with the default values.

The Engine key names the second file, which holds the engine properties:
CCD geometry, exposure limits, dark and flat filenames, field and guide
behaviour, and the TCS and SDB endpoints.  There are no defaults for engine
properties; a missing key is an error when the engine needs it.  See
cmd/autoguider/testdata/autoguider.yml for every key.  POST /config/reload
re-reads the engine file without restarting.

Prometheus metrics are served at /metrics when Metrics is true.

The server accepts SIGINT and SIGTERM; guiding is stopped and a terminating
guide packet sent before it exits.`
	fmt.Println(str)
}

func mkconf() {
	c := serverConfig{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := serverConfig{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("autoguider version %v\n", Version)
}

// setup builds the autoguider and its HTTP surface from the two configs
func setup(cfg serverConfig, engine *config.Config) (*autoguider.Autoguider, chi.Router, error) {
	sc := cfg.Simulator
	sim := camera.NewSimulator(sc.NCols, sc.NRows, sc.Seed)
	sim.ReadNoise = sc.ReadNoise
	sim.RealTime = sc.RealTime
	sim.SetStars(sc.Stars)

	det := &object.Segmenter{}
	if engine.Exists("object.segmenter.floor") {
		f, err := engine.Float("object.segmenter.floor")
		if err != nil {
			return nil, nil, err
		}
		det.Floor = f
	}

	ag, err := autoguider.New(engine, sim, det, calib.FITSLoader{})
	if err != nil {
		return nil, nil, err
	}

	rec := &imgrec.Recorder{Root: cfg.Recorder.Root, Prefix: cfg.Recorder.Prefix, Enabled: cfg.Recorder.Enabled}
	ag.Field.Recorder = rec
	ag.Guide.Recorder = rec

	h := aghttp.NewHTTPAutoguider(ag)
	imgrec.NewHTTPWrapper(rec).Inject(h)
	l := locker.New()
	locker.Inject(h, l)

	mux := chi.NewRouter()
	mux.Use(l.Check)
	h.RT().Bind(mux)

	if cfg.Metrics {
		m, err := metrics.New(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, nil, err
		}
		ag.Field.Observer = m
		ag.Guide.Observer = m
		if err = metrics.RegisterTemperature(prometheus.DefaultRegisterer, sim); err != nil {
			return nil, nil, err
		}
	}

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	if cfg.Metrics {
		root.Handle("/metrics", promhttp.Handler())
	}
	root.Mount(generichttp.SubMuxSanitize(cfg.Root), mux)
	return ag, root, nil
}

func run() {
	cfg := serverConfig{}
	k.Unmarshal("", &cfg)
	engine, err := config.Load(cfg.Engine)
	if err != nil {
		log.Fatal(err)
	}
	ag, root, err := setup(cfg, engine)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = ag.Initialise(ctx); err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: root}
	go func() {
		<-ctx.Done()
		log.Println("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	addr := cfg.Addr + cfg.Root
	log.Println("now listening for requests at ", addr)
	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	if err = ag.Close(); err != nil {
		log.Println(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
