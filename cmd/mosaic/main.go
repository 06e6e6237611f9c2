package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/soralab/mosaic/internal/logging"
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/scene"
	"github.com/soralab/mosaic/internal/telemetry"
	"github.com/soralab/mosaic/internal/world"
)

const version = "1.0.0"

// timingReportInterval is how many frames pass between timing reports when
// --timer is set.
const timingReportInterval = 60

// envConfig holds settings overridable from the environment; explicit flags
// win over these.
type envConfig struct {
	SocketPrefix string `env:"MOSAIC_PREFIX"`
	Display      string `env:"DISPLAY"`
	Debug        bool   `env:"MOSAIC_DEBUG"`
}

type options struct {
	configPath string
	childName  string
	prefix     string
	display    string
	framerate  int
	debug      bool
	timer      bool
	noWatch    bool
}

func main() {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		fmt.Fprintf(os.Stderr, "parse environment: %v\n", err)
		os.Exit(1)
	}

	opts := options{
		prefix:    ec.SocketPrefix,
		display:   ec.Display,
		debug:     ec.Debug,
		framerate: 60,
	}
	if opts.prefix == "" {
		opts.prefix = strconv.Itoa(os.Getpid())
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--open", "-o":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--open requires a configuration file")
				os.Exit(1)
			}
			i++
			opts.configPath = args[i]
		case "--child":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--child requires a scene name")
				os.Exit(1)
			}
			i++
			opts.childName = args[i]
		case "--prefix":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--prefix requires a value")
				os.Exit(1)
			}
			i++
			opts.prefix = args[i]
		case "--display":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--display requires a value")
				os.Exit(1)
			}
			i++
			opts.display = args[i]
		case "--framerate":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--framerate requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "invalid --framerate value: %s\n", args[i])
				os.Exit(1)
			}
			opts.framerate = n
		case "--debug", "-d":
			opts.debug = true
		case "--timer", "-t":
			opts.timer = true
		case "--no-watch":
			opts.noWatch = true
		case "--version":
			fmt.Printf("mosaic %s\n", version)
			return
		case "--help", "-h":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n\n", args[i])
			printUsage()
			os.Exit(1)
		}
	}

	level := logging.LevelInfo
	if opts.debug {
		level = logging.LevelDebug
	}
	log := logging.New(os.Stderr, level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.childName != "" {
		runChild(ctx, cancel, opts, log)
		return
	}
	runWorld(ctx, cancel, opts, log)
}

func runWorld(ctx context.Context, cancel context.CancelFunc, opts options, log *logging.Logger) {
	if opts.configPath == "" {
		fmt.Fprintln(os.Stderr, "error: no configuration file. Use --open <file>.")
		os.Exit(1)
	}
	doc, err := model.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	bus := telemetry.NewBus(16)
	defer bus.Close()
	bus.Subscribe(func(ev telemetry.Event) {
		name, _ := ev.Data["scene"].(string)
		switch ev.Type {
		case telemetry.EventSceneLaunched:
			log.Infof("scene %s is up", name)
		case telemetry.EventSceneLost:
			log.Warnf("lost scene %s", name)
		}
	}, telemetry.EventSceneLaunched, telemetry.EventSceneLost)
	if opts.timer {
		frames := 0
		bus.Subscribe(func(ev telemetry.Event) {
			frames++
			if frames%timingReportInterval != 0 {
				return
			}
			d, _ := ev.Data["durations"].(map[string]time.Duration)
			log.Infof("frame timings: loop=%v serialize=%v upload=%v",
				d["loop"], d["serialize"], d["upload"])
		}, telemetry.EventFrameDone)
	}

	w := world.New(world.Options{
		Doc:          doc,
		SocketPrefix: opts.prefix,
		Display:      opts.display,
		Framerate:    opts.framerate,
		Debug:        opts.debug,
		Timer:        opts.timer,
		WatchConfig:  !opts.noWatch,
		Log:          log,
		Bus:          bus,
	})
	if err := w.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "open sockets: %v\n", err)
		os.Exit(1)
	}

	go handleSignals(cancel, w.RequestQuit, log)

	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "world: %v\n", err)
		os.Exit(1)
	}
}

func runChild(ctx context.Context, cancel context.CancelFunc, opts options, log *logging.Logger) {
	go handleSignals(cancel, cancel, log)

	err := scene.RunChild(ctx, opts.prefix, scene.Options{
		Name:      opts.childName,
		Framerate: opts.framerate,
		Log:       log,
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "scene %s: %v\n", opts.childName, err)
		os.Exit(1)
	}
}

func handleSignals(cancel context.CancelFunc, quit func(), log *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)
	quit()
	// A second signal skips the orderly drain.
	sig = <-sigCh
	log.Warnf("received %s again, forcing exit", sig)
	cancel()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `mosaic %s — distributed video mapping orchestrator

Usage: mosaic [options]

Options:
  --open, -o <file>    Configuration file to apply
  --child <name>       Run as a scene worker (spawned internally)
  --prefix <value>     Socket prefix shared by world and scenes
  --display <value>    Display used for the collocated scene
  --framerate <n>      Minimum loop framerate (default 60)
  --debug, -d          Verbose logging
  --timer, -t          Collect per-frame timings
  --no-watch           Do not reload the configuration on file change
  --version            Show version
  --help, -h           Show this help

`, version)
}
