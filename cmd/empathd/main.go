// empathd is the MTA daemon: it loads the configuration document,
// assembles a controller.Controller, and runs it until interrupted.
//
// Grounded on chasquid's own top-level chasquid.go main(): flag-based
// config directory/overrides, log.Init before anything else happens,
// config.Load + config.LogConfig, then a signal channel for graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/config"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/controller"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
)

var (
	configPath = flag.String("config", "/etc/empath/empath.toml",
		"path to the configuration file")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (in TOML format)")
	verbose = flag.Bool("v", false, "verbose (debug) logging")
	showVer = flag.Bool("version", false, "show version and exit")
)

var version = "undefined"

func main() {
	flag.Parse()

	level := log.Info
	if *verbose {
		level = log.Debug
	}
	log.Init(level)

	if *showVer {
		fmt.Printf("empathd %s\n", version)
		return
	}

	log.Infof("empathd starting (version %s)", version)

	cfg, err := config.Load(*configPath, *configOverrides)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	config.LogConfig(cfg)

	ctl, err := controller.New(cfg)
	if err != nil {
		log.Fatalf("assembling controller: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctl.Run(ctx); err != nil {
		log.Fatalf("controller exited: %v", err)
	}
}
