/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-jobs/engine"
	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/testbed"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	flag.Parse()

	config := core.DefaultConfig()
	if *configPath != "" {
		c, err := core.LoadConfig(*configPath)
		if err != nil {
			core.LogFatal("could not load configuration: %v", err)
		}
		config = c
	}
	if *metricsAddr != "" {
		config.Metrics.Enabled = true
		config.Metrics.Address = *metricsAddr
	}

	tb := testbed.NewTestGame(flag.Args()...)

	e, err := engine.New(tb.Game, config)
	if err != nil {
		core.LogFatal("could not create engine: %v", err)
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("could not initialize engine: %v", err)
	}

	// capture sigterm and other system calls
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %v", err)
	}
	if runErr != nil {
		core.LogError("engine stopped: %v", runErr)
		os.Exit(1)
	}
}
