// jostle supervises one storage-interference experiment: it launches the
// configured workload containers, aligns their reporting cadence, serves
// the command socket, and coordinates shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/runningwild/jostle/pkg/config"
	"github.com/runningwild/jostle/pkg/logx"
	"github.com/runningwild/jostle/pkg/runner"
	"github.com/runningwild/jostle/pkg/task"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("jostle", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the experiment configuration file")
	logLevel := fs.String("log_level", "info", "log level (debug,info)")
	socket := fs.String("socket", "", "override the command socket path")
	commands := fs.String("commands", "", "initial command string dispatched through the command server")
	fs.Parse(os.Args[1:])

	log, err := logx.New(*logLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	defer log.Sync()

	if *configPath == "" {
		log.Errorf("-config is required")
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("%v", err)
		log.Infof("exit(1)")
		return 1
	}
	if *socket != "" {
		cfg.Socket = *socket
	}
	if *commands != "" {
		cfg.Commands = *commands
	}

	rt, err := task.NewDockerRuntime()
	if err != nil {
		log.Errorf("%v", err)
		log.Infof("exit(1)")
		return 1
	}

	sup, err := runner.New(cfg, rt, log)
	if err != nil {
		log.Errorf("%v", err)
		log.Infof("exit(1)")
		return 1
	}

	if err := sup.Run(context.Background()); err != nil {
		log.Errorf("%v", err)
		log.Infof("exit(1)")
		return 1
	}
	log.Infof("exit(0)")
	return 0
}
