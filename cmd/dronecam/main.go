package main

import (
	"os"

	"github.com/e7canasta/dronecam/internal/cli"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/engine/gstreamer"
)

func main() {
	os.Exit(run())
}

func run() int {
	deps := cli.DefaultDependencies()
	deps.NewEngine = func() (engine.Engine, error) { return gstreamer.New(), nil }
	return cli.Execute(deps, os.Args[1:])
}
