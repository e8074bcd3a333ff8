// cmd/gopraesidio is the command-line interface to the simulator.
package main

import (
	"context"
	"os"

	"github.com/praesidio-sim/gopraesidio/internal/cli"
	"github.com/praesidio-sim/gopraesidio/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Run(),
		cmd.Stats(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
