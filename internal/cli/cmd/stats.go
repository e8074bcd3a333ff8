package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/praesidio-sim/gopraesidio/internal/cli"
	"github.com/praesidio-sim/gopraesidio/internal/log"
	"github.com/praesidio-sim/gopraesidio/internal/sim"
)

// Stats returns the "stats" sub-command: loads a prior run's JSON statistics dump and
// pretty-prints it, exercising encoding/json as a second codec alongside the hex object codec
// the run command uses to load images.
func Stats() cli.Command {
	return &stats{}
}

type stats struct{}

func (*stats) Description() string {
	return "pretty-print a statistics dump from a prior run"
}

func (*stats) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `stats file.json

Load a JSON statistics dump written by a previous "run" and print it.`)

	return err
}

func (*stats) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("stats", flag.ExitOnError)
}

func (*stats) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) != 1 {
		fmt.Fprintln(out, "stats: expected exactly one file argument")
		return 1
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("stats: read", "err", err)
		return 1
	}

	st, err := sim.ParseStats(data)
	if err != nil {
		logger.Error("stats: parse", "err", err)
		return 1
	}

	fmt.Fprintln(out, st.String())

	return 0
}
