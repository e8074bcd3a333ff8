package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/praesidio-sim/gopraesidio/internal/cli"
	"github.com/praesidio-sim/gopraesidio/internal/console"
	"github.com/praesidio-sim/gopraesidio/internal/log"
	"github.com/praesidio-sim/gopraesidio/internal/sim"
)

// Run returns the "run" sub-command: parses the simulator's command-line surface (spec.md §6),
// assembles a sim.Simulator, loads the named images, and runs to halt.
func Run() cli.Command {
	return &run{
		icStr: "256:4:64",
		dcStr: "256:4:64",
		l2Str: "2048:16:64",
	}
}

type run struct {
	normalCores  int
	enclaveCores int
	mem          string

	icStr, dcStr, l2Str string

	l2Partitioning int
	pcStart        string
	hartids        string

	debug       bool
	pcHistogram bool
	logExec     bool
	startHalted bool
	dumpDTS     bool
	disableDTB  bool

	// images, in positional order: boot ROM, management shim, then zero or more donated enclave
	// payloads staged back-to-back in DRAM.
	images []string
}

func (*run) Description() string {
	return "assemble and run a machine, loading the given images"
}

func (r *run) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run [options] bootrom.hex [management.hex [payload.hex...]]

Assemble a machine from the given core/cache/memory configuration, load the boot ROM, the
management shim, and any donated enclave payloads, and run to halt.`)

	return err
}

func (r *run) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	fs.IntVar(&r.normalCores, "p", 1, "number of normal cores")
	fs.IntVar(&r.enclaveCores, "enclave", 0, "number of enclave-capable cores")
	fs.StringVar(&r.mem, "m", "16", "memory layout: size in MiB, or base:size,base:size,...")
	fs.StringVar(&r.icStr, "ic", r.icStr, "instruction cache: sets:ways:linesize")
	fs.StringVar(&r.dcStr, "dc", r.dcStr, "data cache: sets:ways:linesize")
	fs.StringVar(&r.l2Str, "l2", r.l2Str, "L2 cache: sets:ways:linesize")
	fs.IntVar(&r.l2Partitioning, "l2_partitioning", 0, "L2 partitioning: 0 none, 1 remapping table, 2 static")
	fs.StringVar(&r.pcStart, "pc", "", "override reset PC (hex or decimal)")
	fs.StringVar(&r.hartids, "hartids", "", "comma-separated hart ids (diagnostic only)")
	fs.BoolVar(&r.dumpDTS, "dump-dts", false, "print a device-tree summary and exit")
	fs.BoolVar(&r.disableDTB, "disable-dtb", false, "skip device-tree generation")
	fs.BoolVar(&r.debug, "d", false, "interactive debug console")
	fs.BoolVar(&r.pcHistogram, "g", false, "report a per-core PC histogram at halt")
	fs.BoolVar(&r.logExec, "l", false, "log every executed instruction")
	fs.BoolVar(&r.startHalted, "H", false, "start every core halted")

	return fs
}

func (r *run) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	r.images = args

	if r.logExec {
		log.LogLevel.Set(log.Debug)
	}

	if r.dumpDTS {
		fmt.Fprintln(out, r.deviceTreeSummary())
		return 0
	}

	cfg, err := r.buildConfig()
	if err != nil {
		logger.Error("run: configuration", "err", err)
		return 1
	}

	simulator, err := sim.NewSimulator(cfg)
	if err != nil {
		logger.Error("run: assemble machine", "err", err)
		return 1
	}

	if err := r.loadImages(simulator); err != nil {
		logger.Error("run: load images", "err", err)
		return 1
	}

	if r.pcStart != "" {
		pc, err := strconv.ParseInt(r.pcStart, 0, 64)
		if err != nil {
			logger.Error("run: --pc", "err", err)
			return 1
		}

		for _, c := range simulator.Cores {
			c.PC = sim.Word(pc)
		}
	}

	if r.pcHistogram {
		for _, c := range simulator.Cores {
			c.PCHistogram = make(map[sim.Word]uint64)
		}
	}

	if r.startHalted {
		for _, c := range simulator.Cores {
			c.Halted = true
		}
	}

	if r.debug {
		return r.runInteractive(ctx, simulator, out, logger)
	}

	if err := simulator.Run(ctx); err != nil {
		logger.Error("run: halted", "err", err)
		fmt.Fprintln(out, simulator.Report(r.pcHistogram).String())

		return -2
	}

	fmt.Fprintln(out, simulator.Report(r.pcHistogram).String())

	return 0
}

// runInteractive drives the machine one debug command at a time, per the -d flag: "regs",
// "continue" (or "c"), "quit" (or "q").
func (r *run) runInteractive(ctx context.Context, simulator *sim.Simulator, out io.Writer, logger *log.Logger) int {
	term, err := console.New(os.Stdin, out)
	if err != nil {
		logger.Error("run: interactive console", "err", err)
		return 1
	}

	defer term.Restore()

	for _, c := range simulator.Cores {
		c.WithConsole(term)
	}

	for {
		fmt.Fprint(out, "(debug) ")

		line, err := term.ReadCommand(ctx)
		if err != nil {
			return 0
		}

		switch strings.TrimSpace(line) {
		case "quit", "q":
			return 0
		case "continue", "c":
			if err := simulator.Run(ctx); err != nil {
				fmt.Fprintln(out, err)
			}

			fmt.Fprintln(out, simulator.Report(r.pcHistogram).String())

			return 0
		case "regs":
			for _, c := range simulator.Cores {
				fmt.Fprintln(out, c.String())
			}
		default:
			fmt.Fprintln(out, "commands: regs, continue, quit")
		}
	}
}

func (r *run) buildConfig() (sim.Config, error) {
	numPages, err := r.memPages()
	if err != nil {
		return sim.Config{}, err
	}

	ic, err := parseCacheGeometry(r.icStr)
	if err != nil {
		return sim.Config{}, fmt.Errorf("--ic: %w", err)
	}

	dc, err := parseCacheGeometry(r.dcStr)
	if err != nil {
		return sim.Config{}, fmt.Errorf("--dc: %w", err)
	}

	l2, err := parseCacheGeometry(r.l2Str)
	if err != nil {
		return sim.Config{}, fmt.Errorf("--l2: %w", err)
	}

	mode, err := l2Mode(r.l2Partitioning)
	if err != nil {
		return sim.Config{}, err
	}

	enclaveCores := make([]int, r.enclaveCores)
	for i := range enclaveCores {
		enclaveCores[i] = r.normalCores + i
	}

	return sim.Config{
		NumCores:     r.normalCores + r.enclaveCores,
		NumPages:     numPages,
		ICache:       ic,
		DCache:       dc,
		L2Mode:       mode,
		L2:           l2,
		EnclaveCores: enclaveCores,
	}, nil
}

func (r *run) memPages() (int, error) {
	if !strings.Contains(r.mem, ":") {
		mib, err := strconv.Atoi(r.mem)
		if err != nil {
			return 0, fmt.Errorf("-m: %w", err)
		}

		return mib * 1024 * 1024 / sim.PageSize, nil
	}

	total := 0

	for _, rng := range strings.Split(r.mem, ",") {
		parts := strings.SplitN(rng, ":", 2)
		if len(parts) != 2 {
			return 0, fmt.Errorf("-m: bad range %q", rng)
		}

		size, err := strconv.ParseInt(parts[1], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("-m: bad size in %q: %w", rng, err)
		}

		total += int(size)
	}

	return total / sim.PageSize, nil
}

func parseCacheGeometry(s string) (sim.CacheConfig, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return sim.CacheConfig{}, fmt.Errorf("expected sets:ways:linesize, got %q", s)
	}

	vals := make([]int, 3)

	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return sim.CacheConfig{}, fmt.Errorf("%q: %w", s, err)
		}

		vals[i] = v
	}

	return sim.CacheConfig{Sets: vals[0], Ways: vals[1], LineSize: vals[2]}, nil
}

func l2Mode(n int) (sim.LLCMode, error) {
	switch n {
	case 0:
		return sim.LLCNone, nil
	case 1:
		return sim.LLCRemapping, nil
	case 2:
		return sim.LLCStatic, nil
	default:
		return 0, fmt.Errorf("--l2_partitioning: expected 0, 1, or 2, got %d", n)
	}
}

// loadImages loads positional arguments in order: the boot ROM, then the management shim image,
// then any donated enclave payloads, staged back-to-back in DRAM for a later DONATE_PAGE to
// assign to an enclave.
func (r *run) loadImages(simulator *sim.Simulator) error {
	roles := []func(*sim.Simulator, *sim.Image) error{
		(*sim.Simulator).LoadBootImage,
		(*sim.Simulator).LoadManagementImage,
	}

	for i, path := range r.images {
		img, err := readImage(path)
		if err != nil {
			return err
		}

		if i < len(roles) {
			if err := roles[i](simulator, img); err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}

			continue
		}

		if _, err := simulator.LoadPayload(img); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}

	return nil
}

func readImage(path string) (*sim.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	defer f.Close()

	img, err := sim.LoadImage(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return img, nil
}

func (r *run) deviceTreeSummary() string {
	return fmt.Sprintf("cores: %d normal, %d enclave\nmemory: %s\nhartids: %s",
		r.normalCores, r.enclaveCores, r.mem, r.hartids)
}
