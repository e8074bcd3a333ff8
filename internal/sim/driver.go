package sim

// driver.go is the simulator proper: it owns every core, the shared bus/MMU/cache hierarchy, and
// the management shim, and drives them forward in the interleaved round-robin schedule described
// in § Simulator Driver. It plays the role the teacher's LC3.Run plays for a single CPU
// (internal/vm/exec.go), generalized to many cores cooperatively interleaved on one host thread —
// cores are held in a table and addressed by index rather than holding pointers back to the
// Simulator, per the redesign notes' guidance against cyclic references.

import (
	"context"
	"errors"
	"fmt"

	"github.com/praesidio-sim/gopraesidio/internal/encoding"
	"github.com/praesidio-sim/gopraesidio/internal/log"
)

// Interleave is the default number of instructions each core executes before control yields to the
// next, per § Simulator Driver.
const Interleave = 64

// InsnsPerRTCTick is the default number of interleaved instructions per CLINT timer tick.
const InsnsPerRTCTick = 1000

// Simulator owns the whole machine: cores, bus, MMU, cache hierarchy, mailbox, tag directory, and
// management shim, and runs the interleaved schedule.
type Simulator struct {
	Cores []*Core

	Bus   *Bus
	MMU   *MMU
	Tags  *TagDirectory
	Mail  *Mailbox
	Cache *CacheHierarchy
	Shim  *Shim

	bootROM       *rom
	managementROM *rom
	dram          *ram
	dramCursor    Word // next free offset for LoadPayload, advanced past each loaded image

	interleave      int
	insnsPerRTCTick int
	rtcRemainder    int
	ticks           uint64

	halted     []bool
	devMode    bool // exit once the shim alone has halted, rather than every core
	shimHalted bool

	log *log.Logger
}

// Config collects the parameters needed to assemble a Simulator.
type Config struct {
	NumCores        int
	NumPages        int
	ICache, DCache  CacheConfig
	L2Mode          LLCMode
	L2              CacheConfig
	DRAMBanks       int
	DRAMRowSize     int
	EnclaveCores    []int // core indices reserved for enclave workloads, claimed by SWITCH_ENCLAVE
	Interleave      int
	InsnsPerRTCTick int
	DevMode         bool
}

// NewSimulator assembles a complete machine from cfg: bus, tag directory, mailbox, cache
// hierarchy, MMU, cores, and management shim, wired together exactly as § Memory Map and
// § MMU with Tagged Access describe.
func NewSimulator(cfg Config) (*Simulator, error) {
	if cfg.NumCores <= 0 {
		return nil, fmt.Errorf("%w: simulator: at least one core required", ErrConfiguration)
	}

	bus := NewBus()
	tags := NewTagDirectory(cfg.NumPages)
	mailbox := NewMailbox(cfg.NumCores)

	cache, err := NewCacheHierarchy(cfg.NumCores, cfg.ICache, cfg.DCache, cfg.L2Mode, cfg.L2)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}

	if cfg.DRAMBanks > 0 {
		cache = cache.WithDRAMBankModel(NewDRAMBankModel(cfg.DRAMBanks, cfg.DRAMRowSize, cfg.DCache.LineSize))
	}

	mmu := NewMMU(cfg.NumCores, bus, tags, mailbox, cache)

	dram := newRAM(DRAMBase, Word(cfg.NumPages)*PageSize, "dram")
	bootROM := newROM(DefaultResetVector, PageSize, "bootrom")
	managementROM := newROM(ManagementEnclaveBase, PageSize, "management")

	bus.Attach(dram)
	bus.Attach(bootROM)
	bus.Attach(managementROM)

	bus.Attach(&mmioHandler{
		baseAddr: MailboxBase,
		extent:   Word(cfg.NumCores) * MessageSize,
		label:    "mailbox",
	})

	// Reserved in the bus's address map for overlap-checking purposes only: the MMU special-cases
	// this range (see MMU.accessTagDirectory) exactly as it does the mailbox, so this device is
	// never actually reached through Bus.Load/Store.
	bus.Attach(&mmioHandler{
		baseAddr: TagDirectoryBase,
		extent:   tags.Extent(),
		label:    "tagdirectory",
		loadFn: func(off Word, width int) (uint64, error) {
			return tags.LoadMMIO(0, off), nil
		},
	})

	sim := &Simulator{
		Bus:             bus,
		MMU:             mmu,
		Tags:            tags,
		Mail:            mailbox,
		Cache:           cache,
		bootROM:         bootROM,
		managementROM:   managementROM,
		dram:            dram,
		interleave:      cfg.Interleave,
		insnsPerRTCTick: cfg.InsnsPerRTCTick,
		devMode:         cfg.DevMode,
		log:             log.DefaultLogger(),
	}

	if sim.interleave <= 0 {
		sim.interleave = Interleave
	}

	if sim.insnsPerRTCTick <= 0 {
		sim.insnsPerRTCTick = InsnsPerRTCTick
	}

	for i := 0; i < cfg.NumCores; i++ {
		core := NewCore(i, mmu, tags, mailbox).WithEnclaveChangeListener(mmu.SetCoreEnclave)
		sim.Cores = append(sim.Cores, core)
		sim.halted = append(sim.halted, false)

		mmu.SetCoreEnclave(i, EnclaveDefault)

		// This simulator's page table walk is a simplified stand-in for a full multi-level walk
		// (see PageTable's doc comment); every core starts with an identity mapping over each
		// region below (DRAM, both ROMs, the mailbox, the tag directory), so address translation
		// never itself becomes the
		// interesting part of a test or trace — the tag check and cache tracer chain are.
		identityMap(mmu, i, dram.base(), dram.size())
		identityMap(mmu, i, bootROM.base(), bootROM.size())
		identityMap(mmu, i, managementROM.base(), managementROM.size())
		identityMap(mmu, i, MailboxBase, Word(cfg.NumCores)*MessageSize)
		identityMap(mmu, i, TagDirectoryBase, tags.Extent())
	}

	sim.Shim = NewShim(mailbox, tags, cfg.EnclaveCores, sim.switchCore)

	return sim, nil
}

// identityMap maps every page-aligned address in [base, base+size) to itself in core's page
// table.
func identityMap(mmu *MMU, core int, base, size Word) {
	for addr := pageBase(base); addr < base+size; addr += PageSize {
		mmu.MapPage(core, addr, addr)
	}
}

// switchCore is the Shim's SwitchFunc: it hands an idle core a fresh enclave identity and entry
// point directly, standing in for the cross-core signal a real machine would need since
// CSRManageChangeEnclaveID only takes effect on the core that issues it from inside management
// code (§ Processor Core; see DESIGN.md's resolution of this gap).
func (s *Simulator) switchCore(core int, enclave EnclaveId, entry Word) {
	if core < 0 || core >= len(s.Cores) {
		s.log.Error("simulator: switch-enclave: no such core", "core", core)
		return
	}

	c := s.Cores[core]
	c.Enclave = enclave
	c.PC = entry
	c.Halted = false

	s.MMU.SetCoreEnclave(core, enclave)
	s.halted[core] = false
}

// Run drives the interleaved round-robin schedule until every tracked core (or, in dev mode, the
// management shim alone) has halted, or ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.log.Info("simulator: start", "cores", len(s.Cores), "interleave", s.interleave)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.allHalted() {
			break
		}

		for i, core := range s.Cores {
			if s.halted[i] {
				continue
			}

			if err := s.runQuantum(ctx, core, i); err != nil {
				return err
			}
		}

		s.Shim.Poll()
		s.advanceClock()
	}

	s.log.Info("simulator: halted", "ticks", s.ticks)

	return nil
}

// runQuantum steps core for up to s.interleave instructions, stopping early if it halts. A
// trapped instruction is logged and the quantum continues at the next instruction, per Core.trap's
// "logs and continues rather than modeling a full trap vector jump" — only an error Step raises for
// a reason other than a Trap (e.g. context cancellation) aborts the run.
func (s *Simulator) runQuantum(ctx context.Context, core *Core, index int) error {
	for n := 0; n < s.interleave; n++ {
		if core.Halted {
			s.halted[index] = true
			return nil
		}

		if err := core.Step(ctx); err != nil {
			var trap *Trap
			if errors.As(err, &trap) {
				s.log.Warn("simulator: core trapped", "core", index, "trap", trap)
				continue
			}

			s.halted[index] = true

			return fmt.Errorf("simulator: core %d: %w", index, err)
		}
	}

	if core.Halted {
		s.halted[index] = true
	}

	return nil
}

// advanceClock advances the CLINT-style timer by however many whole ticks s.interleave instructions
// represent, carrying the remainder across rounds so ticks stay accurate over many quanta.
func (s *Simulator) advanceClock() {
	s.rtcRemainder += s.interleave

	ticks := s.rtcRemainder / s.insnsPerRTCTick
	s.rtcRemainder -= ticks * s.insnsPerRTCTick
	s.ticks += uint64(ticks)
}

// allHalted reports whether the run should stop: every core halted, or, in dev mode, HaltShim
// having been called, whatever the cores' state.
func (s *Simulator) allHalted() bool {
	if s.devMode {
		return s.shimHalted
	}

	for _, h := range s.halted {
		if !h {
			return false
		}
	}

	return true
}

// HaltShim marks the management shim halted, used by dev-mode test harnesses that want to stop a
// run once the shim's work is done without waiting for every enclave-capable core to halt too.
func (s *Simulator) HaltShim() {
	s.shimHalted = true
}

// LoadBootImage stages img at DefaultResetVector, the address every core's PC starts at out of
// reset.
func (s *Simulator) LoadBootImage(img *Image) error {
	return LoadIntoROM(s.bootROM, img)
}

// LoadManagementImage stages img at ManagementEnclaveBase, the management shim's code page.
func (s *Simulator) LoadManagementImage(img *Image) error {
	return LoadIntoROM(s.managementROM, img)
}

// LoadPayload stages a donated enclave payload into DRAM, back-to-back with any payload already
// loaded, and returns the physical address it landed at so a test or debug session can hand that
// address to the management shim as a DONATE_PAGE argument.
func (s *Simulator) LoadPayload(img *Image) (Word, error) {
	base := DRAMBase + s.dramCursor

	shifted := &Image{Segments: make([]encoding.Segment, len(img.Segments))}
	for i, seg := range img.Segments {
		shifted.Segments[i] = encoding.Segment{Offset: seg.Offset + uint32(s.dramCursor), Data: seg.Data}
	}

	if err := LoadIntoRAM(s.dram, shifted); err != nil {
		return 0, err
	}

	extent := imageExtent(img)
	s.dramCursor += Word((extent + PageSize - 1) &^ (PageSize - 1)) // round up to a whole page

	return base, nil
}

// imageExtent returns the highest offset+length any segment of img reaches.
func imageExtent(img *Image) int {
	max := 0

	for _, seg := range img.Segments {
		end := int(seg.Offset) + len(seg.Data)
		if end > max {
			max = end
		}
	}

	return max
}
