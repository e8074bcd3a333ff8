package sim

// core.go is the processor core: general-purpose registers, the CSR file, the current enclave
// identifier, and the per-instruction step loop. Structurally this mirrors the teacher's LC3/Step
// split between internal/vm/vm.go and internal/vm/exec.go: a plain state struct plus a Step method
// that runs fetch/decode/address/operand/execute/writeback in order, consulting the optional
// per-stage interfaces an operation implements.

import (
	"context"
	"errors"
	"fmt"

	"github.com/praesidio-sim/gopraesidio/internal/log"
)

// NumGPR is the size of the pseudo-ISA's general-purpose register file.
const NumGPR = 32

// ConsoleWriter is the host-side collaborator for the bare-metal character-out CSR; package
// console supplies the real terminal-backed implementation (§ Decode & host I/O primitives).
type ConsoleWriter interface {
	WriteByte(b byte)
}

// Core is one hardware thread: its register file, CSRs, program counter, and current enclave
// identity.
type Core struct {
	index int // this core's index, used to address its mailbox slot and CSR vectors

	GPR    [NumGPR]Word
	PC     Word
	IR     Instruction
	Enclave EnclaveId
	Halted bool

	argumentEnclave EnclaveId // staged by CSRSetArgumentID, consumed by assign-reader/donate-page/change-page-tag
	csrs            map[Word]Word

	mmu     *MMU
	tags    *TagDirectory
	mailbox *Mailbox
	decoder InstructionDecoder
	console ConsoleWriter

	// onEnclaveChange notifies the driver when CSRManageChangeEnclaveID takes effect, so the MMU's
	// coreForEnclave map (used by the coherence fixup) stays current.
	onEnclaveChange func(core int, id EnclaveId)

	// PCHistogram, when non-nil, is bumped once per step for the -g command-line flag.
	PCHistogram map[Word]uint64

	log *log.Logger
}

// NewCore creates a core at its reset state: PC at the reset vector, enclave id DEFAULT.
func NewCore(index int, mmu *MMU, tags *TagDirectory, mailbox *Mailbox) *Core {
	return &Core{
		index:   index,
		PC:      DefaultResetVector,
		Enclave: EnclaveDefault,
		csrs:    make(map[Word]Word),
		mmu:     mmu,
		tags:    tags,
		mailbox: mailbox,
		decoder: DefaultDecoder,
		log:     log.DefaultLogger(),
	}
}

// WithConsole attaches the host console the bare-metal character-out CSR writes to.
func (c *Core) WithConsole(w ConsoleWriter) *Core {
	c.console = w
	return c
}

// WithDecoder overrides the instruction decoder; the default treats a fetched word as an
// already-encoded pseudo-ISA Instruction.
func (c *Core) WithDecoder(d InstructionDecoder) *Core {
	c.decoder = d
	return c
}

// WithEnclaveChangeListener registers a callback invoked whenever this core's current enclave id
// changes via CSRManageChangeEnclaveID.
func (c *Core) WithEnclaveChangeListener(fn func(core int, id EnclaveId)) *Core {
	c.onEnclaveChange = fn
	return c
}

func (c Core) String() string {
	return fmt.Sprintf("core[%d]{pc: %s, enclave: %s, halted: %t}", c.index, c.PC, c.Enclave, c.Halted)
}

// Step runs one pseudo-ISA instruction to completion: fetch, decode, evaluate address, fetch
// operands, execute, writeback — skipping whichever stages the decoded operation does not
// implement, exactly as the teacher's Step does for LC-3 instructions.
func (c *Core) Step(ctx context.Context) error {
	if c.Halted {
		return fmt.Errorf("core: %w", ErrHalted)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	word, err := c.mmu.Access(c.index, c.Enclave, AccessFetch, c.PC, 8, c.PC, 0)
	if err != nil {
		return c.trap(err)
	}

	c.IR = c.decoder(Word(word))
	c.PC += 8

	if c.PCHistogram != nil {
		c.PCHistogram[c.PC-8]++
	}

	op := c.decode()

	if addr, ok := op.(addressable); ok && op.Err() == nil {
		addr.EvalAddress(c)
	}

	if fetch, ok := op.(fetchable); ok && op.Err() == nil {
		fetch.FetchOperands(c)
	}

	if exec, ok := op.(executable); ok && op.Err() == nil {
		exec.Execute(c)
	}

	if store, ok := op.(storable); ok && op.Err() == nil {
		store.StoreResult(c)
	}

	if err := op.Err(); err != nil {
		return c.trap(err)
	}

	c.log.Debug("executed", "core", c.index, "op", op.String())

	return nil
}

func (c *Core) decode() operation {
	var op operation

	switch c.IR.Opcode() {
	case OpLoad:
		op = &loadOp{}
	case OpStore:
		op = &storeOp{}
	case OpCSRRW:
		op = &csrOp{}
	case OpBranch:
		op = &branchOp{}
	case OpHalt:
		op = &haltOp{}
	case OpNop:
		op = &nopOp{}
	default:
		op = &nopOp{baseOp{err: fmt.Errorf("%w: opcode %s", ErrIllegalInstruction, c.IR.Opcode())}}
	}

	op.Decode(c)

	return op
}

// trap handles a fault raised during Step. It does not redirect control to a trap vector or update
// any cause/EPC/tval CSR; the core's enclave id and PC stay as Step left them — this simulator
// logs and continues rather than modeling a full trap vector jump, since the pseudo-ISA has no
// interrupt-enable/return instructions to unwind through.
func (c *Core) trap(err error) error {
	c.log.Error("trap", "core", c.index, "pc", c.PC, "err", err)

	// Faults raised by the MMU (faults.go's accessFault/pageFault) already arrive as a *Trap;
	// faults raised directly in this package (an illegal opcode, an illegal CSR write) are bare
	// sentinel errors. Wrap the latter here so every error this method returns satisfies
	// faults.go's "every Trap wraps exactly one [sentinel]" invariant and the driver's runQuantum
	// can uniformly recover via errors.As rather than aborting the run.
	var trap *Trap
	if !errors.As(err, &trap) {
		err = &Trap{Cause: err, PC: c.PC}
	}

	return fmt.Errorf("core[%d]: %w", c.index, err)
}
