package sim

// faults.go is the fault and trap taxonomy, modeled on the teacher's chained interrupt/acv error
// types in internal/vm/intr.go: a small set of sentinel errors for errors.Is, plus a richer
// *Trap value that carries the cause and faulting address for the per-step dispatch loop to act
// on.

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is. Every Trap wraps exactly one of these.
var (
	// ErrInstructionAccess is raised when a fetch's issuer is not the page's owner.
	ErrInstructionAccess = errors.New("instruction-access fault")

	// ErrLoadAccess is raised when a load's issuer is neither the page's owner nor its reader.
	ErrLoadAccess = errors.New("load-access fault")

	// ErrStoreAccess is raised when a store's issuer is not the page's owner, or a tag-directory
	// or mailbox write violates its discipline.
	ErrStoreAccess = errors.New("store-access fault")

	// ErrPageFault is raised when translation itself fails (missing or invalid PTE).
	ErrPageFault = errors.New("page fault")

	// ErrIllegalInstruction is raised for an opcode the pseudo-ISA does not recognize.
	ErrIllegalInstruction = errors.New("illegal instruction")

	// ErrIllegalCSR is raised for a CSR operation not permitted in the current context (e.g. a
	// manage-change-enclave-id write issued outside the management shim's code range).
	ErrIllegalCSR = errors.New("illegal csr")

	// ErrConfiguration marks an init-time configuration error: fail fast, non-zero exit.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvariant marks a should-not-happen condition: nil tag directory, out-of-bounds
	// mailbox, etc. Callers that detect one should panic with it, not try to recover.
	ErrInvariant = errors.New("invariant violation")

	// ErrHalted is returned from Step when the core it is called on has already halted.
	ErrHalted = errors.New("halted")
)

// AccessKind names the kind of memory reference that faulted.
type AccessKind uint8

const (
	AccessFetch AccessKind = iota
	AccessLoad
	AccessStore
)

func (a AccessKind) String() string {
	switch a {
	case AccessFetch:
		return "fetch"
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	default:
		return "access"
	}
}

// Trap is raised at the point a fault is detected and returned from Core.Step to the driver's
// runQuantum, which logs it and keeps stepping the core. No cause/EPC/tval CSR is updated, no
// privilege changes, and control is not redirected to a trap vector.
type Trap struct {
	Cause error // one of the sentinel Err* values above
	Addr  Word  // faulting address, where applicable
	PC    Word  // program counter of the faulting instruction
}

func (t *Trap) Error() string {
	return fmt.Sprintf("trap: %s at %s (pc: %s)", t.Cause, t.Addr, t.PC)
}

func (t *Trap) Unwrap() error {
	return t.Cause
}

func (t *Trap) Is(target error) bool {
	if _, ok := target.(*Trap); ok {
		return true
	}

	return errors.Is(t.Cause, target)
}

// accessFault builds the Trap for a failed tag check, choosing the cause by access kind.
func accessFault(kind AccessKind, addr, pc Word) *Trap {
	var cause error

	switch kind {
	case AccessFetch:
		cause = ErrInstructionAccess
	case AccessLoad:
		cause = ErrLoadAccess
	default:
		cause = ErrStoreAccess
	}

	return &Trap{Cause: cause, Addr: addr, PC: pc}
}

// pageFault builds the Trap for a failed translation.
func pageFault(addr, pc Word) *Trap {
	return &Trap{Cause: ErrPageFault, Addr: addr, PC: pc}
}
