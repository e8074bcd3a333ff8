package sim

// shim.go is the management shim: the privileged state machine that mediates enclave creation,
// page donation, and context switching, running logically as enclave MANAGEMENT on a dedicated
// core. Because the shim's own machine code is, per § External Interfaces, "a precompiled byte
// image loaded at init" and this simulator does not decode a full host ISA, the shim's control
// logic is implemented natively in Go rather than as a second bytecode interpreter — the loaded
// image is still staged into memory by the loader (loader.go) so the memory map and tag-directory
// bookkeeping are real, but only instruction-level fetch of that image is elided. State
// transitions and reserved-message behavior follow § Management Shim & Mailbox and the TODO
// markers in _examples/original_source/managementenclave/management.c.
//
// An implicit gap in the source this is grounded on: SWITCH_ENCLAVE names a target enclave, not a
// target *core*. This implementation resolves that gap (see DESIGN.md) by reserving a pool of
// enclave-capable cores at configuration time and handing SWITCH_ENCLAVE requests to the next idle
// one, mirroring the original's fixed enclaveCores[] table and waitForEnclave() idle loop.

import (
	"fmt"

	"github.com/praesidio-sim/gopraesidio/internal/log"
)

// SwitchFunc is how the shim hands an idle enclave-capable core its new identity and entry point.
type SwitchFunc func(core int, enclave EnclaveId, entry Word)

// Shim is the management shim's state.
type Shim struct {
	mailbox *Mailbox
	tags    *TagDirectory

	enclaves map[EnclaveId]*EnclaveRecord
	nextID   EnclaveId

	// argumentEnclave is the internal register SET_ARGUMENT stashes into, per § Management Shim
	// & Mailbox: "stash content in an internal register so later donates know which enclave they
	// target."
	argumentEnclave EnclaveId

	idleCores []int // enclave-capable core indices not currently running an enclave
	onSwitch  SwitchFunc

	log *log.Logger
}

// NewShim creates a management shim with the given pool of enclave-capable core indices available
// for SWITCH_ENCLAVE to claim.
func NewShim(mailbox *Mailbox, tags *TagDirectory, enclaveCores []int, onSwitch SwitchFunc) *Shim {
	idle := make([]int, len(enclaveCores))
	copy(idle, enclaveCores)

	return &Shim{
		mailbox:  mailbox,
		tags:     tags,
		enclaves: make(map[EnclaveId]*EnclaveRecord),
		nextID:   firstAllocatedEnclaveId,
		idleCores: idle,
		onSwitch:  onSwitch,
		log:       log.DefaultLogger(),
	}
}

// Poll processes at most one pending message addressed to MANAGEMENT, if any. The driver calls
// this once per round on behalf of the (notional) management core.
func (s *Shim) Poll() {
	msg, fromSlot, ok := s.mailbox.ConsumeForDestination(EnclaveManagement)
	if !ok {
		return
	}

	s.log.Debug("shim: received", "msg", msg, "from", fromSlot)

	reply := Message{
		Type:        msg.Type,
		Source:      EnclaveManagement,
		Destination: msg.Source,
	}

	switch msg.Type {
	case MsgCreateEnclave:
		reply.Content = Word(s.createEnclave())
	case MsgSetArgument:
		s.argumentEnclave = EnclaveId(msg.Content)
		reply.Content = 1
	case MsgDonatePage:
		ok, err := s.donatePage(msg.Content)
		if err != nil {
			s.log.Error("shim: donate-page", "err", err)
		}

		reply.Content = boolWord(ok)
	case MsgSwitchEnclave:
		reply.Content = boolWord(s.switchEnclave(EnclaveId(msg.Content)))
	case MsgDeleteEnclave, MsgAttest, MsgAcquirePhysCap, MsgInterEnclave:
		// Reserved: the original source leaves these as TODO with no defined behavior beyond a
		// reply. We do the same rather than inventing semantics (see § DESIGN NOTES, open
		// questions).
		reply.Content = 0
	default:
		s.log.Error("shim: unexpected message type", "type", msg.Type)
		return
	}

	if err := s.mailbox.Deliver(fromSlot, reply); err != nil {
		s.log.Error("shim: reply", "err", err)
	}
}

// createEnclave implements CREATE_ENCLAVE: allocate the next id, record it as CREATED.
func (s *Shim) createEnclave() EnclaveId {
	id := s.nextID
	s.nextID++

	s.enclaves[id] = &EnclaveRecord{ID: id, State: EnclaveCreated}

	return id
}

// donatePage implements the mailbox-level DONATE_PAGE message per § Management Shim & Mailbox:
// "set the page's owner to that enclave via change-page-tag" — this is the shim's own privileged
// primitive (TagDirectory.SetOwner), unconditional on the page's current owner, and distinct from
// the ownership-respecting "donate-page" CSR a core issues directly (csr.go's CSRDonatePage, which
// calls TagDirectory.DonatePage and does require the issuing core to currently own the page).
func (s *Shim) donatePage(content Word) (bool, error) {
	rec, ok := s.enclaves[s.argumentEnclave]
	if !ok {
		return false, fmt.Errorf("%w: donate-page: no such enclave: %s", ErrInvariant, s.argumentEnclave)
	}

	if rec.State != EnclaveCreated && rec.State != EnclaveReceivingPages {
		return false, nil
	}

	page := pageNumber(pageBase(content))

	if err := s.tags.SetOwner(page, rec.ID); err != nil {
		return false, err
	}

	if rec.State == EnclaveCreated {
		rec.CodeEntry = content
		rec.State = EnclaveReceivingPages
	}

	return true, nil
}

// switchEnclave implements SWITCH_ENCLAVE: claim an idle enclave-capable core and hand it the
// target enclave's identity and entry point, then advance the record to FINALIZED. Re-entry (a
// further SWITCH_ENCLAVE once already FINALIZED) is allowed, per the state diagram in §
// Management Shim & Mailbox.
func (s *Shim) switchEnclave(target EnclaveId) bool {
	rec, ok := s.enclaves[target]
	if !ok {
		return false
	}

	if len(s.idleCores) == 0 {
		s.log.Error("shim: switch-enclave: no idle enclave core available")
		return false
	}

	core := s.idleCores[0]
	s.idleCores = s.idleCores[1:]

	if s.onSwitch != nil {
		s.onSwitch(core, target, rec.CodeEntry)
	}

	rec.State = EnclaveFinalized

	return true
}

// Reclaim returns core to the idle pool, used when a test harness or driver tears an enclave's
// context down.
func (s *Shim) Reclaim(core int) {
	s.idleCores = append(s.idleCores, core)
}

// Enclave returns the record for id, if any, for diagnostics and tests.
func (s *Shim) Enclave(id EnclaveId) (EnclaveRecord, bool) {
	rec, ok := s.enclaves[id]
	if !ok {
		return EnclaveRecord{}, false
	}

	return *rec, true
}
