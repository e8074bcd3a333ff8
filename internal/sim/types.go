package sim

// types.go defines the basic data types shared across the simulator: the enclave identifier space,
// the per-page tag, the enclave lifecycle record, and the mailbox message.

import "fmt"

// Word is the base data type the machine operates on. Registers, memory cells, and CSR values are
// all 64-bit.
type Word uint64

func (w Word) String() string {
	return fmt.Sprintf("%#016x", uint64(w))
}

// EnclaveId names an isolated execution context. It is opaque outside this package except for the
// three reserved values below; every other value is allocated monotonically by the management shim
// starting at 1.
//
// The reserved values here match _examples/original_source/managementenclave/enclaveLibrary.h
// rather than other snapshots in the corpus that use a different ENCLAVE_INVALID_ID convention; see
// DESIGN.md for the open-question resolution.
type EnclaveId uint64

const (
	// EnclaveDefault is the non-enclave, "normal world" context. Every page starts out owned by
	// it.
	EnclaveDefault EnclaveId = 0

	// EnclaveManagement is the privileged shim's identifier: all bits set.
	EnclaveManagement EnclaveId = 0xFFFFFFFFFFFFFFFF

	// EnclaveInvalid marks an absent or cleared identifier: all bits set except the lowest.
	EnclaveInvalid EnclaveId = 0xFFFFFFFFFFFFFFFE

	// firstAllocatedEnclaveId is the first id the shim hands out in response to CREATE_ENCLAVE.
	firstAllocatedEnclaveId EnclaveId = 1
)

func (e EnclaveId) String() string {
	switch e {
	case EnclaveDefault:
		return "DEFAULT"
	case EnclaveManagement:
		return "MANAGEMENT"
	case EnclaveInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("enclave:%d", uint64(e))
	}
}

// PageTag is the per-page ownership metadata the MMU consults on every access. The invariant
// Owner != EnclaveInvalid holds for every page in main memory; a freshly reset page has
// Owner == EnclaveDefault and Reader == EnclaveInvalid (no additional reader).
type PageTag struct {
	Owner  EnclaveId
	Reader EnclaveId
}

func (t PageTag) String() string {
	return fmt.Sprintf("tag{owner: %s, reader: %s}", t.Owner, t.Reader)
}

// resetTag is the value every page's tag takes at simulator init.
var resetTag = PageTag{Owner: EnclaveDefault, Reader: EnclaveInvalid}

// EnclaveState is a stage in an enclave's lifecycle, advanced only by the management shim.
type EnclaveState uint8

const (
	// EnclaveCreated is the state immediately after CREATE_ENCLAVE, before any page is donated.
	EnclaveCreated EnclaveState = iota

	// EnclaveReceivingPages is entered on the first DONATE_PAGE and persists across subsequent
	// donations until the first SWITCH_ENCLAVE.
	EnclaveReceivingPages

	// EnclaveFinalized is entered on the first SWITCH_ENCLAVE; no further donations are
	// accepted, but re-entry via further SWITCH_ENCLAVE messages is allowed.
	EnclaveFinalized
)

func (s EnclaveState) String() string {
	switch s {
	case EnclaveCreated:
		return "CREATED"
	case EnclaveReceivingPages:
		return "RECEIVING_PAGES"
	case EnclaveFinalized:
		return "FINALIZED"
	default:
		return fmt.Sprintf("EnclaveState(%d)", uint8(s))
	}
}

// EnclaveRecord is the management shim's bookkeeping for a single enclave.
type EnclaveRecord struct {
	ID    EnclaveId
	State EnclaveState

	// CodeEntry is set from the content of the first DONATE_PAGE while the enclave is still
	// CREATED; it is where a core lands after SWITCH_ENCLAVE.
	CodeEntry Word

	// SavedContext holds the register file a core had when it last yielded to the shim, so a
	// re-entrant SWITCH_ENCLAVE can, in principle, resume it. The simulator does not currently
	// exercise resumption of a non-fresh context; see DESIGN.md.
	SavedContext [NumGPR]Word
}

func (r EnclaveRecord) String() string {
	return fmt.Sprintf("enclave{id: %s, state: %s, entry: %s}", r.ID, r.State, r.CodeEntry)
}

// MessageType enumerates the control-plane operations carried over the mailbox.
type MessageType uint32

const (
	MsgInvalid MessageType = iota
	MsgCreateEnclave
	MsgDeleteEnclave
	MsgAttest
	MsgAcquirePhysCap
	MsgDonatePage
	MsgSwitchEnclave
	MsgSetArgument
	MsgInterEnclave
)

func (t MessageType) String() string {
	switch t {
	case MsgInvalid:
		return "INVALID"
	case MsgCreateEnclave:
		return "CREATE_ENCLAVE"
	case MsgDeleteEnclave:
		return "DELETE_ENCLAVE"
	case MsgAttest:
		return "ATTEST"
	case MsgAcquirePhysCap:
		return "ACQUIRE_PHYS_CAP"
	case MsgDonatePage:
		return "DONATE_PAGE"
	case MsgSwitchEnclave:
		return "SWITCH_ENCLAVE"
	case MsgSetArgument:
		return "SET_ARGUMENT"
	case MsgInterEnclave:
		return "INTER_ENCLAVE"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// Message is the wire-level payload of a single mailbox slot: see § Message wire format. It is
// always 32 bytes, aligned to a cache line.
type Message struct {
	Type        MessageType
	Source      EnclaveId
	Destination EnclaveId
	Content     Word
}

func (m Message) String() string {
	return fmt.Sprintf("msg{%s %s->%s content: %s}", m.Type, m.Source, m.Destination, m.Content)
}

// MessageSize is the on-wire size of a Message: a 4-byte type, 4 bytes padding, and three 8-byte
// fields.
const MessageSize = 32
