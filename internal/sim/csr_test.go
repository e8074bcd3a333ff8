package sim

import (
	"context"
	"testing"
)

// newTestCore builds a core wired to a fresh test MMU/tags/mailbox, for exercising CSR dispatch
// directly without a full Simulator.
func newTestCore(t *testing.T, index int, numPages int) (*Core, *TagDirectory) {
	t.Helper()

	mmu, tags, _ := newTestMMU(t, numPages)
	mailbox := NewMailbox(2)

	core := NewCore(index, mmu, tags, mailbox)

	return core, tags
}

// TestCSRManageChangeEnclaveIDRestrictedToManagementCode exercises § Processor Core's gate on
// CSRManageChangeEnclaveID: "only honored when PC lies inside the management shim's code page
// range."
func TestCSRManageChangeEnclaveIDRestrictedToManagementCode(t *testing.T) {
	core, _ := newTestCore(t, 0, 1)

	core.PC = DRAMBase // outside the management range
	if err := core.writeCSR(CSRManageChangeEnclaveID, Word(EnclaveId(5))); err != ErrIllegalCSR {
		t.Fatalf("change-enclave-id outside management code: want ErrIllegalCSR, got %v", err)
	}

	if core.Enclave != EnclaveDefault {
		t.Errorf("enclave: want unchanged DEFAULT, got %s", core.Enclave)
	}

	core.PC = ManagementEnclaveBase
	if err := core.writeCSR(CSRManageChangeEnclaveID, Word(EnclaveId(5))); err != nil {
		t.Fatalf("change-enclave-id inside management code: unexpected error: %s", err)
	}

	if core.Enclave != EnclaveId(5) {
		t.Errorf("enclave: want 5, got %s", core.Enclave)
	}
}

// TestCSRManageChangeEnclaveIDNotifiesDriver confirms the onEnclaveChange hook fires so the MMU's
// coreForEnclave bookkeeping (used by the coherence fixup) stays current.
func TestCSRManageChangeEnclaveIDNotifiesDriver(t *testing.T) {
	core, _ := newTestCore(t, 0, 1)
	core.PC = ManagementEnclaveBase

	var gotCore int
	var gotEnclave EnclaveId
	core.onEnclaveChange = func(index int, id EnclaveId) {
		gotCore, gotEnclave = index, id
	}

	if err := core.writeCSR(CSRManageChangeEnclaveID, Word(EnclaveId(9))); err != nil {
		t.Fatalf("change-enclave-id: unexpected error: %s", err)
	}

	if gotCore != 0 || gotEnclave != EnclaveId(9) {
		t.Errorf("onEnclaveChange: want (0, 9), got (%d, %s)", gotCore, gotEnclave)
	}
}

// TestCSRDonatePageRequiresOwnership exercises the core-issued DONATE_PAGE CSR's ownership check,
// distinct from the shim's privileged change-page-tag path (see DESIGN.md).
func TestCSRDonatePageRequiresOwnership(t *testing.T) {
	core, tags := newTestCore(t, 0, 1)

	if err := tags.SetOwner(0, EnclaveId(1)); err != nil {
		t.Fatalf("set-owner: %s", err)
	}

	core.Enclave = EnclaveId(2) // not the owner
	core.argumentEnclave = EnclaveId(3)

	if err := core.writeCSR(CSRDonatePage, DRAMBase); err != nil {
		t.Fatalf("donate-page by non-owner: unexpected error: %s", err)
	}

	if got, err := core.readCSR(CSRDonatePage); err != nil || got != 0 {
		t.Errorf("donate-page ack by non-owner: want 0 (nack), got %s (err=%v)", got, err)
	}

	if got := tags.Lookup(0).Owner; got != EnclaveId(1) {
		t.Errorf("owner: want unchanged 1, got %s", got)
	}

	core.Enclave = EnclaveId(1) // the actual owner
	if err := core.writeCSR(CSRDonatePage, DRAMBase); err != nil {
		t.Fatalf("donate-page by owner: unexpected error: %s", err)
	}

	if got := tags.Lookup(0).Owner; got != EnclaveId(3) {
		t.Errorf("owner: want donated to 3, got %s", got)
	}

	if got, err := core.readCSR(CSRDonatePage); err != nil || got != 1 {
		t.Errorf("donate-page ack: want 1, got %s (err=%v)", got, err)
	}
}

// TestCSRChangePageTagRestrictedToManagement exercises the shim's own privileged primitive: only
// an issuer already running as MANAGEMENT may use it, and it is unconditional on current ownership.
func TestCSRChangePageTagRestrictedToManagement(t *testing.T) {
	core, tags := newTestCore(t, 0, 1)

	core.Enclave = EnclaveId(7)
	core.argumentEnclave = EnclaveId(9)

	if err := core.writeCSR(CSRChangePageTag, DRAMBase); err != ErrIllegalCSR {
		t.Fatalf("change-page-tag by non-management: want ErrIllegalCSR, got %v", err)
	}

	core.Enclave = EnclaveManagement
	if err := core.writeCSR(CSRChangePageTag, DRAMBase); err != nil {
		t.Fatalf("change-page-tag by management: unexpected error: %s", err)
	}

	if got := tags.Lookup(0).Owner; got != EnclaveId(9) {
		t.Errorf("owner: want 9, got %s", got)
	}
}

// TestCSRGetEnclaveIDAndLLCMissCount exercises the read-only informational CSRs.
func TestCSRGetEnclaveIDAndLLCMissCount(t *testing.T) {
	core, _ := newTestCore(t, 0, 1)
	core.Enclave = EnclaveId(42)

	if got, err := core.readCSR(CSRGetEnclaveID); err != nil || got != Word(EnclaveId(42)) {
		t.Errorf("get-enclave-id: want 42, got %s (err=%v)", got, err)
	}

	if got, err := core.readCSR(CSRLLCMissCount); err != nil || got != 0 {
		t.Errorf("llc-miss-count: want 0 on a fresh core, got %s (err=%v)", got, err)
	}
}

// TestCSRAssignReaderRequiresOwnership exercises the assign-reader CSR's ownership check.
func TestCSRAssignReaderRequiresOwnership(t *testing.T) {
	core, tags := newTestCore(t, 0, 1)

	if err := tags.SetOwner(0, EnclaveId(1)); err != nil {
		t.Fatalf("set-owner: %s", err)
	}

	core.Enclave = EnclaveId(2)
	core.argumentEnclave = EnclaveId(3)

	if err := core.writeCSR(CSRAssignReader, DRAMBase); err == nil {
		t.Fatalf("assign-reader by non-owner: want an error")
	}

	core.Enclave = EnclaveId(1)
	if err := core.writeCSR(CSRAssignReader, DRAMBase); err != nil {
		t.Fatalf("assign-reader by owner: unexpected error: %s", err)
	}

	if got := tags.Lookup(0).Reader; got != EnclaveId(3) {
		t.Errorf("reader: want 3, got %s", got)
	}
}

// TestCSRUnknownRoundTrips confirms an unrecognized CSR address simply stores and reads back its
// last-written value, the catch-all case in writeCSR/readCSR.
func TestCSRUnknownRoundTrips(t *testing.T) {
	core, _ := newTestCore(t, 0, 1)

	const scratch Word = 0x4ff

	if err := core.writeCSR(scratch, 0x1234); err != nil {
		t.Fatalf("write: unexpected error: %s", err)
	}

	if got, err := core.readCSR(scratch); err != nil || got != 0x1234 {
		t.Errorf("read: want 0x1234, got %#x (err=%v)", got, err)
	}
}

// TestStepSendMessageToManagement drives the full CSRRW pipeline through three instructions
// (stage a pending type, stage pending content, then CSRSendMessage with the destination enclave
// id in rs1) and confirms the message lands in the core's own mailbox slot addressed to
// EnclaveManagement — the one real destination this CSR exists for. Before the fix, destination
// was used directly as a mailbox slot index, and int(EnclaveManagement) (all bits set) is -1,
// which Mailbox.Deliver rejects outright.
func TestStepSendMessageToManagement(t *testing.T) {
	core, mmu := newTestProgramCore(t)

	core.GPR[1] = Word(MsgAttest)
	storeWord(t, mmu, 0, core.PC, Word(NewInstruction(OpCSRRW, 0, 1, int32(csrPendingMessageType))))

	core.GPR[2] = 0x2a
	storeWord(t, mmu, 0, core.PC+8, Word(NewInstruction(OpCSRRW, 0, 2, int32(csrPendingMessageContent))))

	core.GPR[3] = Word(EnclaveManagement)
	storeWord(t, mmu, 0, core.PC+16, Word(NewInstruction(OpCSRRW, 0, 3, int32(CSRSendMessage))))

	for i := 0; i < 3; i++ {
		if err := core.Step(context.Background()); err != nil {
			t.Fatalf("step %d: unexpected error: %s", i, err)
		}
	}

	msg := core.mailbox.SlotMessage(core.index)

	if msg.Type != MsgAttest {
		t.Errorf("type: want ATTEST, got %s", msg.Type)
	}

	if msg.Source != EnclaveDefault {
		t.Errorf("source: want the sending core's own enclave (DEFAULT), got %s", msg.Source)
	}

	if msg.Destination != EnclaveManagement {
		t.Errorf("destination: want MANAGEMENT, got %s", msg.Destination)
	}

	if msg.Content != 0x2a {
		t.Errorf("content: want 0x2a, got %#x", msg.Content)
	}
}
