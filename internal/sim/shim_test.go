package sim

import "testing"

// newTestShim builds a shim with one enclave-capable core (index 1) in its idle pool, recording
// every SwitchFunc invocation for assertions.
func newTestShim(t *testing.T) (*Shim, *Mailbox, *[]switchCall) {
	t.Helper()

	mailbox := NewMailbox(2)
	tags := NewTagDirectory(4)

	calls := &[]switchCall{}
	onSwitch := func(core int, enclave EnclaveId, entry Word) {
		*calls = append(*calls, switchCall{core: core, enclave: enclave, entry: entry})
	}

	shim := NewShim(mailbox, tags, []int{1}, onSwitch)

	return shim, mailbox, calls
}

type switchCall struct {
	core    int
	enclave EnclaveId
	entry   Word
}

// TestShimLifecycle walks the full CREATE_ENCLAVE -> SET_ARGUMENT -> DONATE_PAGE -> SWITCH_ENCLAVE
// sequence from scenario S1, driven entirely through the mailbox the way a core's CSR dispatch
// would.
func TestShimLifecycle(t *testing.T) {
	shim, mailbox, calls := newTestShim(t)

	// Core 0 (DEFAULT) requests a new enclave.
	mailbox.setSlot(0, Message{Type: MsgCreateEnclave, Source: EnclaveDefault, Destination: EnclaveManagement})
	shim.Poll()

	reply := mailbox.SlotMessage(0)
	if reply.Source != EnclaveManagement || reply.Destination != EnclaveDefault {
		t.Fatalf("create-enclave reply: want MANAGEMENT->DEFAULT, got %s", reply)
	}

	newEnclave := EnclaveId(reply.Content)
	if newEnclave != firstAllocatedEnclaveId {
		t.Fatalf("create-enclave: want id %d, got %s", firstAllocatedEnclaveId, newEnclave)
	}

	rec, ok := shim.Enclave(newEnclave)
	if !ok || rec.State != EnclaveCreated {
		t.Fatalf("enclave record: want CREATED, got %+v (ok=%t)", rec, ok)
	}

	// SET_ARGUMENT targets the new enclave for subsequent donates.
	mailbox.setSlot(0, Message{Type: MsgSetArgument, Source: EnclaveDefault, Destination: EnclaveManagement, Content: Word(newEnclave)})
	shim.Poll()

	// First DONATE_PAGE supplies the code entry and moves the enclave to RECEIVING_PAGES.
	const entry = DRAMBase
	mailbox.setSlot(0, Message{Type: MsgDonatePage, Source: EnclaveDefault, Destination: EnclaveManagement, Content: entry})
	shim.Poll()

	if reply := mailbox.SlotMessage(0); reply.Content != 1 {
		t.Fatalf("donate-page reply: want ack (1), got %s", reply.Content)
	}

	rec, _ = shim.Enclave(newEnclave)
	if rec.State != EnclaveReceivingPages {
		t.Fatalf("enclave record: want RECEIVING_PAGES, got %s", rec.State)
	}

	if rec.CodeEntry != entry {
		t.Fatalf("code entry: want %s, got %s", Word(entry), rec.CodeEntry)
	}

	// A second donation stays in RECEIVING_PAGES.
	mailbox.setSlot(0, Message{Type: MsgDonatePage, Source: EnclaveDefault, Destination: EnclaveManagement, Content: entry + PageSize})
	shim.Poll()

	rec, _ = shim.Enclave(newEnclave)
	if rec.State != EnclaveReceivingPages {
		t.Fatalf("enclave record after second donate: want RECEIVING_PAGES, got %s", rec.State)
	}

	// SWITCH_ENCLAVE claims the idle core and finalizes the enclave.
	mailbox.setSlot(0, Message{Type: MsgSwitchEnclave, Source: EnclaveDefault, Destination: EnclaveManagement, Content: Word(newEnclave)})
	shim.Poll()

	if len(*calls) != 1 {
		t.Fatalf("switch calls: want 1, got %d", len(*calls))
	}

	got := (*calls)[0]
	if got.core != 1 || got.enclave != newEnclave || got.entry != entry {
		t.Errorf("switch call: want {core:1 enclave:%s entry:%s}, got %+v", newEnclave, Word(entry), got)
	}

	rec, _ = shim.Enclave(newEnclave)
	if rec.State != EnclaveFinalized {
		t.Errorf("enclave record after switch: want FINALIZED, got %s", rec.State)
	}
}

// TestShimDonateAfterFinalizedFails exercises the state diagram's rule that donates fail once an
// enclave is FINALIZED.
func TestShimDonateAfterFinalizedFails(t *testing.T) {
	shim, mailbox, _ := newTestShim(t)

	mailbox.setSlot(0, Message{Type: MsgCreateEnclave, Source: EnclaveDefault, Destination: EnclaveManagement})
	shim.Poll()
	id := EnclaveId(mailbox.SlotMessage(0).Content)

	mailbox.setSlot(0, Message{Type: MsgSetArgument, Source: EnclaveDefault, Destination: EnclaveManagement, Content: Word(id)})
	shim.Poll()

	mailbox.setSlot(0, Message{Type: MsgDonatePage, Source: EnclaveDefault, Destination: EnclaveManagement, Content: DRAMBase})
	shim.Poll()

	mailbox.setSlot(0, Message{Type: MsgSwitchEnclave, Source: EnclaveDefault, Destination: EnclaveManagement, Content: Word(id)})
	shim.Poll()

	mailbox.setSlot(0, Message{Type: MsgDonatePage, Source: EnclaveDefault, Destination: EnclaveManagement, Content: DRAMBase + PageSize})
	shim.Poll()

	if reply := mailbox.SlotMessage(0).Content; reply != 0 {
		t.Errorf("donate after finalize: want nack (0), got %s", reply)
	}
}

// TestShimReservedMessagesReplyWithoutPanicking exercises the TODO-stub messages: they must reply
// with content 0 rather than being silently dropped or causing an error.
func TestShimReservedMessagesReplyWithoutPanicking(t *testing.T) {
	shim, mailbox, _ := newTestShim(t)

	for _, kind := range []MessageType{MsgDeleteEnclave, MsgAttest, MsgAcquirePhysCap, MsgInterEnclave} {
		mailbox.setSlot(0, Message{Type: kind, Source: EnclaveDefault, Destination: EnclaveManagement})
		shim.Poll()

		reply := mailbox.SlotMessage(0)
		if reply.Source != EnclaveManagement || reply.Content != 0 {
			t.Errorf("%s: want a zero-content reply from MANAGEMENT, got %s", kind, reply)
		}
	}
}

// TestShimSwitchEnclaveWithoutIdleCoreFails confirms SWITCH_ENCLAVE fails gracefully, without
// invoking the switch callback, when no enclave-capable core is available.
func TestShimSwitchEnclaveWithoutIdleCoreFails(t *testing.T) {
	mailbox := NewMailbox(2)
	tags := NewTagDirectory(1)

	called := false
	shim := NewShim(mailbox, tags, nil, func(int, EnclaveId, Word) { called = true })

	mailbox.setSlot(0, Message{Type: MsgCreateEnclave, Source: EnclaveDefault, Destination: EnclaveManagement})
	shim.Poll()
	id := EnclaveId(mailbox.SlotMessage(0).Content)

	mailbox.setSlot(0, Message{Type: MsgSwitchEnclave, Source: EnclaveDefault, Destination: EnclaveManagement, Content: Word(id)})
	shim.Poll()

	if reply := mailbox.SlotMessage(0).Content; reply != 0 {
		t.Errorf("switch without idle core: want nack (0), got %s", reply)
	}

	if called {
		t.Errorf("switch callback: must not be invoked when no idle core is available")
	}
}
