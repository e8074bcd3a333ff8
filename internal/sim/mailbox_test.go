package sim

import "testing"

// TestMailboxSourceIntegrity exercises invariant 4: after any store by enclave e to a mailbox
// slot, that slot's source is e regardless of what the writer actually wrote, and regardless of
// which slot address the writer named (the store is always redirected to the writer's own slot).
func TestMailboxSourceIntegrity(t *testing.T) {
	mb := NewMailbox(2)

	// Core 0 writes, naming slot 1's address, attempting to land the write outside its own slot.
	if err := mb.Store(EnclaveDefault, 0, MailboxBase+Word(MessageSize), 8, uint64(MsgCreateEnclave)); err != nil {
		t.Fatalf("store: unexpected error: %s", err)
	}

	msg := mb.SlotMessage(0)
	if msg.Source != EnclaveDefault {
		t.Errorf("source: want DEFAULT (forging source should not succeed), got %s", msg.Source)
	}
}

// TestMailboxSingleDelivery exercises invariant 5: a load of the type field by the destination
// resets the slot's type to INVALID in the same step, and a subsequent load returns INVALID.
func TestMailboxSingleDelivery(t *testing.T) {
	mb := NewMailbox(2)

	msg := Message{Type: MsgCreateEnclave, Source: EnclaveDefault, Destination: EnclaveManagement, Content: 0}
	mb.setSlot(0, msg)

	val, err := mb.Load(EnclaveManagement, MailboxBase, 4)
	if err != nil {
		t.Fatalf("first load: unexpected error: %s", err)
	}

	if MessageType(val) != MsgCreateEnclave {
		t.Fatalf("first load: want CREATE_ENCLAVE, got %s", MessageType(val))
	}

	val, err = mb.Load(EnclaveManagement, MailboxBase, 4)
	if err != nil {
		t.Fatalf("second load: unexpected error: %s", err)
	}

	if MessageType(val) != MsgInvalid {
		t.Errorf("second load: want INVALID, got %s", MessageType(val))
	}
}

// TestMailboxLoadByNonDestinationDoesNotConsume confirms the consuming side effect is scoped to
// the addressed destination: another enclave reading the same slot must not consume it.
func TestMailboxLoadByNonDestinationDoesNotConsume(t *testing.T) {
	mb := NewMailbox(2)

	msg := Message{Type: MsgCreateEnclave, Source: EnclaveDefault, Destination: EnclaveManagement}
	mb.setSlot(0, msg)

	if _, err := mb.Load(EnclaveId(42), MailboxBase, 4); err != nil {
		t.Fatalf("load: unexpected error: %s", err)
	}

	if got := mb.SlotMessage(0).Type; got != MsgCreateEnclave {
		t.Errorf("type: want unchanged CREATE_ENCLAVE after a non-destination read, got %s", got)
	}
}

func TestMailboxConsumeForDestination(t *testing.T) {
	mb := NewMailbox(3)

	mb.setSlot(0, Message{Type: MsgInvalid})
	mb.setSlot(1, Message{Type: MsgCreateEnclave, Source: EnclaveDefault, Destination: EnclaveManagement})
	mb.setSlot(2, Message{Type: MsgDonatePage, Source: EnclaveDefault, Destination: EnclaveManagement})

	msg, slot, ok := mb.ConsumeForDestination(EnclaveManagement)
	if !ok {
		t.Fatalf("expected a message addressed to MANAGEMENT")
	}

	if slot != 1 {
		t.Errorf("slot: want 1 (first addressed slot), got %d", slot)
	}

	if msg.Type != MsgCreateEnclave {
		t.Errorf("type: want CREATE_ENCLAVE, got %s", msg.Type)
	}

	if got := mb.SlotMessage(1).Type; got != MsgInvalid {
		t.Errorf("slot 1: want consumed (INVALID), got %s", got)
	}

	if got := mb.SlotMessage(2).Type; got != MsgDonatePage {
		t.Errorf("slot 2: want untouched DONATE_PAGE, got %s", got)
	}
}
