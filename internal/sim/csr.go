package sim

// csr.go is the custom control/status register file described in § Processor Core: the primitives
// that expose the enclave operations and the mailbox interface to running code. Addresses below
// 0x400 are free for ordinary CSRs; the 0x400 range is reserved for these custom registers, with
// the console and change-page-tag addresses matching the values
// _examples/original_source/managementenclave/management.c writes through inline asm
// ("csrrw zero, 0x404, %0" and "csrrw zero, 0x40F, %0").

const (
	CSRConsoleOut            Word = 0x404
	CSRHalt                  Word = 0x401
	CSRSetArgumentID         Word = 0x402
	CSRAssignReader          Word = 0x403
	CSRDonatePage            Word = 0x405
	CSRMailboxBaseForSender  Word = 0x406
	CSRSendMessage           Word = 0x408
	CSRReceiveMessage        Word = 0x409
	CSRGetEnclaveID          Word = 0x40a
	CSRLLCMissCount          Word = 0x40b
	CSRManageChangeEnclaveID Word = 0x40c
	CSRChangePageTag         Word = 0x40f
)

// readCSR implements the read half of a CSRRW: most custom CSRs read back the last-written
// argument or a live value (enclave id, miss count); the write-only ones (console out, halt,
// send-message) read back zero.
func (c *Core) readCSR(csr Word) (Word, error) {
	switch csr {
	case CSRGetEnclaveID:
		return Word(c.Enclave), nil
	case CSRLLCMissCount:
		return Word(c.mmu.LLCMissCount(c.index)), nil
	case CSRReceiveMessage:
		return c.receiveMessage(), nil
	case CSRMailboxBaseForSender:
		return MailboxBase + Word(c.index)*MessageSize, nil
	default:
		if v, ok := c.csrs[csr]; ok {
			return v, nil
		}

		return 0, nil
	}
}

// writeCSR implements the write half of a CSRRW, dispatching to the side-effecting primitives named
// in § Processor Core.
func (c *Core) writeCSR(csr Word, val Word) error {
	switch csr {
	case CSRConsoleOut:
		if c.console != nil {
			c.console.WriteByte(byte(val))
		}
	case CSRHalt:
		c.Halted = true
	case CSRSetArgumentID:
		c.argumentEnclave = EnclaveId(val)
	case CSRAssignReader:
		return c.tags.AssignReader(pageNumber(pageBase(val)), c.Enclave, c.argumentEnclave)
	case CSRDonatePage:
		ok, err := c.tags.DonatePage(pageNumber(pageBase(val)), c.Enclave, c.argumentEnclave)
		if err != nil {
			return err
		}

		c.csrs[CSRDonatePage] = boolWord(ok)
	case CSRChangePageTag:
		if c.Enclave != EnclaveManagement {
			return ErrIllegalCSR
		}

		return c.tags.SetOwner(pageNumber(pageBase(val)), c.argumentEnclave)
	case CSRSendMessage:
		return c.sendMessage(val)
	case CSRManageChangeEnclaveID:
		if !c.inManagementCode() {
			return ErrIllegalCSR
		}

		c.Enclave = EnclaveId(val)

		if c.onEnclaveChange != nil {
			c.onEnclaveChange(c.index, c.Enclave)
		}
	default:
		c.csrs[csr] = val
	}

	return nil
}

func boolWord(b bool) Word {
	if b {
		return 1
	}

	return 0
}

// inManagementCode reports whether PC lies inside the management shim's code page range, the gate
// on CSRManageChangeEnclaveID per § Processor Core, "only honored when PC lies inside the
// management shim's code page range."
func (c *Core) inManagementCode() bool {
	return c.PC >= ManagementEnclaveBase && c.PC < ManagementEnclaveBase+PageSize
}

// sendMessage stages a message addressed to destination and writes it into the core's own mailbox
// slot, mirroring the redirect-to-own-slot convention the MMIO mailbox store path enforces
// (mailbox.go's Store): a core can only ever place mail in its own slot, with the source field set
// to its own enclave id regardless of what's requested, per invariant 4 ("mailbox source
// integrity"). destination is the logical recipient (e.g. EnclaveManagement), not a slot index —
// the shim finds it via Mailbox.ConsumeForDestination, not by address. Type and content come from
// the csrPendingMessageType and csrPendingMessageContent slots staged by earlier CSR writes.
func (c *Core) sendMessage(destination Word) error {
	msg := Message{
		Type:        MessageType(c.csrs[csrPendingMessageType]),
		Source:      c.Enclave,
		Destination: EnclaveId(destination),
		Content:     c.csrs[csrPendingMessageContent],
	}

	c.mailbox.setSlot(c.index, msg)

	return nil
}

// receiveMessage polls this core's own mailbox slot and returns its type field, consuming it if
// addressed here — the CSR-level equivalent of the MMU's mailbox load special case, exposed so
// code can poll without computing the mailbox address itself.
func (c *Core) receiveMessage() Word {
	val, err := c.mmu.Access(c.index, c.Enclave, AccessLoad, MailboxBase+Word(c.index)*MessageSize, 4, c.PC, 0)
	if err != nil {
		return Word(MsgInvalid)
	}

	return Word(val)
}

// csrPendingMessageType / csrPendingMessageContent are internal, non-architectural CSR slots used
// to stage a message's type and content before a send-message write; real code would instead
// populate them via dedicated CSRs, elided here since the pseudo-ISA does not need more than one
// mailbox client (the shim) to exercise the protocol end to end.
const (
	csrPendingMessageType    Word = 0x40d
	csrPendingMessageContent Word = 0x40e
)
