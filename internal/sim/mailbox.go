package sim

// mailbox.go is the control-plane mailbox: one fixed-size slot per core at MailboxBase, used to
// pass Message values between a core and the management shim. The wire layout and the
// consuming-read / source-spoofing-proof semantics are both dictated by § External Interfaces and
// § MMU with Tagged Access; storage itself is a plain byte array, grounded on the teacher's
// PhysicalMemory array in internal/vm/mem.go, generalized to be addressed by slot rather than by a
// single flat index.

import (
	"encoding/binary"
	"fmt"

	"github.com/praesidio-sim/gopraesidio/internal/log"
)

// Mailbox holds one Message-sized slot per core.
type Mailbox struct {
	slots []byte // numCores * MessageSize bytes
	log   *log.Logger
}

// NewMailbox allocates a mailbox sized for numCores slots.
func NewMailbox(numCores int) *Mailbox {
	return &Mailbox{
		slots: make([]byte, numCores*MessageSize),
		log:   log.DefaultLogger(),
	}
}

// NumSlots returns the number of per-core slots.
func (mb *Mailbox) NumSlots() int {
	return len(mb.slots) / MessageSize
}

// inRange reports whether addr falls within the mailbox region.
func (mb *Mailbox) inRange(addr Word) bool {
	return addr >= MailboxBase && addr < MailboxBase+Word(len(mb.slots))
}

// slotFor returns the slot index and intra-slot offset for an address in the mailbox region.
func (mb *Mailbox) slotFor(addr Word) (slot int, offset Word) {
	rel := addr - MailboxBase
	return int(rel / MessageSize), rel % MessageSize
}

// SlotMessage reads slot i without any consuming side effect; used for debugging and by the
// management shim's internal bookkeeping.
func (mb *Mailbox) SlotMessage(i int) Message {
	return unmarshalMessage(mb.slots[i*MessageSize : (i+1)*MessageSize])
}

// setSlot overwrites slot i in place.
func (mb *Mailbox) setSlot(i int, msg Message) {
	marshalMessage(mb.slots[i*MessageSize:(i+1)*MessageSize], msg)
}

// Load implements the MMU's mailbox read path: a normal byte read, except that reading the first
// four bytes (the type field) of a slot addressed to issuer atomically resets that field to
// MsgInvalid — invariant 5, "mailbox single-delivery."
func (mb *Mailbox) Load(issuer EnclaveId, addr Word, width int) (uint64, error) {
	if !mb.inRange(addr) {
		return 0, fmt.Errorf("%w: mailbox: address out of range: %s", ErrInvariant, addr)
	}

	slot, off := mb.slotFor(addr)
	if int(off)+width > MessageSize {
		return 0, fmt.Errorf("%w: mailbox: read crosses slot boundary", ErrLoadAccess)
	}

	base := slot * MessageSize
	val := getLE(mb.slots[base+int(off) : base+int(off)+width])

	if off == 0 && width == 4 {
		msg := mb.SlotMessage(slot)
		if msg.Destination == issuer && msg.Type != MsgInvalid {
			msg.Type = MsgInvalid
			mb.setSlot(slot, msg)
		}
	}

	return val, nil
}

// Store implements the MMU's mailbox write path: regardless of the address a core names, the write
// is redirected to the issuer's own slot at the same intra-slot offset, and the hardware then
// overwrites that slot's source field with the issuer's current enclave id — invariant 4,
// "mailbox source integrity," and the prevention of source spoofing.
func (mb *Mailbox) Store(issuer EnclaveId, issuerSlot int, addr Word, width int, val uint64) error {
	if !mb.inRange(addr) {
		return fmt.Errorf("%w: mailbox: address out of range: %s", ErrInvariant, addr)
	}

	if issuerSlot < 0 || issuerSlot >= mb.NumSlots() {
		return fmt.Errorf("%w: mailbox: issuer has no slot", ErrInvariant)
	}

	_, off := mb.slotFor(addr)
	if int(off)+width > MessageSize {
		return fmt.Errorf("%w: mailbox: store crosses slot boundary", ErrStoreAccess)
	}

	base := issuerSlot * MessageSize
	putLE(mb.slots[base+int(off):base+int(off)+width], val)

	msg := mb.SlotMessage(issuerSlot)
	msg.Source = issuer
	mb.setSlot(issuerSlot, msg)

	return nil
}

// Deliver writes msg directly into slot dst's slot, as the management shim does when replying or
// routing a SWITCH_ENCLAVE control message. It bypasses the redirect-to-own-slot rule since the
// shim is trusted to address any slot.
func (mb *Mailbox) Deliver(dst int, msg Message) error {
	if dst < 0 || dst >= mb.NumSlots() {
		return fmt.Errorf("%w: mailbox: no such slot: %d", ErrInvariant, dst)
	}

	mb.setSlot(dst, msg)

	return nil
}

// ConsumeForDestination scans every slot for the first message addressed to dest, consuming it
// (resetting its type to MsgInvalid) the same way a destination's own load of the type field
// would. It is used by the management shim, which has no single "own" slot to poll — any core may
// address a message to MANAGEMENT from its own slot — and returns the slot index the message came
// from, so the shim can reply by writing its response directly into that slot.
func (mb *Mailbox) ConsumeForDestination(dest EnclaveId) (Message, int, bool) {
	for i := 0; i < mb.NumSlots(); i++ {
		msg := mb.SlotMessage(i)
		if msg.Type != MsgInvalid && msg.Destination == dest {
			consumed := msg
			msg.Type = MsgInvalid
			mb.setSlot(i, msg)

			return consumed, i, true
		}
	}

	return Message{}, -1, false
}

func marshalMessage(b []byte, m Message) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(m.Type))
	binary.LittleEndian.PutUint64(b[8:16], uint64(m.Source))
	binary.LittleEndian.PutUint64(b[16:24], uint64(m.Destination))
	binary.LittleEndian.PutUint64(b[24:32], uint64(m.Content))
}

func unmarshalMessage(b []byte) Message {
	return Message{
		Type:        MessageType(binary.LittleEndian.Uint32(b[0:4])),
		Source:      EnclaveId(binary.LittleEndian.Uint64(b[8:16])),
		Destination: EnclaveId(binary.LittleEndian.Uint64(b[16:24])),
		Content:     Word(binary.LittleEndian.Uint64(b[24:32])),
	}
}
