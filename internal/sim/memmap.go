package sim

// memmap.go lays out the target's physical address space: where DRAM starts, where the reset
// vector and enclave-id ROMs live, where the management shim and its mailbox sit, and where the
// tag directory is mapped. These mirror the addresses named in
// _examples/original_source/managementenclave/management.h, generalized from the single-page
// layout there to a configurable number of pages.

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size in bytes of one physical page; pages are the unit the tag directory
	// tracks.
	PageSize = 1 << PageShift

	// DRAMBase is where addressable main memory begins.
	DRAMBase Word = 0x80000000

	// DefaultResetVector is the physical address every core's PC starts at out of reset. It
	// holds a small bootstrap ROM, not main DRAM.
	DefaultResetVector Word = 0x00001000

	// EnclaveIDROMBase is one page above the reset vector: a table mapping core index to the
	// enclave-core start address it should jump to.
	EnclaveIDROMBase Word = DefaultResetVector + PageSize

	// ManagementEnclaveBase is where the management shim's code image is staged, matching
	// MANAGEMENT_ENCLAVE_BASE in the original source (0x0400_0000): above CLINT, below the I/O
	// region.
	ManagementEnclaveBase Word = 0x04000000

	// MailboxBase is the start of the per-core mailbox region: one MessageSize-byte slot per
	// core, slot i belongs to core i.
	MailboxBase Word = 0x04010000

	// TagDirectoryBase is where the dense page-tag array is mapped for the direct-MMIO access
	// path (§4.1.1). Size is 2 * idWidth * numPages bytes.
	TagDirectoryBase Word = 0x04020000

	// CLINTBase is the standard base for the timer/software-interrupt control block.
	CLINTBase Word = 0x02000000

	// ConsoleCSR is the bare-metal character-out control register, matching the custom CSR
	// address 0x404 the original source's output_char writes through inline asm.
	ConsoleCSR = 0x404
)

// pageNumber converts a physical address inside main memory to a page index relative to DRAMBase.
func pageNumber(paddr Word) int {
	return int((paddr - DRAMBase) / PageSize)
}

// pageBase returns the physical address of the first byte of the page containing paddr.
func pageBase(paddr Word) Word {
	return paddr &^ (PageSize - 1)
}

// inMainMemory reports whether paddr falls inside the DRAM region sized by numPages.
func inMainMemory(paddr Word, numPages int) bool {
	top := DRAMBase + Word(numPages)*PageSize
	return paddr >= DRAMBase && paddr < top
}
