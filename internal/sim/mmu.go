package sim

// mmu.go is the tagged-access pipeline: translation, the enclave tag check, the TLB fast path, the
// mailbox-region special cases, and the cache-tracer integration and cross-core coherence fixup
// described in § MMU with Tagged Access. This is the subsystem the rest of the machine is built
// around; everything else in this package exists to be reached through it.

import (
	"github.com/praesidio-sim/gopraesidio/internal/log"
)

// TLBEntries is the number of direct-mapped TLB slots per access type, per core.
const TLBEntries = 64

// tlbEntry caches a translation and the tag that was current when the entry was filled.
type tlbEntry struct {
	valid    bool
	vpn      Word
	ppn      Word
	owner    EnclaveId
	reader   EnclaveId
}

// tlb is one direct-mapped translation cache for a single access type.
type tlb struct {
	entries [TLBEntries]tlbEntry
}

func (t *tlb) lookup(vpn Word) (*tlbEntry, bool) {
	e := &t.entries[uint64(vpn)%TLBEntries]
	if e.valid && e.vpn == vpn {
		return e, true
	}

	return nil, false
}

func (t *tlb) fill(vpn, ppn Word, tag PageTag) {
	e := &t.entries[uint64(vpn)%TLBEntries]
	*e = tlbEntry{valid: true, vpn: vpn, ppn: ppn, owner: tag.Owner, reader: tag.Reader}
}

func (t *tlb) flush() {
	for i := range t.entries {
		t.entries[i] = tlbEntry{}
	}
}

// PageTableEntry is one entry of the page table: a physical page number plus valid, accessed and
// dirty status bits.
type PageTableEntry struct {
	PPN      Word
	Valid    bool
	Accessed bool
	Dirty    bool
}

// PageTable is a simple single-level map from virtual page number to PageTableEntry, standing in
// for the multi-level walk described in § MMU with Tagged Access: the walk's outward behavior
// (translate, set accessed/dirty, fault on a missing mapping) is what matters to the rest of the
// simulator, not the number of levels consumed to get there.
type PageTable struct {
	entries map[Word]*PageTableEntry

	// autoAccessBit: when true, a missing accessed/dirty bit is set automatically rather than
	// raising a page fault, matching one side of the compile-switch in § 4.3.
	autoAccessBit bool
}

// NewPageTable creates an empty page table.
func NewPageTable(autoAccessBit bool) *PageTable {
	return &PageTable{entries: make(map[Word]*PageTableEntry), autoAccessBit: autoAccessBit}
}

// Map installs an identity-style mapping from vpn to ppn.
func (pt *PageTable) Map(vpn, ppn Word) {
	pt.entries[vpn] = &PageTableEntry{PPN: ppn, Valid: true}
}

func (pt *PageTable) walk(vpn Word, isStore bool) (*PageTableEntry, bool) {
	pte, ok := pt.entries[vpn]
	if !ok || !pte.Valid {
		return nil, false
	}

	if isStore {
		if !pte.Accessed && !pt.autoAccessBit {
			return nil, false
		}

		pte.Accessed = true
		pte.Dirty = true
	} else {
		if !pte.Accessed && !pt.autoAccessBit {
			return nil, false
		}

		pte.Accessed = true
	}

	return pte, true
}

// MMU mediates every memory reference a core makes: translation, per-core TLBs, the tag check, and
// dispatch to the cache tracer chain.
type MMU struct {
	bus     *Bus
	tags    *TagDirectory
	mailbox *Mailbox
	cache   *CacheHierarchy

	pageTables []*PageTable // one per core
	fetchTLB   []*tlb
	loadTLB    []*tlb
	storeTLB   []*tlb

	llcMissCount []uint64 // per-core, for the llc-miss-count CSR

	// coreForEnclave maps an enclave id to the index of the core currently running it, kept
	// current by the simulator driver as cores switch identity (see driver.go); read here to
	// find the writer side of a cross-core coherence fixup.
	coreForEnclave map[EnclaveId]int

	log *log.Logger
}

// NewMMU wires an MMU for numCores cores sharing a bus, tag directory, mailbox, and cache
// hierarchy.
func NewMMU(numCores int, bus *Bus, tags *TagDirectory, mailbox *Mailbox, cache *CacheHierarchy) *MMU {
	m := &MMU{
		bus:          bus,
		tags:         tags,
		mailbox:      mailbox,
		cache:        cache,
		llcMissCount:   make([]uint64, numCores),
		coreForEnclave: make(map[EnclaveId]int),
		log:            log.DefaultLogger(),
	}

	for i := 0; i < numCores; i++ {
		m.pageTables = append(m.pageTables, NewPageTable(true))
		m.fetchTLB = append(m.fetchTLB, &tlb{})
		m.loadTLB = append(m.loadTLB, &tlb{})
		m.storeTLB = append(m.storeTLB, &tlb{})
	}

	tags.onMutate = m.flushAllTLBs

	return m
}

func (m *MMU) flushAllTLBs() {
	for i := range m.fetchTLB {
		m.fetchTLB[i].flush()
		m.loadTLB[i].flush()
		m.storeTLB[i].flush()
	}
}

func (m *MMU) tlbFor(kind AccessKind, core int) *tlb {
	switch kind {
	case AccessFetch:
		return m.fetchTLB[core]
	case AccessLoad:
		return m.loadTLB[core]
	default:
		return m.storeTLB[core]
	}
}

// translate performs the virtual-to-physical walk, filling the per-kind TLB on success.
func (m *MMU) translate(core int, kind AccessKind, vaddr Word, pc Word) (Word, PageTag, bool, *Trap) {
	vpn := pageBase(vaddr)
	t := m.tlbFor(kind, core)

	if e, ok := t.lookup(vpn); ok {
		paddr := e.ppn | (vaddr - e.vpn)
		return paddr, PageTag{Owner: e.owner, Reader: e.reader}, inMainMemory(paddr, m.tags.NumPages()), nil
	}

	pte, ok := m.pageTables[core].walk(vpn, kind == AccessStore)
	if !ok {
		return 0, PageTag{}, false, pageFault(vaddr, pc)
	}

	paddr := pte.PPN | (vaddr - vpn)
	inMem := inMainMemory(paddr, m.tags.NumPages())

	var tag PageTag
	if inMem {
		tag = m.tags.Lookup(pageNumber(pageBase(paddr)))
	}

	t.fill(vpn, pte.PPN, tag)

	return paddr, tag, inMem, nil
}

// checkTag implements the fetch/load/store tag-check rules of § MMU with Tagged Access.
func checkTag(kind AccessKind, issuer EnclaveId, tag PageTag) bool {
	switch kind {
	case AccessFetch, AccessStore:
		return issuer == tag.Owner
	case AccessLoad:
		return issuer == tag.Owner || issuer == tag.Reader
	default:
		return false
	}
}

// Access performs a single tagged memory reference: translate, tag-check, dispatch to backing
// storage (bus, mailbox) and the cache tracer chain. width is the access size in bytes (1, 2, 4, or
// 8).
func (m *MMU) Access(core int, issuer EnclaveId, kind AccessKind, vaddr Word, width int, pc Word, storeVal uint64) (uint64, error) {
	paddr, tag, inMem, trap := m.translate(core, kind, vaddr, pc)
	if trap != nil {
		return 0, trap
	}

	if inMem {
		if !checkTag(kind, issuer, tag) {
			return 0, accessFault(kind, vaddr, pc)
		}
	}

	var (
		val uint64
		err error
	)

	if m.mailbox.inRange(paddr) {
		val, err = m.accessMailbox(core, issuer, kind, paddr, width, storeVal)
	} else if m.tags.InRange(TagDirectoryBase, paddr) {
		val, err = m.accessTagDirectory(issuer, kind, paddr, storeVal)
	} else {
		switch kind {
		case AccessStore:
			err = m.bus.Store(paddr, width, storeVal)
		default:
			val, err = m.bus.Load(paddr, width)
		}
	}

	if err != nil {
		return 0, accessFault(kind, vaddr, pc)
	}

	if inMem {
		result := m.cache.Trace(core, issuer, paddr, width, kind)
		if result == LLCMiss {
			m.llcMissCount[core]++
		}

		if kind == AccessLoad && issuer == tag.Reader && issuer != tag.Owner {
			m.fixupCoherence(core, tag, paddr)
		}
	}

	return val, nil
}

func (m *MMU) accessMailbox(core int, issuer EnclaveId, kind AccessKind, paddr Word, width int, storeVal uint64) (uint64, error) {
	if kind == AccessStore {
		return 0, m.mailbox.Store(issuer, core, paddr, width, storeVal)
	}

	return m.mailbox.Load(issuer, paddr, width)
}

// accessTagDirectory implements the direct-MMIO path onto the tag directory (§4.1): unrestricted
// reads, and writes gated by TagDirectory.StoreMMIO's ownership discipline.
func (m *MMU) accessTagDirectory(issuer EnclaveId, kind AccessKind, paddr Word, storeVal uint64) (uint64, error) {
	if kind != AccessStore {
		return m.tags.LoadMMIO(TagDirectoryBase, paddr), nil
	}

	off := paddr - TagDirectoryBase
	page := int(off / 16)

	field := TagFieldOwner
	if off%16 >= 8 {
		field = TagFieldReader
	}

	return 0, m.tags.StoreMMIO(issuer, page, field, EnclaveId(storeVal))
}

// fixupCoherence finds which core owns tag and, if that core's L1 holds the line dirty, performs
// the writeback/invalidate fixup so the reading core observes current data.
func (m *MMU) fixupCoherence(readerCore int, tag PageTag, paddr Word) {
	writerCore, ok := m.coreForEnclave[tag.Owner]
	if !ok {
		return
	}

	m.cache.CoherenceFixup(writerCore, readerCore, paddr)
}

// SetCoreEnclave records that core is now running as enclave id, for use by the coherence fixup
// path. Called by the driver whenever a core's current enclave id changes.
func (m *MMU) SetCoreEnclave(core int, id EnclaveId) {
	m.coreForEnclave[id] = core
}

// LLCMissCount returns core's llc-miss-count CSR value.
func (m *MMU) LLCMissCount(core int) uint64 {
	return m.llcMissCount[core]
}

// MapPage maps vaddr's page to paddr's page in core's page table, the simplified
// walk this MMU performs in place of a full multi-level table (see PageTable).
func (m *MMU) MapPage(core int, vaddr, paddr Word) {
	m.pageTables[core].Map(pageBase(vaddr), pageBase(paddr))
}
