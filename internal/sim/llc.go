package sim

// llc.go implements the three last-level-cache partitioning modes named in § Cache Hierarchy: none
// (one shared L2), remapping-table (a per-enclave front-end over a globally-partitioned LLC), and
// static (the LLC's set count is apportioned between the default enclave and all others). This is
// a direct behavioral port of partitioned_cache_sim_t and remapping_table_t in
// _examples/original_source/riscv/cachesim.h, re-expressed as a tagged sum type (LLCMode
// discriminant) instead of a class hierarchy, per the redesign notes.

import "fmt"

// LLCMode selects the L2 partitioning scheme.
type LLCMode uint8

const (
	LLCNone LLCMode = iota
	LLCRemapping
	LLCStatic
)

func (m LLCMode) String() string {
	switch m {
	case LLCNone:
		return "none"
	case LLCRemapping:
		return "rmt"
	case LLCStatic:
		return "static"
	default:
		return "?"
	}
}

// partitionedLLC is the shared, slot-addressed backing store the remapping table draws from: one
// (address, owning enclave) pair per slot, matching partitioned_cache_sim_t.
type partitionedLLC struct {
	addresses   []uint64
	identifiers []EnclaveId
	lineSize    int
	lfsr        *lfsr

	Stats CacheStats
}

func newPartitionedLLC(slots, lineSize int) *partitionedLLC {
	p := &partitionedLLC{
		addresses:   make([]uint64, slots),
		identifiers: make([]EnclaveId, slots),
		lineSize:    lineSize,
		lfsr:        newLFSR(),
	}

	for i := range p.identifiers {
		p.identifiers[i] = EnclaveInvalid
	}

	return p
}

// checkSlot reports whether slot currently holds addr for enclave id.
func (p *partitionedLLC) checkSlot(slot int, addr uint64, id EnclaveId) bool {
	tag := addr / uint64(p.lineSize)
	return p.identifiers[slot] == id && p.addresses[slot] == tag
}

// assign draws a random slot and hands it to (addr, id), evicting whatever enclave held it.
func (p *partitionedLLC) assign(addr uint64, id EnclaveId) int {
	slot := int(p.lfsr.next()) % len(p.addresses)
	p.addresses[slot] = addr / uint64(p.lineSize)
	p.identifiers[slot] = id

	return slot
}

// rmtEntry is one direct-mapped entry in a per-enclave remapping table.
type rmtEntry struct {
	valid   bool
	addrTag uint64
	slot    int
}

// remappingTable is the per-enclave front-end cache described in § Cache Hierarchy: it stores,
// per entry, a slot id into the shared partitionedLLC.
type remappingTable struct {
	entries  []rmtEntry
	lineSize int
	enclave  EnclaveId
	llc      *partitionedLLC

	llcReadMisses, llcWriteMisses uint64
	Stats                         CacheStats
}

func newRemappingTable(sets, lineSize int, id EnclaveId, llc *partitionedLLC) *remappingTable {
	return &remappingTable{
		entries:  make([]rmtEntry, sets),
		lineSize: lineSize,
		enclave:  id,
		llc:      llc,
	}
}

func (r *remappingTable) index(addr uint64) int {
	return int((addr / uint64(r.lineSize)) % uint64(len(r.entries)))
}

// Access implements remapping_table_t::access: an RMT hit that resolves to an LLC miss (the global
// slot was reassigned to another enclave) is a "soft miss", counted as MISS but distinguished from
// an RMT miss in the llc{Read,Write}Misses counters.
func (r *remappingTable) Access(addr Word, length int, isStore bool) AccessResult {
	if isStore {
		r.Stats.WriteAccesses++
	} else {
		r.Stats.ReadAccesses++
	}

	a := uint64(addr)
	idx := r.index(a)
	tag := a / uint64(r.lineSize)
	entry := &r.entries[idx]

	if entry.valid && entry.addrTag == tag {
		if r.llc.checkSlot(entry.slot, a, r.enclave) {
			return CacheHit
		}

		// Soft miss: RMT hit, LLC miss. Counted only in the llc counters, not as an RMT miss.
		if isStore {
			r.llcWriteMisses++
		} else {
			r.llcReadMisses++
		}

		entry.slot = r.llc.assign(a, r.enclave)

		return CacheMiss
	}

	r.countMiss(isStore)
	slot := r.llc.assign(a, r.enclave)
	r.entries[idx] = rmtEntry{valid: true, addrTag: tag, slot: slot}

	return CacheMiss
}

func (r *remappingTable) countMiss(isStore bool) {
	if isStore {
		r.Stats.WriteMisses++
		r.llcWriteMisses++
	} else {
		r.Stats.ReadMisses++
		r.llcReadMisses++
	}
}

// InvalidateAddress drops the RMT entry for addr, if resident.
func (r *remappingTable) InvalidateAddress(addr Word) {
	idx := r.index(uint64(addr))
	if r.entries[idx].addrTag == uint64(addr)/uint64(r.lineSize) {
		r.entries[idx] = rmtEntry{}
	}
}

// LLC is the shared or partitioned last-level cache, selected at init by Mode.
type LLC struct {
	Mode LLCMode

	// shared is used when Mode == LLCNone.
	shared *Cache

	// llc and rmts are used when Mode == LLCRemapping: llc is the global partitioned slot
	// store, rmts holds one remappingTable per enclave that has accessed it, created lazily.
	llc  *partitionedLLC
	rmts map[EnclaveId]*remappingTable

	// defaultCache and otherCache are used when Mode == LLCStatic: the default enclave gets
	// half the configured sets, and every other enclave shares half of what remains (a
	// quarter of the total), leaving the rest reserved rather than handed to either side.
	defaultCache, otherCache *Cache

	sets, ways, lineSize int
}

// NewLLC builds the L2 for the given partitioning mode and sets:ways:linesize geometry.
func NewLLC(mode LLCMode, sets, ways, lineSize int) (*LLC, error) {
	l := &LLC{Mode: mode, sets: sets, ways: ways, lineSize: lineSize}

	switch mode {
	case LLCNone:
		c, err := NewCache(sets, ways, lineSize, "L2")
		if err != nil {
			return nil, err
		}

		l.shared = c
	case LLCRemapping:
		l.llc = newPartitionedLLC(sets*ways, lineSize)
		l.rmts = make(map[EnclaveId]*remappingTable)
	case LLCStatic:
		half := sets / 2
		if half == 0 {
			half = 1
		}

		otherSets := half / 2
		if otherSets == 0 {
			otherSets = 1
		}

		def, err := NewCache(half, ways, lineSize, "L2:default")
		if err != nil {
			return nil, err
		}

		other, err := NewCache(otherSets, ways, lineSize, "L2:other")
		if err != nil {
			return nil, err
		}

		l.defaultCache, l.otherCache = def, other
	default:
		return nil, fmt.Errorf("%w: unknown l2 partitioning mode: %d", ErrConfiguration, mode)
	}

	return l, nil
}

// Access dispatches to the configured partitioning scheme.
func (l *LLC) Access(enclave EnclaveId, addr Word, length int, isStore bool) AccessResult {
	switch l.Mode {
	case LLCNone:
		return l.shared.Access(addr, length, isStore)
	case LLCRemapping:
		rmt, ok := l.rmts[enclave]
		if !ok {
			rmt = newRemappingTable(l.sets, l.lineSize, enclave, l.llc)
			l.rmts[enclave] = rmt
		}

		return rmt.Access(addr, length, isStore)
	case LLCStatic:
		if enclave == EnclaveDefault {
			return l.defaultCache.Access(addr, length, isStore)
		}

		return l.otherCache.Access(addr, length, isStore)
	default:
		return CacheMiss
	}
}

// InvalidateAddress invalidates addr from whichever partition(s) may hold it.
func (l *LLC) InvalidateAddress(addr Word) {
	switch l.Mode {
	case LLCNone:
		l.shared.InvalidateAddress(addr)
	case LLCRemapping:
		for _, rmt := range l.rmts {
			rmt.InvalidateAddress(addr)
		}
	case LLCStatic:
		l.defaultCache.InvalidateAddress(addr)
		l.otherCache.InvalidateAddress(addr)
	}
}
