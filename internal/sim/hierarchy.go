package sim

// hierarchy.go wires one L1 instruction and one L1 data cache per core to a shared or partitioned

// L2 and, optionally, a DRAM-bank row-buffer model below it, following the
// cache_memtracer_t / icache_sim_t / dcache_sim_t / l2cache_sim_t chain in
// _examples/original_source/riscv/cachesim.h: an L1 miss is forwarded to the L2, whose hit/miss
// outcome is what the MMU's tracer-chain integration in § MMU with Tagged Access reports back.

import "fmt"

// TraceResult is what the tracer chain reports to the MMU after a completed access.
type TraceResult uint8

const (
	NoLLCInteraction TraceResult = iota
	LLCHit
	LLCMiss
)

func (t TraceResult) String() string {
	switch t {
	case NoLLCInteraction:
		return "NO_LLC_INTERACTION"
	case LLCHit:
		return "LLC_HIT"
	case LLCMiss:
		return "LLC_MISS"
	default:
		return "?"
	}
}

// CacheHierarchy is the complete per-simulator cache model: split L1s per core, a shared L2, and an
// optional DRAM-bank tracker.
type CacheHierarchy struct {
	l1i []*Cache
	l1d []*Cache
	l2  *LLC
	dram *DRAMBankModel
}

// CacheConfig describes a sets:ways:linesize geometry parsed from the command line.
type CacheConfig struct {
	Sets, Ways, LineSize int
}

// NewCacheHierarchy builds the per-core L1s and shared/partitioned L2 for numCores cores.
func NewCacheHierarchy(numCores int, ic, dc CacheConfig, l2mode LLCMode, l2cfg CacheConfig) (*CacheHierarchy, error) {
	h := &CacheHierarchy{}

	l2, err := NewLLC(l2mode, l2cfg.Sets, l2cfg.Ways, l2cfg.LineSize)
	if err != nil {
		return nil, err
	}

	h.l2 = l2

	for i := 0; i < numCores; i++ {
		icache, err := NewCache(ic.Sets, ic.Ways, ic.LineSize, fmt.Sprintf("I$%d", i))
		if err != nil {
			return nil, err
		}

		dcache, err := NewCache(dc.Sets, dc.Ways, dc.LineSize, fmt.Sprintf("D$%d", i))
		if err != nil {
			return nil, err
		}

		h.l1i = append(h.l1i, icache)
		h.l1d = append(h.l1d, dcache)
	}

	return h, nil
}

// WithDRAMBankModel attaches a row-buffer tracker below the L2.
func (h *CacheHierarchy) WithDRAMBankModel(d *DRAMBankModel) *CacheHierarchy {
	h.dram = d
	return h
}

// Trace records one completed access against the hierarchy and reports the tracer-chain outcome the
// MMU uses to bump the llc-miss-count CSR.
func (h *CacheHierarchy) Trace(core int, enclave EnclaveId, addr Word, length int, kind AccessKind) TraceResult {
	var l1 *Cache

	isStore := kind == AccessStore

	if kind == AccessFetch {
		l1 = h.l1i[core]
	} else {
		l1 = h.l1d[core]
	}

	if l1.Access(addr, length, isStore) == CacheHit {
		return NoLLCInteraction
	}

	result := h.l2.Access(enclave, addr, length, isStore)

	if h.dram != nil && kind != AccessFetch {
		h.dram.Access(addr, isStore)
	}

	if result == CacheHit {
		return LLCHit
	}

	return LLCMiss
}

// InvalidateL1 drops any resident line at addr from core's L1s.
func (h *CacheHierarchy) InvalidateL1(core int, addr Word) {
	h.l1i[core].InvalidateAddress(addr)
	h.l1d[core].InvalidateAddress(addr)
}

// WritebackL1D writes back addr from core's L1 data cache if dirty, returning whether it did.
func (h *CacheHierarchy) WritebackL1D(core int, addr Word) bool {
	return h.l1d[core].PerformWriteback(addr)
}

// DirtyInL1D reports whether core's L1 data cache holds addr dirty.
func (h *CacheHierarchy) DirtyInL1D(core int, addr Word) bool {
	return h.l1d[core].Dirty(addr)
}

// CoherenceFixup implements § MMU with Tagged Access's cross-core coherence fixup: when reader
// loads a line that writer, the page's owner, holds dirty in its L1, the writer's line is written
// back and the reader's L1 invalidated so the reader observes up-to-date data. Returns whether a
// fixup was performed.
func (h *CacheHierarchy) CoherenceFixup(writer, reader int, addr Word) bool {
	if !h.DirtyInL1D(writer, addr) {
		return false
	}

	h.WritebackL1D(writer, addr)
	h.InvalidateL1(reader, addr)

	return true
}
