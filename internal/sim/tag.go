package sim

// tag.go implements the tag directory: the dense array of per-page (owner, reader) metadata the
// MMU consults on every access. Modeled directly after the teacher's Memory/MMIO split in
// internal/vm/mem.go: a typed backing array plus a gate that gets consulted before any mutating
// access is allowed through.

import (
	"fmt"

	"github.com/praesidio-sim/gopraesidio/internal/log"
)

// TagDirectory is a contiguous mapping from page number to PageTag, one entry per physical page of
// main memory.
type TagDirectory struct {
	tags []PageTag

	// onMutate is called after every successful mutation so the owning simulator can flush every
	// core's TLB; see § MMU + TLB, "Any such change invalidates all TLB entries in all cores."
	onMutate func()

	log *log.Logger
}

// NewTagDirectory allocates a tag directory sized for numPages, with every entry at its reset
// value.
func NewTagDirectory(numPages int) *TagDirectory {
	td := &TagDirectory{
		tags: make([]PageTag, numPages),
		log:  log.DefaultLogger(),
	}

	for i := range td.tags {
		td.tags[i] = resetTag
	}

	return td
}

// NumPages returns the number of page entries the directory tracks.
func (td *TagDirectory) NumPages() int {
	return len(td.tags)
}

// Extent returns the size in bytes of the directory's direct-MMIO mapping: two 8-byte fields per
// page.
func (td *TagDirectory) Extent() Word {
	return Word(len(td.tags)) * 16
}

// InRange reports whether addr falls within the tag directory's direct-MMIO region at base.
func (td *TagDirectory) InRange(base, addr Word) bool {
	return addr >= base && addr < base+td.Extent()
}

// LoadMMIO implements the read side of the direct-MMIO tag directory region (§4.1): reads are
// unrestricted, and each page occupies two 8-byte words, owner then reader.
func (td *TagDirectory) LoadMMIO(base, addr Word) uint64 {
	off := addr - base
	page := int(off / 16)

	tag := td.Lookup(page)
	if off%16 < 8 {
		return uint64(tag.Owner)
	}

	return uint64(tag.Reader)
}

// Lookup returns the tag for page, or the reset tag if page is out of range (callers are expected
// to have already checked inMainMemory).
func (td *TagDirectory) Lookup(page int) PageTag {
	if page < 0 || page >= len(td.tags) {
		return resetTag
	}

	return td.tags[page]
}

// SetOwner is the management-only "change-page-tag" primitive: it may set the owner of an
// arbitrary page, bypassing the ownership check that gates the reader-only MMIO path.
func (td *TagDirectory) SetOwner(page int, owner EnclaveId) error {
	if page < 0 || page >= len(td.tags) {
		return fmt.Errorf("%w: page %d out of range", ErrInvariant, page)
	}

	td.tags[page].Owner = owner
	td.mutated()

	return nil
}

// AssignReader implements the "assign-reader" CSR: it sets tag[page].reader = reader only if
// issuer currently owns the page.
func (td *TagDirectory) AssignReader(page int, issuer, reader EnclaveId) error {
	if page < 0 || page >= len(td.tags) {
		return fmt.Errorf("%w: page %d out of range", ErrInvariant, page)
	}

	if td.tags[page].Owner != issuer {
		return fmt.Errorf("%w: assign-reader: issuer %s does not own page %d", ErrStoreAccess, issuer, page)
	}

	td.tags[page].Reader = reader
	td.mutated()

	return nil
}

// DonatePage implements the "donate-page" CSR: it sets tag[page].owner = newOwner only if issuer
// currently owns the page, returning false (without mutating) on failure rather than leaving the
// outcome implicit — see DESIGN.md's note on the source's donate_page falling off the end.
func (td *TagDirectory) DonatePage(page int, issuer, newOwner EnclaveId) (bool, error) {
	if page < 0 || page >= len(td.tags) {
		return false, fmt.Errorf("%w: page %d out of range", ErrInvariant, page)
	}

	if td.tags[page].Owner != issuer {
		return false, nil
	}

	td.tags[page].Owner = newOwner
	td.mutated()

	return true, nil
}

// StoreMMIO implements the direct-MMIO write discipline of § Tag Directory 4.1.1: the management
// shim may write either field of any entry; any other issuer may only write the reader field of an
// entry it owns.
func (td *TagDirectory) StoreMMIO(issuer EnclaveId, page int, field TagField, value EnclaveId) error {
	if page < 0 || page >= len(td.tags) {
		return fmt.Errorf("%w: page %d out of range", ErrInvariant, page)
	}

	if issuer == EnclaveManagement {
		switch field {
		case TagFieldOwner:
			td.tags[page].Owner = value
		case TagFieldReader:
			td.tags[page].Reader = value
		default:
			return fmt.Errorf("%w: tag directory: unknown field", ErrStoreAccess)
		}

		td.mutated()

		return nil
	}

	if field != TagFieldReader {
		return fmt.Errorf("%w: tag directory: non-management write to owner field", ErrStoreAccess)
	}

	if td.tags[page].Owner != issuer {
		return fmt.Errorf("%w: tag directory: issuer %s does not own page %d", ErrStoreAccess, issuer, page)
	}

	td.tags[page].Reader = value
	td.mutated()

	return nil
}

func (td *TagDirectory) mutated() {
	if td.onMutate != nil {
		td.onMutate()
	}
}

// TagField selects which half of a PageTag a direct-MMIO store targets.
type TagField uint8

const (
	TagFieldOwner TagField = iota
	TagFieldReader
)
