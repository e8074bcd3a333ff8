package sim

// loader.go stages byte images into the bus's RAM and ROM devices before the first core steps:
// the boot ROM, the management shim's code page, and any donated enclave payload. It generalizes
// the teacher's word-oriented ObjectCode/Loader (internal/vm/loader.go), which decodes a
// LC-3-specific 16-bit-word object format into the VM's flat address space, to the byte-range
// Segment values internal/encoding's Intel-Hex-like codec produces, since this machine's images
// are arbitrary byte ranges rather than fixed-width word streams.

import (
	"fmt"
	"io"

	"github.com/praesidio-sim/gopraesidio/internal/encoding"
)

// Image is a decoded program image: one or more byte ranges to be written at a base-relative
// offset, exactly as HexEncoding.Segments represents them.
type Image struct {
	Segments []encoding.Segment
}

// LoadImage decodes an Intel-Hex-like byte stream into an Image.
func LoadImage(r io.Reader) (*Image, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}

	var enc encoding.HexEncoding

	if err := enc.UnmarshalText(bs); err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}

	return &Image{Segments: enc.Segments}, nil
}

// LoadIntoROM writes img's segments into dev's backing bytes, using the trusted write path rom
// reserves for the loader.
func LoadIntoROM(dev *rom, img *Image) error {
	for _, seg := range img.Segments {
		if err := dev.write(Word(seg.Offset), seg.Data); err != nil {
			return fmt.Errorf("load into rom %s: %w", dev.label, err)
		}
	}

	return nil
}

// LoadIntoRAM writes img's segments directly into a ram device's backing bytes, for staging a
// donated enclave payload or data segment ahead of the owning core's first access.
func LoadIntoRAM(dev *ram, img *Image) error {
	for _, seg := range img.Segments {
		off := int(seg.Offset)
		if off+len(seg.Data) > len(dev.cells) {
			return fmt.Errorf("%w: load into ram %s: segment at %#x exceeds device extent", ErrInvariant, dev.label, off)
		}

		copy(dev.cells[off:], seg.Data)
	}

	return nil
}
