// Package encoding includes implementations of encoding.TextMarshaler and encoding.TextUnmarshaler
// to encode and decode binary images for the simulator. It is based on Intel Hex file-encoding.
//
// Each file is composed of lines composed of a prefix, length, address, type, (optional data) and a
// checksum. In shorthand:
//
//	:LLAAAAAAAATT[DD...]CC
//	0123456789
//
// See [Grammar] for a formal grammar. Unlike the original Intel Hex format, the address field here
// is four bytes wide: images are loaded relative to a 64-bit physical base supplied by the caller,
// so the on-disk address only needs to span one segment (a ROM image, the management shim, or a
// donated enclave payload), not the full address space.
//
// # Bugs
//
// This is not a complete implementation of Intel Hex encoding; it is for internal use, only. It
// supports minimal record types, specifically just the data and end-of-file record types.
package encoding

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const Grammar = `
file  = { line } ;
line  = ':' len addr type data check nl ;
len   = byte ;
addr  = byte byte byte byte ;
type  = byte ;
data  = { byte } ;
check = byte ;
byte  = hex hex ;
hex   = '0' | '1' | '2' | '3' | '4' | '5' | '6' | '7' | '8' | '9'
      | 'a' | 'b' | 'c' | 'd' | 'e' | 'f' | 'A' | 'B' | 'C' | 'D' | 'E' | 'F' ;
nl    = '\n' ;
`

// Segment is a run of bytes loaded at an offset relative to an image's base address.
type Segment struct {
	Offset uint32
	Data   []byte
}

// HexEncoding implements marshalling and unmarshalling of simulator images as Intel-Hex-like
// text files.
type HexEncoding struct {
	Segments []Segment
}

func (h *HexEncoding) MarshalText() ([]byte, error) {
	var buf bytes.Buffer

	for _, seg := range h.Segments {
		if len(seg.Data) > 0xff {
			return nil, fmt.Errorf("%w: segment too large for one record: %d bytes", ErrDecode, len(seg.Data))
		}

		check := byte(len(seg.Data))

		var addr [4]byte
		binary.BigEndian.PutUint32(addr[:], seg.Offset)

		for _, b := range addr {
			check += b
		}

		for _, b := range seg.Data {
			check += b
		}

		buf.WriteByte(':')

		enc := hex.NewEncoder(&buf)
		_, _ = enc.Write([]byte{byte(len(seg.Data))})
		_, _ = enc.Write(addr[:])
		_, _ = buf.WriteString("00")
		_, _ = enc.Write(seg.Data)
		_, _ = enc.Write([]byte{1 + ^check})

		buf.WriteByte('\n')
	}

	buf.WriteString(":000000000001ff\n")

	return buf.Bytes(), nil
}

func (h *HexEncoding) UnmarshalText(bs []byte) error {
	lines := bufio.NewScanner(bytes.NewReader(bs))

	for lines.Scan() {
		rec := lines.Bytes()

		if len(rec) == 0 {
			continue
		} else if rec[0] != ':' {
			return fmt.Errorf("%w: line does not start with ':'", errInvalidHex)
		} else if len(rec) < 15 {
			return fmt.Errorf("%w: record too short", errInvalidHex)
		}

		var (
			recLen   byte
			recAddr  uint32
			recKind  kind
			recCheck byte
			check    byte
			dec      [4]byte
		)

		if _, err := hex.Decode(dec[:1], rec[1:3]); err != nil {
			return fmt.Errorf("%w: len: %w", errInvalidHex, err)
		}

		recLen = dec[0]
		check += dec[0]

		if _, err := hex.Decode(dec[:4], rec[3:11]); err != nil {
			return fmt.Errorf("%w: addr: %w", errInvalidHex, err)
		}

		recAddr = binary.BigEndian.Uint32(dec[:4])

		for _, b := range dec[:4] {
			check += b
		}

		if _, err := hex.Decode(dec[:1], rec[11:13]); err != nil {
			return fmt.Errorf("%w: type: %w", errInvalidHex, err)
		}

		recKind = kind(dec[0])
		check += dec[0]

		if _, err := hex.Decode(dec[:1], rec[len(rec)-2:]); err != nil {
			return fmt.Errorf("%w: check: %w", errInvalidHex, err)
		}

		recCheck = dec[0]

		if len(rec) < 15+int(recLen)*2 {
			return fmt.Errorf("%w: record too short for declared length", errInvalidHex)
		}

		switch recKind {
		case kindData:
			data := make([]byte, recLen)

			if recLen > 0 {
				if _, err := hex.Decode(data, rec[13:13+int(recLen)*2]); err != nil {
					return fmt.Errorf("%w: data: %w", errInvalidHex, err)
				}
			}

			for _, b := range data {
				check += b
			}

			check = 1 + ^check
			if check != recCheck {
				return fmt.Errorf("%w: checksum invalid: %02x != %02x", errInvalidHex, check, recCheck)
			}

			h.Segments = append(h.Segments, Segment{Offset: recAddr, Data: data})
		case kindEOF:
			check = 1 + ^check
			if check != recCheck {
				return fmt.Errorf("%w: checksum invalid: %02x != %02x", errInvalidHex, check, recCheck)
			}

			if len(h.Segments) == 0 {
				return errEmpty
			}

			return nil
		default:
			return fmt.Errorf("%w: unexpected record type: %d", errInvalidHex, recKind)
		}
	}

	if len(h.Segments) == 0 {
		return errEmpty
	}

	return nil
}

// kind represents the type of encoded record. Only the subset of record types supported by the
// encoder are implemented.
type kind byte

const (
	kindData kind = 0
	kindEOF  kind = 1
)

type decodingError struct{}

func (decodingError) Error() string {
	return "decoding error"
}

func (de *decodingError) Is(err error) bool {
	if de == err {
		return true
	}

	_, ok := err.(*decodingError)

	return ok
}

var (
	// ErrDecode is a wrapped error returned when encoding or decoding fails.
	ErrDecode = &decodingError{}

	errEmpty      = fmt.Errorf("%w: no data decoded", ErrDecode)
	errInvalidHex = fmt.Errorf("%w: invalid encoding", ErrDecode)
)
