package simstring

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// codec converts between Go strings and the fixed-width code units a
// database stores. The unit width is a database-wide property recorded in
// the master header: 1 (raw bytes), 2 (UTF-16LE) or 4 (UTF-32LE).
type codec struct {
	width int
}

func newCodec(width int) (codec, error) {
	switch width {
	case 1, 2, 4:
		return codec{width: width}, nil
	}
	return codec{}, fmt.Errorf("%w: unsupported character size %d", ErrOpenFailure, width)
}

// encode renders s as little-endian code units of the codec's width.
func (c codec) encode(s string) ([]byte, error) {
	switch c.width {
	case 1:
		return []byte(s), nil
	case 2:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	case 4:
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	}
	return nil, fmt.Errorf("%w: unsupported character size %d", ErrOpenFailure, c.width)
}

// decode is the inverse of encode.
func (c codec) decode(units []byte) (string, error) {
	switch c.width {
	case 1:
		return string(units), nil
	case 2:
		b, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(units)
		return string(b), err
	case 4:
		b, err := utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM).NewDecoder().Bytes(units)
		return string(b), err
	}
	return "", fmt.Errorf("%w: unsupported character size %d", ErrOpenFailure, c.width)
}

// unit renders a single code point below U+0080 as one code unit. The
// n-gram generator uses it for the sentinel mark and ordinal digits.
func (c codec) unit(b byte) []byte {
	u := make([]byte, c.width)
	u[0] = b
	return u
}

// isNull reports whether the unit at off is the terminator.
func (c codec) isNull(units []byte, off int) bool {
	for i := 0; i < c.width; i++ {
		if units[off+i] != 0 {
			return false
		}
	}
	return true
}
