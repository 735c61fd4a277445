// Package encoding provides text decoding for the legacy encodings found in
// MikuMikuDance model files.
package encoding

import (
	"bytes"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ShiftJISToUTF8 converts Shift-JIS encoded bytes to a UTF-8 string.
// Returns the original bytes as a string if conversion fails.
func ShiftJISToUTF8(data []byte) string {
	result, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), data)
	if err != nil {
		return string(data)
	}
	return string(result)
}

// UTF8ToShiftJIS converts a UTF-8 string to Shift-JIS bytes.
// Returns the original bytes if conversion fails.
func UTF8ToShiftJIS(s string) []byte {
	result, _, err := transform.Bytes(japanese.ShiftJIS.NewEncoder(), []byte(s))
	if err != nil {
		return []byte(s)
	}
	return result
}

// UTF16LEToUTF8 converts little-endian UTF-16 bytes to a UTF-8 string.
func UTF16LEToUTF8(data []byte) string {
	result, _, err := transform.Bytes(utf16LE.NewDecoder(), data)
	if err != nil {
		return ""
	}
	return string(result)
}

// UTF8ToUTF16LE converts a UTF-8 string to little-endian UTF-16 bytes.
func UTF8ToUTF16LE(s string) []byte {
	result, _, err := transform.Bytes(utf16LE.NewEncoder(), []byte(s))
	if err != nil {
		return nil
	}
	return result
}

// FixedShiftJIS decodes a fixed-size, null-terminated Shift-JIS field.
// PMD pads unused bytes after the terminator with 0xFD, which is discarded
// along with everything else past the first null.
func FixedShiftJIS(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return ShiftJISToUTF8(data)
}

// UTF8ToFixedShiftJIS encodes s into a null-padded Shift-JIS field of size bytes.
func UTF8ToFixedShiftJIS(s string, size int) []byte {
	result := make([]byte, size)
	copy(result, UTF8ToShiftJIS(s))
	return result
}
