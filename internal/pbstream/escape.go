package pbstream

import (
	"bytes"
	"fmt"
)

const (
	escByte     = 0x1B
	newlineByte = 0x0A
	carriageRet = 0x0D

	// escXor is applied to a reserved byte to produce its escaped form.
	escXor = 0x20
)

func isReserved(b byte) bool {
	return b == escByte || b == newlineByte || b == carriageRet
}

// EncodeLine escapes every reserved byte of plain. The result never contains
// 0x0A or 0x0D and is safe to write as a single line.
func EncodeLine(plain []byte) []byte {
	n := 0
	for _, b := range plain {
		if isReserved(b) {
			n++
		}
	}
	if n == 0 {
		return append([]byte(nil), plain...)
	}

	out := make([]byte, 0, len(plain)+n)
	for _, b := range plain {
		if isReserved(b) {
			out = append(out, escByte, b^escXor)
			continue
		}
		out = append(out, b)
	}
	return out
}

// DecodeLine reverses EncodeLine. Lines without an escape byte are returned
// as-is; callers must not modify the result.
func DecodeLine(raw []byte) ([]byte, error) {
	first := bytes.IndexByte(raw, escByte)
	if first < 0 {
		return raw, nil
	}

	out := make([]byte, first, len(raw))
	copy(out, raw[:first])
	for i := first; i < len(raw); i++ {
		b := raw[i]
		if b != escByte {
			out = append(out, b)
			continue
		}
		if i+1 >= len(raw) {
			return nil, fmt.Errorf("%w: trailing escape byte at offset %d", ErrMalformedEscape, i)
		}
		orig := raw[i+1] ^ escXor
		if !isReserved(orig) {
			return nil, fmt.Errorf("%w: invalid escape 0x%02X at offset %d", ErrMalformedEscape, raw[i+1], i+1)
		}
		out = append(out, orig)
		i++
	}
	return out, nil
}

// SplitLines splits a raw stream on 0x0A. A terminator on the final line does
// not produce a trailing empty line; empty lines in between are preserved.
func SplitLines(raw []byte) [][]byte {
	if len(raw) == 0 {
		return nil
	}
	lines := bytes.Split(raw, []byte{newlineByte})
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
