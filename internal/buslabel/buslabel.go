// Package buslabel converts between application ids and object path
// segments using the systemd bus-label rules: every byte outside
// [A-Za-z0-9] becomes "_xx" (lowercase hex) and the empty string becomes "_".
package buslabel

import "strings"

const hexDigits = "0123456789abcdef"

// Escape turns an arbitrary string into a valid object path segment.
func Escape(s string) string {
	if s == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// Unescape reverses Escape. A lone "_" yields the empty string. An "_" not
// followed by two hex digits is kept as is.
func Unescape(label string) string {
	if label == "_" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(label))
	for i := 0; i < len(label); i++ {
		if label[i] == '_' && i+2 < len(label) {
			hi, okHi := unhex(label[i+1])
			lo, okLo := unhex(label[i+2])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(label[i])
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
