package xaprs

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"xaprsd/aprs"
)

// IsCleanText reports whether s can be embedded as XML character data. C0
// controls other than tab, LF and CR disqualify it.
func IsCleanText(s string) bool {
	for _, r := range s {
		if r >= 32 {
			continue
		}
		if r < 9 || r == 11 || r == 12 || r >= 14 {
			return false
		}
	}
	return true
}

// DecodeText decodes raw as UTF-8. Each maximal invalid subsequence, a lead
// byte plus the continuation bytes that still fit it, becomes one U+FFFD.
// It never fails.
func DecodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	var b strings.Builder
	b.Grow(len(raw) + 2)
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
			raw = raw[invalidPrefixLen(raw):]
			continue
		}
		b.Write(raw[:size])
		raw = raw[size:]
	}
	return b.String()
}

// invalidPrefixLen is the length of the truncated sequence at the start of p,
// which does not decode. Bytes that cannot start a sequence count as one.
func invalidPrefixLen(p []byte) int {
	need, lo, hi := 0, byte(0x80), byte(0xBF)
	switch b := p[0]; {
	case b >= 0xC2 && b <= 0xDF:
		need = 1
	case b == 0xE0:
		need, lo = 2, 0xA0
	case b == 0xED:
		need, hi = 2, 0x9F
	case b >= 0xE1 && b <= 0xEF:
		need = 2
	case b == 0xF0:
		need, lo = 3, 0x90
	case b == 0xF4:
		need, hi = 3, 0x8F
	case b >= 0xF1 && b <= 0xF3:
		need = 3
	default:
		return 1
	}
	n := 1
	for n <= need && n < len(p) && p[n] >= lo && p[n] <= hi {
		lo, hi = 0x80, 0xBF
		n++
	}
	return n
}

// DecodeLatin1 maps every byte to the code point of the same value.
func DecodeLatin1(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// LegacyPayload picks the legacy block content for one upstream line: the
// Latin-1 text with trailing whitespace removed, or base64 of the raw bytes
// when that text is not clean.
func LegacyPayload(raw []byte) Legacy {
	text := DecodeLatin1(raw)
	if !IsCleanText(text) {
		return Legacy{Text: base64.StdEncoding.EncodeToString(raw), Base64: true}
	}
	return Legacy{Text: aprs.TrimTextRight(text)}
}
