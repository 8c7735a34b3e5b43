package aprs

import (
	"fmt"
	"strconv"
	"strings"
)

// PositionMode selects how the payload is searched for a position.
type PositionMode uint8

const (
	// PositionLegacy decodes only the first space-delimited payload field and
	// reads the degree/minute/"second" digit groups at fixed offsets. Output
	// is bit-compatible with the original xaprsd feed.
	PositionLegacy PositionMode = iota
	// PositionStandard decodes an APRS uncompressed position report
	// (DDMM.mmH / DDDMM.mmH) and keeps the comment after the symbol code
	// as the body.
	PositionStandard
)

// ParsePositionMode maps a configuration value to a PositionMode. The empty
// string selects the legacy decoder.
func ParsePositionMode(value string) (PositionMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "legacy":
		return PositionLegacy, nil
	case "standard":
		return PositionStandard, nil
	default:
		return PositionLegacy, fmt.Errorf("unknown position mode %q (want legacy or standard)", value)
	}
}

func (m PositionMode) String() string {
	if m == PositionStandard {
		return "standard"
	}
	return "legacy"
}

func decodeLegacy(payload string) (*Position, string) {
	data, rest, ok := strings.Cut(payload, " ")
	if !ok {
		return nil, TrimText(payload)
	}
	return legacyPosition(data), TrimText(rest)
}

// legacyPosition works on runes so the offsets count characters, not bytes.
//
// The minutes field is read as whole minutes (x[2:4]) plus the two digits
// after the decimal point taken as seconds (x[5:7]). That is not how APRS
// encodes hundredths of a minute, but feeds built on this decoder depend on
// the exact values, so the offsets stay.
func legacyPosition(field string) *Position {
	data := []rune(field)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '@' || data[0] == '/' {
		for i, r := range data {
			if r == 'z' {
				data = data[i+1:]
				break
			}
		}
	}
	if len(data) == 0 || (data[0] != '=' && data[0] != '!') {
		return nil
	}

	lat, ok := legacyDegrees(runeSlice(data, 1, 9), 2, 'S')
	if !ok {
		return nil
	}
	lon, ok := legacyDegrees(runeSlice(data, 10, 19), 3, 'W')
	if !ok {
		return nil
	}
	return boundedPosition(lat, lon)
}

// legacyDegrees decodes DD(D)MM.ssH. The hemisphere is the last character of
// the (possibly short) slice.
func legacyDegrees(field []rune, degWidth int, negative rune) (float64, bool) {
	deg, ok := digits(runeSlice(field, 0, degWidth))
	if !ok {
		return 0, false
	}
	min, ok := digits(runeSlice(field, degWidth, degWidth+2))
	if !ok {
		return 0, false
	}
	sec, ok := digits(runeSlice(field, degWidth+3, degWidth+5))
	if !ok {
		return 0, false
	}
	value := float64(deg) + float64(min)/60 + float64(sec)/3600
	if field[len(field)-1] == negative {
		value = -value
	}
	return value, true
}

func decodeStandard(payload string) (*Position, string) {
	body := TrimText(payload)
	if payload == "" {
		return nil, body
	}
	var report string
	switch payload[0] {
	case '!', '=':
		report = payload[1:]
	case '/', '@':
		// 7-character timestamp (DDHHMMz, HHMMSSh or DDHHMM/)
		if len(payload) < 8 {
			return nil, body
		}
		report = payload[8:]
	default:
		return nil, body
	}
	// lat(8) table(1) lon(9) symbol(1)
	if len(report) < 19 {
		return nil, body
	}
	lat, ok := standardDegrees(report[0:8], 2, 'N', 'S')
	if !ok {
		return nil, body
	}
	lon, ok := standardDegrees(report[9:18], 3, 'E', 'W')
	if !ok {
		return nil, body
	}
	pos := boundedPosition(lat, lon)
	if pos == nil {
		return nil, body
	}
	return pos, TrimText(report[19:])
}

// standardDegrees decodes DD(D)MM.mmH with minutes as a decimal value.
func standardDegrees(field string, degWidth int, positive, negative byte) (float64, bool) {
	if len(field) != degWidth+6 || field[degWidth+2] != '.' {
		return 0, false
	}
	deg, ok := digitsString(field[:degWidth])
	if !ok {
		return 0, false
	}
	whole, ok := digitsString(field[degWidth : degWidth+2])
	if !ok {
		return 0, false
	}
	hundredths, ok := digitsString(field[degWidth+3 : degWidth+5])
	if !ok || whole >= 60 {
		return 0, false
	}
	value := float64(deg) + (float64(whole)+float64(hundredths)/100)/60
	switch field[len(field)-1] {
	case positive:
	case negative:
		value = -value
	default:
		return 0, false
	}
	return value, true
}

func boundedPosition(lat, lon float64) *Position {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil
	}
	return &Position{Lat: lat, Lon: lon}
}

// runeSlice clamps like a Python slice: out-of-range bounds shorten the
// result instead of failing.
func runeSlice(s []rune, start, end int) []rune {
	if start > len(s) {
		start = len(s)
	}
	if end > len(s) {
		end = len(s)
	}
	if start > end {
		start = end
	}
	return s[start:end]
}

func digits(s []rune) (int, bool) {
	if len(s) == 0 {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func digitsString(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}
