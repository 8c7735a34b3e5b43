// Package aprs decodes APRS-IS text lines into records.
//
// The decoder is lenient on purpose. A line without a sender, destination or
// payload separator is rejected; anything wrong inside the position data only
// drops the position and the record is still returned.
//
// Line layout:
//
//	SENDER>TOCALL,PATH...:PAYLOAD
//	N0CALL-9>APDR16,TCPIP*,qAC,T2EISLE:=4903.50N/07201.75W$ comment
package aprs

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrNoSender      = errors.New("missing '>' after sender")
	ErrNoDestination = errors.New("missing ',' after destination")
	ErrNoPayload     = errors.New("missing ':' before payload")
)

// ParseError reports a structural problem with one line.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("aprs: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Position is a decoded latitude/longitude pair in signed decimal degrees
// (north and east positive).
type Position struct {
	Lat float64
	Lon float64
}

// Record is one decoded line. Records are never mutated after Parse returns.
//
// Source never contains '>' and Destination never contains ',' or ':' since
// both are cut at the first occurrence of those separators; the stanza encoder
// relies on that and only escapes them.
type Record struct {
	Source      string    // sender as received, including any SSID ("N0CALL-9")
	SourceCall  string    // sender with the SSID stripped ("N0CALL")
	Destination string    // tocall, also the routing/version token
	Path        string    // digipeater/q-construct path, kept opaque
	Version     int       // derived from Destination, 0 when unknown
	Position    *Position // nil when the payload carries no decodable position
	Body        string    // trimmed free text
}

// Parse decodes one line. The line may still carry its CR/LF terminator.
func Parse(line string, mode PositionMode) (*Record, error) {
	call, rest, ok := strings.Cut(line, ">")
	if !ok {
		return nil, &ParseError{Line: line, Err: ErrNoSender}
	}
	tocall, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, &ParseError{Line: line, Err: ErrNoDestination}
	}
	path, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, &ParseError{Line: line, Err: ErrNoPayload}
	}

	rec := &Record{
		Source:      call,
		SourceCall:  baseCall(call),
		Destination: tocall,
		Path:        path,
		Version:     VersionFromTocall(tocall),
	}
	switch mode {
	case PositionStandard:
		rec.Position, rec.Body = decodeStandard(payload)
	default:
		rec.Position, rec.Body = decodeLegacy(payload)
	}
	return rec, nil
}

// ParseLegacy is Parse with the default legacy position decoder.
func ParseLegacy(line string) (*Record, error) {
	return Parse(line, PositionLegacy)
}

func baseCall(call string) string {
	base, _, _ := strings.Cut(call, "-")
	return base
}

// TrimText strips leading and trailing whitespace, including the ASCII
// information separators (0x1C-0x1F) that the feed treats as whitespace.
func TrimText(s string) string {
	return strings.TrimFunc(s, isTrimSpace)
}

// TrimTextRight is TrimText for the right-hand side only.
func TrimTextRight(s string) string {
	return strings.TrimRightFunc(s, isTrimSpace)
}

func isTrimSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}
