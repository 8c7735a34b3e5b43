package xaprs

import (
	"bytes"

	"github.com/fatih/color"
)

// Renderer turns an encoded stanza into the bytes written to one port.
// Implementations must not modify their input; it is shared by all sessions.
type Renderer func(encoded []byte) []byte

// RawRenderer writes stanzas unchanged.
func RawRenderer(encoded []byte) []byte {
	return encoded
}

// Colors are forced on: the pretty port is meant for terminals attached via
// nc/telnet, and the daemon's own stdout says nothing about them.
var (
	tagColor     = forced(color.FgBlue, color.Bold)
	attrColor    = forced(color.FgCyan)
	valueColor   = forced(color.FgYellow)
	commentColor = forced(color.FgHiBlack)
)

func forced(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	c.EnableColor()
	return c
}

// PrettyRenderer colorizes tags, attribute names, attribute values and
// comments. Character data and line breaks pass through untouched, so
// stripping the escape sequences yields the input again.
func PrettyRenderer(encoded []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(encoded) * 2)
	rest := encoded
	for len(rest) > 0 {
		switch {
		case bytes.HasPrefix(rest, []byte("<!--")):
			n := bytes.Index(rest, []byte("-->"))
			if n < 0 {
				n = len(rest)
			} else {
				n += 3
			}
			out.WriteString(commentColor.Sprint(string(rest[:n])))
			rest = rest[n:]
		case rest[0] == '<':
			n := bytes.IndexByte(rest, '>')
			if n < 0 {
				n = len(rest)
			} else {
				n++
			}
			colorizeTag(&out, rest[:n])
			rest = rest[n:]
		default:
			n := bytes.IndexByte(rest, '<')
			if n < 0 {
				n = len(rest)
			}
			out.Write(rest[:n])
			rest = rest[n:]
		}
	}
	return out.Bytes()
}

func colorizeTag(out *bytes.Buffer, tag []byte) {
	i := 1
	for i < len(tag) && (tag[i] == '/' || tag[i] == '?') {
		i++
	}
	for i < len(tag) && !isXMLSpace(tag[i]) && tag[i] != '>' && tag[i] != '/' && tag[i] != '?' {
		i++
	}
	out.WriteString(tagColor.Sprint(string(tag[:i])))
	rest := tag[i:]
	for len(rest) > 0 {
		c := rest[0]
		switch {
		case isXMLSpace(c), c == '=':
			out.WriteByte(c)
			rest = rest[1:]
		case c == '"' || c == '\'':
			n := bytes.IndexByte(rest[1:], c)
			if n < 0 {
				n = len(rest)
			} else {
				n += 2
			}
			out.WriteString(valueColor.Sprint(string(rest[:n])))
			rest = rest[n:]
		case c == '>' || c == '/' || c == '?':
			out.WriteString(tagColor.Sprint(string(rest)))
			rest = nil
		default:
			n := bytes.IndexAny(rest, " \t\r\n=\"'>/")
			if n <= 0 {
				n = len(rest)
			}
			out.WriteString(attrColor.Sprint(string(rest[:n])))
			rest = rest[n:]
		}
	}
}

func isXMLSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
