package xaprs

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
)

// SourceURL is announced in the stream banner.
const SourceURL = "https://github.com/horazont/xaprsd"

// Stanza layout. The default jabber:client namespace is declared on the
// stream header, so message itself carries no xmlns.
//
// From/To are taken verbatim from the parsed line. Source is cut at the
// first '>' and Destination at the first ',' so neither can break out of an
// attribute once escaped; no JID validation is done on them.
type stanza struct {
	XMLName xml.Name      `xml:"message"`
	From    string        `xml:"from,attr"`
	To      string        `xml:"to,attr"`
	Type    string        `xml:"type,attr"`
	ID      string        `xml:"id,attr"`
	Body    string        `xml:"body,omitempty"`
	GeoLoc  *geolocStanza `xml:"http://jabber.org/protocol/geoloc geoloc,omitempty"`
	Legacy  legacyStanza  `xml:"urn:xaprs:legacy aprs1"`
}

type geolocStanza struct {
	Lat string `xml:"lat"`
	Lon string `xml:"lon"`
}

type legacyStanza struct {
	Text string `xml:",chardata"`
}

func encodeStanza(msg *Message) ([]byte, error) {
	s := stanza{
		From:   msg.From,
		To:     msg.To,
		Type:   "normal",
		ID:     msg.ID,
		Body:   msg.Body,
		Legacy: legacyStanza{Text: msg.Legacy.Text},
	}
	if msg.GeoLoc != nil {
		s.GeoLoc = &geolocStanza{
			Lat: formatDegrees(msg.GeoLoc.Lat),
			Lon: formatDegrees(msg.GeoLoc.Lon),
		}
	}
	out, err := xml.MarshalIndent(&s, "", "  ")
	if err != nil {
		return nil, err
	}
	out = append(out, '\n')
	return crlf(out), nil
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func crlf(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}

// Preamble is written once per subscriber before any stanza: the XML
// declaration, the banner comment, then the open stream header.
func Preamble(from, admin, streamID string) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString("<!-- Welcome to xaprsd. Have fun with your stream!\n")
	b.WriteString("     This software is licensed under AGPLv3.\n")
	b.WriteString("     Get the source code at " + SourceURL + "\n")
	b.WriteString("     Problems with this feed? contact " + commentSafe(admin) + " -->\n")
	b.WriteString(`<stream:stream xmlns="` + NSClient + `" xmlns:stream="` + NSStream + `" version="1.0" to="APRS" from="`)
	xml.EscapeText(&b, []byte(from))
	b.WriteString(`" id="`)
	xml.EscapeText(&b, []byte(streamID))
	b.WriteString("\">\n")
	return crlf(b.Bytes())
}

// Footer closes the stream opened by Preamble.
func Footer() []byte {
	return []byte("</stream:stream>\r\n")
}

// commentSafe keeps arbitrary text from terminating the banner comment early.
// "--" is not allowed inside an XML comment, and neither is a trailing '-'.
func commentSafe(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || !IsCleanText(string(r)) {
			return ' '
		}
		return r
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "- -")
	}
	if strings.HasSuffix(s, "-") {
		s += " "
	}
	return s
}
