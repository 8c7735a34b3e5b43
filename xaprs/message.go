// Package xaprs turns parsed APRS records into X-APRS message stanzas and
// frames them as an XML stream for downstream subscribers.
package xaprs

import (
	"errors"
	"fmt"
	"sync/atomic"

	"xaprsd/aprs"
)

const (
	NSClient = "jabber:client"
	NSStream = "http://etherx.jabber.org/streams"
	NSGeoLoc = "http://jabber.org/protocol/geoloc"
	NSLegacy = "urn:xaprs:legacy"
)

// IDPrefix is prepended to the zero-padded sequence number in message ids.
const IDPrefix = "aprs-f"

// GeoLoc is the XEP-0080 position block in signed decimal degrees.
type GeoLoc struct {
	Lat float64
	Lon float64
}

// Legacy carries the original line. When the line is not clean text it holds
// the base64 form of the raw bytes and Base64 is set.
type Legacy struct {
	Text   string
	Base64 bool
}

// Message is one outgoing stanza. It is built once, shared read-only by every
// subscriber queue, and never mutated after Build returns.
type Message struct {
	Seq        uint64
	ID         string
	From       string
	To         string
	Body       string // empty when omitted
	GeoLoc     *GeoLoc
	Legacy     Legacy
	SourceCall string
	Path       string
	Version    int

	// Encoded is the serialized stanza (CRLF line endings), ready to write.
	Encoded []byte
}

// Counter hands out process-lifetime sequence numbers starting at 0.
type Counter struct {
	next atomic.Uint64
}

func NewCounter() *Counter {
	return &Counter{}
}

// Next returns the current value and advances the counter.
func (c *Counter) Next() uint64 {
	return c.next.Add(1) - 1
}

// Peek returns the value the next call to Next will hand out.
func (c *Counter) Peek() uint64 {
	return c.next.Load()
}

// FormatID renders a sequence number as a stanza id. Values past 999 widen
// the field instead of wrapping.
func FormatID(seq uint64) string {
	return fmt.Sprintf("%s%03d", IDPrefix, seq)
}

// Build assembles and encodes the stanza for rec. raw is the exact line as
// received from upstream; it feeds the legacy block.
func Build(rec *aprs.Record, raw []byte, seq uint64) (*Message, error) {
	if rec == nil {
		return nil, errors.New("xaprs: nil record")
	}
	msg := &Message{
		Seq:        seq,
		ID:         FormatID(seq),
		From:       rec.Source,
		To:         rec.Destination,
		Legacy:     LegacyPayload(raw),
		SourceCall: rec.SourceCall,
		Path:       rec.Path,
		Version:    rec.Version,
	}
	if rec.Body != "" && IsCleanText(rec.Body) {
		msg.Body = rec.Body
	}
	if rec.Position != nil {
		msg.GeoLoc = &GeoLoc{Lat: rec.Position.Lat, Lon: rec.Position.Lon}
	}
	encoded, err := encodeStanza(msg)
	if err != nil {
		return nil, fmt.Errorf("xaprs: encode %s: %w", msg.ID, err)
	}
	msg.Encoded = encoded
	return msg, nil
}
