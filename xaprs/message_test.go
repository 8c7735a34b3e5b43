package xaprs

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"

	"xaprsd/aprs"
)

func TestBuildGoldenStanza(t *testing.T) {
	raw := []byte("N0CALL-9>APDR16,TCPIP*:!4903.50N/07201.75W- Test\r\n")
	rec := &aprs.Record{
		Source:      "N0CALL-9",
		SourceCall:  "N0CALL",
		Destination: "APDR16",
		Path:        "TCPIP*",
		Version:     16,
		Position:    &aprs.Position{Lat: 49.5, Lon: -72.25},
		Body:        "Test",
	}
	msg, err := Build(rec, raw, 7)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "<message from=\"N0CALL-9\" to=\"APDR16\" type=\"normal\" id=\"aprs-f007\">\r\n" +
		"  <body>Test</body>\r\n" +
		"  <geoloc xmlns=\"http://jabber.org/protocol/geoloc\">\r\n" +
		"    <lat>49.5</lat>\r\n" +
		"    <lon>-72.25</lon>\r\n" +
		"  </geoloc>\r\n" +
		"  <aprs1 xmlns=\"urn:xaprs:legacy\">N0CALL-9&gt;APDR16,TCPIP*:!4903.50N/07201.75W- Test</aprs1>\r\n" +
		"</message>\r\n"
	if string(msg.Encoded) != want {
		t.Fatalf("unexpected stanza:\n%s\nwant:\n%s", msg.Encoded, want)
	}
	if msg.ID != "aprs-f007" || msg.Seq != 7 || msg.SourceCall != "N0CALL" || msg.Version != 16 {
		t.Fatalf("unexpected message fields %+v", msg)
	}
}

func TestBuildOmitsOptionalBlocks(t *testing.T) {
	rec := &aprs.Record{Source: "A", Destination: "APRS", Body: "bell\x07"}
	msg, err := Build(rec, []byte("A>APRS,X:bell\x07"), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if msg.Body != "" {
		t.Fatalf("body with control characters must be dropped, got %q", msg.Body)
	}
	if msg.GeoLoc != nil {
		t.Fatalf("unexpected geoloc %+v", msg.GeoLoc)
	}
	if bytes.Contains(msg.Encoded, []byte("<body>")) || bytes.Contains(msg.Encoded, []byte("geoloc")) {
		t.Fatalf("optional blocks should be omitted:\n%s", msg.Encoded)
	}
	if !msg.Legacy.Base64 {
		t.Fatal("legacy block should fall back to base64")
	}

	empty, err := Build(&aprs.Record{Source: "A", Destination: "APRS"}, []byte("A>APRS,X:"), 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bytes.Contains(empty.Encoded, []byte("<body>")) {
		t.Fatalf("empty body should be omitted:\n%s", empty.Encoded)
	}
}

func TestBuildNilRecord(t *testing.T) {
	if _, err := Build(nil, nil, 0); err == nil {
		t.Fatal("expected error for nil record")
	}
}

type decodedMessage struct {
	XMLName xml.Name `xml:"message"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
	ID      string   `xml:"id,attr"`
	Body    string   `xml:"body"`
	GeoLoc  *struct {
		Lat float64 `xml:"lat"`
		Lon float64 `xml:"lon"`
	} `xml:"http://jabber.org/protocol/geoloc geoloc"`
	Legacy string `xml:"urn:xaprs:legacy aprs1"`
}

func TestBuildFromParsedLineIsWellFormed(t *testing.T) {
	raw := []byte("N0CALL-9>APDR16,TCPIP*:!4903.50N/07201.75W- <Test & \"quote\">\r\n")
	rec, err := aprs.ParseLegacy(DecodeText(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg, err := Build(rec, raw, 42)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var got decodedMessage
	if err := xml.Unmarshal(msg.Encoded, &got); err != nil {
		t.Fatalf("stanza does not decode: %v\n%s", err, msg.Encoded)
	}
	if got.From != "N0CALL-9" || got.To != "APDR16" || got.ID != "aprs-f042" {
		t.Fatalf("unexpected attributes %+v", got)
	}
	if got.Body != `<Test & "quote">` {
		t.Fatalf("unexpected body %q", got.Body)
	}
	if got.GeoLoc == nil || got.GeoLoc.Lat != rec.Position.Lat || got.GeoLoc.Lon != rec.Position.Lon {
		t.Fatalf("geoloc does not round-trip: %+v vs %+v", got.GeoLoc, rec.Position)
	}
	if got.Legacy != strings.TrimRight(string(raw), "\r\n") {
		t.Fatalf("unexpected legacy text %q", got.Legacy)
	}
}

func TestLegacyPayloadRoundTrip(t *testing.T) {
	clean := []byte("N0CALL>APRS,X:caf\xe9 \t \r\n")
	got := LegacyPayload(clean)
	if got.Base64 {
		t.Fatal("Latin-1 text without controls should stay plain")
	}
	if got.Text != "N0CALL>APRS,X:café" {
		t.Fatalf("unexpected legacy text %q", got.Text)
	}

	dirty := []byte("N0CALL>APRS,X:\x00\x1b[31mred\xff\r\n")
	got = LegacyPayload(dirty)
	if !got.Base64 {
		t.Fatal("control characters must force base64")
	}
	decoded, err := base64.StdEncoding.DecodeString(got.Text)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	if !bytes.Equal(decoded, dirty) {
		t.Fatalf("base64 must decode to the original bytes: %q vs %q", decoded, dirty)
	}
}

func TestIsCleanText(t *testing.T) {
	cases := map[string]bool{
		"":              true,
		"plain":         true,
		"tab\tcr\rlf\n": true,
		"nul\x00":       false,
		"bell\x07":      false,
		"vt\x0b":        false,
		"ff\x0c":        false,
		"esc\x1b":       false,
		"us\x1f":        false,
		"café ü €":      true,
		"\x7f":          true,
	}
	for s, want := range cases {
		if got := IsCleanText(s); got != want {
			t.Fatalf("IsCleanText(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestDecodeText(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "stray bytes", raw: "a\xff\xfeb", want: "a\uFFFD\uFFFDb"},
		{name: "lone byte", raw: "\xff", want: "\uFFFD"},
		{name: "truncated three byte", raw: "x\xe2\x82y", want: "x\uFFFDy"},
		{name: "truncated four byte", raw: "\xf0\x9f\x98", want: "\uFFFD"},
		{name: "truncated at end", raw: "ok\xe2\x82", want: "ok\uFFFD"},
		{name: "surrogate", raw: "\xed\xa0\x80", want: "\uFFFD\uFFFD\uFFFD"},
		{name: "overlong", raw: "\xc0\xaf", want: "\uFFFD\uFFFD"},
		{name: "bad second byte", raw: "\xe0\x80z", want: "\uFFFD\uFFFDz"},
		{name: "literal replacement char", raw: "\xef\xbf\xbd\xff", want: "\uFFFD\uFFFD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecodeText([]byte(tc.raw)); got != tc.want {
				t.Fatalf("DecodeText(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
	if got := DecodeText([]byte("grüß")); got != "grüß" {
		t.Fatalf("valid UTF-8 should pass through, got %q", got)
	}
	if got := DecodeLatin1([]byte{'a', 0xe9, 0xff}); got != "aéÿ" {
		t.Fatalf("unexpected Latin-1 decode %q", got)
	}
}

func TestCounterStrictlyIncreasing(t *testing.T) {
	c := NewCounter()
	if c.Next() != 0 || c.Next() != 1 || c.Peek() != 2 {
		t.Fatal("counter should start at 0 and advance by one")
	}

	const workers, per = 8, 500
	seen := make([]bool, 2+workers*per)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				v := c.Next()
				mu.Lock()
				if seen[v] {
					mu.Unlock()
					t.Errorf("sequence %d handed out twice", v)
					return
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for v := 2; v < len(seen); v++ {
		if !seen[v] {
			t.Fatalf("gap at %d", v)
		}
	}
}

func TestFormatIDWidens(t *testing.T) {
	cases := map[uint64]string{0: "aprs-f000", 7: "aprs-f007", 999: "aprs-f999", 1000: "aprs-f1000"}
	for seq, want := range cases {
		if got := FormatID(seq); got != want {
			t.Fatalf("FormatID(%d) = %q, want %q", seq, got, want)
		}
	}
}

func TestStreamDocumentIsWellFormed(t *testing.T) {
	var doc bytes.Buffer
	doc.Write(Preamble("XAPRS-1", "ops--team <ops@example.org>-", "0f8fad5b-d9cb-469f-a165-70867728950e"))
	for i := uint64(0); i < 3; i++ {
		msg, err := Build(&aprs.Record{Source: "A-1", Destination: "APRS", Body: "hi"}, []byte("A-1>APRS,X:hi"), i)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		doc.Write(msg.Encoded)
	}
	doc.Write(Footer())

	if !bytes.HasPrefix(doc.Bytes(), []byte("<?xml version=\"1.0\"?>\r\n<!-- Welcome to xaprsd.")) {
		t.Fatalf("unexpected preamble start:\n%s", doc.Bytes())
	}
	if bytes.Contains(bytes.ReplaceAll(doc.Bytes(), []byte("\r\n"), nil), []byte("\n")) {
		t.Fatal("every line must end in CRLF")
	}

	dec := xml.NewDecoder(&doc)
	var stanzas int
	var comment string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("stream is not well-formed: %v", err)
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			if tok.Name.Local == "stream" && tok.Name.Space != NSStream {
				t.Fatalf("unexpected stream namespace %q", tok.Name.Space)
			}
			if tok.Name.Local == "message" {
				if tok.Name.Space != NSClient {
					t.Fatalf("message should inherit %s, got %q", NSClient, tok.Name.Space)
				}
				stanzas++
			}
		case xml.Comment:
			comment = string(tok)
		}
	}
	if stanzas != 3 {
		t.Fatalf("expected 3 stanzas, got %d", stanzas)
	}
	if !strings.Contains(comment, "ops- -team <ops@example.org>-") || !strings.Contains(comment, SourceURL) {
		t.Fatalf("unexpected banner comment %q", comment)
	}
}

var ansi = regexp.MustCompile("\x1b\\[[0-9;]*m")

func TestPrettyRendererOnlyAddsColor(t *testing.T) {
	msg, err := Build(&aprs.Record{
		Source: "N0CALL", Destination: "APRS", Body: "x='1' / y",
		Position: &aprs.Position{Lat: 1.5, Lon: -2},
	}, []byte("N0CALL>APRS,X:!x y"), 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	input := append([]byte(nil), msg.Encoded...)
	pretty := PrettyRenderer(msg.Encoded)
	if !bytes.Equal(msg.Encoded, input) {
		t.Fatal("renderer must not modify the shared encoding")
	}
	if !bytes.Contains(pretty, []byte("\x1b[")) {
		t.Fatal("expected ANSI color sequences")
	}
	if stripped := ansi.ReplaceAll(pretty, nil); !bytes.Equal(stripped, msg.Encoded) {
		t.Fatalf("stripping colors should give the input back:\n%q\n%q", stripped, msg.Encoded)
	}
	if got := RawRenderer(msg.Encoded); !bytes.Equal(got, msg.Encoded) {
		t.Fatal("raw renderer must pass bytes through")
	}

	comment := []byte("<!-- note --> text")
	if stripped := ansi.ReplaceAll(PrettyRenderer(comment), nil); !bytes.Equal(stripped, comment) {
		t.Fatalf("unexpected comment rendering %q", stripped)
	}
}
