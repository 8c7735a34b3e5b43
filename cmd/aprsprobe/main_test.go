package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"xaprsd/aprs"
)

func TestLoginLineWithFilter(t *testing.T) {
	if got := loginLine("N0CALL", ""); got != "user N0CALL pass -1 vers XAPRSProxy 04.01\n" {
		t.Fatalf("unexpected login %q", got)
	}
	if got := loginLine("N0CALL", "r/49/-72/200"); got != "user N0CALL pass -1 vers XAPRSProxy 04.01 filter r/49/-72/200\n" {
		t.Fatalf("unexpected filtered login %q", got)
	}
}

func TestProbePrintsRecordsAndStanzas(t *testing.T) {
	feed := "# aprsc 2.1.19\r\n" +
		"N0CALL>APRS,TCPIP*:!4903.50N/07201.75W-Test\r\n" +
		"garbage without sender\r\n" +
		"W1AW-9>APDR16,TCPIP*:>status text\r\n" +
		"N0CALL>APRS,TCPIP*:>not reached\r\n"
	var out bytes.Buffer
	cfg := probeConfig{mode: aprs.PositionStandard, count: 3, comments: true}
	if err := probe(bufio.NewReader(strings.NewReader(feed)), &out, cfg); err != nil {
		t.Fatalf("probe: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"# aprsc 2.1.19",
		"lat=49.05833 lon=-72.02917",
		`id="aprs-f000"`,
		"ERR no_sender",
		`id="aprs-f001"`,
		"from=W1AW-9 call=W1AW to=APDR16",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in output:\n%s", want, text)
		}
	}
	if strings.Contains(text, "not reached") {
		t.Fatalf("probe should stop after count data lines:\n%s", text)
	}
	if strings.Contains(text, "\x1b[") {
		t.Fatal("plain output must not contain ANSI escapes")
	}
}

func TestProbeStopsAtEOFAndColorizes(t *testing.T) {
	var out bytes.Buffer
	cfg := probeConfig{mode: aprs.PositionLegacy, pretty: true}
	if err := probe(bufio.NewReader(strings.NewReader("N0CALL>APRS,TCPIP*:>hi")), &out, cfg); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(out.String(), "\x1b[") {
		t.Fatalf("expected colorized stanza, got %q", out.String())
	}
}
