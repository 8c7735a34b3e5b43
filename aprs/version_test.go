package aprs

import "testing"

func TestVersionFromTocall(t *testing.T) {
	cases := map[string]int{
		"APAND1":  1,
		"APAND2":  0,
		"APDR16":  16,
		"APDR07":  7,
		"APDR1":   0,
		"APDRXX":  0,
		"APDR123": 12,
		"APRS":    0,
		"":        0,
	}
	for tocall, want := range cases {
		if got := VersionFromTocall(tocall); got != want {
			t.Fatalf("VersionFromTocall(%q) = %d, want %d", tocall, got, want)
		}
	}
}
