package aprs

import "strings"

// Known tocalls that announce a client protocol version. The table is closed:
// anything not listed maps to version 0.
var exactTocallVersions = map[string]int{
	"APAND1": 1,
}

// Prefix rules read a fixed number of decimal digits right after the prefix
// ("APDR16" -> 16).
var prefixTocallVersions = []struct {
	prefix string
	digits int
}{
	{prefix: "APDR", digits: 2},
}

// VersionFromTocall derives the protocol version from a destination token.
func VersionFromTocall(tocall string) int {
	if v, ok := exactTocallVersions[tocall]; ok {
		return v
	}
	for _, rule := range prefixTocallVersions {
		if !strings.HasPrefix(tocall, rule.prefix) {
			continue
		}
		rest := tocall[len(rule.prefix):]
		if len(rest) < rule.digits {
			continue
		}
		if v, ok := digitsString(rest[:rule.digits]); ok {
			return v
		}
	}
	return 0
}
