// pkg/macaddr/macaddr.go
package macaddr

import (
	"regexp"
	"strings"
)

// Several panels hand out device identifiers that are not strict hex, so the
// default patterns accept any alphanumerics. Callers that need strict hex use
// NormalizeStrict.
var (
	groupedRe    = regexp.MustCompile(`^[0-9a-zA-Z]{1,2}([:-][0-9a-zA-Z]{1,2}){5}$`)
	contiguousRe = regexp.MustCompile(`^[0-9a-zA-Z]{12}$`)
	hexRe        = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)
	splitRe      = regexp.MustCompile(`[\s,;]+`)
)

// Normalize extracts the first device identifier from free-form text and
// returns it in canonical aa:bb:cc:dd:ee:ff form. The second return is false
// when no token matches.
func Normalize(text string) (string, bool) {
	for _, tok := range splitRe.Split(text, -1) {
		if tok == "" {
			continue
		}
		if groupedRe.MatchString(tok) {
			return canonGrouped(tok), true
		}
		if contiguousRe.MatchString(tok) {
			return canonContiguous(tok), true
		}
	}
	return "", false
}

// NormalizeStrict is Normalize plus a strict-hex check on the result.
func NormalizeStrict(text string) (string, bool) {
	mac, ok := Normalize(text)
	if !ok || !hexRe.MatchString(mac) {
		return "", false
	}
	return mac, true
}

func canonGrouped(tok string) string {
	return strings.ToLower(strings.ReplaceAll(tok, "-", ":"))
}

func canonContiguous(tok string) string {
	tok = strings.ToLower(tok)
	var b strings.Builder
	for i := 0; i < len(tok); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(tok[i : i+2])
	}
	return b.String()
}
