// Package textx provides small text utilities used across the project.
package textx

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 80

var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug turns an arbitrary title into a filesystem-safe name: Unicode is
// normalized to ASCII, forbidden characters and whitespace become underscores,
// runs of underscores collapse, and the result is trimmed and capped at 80
// characters. Empty input falls back to "unnamed".
func Slug(s string) string {
	if folded, _, err := transform.String(asciiFold, s); err == nil {
		s = folded
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r > unicode.MaxASCII:
			// dropped entirely; anything representable survived the fold
		case strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsSpace(r) || unicode.IsControl(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_.")
	if len(out) > maxSlugLen {
		out = strings.Trim(out[:maxSlugLen], "_.")
	}
	if out == "" {
		return "unnamed"
	}
	return out
}

// Timecode renders a duration as MM:SS, switching to HH:MM:SS past an hour.
func Timecode(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// ParseDuration parses podcast duration strings: "HH:MM:SS", "MM:SS", or a
// plain number of seconds. Returns 0 for anything unparseable.
func ParseDuration(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) == 1 {
		if n, err := strconv.Atoi(parts[0]); err == nil && n >= 0 {
			return n
		}
		if f, err := strconv.ParseFloat(parts[0], 64); err == nil && f >= 0 {
			return int(f)
		}
		return 0
	}
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
