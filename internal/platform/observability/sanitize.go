package observability

import (
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// clean drops control characters except tab and truncates to limit runes.
func clean(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	var b strings.Builder
	b.Grow(min(len(value), limit))
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// MaskEmail keeps the first character of the local part and the domain, e.g. "a***@example.com".
func MaskEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" {
		if addr == "" {
			return ""
		}
		return "***"
	}
	first := []rune(local)[0]
	return clean(string(first)+"***@"+domain, 128)
}
