package helpers

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeLogField makes a message-supplied value safe for a single journal
// line. Line breaks and other control characters become spaces so a crafted
// subject or file name cannot forge additional entries.
func SanitizeLogField(s string) string {
	s = SanitizeUTF8(s)
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}
