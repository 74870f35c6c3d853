package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*.zip", "a.zip", true},
		{"*.zip", "a.zipx", false},
		{"rep?rt.doc", "report.doc", true},
		{"rep?rt.doc", "repoort.doc", false},
		{"", "", true},
		{"", "a", false},
		{"invoice.pdf", "invoice.pdf", true},
		{"invoice.pdf", "invoiceXpdf", false},
		{"*.ZIP", "a.zip", false},
		{"a+b(1).[x]", "a+b(1).[x]", true},
		{"*", "multi\nline", true},
		{"*@example.com", "user@example.com", true},
		{"*@example.com", "user@example.com.evil", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.name))
		})
	}
}

func TestCompilePatternCaseInsensitive(t *testing.T) {
	p := CompilePattern("*.EXE", true)
	assert.True(t, p.Match("setup.exe"))
	assert.True(t, p.Match("SETUP.Exe"))
	assert.Equal(t, "*.EXE", p.String())
}

func TestPatternListMatchAny(t *testing.T) {
	l := CompilePatterns([]string{"*.exe", "*.scr"}, false)
	assert.True(t, l.MatchAny("x.scr"))
	assert.False(t, l.MatchAny("x.pdf"))
	assert.False(t, PatternList(nil).MatchAny("x.exe"))
	assert.Equal(t, []string{"*.exe", "*.scr"}, l.Strings())
}

func TestZeroPatternNeverMatches(t *testing.T) {
	assert.False(t, Pattern{raw: "*"}.Match("anything"))
}
