package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectScript(t *testing.T) {
	tests := []struct {
		name string
		html string
		want bool
	}{
		{"plain", "<html><body>Hello</body></html>", false},
		{"inline script", "<html><script>alert(1)</script></html>", true},
		{"upper case", "<SCRIPT type=\"text/javascript\">x()</SCRIPT>", true},
		{"multi line", "<script\n src=\"a.js\">\n</script>", true},
		{"unclosed", "<script>never closed", false},
		{"noscript only", "<noscript>enable js</noscript>", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectScript(strings.NewReader(tt.html)))
		})
	}
}

func TestDetectScriptReadErrorFailsOpen(t *testing.T) {
	assert.False(t, DetectScript(failingReader{}))
}

func TestInspectHTML(t *testing.T) {
	v := InspectHTML(strings.NewReader("<script>x</script>"))
	assert.Equal(t, RemoveAttachment, v.Status)
	assert.Equal(t, ReasonHTMLScript, v.Reason)

	v = InspectHTML(strings.NewReader("<p>hi</p>"))
	assert.Equal(t, Accept, v.Status)
	assert.Equal(t, ReasonHTMLNoScript, v.Reason)
}
