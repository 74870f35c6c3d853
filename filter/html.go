package filter

import (
	"io"
	"regexp"

	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
)

const (
	ReasonHTMLScript   = "HTML/Script tag(s) found"
	ReasonHTMLNoScript = "HTML/No scripts"
)

var scriptTag = regexp.MustCompile(`(?is)<script[\s\S]*?>[\s\S]*?</script>`)

// DetectScript reports whether r contains a <script> element. Read errors
// are logged and treated as no script found.
func DetectScript(r io.Reader) bool {
	data, err := io.ReadAll(r)
	if err != nil {
		metrics.InspectorErrors.WithLabelValues("html", "io").Inc()
		logger.Warn("HTML inspection read failed", "error", err)
		return false
	}
	return scriptTag.Match(data)
}

// InspectHTML wraps DetectScript into a verdict.
func InspectHTML(r io.Reader) Verdict {
	if DetectScript(r) {
		return newVerdict(RemoveAttachment, ReasonHTMLScript)
	}
	return newVerdict(Accept, ReasonHTMLNoScript)
}
