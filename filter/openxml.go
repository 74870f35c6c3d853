package filter

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/klauspost/compress/zip"
	"github.com/migadu/eaf/consts"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
)

const (
	contentTypesEntry = "[Content_Types].xml"
	macroMarker       = "macroenabled"

	ReasonOpenXMLOK    = "OpenXml OK"
	ReasonOpenXMLMacro = "OpenXml macroEnabled"
)

// InspectOpenXML checks an OpenXML document for macro-enabled content types
// in its [Content_Types].xml manifest.
func (in *Inspector) InspectOpenXML(r io.Reader) Verdict {
	data, err := io.ReadAll(r)
	if err != nil {
		return openXMLFailure(err)
	}
	return inspectOpenXMLBytes(data, newBudget(in.Limits))
}

func inspectOpenXMLBytes(data []byte, b *budget) Verdict {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return openXMLFailure(err)
	}

	var manifest *zip.File
	for _, f := range zr.File {
		if f.Name == contentTypesEntry {
			manifest = f
			break
		}
	}
	if manifest == nil {
		return newVerdict(Accept, fmt.Sprintf("OpenXml %q not found", contentTypesEntry))
	}

	if !b.admits(manifest.UncompressedSize64) {
		return openXMLFailure(fmt.Errorf("%w: manifest declares %d bytes", consts.ErrBudgetExceeded, manifest.UncompressedSize64))
	}
	rc, err := manifest.Open()
	if err != nil {
		return openXMLFailure(err)
	}
	defer rc.Close()
	content, err := b.readAll(rc)
	if err != nil {
		return openXMLFailure(err)
	}

	v, err := scanManifest(content)
	if err != nil {
		return openXMLFailure(err)
	}
	return v
}

// scanManifest parses the content-types manifest and looks for a direct
// child of the root carrying a macro-enabled ContentType attribute.
func scanManifest(content []byte) (Verdict, error) {
	d := xml.NewDecoder(bytes.NewReader(content))
	d.CharsetReader = charset.Reader

	var root *xml.StartElement
	for root == nil {
		tok, err := d.Token()
		if err == io.EOF {
			return newVerdict(Accept, `OpenXml root element "Types" not found`), nil
		}
		if err != nil {
			return Verdict{}, fmt.Errorf("manifest: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = &se
		}
	}
	if !strings.EqualFold(root.Name.Local, "types") {
		return newVerdict(Accept, fmt.Sprintf("OpenXml root element mismatch (found: %s, expected: Types)", root.Name.Local)), nil
	}

	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return Verdict{}, fmt.Errorf("manifest: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && macroEnabled(t) {
				return newVerdict(RejectMessage, ReasonOpenXMLMacro), nil
			}
		case xml.EndElement:
			depth--
		}
	}
	return newVerdict(Accept, ReasonOpenXMLOK), nil
}

func macroEnabled(el xml.StartElement) bool {
	for _, a := range el.Attr {
		if a.Name.Space == "" && a.Name.Local == "ContentType" &&
			strings.Contains(strings.ToLower(a.Value), macroMarker) {
			return true
		}
	}
	return false
}

// openXMLFailure fails open when the document is not a zip at all, which
// means a misnamed file rather than a document, and closed otherwise.
func openXMLFailure(err error) Verdict {
	class := errorClass(err)
	var syntax *xml.SyntaxError
	if errors.As(err, &syntax) {
		class = "xml"
	}
	metrics.InspectorErrors.WithLabelValues("openxml", class).Inc()
	reason := fmt.Sprintf("OpenXml ERROR [%s]: %v", class, err)
	if errors.Is(err, zip.ErrFormat) {
		return newVerdict(Accept, reason)
	}
	logger.Warn("OpenXML inspection failed", "class", class, "error", err)
	return newVerdict(RemoveAttachment, reason)
}
