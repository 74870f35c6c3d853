package filter

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

type fileEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries ...fileEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildGzip(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTar(t *testing.T, entries ...fileEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.data)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func contentTypes(overrides ...string) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	b.WriteString(`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">`)
	b.WriteString(`<Default Extension="xml" ContentType="application/xml"/>`)
	for _, ct := range overrides {
		b.WriteString(`<Override PartName="/xl/workbook.xml" ContentType="` + ct + `"/>`)
	}
	b.WriteString(`</Types>`)
	return b.Bytes()
}

func openXMLDoc(t *testing.T, overrides ...string) []byte {
	return buildZip(t,
		fileEntry{name: "[Content_Types].xml", data: contentTypes(overrides...)},
		fileEntry{name: "xl/workbook.xml", data: []byte("<workbook/>")},
	)
}

func testInspector(limits Limits) *Inspector {
	return &Inspector{
		Rules: RuleSet{
			Whitelist: CompilePatterns([]string{"*.txt"}, false),
			Remove:    CompilePatterns([]string{"*.scr", "*.js"}, false),
			Reject:    CompilePatterns([]string{"*.exe"}, false),
		},
		Types: FileTypes{
			Archive: CompilePatterns([]string{"*.zip", "*.gz", "*.tar", "*.tgz", "*.bz2"}, false),
			OpenXML: CompilePatterns([]string{"*.docx", "*.xlsx", "*.xlsm"}, false),
			HTML:    CompilePatterns([]string{"*.html"}, false),
		},
		Limits: limits,
	}
}

// memAttachment exposes in-memory content and counts open streams.
type memAttachment struct {
	data   []byte
	opened int
	closed int
}

func (m *memAttachment) open() (io.ReadCloser, error) {
	m.opened++
	return &countingCloser{Reader: bytes.NewReader(m.data), onClose: func() { m.closed++ }}, nil
}

type countingCloser struct {
	io.Reader
	onClose func()
}

func (c *countingCloser) Close() error {
	c.onClose()
	return nil
}
