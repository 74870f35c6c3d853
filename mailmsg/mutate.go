package mailmsg

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/migadu/eaf/consts"
)

// Delete marks the message as dropped. A deleted message is never written.
func (m *Message) Delete() error {
	m.deleted = true
	return nil
}

// RemoveAttachment detaches the attachment at index. Indexes refer to the
// attachments as parsed and stay valid across removals.
func (m *Message) RemoveAttachment(index int) error {
	if m.deleted {
		return consts.ErrMessageDeleted
	}
	if index < 0 || index >= len(m.atts) {
		return consts.ErrNoSuchAttachment
	}
	target := m.atts[index].part

	if target == m.root {
		// The whole message body is the attachment.
		h := envelopeHeader(m.root.header)
		h.Set("Content-Type", "text/plain; charset=utf-8")
		m.root = &part{header: h}
		m.modified = true
		return nil
	}

	parent := findParent(m.root, target)
	if parent == nil {
		return fmt.Errorf("attachment %d already removed: %w", index, consts.ErrNoSuchAttachment)
	}
	for i, c := range parent.children {
		if c == target {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	m.modified = true
	return nil
}

// findParent locates target in the current tree. Wrapping the root for a
// placeholder moves parts, so the parse time parent is not reliable.
func findParent(p, target *part) *part {
	for _, c := range p.children {
		if c == target {
			return p
		}
		if found := findParent(c, target); found != nil {
			return found
		}
	}
	return nil
}

// AddAttachment appends a base64 encoded attachment to the top level
// multipart/mixed container, wrapping a non-mixed body first.
func (m *Message) AddAttachment(name, contentType string, content []byte) error {
	if m.deleted {
		return consts.ErrMessageDeleted
	}
	if m.root == nil {
		return consts.ErrMalformedMessage
	}

	var h textproto.Header
	mh := message.Header{Header: h}
	mh.SetContentType(contentType, map[string]string{"name": name})
	mh.SetContentDisposition("attachment", map[string]string{"filename": name})
	mh.Set("Content-Transfer-Encoding", "base64")
	att := &part{header: mh.Header, body: encodeBase64(content)}

	mt, _, _ := (&message.Header{Header: m.root.header}).ContentType()
	if !m.root.multipart() || !strings.EqualFold(mt, "multipart/mixed") {
		m.wrapRoot()
	}
	m.root.children = append(m.root.children, att)
	m.modified = true
	return nil
}

// wrapRoot moves the current body into the first child of a new
// multipart/mixed root that keeps the message level header fields.
func (m *Message) wrapRoot() {
	old := m.root
	inner := contentHeader(old.header)
	if !inner.Has("Content-Type") {
		inner.Set("Content-Type", "text/plain; charset=us-ascii")
	}
	outerHeader := envelopeHeader(old.header)
	old.header = inner

	boundary := "eaf-" + uuid.NewString()
	outerHeader.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	m.root = &part{header: outerHeader, boundary: boundary, children: []*part{old}}
}

func envelopeHeader(h textproto.Header) textproto.Header {
	out := h.Copy()
	fields := out.Fields()
	for fields.Next() {
		if isContentField(fields.Key()) {
			fields.Del()
		}
	}
	if !out.Has("MIME-Version") {
		out.Set("MIME-Version", "1.0")
	}
	return out
}

func contentHeader(h textproto.Header) textproto.Header {
	out := h.Copy()
	fields := out.Fields()
	for fields.Next() {
		if !isContentField(fields.Key()) {
			fields.Del()
		}
	}
	return out
}

func isContentField(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), "content-")
}

func encodeBase64(content []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(content)
	var b bytes.Buffer
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
	return b.Bytes()
}

// Bytes returns the message to deliver. Unmodified messages are returned as
// parsed.
func (m *Message) Bytes() ([]byte, error) {
	if m.deleted {
		return nil, consts.ErrMessageDeleted
	}
	if !m.modified {
		return m.raw, nil
	}
	var b bytes.Buffer
	if err := m.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Encode writes the message in its current form.
func (m *Message) Encode(w io.Writer) error {
	if !m.modified {
		_, err := w.Write(m.raw)
		return err
	}
	if err := textproto.WriteHeader(w, m.root.header); err != nil {
		return err
	}
	return writeBody(w, m.root)
}

func writeBody(w io.Writer, p *part) error {
	if !p.multipart() {
		_, err := w.Write(p.body)
		return err
	}
	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(p.boundary); err != nil {
		return err
	}
	for _, c := range p.children {
		pw, err := mw.CreatePart(c.header)
		if err != nil {
			return err
		}
		if err := writeBody(pw, c); err != nil {
			return err
		}
	}
	return mw.Close()
}
