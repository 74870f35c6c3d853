// Package mailmsg adapts raw RFC 5322 messages to the filter engine.
//
// A Message keeps the original bytes and a tree of MIME parts with raw,
// still transfer-encoded bodies. Attachments are decoded lazily, only when an
// inspector opens them. Messages that are never mutated are written back
// byte for byte.
package mailmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/eaf/consts"
	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/logger"
)

// maxNesting bounds multipart recursion. Deeper parts are kept as opaque leaves.
const maxNesting = 32

// Attachment kinds reported in journal lines.
const (
	KindRegular  = "Regular"
	KindInline   = "Inline"
	KindEmbedded = "EmbeddedMessage"
)

// Envelope carries the transport level facts the message body does not.
type Envelope struct {
	ID             string
	Sender         string
	Recipients     []string
	DeliveryMethod filter.DeliveryMethod
}

type part struct {
	header   textproto.Header
	body     []byte
	boundary string
	children []*part
}

func (p *part) multipart() bool {
	return p.boundary != ""
}

type attachmentRef struct {
	part  *part
	name  string
	ctype string
	kind  string
}

// Message is a parsed message that implements filter.Mutator.
type Message struct {
	raw      []byte
	env      Envelope
	root     *part
	subject  string
	atts     []attachmentRef
	parseErr error

	deleted  bool
	modified bool
}

// Parse builds a Message from raw bytes. It never fails: a message whose
// headers cannot be parsed is treated as having no attachments and ParseError
// reports why.
func Parse(raw []byte, env Envelope) *Message {
	m := &Message{raw: raw, env: env}

	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		m.parseErr = fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		logger.Warn("Malformed message header, skipping attachment scan", "id", env.ID, "error", err)
		return m
	}
	body, err := io.ReadAll(br)
	if err != nil {
		m.parseErr = fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		return m
	}

	m.root = buildPart(h, body, 0)
	if subject, err := (&mail.Header{Header: message.Header{Header: h}}).Subject(); err == nil {
		m.subject = subject
	} else {
		m.subject = h.Get("Subject")
	}
	m.collect(m.root)
	return m
}

func buildPart(h textproto.Header, body []byte, depth int) *part {
	p := &part{header: h, body: body}
	mh := message.Header{Header: h}
	mt, params, err := mh.ContentType()
	if err != nil || !strings.HasPrefix(mt, "multipart/") || params["boundary"] == "" || depth >= maxNesting {
		return p
	}

	mr := textproto.NewMultipartReader(bytes.NewReader(body), params["boundary"])
	var children []*part
	for {
		np, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Debug("Unreadable multipart body, keeping it opaque", "error", err)
			return p
		}
		childBody, err := io.ReadAll(np)
		if err != nil {
			logger.Debug("Truncated MIME part, keeping parent opaque", "error", err)
			return p
		}
		children = append(children, buildPart(np.Header, childBody, depth+1))
	}
	p.boundary = params["boundary"]
	p.children = children
	return p
}

func (m *Message) collect(p *part) {
	if p.multipart() {
		for _, c := range p.children {
			m.collect(c)
		}
		return
	}

	ah := mail.AttachmentHeader{Header: message.Header{Header: p.header}}
	disp, _, _ := ah.ContentDisposition()
	mt, _, _ := ah.ContentType()
	name, _ := ah.Filename()

	isEmbedded := strings.EqualFold(mt, "message/rfc822")
	if !strings.EqualFold(disp, "attachment") && name == "" && !isEmbedded {
		return
	}

	kind := KindRegular
	switch {
	case isEmbedded:
		kind = KindEmbedded
	case strings.EqualFold(disp, "inline"):
		kind = KindInline
	}
	ctype := p.header.Get("Content-Type")
	if ctype == "" {
		ctype = "text/plain"
	}
	m.atts = append(m.atts, attachmentRef{part: p, name: name, ctype: ctype, kind: kind})
}

// ParseError returns the reason the message could not be parsed, if any.
func (m *Message) ParseError() error {
	return m.parseErr
}

// Subject returns the decoded subject.
func (m *Message) Subject() string {
	return m.subject
}

// Descriptor returns the filter view of the message.
func (m *Message) Descriptor() *filter.Message {
	msg := &filter.Message{
		ID:             m.env.ID,
		Sender:         m.env.Sender,
		Recipients:     m.env.Recipients,
		DeliveryMethod: m.env.DeliveryMethod,
		Size:           int64(len(m.raw)),
		Subject:        m.subject,
	}
	for i := range m.atts {
		ref := m.atts[i]
		msg.Attachments = append(msg.Attachments, filter.Attachment{
			FileName:    ref.name,
			ContentType: ref.ctype,
			Type:        ref.kind,
			Size:        int64(len(ref.part.body)),
			Open: func() (io.ReadCloser, error) {
				return openPart(ref.part)
			},
		})
	}
	return msg
}

// AttachmentContent returns the decoded content of the attachment at index.
func (m *Message) AttachmentContent(index int) ([]byte, error) {
	if index < 0 || index >= len(m.atts) {
		return nil, consts.ErrNoSuchAttachment
	}
	rc, err := openPart(m.atts[index].part)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func openPart(p *part) (io.ReadCloser, error) {
	e, err := message.New(message.Header{Header: p.header}, bytes.NewReader(p.body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	if err != nil {
		logger.Debug("Inspecting attachment without decoding", "error", err)
	}
	return io.NopCloser(e.Body), nil
}

// Raw returns the bytes the message was parsed from.
func (m *Message) Raw() []byte {
	return m.raw
}

// Deleted reports whether the message was dropped.
func (m *Message) Deleted() bool {
	return m.deleted
}

// Modified reports whether the message body differs from Raw.
func (m *Message) Modified() bool {
	return m.modified
}
