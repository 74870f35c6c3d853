package mailmsg

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message"
	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/consts"
	"github.com/migadu/eaf/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var multipartMessage = crlf(`From: alice@example.com
To: bob@example.com
Subject: =?utf-8?q?Quarterly_r=C3=A9port?=
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: text/plain; charset=utf-8

Hello Bob
--outer
Content-Type: application/octet-stream; name="tool.exe"
Content-Disposition: attachment; filename="tool.exe"
Content-Transfer-Encoding: base64

TVqQAAMAAAAEAAAA
--outer
Content-Type: text/plain
Content-Disposition: inline; filename="notes.txt"

just notes
--outer
Content-Type: message/rfc822

From: carol@example.com
Subject: forwarded

body
--outer--
`)

func testEnvelope() Envelope {
	return Envelope{
		ID:             "msg-1",
		Sender:         "alice@example.com",
		Recipients:     []string{"bob@example.com"},
		DeliveryMethod: filter.DeliverySMTP,
	}
}

func TestParseCollectsAttachments(t *testing.T) {
	m := Parse(multipartMessage, testEnvelope())
	require.NoError(t, m.ParseError())

	d := m.Descriptor()
	assert.Equal(t, "msg-1", d.ID)
	assert.Equal(t, "Quarterly réport", d.Subject)
	assert.Equal(t, int64(len(multipartMessage)), d.Size)
	require.Len(t, d.Attachments, 3)

	assert.Equal(t, "tool.exe", d.Attachments[0].FileName)
	assert.Equal(t, KindRegular, d.Attachments[0].Type)
	assert.Contains(t, d.Attachments[0].ContentType, "application/octet-stream")

	assert.Equal(t, "notes.txt", d.Attachments[1].FileName)
	assert.Equal(t, KindInline, d.Attachments[1].Type)

	assert.Equal(t, "", d.Attachments[2].FileName)
	assert.Equal(t, KindEmbedded, d.Attachments[2].Type)
}

func TestAttachmentOpenDecodesTransferEncoding(t *testing.T) {
	m := Parse(multipartMessage, testEnvelope())
	d := m.Descriptor()

	rc, err := d.Attachments[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00"), data)

	content, err := m.AttachmentContent(1)
	require.NoError(t, err)
	assert.Equal(t, "just notes", strings.TrimSpace(string(content)))

	_, err = m.AttachmentContent(7)
	assert.ErrorIs(t, err, consts.ErrNoSuchAttachment)
}

func TestEncodedFilenameIsDecoded(t *testing.T) {
	raw := crlf(`From: a@example.com
Content-Type: multipart/mixed; boundary=b

--b
Content-Type: application/zip
Content-Disposition: attachment; filename*=utf-8''r%C3%A9sum%C3%A9.zip

UEsFBgAAAAAAAAAAAAAAAAAAAAAAAA==
--b--
`)
	d := Parse(raw, testEnvelope()).Descriptor()
	require.Len(t, d.Attachments, 1)
	assert.Equal(t, "résumé.zip", d.Attachments[0].FileName)
}

func TestUnmodifiedMessageIsByteIdentical(t *testing.T) {
	m := Parse(multipartMessage, testEnvelope())
	out, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, multipartMessage, out)
	assert.False(t, m.Modified())
}

func TestMalformedHeaderDegradesToNoAttachments(t *testing.T) {
	raw := []byte("this is not a header\r\n\r\nbody")
	m := Parse(raw, testEnvelope())
	assert.ErrorIs(t, m.ParseError(), consts.ErrMalformedMessage)
	assert.Empty(t, m.Descriptor().Attachments)

	out, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRemoveAttachmentAndAddPlaceholder(t *testing.T) {
	m := Parse(multipartMessage, testEnvelope())

	require.NoError(t, m.AddAttachment("Removed Attachment tool.exe.txt", "text/plain", []byte("tool.exe\r\n\r\nremoved\r\n")))
	require.NoError(t, m.RemoveAttachment(0))
	assert.True(t, m.Modified())

	out, err := m.Bytes()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "TVqQAAMAAAAEAAAA")
	assert.Contains(t, string(out), "Subject: =?utf-8?q?Quarterly_r=C3=A9port?=")

	reparsed := Parse(out, testEnvelope())
	require.NoError(t, reparsed.ParseError())
	atts := reparsed.Descriptor().Attachments
	require.Len(t, atts, 3)
	assert.Equal(t, "notes.txt", atts[0].FileName)
	assert.Equal(t, "Removed Attachment tool.exe.txt", atts[2].FileName)

	content, err := reparsed.AttachmentContent(2)
	require.NoError(t, err)
	assert.Equal(t, "tool.exe\r\n\r\nremoved\r\n", string(content))
}

func TestRemoveTwiceReportsMissing(t *testing.T) {
	m := Parse(multipartMessage, testEnvelope())
	require.NoError(t, m.RemoveAttachment(1))
	assert.ErrorIs(t, m.RemoveAttachment(1), consts.ErrNoSuchAttachment)
	assert.ErrorIs(t, m.RemoveAttachment(-1), consts.ErrNoSuchAttachment)
}

func TestSinglePartAttachmentIsWrapped(t *testing.T) {
	raw := crlf(`From: a@example.com
To: b@example.com
Subject: invoice
Content-Type: application/octet-stream; name="invoice.exe"
Content-Disposition: attachment; filename="invoice.exe"
Content-Transfer-Encoding: base64

TVqQAAMAAAAEAAAA
`)
	m := Parse(raw, testEnvelope())
	require.Len(t, m.Descriptor().Attachments, 1)

	require.NoError(t, m.AddAttachment("Removed Attachment invoice.exe.txt", "text/plain", []byte("invoice.exe\r\n")))
	require.NoError(t, m.RemoveAttachment(0))

	out, err := m.Bytes()
	require.NoError(t, err)

	e, err := message.Read(bytes.NewReader(out))
	require.NoError(t, err)
	mt, _, err := e.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mt)
	assert.Equal(t, "invoice", e.Header.Get("Subject"))
	assert.Equal(t, "1.0", e.Header.Get("MIME-Version"))

	reparsed := Parse(out, testEnvelope()).Descriptor()
	require.Len(t, reparsed.Attachments, 1)
	assert.Equal(t, "Removed Attachment invoice.exe.txt", reparsed.Attachments[0].FileName)
}

func TestSinglePartAttachmentRemovedWithoutPlaceholder(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: payload
Content-Type: application/x-msdownload; name="a.exe"
Content-Transfer-Encoding: base64

TVqQAAMAAAAEAAAA
`)
	m := Parse(raw, testEnvelope())
	require.NoError(t, m.RemoveAttachment(0))

	out, err := m.Bytes()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "TVqQ")
	assert.Contains(t, string(out), "Subject: payload")
	assert.Empty(t, Parse(out, testEnvelope()).Descriptor().Attachments)
}

func TestDeletedMessageRefusesMutation(t *testing.T) {
	m := Parse(multipartMessage, testEnvelope())
	require.NoError(t, m.Delete())
	assert.True(t, m.Deleted())

	_, err := m.Bytes()
	assert.ErrorIs(t, err, consts.ErrMessageDeleted)
	assert.ErrorIs(t, m.RemoveAttachment(0), consts.ErrMessageDeleted)
	assert.ErrorIs(t, m.AddAttachment("x", "text/plain", nil), consts.ErrMessageDeleted)
}

func TestProcessorDrivesMessage(t *testing.T) {
	cfg := config.NewDefaultConfig().Filter
	cfg.Rules.Remove = []string{"*.exe"}
	pol, err := filter.NewPolicy(cfg)
	require.NoError(t, err)
	proc := filter.NewProcessor(filter.NewPolicyStore(pol), nil)

	m := Parse(multipartMessage, testEnvelope())
	res := proc.Apply(context.Background(), m.Descriptor(), m)
	require.NoError(t, res.Err)
	assert.Equal(t, filter.ActionModify, res.Action)

	out, err := m.Bytes()
	require.NoError(t, err)
	names := []string{}
	for _, a := range Parse(out, testEnvelope()).Descriptor().Attachments {
		names = append(names, a.FileName)
	}
	assert.Contains(t, names, cfg.GetRemovedAttachmentPrefix()+"tool.exe.txt")
	assert.NotContains(t, names, "tool.exe")
}
