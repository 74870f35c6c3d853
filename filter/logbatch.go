package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/eaf/helpers"
	"github.com/migadu/eaf/logger"
)

// Journal receives the log block of one message.
type Journal interface {
	WriteBatch(lines []string) error
}

// LogBatch collects the journal lines of one message so they reach the
// journal as a single block.
type LogBatch struct {
	lines []string
	now   func() time.Time
}

func newLogBatch(now func() time.Time) *LogBatch {
	return &LogBatch{now: now}
}

// Log appends an unindented line.
func (b *LogBatch) Log(msg string) {
	b.lines = append(b.lines, logger.FormatLine(b.now(), 0, msg))
}

// LogPadded appends a line indented under the message header.
func (b *LogBatch) LogPadded(msg string) {
	b.lines = append(b.lines, logger.FormatLine(b.now(), 2, msg))
}

func (b *LogBatch) Len() int { return len(b.lines) }

func (b *LogBatch) Lines() []string { return b.lines }

func messageHeaderLine(msg *Message, sender string) string {
	recipients := make([]string, len(msg.Recipients))
	for i, r := range msg.Recipients {
		recipients[i] = helpers.SanitizeLogField(r)
	}
	return fmt.Sprintf("[from: %s] [to: %s] [method: %s] [subject: %s] [size: %s]",
		helpers.SanitizeLogField(sender),
		strings.Join(recipients, "; "),
		msg.DeliveryMethod,
		helpers.SanitizeLogField(msg.Subject),
		helpers.FormatThousands(msg.Size))
}

func attachmentLine(att *Attachment, v Verdict) string {
	return fmt.Sprintf("[file: %s] [type: %s] [content type:%s] [reason: %s]",
		helpers.SanitizeLogField(att.FileName),
		att.Type,
		helpers.SanitizeLogField(att.ContentType),
		helpers.SanitizeLogField(v.Reason))
}
