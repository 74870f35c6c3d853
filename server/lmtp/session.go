package lmtp

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/helpers"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/mailmsg"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/migadu/eaf/server/delivery"
)

// LMTPSession is one client connection. go-smtp serializes the commands of
// a connection, so the session needs no locking.
type LMTPSession struct {
	backend *LMTPServerBackend
	ctx     context.Context
	cancel  context.CancelFunc

	id        string
	remoteIP  net.IP
	method    filter.DeliveryMethod
	startTime time.Time

	sender     string
	recipients []string
}

func newSession(b *LMTPServerBackend, ctx context.Context, cancel context.CancelFunc, ip net.IP, method filter.DeliveryMethod) *LMTPSession {
	return &LMTPSession{
		backend:   b,
		ctx:       ctx,
		cancel:    cancel,
		id:        uuid.NewString(),
		remoteIP:  ip,
		method:    method,
		startTime: time.Now(),
	}
}

func (s *LMTPSession) log(msg string, args ...any) {
	logger.Info("LMTP: "+msg, append([]any{"session", s.id, "remote", s.remoteIP}, args...)...)
}

func (s *LMTPSession) warn(msg string, args ...any) {
	logger.Warn("LMTP: "+msg, append([]any{"session", s.id, "remote", s.remoteIP}, args...)...)
}

func trackCommand(command string, start time.Time, success *bool) {
	status := "failure"
	if *success {
		status = "success"
	}
	metrics.CommandsTotal.WithLabelValues("lmtp", command, status).Inc()
	metrics.CommandDuration.WithLabelValues("lmtp", command).Observe(time.Since(start).Seconds())
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	start := time.Now()
	success := false
	defer trackCommand("MAIL", start, &success)

	s.sender = helpers.EnvelopeSender(from)
	s.recipients = nil

	success = true
	logger.Debug("LMTP: mail from accepted", "session", s.id, "from", s.sender)
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	start := time.Now()
	success := false
	defer trackCommand("RCPT", start, &success)

	if to == "" {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient",
		}
	}
	s.recipients = append(s.recipients, to)

	success = true
	logger.Debug("LMTP: recipient accepted", "session", s.id, "to", to)
	return nil
}

func (s *LMTPSession) Data(r io.Reader) error {
	start := time.Now()
	success := false
	defer trackCommand("DATA", start, &success)

	if s.sender == "" || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands",
		}
	}

	raw, err := s.readMessage(r)
	if err != nil {
		return err
	}
	metrics.MessageSizeBytes.WithLabelValues("lmtp").Observe(float64(len(raw)))

	msgID := uuid.NewString()
	msg := mailmsg.Parse(raw, mailmsg.Envelope{
		ID:             msgID,
		Sender:         s.sender,
		Recipients:     s.recipients,
		DeliveryMethod: s.method,
	})
	if perr := msg.ParseError(); perr != nil {
		s.warn("message headers could not be parsed, checking it as a message without attachments",
			"message_id", msgID, "error", perr)
	}

	res := s.backend.processor.Apply(s.ctx, msg.Descriptor(), msg)
	data := raw
	switch {
	case res.Err != nil:
		s.warn("filtering failed, delivering original message", "message_id", msgID, "error", res.Err)
	case msg.Deleted():
		s.backend.quarantineMessage(msgID, msg, res)
		s.log("message rejected", "message_id", msgID, "from", s.sender, "recipients", len(s.recipients))
		success = true
		return nil
	case msg.Modified():
		s.backend.quarantineMessage(msgID, msg, res)
		out, err := msg.Bytes()
		if err != nil {
			s.warn("failed to encode filtered message, delivering original", "message_id", msgID, "error", err)
			metrics.ProcessingFailures.WithLabelValues("encode").Inc()
		} else {
			data = out
		}
	}

	if err := s.backend.reinject(s.ctx, msgID, s.sender, s.recipients, data); err != nil {
		return err
	}
	success = true
	return nil
}

// readMessage reads the DATA payload, enforcing max_message_size. An overlong
// line is refused with a permanent reply.
func (s *LMTPSession) readMessage(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, s.backend.maxMessageSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return nil, smtpErr
		}
		if errors.Is(err, smtp.ErrTooLongLine) {
			s.warn("message line too long", "error", err)
			return nil, &smtp.SMTPError{
				Code:         554,
				EnhancedCode: smtp.EnhancedCode{5, 6, 0},
				Message:      "Message contains a line exceeding the maximum length",
			}
		}
		s.warn("failed to read message", "error", err)
		return nil, &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}
	if int64(len(raw)) > s.backend.maxMessageSize {
		s.warn("message too large", "limit", s.backend.maxMessageSize)
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds maximum allowed size",
		}
	}
	return raw, nil
}

func (s *LMTPSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *LMTPSession) Logout() error {
	s.cancel()
	active := s.backend.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Dec()
	metrics.ConnectionDuration.WithLabelValues("lmtp").Observe(time.Since(s.startTime).Seconds())
	s.log("session closed", "active", active, "duration", time.Since(s.startTime).Round(time.Millisecond))
	return nil
}

// reinject hands data to the next hop. A temporary failure spools the
// message when a queue is configured; otherwise the client is told to retry.
// A permanent rejection is passed back to the client.
func (b *LMTPServerBackend) reinject(ctx context.Context, msgID, from string, to []string, data []byte) error {
	err := b.relay.Send(ctx, delivery.Envelope{From: from, To: to, Source: delivery.SourceDirect}, data)
	if err == nil {
		logger.Info("LMTP: message reinjected", "message_id", msgID, "recipients", len(to), "size", len(data))
		return nil
	}

	if delivery.IsPermanentError(err) {
		logger.Warn("LMTP: next hop rejected message", "message_id", msgID, "error", err)
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return &smtp.SMTPError{Code: smtpErr.Code, EnhancedCode: smtpErr.EnhancedCode, Message: smtpErr.Message}
		}
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 3, 0},
			Message:      "Next hop rejected the message",
		}
	}

	if b.relayQueue != nil {
		queueID, qerr := b.relayQueue.Enqueue(from, to, data)
		if qerr == nil {
			logger.Info("LMTP: next hop unavailable, message queued", "message_id", msgID, "queue_id", queueID, "error", err)
			if b.relayWorker != nil {
				b.relayWorker.NotifyQueued()
			}
			return nil
		}
		logger.Error("LMTP: failed to queue message", "message_id", msgID, "error", qerr)
	} else {
		logger.Warn("LMTP: next hop unavailable", "message_id", msgID, "error", err)
	}
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 1},
		Message:      "Next hop unavailable, try again later",
	}
}

// quarantineMessage uploads the content the filter took out of the message
// in the background. Upload failures are logged and never affect delivery.
func (b *LMTPServerBackend) quarantineMessage(msgID string, msg *mailmsg.Message, res filter.Result) {
	if b.quarantine == nil {
		return
	}

	type item struct {
		name    string
		content []byte
	}
	var items []item
	if res.Rejected() {
		if b.quarantine.StoresMessages() {
			items = append(items, item{name: "", content: msg.Raw()})
		}
	} else if b.quarantine.StoresAttachments() {
		for _, a := range res.Removed() {
			content, err := msg.AttachmentContent(a.Index)
			if err != nil {
				logger.Warn("Quarantine: failed to decode attachment", "message_id", msgID, "file", a.FileName, "error", err)
				continue
			}
			items = append(items, item{name: a.FileName, content: content})
		}
	}
	if len(items) == 0 {
		return
	}

	b.uploads.Add(1)
	go func() {
		defer b.uploads.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(b.appCtx), quarantineTimeout)
		defer cancel()

		for _, it := range items {
			var key string
			var err error
			if it.name == "" {
				key, err = b.quarantine.StoreMessage(ctx, it.content)
			} else {
				key, err = b.quarantine.StoreAttachment(ctx, it.content)
			}
			if err != nil {
				logger.Warn("Quarantine: upload failed", "message_id", msgID, "file", it.name, "error", err)
				continue
			}
			logger.Info("Quarantine: stored", "message_id", msgID, "file", it.name, "key", key)
		}
	}()
}
