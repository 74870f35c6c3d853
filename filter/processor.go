package filter

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/eaf/helpers"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
)

const (
	ReasonDSNOriginal = "DSN original message"

	contentTypeRFC822 = "message/rfc822"
)

// DeliveryMethod is how a message entered the mail system.
type DeliveryMethod int

const (
	DeliveryUnknown DeliveryMethod = iota
	DeliverySMTP
	DeliveryMailbox
	DeliveryFile
)

func (m DeliveryMethod) String() string {
	switch m {
	case DeliverySMTP:
		return "Smtp"
	case DeliveryMailbox:
		return "Mailbox"
	case DeliveryFile:
		return "File"
	default:
		return "Unknown"
	}
}

// ParseDeliveryMethod maps a configuration value to a delivery method.
func ParseDeliveryMethod(s string) DeliveryMethod {
	switch strings.ToLower(s) {
	case "smtp":
		return DeliverySMTP
	case "mailbox":
		return DeliveryMailbox
	case "file":
		return DeliveryFile
	default:
		return DeliveryUnknown
	}
}

// Attachment describes one attachment of a message.
type Attachment struct {
	FileName    string
	ContentType string
	// Type is the structural kind of the part, e.g. "Regular", "Inline" or
	// "EmbeddedMessage". It is only used in journal lines.
	Type string
	Size int64
	// Open returns a fresh stream over the decoded content. Every inspector
	// opens its own stream and the processor closes it.
	Open func() (io.ReadCloser, error)
}

// Message is the descriptor the processor evaluates.
type Message struct {
	// ID identifies the message for per-message serialization.
	ID             string
	Sender         string
	Recipients     []string
	DeliveryMethod DeliveryMethod
	Size           int64
	Subject        string
	Attachments    []Attachment
}

// Mutator applies a result to the underlying message.
type Mutator interface {
	Delete() error
	AddAttachment(name, contentType string, content []byte) error
	RemoveAttachment(index int) error
}

// Action is what happens to a message as a whole.
type Action int

const (
	ActionDeliver Action = iota
	ActionModify
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionModify:
		return "modify"
	case ActionDelete:
		return "delete"
	default:
		return "deliver"
	}
}

// Bypass names the message-level shortcut that skipped attachment checks.
type Bypass string

const (
	BypassNone            Bypass = ""
	BypassSenderWhitelist Bypass = "sender_whitelist"
	BypassSize            Bypass = "size"
	BypassMailbox         Bypass = "mailbox"
	BypassNoAttachments   Bypass = "no_attachments"
)

// AttachmentResult is the verdict of one evaluated attachment.
type AttachmentResult struct {
	Index    int
	FileName string
	Verdict  Verdict
}

// Result is the outcome of processing one message.
type Result struct {
	Action           Action
	Bypass           Bypass
	Attachments      []AttachmentResult
	PolicyGeneration uint64
	// Err is set when processing failed; the message must then be delivered
	// unmodified.
	Err error
}

// Rejected reports whether an attachment rejected the message.
func (r Result) Rejected() bool {
	return r.Action == ActionDelete
}

// Removed returns the attachments that must be taken out of the message,
// with or without a placeholder.
func (r Result) Removed() []AttachmentResult {
	var out []AttachmentResult
	for _, a := range r.Attachments {
		if a.Verdict.Status == RemoveAttachment || a.Verdict.Status == StripAttachment {
			out = append(out, a)
		}
	}
	return out
}

// Processor evaluates messages against the current policy.
type Processor struct {
	policies *PolicyStore
	journal  Journal

	global sync.Mutex
	keyed  keyedMutex

	now      func() time.Time
	classify func(name string, rules RuleSet) Verdict
}

// NewProcessor creates a processor. journal may be nil.
func NewProcessor(policies *PolicyStore, journal Journal) *Processor {
	return &Processor{
		policies: policies,
		journal:  journal,
		keyed:    keyedMutex{locks: make(map[string]*keyedLock)},
		now:      time.Now,
		classify: Classify,
	}
}

// Process evaluates msg without changing it and without writing the
// journal.
func (p *Processor) Process(ctx context.Context, msg *Message) Result {
	pol := p.policies.Load()
	unlock := p.lock(pol, msg)
	defer unlock()
	return p.evaluate(ctx, pol, msg, false)
}

// Apply evaluates msg and applies the result through m. When evaluation or
// a mutation fails the returned result carries the error and the caller
// delivers the original message.
func (p *Processor) Apply(ctx context.Context, msg *Message, m Mutator) Result {
	pol := p.policies.Load()
	unlock := p.lock(pol, msg)
	defer unlock()

	res := p.evaluate(ctx, pol, msg, true)
	if res.Err != nil || res.Action == ActionDeliver {
		return res
	}
	if err := p.mutate(pol, res, m); err != nil {
		metrics.ProcessingFailures.WithLabelValues("mutate").Inc()
		logger.Error("Applying attachment verdicts failed, delivering original message", "id", msg.ID, "error", err)
		res.Err = err
	}
	return res
}

func (p *Processor) lock(pol *Policy, msg *Message) func() {
	if pol.LockScope == LockPerMessage && msg.ID != "" {
		return p.keyed.lock(msg.ID)
	}
	p.global.Lock()
	return p.global.Unlock
}

func (p *Processor) evaluate(ctx context.Context, pol *Policy, msg *Message, record bool) (res Result) {
	start := time.Now()
	res.PolicyGeneration = pol.Generation

	defer func() {
		if r := recover(); r != nil {
			metrics.ProcessingFailures.WithLabelValues("panic").Inc()
			logger.Error("Attachment processing panicked, delivering original message", "id", msg.ID, "panic", r)
			res = Result{Action: ActionDeliver, PolicyGeneration: pol.Generation, Err: fmt.Errorf("processing panicked: %v", r)}
		}
		metrics.MessagesProcessed.WithLabelValues(res.Action.String()).Inc()
		metrics.ProcessingDuration.WithLabelValues(res.Action.String()).Observe(time.Since(start).Seconds())
	}()

	sender := helpers.EnvelopeSender(msg.Sender)
	if pol.SenderWhitelist.MatchAny(sender) {
		metrics.MessageBypass.WithLabelValues(string(BypassSenderWhitelist)).Inc()
		res.Bypass = BypassSenderWhitelist
		return res
	}

	batch := newLogBatch(p.now)
	batch.Log(messageHeaderLine(msg, sender))
	if record {
		defer p.flush(batch)
	}

	switch {
	case pol.SizeThresholdKiB > 0 && msg.Size/1024 > pol.SizeThresholdKiB:
		batch.LogPadded("ACCEPTED: [reason: mail size threshold]")
		res.Bypass = BypassSize
	case pol.MailboxMethodSafe && msg.DeliveryMethod == DeliveryMailbox:
		batch.LogPadded("ACCEPTED: [reason: Inbound Delivery Method Safe (Mailbox)]")
		res.Bypass = BypassMailbox
	case len(msg.Attachments) == 0:
		if pol.LogAccepted {
			batch.LogPadded("ACCEPTED: [reason: no attachments]")
		}
		res.Bypass = BypassNoAttachments
	}
	if res.Bypass != BypassNone {
		metrics.MessageBypass.WithLabelValues(string(res.Bypass)).Inc()
		return res
	}

	in := pol.Inspector()
	for i := range msg.Attachments {
		if err := ctx.Err(); err != nil {
			metrics.ProcessingFailures.WithLabelValues("cancelled").Inc()
			return Result{Action: ActionDeliver, PolicyGeneration: pol.Generation, Err: err}
		}

		att := &msg.Attachments[i]
		v := p.evaluateAttachment(pol, in, sender, msg.DeliveryMethod, att)
		metrics.AttachmentVerdicts.WithLabelValues(v.Status.String()).Inc()
		res.Attachments = append(res.Attachments, AttachmentResult{Index: i, FileName: att.FileName, Verdict: v})

		line := attachmentLine(att, v)
		switch v.Status {
		case Accept:
			if pol.LogAccepted {
				batch.LogPadded("ACCEPTED: " + line)
			}
		case RemoveAttachment:
			res.Action = ActionModify
			if pol.LogRejectedOrRemoved {
				batch.LogPadded("REMOVED: " + line)
			}
		case StripAttachment:
			res.Action = ActionModify
			if pol.LogRejectedOrRemoved {
				batch.LogPadded("STRIPPED: " + line)
			}
		case RejectMessage:
			if pol.LogRejectedOrRemoved {
				batch.LogPadded("REJECTED: " + line)
			}
			res.Action = ActionDelete
			return res
		}
	}
	return res
}

func (p *Processor) evaluateAttachment(pol *Policy, in *Inspector, sender string, method DeliveryMethod, att *Attachment) Verdict {
	if pol.DSNStripOriginalMessage && method == DeliveryFile && sender == helpers.NullSender &&
		strings.EqualFold(mediaType(att.ContentType), contentTypeRFC822) {
		return newVerdict(StripAttachment, ReasonDSNOriginal)
	}

	v := p.classify(att.FileName, pol.Rules)
	if v.Whitelisted() && !pol.DeepScanWhitelisted {
		return v
	}

	if pol.ScanArchives && pol.Types.IsArchive(att.FileName) {
		v = Merge(v, withContent(att, func(r io.Reader) Verdict {
			return in.InspectArchiveNamed(att.FileName, r)
		}, func(err error) Verdict {
			return archiveFailure(att.FileName, err)
		}))
	}
	if pol.ScanOpenXML && pol.Types.IsOpenXML(att.FileName) {
		v = Merge(v, withContent(att, in.InspectOpenXML, openXMLFailure))
	}
	if pol.RemoveHTMLWithScripts && pol.Types.IsHTML(att.FileName) {
		v = Merge(v, withContent(att, InspectHTML, func(err error) Verdict {
			metrics.InspectorErrors.WithLabelValues("html", "io").Inc()
			logger.Warn("HTML inspection could not open attachment", "file", att.FileName, "error", err)
			return newVerdict(Accept, ReasonHTMLNoScript)
		}))
	}
	return v
}

// withContent opens a fresh stream for one inspector and always closes it.
func withContent(att *Attachment, inspect func(io.Reader) Verdict, failed func(error) Verdict) Verdict {
	if att.Open == nil {
		return failed(fmt.Errorf("attachment %q has no content", att.FileName))
	}
	rc, err := att.Open()
	if err != nil {
		return failed(err)
	}
	defer rc.Close()
	return inspect(rc)
}

func (p *Processor) mutate(pol *Policy, res Result, m Mutator) error {
	if res.Action == ActionDelete {
		if err := m.Delete(); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	}

	removed := res.Removed()
	for _, a := range removed {
		if a.Verdict.Status != RemoveAttachment {
			continue
		}
		name, content := Placeholder(pol, a.FileName)
		if err := m.AddAttachment(name, "text/plain", content); err != nil {
			return fmt.Errorf("add placeholder for %q: %w", a.FileName, err)
		}
	}

	// Highest index first so earlier indexes stay valid.
	sort.Slice(removed, func(i, j int) bool { return removed[i].Index > removed[j].Index })
	for _, a := range removed {
		if err := m.RemoveAttachment(a.Index); err != nil {
			return fmt.Errorf("remove attachment %q: %w", a.FileName, err)
		}
	}
	return nil
}

// Placeholder returns the file name and content of the text attachment that
// replaces a removed attachment.
func Placeholder(pol *Policy, fileName string) (string, []byte) {
	name := pol.RemovedAttachmentPrefix + fileName + ".txt"
	content := fileName + "\n\n" + pol.RemovedAttachmentText + "\n"
	return name, []byte(content)
}

func (p *Processor) flush(batch *LogBatch) {
	if batch.Len() <= 1 || p.journal == nil {
		return
	}
	if err := p.journal.WriteBatch(batch.Lines()); err != nil {
		logger.Warn("Writing verdict journal failed", "error", err)
	}
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}

// keyedMutex serializes work per key and drops idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
