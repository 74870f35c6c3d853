package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/helpers"
	"github.com/migadu/eaf/mailmsg"
)

// runCheck evaluates one message file against the policy and prints the
// verdicts. Nothing is modified or delivered.
func runCheck(ctx context.Context, w io.Writer, proc *filter.Processor, path, sender string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}

	msg := mailmsg.Parse(raw, mailmsg.Envelope{
		ID:             filepath.Base(path),
		Sender:         helpers.EnvelopeSender(sender),
		DeliveryMethod: filter.DeliverySMTP,
	})
	res := proc.Process(ctx, msg.Descriptor())

	fmt.Fprintf(w, "Message: %s\n", path)
	if subject := msg.Subject(); subject != "" {
		fmt.Fprintf(w, "Subject: %s\n", subject)
	}
	if perr := msg.ParseError(); perr != nil {
		fmt.Fprintf(w, "Parse error: %v\n", perr)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", res.Err)
	}
	action := res.Action.String()
	if res.Bypass != filter.BypassNone {
		action += fmt.Sprintf(" (bypass: %s)", res.Bypass)
	}
	fmt.Fprintf(w, "Action: %s\n", action)

	for _, a := range res.Attachments {
		fmt.Fprintf(w, "  [%d] %s: %s\n", a.Index, a.FileName, a.Verdict)
	}
	return nil
}
