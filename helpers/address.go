package helpers

import "strings"

// NullSender is the envelope sender of bounces and other notifications.
const NullSender = "<>"

// EnvelopeSender renders a MAIL FROM address the way rules match against it:
// the null reverse path becomes "<>", anything else loses its brackets.
func EnvelopeSender(from string) string {
	from = strings.TrimSpace(from)
	if from == "" || from == NullSender {
		return NullSender
	}
	return strings.TrimSuffix(strings.TrimPrefix(from, "<"), ">")
}
