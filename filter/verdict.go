// Package filter implements the attachment verdict engine: filename
// classification against wildcard rule lists, recursive archive inspection,
// OpenXML macro detection, HTML script detection and the per-message
// escalation that turns those verdicts into actions.
//
// The engine consumes a Message descriptor and produces a Result. It never
// touches the network; applying the result to a real message is delegated to
// a Mutator supplied by the caller.
package filter

import "fmt"

// Status is the severity of a verdict. The numeric order is the escalation
// order: a higher status always wins a merge.
type Status int

const (
	Accept Status = iota
	RemoveAttachment
	StripAttachment
	RejectMessage
)

func (s Status) String() string {
	switch s {
	case Accept:
		return "accept"
	case RemoveAttachment:
		return "remove"
	case StripAttachment:
		return "strip"
	case RejectMessage:
		return "reject"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Tag sub-classifies a verdict within its status. It carries no ordering.
type Tag int

const (
	TagNoMatch Tag = iota
	TagWhitelist
)

// Verdict is the outcome of evaluating one piece of content.
type Verdict struct {
	Status Status
	Tag    Tag
	Reason string
}

func newVerdict(status Status, reason string) Verdict {
	return Verdict{Status: status, Reason: reason}
}

// Whitelisted reports whether the verdict is an accept produced by a
// whitelist match.
func (v Verdict) Whitelisted() bool {
	return v.Status == Accept && v.Tag == TagWhitelist
}

func (v Verdict) String() string {
	return fmt.Sprintf("%s: %s", v.Status, v.Reason)
}

// Merge returns the more severe of a and b. On equal status a is kept.
func Merge(a, b Verdict) Verdict {
	if b.Status > a.Status {
		return b
	}
	return a
}
