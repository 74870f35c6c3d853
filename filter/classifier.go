package filter

const (
	ReasonWhitelist = "Filename WHITELIST"
	ReasonRemove    = "Filename REMOVE"
	ReasonReject    = "Filename REJECT"
	ReasonNoMatch   = "No match"
)

// RuleSet holds the filename rule lists. Whitelist is checked first and
// overrides the others, then Remove, then Reject.
type RuleSet struct {
	Whitelist PatternList
	Remove    PatternList
	Reject    PatternList
}

// Classify maps a file name to its initial verdict.
func Classify(name string, rules RuleSet) Verdict {
	switch {
	case rules.Whitelist.MatchAny(name):
		return Verdict{Status: Accept, Tag: TagWhitelist, Reason: ReasonWhitelist}
	case rules.Remove.MatchAny(name):
		return newVerdict(RemoveAttachment, ReasonRemove)
	case rules.Reject.MatchAny(name):
		return newVerdict(RejectMessage, ReasonReject)
	default:
		return Verdict{Status: Accept, Tag: TagNoMatch, Reason: ReasonNoMatch}
	}
}

// FileTypes selects which deep inspector runs for a name.
type FileTypes struct {
	Archive PatternList
	OpenXML PatternList
	HTML    PatternList
}

func (t FileTypes) IsArchive(name string) bool { return t.Archive.MatchAny(name) }

func (t FileTypes) IsOpenXML(name string) bool { return t.OpenXML.MatchAny(name) }

func (t FileTypes) IsHTML(name string) bool { return t.HTML.MatchAny(name) }
