package filter

import (
	"fmt"
	"sync/atomic"

	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/pkg/metrics"
)

// LockScope selects how message evaluations are serialized.
type LockScope int

const (
	// LockGlobal evaluates one message at a time.
	LockGlobal LockScope = iota
	// LockPerMessage only serializes evaluations of the same message.
	LockPerMessage
)

// Policy is an immutable snapshot of everything that drives a verdict.
type Policy struct {
	Generation uint64

	Rules           RuleSet
	SenderWhitelist PatternList
	Types           FileTypes
	Limits          Limits

	ScanArchives            bool
	ScanOpenXML             bool
	RemoveHTMLWithScripts   bool
	DSNStripOriginalMessage bool
	MailboxMethodSafe       bool
	DeepScanWhitelisted     bool
	LogRejectedOrRemoved    bool
	LogAccepted             bool

	RemovedAttachmentPrefix string
	RemovedAttachmentText   string

	// SizeThresholdKiB disables attachment checks for messages whose size in
	// whole KiB exceeds it. Zero disables the bypass.
	SizeThresholdKiB int64

	LockScope LockScope
}

// NewPolicy compiles a filter configuration into a policy.
func NewPolicy(cfg config.FilterConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	threshold, err := cfg.GetSizeThreshold()
	if err != nil {
		return nil, fmt.Errorf("size threshold: %w", err)
	}
	maxBytes, err := cfg.GetMaxArchiveBytes()
	if err != nil {
		return nil, fmt.Errorf("archive budget: %w", err)
	}

	ci := cfg.CaseInsensitive
	p := &Policy{
		Rules: RuleSet{
			Whitelist: CompilePatterns(cfg.Rules.Whitelist, ci),
			Remove:    CompilePatterns(cfg.Rules.Remove, ci),
			Reject:    CompilePatterns(cfg.Rules.Reject, ci),
		},
		SenderWhitelist: CompilePatterns(cfg.Rules.SenderWhitelist, ci),
		Types: FileTypes{
			Archive: CompilePatterns(cfg.Types.Archive, ci),
			OpenXML: CompilePatterns(cfg.Types.OpenXML, ci),
			HTML:    CompilePatterns(cfg.Types.HTML, ci),
		},
		Limits: Limits{MaxDepth: cfg.MaxArchiveDepth, MaxBytes: maxBytes},

		ScanArchives:            cfg.ScanArchives,
		ScanOpenXML:             cfg.ScanOpenXML,
		RemoveHTMLWithScripts:   cfg.RemoveHTMLWithScripts,
		DSNStripOriginalMessage: cfg.DSNStripOriginalMessage,
		MailboxMethodSafe:       cfg.MailboxMethodSafe,
		DeepScanWhitelisted:     cfg.DeepScanWhitelisted,
		LogRejectedOrRemoved:    cfg.LogRejectedOrRemoved,
		LogAccepted:             cfg.LogAccepted,

		RemovedAttachmentPrefix: cfg.GetRemovedAttachmentPrefix(),
		RemovedAttachmentText:   cfg.GetRemovedAttachmentText(),
		SizeThresholdKiB:        (threshold + 1023) / 1024,
	}
	if cfg.GetLockScope() == config.LockScopeMessage {
		p.LockScope = LockPerMessage
	}
	return p, nil
}

// DefaultPolicy returns the policy built from the default configuration.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(config.NewDefaultConfig().Filter)
	if err != nil {
		panic(fmt.Sprintf("default filter configuration is invalid: %v", err))
	}
	return p
}

// Inspector returns the deep inspector configured by the policy.
func (p *Policy) Inspector() *Inspector {
	return &Inspector{Rules: p.Rules, Types: p.Types, Limits: p.Limits}
}

// PolicyStore publishes policy snapshots. Readers take one snapshot per
// message; a store never exposes a partially built policy.
type PolicyStore struct {
	current    atomic.Pointer[Policy]
	generation atomic.Uint64
}

// NewPolicyStore creates a store holding p, or the default policy when p is nil.
func NewPolicyStore(p *Policy) *PolicyStore {
	s := &PolicyStore{}
	if p == nil {
		p = DefaultPolicy()
	}
	s.Store(p)
	return s
}

// Load returns the current snapshot.
func (s *PolicyStore) Load() *Policy {
	return s.current.Load()
}

// Store stamps p with the next generation number and publishes it. p must
// not be modified afterwards.
func (s *PolicyStore) Store(p *Policy) {
	p.Generation = s.generation.Add(1)
	s.current.Store(p)
	metrics.PolicyGeneration.Set(float64(p.Generation))
}

// Apply compiles cfg and publishes the result. A configuration that fails to
// compile leaves the current snapshot in place.
func (s *PolicyStore) Apply(cfg *config.Config) error {
	p, err := NewPolicy(cfg.Filter)
	if err != nil {
		return err
	}
	s.Store(p)
	return nil
}
