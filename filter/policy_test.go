package filter

import (
	"testing"

	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyFromDefaults(t *testing.T) {
	pol := DefaultPolicy()

	assert.True(t, pol.ScanArchives)
	assert.True(t, pol.ScanOpenXML)
	assert.True(t, pol.RemoveHTMLWithScripts)
	assert.True(t, pol.MailboxMethodSafe)
	assert.False(t, pol.DSNStripOriginalMessage)
	assert.Equal(t, "removed_", pol.RemovedAttachmentPrefix)
	assert.Equal(t, int64(0), pol.SizeThresholdKiB)
	assert.Equal(t, 10, pol.Limits.MaxDepth)
	assert.Equal(t, LockGlobal, pol.LockScope)
	assert.True(t, pol.Types.IsArchive("a.tgz"))
	assert.True(t, pol.Types.IsOpenXML("a.xlsm"))
	assert.True(t, pol.Types.IsHTML("a.hta"))
}

func TestNewPolicySizeThresholdRoundsUp(t *testing.T) {
	cfg := config.NewDefaultConfig().Filter
	cfg.SizeThreshold = "1500"
	pol, err := NewPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pol.SizeThresholdKiB)
}

func TestNewPolicyCaseInsensitive(t *testing.T) {
	cfg := config.NewDefaultConfig().Filter
	cfg.Rules.Reject = []string{"*.exe"}
	cfg.CaseInsensitive = true
	pol, err := NewPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, RejectMessage, Classify("SETUP.EXE", pol.Rules).Status)
	assert.True(t, pol.Types.IsArchive("BACKUP.ZIP"))
}

func TestNewPolicyRejectsInvalidConfig(t *testing.T) {
	cfg := config.NewDefaultConfig().Filter
	cfg.MaxArchiveBytes = "lots"
	_, err := NewPolicy(cfg)
	assert.Error(t, err)
}

func TestPolicyStoreGenerations(t *testing.T) {
	s := NewPolicyStore(nil)
	first := s.Load()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.Generation)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PolicyGeneration))

	s.Store(DefaultPolicy())
	assert.Equal(t, uint64(2), s.Load().Generation)
	assert.Equal(t, uint64(1), first.Generation, "published snapshots are not modified")
}
