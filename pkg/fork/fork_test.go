package fork

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRevertReason_MatchesExecutionRevertedMessage(t *testing.T) {
	reason := extractRevertReason("execution reverted: INSUFFICIENT_OUTPUT_AMOUNT")
	assert.Equal(t, "INSUFFICIENT_OUTPUT_AMOUNT", reason)
}

func TestExtractRevertReason_TrimsTrailingQuotedSuffix(t *testing.T) {
	reason := extractRevertReason(`execution reverted: EXPIRED"`)
	assert.Equal(t, "EXPIRED", reason)
}

func TestExtractRevertReason_MatchesBareRevertMessage(t *testing.T) {
	reason := extractRevertReason("revert EXPIRED")
	assert.Equal(t, "EXPIRED", reason)
}

func TestExtractRevertReason_NoMatchReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", extractRevertReason("connection refused"))
}

func TestNew_StartsInStoppedStateWithPoolDefault(t *testing.T) {
	m := New(Config{}, 0)
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 4, m.maxPool)
}

func TestNew_HonoursExplicitPoolSize(t *testing.T) {
	m := New(Config{}, 10)
	assert.Equal(t, 10, m.maxPool)
}

func TestMetricsSnapshot_StartsZeroed(t *testing.T) {
	m := New(Config{}, 4)
	snap := m.MetricsSnapshot()
	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.SnapshotsCreated)
}
