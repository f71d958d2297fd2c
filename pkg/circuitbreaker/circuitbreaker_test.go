package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanExecute_AllowsBelowMinSamples(t *testing.T) {
	b := New(Config{MinSamples: 5, Threshold: 0.1})
	for i := 0; i < 4; i++ {
		b.RecordFailure("ethereum")
	}
	assert.True(t, b.CanExecute("ethereum"))
}

func TestCanExecute_TripsAboveThreshold(t *testing.T) {
	b := New(Config{MinSamples: 2, Threshold: 0.5})
	b.RecordFailure("ethereum")
	b.RecordFailure("ethereum")
	b.RecordFailure("ethereum")
	assert.False(t, b.CanExecute("ethereum"))
}

func TestCanExecute_RecoversWithSuccesses(t *testing.T) {
	b := New(Config{MinSamples: 2, Threshold: 0.5})
	b.RecordFailure("ethereum")
	b.RecordFailure("ethereum")
	assert.False(t, b.CanExecute("ethereum"))

	for i := 0; i < 5; i++ {
		b.RecordSuccess("ethereum")
	}
	assert.True(t, b.CanExecute("ethereum"))
}

func TestCanExecute_ChainsAreIndependent(t *testing.T) {
	b := New(Config{MinSamples: 2, Threshold: 0.5})
	b.RecordFailure("ethereum")
	b.RecordFailure("ethereum")
	assert.False(t, b.CanExecute("ethereum"))
	assert.True(t, b.CanExecute("arbitrum"))
}

func TestErrorRate_PrunesSamplesOutsideWindow(t *testing.T) {
	b := New(Config{MinSamples: 1, Threshold: 0.5, Window: 20 * time.Millisecond})
	b.RecordFailure("ethereum")
	assert.Equal(t, 1.0, b.ErrorRate("ethereum"))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0.0, b.ErrorRate("ethereum"))
}

func TestReset_ClearsSamples(t *testing.T) {
	b := New(Config{MinSamples: 1, Threshold: 0.1})
	b.RecordFailure("ethereum")
	assert.False(t, b.CanExecute("ethereum"))

	b.Reset("ethereum")
	assert.True(t, b.CanExecute("ethereum"))
	assert.Equal(t, 0.0, b.ErrorRate("ethereum"))
}
