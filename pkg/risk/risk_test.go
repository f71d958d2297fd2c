package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	engine "github.com/arbexec/engine"
)

func TestProbabilityTracker_UnseenStrategyReturnsHalf(t *testing.T) {
	tr := NewProbabilityTracker(time.Hour, 10)
	assert.Equal(t, 0.5, tr.WinProbability("flash-v2"))
}

func TestProbabilityTracker_RecordsMoveTheEstimate(t *testing.T) {
	tr := NewProbabilityTracker(time.Hour, 10)
	for i := 0; i < 8; i++ {
		tr.Record("flash-v2", true, decimal.NewFromInt(10))
	}
	for i := 0; i < 2; i++ {
		tr.Record("flash-v2", false, decimal.NewFromInt(-5))
	}
	assert.InDelta(t, 0.8, tr.WinProbability("flash-v2"), 0.01)
}

func TestEVCalculator_PositiveWhenWinProbabilityHigh(t *testing.T) {
	tr := NewProbabilityTracker(time.Hour, 10)
	for i := 0; i < 9; i++ {
		tr.Record("flash-v2", true, decimal.NewFromInt(10))
	}
	tr.Record("flash-v2", false, decimal.NewFromInt(-10))

	ev := NewEVCalculator(tr, decimal.NewFromFloat(0.5))
	result := ev.ExpectedValue("flash-v2", decimal.NewFromInt(100))
	assert.True(t, result.IsPositive())
}

func TestEVCalculator_NegativeWhenWinProbabilityLow(t *testing.T) {
	tr := NewProbabilityTracker(time.Hour, 10)
	for i := 0; i < 9; i++ {
		tr.Record("flash-v2", false, decimal.NewFromInt(-10))
	}
	tr.Record("flash-v2", true, decimal.NewFromInt(10))

	ev := NewEVCalculator(tr, decimal.NewFromFloat(0.5))
	result := ev.ExpectedValue("flash-v2", decimal.NewFromInt(100))
	assert.True(t, result.IsNegative())
}

func TestPositionSizer_ScalesWithWinProbability(t *testing.T) {
	tr := NewProbabilityTracker(time.Hour, 10)
	budgets := map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(1000)}
	sizer := NewPositionSizer(budgets, tr)

	assert.True(t, sizer.MaxNotional("ethereum", "flash-v2").Equal(decimal.NewFromFloat(500)))

	for i := 0; i < 10; i++ {
		tr.Record("flash-v2", true, decimal.NewFromInt(10))
	}
	assert.True(t, sizer.MaxNotional("ethereum", "flash-v2").Equal(decimal.NewFromInt(1000)))
}

func TestPositionSizer_UnknownChainReturnsZero(t *testing.T) {
	sizer := NewPositionSizer(map[string]decimal.Decimal{}, NewProbabilityTracker(time.Hour, 10))
	assert.True(t, sizer.MaxNotional("solana", "flash-v2").IsZero())
}

func TestDrawdownBreaker_EscalatesNormalToCautionToHalt(t *testing.T) {
	b := NewDrawdownBreaker(decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.3))

	b.RecordOutcome("ethereum", decimal.NewFromInt(100))
	assert.Equal(t, engine.DrawdownNormal, b.State("ethereum").Drawdown)

	b.RecordOutcome("ethereum", decimal.NewFromInt(-15))
	assert.Equal(t, engine.DrawdownCaution, b.State("ethereum").Drawdown)

	b.RecordOutcome("ethereum", decimal.NewFromInt(-20))
	assert.Equal(t, engine.DrawdownHalt, b.State("ethereum").Drawdown)
}

func TestDrawdownBreaker_ConsecutiveLossesResetOnWin(t *testing.T) {
	b := NewDrawdownBreaker(decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.9))

	b.RecordOutcome("ethereum", decimal.NewFromInt(-1))
	b.RecordOutcome("ethereum", decimal.NewFromInt(-1))
	assert.Equal(t, 2, b.State("ethereum").ConsecutiveLosses)

	b.RecordOutcome("ethereum", decimal.NewFromInt(5))
	assert.Equal(t, 0, b.State("ethereum").ConsecutiveLosses)
}

func TestDrawdownBreaker_Reset(t *testing.T) {
	b := NewDrawdownBreaker(decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.3))
	b.RecordOutcome("ethereum", decimal.NewFromInt(-50))
	b.Reset("ethereum")
	assert.Equal(t, engine.DrawdownNormal, b.State("ethereum").Drawdown)
	assert.Equal(t, 0, b.State("ethereum").ConsecutiveLosses)
}

func newOrchestrator() *Orchestrator {
	tracker := NewProbabilityTracker(time.Hour, 50)
	return &Orchestrator{
		Tracker: tracker,
		EV:      NewEVCalculator(tracker, decimal.NewFromFloat(0.5)),
		Sizer:   NewPositionSizer(map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(1000)}, tracker),
		Breaker: NewDrawdownBreaker(decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.3)),
		MinEV:   decimal.Zero,
	}
}

func TestOrchestrator_RejectsOnDrawdownHalt(t *testing.T) {
	o := newOrchestrator()
	o.Breaker.RecordOutcome("ethereum", decimal.NewFromInt(100))
	o.Breaker.RecordOutcome("ethereum", decimal.NewFromInt(-40))

	assessment := o.Assess(engine.Opportunity{BuyChain: "ethereum", Kind: "flash-v2", ExpectedProfit: decimal.NewFromInt(50)})
	assert.False(t, assessment.Allowed)
	assert.Contains(t, assessment.RejectionCode, "drawdown_halt")
}

func TestOrchestrator_RejectsBelowMinEV(t *testing.T) {
	o := newOrchestrator()
	o.MinEV = decimal.NewFromInt(1000)

	assessment := o.Assess(engine.Opportunity{BuyChain: "ethereum", Kind: "flash-v2", ExpectedProfit: decimal.NewFromInt(50)})
	assert.False(t, assessment.Allowed)
	assert.Contains(t, assessment.RejectionCode, "ev_below_threshold")
}

func TestOrchestrator_AllowsAndHalvesSizeInCaution(t *testing.T) {
	o := newOrchestrator()
	o.Breaker.RecordOutcome("ethereum", decimal.NewFromInt(100))
	o.Breaker.RecordOutcome("ethereum", decimal.NewFromInt(-15))
	require := o.Breaker.State("ethereum")
	assert.Equal(t, engine.DrawdownCaution, require.Drawdown)

	assessment := o.Assess(engine.Opportunity{BuyChain: "ethereum", Kind: "flash-v2", ExpectedProfit: decimal.NewFromInt(1)})
	assert.True(t, assessment.Allowed)
	assert.True(t, assessment.MaxNotional.Equal(decimal.NewFromFloat(250)))
}

func TestOrchestrator_RecordResultFeedsTrackerAndBreaker(t *testing.T) {
	o := newOrchestrator()
	o.RecordResult(engine.Opportunity{BuyChain: "ethereum", Kind: "flash-v2"}, true, decimal.NewFromInt(10))
	assert.Greater(t, o.Tracker.WinProbability("flash-v2"), 0.5)
}
