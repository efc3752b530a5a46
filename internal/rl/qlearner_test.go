package rl

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

func newTestLearner(t *testing.T) *QLearner {
	t.Helper()
	path := filepath.Join(t.TempDir(), "q.json")
	return NewQLearner(path, DefaultLearningRate, DefaultDiscountFactor, zerolog.Nop())
}

func transition(state string, kind action.Kind, reward float64, next string) Transition {
	return Transition{
		StateKey:     state,
		ActionType:   kind,
		Reward:       reward,
		NextStateKey: next,
		Timestamp:    time.Now(),
	}
}

func TestStateKeyStable(t *testing.T) {
	names := []string{"button:Save", "edit:Name", "button:Cancel"}
	k1 := StateKey("Settings", names)
	k2 := StateKey("Settings", names)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 12)
}

func TestStateKeyIgnoresNameOrderAndCase(t *testing.T) {
	k1 := StateKey("Settings", []string{"A", "B", "C"})
	k2 := StateKey("settings", []string{"c", "a", "b"})
	assert.Equal(t, k1, k2)
}

func TestStateKeyDiffersByTitle(t *testing.T) {
	assert.NotEqual(t, StateKey("Settings", nil), StateKey("Notepad", nil))
}

func TestUpdateMovesTowardTarget(t *testing.T) {
	q := newTestLearner(t)
	q.Update(transition("s1", action.Click, 1.0, "s2"))
	// first update from zero: q = alpha * r
	assert.InDelta(t, DefaultLearningRate*1.0, q.QValue("s1", action.Click), 1e-9)
}

func TestRepeatedPositiveUpdatesConvergeMonotonically(t *testing.T) {
	q := newTestLearner(t)
	// self-loop with constant reward has fixed point r / (1 - gamma)
	const reward = 1.0
	fixedPoint := reward / (1 - DefaultDiscountFactor)

	prev := 0.0
	for i := 0; i < 200; i++ {
		q.Update(transition("s", action.Click, reward, "s"))
		cur := q.QValue("s", action.Click)
		require.GreaterOrEqual(t, cur, prev, "value must climb monotonically")
		require.LessOrEqual(t, cur, fixedPoint+1e-6, "value must never overshoot the fixed point")
		prev = cur
	}
	assert.InDelta(t, fixedPoint, prev, 0.5)
}

func TestUpdatePropagatesNegativeNextMax(t *testing.T) {
	q := newTestLearner(t)
	// seed Q(s2, click) = alpha * (-1.0) = -0.15
	q.Update(transition("s2", action.Click, -1.0, "s3"))
	require.InDelta(t, -0.15, q.QValue("s2", action.Click), 1e-9)

	// a known-bad next state must pull the value below zero even with a
	// neutral immediate reward
	q.Update(transition("s1", action.Click, 0.0, "s2"))
	want := DefaultLearningRate * (DefaultDiscountFactor * -0.15)
	assert.InDelta(t, want, q.QValue("s1", action.Click), 1e-9)
}

func TestUpdateUnseenNextStateContributesZero(t *testing.T) {
	q := newTestLearner(t)
	q.Update(transition("s1", action.Click, 0.0, "never-seen"))
	assert.InDelta(t, 0.0, q.QValue("s1", action.Click), 1e-9)
}

func TestBestActionTypeDeterministicTieBreak(t *testing.T) {
	q := newTestLearner(t)
	assert.Equal(t, action.Kind(""), q.BestActionType("unseen"))

	q.qTable["s"] = map[string]float64{"scroll": 0.5, "click": 0.5, "wait": 0.1}
	// equal values resolve by sorted key order
	assert.Equal(t, action.Click, q.BestActionType("s"))
}

func TestActionConfidenceSigmoid(t *testing.T) {
	q := newTestLearner(t)
	assert.InDelta(t, 0.5, q.ActionConfidence("unseen", action.Click), 1e-9)

	q.qTable["s"] = map[string]float64{"click": 2.0}
	assert.Greater(t, q.ActionConfidence("s", action.Click), 0.85)

	q.qTable["s"]["click"] = -2.0
	assert.Less(t, q.ActionConfidence("s", action.Click), 0.15)
}

func TestShouldWarnNeedsHistory(t *testing.T) {
	q := newTestLearner(t)

	q.Update(transition("s", action.Click, -1.0, "s2"))
	warn, _ := q.ShouldWarn("s", action.Click)
	assert.False(t, warn, "one bad observation is not a pattern")

	q.Update(transition("s", action.Click, -1.0, "s2"))
	q.Update(transition("s", action.Click, -1.0, "s2"))
	warn, msg := q.ShouldWarn("s", action.Click)
	assert.True(t, warn)
	assert.Contains(t, msg, "avg reward")
}

func TestShouldWarnSuggestsAlternative(t *testing.T) {
	q := newTestLearner(t)
	for i := 0; i < 3; i++ {
		q.Update(transition("s", action.Click, -1.0, "s2"))
	}
	q.Update(transition("s", action.Hotkey, 1.0, "s2"))

	warn, msg := q.ShouldWarn("s", action.Click)
	require.True(t, warn)
	assert.Contains(t, msg, string(action.Hotkey))
}

func TestNoWarnForGoodAction(t *testing.T) {
	q := newTestLearner(t)
	for i := 0; i < 5; i++ {
		q.Update(transition("s", action.Click, 0.5, "s2"))
	}
	warn, _ := q.ShouldWarn("s", action.Click)
	assert.False(t, warn)
}

func TestImprovementTrend(t *testing.T) {
	q := newTestLearner(t)
	assert.Equal(t, "insufficient_data", q.ImprovementTrend(5))

	for i := 0; i < 5; i++ {
		q.EndEpisode(-1.0)
	}
	for i := 0; i < 5; i++ {
		q.EndEpisode(1.0)
	}
	assert.Equal(t, "improving", q.ImprovementTrend(5))

	q2 := newTestLearner(t)
	for i := 0; i < 10; i++ {
		q2.EndEpisode(0.5)
	}
	assert.Equal(t, "stable", q2.ImprovementTrend(5))
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	q1 := NewQLearner(path, 0, 0, zerolog.Nop())
	for i := 0; i < 12; i++ { // crosses the autosave interval
		q1.Update(transition("s", action.Click, 1.0, "s"))
	}
	q1.EndEpisode(3.5)

	q2 := NewQLearner(path, 0, 0, zerolog.Nop())
	assert.InDelta(t, q1.QValue("s", action.Click), q2.QValue("s", action.Click), 1e-9)
	assert.Equal(t, []float64{3.5}, q2.episodeRewards)
}
