package main

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
	"github.com/polzovatel/ai-agent-for-desktop/internal/feedback"
	"github.com/polzovatel/ai-agent-for-desktop/internal/rl"
	"github.com/polzovatel/ai-agent-for-desktop/internal/skillcache"
)

func TestApplyReviewFeedsLearnerAndOptimizer(t *testing.T) {
	dir := t.TempDir()
	learner := rl.NewQLearner(filepath.Join(dir, "q.json"), 0, 0, zerolog.Nop())
	optimizer := feedback.NewOptimizer(filepath.Join(dir, "optimizer.json"), zerolog.Nop())

	fb := feedback.Feedback{DemoID: 42, Accuracy: 5, Completeness: 5, Efficiency: 5,
		Success: true, Steps: 2, Elapsed: 8}
	history := &feedback.History{DemoID: 42, Feedbacks: []feedback.Feedback{fb}}

	executed := []skillcache.CachedAction{
		{ActionType: action.Click, Params: map[string]any{"element_name": "Bluetooth"}, StepIndex: 1},
		{ActionType: action.Done, StepIndex: 2},
	}
	applyReview(learner, optimizer, history, fb, executed)

	stats := learner.StatsSummary()
	assert.Equal(t, 1, stats["episodes"], "human reward lands in the episode log")
	assert.InDelta(t, fb.RLReward(), stats["avg_episode_reward"].(float64), 1e-9)

	p := optimizer.Profile(42)
	require.NotNil(t, p)
	require.Len(t, p.GoldenSequences, 1, "well-rated run becomes golden")
	require.Len(t, p.GoldenSequences[0].Steps, 1, "terminal marker filtered out")
	assert.Equal(t, "click", p.GoldenSequences[0].Steps[0].ActionType)
	assert.Equal(t, "Bluetooth", p.GoldenSequences[0].Steps[0].Params["element_name"])
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "open_bluetooth_settings", slugify("Open Bluetooth settings"))
	assert.Equal(t, "task", slugify("!!!"))
}

func TestTaskIDStable(t *testing.T) {
	assert.Equal(t, taskID("toggle_bt"), taskID("toggle_bt"))
	assert.NotEqual(t, taskID("toggle_bt"), taskID("toggle_wifi"))
}
