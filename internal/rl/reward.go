// Package rl is a lightweight tabular learning layer between the planner and
// execution. It does not replace the LLM — it scores action types per UI
// context from accumulated experience and nudges decisions with confidence
// and warning queries.
package rl

import "github.com/polzovatel/ai-agent-for-desktop/internal/action"

// Reward shaping constants. Hand-tuned; kept as named configuration so they
// can be adjusted without touching the computation.
const (
	RewardSuccess        = 1.0
	RewardStateChanged   = 0.3
	RewardChangeBonus    = 0.2
	RewardNoChange       = -0.3
	RewardExecFail       = -0.7
	RewardDrift          = -0.7
	RewardRecoveryNeeded = -1.0
	RewardDoneSuccess    = 2.0
	RewardDoneFail       = -1.5
	RewardParseFail      = -0.2

	rewardClampMin = -2.0
	rewardClampMax = 2.0
)

// RewardInput carries the post-action signals the reward derives from.
type RewardInput struct {
	ActionType     action.Kind
	ExecSuccess    bool
	StateChanged   bool
	DriftDetected  bool
	RecoveryNeeded bool
	TaskDone       bool
	TaskSuccess    bool
}

// ComputeReward maps post-action signals to a scalar reward in [-2, 2].
// Terminal steps override everything else.
func ComputeReward(in RewardInput) float64 {
	if in.TaskDone {
		if in.TaskSuccess {
			return RewardDoneSuccess
		}
		return RewardDoneFail
	}

	if !in.ExecSuccess {
		return RewardExecFail
	}

	reward := 0.0
	switch {
	case in.RecoveryNeeded:
		reward += RewardRecoveryNeeded
	case in.DriftDetected:
		reward += RewardDrift
	case in.StateChanged:
		reward += RewardStateChanged
		if expectsChange(in.ActionType) {
			reward += RewardChangeBonus
		}
	default:
		// No visible change: bad for actions that should move the screen,
		// neutral for passive ones.
		if penalizesNoChange(in.ActionType) {
			reward += RewardNoChange
		}
	}

	if reward < rewardClampMin {
		return rewardClampMin
	}
	if reward > rewardClampMax {
		return rewardClampMax
	}
	return reward
}

func expectsChange(kind action.Kind) bool {
	switch kind {
	case action.Click, action.TypeText, action.Drag, action.OpenApp:
		return true
	}
	return false
}

func penalizesNoChange(kind action.Kind) bool {
	switch kind {
	case action.Click, action.TypeText, action.Drag:
		return true
	}
	return false
}
