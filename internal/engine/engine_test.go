package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
	"github.com/polzovatel/ai-agent-for-desktop/internal/rl"
	"github.com/polzovatel/ai-agent-for-desktop/internal/skillcache"
	"github.com/polzovatel/ai-agent-for-desktop/internal/stepmemory"
)

type fakeObserver struct {
	title    string
	elements []action.UIElement
	frame    int
	static   bool
}

func (f *fakeObserver) Observe(ctx context.Context) (action.Observation, error) {
	if !f.static {
		f.frame++
	}
	return action.Observation{
		WindowTitle: f.title,
		Elements:    f.elements,
		Screenshot:  []byte(fmt.Sprintf("frame-%d", f.frame)),
		Timestamp:   time.Now(),
	}, nil
}

type fakeExecutor struct {
	executed []action.Action
	failAt   int // 1-based index of the call that fails, 0 = never
}

func (f *fakeExecutor) Execute(ctx context.Context, act action.Action) (action.Result, error) {
	f.executed = append(f.executed, act)
	if f.failAt > 0 && len(f.executed) == f.failAt {
		return action.Result{Success: false, Message: "element not found"}, nil
	}
	return action.Result{Success: true, Message: "ok"}, nil
}

type scriptedPlanner struct {
	decisions []Decision
	errs      []error
	calls     int
}

func (p *scriptedPlanner) Next(ctx context.Context, state State) (Decision, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return Decision{}, p.errs[i]
	}
	if i >= len(p.decisions) {
		return p.decisions[len(p.decisions)-1], nil
	}
	return p.decisions[i], nil
}

func clickDecision(name string) Decision {
	return Decision{Action: action.Action{
		Kind:   action.Click,
		Params: map[string]any{"element_name": name},
	}, TokensUsed: 100}
}

func doneDecision() Decision {
	return Decision{Action: action.Action{
		Kind:   action.Done,
		Params: map[string]any{},
	}, Complete: true, TokensUsed: 50}
}

func newTestEngine(t *testing.T, planner Planner, obs *fakeObserver, exec *fakeExecutor,
	opts ...Option) (*Engine, *skillcache.Cache) {
	t.Helper()
	dir := t.TempDir()
	skills := skillcache.New(filepath.Join(dir, "skills.json"), skillcache.DefaultTolerance, zerolog.Nop())
	memory := stepmemory.New(filepath.Join(dir, "steps.json"), 50, zerolog.Nop())
	learner := rl.NewQLearner(filepath.Join(dir, "q.json"), 0, 0, zerolog.Nop())
	cfg := Config{
		MaxSteps:       8,
		Timeout:        10 * time.Second,
		ObserveTimeout: time.Second,
		StepDelay:      time.Millisecond,
	}
	return New(cfg, planner, obs, exec, skills, memory, learner, zerolog.Nop(), opts...), skills
}

func settingsObserver() *fakeObserver {
	return &fakeObserver{
		title: "Settings",
		elements: []action.UIElement{
			{Name: "Bluetooth", ControlType: "button"},
			{Name: "Wi-Fi", ControlType: "button"},
		},
	}
}

func TestRunSuccessStoresSkill(t *testing.T) {
	planner := &scriptedPlanner{decisions: []Decision{clickDecision("Bluetooth"), doneDecision()}}
	exec := &fakeExecutor{}
	eng, skills := newTestEngine(t, planner, settingsObserver(), exec)

	report, err := eng.Run(context.Background(), Task{SkillID: "toggle_bt", Description: "toggle bluetooth"})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.False(t, report.Replayed)
	assert.Equal(t, 150, report.TokensSpent)
	require.Len(t, exec.executed, 1, "done is never executed")
	assert.Equal(t, action.Click, exec.executed[0].Kind)
	assert.Equal(t, 1, skills.Size(), "successful run cached")

	require.Len(t, report.Actions, 1, "executed sequence surfaces on the report")
	assert.Equal(t, action.Click, report.Actions[0].ActionType)
	assert.Equal(t, "Bluetooth", report.Actions[0].Params["element_name"])
}

func TestSecondRunReplaysWithoutPlanner(t *testing.T) {
	planner := &scriptedPlanner{decisions: []Decision{clickDecision("Bluetooth"), doneDecision()}}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, planner, settingsObserver(), exec)

	task := Task{SkillID: "toggle_bt", Description: "toggle bluetooth"}
	_, err := eng.Run(context.Background(), task)
	require.NoError(t, err)
	callsAfterFirst := planner.calls

	report, err := eng.Run(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.True(t, report.Replayed)
	assert.Equal(t, callsAfterFirst, planner.calls, "replay never consults the planner")
	assert.Zero(t, report.TokensSpent)
}

func TestReplayFailureInvalidatesAndFallsBack(t *testing.T) {
	obs := settingsObserver()
	pre := skillcache.Fingerprint{
		WindowTitle: "Settings", ElementCount: 2,
		TopElements: []string{"Bluetooth", "Wi-Fi"},
	}

	planner := &scriptedPlanner{decisions: []Decision{clickDecision("Bluetooth"), doneDecision()}}
	exec := &fakeExecutor{failAt: 1} // the replayed action fails
	eng, skills := newTestEngine(t, planner, obs, exec)

	skills.Store("toggle_bt", nil, []skillcache.CachedAction{
		{ActionType: action.Click, Params: map[string]any{"element_name": "Gone"}, StepIndex: 1},
	}, pre, nil, true, 1.0, 200)

	report, err := eng.Run(context.Background(), Task{SkillID: "toggle_bt", Description: "toggle bluetooth"})
	require.NoError(t, err)
	assert.True(t, report.Success, "planner finished the task after the replay failed")
	assert.False(t, report.Replayed)
	assert.Greater(t, planner.calls, 0)

	// The broken entry is gone; the fresh successful run replaced it.
	entries := skills.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Bluetooth", entries[0].Actions[0].Params["element_name"])
}

func TestParseErrorSkipsStep(t *testing.T) {
	planner := &scriptedPlanner{
		decisions: []Decision{{}, clickDecision("Bluetooth"), doneDecision()},
		errs:      []error{&ParseError{Raw: "garbage", Err: fmt.Errorf("json not found")}},
	}
	exec := &fakeExecutor{}
	eng, _ := newTestEngine(t, planner, settingsObserver(), exec)

	report, err := eng.Run(context.Background(), Task{SkillID: "t", Description: "task"})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 3, planner.calls, "the garbled step burned one budget slot and re-planned")
	assert.Len(t, exec.executed, 1)
}

func TestStepLimitReached(t *testing.T) {
	planner := &scriptedPlanner{decisions: []Decision{clickDecision("Bluetooth")}}
	exec := &fakeExecutor{}
	eng, skills := newTestEngine(t, planner, settingsObserver(), exec)

	report, err := eng.Run(context.Background(), Task{SkillID: "t", Description: "task"})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Contains(t, report.Message, "step limit")
	assert.Equal(t, 8, report.Steps, "steps never exceed the configured budget")
	assert.Equal(t, 0, skills.Size(), "failed runs are never cached")
}

func TestPlannerHardErrorStopsRun(t *testing.T) {
	planner := &scriptedPlanner{
		decisions: []Decision{{}},
		errs:      []error{fmt.Errorf("llm unavailable")},
	}
	eng, _ := newTestEngine(t, planner, settingsObserver(), &fakeExecutor{})

	report, err := eng.Run(context.Background(), Task{SkillID: "t", Description: "task"})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Contains(t, report.Message, "llm unavailable")
}

type blockingObserver struct{}

func (blockingObserver) Observe(ctx context.Context) (action.Observation, error) {
	<-ctx.Done()
	return action.Observation{}, ctx.Err()
}

func TestObservationTimeoutFailsOpen(t *testing.T) {
	planner := &scriptedPlanner{decisions: []Decision{doneDecision()}}
	dir := t.TempDir()
	skills := skillcache.New(filepath.Join(dir, "skills.json"), skillcache.DefaultTolerance, zerolog.Nop())
	memory := stepmemory.New(filepath.Join(dir, "steps.json"), 50, zerolog.Nop())
	learner := rl.NewQLearner(filepath.Join(dir, "q.json"), 0, 0, zerolog.Nop())
	eng := New(Config{
		MaxSteps:       2,
		Timeout:        5 * time.Second,
		ObserveTimeout: 20 * time.Millisecond,
		StepDelay:      time.Millisecond,
	}, planner, blockingObserver{}, &fakeExecutor{}, skills, memory, learner, zerolog.Nop())

	report, err := eng.Run(context.Background(), Task{SkillID: "t", Description: "task"})
	require.NoError(t, err)
	assert.True(t, report.Success, "a hung detector degrades to a partial observation, not a stall")
}
