// Package engine runs the closed observe-decide-act-validate loop. Every
// step is observed before and after execution; transitions feed the
// validator, the recovery manager, and the reinforcement learner, and
// successful runs are cached for fingerprint-gated replay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
	"github.com/polzovatel/ai-agent-for-desktop/internal/feedback"
	"github.com/polzovatel/ai-agent-for-desktop/internal/recovery"
	"github.com/polzovatel/ai-agent-for-desktop/internal/rl"
	"github.com/polzovatel/ai-agent-for-desktop/internal/skillcache"
	"github.com/polzovatel/ai-agent-for-desktop/internal/stepmemory"
	"github.com/polzovatel/ai-agent-for-desktop/internal/validate"
)

const (
	DefaultMaxSteps       = 25
	DefaultTimeout        = 5 * time.Minute
	DefaultObserveTimeout = 5 * time.Second
	DefaultStepDelay      = 800 * time.Millisecond
)

// Config bounds one run. FastMode skips per-step validation for tasks the
// optimizer has promoted.
type Config struct {
	MaxSteps       int
	Timeout        time.Duration
	ObserveTimeout time.Duration
	StepDelay      time.Duration
	FastMode       bool
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ObserveTimeout <= 0 {
		c.ObserveTimeout = DefaultObserveTimeout
	}
	if c.StepDelay <= 0 {
		c.StepDelay = DefaultStepDelay
	}
	return c
}

// Task is one unit of work handed to the engine.
type Task struct {
	ID          int
	SkillID     string
	Description string
	Params      map[string]any
}

// Report summarizes a finished run. Actions lists the successfully executed
// steps in order so callers can hand the sequence to the optimizer.
type Report struct {
	RunID         string
	Success       bool
	Steps         int
	Elapsed       time.Duration
	Replayed      bool
	EpisodeReward float64
	TokensSpent   int
	Message       string
	Actions       []skillcache.CachedAction
}

// Engine wires the planner, driver, and all learning stores together.
type Engine struct {
	cfg        Config
	planner    Planner
	observer   action.Observer
	executor   action.Executor
	validator  *validate.Validator
	recovery   *recovery.Manager
	skills     *skillcache.Cache
	memory     *stepmemory.Memory
	learner    *rl.QLearner
	optimizer  *feedback.Optimizer
	supervisor *feedback.Supervisor
	recorder   *Recorder
	logger     zerolog.Logger
}

// Option configures optional engine collaborators.
type Option func(*Engine)

func WithOptimizer(o *feedback.Optimizer) Option   { return func(e *Engine) { e.optimizer = o } }
func WithSupervisor(s *feedback.Supervisor) Option { return func(e *Engine) { e.supervisor = s } }
func WithRecorder(r *Recorder) Option              { return func(e *Engine) { e.recorder = r } }

func New(cfg Config, planner Planner, observer action.Observer, executor action.Executor,
	skills *skillcache.Cache, memory *stepmemory.Memory, learner *rl.QLearner,
	logger zerolog.Logger, opts ...Option) *Engine {

	e := &Engine{
		cfg:       cfg.withDefaults(),
		planner:   planner,
		observer:  observer,
		executor:  executor,
		validator: validate.New(),
		recovery:  recovery.NewManager(3),
		skills:    skills,
		memory:    memory,
		learner:   learner,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one task end to end: replay from cache when the UI still
// matches, otherwise plan step by step, learning as it goes.
func (e *Engine) Run(ctx context.Context, task Task) (Report, error) {
	cfg := e.cfg
	if e.optimizer != nil {
		rc := e.optimizer.OptimizedConfig(task.ID, feedback.RunConfig{
			MaxSteps: cfg.MaxSteps,
			Timeout:  cfg.Timeout,
		})
		cfg.MaxSteps = rc.MaxSteps
		cfg.Timeout = rc.Timeout
		cfg.FastMode = cfg.FastMode || rc.FastMode
	}

	runID := uuid.NewString()
	logger := e.logger.With().Str("run_id", runID).Str("skill", task.SkillID).Logger()
	logger.Info().
		Str("task", task.Description).
		Int("max_steps", cfg.MaxSteps).
		Dur("timeout", cfg.Timeout).
		Bool("fast_mode", cfg.FastMode).
		Msg("run start")

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	e.recovery.Reset()
	started := time.Now()

	if e.recorder != nil {
		e.recorder.Start(ctx, runID)
		defer e.recorder.Stop()
	}

	obs := e.observe(ctx)
	pre := skillcache.FingerprintOf(obs)

	// Cache replay path: no LLM at all when the stored fingerprint matches.
	if entry := e.skills.Lookup(task.SkillID, task.Params, pre); entry != nil {
		report, replayed := e.replay(ctx, logger, task, entry, runID, started)
		if replayed {
			return report, nil
		}
		// Replay failed mid-sequence; the entry is invalidated and control
		// falls through to the planner with whatever state the partial replay
		// left behind.
	}

	report := e.planLoop(ctx, logger, cfg, task, pre, runID, started)
	return report, nil
}

// replay executes a cached action sequence. The first failing action
// invalidates the whole entry and stops the replay immediately.
func (e *Engine) replay(ctx context.Context, logger zerolog.Logger, task Task,
	entry *skillcache.Entry, runID string, started time.Time) (Report, bool) {

	logger.Info().
		Int("actions", len(entry.Actions)).
		Int("replay_count", entry.ReplayCount).
		Msg("cache hit, replaying")

	steps := 0
	for _, cached := range entry.Actions {
		if cached.ActionType == action.Done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Report{}, false
		}
		steps++
		res, err := e.executor.Execute(ctx, action.Action{
			Kind:   cached.ActionType,
			Params: cached.Params,
		})
		if err != nil || !res.Success {
			e.skills.Invalidate(task.SkillID, task.Params)
			logger.Warn().
				Err(err).
				Int("step", steps).
				Str("action", string(cached.ActionType)).
				Msg("replay action failed, cache entry invalidated, falling back to planner")
			return Report{}, false
		}
		e.sleep(ctx, time.Duration(cached.ExecTime*float64(time.Second)))
	}

	e.skills.RecordReplay()
	logger.Info().Int("steps", steps).Dur("elapsed", time.Since(started)).Msg("replay complete")
	return Report{
		RunID:    runID,
		Success:  true,
		Steps:    steps,
		Elapsed:  time.Since(started),
		Replayed: true,
		Message:  "replayed from skill cache",
	}, true
}

func (e *Engine) planLoop(ctx context.Context, logger zerolog.Logger, cfg Config,
	task Task, pre skillcache.Fingerprint, runID string, started time.Time) Report {

	history := make([]HistoryItem, 0, 8)
	recorded := make([]skillcache.CachedAction, 0, 8)
	episodeReward := 0.0
	tokensSpent := 0
	success := false
	message := ""

	hints := ""
	if e.supervisor != nil {
		hints += e.supervisor.PromptHints(task.ID)
	}
	if e.optimizer != nil {
		hints += e.optimizer.PromptEnhancement(task.ID)
	}

	var obs action.Observation
	step := 0
	for step = 1; step <= cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			message = "run cancelled: " + err.Error()
			break
		}

		obs = e.observe(ctx)
		before := e.validator.Capture(obs)
		stateKey := rl.StateKey(obs.WindowTitle, obs.ElementNames(8))

		logger.Info().
			Int("step", step).
			Str("window", obs.WindowTitle).
			Int("elements", len(obs.Elements)).
			Bool("partial", obs.Partial).
			Msg("observation")

		dec, err := e.planner.Next(ctx, State{
			Task:        task.Description,
			Step:        step,
			History:     history,
			Observation: obs,
			Hints:       hints,
		})
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				// A garbled response costs one step, not the run. The learner
				// is not updated: no action was attempted in this state.
				logger.Warn().Err(perr).Int("step", step).Msg("unusable planner response, skipping step")
				history = append(history, HistoryItem{
					Action: "none",
					Result: "planner response was not valid, re-planning",
				})
				continue
			}
			message = "planner: " + err.Error()
			break
		}
		tokensSpent += dec.TokensUsed
		act := dec.Action

		if warn, msg := e.learner.ShouldWarn(stateKey, act.Kind); warn {
			logger.Warn().Str("action", string(act.Kind)).Msg(msg)
			history = append(history, HistoryItem{
				Action:  string(act.Kind),
				Result:  "warning before execution",
				Outcome: msg,
			})
		}

		if dec.Complete || act.Kind == action.Done {
			success = true
			message = act.Thought
			reward := rl.ComputeReward(rl.RewardInput{
				ActionType: action.Done, TaskDone: true, TaskSuccess: true,
			})
			e.learner.Update(rl.Transition{
				StateKey:     stateKey,
				ActionType:   action.Done,
				Reward:       reward,
				NextStateKey: stateKey,
				Timestamp:    time.Now(),
			})
			episodeReward += reward
			logger.Info().Int("step", step).Str("thought", act.Thought).Msg("task complete")
			break
		}

		execStart := time.Now()
		res, execErr := e.executor.Execute(ctx, act)
		execSuccess := execErr == nil && res.Success
		execTime := time.Since(execStart).Seconds()

		e.sleep(ctx, cfg.StepDelay)
		afterObs := e.observe(ctx)
		after := e.validator.Capture(afterObs)
		nextKey := rl.StateKey(afterObs.WindowTitle, afterObs.ElementNames(8))

		var vres validate.ValidationResult
		if cfg.FastMode {
			vres = validate.ValidationResult{StateChanged: true, IsCorrect: true}
		} else {
			vres = e.validator.ValidateTransition(before, after, act.Kind, act.Params, "")
		}

		logger.Info().
			Int("step", step).
			Str("action", string(act.Kind)).
			Bool("exec_success", execSuccess).
			Str("validation", vres.Summary()).
			Msg("step executed")

		if vres.RecoveryNeeded && !cfg.FastMode {
			if aborted := e.recover(ctx, logger, afterObs.WindowTitle, vres.RecoveryHint); aborted {
				message = "recovery exhausted, aborting"
				break
			}
		}

		reward := rl.ComputeReward(rl.RewardInput{
			ActionType:     act.Kind,
			ExecSuccess:    execSuccess,
			StateChanged:   vres.StateChanged,
			DriftDetected:  vres.DriftDetected,
			RecoveryNeeded: vres.RecoveryNeeded,
		})
		e.learner.Update(rl.Transition{
			StateKey:     stateKey,
			ActionType:   act.Kind,
			Reward:       reward,
			NextStateKey: nextKey,
			Timestamp:    time.Now(),
		})
		episodeReward += reward

		resultMsg := res.Message
		if execErr != nil {
			resultMsg = "error: " + execErr.Error()
		}
		history = append(history, HistoryItem{
			Action:  string(act.Kind),
			Target:  action.OptionalString(act.Params, "element_name"),
			Result:  resultMsg,
			Outcome: vres.ActualChange,
		})

		if execSuccess {
			recorded = append(recorded, skillcache.CachedAction{
				ActionType: act.Kind,
				Params:     act.Params,
				Thought:    act.Thought,
				StepIndex:  step,
				ExecTime:   execTime,
			})
		}
	}

	elapsed := time.Since(started)
	e.learner.EndEpisode(episodeReward)

	if success {
		var post *skillcache.Fingerprint
		if obs.WindowTitle != "" || len(obs.Elements) > 0 {
			fp := skillcache.FingerprintOf(obs)
			post = &fp
		}
		e.skills.Store(task.SkillID, task.Params, recorded, pre, post, true, elapsed.Seconds(), tokensSpent)
		e.storeEpisode(task, recorded, true)
	} else if len(recorded) > 0 {
		e.storeEpisode(task, recorded, false)
	}

	if message == "" && !success {
		message = fmt.Sprintf("step limit reached (%d)", cfg.MaxSteps)
	}
	// The loop counter overshoots by one when the budget runs out.
	if step > cfg.MaxSteps {
		step = cfg.MaxSteps
	}
	logger.Info().
		Bool("success", success).
		Int("steps", step).
		Dur("elapsed", elapsed).
		Float64("episode_reward", episodeReward).
		Int("tokens", tokensSpent).
		Msg("run finished")

	return Report{
		RunID:         runID,
		Success:       success,
		Steps:         step,
		Elapsed:       elapsed,
		EpisodeReward: episodeReward,
		TokensSpent:   tokensSpent,
		Message:       message,
		Actions:       recorded,
	}
}

// recover executes the context-appropriate recovery actions. Returns true
// when the global abort bound is hit.
func (e *Engine) recover(ctx context.Context, logger zerolog.Logger, windowTitle, hint string) bool {
	if e.recovery.ShouldAbort() {
		return true
	}
	for _, ra := range e.recovery.RecoveryActions(windowTitle, hint) {
		logger.Info().
			Str("strategy", string(ra.Strategy)).
			Str("desc", ra.Description).
			Msg("recovery action")
		e.recovery.RecordAttempt(ra.Strategy)
		if _, err := e.executor.Execute(ctx, action.Action{Kind: ra.Kind, Params: ra.Params}); err != nil {
			logger.Warn().Err(err).Str("strategy", string(ra.Strategy)).Msg("recovery action failed")
			continue
		}
		e.sleep(ctx, time.Duration(ra.DelayAfter*float64(time.Second)))
		// One strategy per drift event. If the screen is still wrong the next
		// validation cycle triggers the next strategy in order.
		break
	}
	return e.recovery.ShouldAbort()
}

func (e *Engine) storeEpisode(task Task, recorded []skillcache.CachedAction, success bool) {
	if e.memory == nil || len(recorded) == 0 {
		return
	}
	steps := make([]stepmemory.Step, 0, len(recorded))
	for _, r := range recorded {
		steps = append(steps, stepmemory.Step{
			ActionType: r.ActionType,
			Params:     r.Params,
			Thought:    r.Thought,
			Success:    true,
			Timestamp:  time.Now(),
		})
	}
	// Keyed off the first observation this run made; coarse but stable.
	snaps := e.validator.History()
	title := ""
	var names []string
	if len(snaps) > 0 {
		title = snaps[0].WindowTitle
		names = snaps[0].ElementNames
	}
	e.memory.Store(title, names, task.Description, steps, success)
}

// observe runs one detection pass under its own deadline. A timeout or error
// fails open: the loop continues with an explicitly partial observation
// instead of blocking the whole run.
func (e *Engine) observe(ctx context.Context) action.Observation {
	type outcome struct {
		obs action.Observation
		err error
	}
	octx, cancel := context.WithTimeout(ctx, e.cfg.ObserveTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		obs, err := e.observer.Observe(octx)
		ch <- outcome{obs, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			e.logger.Warn().Err(out.err).Msg("observation failed, continuing with partial state")
			return action.Observation{Partial: true, Timestamp: time.Now()}
		}
		return out.obs
	case <-octx.Done():
		e.logger.Warn().Dur("timeout", e.cfg.ObserveTimeout).Msg("observation timed out, continuing with partial state")
		return action.Observation{Partial: true, Timestamp: time.Now()}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
