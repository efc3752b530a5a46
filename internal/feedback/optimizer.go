package feedback

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/persist"
)

// Confidence gates for applying learned optimizations. Each tier unlocks a
// more aggressive shortcut.
const (
	confApplyBudgets  = 0.6
	confApplyTimeout  = 0.7
	confGoldenReplay  = 0.85
	confFastMode      = 0.9
	goldenScoreFloor  = 0.8
	maxGoldenPerTask  = 3
	confidenceRampLen = 3
)

// GoldenSequence is a human-approved action sequence from a well-rated run.
type GoldenSequence struct {
	Steps       []GoldenStep `json:"steps"`
	HumanScore  float64      `json:"human_score"`
	Elapsed     float64      `json:"elapsed"`
	RecordedAt  time.Time    `json:"recorded_at"`
	LastSuccess bool         `json:"last_success"`
}

// GoldenStep is one action inside a golden sequence.
type GoldenStep struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params"`
	Thought    string         `json:"thought,omitempty"`
}

// Profile is the learned optimization state for one task.
type Profile struct {
	DemoID          int              `json:"demo_id"`
	DemoName        string           `json:"demo_name"`
	Confidence      float64          `json:"confidence"`
	OptimalSteps    int              `json:"optimal_steps"`
	OptimalTime     float64          `json:"optimal_time"`
	SkipValidation  bool             `json:"skip_validation"`
	GoldenSequences []GoldenSequence `json:"golden_sequences"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// RunConfig are the per-run budgets the engine consumes.
type RunConfig struct {
	MaxSteps int
	Timeout  time.Duration
	FastMode bool
}

// Optimizer converts human feedback into tighter budgets, planner hints, and
// golden sequences for high-confidence replay.
type Optimizer struct {
	path     string
	profiles map[int]*Profile
	logger   zerolog.Logger
}

func NewOptimizer(path string, logger zerolog.Logger) *Optimizer {
	o := &Optimizer{
		path:     path,
		profiles: make(map[int]*Profile),
		logger:   logger,
	}
	o.load()
	return o
}

// UpdateFromFeedback folds a new review into the task profile. steps carries
// the executed action sequence of the reviewed run for golden capture.
func (o *Optimizer) UpdateFromFeedback(h *History, f Feedback, steps []GoldenStep) {
	if h == nil {
		return
	}
	p, ok := o.profiles[f.DemoID]
	if !ok {
		p = &Profile{DemoID: f.DemoID, DemoName: f.DemoName}
		o.profiles[f.DemoID] = p
	}

	p.Confidence = o.confidence(h)
	p.UpdatedAt = time.Now()

	// Budgets track the best human-approved run, not the average.
	if f.Success && f.Accuracy >= 4 {
		if p.OptimalSteps == 0 || f.Steps < p.OptimalSteps {
			p.OptimalSteps = f.Steps
		}
		if p.OptimalTime == 0 || f.Elapsed < p.OptimalTime {
			p.OptimalTime = f.Elapsed
		}
	}

	if f.Success && f.OverallScore() >= goldenScoreFloor && len(steps) > 0 {
		kept := make([]GoldenStep, 0, len(steps))
		for _, s := range steps {
			if s.ActionType != "done" {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			p.GoldenSequences = append(p.GoldenSequences, GoldenSequence{
				Steps:       kept,
				HumanScore:  f.OverallScore(),
				Elapsed:     f.Elapsed,
				RecordedAt:  time.Now(),
				LastSuccess: true,
			})
			sort.Slice(p.GoldenSequences, func(i, j int) bool {
				return p.GoldenSequences[i].HumanScore > p.GoldenSequences[j].HumanScore
			})
			if len(p.GoldenSequences) > maxGoldenPerTask {
				p.GoldenSequences = p.GoldenSequences[:maxGoldenPerTask]
			}
		}
	}

	// Fast mode requires the three latest runs to all be rated 4+ accuracy.
	p.SkipValidation = lastNAccurate(h, 3)

	o.save()
	o.logger.Info().
		Int("demo", f.DemoID).
		Float64("confidence", p.Confidence).
		Bool("skip_validation", p.SkipValidation).
		Msg("optimizer profile updated")
}

// confidence is a recency-weighted mean of scores, ramped down until the task
// has a few reviews behind it.
func (o *Optimizer) confidence(h *History) float64 {
	n := len(h.Feedbacks)
	if n == 0 {
		return 0
	}
	totalW, totalV := 0.0, 0.0
	for i, f := range h.Feedbacks {
		w := 1.0 + float64(i)*0.5
		totalV += f.OverallScore() * w
		totalW += w
	}
	conf := totalV / totalW
	ramp := float64(n) / float64(confidenceRampLen)
	if ramp > 1 {
		ramp = 1
	}
	return conf * ramp
}

func lastNAccurate(h *History, n int) bool {
	if len(h.Feedbacks) < n {
		return false
	}
	for _, f := range h.Feedbacks[len(h.Feedbacks)-n:] {
		if f.Accuracy < 4 {
			return false
		}
	}
	return true
}

// OptimizedConfig tightens the base budgets when confidence allows. Learned
// budgets only ever shrink the run, never extend it.
func (o *Optimizer) OptimizedConfig(demoID int, base RunConfig) RunConfig {
	p, ok := o.profiles[demoID]
	if !ok {
		return base
	}
	out := base

	if p.Confidence >= confApplyBudgets && p.OptimalSteps > 0 {
		if learned := p.OptimalSteps + 2; learned < out.MaxSteps {
			out.MaxSteps = learned
		}
	}
	if p.Confidence >= confApplyTimeout && p.OptimalTime > 0 {
		if learned := time.Duration(p.OptimalTime * 1.3 * float64(time.Second)); learned < out.Timeout {
			out.Timeout = learned
		}
	}
	if p.SkipValidation && p.Confidence >= confFastMode {
		out.FastMode = true
	}
	return out
}

// GoldenSequenceFor returns the best golden sequence when confidence is high
// enough to replay it without a planner.
func (o *Optimizer) GoldenSequenceFor(demoID int) *GoldenSequence {
	p, ok := o.profiles[demoID]
	if !ok || p.Confidence < confGoldenReplay {
		return nil
	}
	for i := range p.GoldenSequences {
		g := &p.GoldenSequences[i]
		if g.LastSuccess {
			return g
		}
	}
	return nil
}

// MarkGoldenFailed flags a golden sequence after a failed replay so it is not
// retried until re-earned.
func (o *Optimizer) MarkGoldenFailed(demoID int, g *GoldenSequence) {
	if g == nil {
		return
	}
	g.LastSuccess = false
	if p, ok := o.profiles[demoID]; ok {
		// A failed replay means the task changed under us. Drop confidence so
		// budgets loosen back up.
		p.Confidence *= 0.5
	}
	o.save()
}

// PromptEnhancement returns learned guidance lines for the planner prompt.
func (o *Optimizer) PromptEnhancement(demoID int) string {
	p, ok := o.profiles[demoID]
	if !ok || p.Confidence < confApplyBudgets {
		return ""
	}
	var lines []string
	if p.OptimalSteps > 0 {
		lines = append(lines, fmt.Sprintf(
			"This task has been completed before in %d steps. Aim for that count.", p.OptimalSteps))
	}
	if p.Confidence >= confGoldenReplay && len(p.GoldenSequences) > 0 {
		g := p.GoldenSequences[0]
		var acts []string
		for _, s := range g.Steps {
			acts = append(acts, s.ActionType)
		}
		lines = append(lines, "A proven action sequence exists: "+strings.Join(acts, " -> "))
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n" + strings.Join(lines, "\n") + "\n"
}

// Profile returns the learned profile for a task, or nil.
func (o *Optimizer) Profile(demoID int) *Profile {
	return o.profiles[demoID]
}

// Stats renders a one-line report.
func (o *Optimizer) Stats() string {
	golden := 0
	fast := 0
	for _, p := range o.profiles {
		golden += len(p.GoldenSequences)
		if p.SkipValidation {
			fast++
		}
	}
	return fmt.Sprintf("Optimizer: %d task profiles, %d golden sequences, %d fast-mode tasks",
		len(o.profiles), golden, fast)
}

func (o *Optimizer) load() {
	var data map[string]*Profile
	if err := persist.Load(o.path, &data); err != nil {
		o.logger.Warn().Err(err).Msg("optimizer load failed, starting empty")
		return
	}
	for _, p := range data {
		o.profiles[p.DemoID] = p
	}
}

func (o *Optimizer) save() {
	data := make(map[string]*Profile, len(o.profiles))
	for id, p := range o.profiles {
		data[fmt.Sprintf("%d", id)] = p
	}
	if err := persist.Save(o.path, data); err != nil {
		o.logger.Warn().Err(err).Msg("optimizer save failed")
	}
}
