// Package feedback closes the human loop: a person watches the agent run a
// task, rates the result, and the ratings flow into the RL reward signal and
// the per-task optimizer.
package feedback

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/persist"
)

// Rating weights: accuracy matters most.
const (
	weightAccuracy     = 2.0
	weightCompleteness = 1.0
	weightEfficiency   = 1.0

	// neutralScore is assumed when the human skipped every rating.
	neutralScore = 0.5
)

// Feedback is one human review of a task run. Ratings are 1-5; zero means
// skipped.
type Feedback struct {
	DemoID    int       `json:"demo_id"`
	DemoName  string    `json:"demo_name"`
	Timestamp time.Time `json:"timestamp"`

	Accuracy     int `json:"accuracy"`
	Completeness int `json:"completeness"`
	Efficiency   int `json:"efficiency"`

	Notes           string `json:"notes"`
	CorrectApproach string `json:"correct_approach"`

	Steps   int     `json:"steps"`
	Elapsed float64 `json:"elapsed"`
	Success bool    `json:"success"`
}

// OverallScore is the weighted mean of the non-zero ratings on a 0-1 scale.
func (f Feedback) OverallScore() float64 {
	totalW := 0.0
	totalV := 0.0
	add := func(val int, w float64) {
		if val > 0 {
			totalV += float64(val) / 5.0 * w
			totalW += w
		}
	}
	add(f.Accuracy, weightAccuracy)
	add(f.Completeness, weightCompleteness)
	add(f.Efficiency, weightEfficiency)
	if totalW == 0 {
		return neutralScore
	}
	return totalV / totalW
}

// RLReward maps the human score onto [-2, +3]: 0.0 -> -2, 0.5 -> 0,
// 1.0 -> +3. Wider than automated rewards so human signal dominates when
// present without destabilizing the Q-table beyond its own clamp.
func (f Feedback) RLReward() float64 {
	s := f.OverallScore()
	if s >= 0.5 {
		return (s - 0.5) * 6.0
	}
	return (s - 0.5) * 4.0
}

// History aggregates all feedback for one task.
type History struct {
	DemoID    int        `json:"demo_id"`
	DemoName  string     `json:"demo_name"`
	Feedbacks []Feedback `json:"feedbacks"`
}

func (h History) Attempts() int { return len(h.Feedbacks) }

func meanRated(vals []int) float64 {
	sum, n := 0, 0
	for _, v := range vals {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func (h History) AvgAccuracy() float64 {
	vals := make([]int, len(h.Feedbacks))
	for i, f := range h.Feedbacks {
		vals[i] = f.Accuracy
	}
	return meanRated(vals)
}

func (h History) AvgEfficiency() float64 {
	vals := make([]int, len(h.Feedbacks))
	for i, f := range h.Feedbacks {
		vals[i] = f.Efficiency
	}
	return meanRated(vals)
}

func (h History) AvgScore() float64 {
	if len(h.Feedbacks) == 0 {
		return neutralScore
	}
	sum := 0.0
	for _, f := range h.Feedbacks {
		sum += f.OverallScore()
	}
	return sum / float64(len(h.Feedbacks))
}

func (h History) SuccessRate() float64 {
	if len(h.Feedbacks) == 0 {
		return 0
	}
	n := 0
	for _, f := range h.Feedbacks {
		if f.Success {
			n++
		}
	}
	return float64(n) / float64(len(h.Feedbacks))
}

// Trend reports improving / declining / stable over the last window
// attempts.
func (h History) Trend(window int) string {
	if window <= 0 {
		window = 5
	}
	if len(h.Feedbacks) < 3 {
		return "insufficient_data"
	}
	recent := h.Feedbacks
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	if len(recent) < 2 {
		return "insufficient_data"
	}
	half := len(recent) / 2
	first := 0.0
	for _, f := range recent[:half] {
		first += f.OverallScore()
	}
	first /= float64(half)
	second := 0.0
	for _, f := range recent[half:] {
		second += f.OverallScore()
	}
	second /= float64(len(recent) - half)
	diff := second - first
	switch {
	case diff > 0.1:
		return "improving"
	case diff < -0.1:
		return "declining"
	default:
		return "stable"
	}
}

// LatestCorrectiveNotes returns the most recent non-empty notes, newest
// first, up to n.
func (h History) LatestCorrectiveNotes(n int) []string {
	var notes []string
	for i := len(h.Feedbacks) - 1; i >= 0 && len(notes) < n; i-- {
		f := h.Feedbacks[i]
		if s := strings.TrimSpace(f.Notes); s != "" {
			notes = append(notes, s)
		}
		if s := strings.TrimSpace(f.CorrectApproach); s != "" && len(notes) < n {
			notes = append(notes, "Better approach: "+s)
		}
	}
	return notes
}

// SpeedTargets are step/time budgets derived from well-rated runs.
type SpeedTargets struct {
	TargetSteps int
	TargetTime  float64
	BestSteps   int
	BestTime    float64
}

// PromptFunc asks the human a question and returns the raw answer. Injected
// so tests and non-interactive runs can stub it.
type PromptFunc func(ctx context.Context, message string) (string, error)

// Supervisor collects and persists human reviews.
type Supervisor struct {
	path    string
	prompt  PromptFunc
	history map[int]*History
	logger  zerolog.Logger
}

func NewSupervisor(path string, prompt PromptFunc, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		path:    path,
		prompt:  prompt,
		history: make(map[int]*History),
		logger:  logger,
	}
	s.load()
	return s
}

// Record stores a feedback entry directly (non-interactive path).
func (s *Supervisor) Record(f Feedback) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	h, ok := s.history[f.DemoID]
	if !ok {
		h = &History{DemoID: f.DemoID, DemoName: f.DemoName}
		s.history[f.DemoID] = h
	}
	h.Feedbacks = append(h.Feedbacks, f)
	s.save()
}

// CollectFeedback interactively asks the human to rate a finished run.
// Blocks until the rating is done.
func (s *Supervisor) CollectFeedback(ctx context.Context, demoID int, demoName string,
	success bool, steps int, elapsed float64) (Feedback, error) {

	status := "INCOMPLETE"
	if success {
		status = "SUCCESS"
	}
	intro := fmt.Sprintf("Review task %q: %s, %d steps, %.1fs", demoName, status, steps, elapsed)

	accuracy, err := s.askRating(ctx, intro+"\nAccuracy (did it achieve the right outcome?)")
	if err != nil {
		return Feedback{}, err
	}
	completeness, err := s.askRating(ctx, "Completeness (were ALL parts finished?)")
	if err != nil {
		return Feedback{}, err
	}
	efficiency, err := s.askRating(ctx, "Efficiency (no wasted/repeated steps?)")
	if err != nil {
		return Feedback{}, err
	}
	notes, err := s.prompt(ctx, "Any corrective notes? (empty to skip)")
	if err != nil {
		return Feedback{}, err
	}
	correct := ""
	if accuracy < 4 || completeness < 4 {
		correct, err = s.prompt(ctx, "What should it have done differently? (empty to skip)")
		if err != nil {
			return Feedback{}, err
		}
	}

	f := Feedback{
		DemoID:       demoID,
		DemoName:     demoName,
		Timestamp:    time.Now(),
		Accuracy:     accuracy,
		Completeness: completeness,
		Efficiency:   efficiency,
		Notes:        strings.TrimSpace(notes),
		CorrectApproach: strings.TrimSpace(correct),
		Steps:        steps,
		Elapsed:      elapsed,
		Success:      success,
	}
	s.Record(f)

	s.logger.Info().
		Int("demo", demoID).
		Float64("score", f.OverallScore()).
		Float64("rl_reward", f.RLReward()).
		Msg("human feedback recorded")
	return f, nil
}

func (s *Supervisor) askRating(ctx context.Context, question string) (int, error) {
	for {
		raw, err := s.prompt(ctx, question+" [1-5, empty=skip]")
		if err != nil {
			return 0, err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return 0, nil
		}
		val, err := strconv.Atoi(raw)
		if err == nil && val >= 1 && val <= 5 {
			return val, nil
		}
	}
}

// GetHistory returns the feedback history for one task, or nil.
func (s *Supervisor) GetHistory(demoID int) *History {
	return s.history[demoID]
}

// PromptHints builds corrective guidance text for the planner's system
// prompt from past reviews.
func (s *Supervisor) PromptHints(demoID int) string {
	h := s.history[demoID]
	if h == nil || h.Attempts() == 0 {
		return ""
	}

	var hints []string
	if notes := h.LatestCorrectiveNotes(3); len(notes) > 0 {
		hints = append(hints, "HUMAN SUPERVISOR NOTES (from reviewing your previous attempts):")
		for _, n := range notes {
			hints = append(hints, "  - "+n)
		}
	}
	if h.AvgEfficiency() > 0 && h.AvgEfficiency() < 3.0 && h.Attempts() >= 2 {
		hints = append(hints, fmt.Sprintf(
			"EFFICIENCY WARNING: average efficiency rating is %.1f/5. Reduce unnecessary steps.", h.AvgEfficiency()))
	}
	if h.AvgAccuracy() > 0 && h.AvgAccuracy() < 3.0 && h.Attempts() >= 2 {
		hints = append(hints, fmt.Sprintf(
			"ACCURACY WARNING: average accuracy rating is %.1f/5. Double-check your actions match the task.", h.AvgAccuracy()))
	}
	if best, ok := h.bestRun(); ok && best.OverallScore() > 0.7 && best.Steps > 0 {
		hints = append(hints, fmt.Sprintf(
			"Your best run completed in %d steps / %.0fs (score: %.0f%%). Try to match or beat that.",
			best.Steps, best.Elapsed, best.OverallScore()*100))
	}
	if targets, ok := s.GetSpeedTargets(demoID); ok {
		hints = append(hints, fmt.Sprintf(
			"SPEED TARGET: finish within ~%d steps / %.0fs (median of your well-rated runs).",
			targets.TargetSteps, targets.TargetTime))
	}
	if len(hints) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(hints, "\n") + "\n"
}

func (h History) bestRun() (Feedback, bool) {
	if len(h.Feedbacks) == 0 {
		return Feedback{}, false
	}
	best := h.Feedbacks[0]
	for _, f := range h.Feedbacks[1:] {
		if f.OverallScore() > best.OverallScore() {
			best = f
		}
	}
	return best, true
}

// GetSpeedTargets derives step/time budgets from runs rated >= 4 accuracy.
// These tighten the overhead around actions, never per-action timing.
func (s *Supervisor) GetSpeedTargets(demoID int) (SpeedTargets, bool) {
	h := s.history[demoID]
	if h == nil || len(h.Feedbacks) < 2 {
		return SpeedTargets{}, false
	}
	var good []Feedback
	for _, f := range h.Feedbacks {
		if f.Accuracy >= 4 && f.Success {
			good = append(good, f)
		}
	}
	if len(good) == 0 {
		return SpeedTargets{}, false
	}

	steps := make([]int, len(good))
	times := make([]float64, len(good))
	for i, f := range good {
		steps[i] = f.Steps
		times[i] = f.Elapsed
	}
	sort.Ints(steps)
	sort.Float64s(times)

	return SpeedTargets{
		TargetSteps: steps[len(steps)/2],
		TargetTime:  times[len(times)/2],
		BestSteps:   steps[0],
		BestTime:    times[0],
	}, true
}

// StatsSummary is a one-line report for logging.
func (s *Supervisor) StatsSummary() string {
	total := 0
	for _, h := range s.history {
		total += h.Attempts()
	}
	return fmt.Sprintf("supervised=%d across %d tasks", total, len(s.history))
}

func (s *Supervisor) load() {
	var data map[string]*History
	if err := persist.Load(s.path, &data); err != nil {
		s.logger.Warn().Err(err).Msg("feedback load failed, starting empty")
		return
	}
	for _, h := range data {
		s.history[h.DemoID] = h
	}
}

func (s *Supervisor) save() {
	data := make(map[string]*History, len(s.history))
	for id, h := range s.history {
		data[strconv.Itoa(id)] = h
	}
	if err := persist.Save(s.path, data); err != nil {
		s.logger.Warn().Err(err).Msg("feedback save failed")
	}
}
